// Package muxer interleaves encoded video and audio chunks into a single
// in-memory container file.
package muxer

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/chengyongru/openscreen/internal/export/core"
)

// DefaultGroupDuration is the span of media written per fragment or cluster.
const DefaultGroupDuration = time.Second

// AudioTrack describes the declared audio track.
type AudioTrack struct {
	Codec      string
	Channels   int
	SampleRate int
}

// TrackDescriptor is the immutable track layout committed by Initialize.
type TrackDescriptor struct {
	VideoCodec string
	Width      int
	Height     int
	FrameRate  float64
	Audio      *AudioTrack
}

// HasAudio reports whether an audio track is declared.
func (d TrackDescriptor) HasAudio() bool {
	return d.Audio != nil
}

func (d TrackDescriptor) equal(o TrackDescriptor) bool {
	if d.VideoCodec != o.VideoCodec || d.Width != o.Width || d.Height != o.Height || d.FrameRate != o.FrameRate {
		return false
	}
	if d.HasAudio() != o.HasAudio() {
		return false
	}
	return d.Audio == nil || *d.Audio == *o.Audio
}

// DescriptorFromConfig derives the track layout of an export.
func DescriptorFromConfig(cfg core.ExportConfig) TrackDescriptor {
	d := TrackDescriptor{
		VideoCodec: core.CanonicalCodec(cfg.VideoCodec),
		Width:      cfg.Width,
		Height:     cfg.Height,
		FrameRate:  cfg.FrameRate,
	}
	if cfg.Audio != nil {
		d.Audio = &AudioTrack{
			Codec:      core.CanonicalCodec(cfg.Audio.Codec),
			Channels:   cfg.Audio.Channels,
			SampleRate: cfg.Audio.SampleRate,
		}
	}
	return d
}

// backend serializes groups into one container format.
type backend interface {
	supports(d TrackDescriptor) error
	writeGroup(video, audio []core.EncodedChunk) error
	finalize() ([]byte, error)
	mimeType() string
}

// Options tune a Muxer.
type Options struct {
	GroupDuration time.Duration
	Logger        *slog.Logger
}

// Stats summarizes what a muxer has written.
type Stats struct {
	Groups      int
	VideoChunks int
	AudioChunks int
}

// Muxer accepts chunks per track in PTS order and writes them as interleaved
// groups. After Finalize it rejects every further call with MuxerSealed.
type Muxer struct {
	container string
	opts      Options
	logger    *slog.Logger
	backend   backend

	mu          sync.Mutex
	desc        TrackDescriptor
	initialized bool
	sealed      bool

	last    map[core.TrackKind]time.Duration
	pending [2][]core.EncodedChunk // indexed by TrackKind
	nextCut time.Duration
	stats   Stats
}

// New creates a muxer for container ("mp4" or "webm").
func New(container string, opts Options) (*Muxer, error) {
	if opts.GroupDuration <= 0 {
		opts.GroupDuration = DefaultGroupDuration
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if container == "" {
		container = core.DefaultContainer
	}
	m := &Muxer{
		container: container,
		opts:      opts,
		last:      make(map[core.TrackKind]time.Duration),
		nextCut:   opts.GroupDuration,
	}
	switch container {
	case core.ContainerMP4:
		m.logger = logger.With("component", "fmp4_muxer")
		m.backend = newFMP4Backend(m.logger)
	case core.ContainerWebM:
		m.logger = logger.With("component", "webm_muxer")
		m.backend = newWebMBackend(m.logger)
	default:
		return nil, core.Wrap(core.KindInvalidConfig, nil, "unsupported container %q", container)
	}
	return m, nil
}

// MIMEType is the media type of the finalized file.
func (m *Muxer) MIMEType() string {
	return m.backend.mimeType()
}

// Initialize commits the track layout. Repeating it with an identical layout is
// a no-op; a different layout is rejected.
func (m *Muxer) Initialize(desc TrackDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sealed {
		return core.Wrap(core.KindMuxerSealed, nil, "initialize after finalize")
	}
	desc.VideoCodec = core.CanonicalCodec(desc.VideoCodec)
	if desc.Audio != nil {
		a := *desc.Audio
		a.Codec = core.CanonicalCodec(a.Codec)
		desc.Audio = &a
	}
	if m.initialized {
		if m.desc.equal(desc) {
			return nil
		}
		return core.Wrap(core.KindMuxerFault, nil, "tracks already initialized")
	}

	if desc.Width <= 0 || desc.Height <= 0 {
		return core.Wrap(core.KindMuxerFault, nil, "invalid video size %dx%d", desc.Width, desc.Height)
	}
	if desc.FrameRate <= 0 {
		return core.Wrap(core.KindMuxerFault, nil, "invalid frame rate %v", desc.FrameRate)
	}
	if desc.Audio != nil && (desc.Audio.Channels <= 0 || desc.Audio.SampleRate <= 0) {
		return core.Wrap(core.KindMuxerFault, nil, "invalid audio layout %dch %dHz", desc.Audio.Channels, desc.Audio.SampleRate)
	}
	if err := m.backend.supports(desc); err != nil {
		return err
	}

	m.desc = desc
	m.initialized = true
	m.logger.Info("Muxer initialized",
		"container", m.container,
		"video_codec", desc.VideoCodec,
		"width", desc.Width, "height", desc.Height,
		"audio", desc.HasAudio())
	return nil
}

// AddChunk appends a chunk to its track. Chunks of one track must arrive with
// non-decreasing PTS; they are never reordered.
func (m *Muxer) AddChunk(chunk core.EncodedChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sealed {
		return core.Wrap(core.KindMuxerSealed, nil, "chunk after finalize")
	}
	if !m.initialized {
		return core.Wrap(core.KindUnconfiguredTrack, nil, "muxer has no tracks")
	}
	switch chunk.Track {
	case core.TrackVideo:
	case core.TrackAudio:
		if !m.desc.HasAudio() {
			return core.Wrap(core.KindUnconfiguredTrack, nil, "audio chunk without declared audio track")
		}
	default:
		return core.Wrap(core.KindUnconfiguredTrack, nil, "unknown track %d", chunk.Track)
	}
	if last, ok := m.last[chunk.Track]; ok && chunk.PTS < last {
		return core.Wrap(core.KindInvalidTimestamp, nil, "%s chunk at %s precedes %s", chunk.Track, chunk.PTS, last)
	}
	if len(chunk.Data) == 0 {
		m.logger.Debug("Skipping empty chunk", "track", chunk.Track.String(), "pts", chunk.PTS)
		return nil
	}

	if chunk.Track == core.TrackVideo && chunk.PTS >= m.nextCut && len(m.pending[core.TrackVideo]) > 0 {
		if err := m.cut(chunk.PTS); err != nil {
			return err
		}
		for m.nextCut <= chunk.PTS {
			m.nextCut += m.opts.GroupDuration
		}
	}

	m.last[chunk.Track] = chunk.PTS
	m.pending[chunk.Track] = append(m.pending[chunk.Track], chunk)
	return nil
}

// cut writes pending video plus the audio that starts before at.
func (m *Muxer) cut(at time.Duration) error {
	video := m.pending[core.TrackVideo]
	audioPending := m.pending[core.TrackAudio]
	n := sort.Search(len(audioPending), func(i int) bool {
		return audioPending[i].PTS >= at
	})
	audio := audioPending[:n]

	if err := m.backend.writeGroup(video, audio); err != nil {
		return core.Wrap(core.KindMuxerFault, err, "failed to write group ending at %s", at)
	}
	m.stats.Groups++
	m.stats.VideoChunks += len(video)
	m.stats.AudioChunks += len(audio)
	m.logger.Debug("Group written", "end", at, "video", len(video), "audio", len(audio))

	m.pending[core.TrackVideo] = nil
	m.pending[core.TrackAudio] = append([]core.EncodedChunk(nil), audioPending[n:]...)
	return nil
}

// Finalize writes the remaining chunks and the container trailer and returns
// the finished file. The muxer is sealed afterwards, even on failure.
func (m *Muxer) Finalize() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sealed {
		return nil, core.Wrap(core.KindMuxerSealed, nil, "already finalized")
	}
	m.sealed = true
	if !m.initialized {
		return nil, core.Wrap(core.KindMuxerFault, nil, "finalize without tracks")
	}

	if len(m.pending[core.TrackVideo]) > 0 || len(m.pending[core.TrackAudio]) > 0 {
		if err := m.cut(time.Duration(math.MaxInt64)); err != nil {
			return nil, err
		}
	}
	data, err := m.backend.finalize()
	if err != nil {
		return nil, core.Wrap(core.KindMuxerFault, err, "failed to finalize %s", m.container)
	}
	if len(data) == 0 {
		return nil, core.Wrap(core.KindMuxerFault, nil, "container is empty")
	}

	m.logger.Info("Muxer finalized",
		"bytes", len(data),
		"groups", m.stats.Groups,
		"video_chunks", m.stats.VideoChunks,
		"audio_chunks", m.stats.AudioChunks)
	return data, nil
}

// Stats returns counters of what has been written so far.
func (m *Muxer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// mergeByPTS interleaves two PTS ordered runs, video first on ties.
func mergeByPTS(video, audio []core.EncodedChunk) []core.EncodedChunk {
	out := make([]core.EncodedChunk, 0, len(video)+len(audio))
	i, j := 0, 0
	for i < len(video) || j < len(audio) {
		if j >= len(audio) || (i < len(video) && video[i].PTS <= audio[j].PTS) {
			out = append(out, video[i])
			i++
			continue
		}
		out = append(out, audio[j])
		j++
	}
	return out
}

// scale converts d into ticks of timescale, rounding to nearest.
func scale(d time.Duration, timescale uint32) uint64 {
	if d <= 0 {
		return 0
	}
	sec := d / time.Second
	rem := d % time.Second
	return uint64(sec)*uint64(timescale) + uint64((int64(rem)*int64(timescale)+int64(time.Second)/2)/int64(time.Second))
}
