package muxer

import (
	"bytes"
	"log/slog"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/pkg/errors"

	"github.com/chengyongru/openscreen/internal/export/core"
	"github.com/chengyongru/openscreen/internal/export/h264"
)

const (
	videoTrackID   = 1
	audioTrackID   = 2
	videoTimeScale = 90000
)

// fmp4Track is the per-track state of the fragmented MP4 writer.
type fmp4Track struct {
	id        int
	timeScale uint32
	codec     mp4.Codec
	baseTime  uint64 // tfdt of the next fragment, in timeScale units
	samples   int

	index []gomp4.TfraEntry
}

// fmp4Backend writes ftyp+moov, one moof+mdat per group and an mfra index.
type fmp4Backend struct {
	logger *slog.Logger
	desc   TrackDescriptor

	out         bytes.Buffer
	initWritten bool
	seq         uint32

	video *fmp4Track
	audio *fmp4Track
}

func newFMP4Backend(logger *slog.Logger) *fmp4Backend {
	return &fmp4Backend{logger: logger, seq: 1}
}

func (b *fmp4Backend) mimeType() string {
	return "video/mp4"
}

func (b *fmp4Backend) supports(d TrackDescriptor) error {
	switch d.VideoCodec {
	case core.CodecAVC, core.CodecMJPEG:
	default:
		return core.Wrap(core.KindMuxerFault, nil, "mp4 cannot carry video codec %q", d.VideoCodec)
	}
	if d.Audio != nil {
		switch d.Audio.Codec {
		case core.CodecAAC, core.CodecPCM:
		default:
			return core.Wrap(core.KindMuxerFault, nil, "mp4 cannot carry audio codec %q", d.Audio.Codec)
		}
	}

	b.desc = d
	b.video = &fmp4Track{id: videoTrackID, timeScale: videoTimeScale}
	if d.Audio != nil {
		b.audio = &fmp4Track{id: audioTrackID, timeScale: uint32(d.Audio.SampleRate)}
	}
	return nil
}

// writeInit emits the initialization segment. An avc track takes the
// parameter sets of its first key frame; nil means the track stays empty.
func (b *fmp4Backend) writeInit(firstKey *core.EncodedChunk) error {
	switch b.desc.VideoCodec {
	case core.CodecAVC:
		var sps, pps []byte
		if firstKey == nil {
			sps, pps = h264.PlaceholderParameterSets(b.desc.Width, b.desc.Height)
		} else {
			sps, pps = h264.ParameterSets(firstKey.Data)
		}
		if sps == nil || pps == nil {
			return errors.New("first key frame carries no SPS/PPS")
		}
		b.video.codec = &mp4.CodecH264{SPS: sps, PPS: pps}
	case core.CodecMJPEG:
		b.video.codec = &mp4.CodecMJPEG{Width: b.desc.Width, Height: b.desc.Height}
	}

	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        b.video.id,
			TimeScale: b.video.timeScale,
			Codec:     b.video.codec,
		}},
	}
	if b.audio != nil {
		switch b.desc.Audio.Codec {
		case core.CodecAAC:
			b.audio.codec = &mp4.CodecMPEG4Audio{Config: mpeg4AudioConfig(b.desc.Audio)}
		case core.CodecPCM:
			b.audio.codec = &mp4.CodecLPCM{
				LittleEndian: true,
				BitDepth:     16,
				SampleRate:   b.desc.Audio.SampleRate,
				ChannelCount: b.desc.Audio.Channels,
			}
		}
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        b.audio.id,
			TimeScale: b.audio.timeScale,
			Codec:     b.audio.codec,
		})
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return errors.Wrap(err, "failed to marshal init segment")
	}
	b.out.Write(buf.Bytes())
	b.initWritten = true
	b.logger.Info("fMP4 init segment written", "size", buf.Len())
	return nil
}

func (b *fmp4Backend) writeGroup(video, audio []core.EncodedChunk) error {
	if !b.initWritten {
		var firstKey *core.EncodedChunk
		for i := range video {
			if video[i].KeyFrame {
				firstKey = &video[i]
				break
			}
		}
		if b.desc.VideoCodec == core.CodecAVC && len(video) == 0 {
			// wait for video to learn the parameter sets
			if len(audio) > 0 {
				return errors.New("audio group precedes the first video key frame")
			}
			return nil
		}
		if b.desc.VideoCodec == core.CodecAVC && firstKey == nil {
			return errors.New("no key frame in the first video group")
		}
		if err := b.writeInit(firstKey); err != nil {
			return err
		}
	}

	part := &fmp4.Part{SequenceNumber: b.seq}
	type indexed struct {
		track *fmp4Track
		time  uint64
		sync  bool
	}
	var entries []indexed

	if len(video) > 0 {
		samples, err := b.videoSamples(video)
		if err != nil {
			return err
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{ID: b.video.id, BaseTime: b.video.baseTime, Samples: samples})
		entries = append(entries, indexed{b.video, b.video.baseTime, video[0].KeyFrame})
		b.video.advance(samples)
	}
	if len(audio) > 0 && b.audio != nil {
		samples := make([]*fmp4.Sample, 0, len(audio))
		for _, c := range audio {
			samples = append(samples, &fmp4.Sample{
				Duration: sampleDuration(c, b.audio.timeScale),
				Payload:  c.Data,
			})
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{ID: b.audio.id, BaseTime: b.audio.baseTime, Samples: samples})
		entries = append(entries, indexed{b.audio, b.audio.baseTime, true})
		b.audio.advance(samples)
	}
	if len(part.Tracks) == 0 {
		return nil
	}

	moofOffset := uint64(b.out.Len())
	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return errors.Wrap(err, "failed to marshal fragment")
	}
	b.out.Write(buf.Bytes())
	b.seq++

	for trafNumber, e := range entries {
		if !e.sync {
			continue
		}
		e.track.index = append(e.track.index, gomp4.TfraEntry{
			TimeV1:       e.time,
			MoofOffsetV1: moofOffset,
			TrafNumber:   uint32(trafNumber + 1),
			TrunNumber:   1,
			SampleNumber: 1,
		})
	}
	return nil
}

func (b *fmp4Backend) videoSamples(video []core.EncodedChunk) ([]*fmp4.Sample, error) {
	samples := make([]*fmp4.Sample, 0, len(video))
	for _, c := range video {
		payload := c.Data
		if b.desc.VideoCodec == core.CodecAVC {
			avcc, err := h264.ToAVCC(c.Data)
			if err != nil {
				return nil, errors.Wrapf(err, "video chunk at %s", c.PTS)
			}
			payload = avcc
		}
		samples = append(samples, &fmp4.Sample{
			Duration:        sampleDuration(c, b.video.timeScale),
			IsNonSyncSample: !c.KeyFrame,
			Payload:         payload,
		})
	}
	return samples, nil
}

func (t *fmp4Track) advance(samples []*fmp4.Sample) {
	for _, s := range samples {
		t.baseTime += uint64(s.Duration)
	}
	t.samples += len(samples)
}

// sampleDuration keeps scaled durations summing to the scaled end time.
func sampleDuration(c core.EncodedChunk, timeScale uint32) uint32 {
	return uint32(scale(c.End(), timeScale) - scale(c.PTS, timeScale))
}

func (b *fmp4Backend) finalize() ([]byte, error) {
	if !b.initWritten {
		if err := b.writeInit(nil); err != nil {
			return nil, err
		}
	}
	mfra, err := b.marshalMfra()
	if err != nil {
		return nil, err
	}
	b.out.Write(mfra)

	b.logger.Debug("fMP4 finalized",
		"fragments", b.seq-1,
		"video_samples", b.video.samples,
		"size", b.out.Len())
	return b.out.Bytes(), nil
}

// marshalMfra writes the movie fragment random access box: one tfra per
// track followed by mfro, whose size field lets readers find mfra from the
// end of the file.
func (b *fmp4Backend) marshalMfra() ([]byte, error) {
	var buf seekablebuffer.Buffer
	w := gomp4.NewWriter(&buf)

	if _, err := w.StartBox(&gomp4.BoxInfo{Type: gomp4.BoxTypeMfra()}); err != nil {
		return nil, errors.Wrap(err, "mfra")
	}
	for _, t := range []*fmp4Track{b.video, b.audio} {
		if t == nil {
			continue
		}
		if _, err := w.StartBox(&gomp4.BoxInfo{Type: gomp4.BoxTypeTfra()}); err != nil {
			return nil, errors.Wrap(err, "tfra")
		}
		tfra := &gomp4.Tfra{
			FullBox:               gomp4.FullBox{Version: 1},
			TrackID:               uint32(t.id),
			LengthSizeOfTrafNum:   0,
			LengthSizeOfTrunNum:   0,
			LengthSizeOfSampleNum: 0,
			NumberOfEntry:         uint32(len(t.index)),
			Entries:               t.index,
		}
		if _, err := gomp4.Marshal(w, tfra, gomp4.Context{}); err != nil {
			return nil, errors.Wrap(err, "tfra")
		}
		if _, err := w.EndBox(); err != nil {
			return nil, errors.Wrap(err, "tfra")
		}
	}

	// mfro is a fixed 16 bytes: header, version/flags and size
	mfraSize := uint32(buf.Len()) + 16
	if _, err := w.StartBox(&gomp4.BoxInfo{Type: gomp4.BoxTypeMfro()}); err != nil {
		return nil, errors.Wrap(err, "mfro")
	}
	if _, err := gomp4.Marshal(w, &gomp4.Mfro{Size: mfraSize}, gomp4.Context{}); err != nil {
		return nil, errors.Wrap(err, "mfro")
	}
	if _, err := w.EndBox(); err != nil {
		return nil, errors.Wrap(err, "mfro")
	}
	if _, err := w.EndBox(); err != nil {
		return nil, errors.Wrap(err, "mfra")
	}
	return buf.Bytes(), nil
}
