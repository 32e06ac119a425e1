package muxer

import (
	"bytes"
	"log/slog"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/pkg/errors"

	"github.com/chengyongru/openscreen/internal/export/core"
	"github.com/chengyongru/openscreen/internal/export/h264"
)

// webmCloseTimeout bounds the wait for the block writer to flush its last cluster.
const webmCloseTimeout = 5 * time.Second

// Matroska codec IDs.
const (
	codecIDAVC   = "V_MPEG4/ISO/AVC"
	codecIDMJPEG = "V_MJPEG"
	codecIDAAC   = "A_AAC"
)

// writerCloser lets the block writer own the output buffer: its Close is
// called once every track writer has been closed.
type writerCloser struct {
	mu     sync.Mutex
	buf    *bytes.Buffer
	closed bool
	done   chan struct{}
}

func (wc *writerCloser) Write(p []byte) (int, error) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.closed {
		return 0, errors.New("webm output already closed")
	}
	return wc.buf.Write(p)
}

func (wc *writerCloser) Close() error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if !wc.closed {
		wc.closed = true
		close(wc.done)
	}
	return nil
}

// webmBackend writes an EBML header, the track entries and SimpleBlock clusters.
type webmBackend struct {
	logger *slog.Logger
	desc   TrackDescriptor

	out     bytes.Buffer
	wc      *writerCloser
	video   webm.BlockWriteCloser
	audio   webm.BlockWriteCloser
	started bool

	mu       sync.Mutex
	fatalErr error
}

func newWebMBackend(logger *slog.Logger) *webmBackend {
	return &webmBackend{logger: logger}
}

func (b *webmBackend) mimeType() string {
	return "video/webm"
}

func (b *webmBackend) supports(d TrackDescriptor) error {
	switch d.VideoCodec {
	case core.CodecAVC, core.CodecMJPEG:
	default:
		return core.Wrap(core.KindMuxerFault, nil, "webm cannot carry video codec %q", d.VideoCodec)
	}
	if d.Audio != nil && d.Audio.Codec != core.CodecAAC {
		return core.Wrap(core.KindMuxerFault, nil, "webm cannot carry audio codec %q", d.Audio.Codec)
	}
	b.desc = d
	return nil
}

// start creates the block writer. As with mp4, avc takes its CodecPrivate
// from the first key frame, or a placeholder when no frame was written.
func (b *webmBackend) start(firstKey *core.EncodedChunk) error {
	video := webm.TrackEntry{
		Name:            "Video",
		TrackNumber:     1,
		TrackUID:        1,
		TrackType:       1,
		DefaultDuration: uint64(float64(time.Second) / b.desc.FrameRate),
		Video: &webm.Video{
			PixelWidth:  uint64(b.desc.Width),
			PixelHeight: uint64(b.desc.Height),
		},
	}
	switch b.desc.VideoCodec {
	case core.CodecAVC:
		var sps, pps []byte
		if firstKey == nil {
			sps, pps = h264.PlaceholderParameterSets(b.desc.Width, b.desc.Height)
		} else {
			sps, pps = h264.ParameterSets(firstKey.Data)
		}
		avcc, err := h264.DecoderConfig(sps, pps)
		if err != nil {
			return errors.Wrap(err, "first key frame")
		}
		video.CodecID = codecIDAVC
		video.CodecPrivate = avcc
	case core.CodecMJPEG:
		video.CodecID = codecIDMJPEG
	}

	tracks := []webm.TrackEntry{video}
	if b.desc.Audio != nil {
		asc := mpeg4AudioConfig(b.desc.Audio)
		private, err := asc.Marshal()
		if err != nil {
			return errors.Wrap(err, "audio specific config")
		}
		tracks = append(tracks, webm.TrackEntry{
			Name:            "Audio",
			TrackNumber:     2,
			TrackUID:        2,
			CodecID:         codecIDAAC,
			CodecPrivate:    private,
			TrackType:       2,
			DefaultDuration: uint64(aacFrameDuration(b.desc.Audio.SampleRate)),
			Audio: &webm.Audio{
				SamplingFrequency: float64(b.desc.Audio.SampleRate),
				Channels:          uint64(b.desc.Audio.Channels),
			},
		})
	}

	b.wc = &writerCloser{buf: &b.out, done: make(chan struct{})}
	writers, err := webm.NewSimpleBlockWriter(b.wc, tracks, mkvcore.WithOnFatalHandler(func(err error) {
		b.logger.Warn("WebM writer error", "error", err)
		b.mu.Lock()
		if b.fatalErr == nil {
			b.fatalErr = err
		}
		b.mu.Unlock()
	}))
	if err != nil {
		return errors.Wrap(err, "failed to create WebM writer")
	}
	b.video = writers[0]
	if len(writers) > 1 {
		b.audio = writers[1]
	}
	b.started = true
	b.logger.Info("WebM container initialized", "tracks", len(tracks))
	return nil
}

func (b *webmBackend) fatal() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fatalErr
}

func (b *webmBackend) writeGroup(video, audio []core.EncodedChunk) error {
	if !b.started {
		if b.desc.VideoCodec == core.CodecAVC && len(video) == 0 {
			if len(audio) > 0 {
				return errors.New("audio group precedes the first video key frame")
			}
			return nil
		}
		var firstKey *core.EncodedChunk
		for i := range video {
			if video[i].KeyFrame {
				firstKey = &video[i]
				break
			}
		}
		if b.desc.VideoCodec == core.CodecAVC && firstKey == nil {
			return errors.New("no key frame in the first video group")
		}
		if err := b.start(firstKey); err != nil {
			return err
		}
	}

	for _, c := range mergeByPTS(video, audio) {
		ts := c.PTS.Milliseconds()
		switch c.Track {
		case core.TrackVideo:
			data := c.Data
			if b.desc.VideoCodec == core.CodecAVC {
				avcc, err := h264.ToAVCC(c.Data)
				if err != nil {
					return errors.Wrapf(err, "video chunk at %s", c.PTS)
				}
				data = avcc
			}
			if _, err := b.video.Write(c.KeyFrame, ts, data); err != nil {
				return errors.Wrapf(err, "failed to write video block at %s", c.PTS)
			}
		case core.TrackAudio:
			if b.audio == nil {
				continue
			}
			if _, err := b.audio.Write(true, ts, c.Data); err != nil {
				return errors.Wrapf(err, "failed to write audio block at %s", c.PTS)
			}
		}
	}
	return b.fatal()
}

func (b *webmBackend) finalize() ([]byte, error) {
	if !b.started {
		if err := b.start(nil); err != nil {
			return nil, err
		}
	}

	if err := b.video.Close(); err != nil {
		b.logger.Warn("Video writer close error", "error", err)
	}
	if b.audio != nil {
		if err := b.audio.Close(); err != nil {
			b.logger.Warn("Audio writer close error", "error", err)
		}
	}

	select {
	case <-b.wc.done:
	case <-time.After(webmCloseTimeout):
		return nil, errors.New("webm writer did not close")
	}
	if err := b.fatal(); err != nil {
		return nil, err
	}
	return b.out.Bytes(), nil
}
