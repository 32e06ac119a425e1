// Package encoder compresses raw frames and PCM blocks into timestamped
// chunks. Each Encoder owns one codec backend driven by a worker goroutine fed
// from a bounded queue.
package encoder

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/chengyongru/openscreen/internal/export/core"
)

// Defaults for Options.
const (
	DefaultQueueSize    = 8
	DefaultFlushTimeout = 30 * time.Second
)

// Options tune an Encoder.
type Options struct {
	QueueSize    int
	FlushTimeout time.Duration
	// Factory overrides the registry lookup.
	Factory Factory
	Logger  *slog.Logger
}

type job struct {
	sample core.RawSample
	ts     time.Duration
}

// Encoder accepts raw samples with strictly increasing timestamps and emits
// EncodedChunks in non-decreasing PTS order.
type Encoder struct {
	track  core.TrackKind
	params Params
	opts   Options
	codec  Codec
	logger *slog.Logger

	queue      chan job
	stop       chan struct{}
	workerDone chan struct{}
	stopOnce   sync.Once
	closeOnce  sync.Once

	// submit side, single caller
	lastTS  time.Duration
	started bool

	mu      sync.Mutex
	ready   []core.EncodedChunk
	err     error
	emitted int64 // packets for video, sample frames for audio
	flushed bool
	closed  bool
}

// New configures an encoder for one track. Unknown codecs and parameters the
// backend rejects fail with EncoderFault.
func New(track core.TrackKind, params Params, opts Options) (*Encoder, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = DefaultFlushTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "encoder", "track", track.String())

	params.Codec = core.CanonicalCodec(params.Codec)
	if err := validateParams(track, params); err != nil {
		return nil, err
	}

	factory := opts.Factory
	if factory == nil {
		f, ok := Lookup(params.Codec)
		if !ok {
			return nil, core.Wrap(core.KindEncoderFault, nil, "unsupported codec %q", params.Codec)
		}
		factory = f
	}
	codec, err := factory(params, logger)
	if err != nil {
		return nil, core.Wrap(core.KindEncoderFault, err, "codec %q rejected configuration", params.Codec)
	}

	e := &Encoder{
		track:      track,
		params:     params,
		opts:       opts,
		codec:      codec,
		logger:     logger,
		queue:      make(chan job, opts.QueueSize),
		stop:       make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	go e.run()

	logger.Info("Encoder configured", "codec", params.Codec, "queue_size", opts.QueueSize)
	return e, nil
}

func validateParams(track core.TrackKind, p Params) error {
	switch track {
	case core.TrackVideo:
		if !core.IsVideoCodec(p.Codec) {
			return core.Wrap(core.KindEncoderFault, nil, "%q is not a video codec", p.Codec)
		}
		if p.Width <= 0 || p.Height <= 0 {
			return core.Wrap(core.KindEncoderFault, nil, "invalid frame size %dx%d", p.Width, p.Height)
		}
		if p.FrameRate <= 0 || math.IsNaN(p.FrameRate) || math.IsInf(p.FrameRate, 0) {
			return core.Wrap(core.KindEncoderFault, nil, "invalid frame rate %v", p.FrameRate)
		}
	case core.TrackAudio:
		if core.IsVideoCodec(p.Codec) {
			return core.Wrap(core.KindEncoderFault, nil, "%q is not an audio codec", p.Codec)
		}
		if p.Channels <= 0 || p.SampleRate <= 0 {
			return core.Wrap(core.KindEncoderFault, nil, "invalid audio layout %dch %dHz", p.Channels, p.SampleRate)
		}
	default:
		return core.Wrap(core.KindEncoderFault, nil, "unknown track kind %d", track)
	}
	return nil
}

// Track returns the kind of track this encoder produces.
func (e *Encoder) Track() core.TrackKind {
	return e.track
}

// Params returns the configured codec parameters.
func (e *Encoder) Params() Params {
	return e.params
}

// Submit enqueues one raw sample. It blocks while the queue is full until space
// frees up or ctx is done.
func (e *Encoder) Submit(ctx context.Context, sample core.RawSample, ts time.Duration) error {
	if err := e.state(); err != nil {
		return err
	}
	if e.started && ts <= e.lastTS {
		return core.Wrap(core.KindInvalidTimestamp, nil, "%s timestamp %s does not follow %s", e.track, ts, e.lastTS)
	}
	if err := e.checkSample(sample); err != nil {
		return err
	}

	select {
	case e.queue <- job{sample: sample, ts: ts}:
		e.started = true
		e.lastTS = ts
		return nil
	case <-e.workerDone:
		return core.Wrap(core.KindEncoderFault, nil, "encoder is no longer accepting samples")
	case <-ctx.Done():
		return core.Wrap(core.KindCancelled, ctx.Err(), "submit interrupted")
	}
}

func (e *Encoder) checkSample(sample core.RawSample) error {
	switch e.track {
	case core.TrackVideo:
		if sample.Frame == nil {
			return core.Wrap(core.KindEncoderFault, nil, "video sample without frame")
		}
		if sample.Frame.Rect.Dx() != e.params.Width || sample.Frame.Rect.Dy() != e.params.Height {
			return core.Wrap(core.KindEncoderFault, nil, "frame is %dx%d, configured %dx%d",
				sample.Frame.Rect.Dx(), sample.Frame.Rect.Dy(), e.params.Width, e.params.Height)
		}
	case core.TrackAudio:
		if len(sample.PCM)%e.params.Channels != 0 {
			return core.Wrap(core.KindEncoderFault, nil, "%d PCM values do not fill %d channels", len(sample.PCM), e.params.Channels)
		}
	}
	return nil
}

func (e *Encoder) state() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.err != nil:
		return e.err
	case e.closed:
		return core.Wrap(core.KindEncoderFault, nil, "encoder is closed")
	case e.flushed:
		return core.Wrap(core.KindEncoderFault, nil, "encoder already flushed")
	}
	return nil
}

func (e *Encoder) run() {
	defer close(e.workerDone)
	for {
		select {
		case j := <-e.queue:
			e.encode(j)
		case <-e.stop:
			for {
				select {
				case j := <-e.queue:
					e.encode(j)
				default:
					return
				}
			}
		}
	}
}

func (e *Encoder) encode(j job) {
	e.mu.Lock()
	skip := e.err != nil || e.closed
	e.mu.Unlock()
	if skip {
		return
	}

	pkts, err := e.codec.Encode(j.sample)
	e.emit(pkts)
	if err != nil {
		e.fail(core.Wrap(core.KindEncoderFault, err, "%s encode failed at %s", e.track, j.ts))
		return
	}
	e.logger.Debug("Sample encoded", "ts", j.ts, "packets", len(pkts))
}

// emit stamps packets in output order.
func (e *Encoder) emit(pkts []Packet) {
	if len(pkts) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range pkts {
		var chunk core.EncodedChunk
		switch e.track {
		case core.TrackVideo:
			pts := e.videoTime(e.emitted)
			chunk = core.EncodedChunk{
				Track:    core.TrackVideo,
				PTS:      pts,
				Duration: e.videoTime(e.emitted+1) - pts,
				Data:     p.Data,
				KeyFrame: p.KeyFrame,
			}
			e.emitted++
		case core.TrackAudio:
			pts := e.audioTime(e.emitted)
			chunk = core.EncodedChunk{
				Track:    core.TrackAudio,
				PTS:      pts,
				Duration: e.audioTime(e.emitted+int64(p.Samples)) - pts,
				Data:     p.Data,
				KeyFrame: true,
			}
			e.emitted += int64(p.Samples)
		}
		e.ready = append(e.ready, chunk)
	}
}

func (e *Encoder) videoTime(n int64) time.Duration {
	return time.Duration(math.Round(float64(n) * float64(time.Second) / e.params.FrameRate))
}

func (e *Encoder) audioTime(samples int64) time.Duration {
	return time.Duration(samples * int64(time.Second) / int64(e.params.SampleRate))
}

func (e *Encoder) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err == nil {
		e.err = err
		e.logger.Error("Encoder failed", "error", err)
	}
}

// Drain returns the chunks emitted so far without blocking. The sticky
// encoder failure, if any, is returned alongside them.
func (e *Encoder) Drain() ([]core.EncodedChunk, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.ready
	e.ready = nil
	return out, e.err
}

// Flush finishes encoding every queued sample and returns all remaining
// chunks. It must be called exactly once; a backend that does not finish
// within FlushTimeout fails with EncoderFault.
func (e *Encoder) Flush(ctx context.Context) ([]core.EncodedChunk, error) {
	e.mu.Lock()
	if e.flushed || e.closed {
		e.mu.Unlock()
		return nil, core.Wrap(core.KindEncoderFault, nil, "encoder already flushed")
	}
	e.flushed = true
	e.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		e.stopOnce.Do(func() { close(e.stop) })
		<-e.workerDone
		if err := e.failure(); err != nil {
			done <- err
			return
		}
		pkts, err := e.codec.Flush()
		e.emit(pkts)
		if err != nil {
			done <- core.Wrap(core.KindEncoderFault, err, "%s flush failed", e.track)
			return
		}
		done <- nil
	}()

	watchdog := time.NewTimer(e.opts.FlushTimeout)
	defer watchdog.Stop()

	var err error
	select {
	case err = <-done:
	case <-watchdog.C:
		err = core.Wrap(core.KindEncoderFault, nil, "%s flush did not complete within %s", e.track, e.opts.FlushTimeout)
		e.codec.Close()
	case <-ctx.Done():
		err = core.Wrap(core.KindCancelled, ctx.Err(), "flush interrupted")
		e.codec.Close()
	}
	if err != nil {
		e.fail(err)
	}

	chunks, sticky := e.Drain()
	if err == nil {
		err = sticky
	}
	e.logger.Info("Encoder flushed", "chunks", len(chunks), "error", err)
	return chunks, err
}

func (e *Encoder) failure() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Close stops the worker and releases the codec. Queued samples are dropped.
// It is safe to call more than once and after Flush.
func (e *Encoder) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		e.stopOnce.Do(func() { close(e.stop) })
		select {
		case <-e.workerDone:
		case <-time.After(stopGrace):
			e.logger.Warn("Encoder worker did not stop in time")
		}
		err = e.codec.Close()
		e.logger.Debug("Encoder closed")
	})
	return err
}
