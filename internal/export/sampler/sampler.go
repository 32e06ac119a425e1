// Package sampler turns a frame source into deterministic, timestamp-addressed
// raw frames for the export pipeline.
package sampler

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	xdraw "golang.org/x/image/draw"

	"github.com/chengyongru/openscreen/internal/export/core"
)

// Default timeouts.
const (
	DefaultOpenTimeout = 10 * time.Second
	DefaultSeekTimeout = 5 * time.Second
	DefaultCloseGrace  = 2 * time.Second
)

// Options configures a Sampler.
type Options struct {
	// Width and Height are the output frame size; frames of any other size are rescaled.
	Width  int
	Height int

	OpenTimeout time.Duration
	SeekTimeout time.Duration
	// CloseGrace bounds how long Close waits for a source call still running.
	CloseGrace time.Duration
	Logger     *slog.Logger
}

// Sampler wraps a Source with bounded waits, output scaling and idempotent close.
// It is not reentrant: at most one source call runs at a time, including a
// call whose caller already gave up on it after a timeout.
type Sampler struct {
	src    Source
	opts   Options
	logger *slog.Logger

	info   SourceInfo
	opened bool

	mu     sync.Mutex
	closed bool
	idle   chan struct{} // non-nil while a source call runs, closed when it returns

	closeOnce sync.Once
	closeErr  error
}

// New creates a sampler for src. Open must be called before sampling.
func New(src Source, opts Options) *Sampler {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}
	if opts.SeekTimeout <= 0 {
		opts.SeekTimeout = DefaultSeekTimeout
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = DefaultCloseGrace
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		src:    src,
		opts:   opts,
		logger: logger.With("component", "sampler"),
	}
}

type result[T any] struct {
	val T
	err error
}

// bounded runs fn on its own goroutine so that a source ignoring its context
// still cannot hold the caller past d. timedOut is set when d elapsed first.
// release runs when fn returns, which may be after bounded did.
func bounded[T any](ctx context.Context, d time.Duration, release func(), fn func(context.Context) (T, error)) (val T, timedOut bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		v, err := fn(ctx)
		release()
		done <- result[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return r.val, true, r.err
		}
		return r.val, false, r.err
	case <-ctx.Done():
		var zero T
		return zero, errors.Is(ctx.Err(), context.DeadlineExceeded), ctx.Err()
	}
}

// Open resolves the source metadata within OpenTimeout.
func (s *Sampler) Open(ctx context.Context) (SourceInfo, error) {
	if s.isClosed() {
		return SourceInfo{}, core.Wrap(core.KindSourceUnavailable, nil, "sampler is closed")
	}
	if s.opened {
		return s.info, nil
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return SourceInfo{}, err
	}
	info, timedOut, err := bounded(ctx, s.opts.OpenTimeout, release, s.src.Open)
	if timedOut {
		return SourceInfo{}, core.Wrap(core.KindSourceUnavailable, err, "metadata not resolved within %s", s.opts.OpenTimeout)
	}
	if err != nil {
		if ctx.Err() != nil {
			return SourceInfo{}, core.Wrap(core.KindCancelled, err, "open interrupted")
		}
		return SourceInfo{}, core.Wrap(core.KindSourceUnavailable, err, "failed to open source")
	}
	if info.Width <= 0 || info.Height <= 0 {
		return SourceInfo{}, core.Wrap(core.KindSourceUnavailable, nil, "source reported invalid dimensions %dx%d", info.Width, info.Height)
	}
	if info.FrameRate <= 0 {
		info.FrameRate = DefaultFrameRate
	}

	s.info = info
	s.opened = true
	s.logger.Info("Source opened",
		"width", info.Width, "height", info.Height,
		"duration", info.Duration, "frame_rate", info.FrameRate,
		"codec", info.Codec, "has_audio", info.HasAudio)
	return info, nil
}

// Info returns the metadata resolved by Open.
func (s *Sampler) Info() SourceInfo {
	return s.info
}

// SampleAt seeks to t and returns the frame visible there, scaled to the
// output size. Sampling backwards is allowed.
func (s *Sampler) SampleAt(ctx context.Context, t time.Duration) (*image.RGBA, error) {
	if t < 0 {
		return nil, core.Wrap(core.KindDecodeError, nil, "negative timestamp %s", t)
	}
	release, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}

	frame, timedOut, err := bounded(ctx, s.opts.SeekTimeout, release, func(ctx context.Context) (*image.RGBA, error) {
		return s.src.FrameAt(ctx, t)
	})
	if timedOut {
		return nil, core.Wrap(core.KindSeekTimeout, err, "seek to %s did not settle within %s", t, s.opts.SeekTimeout)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.Wrap(core.KindCancelled, err, "seek to %s interrupted", t)
		}
		if kind := core.KindOf(err); kind != core.KindUnknown {
			return nil, err
		}
		return nil, core.Wrap(core.KindDecodeError, err, "failed to produce frame at %s", t)
	}
	if frame == nil || frame.Rect.Empty() {
		return nil, core.Wrap(core.KindDecodeError, nil, "source returned no frame at %s", t)
	}

	s.logger.Debug("Frame sampled", "t", t, "size", frame.Rect.Size())
	return s.fit(frame), nil
}

// AudioAt returns interleaved PCM for the interval starting at from, or nil when
// the source carries no audio.
func (s *Sampler) AudioAt(ctx context.Context, from time.Duration, frames, channels, sampleRate int) ([]int16, error) {
	as, ok := s.src.(AudioSource)
	if !ok || !s.info.HasAudio || frames <= 0 || channels <= 0 {
		return nil, nil
	}
	release, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}

	pcm, timedOut, err := bounded(ctx, s.opts.SeekTimeout, release, func(ctx context.Context) ([]int16, error) {
		return as.AudioAt(ctx, from, frames, channels, sampleRate)
	})
	if timedOut {
		return nil, core.Wrap(core.KindSeekTimeout, err, "audio at %s did not settle within %s", from, s.opts.SeekTimeout)
	}
	if err != nil {
		return nil, core.Wrap(core.KindDecodeError, err, "failed to produce audio at %s", from)
	}
	if len(pcm)%channels != 0 {
		pcm = pcm[:len(pcm)-len(pcm)%channels]
	}
	return pcm, nil
}

func (s *Sampler) enter(ctx context.Context) (func(), error) {
	if s.isClosed() {
		return nil, core.Wrap(core.KindDecodeError, nil, "sampler is closed")
	}
	if !s.opened {
		return nil, core.Wrap(core.KindDecodeError, nil, "sampler is not open")
	}
	return s.acquire(ctx)
}

func (s *Sampler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// acquire claims the source for one call and returns the func that gives it
// back. A call abandoned after a timeout keeps the source until it returns,
// so acquire waits for it, up to SeekTimeout.
func (s *Sampler) acquire(ctx context.Context) (func(), error) {
	wait := time.NewTimer(s.opts.SeekTimeout)
	defer wait.Stop()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, core.Wrap(core.KindDecodeError, nil, "sampler is closed")
		}
		idle := s.idle
		if idle == nil {
			done := make(chan struct{})
			s.idle = done
			s.mu.Unlock()
			return func() {
				s.mu.Lock()
				s.idle = nil
				s.mu.Unlock()
				close(done)
			}, nil
		}
		s.mu.Unlock()

		select {
		case <-idle:
		case <-wait.C:
			return nil, core.Wrap(core.KindSeekTimeout, nil, "an earlier source call is still running after %s", s.opts.SeekTimeout)
		case <-ctx.Done():
			return nil, core.Wrap(core.KindCancelled, ctx.Err(), "interrupted waiting for an earlier source call")
		}
	}
}

// fit returns frame unchanged when it already matches the output size and
// origin, otherwise a rescaled copy.
func (s *Sampler) fit(frame *image.RGBA) *image.RGBA {
	w, h := s.opts.Width, s.opts.Height
	if w <= 0 || h <= 0 {
		w, h = frame.Rect.Dx(), frame.Rect.Dy()
	}
	if frame.Rect.Min == (image.Point{}) && frame.Rect.Dx() == w && frame.Rect.Dy() == h {
		return frame
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if frame.Rect.Dx() == w && frame.Rect.Dy() == h {
		xdraw.Copy(dst, image.Point{}, frame, frame.Rect, xdraw.Src, nil)
		return dst
	}
	xdraw.ApproxBiLinear.Scale(dst, dst.Rect, frame, frame.Rect, xdraw.Src, nil)
	return dst
}

// Close releases the source. A source call still running is given up to
// CloseGrace to return first. It is safe to call more than once.
func (s *Sampler) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		idle := s.idle
		s.mu.Unlock()

		if idle != nil {
			select {
			case <-idle:
			case <-time.After(s.opts.CloseGrace):
				s.logger.Warn("Closing source with a call still running", "waited", s.opts.CloseGrace)
			}
		}
		s.closeErr = s.src.Close()
		s.logger.Debug("Sampler closed", "error", s.closeErr)
	})
	return s.closeErr
}
