package sampler

import (
	"context"
	"image"
	"time"
)

// DefaultFrameRate is the presentation rate assumed when a source does not
// declare one.
const DefaultFrameRate = 60

// SourceInfo is the metadata resolved when a source is opened.
type SourceInfo struct {
	Width     int
	Height    int
	Duration  time.Duration
	FrameRate float64
	Codec     string
	HasAudio  bool
}

// Source produces decoded frames at arbitrary timestamps. Implementations are
// driven by a single goroutine and need not be safe for concurrent use.
type Source interface {
	// Open resolves the source metadata.
	Open(ctx context.Context) (SourceInfo, error)

	// FrameAt positions the source at t and returns the frame visible there.
	FrameAt(ctx context.Context, t time.Duration) (*image.RGBA, error)

	// Close releases decode resources.
	Close() error
}

// AudioSource is implemented by sources that can also render audio.
type AudioSource interface {
	// AudioAt returns frames*channels interleaved signed 16-bit samples starting
	// at from. Returning fewer samples (or none) means the source has no audio there.
	AudioAt(ctx context.Context, from time.Duration, frames, channels, sampleRate int) ([]int16, error)
}

// RenderFunc renders the frame visible at t.
type RenderFunc func(ctx context.Context, t time.Duration) (*image.RGBA, error)

// FuncSource adapts a render callback from the composition layer into a Source.
type FuncSource struct {
	Info   SourceInfo
	Render RenderFunc
	Audio  func(ctx context.Context, from time.Duration, frames, channels, sampleRate int) ([]int16, error)
}

func (s *FuncSource) Open(ctx context.Context) (SourceInfo, error) {
	info := s.Info
	info.HasAudio = s.Audio != nil
	return info, nil
}

func (s *FuncSource) FrameAt(ctx context.Context, t time.Duration) (*image.RGBA, error) {
	return s.Render(ctx, t)
}

func (s *FuncSource) AudioAt(ctx context.Context, from time.Duration, frames, channels, sampleRate int) ([]int16, error) {
	if s.Audio == nil {
		return nil, nil
	}
	return s.Audio(ctx, from, frames, channels, sampleRate)
}

func (s *FuncSource) Close() error {
	return nil
}
