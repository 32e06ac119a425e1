package sampler

import (
	"context"
	"image"
	"image/color"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengyongru/openscreen/internal/export/core"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// blockingSource never settles a seek at the configured timestamp.
type blockingSource struct {
	PatternSource
	stuckAt time.Duration
	closes  atomic.Int32
}

func (b *blockingSource) FrameAt(ctx context.Context, t time.Duration) (*image.RGBA, error) {
	if t == b.stuckAt {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return b.PatternSource.FrameAt(ctx, t)
}

func (b *blockingSource) Close() error {
	b.closes.Add(1)
	return nil
}

func TestSamplerOpenAndSample(t *testing.T) {
	src := &PatternSource{Width: 64, Height: 48, Duration: time.Second}
	s := New(src, Options{Width: 64, Height: 48, Logger: testLogger()})
	defer s.Close()

	info, err := s.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 64, info.Width)
	assert.Equal(t, float64(DefaultFrameRate), info.FrameRate, "unspecified rate falls back to 60")
	assert.False(t, info.HasAudio)

	frame, err := s.SampleAt(context.Background(), 500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), frame.Rect)

	again, err := s.SampleAt(context.Background(), 500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frame.Pix, again.Pix, "sampling is deterministic")

	_, err = s.SampleAt(context.Background(), 0)
	require.NoError(t, err, "sampling backwards is legal")
}

func TestSamplerScalesToOutputSize(t *testing.T) {
	src := &PatternSource{Width: 320, Height: 240, FrameRate: 30}
	s := New(src, Options{Width: 32, Height: 24, Logger: testLogger()})
	_, err := s.Open(context.Background())
	require.NoError(t, err)

	frame, err := s.SampleAt(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 24), frame.Rect)
}

func TestSamplerSeekTimeout(t *testing.T) {
	src := &blockingSource{PatternSource: PatternSource{Width: 8, Height: 8, FrameRate: 30}, stuckAt: time.Second}
	s := New(src, Options{Width: 8, Height: 8, SeekTimeout: 20 * time.Millisecond, Logger: testLogger()})
	_, err := s.Open(context.Background())
	require.NoError(t, err)

	_, err = s.SampleAt(context.Background(), time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrSeekTimeout))
	assert.Equal(t, core.KindSeekTimeout, core.KindOf(err))
}

// stubbornSource ignores cancellation and takes delay to settle a seek to slowAt.
type stubbornSource struct {
	PatternSource
	slowAt time.Duration
	delay  time.Duration

	running     atomic.Int32
	maxRunning  atomic.Int32
	calls       atomic.Int32
	closedWhile atomic.Bool
}

func (b *stubbornSource) FrameAt(ctx context.Context, t time.Duration) (*image.RGBA, error) {
	n := b.running.Add(1)
	defer b.running.Add(-1)
	b.calls.Add(1)
	for {
		m := b.maxRunning.Load()
		if n <= m || b.maxRunning.CompareAndSwap(m, n) {
			break
		}
	}
	if t == b.slowAt {
		time.Sleep(b.delay)
	}
	return b.PatternSource.FrameAt(context.Background(), t)
}

func (b *stubbornSource) Close() error {
	if b.running.Load() > 0 {
		b.closedWhile.Store(true)
	}
	return nil
}

func TestSamplerSerializesAbandonedSeeks(t *testing.T) {
	src := &stubbornSource{PatternSource: PatternSource{Width: 8, Height: 8, FrameRate: 30}, slowAt: time.Second, delay: 200 * time.Millisecond}
	s := New(src, Options{Width: 8, Height: 8, SeekTimeout: 20 * time.Millisecond, Logger: testLogger()})
	_, err := s.Open(context.Background())
	require.NoError(t, err)

	_, err = s.SampleAt(context.Background(), time.Second)
	assert.True(t, errors.Is(err, core.ErrSeekTimeout))

	// the retry waits for the abandoned seek instead of overlapping it
	_, err = s.SampleAt(context.Background(), 0)
	assert.True(t, errors.Is(err, core.ErrSeekTimeout))
	assert.Equal(t, int32(1), src.calls.Load())

	require.NoError(t, s.Close())
	assert.Equal(t, int32(1), src.maxRunning.Load())
	assert.False(t, src.closedWhile.Load(), "source closed during a running seek")
}

func TestSamplerRetryAfterAbandonedSeekSettles(t *testing.T) {
	src := &stubbornSource{PatternSource: PatternSource{Width: 8, Height: 8, FrameRate: 30}, slowAt: time.Second, delay: 75 * time.Millisecond}
	s := New(src, Options{Width: 8, Height: 8, SeekTimeout: 50 * time.Millisecond, Logger: testLogger()})
	defer s.Close()
	_, err := s.Open(context.Background())
	require.NoError(t, err)

	_, err = s.SampleAt(context.Background(), time.Second)
	require.True(t, errors.Is(err, core.ErrSeekTimeout))

	// the abandoned seek returns within the retry's wait
	frame, err := s.SampleAt(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 8), frame.Rect)
	assert.Equal(t, int32(2), src.calls.Load())
	assert.Equal(t, int32(1), src.maxRunning.Load())
}

func TestSamplerOpenFailures(t *testing.T) {
	failing := &FuncSource{Info: SourceInfo{Width: 0, Height: 0}}
	s := New(failing, Options{Logger: testLogger()})
	_, err := s.Open(context.Background())
	assert.True(t, errors.Is(err, core.ErrSourceUnavailable))

	slow := &FuncSource{Info: SourceInfo{Width: 4, Height: 4}}
	s = New(&slowOpenSource{FuncSource: slow}, Options{OpenTimeout: 10 * time.Millisecond, Logger: testLogger()})
	_, err = s.Open(context.Background())
	assert.True(t, errors.Is(err, core.ErrSourceUnavailable))
}

type slowOpenSource struct {
	*FuncSource
}

func (s *slowOpenSource) Open(ctx context.Context) (SourceInfo, error) {
	time.Sleep(200 * time.Millisecond)
	return s.FuncSource.Open(ctx)
}

func TestSamplerDecodeError(t *testing.T) {
	src := &FuncSource{
		Info: SourceInfo{Width: 4, Height: 4},
		Render: func(ctx context.Context, t time.Duration) (*image.RGBA, error) {
			if t > 0 {
				return nil, errors.New("corrupt packet")
			}
			return nil, nil
		},
	}
	s := New(src, Options{Logger: testLogger()})
	_, err := s.Open(context.Background())
	require.NoError(t, err)

	_, err = s.SampleAt(context.Background(), 0)
	assert.True(t, errors.Is(err, core.ErrDecode), "nil frame is a decode error")

	_, err = s.SampleAt(context.Background(), time.Second)
	assert.True(t, errors.Is(err, core.ErrDecode))
}

func TestSamplerRequiresOpenAndCloseIsIdempotent(t *testing.T) {
	src := &blockingSource{PatternSource: PatternSource{Width: 4, Height: 4}, stuckAt: -1}
	s := New(src, Options{Logger: testLogger()})

	_, err := s.SampleAt(context.Background(), 0)
	assert.True(t, errors.Is(err, core.ErrDecode))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, int32(1), src.closes.Load())

	_, err = s.Open(context.Background())
	assert.True(t, errors.Is(err, core.ErrSourceUnavailable))
}

func TestSamplerAudio(t *testing.T) {
	src := &PatternSource{Width: 4, Height: 4, FrameRate: 30, ToneHz: 440}
	s := New(src, Options{Logger: testLogger()})
	info, err := s.Open(context.Background())
	require.NoError(t, err)
	require.True(t, info.HasAudio)

	pcm, err := s.AudioAt(context.Background(), 0, 1600, 2, 48000)
	require.NoError(t, err)
	assert.Len(t, pcm, 3200)

	silent := New(&PatternSource{Width: 4, Height: 4}, Options{Logger: testLogger()})
	_, err = silent.Open(context.Background())
	require.NoError(t, err)
	pcm, err = silent.AudioAt(context.Background(), 0, 1600, 2, 48000)
	require.NoError(t, err)
	assert.Empty(t, pcm)
}

func TestFuncSourceFrame(t *testing.T) {
	red := color.RGBA{0xFF, 0, 0, 0xFF}
	src := &FuncSource{
		Info: SourceInfo{Width: 2, Height: 2, FrameRate: 24},
		Render: func(ctx context.Context, t time.Duration) (*image.RGBA, error) {
			img := image.NewRGBA(image.Rect(0, 0, 2, 2))
			img.SetRGBA(0, 0, red)
			return img, nil
		},
	}
	s := New(src, Options{Width: 2, Height: 2, Logger: testLogger()})
	_, err := s.Open(context.Background())
	require.NoError(t, err)

	frame, err := s.SampleAt(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, red, frame.RGBAAt(0, 0))
}

func TestParseProbe(t *testing.T) {
	out := []byte(`{
		"streams": [
			{"index": 0, "codec_name": "h264", "codec_type": "video", "width": 1280, "height": 720, "r_frame_rate": "30000/1001"},
			{"index": 1, "codec_name": "aac", "codec_type": "audio", "channels": 2, "sample_rate": "48000"}
		],
		"format": {"duration": "12.500000"}
	}`)
	info, err := parseProbe(out)
	require.NoError(t, err)
	assert.Equal(t, 1280, info.Width)
	assert.Equal(t, 720, info.Height)
	assert.InDelta(t, 29.97, info.FrameRate, 0.01)
	assert.Equal(t, core.CodecAVC, info.Codec)
	assert.True(t, info.HasAudio)
	assert.Equal(t, 12500*time.Millisecond, info.Duration)

	_, err = parseProbe([]byte(`{"streams": [{"codec_type": "audio"}], "format": {}}`))
	assert.Error(t, err)
}
