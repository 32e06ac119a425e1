package pipeline

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengyongru/openscreen/internal/export/core"
	"github.com/chengyongru/openscreen/internal/export/sampler"
)

// gatedSource holds every frame until the gate is opened.
type gatedSource struct {
	sampler.PatternSource
	gate chan struct{}
}

func (s *gatedSource) FrameAt(ctx context.Context, t time.Duration) (*image.RGBA, error) {
	select {
	case <-s.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.PatternSource.FrameAt(ctx, t)
}

func smallConfig() core.ExportConfig {
	return core.ExportConfig{Width: 32, Height: 32, FrameRate: 10, Duration: 1, VideoCodec: "avc"}
}

func gated(cfg core.ExportConfig) *gatedSource {
	return &gatedSource{
		PatternSource: sampler.PatternSource{Width: cfg.Width, Height: cfg.Height, FrameRate: cfg.FrameRate, Duration: time.Second},
		gate:          make(chan struct{}),
	}
}

func managerOptions() Options {
	opts := testOptions(newFakeCodecs())
	opts.SeekTimeout = time.Minute
	return opts
}

func waitDone(t *testing.T, s *Session) core.ExportResult {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not finish", s.ID())
	}
	return s.Wait()
}

func TestManagerRunsSession(t *testing.T) {
	m := NewManager(managerOptions())
	cfg := smallConfig()

	var mu sync.Mutex
	var frames []int
	results := make(chan core.ExportResult, 1)
	s, err := m.Start(context.Background(), cfg, "clip-a", newSource(cfg, 0),
		WithProgress(func(p core.ExportProgress) {
			mu.Lock()
			frames = append(frames, p.CurrentFrame)
			mu.Unlock()
		}),
		WithResult(func(r core.ExportResult) { results <- r }),
	)
	require.NoError(t, err)
	require.NotEmpty(t, s.ID())
	assert.Equal(t, "clip-a", s.SourceKey())

	res := <-results
	assert.True(t, res.Succeeded())
	mu.Lock()
	assert.Len(t, frames, 10)
	mu.Unlock()

	got, err := m.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestManagerRejectsBusySource(t *testing.T) {
	m := NewManager(managerOptions())
	cfg := smallConfig()
	src := gated(cfg)

	first, err := m.Start(context.Background(), cfg, "clip-a", src)
	require.NoError(t, err)

	_, err = m.Start(context.Background(), cfg, "clip-a", gated(cfg))
	assert.True(t, errors.Is(err, ErrSourceBusy))

	running, ok := m.SessionForSource("clip-a")
	require.True(t, ok)
	assert.Equal(t, first.ID(), running.ID())

	// a different source is independent
	other, err := m.Start(context.Background(), cfg, "clip-b", newSource(cfg, 0))
	require.NoError(t, err)
	assert.True(t, waitDone(t, other).Succeeded())

	close(src.gate)
	assert.True(t, waitDone(t, first).Succeeded())

	// the source is free again once its export ended
	require.Eventually(t, func() bool {
		_, busy := m.SessionForSource("clip-a")
		return !busy
	}, time.Second, 10*time.Millisecond)
	again, err := m.Start(context.Background(), cfg, "clip-a", newSource(cfg, 0))
	require.NoError(t, err)
	assert.True(t, waitDone(t, again).Succeeded())
}

func TestManagerCancel(t *testing.T) {
	m := NewManager(managerOptions())
	cfg := smallConfig()

	s, err := m.Start(context.Background(), cfg, "clip-a", gated(cfg))
	require.NoError(t, err)

	require.NoError(t, m.Cancel(s.ID()))
	res := waitDone(t, s)
	assert.True(t, res.Cancelled)
	assert.Equal(t, StateCancelled, s.State())

	// cancelling again after the fact is harmless
	require.NoError(t, m.Cancel(s.ID()))
}

func TestManagerUnknownSession(t *testing.T) {
	m := NewManager(managerOptions())

	_, err := m.Get("missing")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
	assert.True(t, errors.Is(m.Cancel("missing"), ErrSessionNotFound))
	assert.True(t, errors.Is(m.OnProgress("missing", func(core.ExportProgress) {}), ErrSessionNotFound))
	assert.True(t, errors.Is(m.OnResult("missing", func(core.ExportResult) {}), ErrSessionNotFound))
	assert.True(t, errors.Is(m.Remove("missing"), ErrSessionNotFound))
}

func TestManagerRejectsInvalidConfig(t *testing.T) {
	m := NewManager(managerOptions())
	cfg := smallConfig()
	cfg.FrameRate = 0

	_, err := m.Start(context.Background(), cfg, "clip-a", newSource(smallConfig(), 0))
	assert.Equal(t, core.KindInvalidConfig, core.KindOf(err))
	assert.Empty(t, m.List())
}

func TestManagerRemove(t *testing.T) {
	m := NewManager(managerOptions())
	cfg := smallConfig()
	src := gated(cfg)

	s, err := m.Start(context.Background(), cfg, "", src)
	require.NoError(t, err)
	assert.NotEmpty(t, s.SourceKey())

	assert.True(t, errors.Is(m.Remove(s.ID()), ErrSessionActive))

	close(src.gate)
	waitDone(t, s)
	require.NoError(t, m.Remove(s.ID()))
	assert.Empty(t, m.List())
}

func TestManagerListAndShutdown(t *testing.T) {
	m := NewManager(managerOptions())
	cfg := smallConfig()

	a, err := m.Start(context.Background(), cfg, "clip-a", gated(cfg))
	require.NoError(t, err)
	b, err := m.Start(context.Background(), cfg, "clip-b", gated(cfg))
	require.NoError(t, err)

	assert.Len(t, m.List(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.True(t, a.Wait().Cancelled)
	assert.True(t, b.Wait().Cancelled)
}
