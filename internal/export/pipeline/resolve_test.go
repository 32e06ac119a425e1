package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengyongru/openscreen/internal/export/core"
	"github.com/chengyongru/openscreen/internal/export/sampler"
)

func TestResolveConfigFillsFromSource(t *testing.T) {
	src := &sampler.FuncSource{
		Info: sampler.SourceInfo{Width: 1920, Height: 1080, Duration: 2500 * time.Millisecond},
	}

	cfg, err := ResolveConfig(context.Background(), core.ExportConfig{VideoCodec: core.CodecAVC}, src, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1920, cfg.Width)
	assert.Equal(t, 1080, cfg.Height)
	assert.Equal(t, 2.5, cfg.Duration)
	assert.Equal(t, float64(sampler.DefaultFrameRate), cfg.FrameRate)
}

func TestResolveConfigKeepsExplicitValues(t *testing.T) {
	src := &sampler.FuncSource{
		Info: sampler.SourceInfo{Width: 1920, Height: 1080, Duration: 9 * time.Second},
	}

	cfg, err := ResolveConfig(context.Background(), core.ExportConfig{Width: 640, Height: 360, FrameRate: 30}, src, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 640, cfg.Width)
	assert.Equal(t, 360, cfg.Height)
	assert.Equal(t, 30.0, cfg.FrameRate)
	assert.Equal(t, 9.0, cfg.Duration)
}

func TestResolveConfigSourceUnavailable(t *testing.T) {
	src := &steppedSource{openErr: errors.New("no such file")}

	_, err := ResolveConfig(context.Background(), core.ExportConfig{}, src, time.Second)
	require.Error(t, err)
	assert.Equal(t, core.KindSourceUnavailable, core.KindOf(err))
}
