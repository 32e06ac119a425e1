package pipeline

import (
	"context"
	"time"

	"github.com/chengyongru/openscreen/internal/export/core"
	"github.com/chengyongru/openscreen/internal/export/sampler"
)

// ResolveConfig fills the fields a caller left empty from the source
// metadata: output size, duration and, when neither side declares one, the
// default presentation frame rate. The source is opened once for this and
// left for the session to reopen.
func ResolveConfig(ctx context.Context, cfg core.ExportConfig, src sampler.Source, openTimeout time.Duration) (core.ExportConfig, error) {
	if cfg.Width > 0 && cfg.Height > 0 && cfg.Duration > 0 && cfg.FrameRate > 0 {
		return cfg, nil
	}
	if openTimeout <= 0 {
		openTimeout = sampler.DefaultOpenTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	info, err := src.Open(ctx)
	if err != nil {
		return cfg, core.Wrap(core.KindSourceUnavailable, err, "failed to read source metadata")
	}
	defer src.Close()

	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = info.Width, info.Height
	}
	if cfg.Duration <= 0 {
		cfg.Duration = info.Duration.Seconds()
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = sampler.DefaultFrameRate
	}
	return cfg, nil
}
