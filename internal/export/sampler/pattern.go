package sampler

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var barColors = []color.RGBA{
	{0xC0, 0xC0, 0xC0, 0xFF},
	{0xC0, 0xC0, 0x00, 0xFF},
	{0x00, 0xC0, 0xC0, 0xFF},
	{0x00, 0xC0, 0x00, 0xFF},
	{0xC0, 0x00, 0xC0, 0xFF},
	{0xC0, 0x00, 0x00, 0xFF},
	{0x00, 0x00, 0xC0, 0xFF},
}

// PatternSource renders deterministic colour bars with a sweeping marker and a
// timestamp label. With ToneHz set it also renders a sine tone.
type PatternSource struct {
	Width     int
	Height    int
	Duration  time.Duration
	FrameRate float64
	ToneHz    float64
}

func (p *PatternSource) Open(ctx context.Context) (SourceInfo, error) {
	return SourceInfo{
		Width:     p.Width,
		Height:    p.Height,
		Duration:  p.Duration,
		FrameRate: p.FrameRate,
		Codec:     "pattern",
		HasAudio:  p.ToneHz > 0,
	}, nil
}

func (p *PatternSource) FrameAt(ctx context.Context, t time.Duration) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))

	barsHeight := p.Height * 2 / 3
	for i, c := range barColors {
		x0 := p.Width * i / len(barColors)
		x1 := p.Width * (i + 1) / len(barColors)
		draw.Draw(img, image.Rect(x0, 0, x1, barsHeight), image.NewUniform(c), image.Point{}, draw.Src)
	}
	draw.Draw(img, image.Rect(0, barsHeight, p.Width, p.Height), image.NewUniform(color.RGBA{0x10, 0x10, 0x10, 0xFF}), image.Point{}, draw.Src)

	// the marker sweeps the lower band once per second
	markerWidth := max(1, p.Width/40)
	phase := math.Mod(t.Seconds(), 1)
	mx := int(phase * float64(p.Width-markerWidth))
	draw.Draw(img, image.Rect(mx, barsHeight, mx+markerWidth, p.Height), image.NewUniform(color.White), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(4, min(p.Height-2, barsHeight+16)),
	}
	d.DrawString(formatTimestamp(t))
	return img, nil
}

func (p *PatternSource) AudioAt(ctx context.Context, from time.Duration, frames, channels, sampleRate int) ([]int16, error) {
	if p.ToneHz <= 0 {
		return nil, nil
	}
	start := int64(math.Round(from.Seconds() * float64(sampleRate)))
	out := make([]int16, frames*channels)
	for i := 0; i < frames; i++ {
		v := int16(0.2 * math.MaxInt16 * math.Sin(2*math.Pi*p.ToneHz*float64(start+int64(i))/float64(sampleRate)))
		for c := 0; c < channels; c++ {
			out[i*channels+c] = v
		}
	}
	return out, nil
}

func (p *PatternSource) Close() error {
	return nil
}

func formatTimestamp(t time.Duration) string {
	ms := t.Milliseconds()
	return fmt.Sprintf("%02d:%02d:%02d.%03d", ms/3600000, ms/60000%60, ms/1000%60, ms%1000)
}
