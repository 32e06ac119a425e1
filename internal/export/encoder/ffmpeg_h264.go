package encoder

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/pkg/errors"

	"github.com/chengyongru/openscreen/internal/export/core"
	"github.com/chengyongru/openscreen/internal/export/h264"
)

// h264Codec feeds raw RGBA frames to ffmpeg/libx264 and emits Annex-B access
// units. B-frames are disabled so output order equals input order.
type h264Codec struct {
	params Params
	proc   *ffmpegProcess
}

func h264Args(p Params) []string {
	args := []string{
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", p.Width, p.Height),
		"-r", strconv.FormatFloat(p.FrameRate, 'f', -1, 64),
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-bf", "0",
		"-g", strconv.Itoa(p.KeyframeInterval),
		"-keyint_min", strconv.Itoa(p.KeyframeInterval),
		"-sc_threshold", "0",
		"-pix_fmt", "yuv420p",
	}
	if p.Bitrate > 0 {
		args = append(args, "-b:v", fmt.Sprintf("%dk", p.Bitrate))
	}
	return append(args,
		"-bsf:v", "h264_metadata=aud=insert",
		"-f", "h264",
		"pipe:1",
	)
}

func newFFmpegH264(params Params, logger *slog.Logger) (Codec, error) {
	if params.Width <= 0 || params.Height <= 0 || params.Width%2 != 0 || params.Height%2 != 0 {
		return nil, errors.Errorf("avc: frame size %dx%d must be positive and even", params.Width, params.Height)
	}
	if params.FrameRate <= 0 {
		return nil, errors.Errorf("avc: invalid frame rate %v", params.FrameRate)
	}
	if params.KeyframeInterval <= 0 {
		params.KeyframeInterval = max(1, int(params.FrameRate+0.5))
	}

	proc, err := startFFmpeg(core.CodecAVC, params.FFmpegPath, h264Args(params), &annexBParser{}, logger)
	if err != nil {
		return nil, err
	}
	return &h264Codec{params: params, proc: proc}, nil
}

func (c *h264Codec) Encode(sample core.RawSample) ([]Packet, error) {
	frame := sample.Frame
	if frame == nil {
		return nil, errors.New("avc: sample carries no frame")
	}
	if frame.Rect.Dx() != c.params.Width || frame.Rect.Dy() != c.params.Height {
		return nil, errors.Errorf("avc: frame is %dx%d, configured %dx%d",
			frame.Rect.Dx(), frame.Rect.Dy(), c.params.Width, c.params.Height)
	}

	rowLen := c.params.Width * 4
	if frame.Stride == rowLen {
		off := frame.PixOffset(frame.Rect.Min.X, frame.Rect.Min.Y)
		if err := c.proc.write(frame.Pix[off : off+rowLen*c.params.Height]); err != nil {
			return nil, err
		}
		return c.proc.collect(), nil
	}
	for y := frame.Rect.Min.Y; y < frame.Rect.Max.Y; y++ {
		off := frame.PixOffset(frame.Rect.Min.X, y)
		if err := c.proc.write(frame.Pix[off : off+rowLen]); err != nil {
			return nil, err
		}
	}
	return c.proc.collect(), nil
}

func (c *h264Codec) Flush() ([]Packet, error) {
	return c.proc.finish()
}

func (c *h264Codec) Close() error {
	c.proc.stop()
	return nil
}

// annexBParser cuts the delimiter-separated byte stream into access units.
type annexBParser struct {
	splitter h264.AccessUnitSplitter
}

func (p *annexBParser) feed(b []byte) ([]Packet, error) {
	return accessUnitPackets(p.splitter.Write(b)), nil
}

func (p *annexBParser) flush() ([]Packet, error) {
	au := p.splitter.Flush()
	if au == nil {
		return nil, nil
	}
	return accessUnitPackets([][]byte{au}), nil
}

func accessUnitPackets(aus [][]byte) []Packet {
	if len(aus) == 0 {
		return nil
	}
	out := make([]Packet, 0, len(aus))
	for _, au := range aus {
		out = append(out, Packet{Data: au, KeyFrame: h264.IsRandomAccess(au)})
	}
	return out
}
