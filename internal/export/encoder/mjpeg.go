package encoder

import (
	"bytes"
	"image/jpeg"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/chengyongru/openscreen/internal/export/core"
)

// DefaultJPEGQuality is used by the mjpeg backend.
const DefaultJPEGQuality = 85

// mjpegCodec compresses every frame independently, so every packet is a key frame.
type mjpegCodec struct {
	params Params
	buf    bytes.Buffer
}

func newMJPEG(params Params, logger *slog.Logger) (Codec, error) {
	if params.Width <= 0 || params.Height <= 0 {
		return nil, errors.Errorf("mjpeg: invalid frame size %dx%d", params.Width, params.Height)
	}
	return &mjpegCodec{params: params}, nil
}

func (c *mjpegCodec) Encode(sample core.RawSample) ([]Packet, error) {
	if sample.Frame == nil {
		return nil, errors.New("mjpeg: sample carries no frame")
	}
	c.buf.Reset()
	if err := jpeg.Encode(&c.buf, sample.Frame, &jpeg.Options{Quality: DefaultJPEGQuality}); err != nil {
		return nil, errors.Wrap(err, "mjpeg: encode failed")
	}
	data := make([]byte, c.buf.Len())
	copy(data, c.buf.Bytes())
	return []Packet{{Data: data, KeyFrame: true}}, nil
}

func (c *mjpegCodec) Flush() ([]Packet, error) {
	return nil, nil
}

func (c *mjpegCodec) Close() error {
	return nil
}
