package encoder

import (
	"encoding/binary"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/chengyongru/openscreen/internal/export/core"
)

// pcmCodec stores interleaved signed 16-bit little-endian samples as is,
// one packet per submitted buffer.
type pcmCodec struct {
	channels int
}

func newPCM(params Params, logger *slog.Logger) (Codec, error) {
	if params.Channels <= 0 || params.SampleRate <= 0 {
		return nil, errors.Errorf("pcm: invalid layout %dch %dHz", params.Channels, params.SampleRate)
	}
	return &pcmCodec{channels: params.Channels}, nil
}

func (c *pcmCodec) Encode(sample core.RawSample) ([]Packet, error) {
	frames := sample.AudioFrames(c.channels)
	if frames == 0 {
		return nil, nil
	}
	data := make([]byte, frames*c.channels*2)
	for i, v := range sample.PCM[:frames*c.channels] {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return []Packet{{Data: data, KeyFrame: true, Samples: frames}}, nil
}

func (c *pcmCodec) Flush() ([]Packet, error) {
	return nil, nil
}

func (c *pcmCodec) Close() error {
	return nil
}
