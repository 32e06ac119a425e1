package encoder

import (
	"encoding/binary"
	"log/slog"
	"strconv"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/pkg/errors"

	"github.com/chengyongru/openscreen/internal/export/core"
)

// aacCodec feeds s16le PCM to ffmpeg's AAC encoder and parses the ADTS output
// into raw access units.
type aacCodec struct {
	params Params
	proc   *ffmpegProcess
	buf    []byte
}

func aacArgs(p Params) []string {
	bitrate := p.Bitrate
	if bitrate <= 0 {
		bitrate = 64 * p.Channels
	}
	return []string{
		"-f", "s16le",
		"-ar", strconv.Itoa(p.SampleRate),
		"-ac", strconv.Itoa(p.Channels),
		"-i", "pipe:0",
		"-c:a", "aac",
		"-b:a", strconv.Itoa(bitrate) + "k",
		"-f", "adts",
		"pipe:1",
	}
}

func newFFmpegAAC(params Params, logger *slog.Logger) (Codec, error) {
	if params.Channels <= 0 || params.Channels > 8 || params.SampleRate <= 0 {
		return nil, errors.Errorf("aac: unsupported layout %dch %dHz", params.Channels, params.SampleRate)
	}
	proc, err := startFFmpeg(core.CodecAAC, params.FFmpegPath, aacArgs(params), &adtsParser{}, logger)
	if err != nil {
		return nil, err
	}
	return &aacCodec{params: params, proc: proc}, nil
}

func (c *aacCodec) Encode(sample core.RawSample) ([]Packet, error) {
	frames := sample.AudioFrames(c.params.Channels)
	if frames == 0 {
		return c.proc.collect(), nil
	}
	n := frames * c.params.Channels
	if cap(c.buf) < n*2 {
		c.buf = make([]byte, n*2)
	}
	c.buf = c.buf[:n*2]
	for i, v := range sample.PCM[:n] {
		binary.LittleEndian.PutUint16(c.buf[i*2:], uint16(v))
	}
	if err := c.proc.write(c.buf); err != nil {
		return nil, err
	}
	return c.proc.collect(), nil
}

func (c *aacCodec) Flush() ([]Packet, error) {
	return c.proc.finish()
}

func (c *aacCodec) Close() error {
	c.proc.stop()
	return nil
}

// adtsParser reassembles ADTS frames that may be split across reads.
type adtsParser struct {
	buf []byte
}

func (p *adtsParser) feed(b []byte) ([]Packet, error) {
	p.buf = append(p.buf, b...)

	var out []Packet
	for len(p.buf) >= 7 {
		if p.buf[0] != 0xFF || p.buf[1]&0xF0 != 0xF0 {
			return out, errors.New("aac: lost ADTS sync")
		}
		frameLen := int(p.buf[3]&0x03)<<11 | int(p.buf[4])<<3 | int(p.buf[5])>>5
		if frameLen < 7 {
			return out, errors.Errorf("aac: invalid ADTS frame length %d", frameLen)
		}
		if len(p.buf) < frameLen {
			break
		}

		var pkts mpeg4audio.ADTSPackets
		if err := pkts.Unmarshal(p.buf[:frameLen]); err != nil {
			return out, errors.Wrap(err, "aac: invalid ADTS frame")
		}
		for _, pkt := range pkts {
			au := make([]byte, len(pkt.AU))
			copy(au, pkt.AU)
			out = append(out, Packet{Data: au, KeyFrame: true, Samples: mpeg4audio.SamplesPerAccessUnit})
		}
		p.buf = p.buf[frameLen:]
	}
	return out, nil
}

func (p *adtsParser) flush() ([]Packet, error) {
	if len(p.buf) > 0 {
		return nil, errors.Errorf("aac: %d trailing bytes after last ADTS frame", len(p.buf))
	}
	return nil, nil
}
