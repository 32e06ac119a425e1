package core

import (
	"fmt"
	"math"
	"time"
)

// Container formats understood by the muxer.
const (
	ContainerMP4  = "mp4"
	ContainerWebM = "webm"
)

// Defaults applied by ExportConfig.WithDefaults.
const (
	DefaultContainer  = ContainerMP4
	DefaultVideoCodec = CodecAVC
	DefaultAudioCodec = CodecAAC
)

// AudioParams describes the optional audio track of an export.
type AudioParams struct {
	Channels   int    `json:"channels" mapstructure:"channels"`
	SampleRate int    `json:"sampleRateHz" mapstructure:"sample_rate"`
	Codec      string `json:"codec,omitempty" mapstructure:"codec"`
}

// ExportConfig is the fully resolved description of one export.
// It is treated as an immutable value once a session has started.
type ExportConfig struct {
	Width            int          `json:"width" mapstructure:"width"`
	Height           int          `json:"height" mapstructure:"height"`
	FrameRate        float64      `json:"frameRate" mapstructure:"frame_rate"`
	Duration         float64      `json:"durationSeconds" mapstructure:"duration"`
	VideoCodec       string       `json:"videoCodec" mapstructure:"video_codec"`
	VideoBitrate     int          `json:"videoBitrateKbps,omitempty" mapstructure:"video_bitrate"`
	KeyframeInterval int          `json:"keyframeInterval,omitempty" mapstructure:"keyframe_interval"`
	Container        string       `json:"container,omitempty" mapstructure:"container"`
	Audio            *AudioParams `json:"audio,omitempty" mapstructure:"audio"`
}

// WithDefaults returns a copy with empty codec and container fields filled in.
func (c ExportConfig) WithDefaults() ExportConfig {
	out := c
	if out.Container == "" {
		out.Container = DefaultContainer
	}
	if out.VideoCodec == "" {
		out.VideoCodec = DefaultVideoCodec
	}
	out.VideoCodec = CanonicalCodec(out.VideoCodec)
	if out.KeyframeInterval <= 0 && out.FrameRate > 0 {
		out.KeyframeInterval = int(math.Max(1, math.Round(out.FrameRate)))
	}
	if c.Audio != nil {
		a := *c.Audio
		if a.Codec == "" {
			a.Codec = DefaultAudioCodec
		}
		a.Codec = CanonicalCodec(a.Codec)
		out.Audio = &a
	}
	return out
}

// Validate checks the invariants every session relies on.
func (c ExportConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return Wrap(KindInvalidConfig, nil, "invalid dimensions %dx%d", c.Width, c.Height)
	}
	if c.FrameRate <= 0 || math.IsNaN(c.FrameRate) || math.IsInf(c.FrameRate, 0) {
		return Wrap(KindInvalidConfig, nil, "invalid frame rate %v", c.FrameRate)
	}
	if c.Duration < 0 || math.IsNaN(c.Duration) || math.IsInf(c.Duration, 0) {
		return Wrap(KindInvalidConfig, nil, "invalid duration %v", c.Duration)
	}
	switch c.Container {
	case "", ContainerMP4, ContainerWebM:
	default:
		return Wrap(KindInvalidConfig, nil, "unsupported container %q", c.Container)
	}
	if c.Audio != nil {
		if c.Audio.Channels <= 0 {
			return Wrap(KindInvalidConfig, nil, "invalid audio channel count %d", c.Audio.Channels)
		}
		if c.Audio.SampleRate <= 0 {
			return Wrap(KindInvalidConfig, nil, "invalid audio sample rate %d", c.Audio.SampleRate)
		}
	}
	return nil
}

// HasAudio reports whether the export declares an audio track.
func (c ExportConfig) HasAudio() bool {
	return c.Audio != nil
}

// TotalFrames is floor(duration*frameRate). A tiny epsilon keeps products such as
// 2.0*30 from landing on 59.999999.
func (c ExportConfig) TotalFrames() int {
	if c.FrameRate <= 0 || c.Duration <= 0 {
		return 0
	}
	return int(math.Floor(c.Duration*c.FrameRate + 1e-9))
}

// FrameTimestamp returns the presentation time of output frame i.
func (c ExportConfig) FrameTimestamp(i int) time.Duration {
	return time.Duration(math.Round(float64(i) / c.FrameRate * float64(time.Second)))
}

// AudioSamplesBefore returns how many audio sample frames precede output frame i.
// Computing it from the frame index keeps per-frame audio blocks free of drift.
func (c ExportConfig) AudioSamplesBefore(i int) int64 {
	if c.Audio == nil {
		return 0
	}
	return int64(math.Floor(float64(i) * float64(c.Audio.SampleRate) / c.FrameRate))
}

func (c ExportConfig) String() string {
	s := fmt.Sprintf("%dx%d@%gfps %gs %s/%s", c.Width, c.Height, c.FrameRate, c.Duration, c.VideoCodec, c.Container)
	if c.Audio != nil {
		s += fmt.Sprintf(" audio=%s %dch %dHz", c.Audio.Codec, c.Audio.Channels, c.Audio.SampleRate)
	}
	return s
}
