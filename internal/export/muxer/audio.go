package muxer

import (
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

func mpeg4AudioConfig(a *AudioTrack) mpeg4audio.AudioSpecificConfig {
	return mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   a.SampleRate,
		ChannelCount: a.Channels,
	}
}

func aacFrameDuration(sampleRate int) time.Duration {
	return time.Duration(mpeg4audio.SamplesPerAccessUnit * int64(time.Second) / int64(sampleRate))
}
