package core

import (
	"image"
	"time"
)

// TrackKind identifies an elementary stream.
type TrackKind int

const (
	TrackVideo TrackKind = iota
	TrackAudio
)

func (k TrackKind) String() string {
	switch k {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// RawSample is one uncompressed unit handed to an encoder: a video frame or a
// block of interleaved signed 16-bit PCM.
type RawSample struct {
	Frame *image.RGBA
	PCM   []int16
}

// AudioFrames returns the number of per-channel samples in PCM.
func (s RawSample) AudioFrames(channels int) int {
	if channels <= 0 {
		return 0
	}
	return len(s.PCM) / channels
}

// EncodedChunk is one compressed, timestamped unit of a single track.
// Chunks are never mutated after being handed downstream.
type EncodedChunk struct {
	Track    TrackKind
	PTS      time.Duration
	Duration time.Duration
	Data     []byte
	KeyFrame bool
}

// End is the presentation time just after the chunk.
func (c EncodedChunk) End() time.Duration {
	return c.PTS + c.Duration
}
