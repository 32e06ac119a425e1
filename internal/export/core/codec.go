package core

import (
	"strings"

	"github.com/vishalkuo/bimap"
)

// Canonical codec names used throughout the pipeline.
const (
	CodecAVC   = "avc"
	CodecMJPEG = "mjpeg"
	CodecAAC   = "aac"
	CodecPCM   = "pcm"
)

// ffmpegCodecNames maps canonical names to the names ffmpeg/ffprobe report.
var ffmpegCodecNames = newCodecTable()

func newCodecTable() *bimap.BiMap[string, string] {
	m := bimap.NewBiMap[string, string]()
	m.Insert(CodecAVC, "h264")
	m.Insert(CodecMJPEG, "mjpeg")
	m.Insert(CodecAAC, "aac")
	m.Insert(CodecPCM, "pcm_s16le")
	return m
}

// CanonicalCodec normalizes user supplied codec names. Both canonical names and
// ffmpeg names are accepted, as are full WebCodecs strings such as "avc1.640033".
func CanonicalCodec(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if strings.HasPrefix(n, "avc1.") || strings.HasPrefix(n, "avc3.") {
		return CodecAVC
	}
	if _, ok := ffmpegCodecNames.Get(n); ok {
		return n
	}
	if c, ok := ffmpegCodecNames.GetInverse(n); ok {
		return c
	}
	return n
}

// FFmpegCodecName returns the ffmpeg name of a canonical codec.
func FFmpegCodecName(canonical string) (string, bool) {
	return ffmpegCodecNames.Get(canonical)
}

// IsVideoCodec reports whether the canonical codec carries video.
func IsVideoCodec(canonical string) bool {
	return canonical == CodecAVC || canonical == CodecMJPEG
}
