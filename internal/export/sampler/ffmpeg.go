package sampler

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"image"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/chengyongru/openscreen/internal/export/core"
)

// FFmpegSource samples a media file (or URL) by running ffmpeg once per request
// with an accurate input seek.
type FFmpegSource struct {
	Path        string
	FFmpegPath  string
	FFprobePath string
	Logger      *slog.Logger

	info SourceInfo
}

// NewFFmpegSource creates a source for path using the given binaries; empty
// binary paths fall back to ffmpeg/ffprobe on PATH.
func NewFFmpegSource(path, ffmpegPath, ffprobePath string, logger *slog.Logger) *FFmpegSource {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegSource{
		Path:        path,
		FFmpegPath:  ffmpegPath,
		FFprobePath: ffprobePath,
		Logger:      logger.With("component", "ffmpeg_source"),
	}
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

type ffprobeStream struct {
	Index      int    `json:"index"`
	CodecName  string `json:"codec_name"`
	CodecType  string `json:"codec_type"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	RFrameRate string `json:"r_frame_rate"`
	Channels   int    `json:"channels"`
	SampleRate string `json:"sample_rate"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
}

// Open probes the file with ffprobe.
func (s *FFmpegSource) Open(ctx context.Context) (SourceInfo, error) {
	cmd := exec.CommandContext(ctx, s.FFprobePath,
		"-v", "error",
		"-show_format",
		"-show_streams",
		"-of", "json",
		s.Path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return SourceInfo{}, errors.Wrapf(err, "ffprobe failed: %s", strings.TrimSpace(stderr.String()))
	}

	info, err := parseProbe(output)
	if err != nil {
		return SourceInfo{}, err
	}
	s.info = info
	return info, nil
}

func parseProbe(output []byte) (SourceInfo, error) {
	var ff ffprobeOutput
	if err := json.Unmarshal(output, &ff); err != nil {
		return SourceInfo{}, errors.Wrap(err, "failed to parse ffprobe output")
	}

	var info SourceInfo
	foundVideo := false
	for _, st := range ff.Streams {
		switch st.CodecType {
		case "video":
			if foundVideo {
				continue
			}
			foundVideo = true
			info.Width = st.Width
			info.Height = st.Height
			info.FrameRate = parseRate(st.RFrameRate)
			info.Codec = core.CanonicalCodec(st.CodecName)
		case "audio":
			info.HasAudio = true
		}
	}
	if !foundVideo {
		return SourceInfo{}, errors.New("source has no video stream")
	}
	if dur, err := strconv.ParseFloat(ff.Format.Duration, 64); err == nil {
		info.Duration = time.Duration(dur * float64(time.Second))
	}
	return info, nil
}

// parseRate parses ffprobe rationals such as "30000/1001".
func parseRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// FrameAt decodes the single frame shown at t.
func (s *FFmpegSource) FrameAt(ctx context.Context, t time.Duration) (*image.RGBA, error) {
	cmd := exec.CommandContext(ctx, s.FFmpegPath,
		"-hide_banner",
		"-loglevel", "error",
		"-ss", formatSeconds(t),
		"-i", s.Path,
		"-frames:v", "1",
		"-an",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "ffmpeg seek to %s failed: %s", t, strings.TrimSpace(stderr.String()))
	}

	want := s.info.Width * s.info.Height * 4
	if len(output) < want {
		return nil, core.Wrap(core.KindDecodeError, nil, "short frame at %s: got %d bytes, want %d", t, len(output), want)
	}
	img := image.NewRGBA(image.Rect(0, 0, s.info.Width, s.info.Height))
	copy(img.Pix, output[:want])
	return img, nil
}

// AudioAt decodes interleaved s16le PCM resampled to the requested layout.
func (s *FFmpegSource) AudioAt(ctx context.Context, from time.Duration, frames, channels, sampleRate int) ([]int16, error) {
	if !s.info.HasAudio {
		return nil, nil
	}
	dur := time.Duration(float64(frames) / float64(sampleRate) * float64(time.Second))
	cmd := exec.CommandContext(ctx, s.FFmpegPath,
		"-hide_banner",
		"-loglevel", "error",
		"-ss", formatSeconds(from),
		"-i", s.Path,
		"-t", formatSeconds(dur),
		"-vn",
		"-f", "s16le",
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(sampleRate),
		"pipe:1",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "ffmpeg audio at %s failed: %s", from, strings.TrimSpace(stderr.String()))
	}

	n := min(len(output)/2, frames*channels)
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(output[i*2:]))
	}
	return pcm, nil
}

func (s *FFmpegSource) Close() error {
	return nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 6, 64)
}
