package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	gomp4 "github.com/abema/go-mp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengyongru/openscreen/internal/export/core"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestExportPatternToMP4(t *testing.T) {
	output := filepath.Join(t.TempDir(), "clip")

	out, err := runCommand(t, "export", "--pattern",
		"--duration", "1", "--fps", "10", "--width", "64", "--height", "36",
		"--video-codec", "mjpeg", "--audio-channels", "2", "--audio-codec", "pcm",
		"-o", output)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Wrote")

	data, err := os.ReadFile(output + ".mp4")
	require.NoError(t, err)
	traks, err := gomp4.ExtractBoxWithPayload(bytes.NewReader(data), nil, gomp4.BoxPath{gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak()})
	require.NoError(t, err)
	assert.Len(t, traks, 2)
}

func TestExportPatternToWebM(t *testing.T) {
	output := filepath.Join(t.TempDir(), "clip.webm")

	out, err := runCommand(t, "export", "--pattern",
		"--duration", "0.5", "--fps", "10", "--width", "32", "--height", "32",
		"--video-codec", "mjpeg", "--container", "webm", "-o", output)
	require.NoError(t, err, out)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1A, 0x45, 0xDF, 0xA3}, data[:4])
}

func TestExportFailureWritesNothing(t *testing.T) {
	output := filepath.Join(t.TempDir(), "clip.webm")

	// WebM cannot carry raw PCM
	out, err := runCommand(t, "export", "--pattern",
		"--duration", "0.5", "--fps", "10", "--width", "32", "--height", "32",
		"--video-codec", "mjpeg", "--container", "webm",
		"--audio-channels", "1", "--audio-codec", "pcm", "-o", output)
	require.Error(t, err)
	assert.Equal(t, core.KindMuxerFault, core.KindOf(err))
	assert.Contains(t, out, "Export failed during initialize")
	assert.NoFileExists(t, output)
}

func TestExportArguments(t *testing.T) {
	_, err := runCommand(t, "export")
	assert.ErrorContains(t, err, "--pattern")

	_, err = runCommand(t, "export", "--pattern", "clip.mov")
	assert.ErrorContains(t, err, "mutually exclusive")
}

func TestExportOptionsConfig(t *testing.T) {
	cfg := (&ExportOptions{Width: 1920, Height: 1080, Duration: 2, AudioRate: 48000}).Config()
	assert.Equal(t, 60.0, cfg.FrameRate)
	assert.Equal(t, core.CodecAVC, cfg.VideoCodec)
	assert.Equal(t, core.ContainerMP4, cfg.Container)
	assert.Equal(t, 60, cfg.KeyframeInterval)
	assert.Nil(t, cfg.Audio, "a sample rate alone does not declare audio")

	cfg = (&ExportOptions{FrameRate: 30, VideoCodec: "h264", AudioChannels: 2, AudioRate: 44100}).Config()
	assert.Equal(t, core.CodecAVC, cfg.VideoCodec)
	require.NotNil(t, cfg.Audio)
	assert.Equal(t, core.CodecAAC, cfg.Audio.Codec)
	assert.Equal(t, 44100, cfg.Audio.SampleRate)
}

func TestOutputPath(t *testing.T) {
	p, err := outputPath("movie", "webm")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(p))
	assert.Equal(t, ".webm", filepath.Ext(p))

	p, err = outputPath("", "mp4")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(p), "openscreen-"))
	assert.Equal(t, ".mp4", filepath.Ext(p))
}

func TestVersionFlag(t *testing.T) {
	out, err := runCommand(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "openscreen version dev")
}
