package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	assert.Equal(t, 60.0, FrameRate())
	assert.Equal(t, "mp4", Container())
	assert.Equal(t, "avc", VideoCodec())
	assert.Equal(t, 8, QueueSize())
	assert.Equal(t, time.Second, GroupDuration())
	assert.Equal(t, 10*time.Second, OpenTimeout())
	assert.Equal(t, 5*time.Second, SeekTimeout())
	assert.Equal(t, 30*time.Second, FlushTimeout())
	assert.Equal(t, 29890, ServerPort())
	assert.NotEmpty(t, OutputDir())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("OPENSCREEN_SAMPLER_SEEK_TIMEOUT", "250ms")
	t.Setenv("OPENSCREEN_EXPORT_CONTAINER", "webm")
	t.Setenv("FFMPEG_PATH", "/opt/ffmpeg/bin/ffmpeg")

	assert.Equal(t, 250*time.Millisecond, SeekTimeout())
	assert.Equal(t, "webm", Container())
	assert.Equal(t, "/opt/ffmpeg/bin/ffmpeg", FFmpegPath())
}

func TestFlagBinding(t *testing.T) {
	bind := func(value string) {
		flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
		flags.Int("port", 29890, "")
		if value != "" {
			assert.NoError(t, flags.Set("port", value))
		}
		assert.NoError(t, Viper().BindPFlag("server.port", flags.Lookup("port")))
	}
	t.Cleanup(func() { bind("") })

	bind("")
	assert.Equal(t, 29890, ServerPort())

	bind("8080")
	assert.Equal(t, 8080, ServerPort())
}
