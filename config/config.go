package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()

	// Export defaults
	v.SetDefault("export.frame_rate", 60.0)
	v.SetDefault("export.container", "mp4")
	v.SetDefault("export.video_codec", "avc")
	v.SetDefault("export.queue_size", 8)
	v.SetDefault("export.group_duration", time.Second)

	v.SetDefault("sampler.open_timeout", 10*time.Second)
	v.SetDefault("sampler.seek_timeout", 5*time.Second)
	v.SetDefault("encoder.flush_timeout", 30*time.Second)

	v.SetDefault("ffmpeg.path", "ffmpeg")
	v.SetDefault("ffprobe.path", "ffprobe")

	v.SetDefault("server.port", 29890)

	// Exports land in the user's Videos directory unless told otherwise
	v.SetDefault("output.dir", filepath.Join(xdg.UserDirs.Videos, "openscreen"))

	// Environment variables, e.g. OPENSCREEN_SAMPLER_SEEK_TIMEOUT=2s
	v.SetEnvPrefix("OPENSCREEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("ffmpeg.path", "OPENSCREEN_FFMPEG_PATH", "FFMPEG_PATH")
	v.BindEnv("ffprobe.path", "OPENSCREEN_FFPROBE_PATH", "FFPROBE_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		filepath.Join(xdg.ConfigHome, "openscreen"),
		"/etc/openscreen",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

// Viper exposes the underlying instance so commands can bind flags to keys.
func Viper() *viper.Viper {
	return v
}

// ConfigFile returns the config file in use, or "" when running on defaults.
func ConfigFile() string {
	return v.ConfigFileUsed()
}

func FrameRate() float64 {
	return v.GetFloat64("export.frame_rate")
}

func Container() string {
	return v.GetString("export.container")
}

func VideoCodec() string {
	return v.GetString("export.video_codec")
}

// QueueSize is the number of raw samples an encoder buffers before Submit blocks.
func QueueSize() int {
	return v.GetInt("export.queue_size")
}

// GroupDuration is the target length of one container fragment or cluster.
func GroupDuration() time.Duration {
	return v.GetDuration("export.group_duration")
}

func OpenTimeout() time.Duration {
	return v.GetDuration("sampler.open_timeout")
}

func SeekTimeout() time.Duration {
	return v.GetDuration("sampler.seek_timeout")
}

func FlushTimeout() time.Duration {
	return v.GetDuration("encoder.flush_timeout")
}

func FFmpegPath() string {
	return v.GetString("ffmpeg.path")
}

func FFprobePath() string {
	return v.GetString("ffprobe.path")
}

func ServerPort() int {
	return v.GetInt("server.port")
}

// OutputDir is where the CLI writes exports without an explicit --output.
func OutputDir() string {
	return v.GetString("output.dir")
}
