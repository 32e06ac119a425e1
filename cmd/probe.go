package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/chengyongru/openscreen/config"
	"github.com/chengyongru/openscreen/internal/export/sampler"
	"github.com/chengyongru/openscreen/internal/util"
)

type probeResult struct {
	Path      string  `json:"path" toml:"path"`
	Width     int     `json:"width" toml:"width"`
	Height    int     `json:"height" toml:"height"`
	Duration  float64 `json:"durationSeconds" toml:"duration_seconds"`
	FrameRate float64 `json:"frameRate" toml:"frame_rate"`
	Codec     string  `json:"codec" toml:"codec"`
	HasAudio  bool    `json:"hasAudio" toml:"has_audio"`
}

func NewProbeCommand() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "probe <file>",
		Short: "Show the metadata an export would use",
		Example: `  openscreen probe recording.mov
  openscreen probe recording.mov --output json
  openscreen probe recording.mov --output toml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd.Context(), cmd.OutOrStdout(), args[0], outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format (json, toml or text)")
	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "toml", "text"}, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

func runProbe(ctx context.Context, out io.Writer, path, outputFormat string) error {
	s := sampler.New(
		sampler.NewFFmpegSource(path, config.FFmpegPath(), config.FFprobePath(), util.GetLogger()),
		sampler.Options{OpenTimeout: config.OpenTimeout(), Logger: util.GetLogger()},
	)
	defer s.Close()

	info, err := s.Open(ctx)
	if err != nil {
		return err
	}
	res := probeResult{
		Path:      path,
		Width:     info.Width,
		Height:    info.Height,
		Duration:  info.Duration.Seconds(),
		FrameRate: info.FrameRate,
		Codec:     info.Codec,
		HasAudio:  info.HasAudio,
	}

	return printProbe(out, res, outputFormat)
}

func printProbe(out io.Writer, res probeResult, outputFormat string) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case "toml":
		return toml.NewEncoder(out).Encode(res)
	case "text", "":
	default:
		return errors.Errorf("unknown output format %q", outputFormat)
	}

	label := color.New(color.Faint).Sprint
	fmt.Fprintf(out, "%s\n", color.CyanString(res.Path))
	fmt.Fprintf(out, "  %s %dx%d\n", label("size:      "), res.Width, res.Height)
	fmt.Fprintf(out, "  %s %.3fs\n", label("duration:  "), res.Duration)
	fmt.Fprintf(out, "  %s %.3f fps\n", label("frame rate:"), res.FrameRate)
	fmt.Fprintf(out, "  %s %s\n", label("codec:     "), res.Codec)
	fmt.Fprintf(out, "  %s %t\n", label("audio:     "), res.HasAudio)
	fmt.Fprintf(out, "  %s %s\n", label("encoders:  "), codecList())
	return nil
}
