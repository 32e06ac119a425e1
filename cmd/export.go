package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dchest/uniuri"
	"github.com/fatih/color"
	"github.com/pkg/browser"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/chengyongru/openscreen/config"
	"github.com/chengyongru/openscreen/internal/export/core"
	"github.com/chengyongru/openscreen/internal/export/encoder"
	"github.com/chengyongru/openscreen/internal/export/pipeline"
	"github.com/chengyongru/openscreen/internal/export/sampler"
	"github.com/chengyongru/openscreen/internal/util"
)

// ExportOptions collects the export command flags.
type ExportOptions struct {
	Pattern bool
	ToneHz  float64

	Width            int
	Height           int
	FrameRate        float64
	Duration         float64
	VideoCodec       string
	VideoBitrate     int
	KeyframeInterval int
	Container        string

	AudioChannels int
	AudioRate     int
	AudioCodec    string

	Output string
	Open   bool
}

// Config builds the export configuration, falling back to the configured
// defaults for anything left unset.
func (o *ExportOptions) Config() core.ExportConfig {
	cfg := core.ExportConfig{
		Width:            o.Width,
		Height:           o.Height,
		FrameRate:        o.FrameRate,
		Duration:         o.Duration,
		VideoCodec:       o.VideoCodec,
		VideoBitrate:     o.VideoBitrate,
		KeyframeInterval: o.KeyframeInterval,
		Container:        o.Container,
	}
	if cfg.VideoCodec == "" {
		cfg.VideoCodec = config.VideoCodec()
	}
	if cfg.Container == "" {
		cfg.Container = config.Container()
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = config.FrameRate()
	}
	if o.AudioChannels > 0 {
		cfg.Audio = &core.AudioParams{
			Channels:   o.AudioChannels,
			SampleRate: o.AudioRate,
			Codec:      o.AudioCodec,
		}
	}
	return cfg.WithDefaults()
}

func NewExportCommand() *cobra.Command {
	opts := &ExportOptions{}

	cmd := &cobra.Command{
		Use:   "export [file]",
		Short: "Export a recording or test pattern",
		Long: `Export samples the source at every output frame, encodes the frames and muxes
them into an MP4 or WebM file. Press Ctrl-C to cancel; nothing is written then.`,
		Example: `  openscreen export recording.mov -o out.mp4
  openscreen export recording.mov --fps 30 --width 1280 --height 720 --container webm
  openscreen export --pattern --duration 5 --video-codec mjpeg --audio-channels 2 --audio-rate 48000 --audio-codec pcm
  openscreen export --pattern --duration 2 --open`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !opts.Pattern {
				return errors.New("give a source file or --pattern")
			}
			if len(args) == 1 && opts.Pattern {
				return errors.New("a source file and --pattern are mutually exclusive")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var path string
			if len(args) == 1 {
				path = args[0]
			}
			return runExport(ctx, cmd.OutOrStdout(), opts, path)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.Pattern, "pattern", false, "Export a generated colour bar pattern instead of a file")
	flags.Float64Var(&opts.ToneHz, "tone", 440, "Sine tone frequency for --pattern audio (0 for silence)")
	flags.IntVar(&opts.Width, "width", 0, "Output width (defaults to the source width)")
	flags.IntVar(&opts.Height, "height", 0, "Output height (defaults to the source height)")
	flags.Float64Var(&opts.FrameRate, "fps", 0, "Output frame rate (default from config, 60)")
	flags.Float64Var(&opts.Duration, "duration", 0, "Seconds to export (defaults to the source duration)")
	flags.StringVar(&opts.VideoCodec, "video-codec", "", "Video codec: avc or mjpeg")
	flags.IntVar(&opts.VideoBitrate, "bitrate", 0, "Video bitrate in kbps (0 = codec default)")
	flags.IntVar(&opts.KeyframeInterval, "keyframe-interval", 0, "Frames between key frames (default one per second)")
	flags.StringVar(&opts.Container, "container", "", "Container: mp4 or webm")
	flags.IntVar(&opts.AudioChannels, "audio-channels", 0, "Audio channel count (0 = no audio track)")
	flags.IntVar(&opts.AudioRate, "audio-rate", 48000, "Audio sample rate in Hz")
	flags.StringVar(&opts.AudioCodec, "audio-codec", "", "Audio codec: aac or pcm")
	flags.StringVarP(&opts.Output, "output", "o", "", "Output file (default: a new file in the configured output dir)")
	flags.BoolVar(&opts.Open, "open", false, "Open the exported file when done")

	cmd.RegisterFlagCompletionFunc("video-codec", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{core.CodecAVC, core.CodecMJPEG}, cobra.ShellCompDirectiveNoFileComp
	})
	cmd.RegisterFlagCompletionFunc("audio-codec", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{core.CodecAAC, core.CodecPCM}, cobra.ShellCompDirectiveNoFileComp
	})
	cmd.RegisterFlagCompletionFunc("container", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{core.ContainerMP4, core.ContainerWebM}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

// pipelineOptions maps configuration onto session options.
func pipelineOptions() pipeline.Options {
	return pipeline.Options{
		OpenTimeout:   config.OpenTimeout(),
		SeekTimeout:   config.SeekTimeout(),
		QueueSize:     config.QueueSize(),
		FlushTimeout:  config.FlushTimeout(),
		GroupDuration: config.GroupDuration(),
		FFmpegPath:    config.FFmpegPath(),
		Logger:        util.GetLogger(),
	}
}

func runExport(ctx context.Context, out io.Writer, opts *ExportOptions, path string) error {
	logger := util.GetLogger()
	cfg := opts.Config()

	var src sampler.Source
	if opts.Pattern {
		if cfg.Width <= 0 || cfg.Height <= 0 {
			cfg.Width, cfg.Height = 1280, 720
		}
		if cfg.Duration <= 0 {
			cfg.Duration = 5
		}
		tone := opts.ToneHz
		if cfg.Audio == nil {
			tone = 0
		}
		src = &sampler.PatternSource{
			Width:     cfg.Width,
			Height:    cfg.Height,
			Duration:  time.Duration(cfg.Duration * float64(time.Second)),
			FrameRate: cfg.FrameRate,
			ToneHz:    tone,
		}
	} else {
		src = sampler.NewFFmpegSource(path, config.FFmpegPath(), config.FFprobePath(), logger)
	}

	sp := newUISpinner(out, "Preparing export")
	resolved, err := pipeline.ResolveConfig(ctx, cfg, src, config.OpenTimeout())
	if err != nil {
		sp.Fail("Could not open source")
		return err
	}
	if err := resolved.Validate(); err != nil {
		sp.Fail("Invalid export settings")
		return err
	}
	cfg = resolved
	sp.Success(fmt.Sprintf("Exporting %s", cfg.String()))

	output, err := outputPath(opts.Output, cfg.Container)
	if err != nil {
		return err
	}

	session := pipeline.NewSession(uniuri.NewLen(8), cfg, src, pipelineOptions())
	session.OnProgress(progressPrinter(out))

	go func() {
		select {
		case <-ctx.Done():
			session.Cancel()
		case <-session.Done():
		}
	}()

	res := session.Run(context.Background())
	if isTerminal(out) {
		fmt.Fprintln(out)
	}

	switch {
	case res.Cancelled:
		fmt.Fprintf(out, "  %s Export cancelled, nothing written\n", color.YellowString("!"))
		return errors.New("export cancelled")
	case res.Err != nil:
		fmt.Fprintf(out, "  %s Export failed during %s after frame %d: %s\n",
			color.RedString("✗"), res.Err.Stage, res.Err.LastFrame, res.Err.Kind)
		return res.Err
	}

	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return errors.Wrapf(err, "failed to create output directory for %s", output)
	}
	if err := os.WriteFile(output, res.Data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", output)
	}
	fmt.Fprintf(out, "  %s Wrote %s (%s, %d bytes)\n",
		color.GreenString("✓"), color.CyanString(output), res.MIMEType, len(res.Data))

	if opts.Open {
		if err := browser.OpenFile(output); err != nil {
			logger.Warn("Failed to open export", "path", output, "error", err)
		}
	}
	return nil
}

// outputPath picks the file to write, inventing a name in the configured
// output directory when none was given.
func outputPath(requested, container string) (string, error) {
	ext := "." + container
	if requested != "" {
		if filepath.Ext(requested) == "" {
			requested += ext
		}
		return filepath.Abs(requested)
	}
	name := "openscreen-" + time.Now().Format("20060102-150405") + "-" + strings.ToLower(uniuri.NewLen(6)) + ext
	return filepath.Join(config.OutputDir(), name), nil
}

// progressPrinter redraws one status line on terminals and prints every tenth
// of the way elsewhere.
func progressPrinter(out io.Writer) pipeline.ProgressFunc {
	tty := isTerminal(out)
	lastDecile := -1
	return func(p core.ExportProgress) {
		if tty {
			fmt.Fprintf(out, "\r\033[K  Exporting %s %d/%d  ETA %s",
				color.CyanString("%5.1f%%", p.Percentage), p.CurrentFrame, p.TotalFrames,
				time.Duration(p.EstimatedTimeRemaining*float64(time.Second)).Round(100*time.Millisecond))
			return
		}
		if decile := int(p.Percentage) / 10; decile != lastDecile {
			lastDecile = decile
			fmt.Fprintf(out, "  Exporting %3.0f%% (%d/%d)\n", p.Percentage, p.CurrentFrame, p.TotalFrames)
		}
	}
}

// codecList is shown by probe to tell users what this build can encode.
func codecList() string {
	return strings.Join(encoder.Codecs(), ", ")
}
