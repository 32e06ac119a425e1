package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chengyongru/openscreen/config"
	"github.com/chengyongru/openscreen/internal/util"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

var rootCmd = NewRootCommand()

// NewRootCommand builds the openscreen command tree.
func NewRootCommand() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "openscreen",
		Short: "Export screen recordings to MP4 and WebM",
		Long: `openscreen renders a recording (or a test pattern) frame by frame, encodes it
and muxes the result into an MP4 or WebM container.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.InitLogger(verbose)
			if file := config.ConfigFile(); file != "" {
				util.GetLogger().Debug("Using config file", "path", file)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				fmt.Fprintf(cmd.OutOrStdout(), "openscreen version %s\n", Version)
				return nil
			}
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable per-frame debug logging")
	cmd.Flags().BoolP("version", "v", false, "Print version information and exit")

	cmd.AddCommand(NewExportCommand())
	cmd.AddCommand(NewProbeCommand())
	cmd.AddCommand(NewServeCommand())
	return cmd
}

func Execute() error {
	return rootCmd.Execute()
}
