package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/chengyongru/openscreen/config"
	"github.com/chengyongru/openscreen/internal/server"
	"github.com/chengyongru/openscreen/internal/util"
)

const shutdownTimeout = 10 * time.Second

func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the export HTTP server",
		Long: `Serve exposes export sessions over HTTP. Progress streams over a websocket at
/api/exports/{id}/progress.`,
		Example: `  openscreen serve
  openscreen serve --port 8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), config.ServerPort())
		},
	}

	cmd.Flags().IntP("port", "p", config.ServerPort(), "Server port")
	config.Viper().BindPFlag("server.port", cmd.Flags().Lookup("port"))
	return cmd
}

func runServer(ctx context.Context, port int) error {
	srv := server.New(server.Options{
		Port:        port,
		FFmpegPath:  config.FFmpegPath(),
		FFprobePath: config.FFprobePath(),
		Pipeline:    pipelineOptions(),
		Logger:      util.GetLogger(),
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	color.Green("openscreen server listening on http://localhost:%d", port)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrapf(err, "failed to start server on port %d", port)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
