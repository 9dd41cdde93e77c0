package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/LdDl/mot-pipeline/internal/server"
	"github.com/LdDl/mot-pipeline/pipeline"
	"github.com/LdDl/mot-pipeline/store"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler behind the HTTP API",
	Long: `Start the job scheduler and serve the HTTP API.

Jobs left running by a previous process are recovered on startup: jobs with a
checkpoint become paused, jobs without one go back to pending. On SIGINT or
SIGTERM every running job is paused, so it can be resumed later.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := store.Open(cfg.Store, logger)
	if err != nil {
		return errors.Wrap(err, "Can't open store")
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error("Can't close store", zap.Error(err))
		}
	}()

	scheduler := pipeline.NewScheduler(backend, pipeline.WithLogger(logger))
	if cfg.Pipeline.Recover {
		if err := scheduler.Recover(ctx); err != nil {
			return errors.Wrap(err, "Can't recover jobs")
		}
	}

	srv := server.New(cfg.Server, scheduler, backend, cfg.JobDefaults(), logger)
	serveErr := srv.Run(ctx)

	// Parent context is done here, pausing needs a fresh one
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		logger.Error("Scheduler shutdown failed", zap.Error(err))
		if serveErr == nil {
			serveErr = err
		}
	}
	logger.Info("Stopped")
	return serveErr
}
