package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spec-kit/triage-service/internal/app"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued tickets: classify, draft and publish progress",
	RunE:  runWorker,
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.CheckStandaloneWorker(); err != nil {
		return fmt.Errorf("worker cannot share state with the api process (run `api --embedded-worker` instead): %w", err)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	rt, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	rt.Processor()
	logger.Info("worker started",
		zap.String("queue", cfg.Queue.Name),
		zap.Int("concurrency", cfg.Queue.Concurrency),
	)
	if err := rt.Queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("worker stopped")
	return nil
}
