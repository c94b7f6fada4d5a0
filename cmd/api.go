package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/triage-service/internal/api/http"
	"github.com/spec-kit/triage-service/internal/api/http/handlers"
	"github.com/spec-kit/triage-service/internal/app"
	"github.com/spec-kit/triage-service/internal/gateway"
)

var embeddedWorker bool

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Serve the HTTP API and the observer event stream",
	RunE:  runAPI,
}

func init() {
	apiCmd.Flags().BoolVar(&embeddedWorker, "embedded-worker", false, "run the analysis worker in this process")
}

func runAPI(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	rt, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	runWorker := embeddedWorker
	if !runWorker && cfg.NeedsEmbeddedWorker() {
		logger.Info("process-local backends configured; running the worker in process",
			zap.String("store", cfg.Store.Driver),
			zap.String("queue", cfg.Queue.Backend),
			zap.String("bus", cfg.Bus.Driver),
		)
		runWorker = true
	}

	gw := gateway.New(cfg.Gateway.Heartbeat(), logger, rt.Metrics)
	detach, err := gw.Attach(ctx, rt.Bus)
	if err != nil {
		return err
	}
	defer detach()

	if err := rt.StartMirror(ctx); err != nil {
		return err
	}

	server := fiber.New(fiber.Config{
		AppName:               cfg.App.Name,
		DisableStartupMessage: true,
	})
	httptransport.RegisterMiddlewares(server, logger, rt.Metrics, httptransport.MiddlewareConfig{
		Timeout:      cfg.App.RequestTimeout(),
		AllowOrigins: cfg.App.CORSAllowOrigins,
	})
	httptransport.RegisterRoutes(server, httptransport.RouteConfig{
		Health:  handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, rt.Checks),
		Metrics: handlers.NewMetricsHandler(rt.Metrics, rt.Broker),
		Tickets: handlers.NewTicketsHandler(rt.TicketService()),
		Events:  handlers.NewEventsHandler(gw),
	})

	workerDone := make(chan struct{})
	if runWorker {
		rt.Processor()
		go func() {
			defer close(workerDone)
			_ = rt.Queue.Run(ctx)
		}()
	} else {
		close(workerDone)
	}

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.App.Addr()), zap.Bool("embedded_worker", runWorker))
		listenErr <- server.Listen(cfg.App.Addr())
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-listenErr:
		logger.Error("fiber listen", zap.Error(err))
		stop()
	}

	// Observer streams only end when their connection closes.
	gw.Close()
	if shutdownErr := server.ShutdownWithTimeout(10 * time.Second); shutdownErr != nil {
		logger.Warn("http shutdown", zap.Error(shutdownErr))
	}
	<-workerDone
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
