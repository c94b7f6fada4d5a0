package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spec-kit/triage-service/internal/clock"
	"github.com/spec-kit/triage-service/internal/config"
	"github.com/spec-kit/triage-service/internal/dashboard"
	"github.com/spec-kit/triage-service/internal/domain"
	"github.com/spec-kit/triage-service/internal/events"
	"github.com/spec-kit/triage-service/internal/observability"
	"github.com/spec-kit/triage-service/internal/observer"
	"github.com/spec-kit/triage-service/internal/reconstruct"
)

var (
	watchPlain bool
	watchURL   string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch tickets live as they are classified and drafted",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchPlain, "plain", false, "print one line per change instead of the interactive view")
	watchCmd.Flags().StringVar(&watchURL, "url", "", "API base URL (default OBSERVER_URL)")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if watchURL != "" {
		cfg.Observer.URL = watchURL
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	// The interactive view owns the terminal, so it runs without logs.
	logger := zap.NewNop()
	if watchPlain {
		if logger, err = observability.NewStderrLogger(cfg.Logger); err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck
	}

	client := observer.New(observer.Config{
		URL:        cfg.Observer.URL,
		BaseDelay:  time.Duration(cfg.Observer.BaseDelayMs) * time.Millisecond,
		MaxDelay:   time.Duration(cfg.Observer.MaxDelayMs) * time.Millisecond,
		BufferSize: cfg.Observer.BufferSize,
	}, nil, clock.Real(), logger)

	if watchPlain {
		return watchPlainText(ctx, client, logger)
	}
	return watchInteractive(ctx, client, time.Duration(cfg.Observer.TypingDelayMs)*time.Millisecond)
}

func watchPlainText(ctx context.Context, client *observer.Client, logger *zap.Logger) error {
	printer := dashboard.NewPrinter(os.Stdout)
	client.OnState = func(s observer.State) {
		printer.State(s)
		if s == observer.StateOpen {
			seed(ctx, client, logger, printer.Seed)
		}
	}
	err := client.Run(ctx, printer.Handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func watchInteractive(ctx context.Context, client *observer.Client, typingDelay time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := dashboard.NewModel(reconstruct.NewBoard(), typingDelay)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	client.OnState = func(s observer.State) {
		program.Send(dashboard.StateMsg{State: s})
		if s == observer.StateOpen {
			go seed(ctx, client, zap.NewNop(), func(tickets []domain.Ticket) {
				program.Send(dashboard.SeedMsg{Tickets: tickets})
			})
		}
	}
	client.OnRetry = func(retry int, delay time.Duration, _ error) {
		program.Send(dashboard.RetryMsg{Retry: retry, Delay: delay})
	}
	go func() {
		_ = client.Run(ctx, func(e events.Event) {
			program.Send(dashboard.EventMsg{Event: e})
		})
	}()

	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// seed loads current state; events broadcast before the stream opened are
// never replayed.
func seed(ctx context.Context, client *observer.Client, logger *zap.Logger, apply func([]domain.Ticket)) {
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	tickets, err := client.FetchTickets(fetchCtx)
	if err != nil {
		logger.Warn("fetch tickets", zap.Error(err))
		return
	}
	apply(tickets)
}
