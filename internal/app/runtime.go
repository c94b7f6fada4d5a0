// Package app assembles the process-wide collaborators from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/triage-service/internal/api/http/handlers"
	"github.com/spec-kit/triage-service/internal/config"
	"github.com/spec-kit/triage-service/internal/events"
	"github.com/spec-kit/triage-service/internal/kafka"
	"github.com/spec-kit/triage-service/internal/observability"
	"github.com/spec-kit/triage-service/internal/persistence"
	"github.com/spec-kit/triage-service/internal/provider"
	"github.com/spec-kit/triage-service/internal/queue"
	"github.com/spec-kit/triage-service/internal/repository"
	"github.com/spec-kit/triage-service/internal/service"
	"github.com/spec-kit/triage-service/internal/worker"
)

// Runtime owns every shared resource of one process. Components receive what
// they need from it; nothing is held in package state.
type Runtime struct {
	Config   *config.Config
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Tickets  repository.TicketRepository
	Broker   queue.Broker
	Queue    *queue.Queue
	Bus      events.Bus
	Producer *kafka.Producer
	Provider provider.Provider

	// Checks are the dependencies the readiness probe pings.
	Checks map[string]handlers.Pinger

	closers []func()
}

// Build connects every backend cfg selects. On error, anything already opened
// is closed.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Runtime, err error) {
	rt := &Runtime{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(),
		Checks:  make(map[string]handlers.Pinger),
	}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if err := rt.buildStore(ctx); err != nil {
		return nil, err
	}

	var redisClient *persistence.Redis
	if cfg.Queue.Backend == config.QueueRedis || cfg.Bus.Driver == config.BusRedis {
		redisClient = persistence.NewRedis(cfg.Redis, logger)
		rt.Checks["redis"] = redisClient
		rt.onClose(redisClient.Close)
	}

	switch cfg.Queue.Backend {
	case config.QueueRedis:
		rt.Broker = queue.NewRedisBroker(redisClient.Client, cfg.Queue.Name)
	default:
		rt.Broker = queue.NewMemoryBroker()
	}
	rt.Queue = queue.New(rt.Broker, queue.Config{
		Name:         cfg.Queue.Name,
		Concurrency:  cfg.Queue.Concurrency,
		PollInterval: cfg.Queue.PollInterval(),
		Lease:        cfg.Queue.Lease(),
		Defaults:     rt.JobOptions(),
	}, logger, rt.Metrics)

	switch cfg.Bus.Driver {
	case config.BusRedis:
		rt.Bus = events.NewRedisBus(redisClient.Client, cfg.Bus.Channel, logger)
	case config.BusNATS:
		bus, err := events.DialNATS(cfg.Bus.NATSURL, cfg.Bus.Channel, logger)
		if err != nil {
			return nil, err
		}
		rt.Bus = bus
		rt.Checks["nats"] = bus
	default:
		rt.Bus = events.NewMemoryBus(logger)
	}
	// Closed before the clients it runs on.
	rt.onClose(func() {
		if err := rt.Bus.Close(); err != nil {
			logger.Warn("close event bus", zap.Error(err))
		}
	})

	rt.Producer = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
	rt.onClose(func() {
		if err := rt.Producer.Close(); err != nil {
			logger.Warn("close kafka producer", zap.Error(err))
		}
	})

	rt.Provider = provider.FromConfig(cfg.Provider)

	logger.Info("runtime ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("bus", cfg.Bus.Driver),
		zap.Bool("kafka_mirror", rt.Producer.Enabled()),
		zap.Bool("mock_provider", cfg.Provider.Mock),
	)
	return rt, nil
}

func (rt *Runtime) buildStore(ctx context.Context) error {
	cfg := rt.Config
	switch cfg.Store.Driver {
	case config.StorePostgres:
		pg, err := persistence.NewPostgres(ctx, cfg.Postgres, rt.Logger)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		rt.onClose(pg.Close)
		if cfg.Postgres.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
		}
		rt.Tickets = repository.NewTicketRepository(pg.PoolHandle())
		rt.Checks["postgres"] = pg
	case config.StoreSQLite:
		db, err := persistence.NewSQLite(cfg.SQLite, rt.Logger)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		rt.onClose(db.Close)
		rt.Tickets = repository.NewSQLiteTicketRepository(db.Pool)
		rt.Checks["sqlite"] = db
	default:
		rt.Tickets = repository.NewMemoryTicketRepository()
	}
	return nil
}

// JobOptions is the retry policy attached to each process-ticket job.
func (rt *Runtime) JobOptions() queue.Options {
	q := rt.Config.Queue
	return queue.Options{
		Attempts: q.Attempts,
		Backoff: queue.Backoff{
			Delay:      time.Duration(q.BackoffDelayMs) * time.Millisecond,
			Multiplier: q.BackoffMultiplier,
			Max:        time.Duration(q.BackoffMaxMs) * time.Millisecond,
		},
	}
}

// TicketService builds the submission and review service.
func (rt *Runtime) TicketService() *service.TicketService {
	return service.NewTicketService(service.TicketDependencies{
		TicketRepo: rt.Tickets,
		Jobs:       rt.Queue,
		Bus:        rt.Bus,
		JobOptions: rt.JobOptions(),
		Logger:     rt.Logger,
		Metrics:    rt.Metrics,
	})
}

// Processor builds the analysis worker and registers it on the queue.
func (rt *Runtime) Processor() *worker.Processor {
	p := rt.Config.Provider
	processor := worker.NewProcessor(rt.Tickets, rt.Provider, rt.Bus, worker.Config{
		ClassifyAttempts: p.ClassifyAttempts,
		RetryBase:        p.RetryBase(),
		ClassifyTimeout:  p.ClassifyTimeout(),
		DraftIdleTimeout: p.DraftIdleTimeout(),
	}, rt.Logger, rt.Metrics)
	processor.Register(rt.Queue)
	return processor
}

// StartMirror forwards lifecycle events to Kafka when brokers are configured.
func (rt *Runtime) StartMirror(ctx context.Context) error {
	if !rt.Producer.Enabled() {
		return nil
	}
	unsubscribe, err := service.NewNotificationService(rt.Bus, rt.Producer, rt.Logger).RegisterHandlers(ctx)
	if err != nil {
		return err
	}
	rt.onClose(unsubscribe)
	return nil
}

func (rt *Runtime) onClose(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
