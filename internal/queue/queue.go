package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/triage-service/internal/observability"
)

// Handler processes one job attempt. Returning nil completes the job, a
// Permanent error buries it, any other error schedules a retry while attempts
// remain.
type Handler func(ctx context.Context, job *Job) error

// Config tunes a Queue.
type Config struct {
	Name         string
	Concurrency  int
	PollInterval time.Duration
	Lease        time.Duration
	Defaults     Options
}

// Queue dispatches jobs from a Broker to registered handlers.
type Queue struct {
	broker  Broker
	cfg     Config
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New builds a queue over broker.
func New(broker Broker, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.Defaults.Attempts <= 0 {
		cfg.Defaults.Attempts = 1
	}
	return &Queue{
		broker:   broker,
		cfg:      cfg,
		logger:   logger.With(zap.String("queue", cfg.Name)),
		metrics:  metrics,
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.cfg.Name }

// Broker exposes the backing broker for inspection.
func (q *Queue) Broker() Broker { return q.broker }

// Register binds a handler to a job name. Registering twice replaces the handler.
func (q *Queue) Register(name string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = handler
}

func (q *Queue) handler(name string) Handler {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.handlers[name]
}

// Enqueue durably stores a new job. Zero-valued opts fall back to the queue defaults.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, opts Options) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", name, err)
	}
	if opts.Attempts <= 0 {
		opts.Attempts = q.cfg.Defaults.Attempts
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = q.cfg.Defaults.Backoff
	}

	now := q.now()
	job := &Job{
		ID:          uuid.NewString(),
		Queue:       q.cfg.Name,
		Name:        name,
		Payload:     raw,
		MaxAttempts: opts.Attempts,
		Backoff:     opts.Backoff,
		State:       StateWaiting,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.broker.Push(ctx, job); err != nil {
		return nil, err
	}
	q.logger.Debug("job enqueued", zap.String("job_id", job.ID), zap.String("job", name))
	return job, nil
}

// Run claims and processes jobs until ctx is cancelled, then waits for
// in-flight jobs to settle.
func (q *Queue) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			q.runSlot(ctx, slot)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.reapLoop(ctx)
	}()

	q.logger.Info("queue running", zap.Int("concurrency", q.cfg.Concurrency))
	wg.Wait()
	q.logger.Info("queue stopped")
	return nil
}

func (q *Queue) runSlot(ctx context.Context, slot int) {
	for ctx.Err() == nil {
		job, err := q.broker.Claim(ctx, q.now(), q.cfg.Lease)
		if err != nil {
			if ctx.Err() == nil {
				q.logger.Warn("claim failed", zap.Int("slot", slot), zap.Error(err))
			}
			q.idle(ctx)
			continue
		}
		if job == nil {
			q.idle(ctx)
			continue
		}
		q.process(ctx, job)
	}
}

func (q *Queue) idle(ctx context.Context) {
	timer := time.NewTimer(q.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (q *Queue) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.Lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.broker.Reap(ctx, q.now())
			if err != nil && ctx.Err() == nil {
				q.logger.Warn("reap failed", zap.Error(err))
			}
			if n > 0 {
				q.logger.Warn("requeued jobs with expired leases", zap.Int("count", n))
			}
		}
	}
}

// process runs one claimed attempt and settles it with the broker.
func (q *Queue) process(ctx context.Context, job *Job) {
	logger := q.logger.With(
		zap.String("job_id", job.ID),
		zap.String("job", job.Name),
		zap.Int("attempt", job.Attempt),
		zap.Int("max_attempts", job.MaxAttempts),
	)
	// Settlement must still reach the broker when shutdown cancels ctx.
	settleCtx := context.WithoutCancel(ctx)

	handler := q.handler(job.Name)
	if handler == nil {
		job.LastError = "no handler registered for " + job.Name
		job.UpdatedAt = q.now()
		logger.Error("burying job without handler")
		q.settle(logger, q.broker.Bury(settleCtx, job))
		q.metrics.Inc(observability.JobsDead)
		return
	}

	handlerCtx, cancel := context.WithCancel(ctx)
	stopHeartbeat := q.heartbeat(handlerCtx, cancel, job, logger)
	err := invoke(handlerCtx, handler, job)
	stopHeartbeat()
	cancel()

	job.UpdatedAt = q.now()
	switch {
	case err == nil:
		job.LastError = ""
		q.settle(logger, q.broker.Complete(settleCtx, job))
		q.metrics.Inc(observability.JobsCompleted)
		logger.Debug("job completed")

	case ctx.Err() != nil && !IsPermanent(err):
		// Interrupted by shutdown; give the attempt back.
		job.Attempt--
		job.LastError = err.Error()
		q.settle(logger, q.broker.Retry(settleCtx, job, q.now()))
		logger.Info("job released on shutdown", zap.Error(err))

	case IsPermanent(err) || job.FinalAttempt():
		job.LastError = err.Error()
		q.settle(logger, q.broker.Bury(settleCtx, job))
		q.metrics.Inc(observability.JobsDead)
		logger.Warn("job dead", zap.Bool("permanent", IsPermanent(err)), zap.Error(err))

	default:
		job.LastError = err.Error()
		wait := job.Backoff.Next(job.Attempt - 1)
		q.settle(logger, q.broker.Retry(settleCtx, job, q.now().Add(wait)))
		q.metrics.Inc(observability.JobsRetried)
		logger.Warn("job failed; retry scheduled", zap.Duration("backoff", wait), zap.Error(err))
	}
}

func (q *Queue) settle(logger *zap.Logger, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, ErrLeaseLost) {
		logger.Warn("lease lost before settlement; another worker owns the job")
		return
	}
	logger.Error("settle job", zap.Error(err))
}

// heartbeat extends the lease while the handler runs. Losing the lease cancels
// the handler so two workers never run the same job concurrently.
func (q *Queue) heartbeat(ctx context.Context, cancel context.CancelFunc, job *Job, logger *zap.Logger) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(q.cfg.Lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := q.broker.Extend(ctx, job, q.now().Add(q.cfg.Lease))
				if errors.Is(err, ErrLeaseLost) {
					logger.Warn("lease lost; cancelling handler")
					cancel()
					return
				}
				if err != nil && ctx.Err() == nil {
					logger.Warn("extend lease", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func invoke(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, job)
}
