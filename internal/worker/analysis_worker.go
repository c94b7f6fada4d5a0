// Package worker runs the two-phase analysis pipeline for queued tickets:
// classify once, then stream a draft reply while publishing every fragment.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/spec-kit/triage-service/internal/domain"
	"github.com/spec-kit/triage-service/internal/events"
	"github.com/spec-kit/triage-service/internal/observability"
	"github.com/spec-kit/triage-service/internal/provider"
	"github.com/spec-kit/triage-service/internal/queue"
	"github.com/spec-kit/triage-service/internal/repository"
)

// JobProcessTicket is the job name submissions enqueue.
const JobProcessTicket = "process-ticket"

// Payload is the process-ticket job body.
type Payload struct {
	TicketID string `json:"ticketId"`
	Content  string `json:"content"`
}

// Stage is a step of one processing run.
type Stage string

const (
	StageFetching    Stage = "FETCHING"
	StageClassifying Stage = "CLASSIFYING"
	StageDrafting    Stage = "DRAFTING"
	StageFinalizing  Stage = "FINALIZING"
	StageFailed      Stage = "FAILED"
	StageDone        Stage = "DONE"
)

// Config bounds provider calls.
type Config struct {
	ClassifyAttempts int
	RetryBase        time.Duration
	ClassifyTimeout  time.Duration
	DraftIdleTimeout time.Duration
}

// Trace records what a run did.
type Trace struct {
	Stages         []Stage
	Classification domain.Classification
	FellBack       bool
	Draft          string
	Skipped        bool
}

func (t *Trace) enter(s Stage) { t.Stages = append(t.Stages, s) }

// Last returns the stage the run ended in.
func (t Trace) Last() Stage {
	if len(t.Stages) == 0 {
		return ""
	}
	return t.Stages[len(t.Stages)-1]
}

// Fault is a processing failure with the detail written to a FAILED ticket.
type Fault struct {
	Kind      domain.FailureKind
	Stage     Stage
	Permanent bool
	Details   []string
	Err       error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s during %s: %v", f.Kind, strings.ToLower(string(f.Stage)), f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Processor drives one ticket through the pipeline.
type Processor struct {
	tickets  repository.TicketRepository
	provider provider.Provider
	bus      events.Bus
	cfg      Config
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewProcessor wires a processor.
func NewProcessor(tickets repository.TicketRepository, p provider.Provider, bus events.Bus, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Processor {
	if cfg.ClassifyAttempts <= 0 {
		cfg.ClassifyAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = 30 * time.Second
	}
	if cfg.DraftIdleTimeout <= 0 {
		cfg.DraftIdleTimeout = 30 * time.Second
	}
	return &Processor{
		tickets:  tickets,
		provider: p,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}
}

// Register binds the processor to the queue's process-ticket jobs.
func (p *Processor) Register(q *queue.Queue) {
	q.Register(JobProcessTicket, p.Handle)
}

// Handle is the queue handler. Transient faults are returned while attempts
// remain so the queue retries; on the final attempt, or for permanent faults,
// the ticket is marked FAILED and the job is buried.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	var payload Payload
	if err := job.Decode(&payload); err != nil {
		p.logger.Error("undecodable job payload", zap.String("job_id", job.ID), zap.Error(err))
		return queue.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	if payload.TicketID == "" {
		return queue.Permanent(errors.New("payload missing ticketId"))
	}

	logger := p.logger.With(zap.String("ticket_id", payload.TicketID), zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	trace, err := p.Process(ctx, payload.TicketID, logger)
	if err == nil {
		if !trace.Skipped {
			logger.Info("ticket processed", zap.Bool("fallback", trace.FellBack), zap.Int("draft_len", len(trace.Draft)))
		}
		return nil
	}
	if ctx.Err() != nil {
		// Shutdown or lost lease; the job will run again.
		return err
	}

	var fault *Fault
	if !errors.As(err, &fault) {
		fault = &Fault{Kind: domain.FailureInternal, Stage: trace.Last(), Err: err}
	}
	if !fault.Permanent && !job.FinalAttempt() {
		logger.Warn("transient processing fault; job will retry", zap.String("stage", string(fault.Stage)), zap.Error(err))
		return err
	}

	p.markFailed(ctx, payload.TicketID, fault, job.Attempt, logger)
	return queue.Permanent(err)
}

// Process runs the pipeline once. It returns a *Fault for failures in the
// pipeline itself and the context error when interrupted.
func (p *Processor) Process(ctx context.Context, ticketID string, logger *zap.Logger) (Trace, error) {
	var trace Trace

	trace.enter(StageFetching)
	ticket, err := p.tickets.GetByID(ctx, ticketID)
	if errors.Is(err, repository.ErrNotFound) {
		return trace, &Fault{Kind: domain.FailureNotFound, Stage: StageFetching, Permanent: true, Err: err}
	}
	if err != nil {
		return trace, p.storageFault(ctx, StageFetching, err)
	}
	if ticket.Status != domain.TicketStatusPending {
		logger.Info("ticket no longer pending; skipping", zap.String("status", string(ticket.Status)))
		trace.Skipped = true
		trace.enter(StageDone)
		return trace, nil
	}

	trace.enter(StageClassifying)
	classification, fellBack, err := p.classify(ctx, ticket.Content, logger)
	if err != nil {
		return trace, err
	}
	trace.Classification, trace.FellBack = classification, fellBack
	classified, err := p.tickets.Update(ctx, ticketID, domain.TicketPatch{}.WithClassification(classification))
	if err != nil {
		return trace, p.storageFault(ctx, StageClassifying, err)
	}
	p.publish(ctx, events.TicketUpdated(ticketID, events.ClassificationFields(classification).At(classified.UpdatedAt)), logger)

	trace.enter(StageDrafting)
	draft, err := p.draft(ctx, ticket, classification, logger)
	trace.Draft = draft
	if err != nil {
		return trace, err
	}

	trace.enter(StageFinalizing)
	processed := domain.TicketStatusProcessed
	final, err := p.tickets.Update(ctx, ticketID, domain.TicketPatch{Status: &processed, DraftReply: &draft})
	if err != nil {
		return trace, p.storageFault(ctx, StageFinalizing, err)
	}
	p.publish(ctx, events.TicketUpdated(ticketID, events.TicketFields{Status: &processed, DraftReply: &draft}.At(final.UpdatedAt)), logger)
	p.metrics.Inc(observability.TicketsProcessed)

	trace.enter(StageDone)
	return trace, nil
}

// classify never fails the run on provider trouble; it falls back instead.
// Only cancellation is returned.
func (p *Processor) classify(ctx context.Context, content string, logger *zap.Logger) (domain.Classification, bool, error) {
	var raw string
	err := p.withRetry(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.ClassifyTimeout)
		defer cancel()
		out, err := p.provider.Classify(attemptCtx, content)
		if err != nil {
			return retryable(err)
		}
		raw = out
		return nil
	})
	if ctx.Err() != nil {
		return domain.Classification{}, false, ctx.Err()
	}
	if err != nil {
		logger.Warn("classify failed; using fallback", zap.Error(err))
		p.metrics.Inc(observability.ClassifyFallback)
		return domain.FallbackClassification(), true, nil
	}

	c, err := provider.ParseClassification(raw)
	if err != nil {
		logger.Warn("classification rejected; using fallback", zap.String("raw", raw), zap.Error(err))
		p.metrics.Inc(observability.ClassifyFallback)
		return domain.FallbackClassification(), true, nil
	}
	return c, false, nil
}

// draft streams the reply, publishing each fragment in arrival order, and
// returns the accumulated text.
func (p *Processor) draft(ctx context.Context, ticket *domain.Ticket, c domain.Classification, logger *zap.Logger) (string, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var idle atomic.Bool
	idleTimer := time.AfterFunc(p.cfg.DraftIdleTimeout, func() {
		idle.Store(true)
		cancel()
	})
	defer idleTimer.Stop()

	var stream provider.DraftStream
	err := p.withRetry(streamCtx, func(ctx context.Context) error {
		s, err := p.provider.Draft(ctx, ticket.Content, c)
		if err != nil {
			return retryable(err)
		}
		stream = s
		return nil
	})
	if err != nil {
		return "", p.draftFault(ctx, &idle, err)
	}
	defer stream.Close()

	empty := ""
	announced, err := p.tickets.Update(ctx, ticket.ID, domain.TicketPatch{DraftReply: &empty})
	if err != nil {
		return "", p.storageFault(ctx, StageDrafting, err)
	}
	p.publish(ctx, events.TicketUpdated(ticket.ID, events.TicketFields{DraftReply: &empty}.At(announced.UpdatedAt)), logger)

	var buf strings.Builder
	idleTimer.Reset(p.cfg.DraftIdleTimeout)
	for {
		fragment, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return buf.String(), nil
		}
		if err != nil {
			return buf.String(), p.draftFault(ctx, &idle, err)
		}
		idleTimer.Stop()
		if idle.Load() {
			return buf.String(), p.draftFault(ctx, &idle, context.Canceled)
		}
		idleTimer.Reset(p.cfg.DraftIdleTimeout)
		if fragment == "" {
			continue
		}
		buf.WriteString(fragment)
		p.publish(ctx, events.TicketPartial(ticket.ID, fragment), logger)
	}
}

func (p *Processor) draftFault(ctx context.Context, idle *atomic.Bool, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if idle.Load() {
		return &Fault{Kind: domain.FailureTimeout, Stage: StageDrafting, Err: fmt.Errorf("no draft fragment within %s: %w", p.cfg.DraftIdleTimeout, err)}
	}
	return &Fault{Kind: domain.FailureProvider, Stage: StageDrafting, Err: err}
}

func (p *Processor) storageFault(ctx context.Context, stage Stage, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return &Fault{Kind: domain.FailureNotFound, Stage: stage, Permanent: true, Err: err}
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrFieldFrozen):
		// Someone else moved the ticket on; retrying cannot help.
		return &Fault{Kind: domain.FailureStorage, Stage: stage, Permanent: true, Err: err}
	}
	return &Fault{Kind: domain.FailureStorage, Stage: stage, Err: err}
}

// markFailed writes FAILED and announces it, best-effort.
func (p *Processor) markFailed(ctx context.Context, ticketID string, fault *Fault, attempt int, logger *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	detail := &domain.FailureDetail{
		Message: fault.Err.Error(),
		Kind:    fault.Kind,
		Stage:   string(fault.Stage),
		Attempt: attempt,
		Details: fault.Details,
	}
	var schemaErr *provider.SchemaError
	if errors.As(fault.Err, &schemaErr) {
		detail.Details = append(detail.Details, schemaErr.Violations...)
	}

	failed := domain.TicketStatusFailed
	stored, err := p.tickets.Update(ctx, ticketID, domain.TicketPatch{Status: &failed, Error: detail})
	if err != nil {
		logger.Error("could not mark ticket failed", zap.NamedError("cause", fault), zap.Error(err))
		return
	}
	p.metrics.Inc(observability.TicketsFailed)
	logger.Error("ticket failed", zap.String("kind", string(fault.Kind)), zap.String("stage", string(fault.Stage)), zap.Error(fault.Err))
	p.publish(ctx, events.TicketUpdated(ticketID, events.TicketFields{Status: &failed, Error: detail}.At(stored.UpdatedAt)), logger)
}

// publish never fails the run; a lost notification is reconciled by the
// final update.
func (p *Processor) publish(ctx context.Context, event events.Event, logger *zap.Logger) {
	if err := p.bus.Publish(context.WithoutCancel(ctx), event); err != nil {
		p.metrics.Inc(observability.EventsDropped)
		logger.Warn("publish failed", zap.String("type", string(event.Type)), zap.Error(err))
		return
	}
	p.metrics.Inc(observability.EventsPublished)
}

func (p *Processor) withRetry(ctx context.Context, fn retry.RetryFunc) error {
	backoff := retry.WithMaxRetries(uint64(p.cfg.ClassifyAttempts-1), retry.NewExponential(p.cfg.RetryBase))
	return retry.Do(ctx, backoff, fn)
}

// retryable marks provider errors for another attempt unless the backend
// rejected the request outright.
func retryable(err error) error {
	var providerErr *provider.Error
	if errors.As(err, &providerErr) && !providerErr.Temporary() {
		return err
	}
	return retry.RetryableError(err)
}
