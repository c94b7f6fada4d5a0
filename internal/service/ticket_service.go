package service

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/spec-kit/triage-service/internal/domain"
	"github.com/spec-kit/triage-service/internal/events"
	"github.com/spec-kit/triage-service/internal/observability"
	"github.com/spec-kit/triage-service/internal/queue"
	"github.com/spec-kit/triage-service/internal/repository"
	"github.com/spec-kit/triage-service/internal/worker"
	"github.com/spec-kit/triage-service/pkg/util/errorutil"
)

// Content length bounds, in characters.
const (
	MinContentLength = 10
	MaxContentLength = 2000
)

// Enqueuer accepts jobs for asynchronous processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, opts queue.Options) (*queue.Job, error)
}

// TicketService coordinates ticket workflows.
type TicketService struct {
	tickets    repository.TicketRepository
	jobs       Enqueuer
	bus        events.Bus
	jobOptions queue.Options
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// TicketDependencies bundles collaborators for the ticket service.
type TicketDependencies struct {
	TicketRepo repository.TicketRepository
	Jobs       Enqueuer
	Bus        events.Bus
	JobOptions queue.Options
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// NewTicketService constructs the service.
func NewTicketService(deps TicketDependencies) *TicketService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TicketService{
		tickets:    deps.TicketRepo,
		jobs:       deps.Jobs,
		bus:        deps.Bus,
		jobOptions: deps.JobOptions,
		logger:     logger,
		metrics:    deps.Metrics,
	}
}

// CreateTicket stores a PENDING ticket, enqueues exactly one process-ticket
// job and announces the ticket. If the job cannot be queued the ticket is
// marked FAILED so it is not silently stranded.
func (s *TicketService) CreateTicket(ctx context.Context, content string) (*domain.Ticket, error) {
	content = strings.TrimSpace(content)
	if n := utf8.RuneCountInString(content); n < MinContentLength || n > MaxContentLength {
		return nil, errorutil.NewValidationError("content must be between 10 and 2000 characters", map[string]any{"length": n})
	}

	ticket := &domain.Ticket{Content: content}
	if err := s.tickets.Create(ctx, ticket); err != nil {
		return nil, errorutil.NewInternalError(err)
	}
	logger := s.logger.With(zap.String("ticket_id", ticket.ID))

	job, err := s.jobs.Enqueue(ctx, worker.JobProcessTicket, worker.Payload{TicketID: ticket.ID, Content: content}, s.jobOptions)
	if err != nil {
		logger.Error("enqueue ticket", zap.Error(err))
		failed := domain.TicketStatusFailed
		updated, uerr := s.tickets.Update(context.WithoutCancel(ctx), ticket.ID, domain.TicketPatch{
			Status: &failed,
			Error: &domain.FailureDetail{
				Message: "could not queue ticket for processing: " + err.Error(),
				Kind:    domain.FailureEnqueue,
			},
		})
		if uerr != nil {
			logger.Error("mark unqueued ticket failed", zap.Error(uerr))
		} else {
			ticket = updated
			s.metrics.Inc(observability.TicketsFailed)
		}
		s.publish(ctx, events.TicketCreated(ticket))
		return ticket, errorutil.NewUnavailable("ticket stored but could not be queued", err)
	}

	logger.Info("ticket submitted", zap.String("job_id", job.ID))
	s.publish(ctx, events.TicketCreated(ticket))
	return ticket, nil
}

// ListTickets returns tickets newest first.
func (s *TicketService) ListTickets(ctx context.Context, filter repository.TicketFilter) ([]domain.Ticket, error) {
	for _, status := range filter.Statuses {
		if !status.Valid() {
			return nil, errorutil.NewValidationError("unknown status", map[string]any{"status": status})
		}
	}
	tickets, err := s.tickets.List(ctx, filter)
	if err != nil {
		return nil, errorutil.NewInternalError(err)
	}
	return tickets, nil
}

// GetTicket loads one ticket.
func (s *TicketService) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	ticket, err := s.tickets.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoError(id, err)
	}
	return ticket, nil
}

// ListHistory returns the ticket's status transitions, oldest first.
func (s *TicketService) ListHistory(ctx context.Context, id string) ([]domain.TicketHistory, error) {
	history, err := s.tickets.ListHistory(ctx, id)
	if err != nil {
		return nil, mapRepoError(id, err)
	}
	return history, nil
}

// ResolveTicket records the reviewer's final reply and moves a PROCESSED
// ticket to RESOLVED. An in-flight draft is not interrupted.
func (s *TicketService) ResolveTicket(ctx context.Context, id, finalReply string) (*domain.Ticket, error) {
	finalReply = strings.TrimSpace(finalReply)
	if finalReply == "" {
		return nil, errorutil.NewValidationError("finalReply is required", nil)
	}
	resolved := domain.TicketStatusResolved
	ticket, err := s.tickets.Update(ctx, id, domain.TicketPatch{Status: &resolved, FinalReply: &finalReply})
	if err != nil {
		return nil, mapRepoError(id, err)
	}
	s.logger.Info("ticket resolved", zap.String("ticket_id", id))
	s.publish(ctx, events.TicketUpdated(id, events.TicketFields{Status: &resolved, FinalReply: &finalReply}.At(ticket.UpdatedAt)))
	return ticket, nil
}

func (s *TicketService) publish(ctx context.Context, event events.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.metrics.Inc(observability.EventsDropped)
		s.logger.Warn("publish event", zap.String("type", string(event.Type)), zap.String("ticket_id", event.ID()), zap.Error(err))
		return
	}
	s.metrics.Inc(observability.EventsPublished)
}

func mapRepoError(id string, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return errorutil.NewNotFound("ticket", map[string]any{"id": id})
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrFieldFrozen):
		return errorutil.NewConflict(err.Error(), map[string]any{"id": id})
	}
	return errorutil.NewInternalError(err)
}
