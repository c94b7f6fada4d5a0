package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/spec-kit/triage-service/internal/domain"
)

type memoryTicketRepository struct {
	mu      sync.RWMutex
	tickets map[string]*domain.Ticket
	history map[string][]domain.TicketHistory
	now     func() time.Time
}

// NewMemoryTicketRepository returns a process-local repository. It backs tests
// and single-process deployments without a database.
func NewMemoryTicketRepository() TicketRepository {
	return &memoryTicketRepository{
		tickets: make(map[string]*domain.Ticket),
		history: make(map[string][]domain.TicketHistory),
		now:     monotonicNow(),
	}
}

func (r *memoryTicketRepository) Create(_ context.Context, ticket *domain.Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prepareNew(ticket, r.now())
	r.tickets[ticket.ID] = ticket.Clone()
	return nil
}

func (r *memoryTicketRepository) GetByID(_ context.Context, id string) (*domain.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ticket, ok := r.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ticket.Clone(), nil
}

func (r *memoryTicketRepository) List(_ context.Context, filter TicketFilter) ([]domain.Ticket, error) {
	filter = filter.normalized()
	r.mu.RLock()
	all := make([]domain.Ticket, 0, len(r.tickets))
	for _, ticket := range r.tickets {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, ticket.Status) {
			continue
		}
		all = append(all, *ticket.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if filter.Offset >= len(all) {
		return []domain.Ticket{}, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[filter.Offset:end], nil
}

func (r *memoryTicketRepository) Update(_ context.Context, id string, patch domain.TicketPatch) (*domain.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	working := stored.Clone()
	now := r.now()
	previous, err := working.Apply(patch, now)
	if err != nil {
		return nil, err
	}
	r.tickets[id] = working
	if previous != working.Status {
		r.history[id] = append(r.history[id], newHistory(id, previous, working.Status, now))
	}
	return working.Clone(), nil
}

func (r *memoryTicketRepository) ListHistory(_ context.Context, ticketID string) ([]domain.TicketHistory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.tickets[ticketID]; !ok {
		return nil, ErrNotFound
	}
	return append([]domain.TicketHistory{}, r.history[ticketID]...), nil
}
