package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/triage-service/internal/domain"
)

// ErrNotFound is returned when no ticket exists with the requested id.
var ErrNotFound = errors.New("ticket not found")

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// TicketFilter captures listing parameters.
type TicketFilter struct {
	Statuses []domain.TicketStatus
	Limit    int
	Offset   int
}

func (f TicketFilter) normalized() TicketFilter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// TicketRepository encapsulates ticket persistence.
//
// Update loads the ticket, validates the patch against the status graph and
// writes it atomically; implementations record a history entry whenever the
// status changes.
type TicketRepository interface {
	Create(ctx context.Context, ticket *domain.Ticket) error
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)
	List(ctx context.Context, filter TicketFilter) ([]domain.Ticket, error)
	Update(ctx context.Context, id string, patch domain.TicketPatch) (*domain.Ticket, error)
	ListHistory(ctx context.Context, ticketID string) ([]domain.TicketHistory, error)
}

// monotonicNow returns a UTC clock that never repeats a reading, so
// newest-first listing stays stable for tickets created in the same instant.
func monotonicNow() func() time.Time {
	var (
		mu   sync.Mutex
		last time.Time
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now().UTC().Truncate(time.Microsecond)
		if !now.After(last) {
			now = last.Add(time.Microsecond)
		}
		last = now
		return now
	}
}

// prepareNew fills server-assigned fields of a ticket being created.
func prepareNew(ticket *domain.Ticket, now time.Time) {
	if ticket.ID == "" {
		ticket.ID = uuid.NewString()
	}
	ticket.Status = domain.TicketStatusPending
	ticket.CreatedAt = now
	ticket.UpdatedAt = now
}

type ticketRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewTicketRepository instantiates the Postgres repository.
func NewTicketRepository(pool *pgxpool.Pool) TicketRepository {
	return &ticketRepository{pool: pool, now: monotonicNow()}
}

const selectTicket = `
        SELECT id, content, status, category, urgency, sentiment, draft_reply, final_reply, error, created_at, updated_at
        FROM tickets`

func (r *ticketRepository) Create(ctx context.Context, ticket *domain.Ticket) error {
	prepareNew(ticket, r.now())
	const query = `
        INSERT INTO tickets (id, content, status, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5)`
	if _, err := r.pool.Exec(ctx, query,
		ticket.ID,
		ticket.Content,
		string(ticket.Status),
		ticket.CreatedAt,
		ticket.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}
	return nil
}

func (r *ticketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	ticket, err := scanTicket(r.pool.QueryRow(ctx, selectTicket+" WHERE id=$1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return ticket, nil
}

func (r *ticketRepository) List(ctx context.Context, filter TicketFilter) ([]domain.Ticket, error) {
	filter = filter.normalized()
	clauses := []string{"1=1"}
	args := []any{}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			args = append(args, string(status))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}

	query := fmt.Sprintf(`%s WHERE %s ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d`,
		selectTicket, strings.Join(clauses, " AND "), filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	result := []domain.Ticket{}
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		result = append(result, *ticket)
	}
	return result, rows.Err()
}

func (r *ticketRepository) Update(ctx context.Context, id string, patch domain.TicketPatch) (*domain.Ticket, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	ticket, err := scanTicket(tx.QueryRow(ctx, selectTicket+" WHERE id=$1 FOR UPDATE", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock ticket: %w", err)
	}

	now := r.now()
	previous, err := ticket.Apply(patch, now)
	if err != nil {
		return nil, err
	}

	var errorJSON []byte
	if ticket.Error != nil {
		if errorJSON, err = json.Marshal(ticket.Error); err != nil {
			return nil, fmt.Errorf("encode error detail: %w", err)
		}
	}

	const query = `
        UPDATE tickets SET status=$2, category=$3, urgency=$4, sentiment=$5, draft_reply=$6,
            final_reply=$7, error=$8, updated_at=$9
        WHERE id=$1`
	cmd, err := tx.Exec(ctx, query,
		ticket.ID,
		string(ticket.Status),
		(*string)(ticket.Category),
		(*string)(ticket.Urgency),
		ticket.Sentiment,
		ticket.DraftReply,
		ticket.FinalReply,
		errorJSON,
		ticket.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update ticket: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	if previous != ticket.Status {
		if err := insertHistory(ctx, tx, newHistory(ticket.ID, previous, ticket.Status, now)); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ticket, nil
}

func (r *ticketRepository) ListHistory(ctx context.Context, ticketID string) ([]domain.TicketHistory, error) {
	return listHistory(ctx, r.pool, ticketID)
}

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var (
		ticket     domain.Ticket
		status     string
		category   *string
		urgency    *string
		sentiment  *int32
		errorBytes []byte
	)
	if err := row.Scan(
		&ticket.ID,
		&ticket.Content,
		&status,
		&category,
		&urgency,
		&sentiment,
		&ticket.DraftReply,
		&ticket.FinalReply,
		&errorBytes,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
	); err != nil {
		return nil, err
	}
	ticket.Status = domain.TicketStatus(status)
	if category != nil {
		c := domain.Category(*category)
		ticket.Category = &c
	}
	if urgency != nil {
		u := domain.Urgency(*urgency)
		ticket.Urgency = &u
	}
	if sentiment != nil {
		s := int(*sentiment)
		ticket.Sentiment = &s
	}
	if len(errorBytes) > 0 {
		var detail domain.FailureDetail
		if err := json.Unmarshal(errorBytes, &detail); err != nil {
			return nil, fmt.Errorf("decode error detail: %w", err)
		}
		ticket.Error = &detail
	}
	return &ticket, nil
}
