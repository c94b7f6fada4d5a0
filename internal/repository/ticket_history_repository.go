package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/spec-kit/triage-service/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func newHistory(ticketID string, from, to domain.TicketStatus, at time.Time) domain.TicketHistory {
	return domain.TicketHistory{
		ID:         uuid.NewString(),
		TicketID:   ticketID,
		FromStatus: from,
		ToStatus:   to,
		CreatedAt:  at,
	}
}

func insertHistory(ctx context.Context, q querier, history domain.TicketHistory) error {
	const query = `
        INSERT INTO ticket_history (id, ticket_id, from_status, to_status, created_at)
        VALUES ($1,$2,$3,$4,$5)`
	if _, err := q.Exec(ctx, query,
		history.ID,
		history.TicketID,
		string(history.FromStatus),
		string(history.ToStatus),
		history.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func listHistory(ctx context.Context, q querier, ticketID string) ([]domain.TicketHistory, error) {
	const query = `
        SELECT id, ticket_id, from_status, to_status, created_at
        FROM ticket_history WHERE ticket_id=$1 ORDER BY created_at ASC`
	rows, err := q.Query(ctx, query, ticketID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	result := []domain.TicketHistory{}
	for rows.Next() {
		var (
			history  domain.TicketHistory
			from, to string
		)
		if err := rows.Scan(
			&history.ID,
			&history.TicketID,
			&from,
			&to,
			&history.CreatedAt,
		); err != nil {
			return nil, err
		}
		history.FromStatus = domain.TicketStatus(from)
		history.ToStatus = domain.TicketStatus(to)
		result = append(result, history)
	}
	return result, rows.Err()
}
