package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/spec-kit/triage-service/internal/domain"
)

type sqliteTicketRepository struct {
	pool *sqlitex.Pool
	now  func() time.Time
}

// NewSQLiteTicketRepository builds a repository over a zombiezen pool whose
// connections already carry the schema.
func NewSQLiteTicketRepository(pool *sqlitex.Pool) TicketRepository {
	return &sqliteTicketRepository{pool: pool, now: monotonicNow()}
}

const sqliteSelectTicket = `
        SELECT id, content, status, category, urgency, sentiment, draft_reply, final_reply, error, created_at, updated_at
        FROM tickets`

func (r *sqliteTicketRepository) Create(ctx context.Context, ticket *domain.Ticket) error {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("take conn: %w", err)
	}
	defer r.pool.Put(conn)

	prepareNew(ticket, r.now())
	err = sqlitex.Execute(conn, `
        INSERT INTO tickets (id, content, status, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			ticket.ID,
			ticket.Content,
			string(ticket.Status),
			ticket.CreatedAt.UnixNano(),
			ticket.UpdatedAt.UnixNano(),
		}})
	if err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}
	return nil
}

func (r *sqliteTicketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("take conn: %w", err)
	}
	defer r.pool.Put(conn)
	return sqliteGet(conn, id)
}

func sqliteGet(conn *sqlite.Conn, id string) (*domain.Ticket, error) {
	var found *domain.Ticket
	err := sqlitex.Execute(conn, sqliteSelectTicket+" WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ticket, err := scanSQLiteTicket(stmt)
			if err != nil {
				return err
			}
			found = ticket
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (r *sqliteTicketRepository) List(ctx context.Context, filter TicketFilter) ([]domain.Ticket, error) {
	filter = filter.normalized()
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("take conn: %w", err)
	}
	defer r.pool.Put(conn)

	query := sqliteSelectTicket
	args := []any{}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += fmt.Sprintf(" WHERE status IN (%s)", strings.Join(placeholders, ","))
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	result := []domain.Ticket{}
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ticket, err := scanSQLiteTicket(stmt)
			if err != nil {
				return err
			}
			result = append(result, *ticket)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	return result, nil
}

func (r *sqliteTicketRepository) Update(ctx context.Context, id string, patch domain.TicketPatch) (_ *domain.Ticket, err error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("take conn: %w", err)
	}
	defer r.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer endTransaction(&err)

	ticket, err := sqliteGet(conn, id)
	if err != nil {
		return nil, err
	}

	now := r.now()
	previous, err := ticket.Apply(patch, now)
	if err != nil {
		return nil, err
	}

	var errorJSON any
	if ticket.Error != nil {
		raw, err := json.Marshal(ticket.Error)
		if err != nil {
			return nil, fmt.Errorf("encode error detail: %w", err)
		}
		errorJSON = string(raw)
	}

	err = sqlitex.Execute(conn, `
        UPDATE tickets SET status = ?, category = ?, urgency = ?, sentiment = ?, draft_reply = ?,
            final_reply = ?, error = ?, updated_at = ?
        WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{
			string(ticket.Status),
			nullable((*string)(ticket.Category)),
			nullable((*string)(ticket.Urgency)),
			nullable(ticket.Sentiment),
			nullable(ticket.DraftReply),
			nullable(ticket.FinalReply),
			errorJSON,
			ticket.UpdatedAt.UnixNano(),
			ticket.ID,
		}})
	if err != nil {
		return nil, fmt.Errorf("update ticket: %w", err)
	}

	if previous != ticket.Status {
		history := newHistory(ticket.ID, previous, ticket.Status, now)
		err = sqlitex.Execute(conn, `
            INSERT INTO ticket_history (id, ticket_id, from_status, to_status, created_at)
            VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				history.ID,
				history.TicketID,
				string(history.FromStatus),
				string(history.ToStatus),
				history.CreatedAt.UnixNano(),
			}})
		if err != nil {
			return nil, fmt.Errorf("insert history: %w", err)
		}
	}
	return ticket, nil
}

func (r *sqliteTicketRepository) ListHistory(ctx context.Context, ticketID string) ([]domain.TicketHistory, error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("take conn: %w", err)
	}
	defer r.pool.Put(conn)

	if _, err := sqliteGet(conn, ticketID); err != nil {
		return nil, err
	}

	result := []domain.TicketHistory{}
	err = sqlitex.Execute(conn, `
        SELECT id, ticket_id, from_status, to_status, created_at
        FROM ticket_history WHERE ticket_id = ? ORDER BY created_at ASC`,
		&sqlitex.ExecOptions{
			Args: []any{ticketID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				result = append(result, domain.TicketHistory{
					ID:         stmt.ColumnText(0),
					TicketID:   stmt.ColumnText(1),
					FromStatus: domain.TicketStatus(stmt.ColumnText(2)),
					ToStatus:   domain.TicketStatus(stmt.ColumnText(3)),
					CreatedAt:  time.Unix(0, stmt.ColumnInt64(4)).UTC(),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return result, nil
}

func scanSQLiteTicket(stmt *sqlite.Stmt) (*domain.Ticket, error) {
	ticket := &domain.Ticket{
		ID:        stmt.ColumnText(0),
		Content:   stmt.ColumnText(1),
		Status:    domain.TicketStatus(stmt.ColumnText(2)),
		CreatedAt: time.Unix(0, stmt.ColumnInt64(9)).UTC(),
		UpdatedAt: time.Unix(0, stmt.ColumnInt64(10)).UTC(),
	}
	if text, ok := columnText(stmt, 3); ok {
		c := domain.Category(text)
		ticket.Category = &c
	}
	if text, ok := columnText(stmt, 4); ok {
		u := domain.Urgency(text)
		ticket.Urgency = &u
	}
	if stmt.ColumnType(5) != sqlite.TypeNull {
		s := stmt.ColumnInt(5)
		ticket.Sentiment = &s
	}
	if text, ok := columnText(stmt, 6); ok {
		ticket.DraftReply = &text
	}
	if text, ok := columnText(stmt, 7); ok {
		ticket.FinalReply = &text
	}
	if text, ok := columnText(stmt, 8); ok {
		var detail domain.FailureDetail
		if err := json.Unmarshal([]byte(text), &detail); err != nil {
			return nil, fmt.Errorf("decode error detail: %w", err)
		}
		ticket.Error = &detail
	}
	return ticket, nil
}

func columnText(stmt *sqlite.Stmt, col int) (string, bool) {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return "", false
	}
	return stmt.ColumnText(col), true
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
