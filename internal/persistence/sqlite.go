package persistence

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/spec-kit/triage-service/internal/config"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tickets (
    id          TEXT PRIMARY KEY,
    content     TEXT NOT NULL,
    status      TEXT NOT NULL,
    category    TEXT,
    urgency     TEXT,
    sentiment   INTEGER,
    draft_reply TEXT,
    final_reply TEXT,
    error       TEXT,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS tickets_created_at_idx ON tickets (created_at DESC);
CREATE INDEX IF NOT EXISTS tickets_status_idx ON tickets (status);

CREATE TABLE IF NOT EXISTS ticket_history (
    id          TEXT PRIMARY KEY,
    ticket_id   TEXT NOT NULL REFERENCES tickets(id),
    from_status TEXT NOT NULL,
    to_status   TEXT NOT NULL,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ticket_history_ticket_idx ON ticket_history (ticket_id, created_at);
`

// SQLite wraps a zombiezen connection pool.
type SQLite struct {
	Pool *sqlitex.Pool
	path string
}

// NewSQLite opens the database file and applies the schema on every new connection.
func NewSQLite(cfg config.SQLiteConfig, logger *zap.Logger) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, errors.New("SQLITE_PATH is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareSQLiteConn,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite pool opened", zap.String("path", cfg.Path), zap.Int("pool_size", poolSize))
	return &SQLite{Pool: pool, path: cfg.Path}, nil
}

func prepareSQLiteConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases pool resources.
func (s *SQLite) Close() {
	if s != nil && s.Pool != nil {
		_ = s.Pool.Close()
	}
}

// Ping checks that a connection can be taken and used.
func (s *SQLite) Ping(ctx context.Context) error {
	if s == nil || s.Pool == nil {
		return errors.New("sqlite not configured")
	}
	conn, err := s.Pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.Pool.Put(conn)
	return sqlitex.ExecuteTransient(conn, "SELECT 1", nil)
}
