package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mesapos/termsync/internal/models"
	"github.com/mesapos/termsync/pkg/metrics"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// LocalStore is the terminal-local SQLite database. It owns the durable
// outbox queue and the persisted terminal identity
type LocalStore struct {
	db         *sql.DB
	maxEntries int
	logger     *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id          TEXT PRIMARY KEY,
	frame       BLOB NOT NULL,
	enqueued_at INTEGER NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// NewLocalStore opens (creating if needed) the terminal database at path.
// maxEntries bounds the outbox; when exceeded the oldest rows are evicted
func NewLocalStore(path string, maxEntries int, logger *slog.Logger) (*LocalStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create local db directory: %v", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local db: %v", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %s: %v", p, err)
		}
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create local schema: %v", err)
	}

	return &LocalStore{db: conn, maxEntries: maxEntries, logger: logger}, nil
}

// EnsureTerminalID returns the persisted terminal identity, generating and
// storing a fresh one on first run. The identity is never rotated afterwards
func (s *LocalStore) EnsureTerminalID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'terminal_id'`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to read terminal identity: %v", err)
	}

	id = models.NewTerminalID()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('terminal_id', ?)`, id); err != nil {
		return "", fmt.Errorf("failed to persist terminal identity: %v", err)
	}

	s.logger.Info("Terminal identity generated", "terminal_id", id)
	return id, nil
}

// Enqueue appends a serialized message to the outbox. ULID keys are
// lexicographically time-ordered, so insertion order is recoverable from a
// plain ORDER BY on the primary key
func (s *LocalStore) Enqueue(ctx context.Context, frame []byte, enqueuedAt int64) error {
	id := ulid.Make().String()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox (id, frame, enqueued_at) VALUES (?, ?, ?)`,
		id, frame, enqueuedAt); err != nil {
		return fmt.Errorf("failed to enqueue message: %v", err)
	}

	evicted, err := s.evictOverflow(ctx)
	if err != nil {
		s.logger.Error("Outbox eviction failed", "error", err)
	} else if evicted > 0 {
		s.logger.Warn("Outbox over capacity, evicted oldest entries",
			"evicted", evicted,
			"cap", s.maxEntries,
		)
		metrics.OutboxEvictions.Add(float64(evicted))
	}

	s.observeBacklog(ctx)
	return nil
}

// evictOverflow deletes the oldest rows beyond the configured cap
func (s *LocalStore) evictOverflow(ctx context.Context) (int64, error) {
	if s.maxEntries <= 0 {
		return 0, nil
	}
	n, err := s.PendingCount(ctx)
	if err != nil || n <= s.maxEntries {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox WHERE id IN (
			SELECT id FROM outbox ORDER BY id ASC LIMIT ?
		)`, n-s.maxEntries)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FetchPending claims up to limit queued messages in FIFO order and bumps
// their attempt counter
func (s *LocalStore) FetchPending(ctx context.Context, limit int) ([]models.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, frame, attempts FROM outbox ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending messages: %v", err)
	}
	defer rows.Close()

	var pending []models.OutboxEntry
	for rows.Next() {
		var p models.OutboxEntry
		if err := rows.Scan(&p.ID, &p.Frame, &p.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %v", err)
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox rows: %v", err)
	}
	rows.Close()

	for _, p := range pending {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE outbox SET attempts = attempts + 1 WHERE id = ?`, p.ID); err != nil {
			return nil, fmt.Errorf("failed to claim outbox row: %v", err)
		}
	}
	return pending, nil
}

// Delete removes a transmitted message from the outbox
func (s *LocalStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete outbox row: %v", err)
	}
	s.observeBacklog(ctx)
	return nil
}

// PendingCount returns the current outbox depth
func (s *LocalStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count outbox rows: %v", err)
	}
	return n, nil
}

func (s *LocalStore) observeBacklog(ctx context.Context) {
	if n, err := s.PendingCount(ctx); err == nil {
		metrics.OutboxDepth.Set(float64(n))
	}
}

// Close releases the underlying database handle
func (s *LocalStore) Close() error {
	return s.db.Close()
}
