package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db *sql.DB
}

var _ Journal = (*SQLiteJournal)(nil)

// NewSQLite opens (or creates) the journal database at dbPath.
func NewSQLite(dbPath string) (*SQLiteJournal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets the stats endpoint read while connections write.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	j := &SQLiteJournal{db: db}
	if err := j.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return j, nil
}

func (j *SQLiteJournal) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		remote_addr TEXT NOT NULL,
		provider TEXT NOT NULL,
		opened_at INTEGER NOT NULL,
		closed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_connections_open ON connections(closed_at) WHERE closed_at IS NULL;

	CREATE TABLE IF NOT EXISTS exchanges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		reply TEXT NOT NULL,
		sentences INTEGER NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		started_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_exchanges_connection ON exchanges(connection_id);
	`
	if _, err := j.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (j *SQLiteJournal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// OpenConnection records a newly accepted connection.
func (j *SQLiteJournal) OpenConnection(ctx context.Context, c Connection) error {
	query := `
	INSERT INTO connections (id, session_id, remote_addr, provider, opened_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`

	return withRetry(ctx, "open connection", func() error {
		_, err := j.db.ExecContext(ctx, query, c.ID, c.SessionID, c.RemoteAddr, c.Provider, c.OpenedAt.UnixMilli())
		return err
	})
}

// CloseConnection stamps the close time of a connection.
func (j *SQLiteJournal) CloseConnection(ctx context.Context, id string, closedAt time.Time) error {
	query := `UPDATE connections SET closed_at = ? WHERE id = ? AND closed_at IS NULL`

	return withRetry(ctx, "close connection", func() error {
		_, err := j.db.ExecContext(ctx, query, closedAt.UnixMilli(), id)
		return err
	})
}

// RecordExchange stores the outcome of one prompt cycle.
func (j *SQLiteJournal) RecordExchange(ctx context.Context, e Exchange) error {
	query := `
	INSERT INTO exchanges (connection_id, prompt, reply, sentences, status, error, started_at, duration_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	var errText interface{}
	if e.Error != "" {
		errText = e.Error
	}

	return withRetry(ctx, "record exchange", func() error {
		_, err := j.db.ExecContext(ctx, query,
			e.ConnectionID, e.Prompt, e.Reply, e.Sentences, string(e.Status), errText,
			e.StartedAt.UnixMilli(), e.Duration.Milliseconds(),
		)
		return err
	})
}

// Stats returns aggregate counters.
func (j *SQLiteJournal) Stats(ctx context.Context) (Stats, error) {
	query := `
	SELECT
		(SELECT COUNT(*) FROM connections),
		(SELECT COUNT(*) FROM connections WHERE closed_at IS NULL),
		(SELECT COUNT(*) FROM exchanges),
		(SELECT COUNT(*) FROM exchanges WHERE status != ?)`

	var s Stats
	err := j.db.QueryRowContext(ctx, query, string(StatusOK)).Scan(
		&s.Connections, &s.ActiveConnections, &s.Exchanges, &s.FailedExchanges,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return s, nil
}

// Exchanges returns the exchanges recorded for a connection, oldest first.
func (j *SQLiteJournal) Exchanges(ctx context.Context, connectionID string) ([]Exchange, error) {
	query := `
	SELECT prompt, reply, sentences, status, COALESCE(error, ''), started_at, duration_ms
	FROM exchanges WHERE connection_id = ? ORDER BY id`

	rows, err := j.db.QueryContext(ctx, query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Debug("Failed to close exchange rows", "error", closeErr)
		}
	}()

	var out []Exchange
	for rows.Next() {
		var e Exchange
		var status string
		var startedAt, durationMs int64
		if err := rows.Scan(&e.Prompt, &e.Reply, &e.Sentences, &status, &e.Error, &startedAt, &durationMs); err != nil {
			return nil, fmt.Errorf("scan exchange row: %w", err)
		}
		e.ConnectionID = connectionID
		e.Status = Status(status)
		e.StartedAt = time.UnixMilli(startedAt)
		e.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// withRetry runs op, retrying with exponential backoff while SQLite reports
// the database as busy or locked.
func withRetry(ctx context.Context, what string, op func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !IsConflictError(err) || i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("Journal write hit a locked database, retrying", "op", what, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

// IsConflictError reports whether err is a SQLITE_BUSY or "database is
// locked" error, both of which are worth retrying.
func IsConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
