// Package journal records connections and prompt exchanges for auditing.
// Entries are write-only from the relay's point of view; conversation history
// is never restored from them.
package journal

import (
	"context"
	"time"
)

// Status describes how a prompt cycle ended.
type Status string

const (
	// StatusOK marks a cycle whose reply was fully delivered and committed.
	StatusOK Status = "ok"
	// StatusFailed marks a cycle aborted by a backend error.
	StatusFailed Status = "failed"
	// StatusAborted marks a cycle cut short by the client or transport.
	StatusAborted Status = "aborted"
)

// Connection describes one client connection.
type Connection struct {
	ID         string
	SessionID  string
	RemoteAddr string
	Provider   string
	OpenedAt   time.Time
}

// Exchange describes one prompt cycle.
type Exchange struct {
	ConnectionID string
	Prompt       string
	Reply        string
	Sentences    int
	Status       Status
	Error        string
	StartedAt    time.Time
	Duration     time.Duration
}

// Stats are aggregate counters over the journal.
type Stats struct {
	Connections       int64 `json:"connections"`
	ActiveConnections int64 `json:"active_connections"`
	Exchanges         int64 `json:"exchanges"`
	FailedExchanges   int64 `json:"failed_exchanges"`
}

// Journal persists connection and exchange records.
type Journal interface {
	// OpenConnection records a newly accepted connection.
	OpenConnection(ctx context.Context, c Connection) error

	// CloseConnection stamps the close time of a connection.
	CloseConnection(ctx context.Context, id string, closedAt time.Time) error

	// RecordExchange stores the outcome of one prompt cycle.
	RecordExchange(ctx context.Context, e Exchange) error

	// Stats returns aggregate counters.
	Stats(ctx context.Context) (Stats, error)

	// Ping verifies the journal is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying storage.
	Close() error
}

// Noop is a Journal that discards everything.
type Noop struct{}

var _ Journal = Noop{}

// OpenConnection implements Journal.
func (Noop) OpenConnection(context.Context, Connection) error { return nil }

// CloseConnection implements Journal.
func (Noop) CloseConnection(context.Context, string, time.Time) error { return nil }

// RecordExchange implements Journal.
func (Noop) RecordExchange(context.Context, Exchange) error { return nil }

// Stats implements Journal.
func (Noop) Stats(context.Context) (Stats, error) { return Stats{}, nil }

// Ping implements Journal.
func (Noop) Ping(context.Context) error { return nil }

// Close implements Journal.
func (Noop) Close() error { return nil }
