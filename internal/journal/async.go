package journal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultQueueSize bounds the writes waiting for the background worker.
	DefaultQueueSize = 256

	asyncWriteTimeout = 5 * time.Second
	slowWrite         = 100 * time.Millisecond
	drainTimeout      = 5 * time.Second
)

type writeOp struct {
	name string
	fn   func(ctx context.Context) error
}

// Async queues writes to an inner Journal and applies them on a background
// goroutine, in order. When the queue is full the oldest pending write is
// dropped. Reads (Stats, Ping) go straight to the inner journal.
type Async struct {
	inner   Journal
	ops     chan writeOp
	done    chan struct{}
	logger  *slog.Logger
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

var _ Journal = (*Async)(nil)

// NewAsync starts the background writer for inner.
func NewAsync(inner Journal, queueSize int, logger *slog.Logger) *Async {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		inner:  inner,
		ops:    make(chan writeOp, queueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go a.run()
	return a
}

// OpenConnection implements Journal.
func (a *Async) OpenConnection(_ context.Context, c Connection) error {
	a.enqueue("open_connection", func(ctx context.Context) error {
		return a.inner.OpenConnection(ctx, c)
	})
	return nil
}

// CloseConnection implements Journal.
func (a *Async) CloseConnection(_ context.Context, id string, closedAt time.Time) error {
	a.enqueue("close_connection", func(ctx context.Context) error {
		return a.inner.CloseConnection(ctx, id, closedAt)
	})
	return nil
}

// RecordExchange implements Journal.
func (a *Async) RecordExchange(_ context.Context, e Exchange) error {
	a.enqueue("record_exchange", func(ctx context.Context) error {
		return a.inner.RecordExchange(ctx, e)
	})
	return nil
}

// Stats implements Journal.
func (a *Async) Stats(ctx context.Context) (Stats, error) {
	return a.inner.Stats(ctx)
}

// Ping implements Journal.
func (a *Async) Ping(ctx context.Context) error {
	return a.inner.Ping(ctx)
}

// Dropped returns the number of writes discarded under backpressure.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

func (a *Async) enqueue(name string, fn func(context.Context) error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.logger.Debug("Journal closed, dropping write", "op", name)
		return
	}

	op := writeOp{name: name, fn: fn}
	select {
	case a.ops <- op:
		return
	default:
	}

	a.logger.Warn("Journal queue full, dropping oldest write", "queue_len", len(a.ops))
	select {
	case <-a.ops:
		a.dropped.Add(1)
	default:
	}

	select {
	case a.ops <- op:
	default:
		a.dropped.Add(1)
		a.logger.Warn("Failed to queue journal write after backpressure", "op", name)
	}
}

func (a *Async) run() {
	defer close(a.done)

	for op := range a.ops {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), asyncWriteTimeout)
		err := op.fn(ctx)
		cancel()

		if err != nil {
			a.logger.Warn("Journal write failed", "op", op.name, "error", err)
		}
		if d := time.Since(start); d > slowWrite {
			a.logger.Warn("Slow journal write", "op", op.name, "duration_ms", d.Milliseconds())
		}
	}
}

// Close stops accepting writes, flushes the queue and closes the inner journal.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	pending := len(a.ops)
	close(a.ops)
	a.mu.Unlock()

	select {
	case <-a.done:
	case <-time.After(drainTimeout):
		a.logger.Warn("Journal flush timed out", "pending", pending)
	}
	if n := a.Dropped(); n > 0 {
		a.logger.Warn("Journal writes dropped under backpressure", "count", n)
	}
	return a.inner.Close()
}
