package relay

import (
	"context"
	"log/slog"
	"time"
)

// StartIdleReaper runs a background goroutine that periodically closes
// connections idle for longer than ttl. It is a no-op when ttl is zero.
func StartIdleReaper(ctx context.Context, reg *Registry, ttl, interval time.Duration) {
	if ttl <= 0 {
		slog.Info("Idle reaper disabled")
		return
	}
	if interval <= 0 {
		interval = ttl / 2
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Idle reaper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				if closed := reg.CloseIdle(ttl); len(closed) > 0 {
					slog.Info("Idle reaper closed connections", "count", len(closed), "conn_ids", closed)
				}
			case <-ctx.Done():
				slog.Info("Idle reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
