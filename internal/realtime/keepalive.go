package realtime

import (
	"context"
	"log/slog"
	"time"
)

// StartKeepalive runs a background goroutine that periodically pings every
// connection so half-open sockets are detected and their presence cleaned up.
func StartKeepalive(ctx context.Context, hub *Hub, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Keepalive worker started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				if dead := hub.PingAll(ctx); dead > 0 {
					slog.Info("Keepalive closed unresponsive connections", "count", dead, "open", hub.Count())
				}
			case <-ctx.Done():
				slog.Info("Keepalive worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
