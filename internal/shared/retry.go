package shared

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// conflictRetries bounds how often a write is retried on SQLite lock contention.
const conflictRetries = 3

// RetryOnConflict runs op, retrying with exponential backoff (50ms, 100ms, ...)
// while it fails with a SQLite busy/locked error. Any other error is returned
// immediately.
func RetryOnConflict[T any](ctx context.Context, name string, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op()
		if err != nil && !IsSQLiteConflictError(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(conflictRetries),
		backoff.WithNotify(func(err error, delay time.Duration) {
			slog.Debug("Database locked, retrying",
				"operation", name,
				"attempt", attempt,
				"delay", delay,
				"error", err)
		}),
	)
}
