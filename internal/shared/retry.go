package shared

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy controls RetryOnConflict.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy backs off 100ms, 200ms, 400ms.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond}

// RetryOnConflict runs op, retrying with exponential backoff while it fails
// with a SQLite busy/locked error. Other errors are returned immediately.
func RetryOnConflict(ctx context.Context, policy RetryPolicy, name string, op func() error) error {
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = 1
	}

	var err error
	for i := 0; i < policy.MaxRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !IsSQLiteConflictError(err) || i == policy.MaxRetries-1 {
			break
		}

		delay := policy.BaseDelay * time.Duration(1<<i)
		slog.Debug("SQLite conflict, retrying",
			"op", name,
			"attempt", i+1,
			"delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", name, ctx.Err())
		}
	}

	if IsSQLiteConflictError(err) {
		return fmt.Errorf("%s failed after %d attempts: %w", name, policy.MaxRetries, err)
	}
	return err
}
