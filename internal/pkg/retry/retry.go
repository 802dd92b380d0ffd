// Package retry runs startup and delivery operations with capped exponential backoff.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// MaxBackoff caps the delay between attempts.
const MaxBackoff = 16 * time.Second

// Do calls fn up to attempts times, sleeping Backoff(n) between failures.
// It stops early when ctx is done.
func Do(ctx context.Context, what string, attempts int, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lastErr = fn(ctx); lastErr == nil {
			if attempt > 1 {
				slog.Info(what+" succeeded", "attempts", attempt)
			}
			return nil
		}

		if attempt == attempts {
			break
		}

		backoff := Backoff(attempt)
		slog.Warn(what+" failed, retrying",
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff", backoff,
			"error", lastErr,
		)
		if !Sleep(ctx, backoff) {
			return fmt.Errorf("%s cancelled: %w", what, ctx.Err())
		}
	}

	return fmt.Errorf("%s after %d attempts: %w", what, attempts, lastErr)
}

// Backoff returns 1s, 2s, 4s ... for attempt 1, 2, 3 ..., capped at MaxBackoff.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 5 {
		return MaxBackoff
	}
	return min(time.Duration(1<<(attempt-1))*time.Second, MaxBackoff)
}

// Sleep waits for d or until ctx is done. It returns false if ctx ended first.
func Sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
