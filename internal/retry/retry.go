// Package retry implements the generic retry-with-backoff-and-fallback
// helper used by the context preparer and other callers that wrap a single
// logical operation (as opposed to internal/store/sqlitestore's
// retryOnBusy, which retries SQL lock contention specifically).
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// ErrExhausted is wrapped by the error Do returns when an operation runs
// out of retries with no fallback configured; that error also carries the
// last attempt's message. A failing fallback's own error is returned as is.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Options configures Do.
type Options[T any] struct {
	// Retries is the number of attempts. Default 3.
	Retries int
	// BaseDelay is the backoff base. Default 800ms.
	BaseDelay time.Duration
	// Fallback runs once all retries are exhausted. If nil, Do returns the
	// zero value of T wrapped in an ErrExhausted error.
	Fallback func(context.Context) (T, error)
}

// Do runs op, retrying on error with exponential backoff plus jitter.
// Attempt k (1-indexed) sleeps BaseDelay * 2^(k-1) + uniform(0, 300ms)
// before the next try. If every attempt fails, Fallback (if set) is
// invoked; its own failure is logged and (zero, error) is returned. With no
// Fallback, (zero, fmt.Errorf("...: %w", ErrExhausted)) is returned.
func Do[T any](ctx context.Context, name string, opts Options[T], op func(context.Context) (T, error)) (T, error) {
	retries := opts.Retries
	if retries <= 0 {
		retries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 800 * time.Millisecond
	}

	var zero T
	var lastErr error

	for attempt := 1; attempt <= retries; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		var delay time.Duration
		if attempt < retries {
			delay = baseDelay*time.Duration(1<<uint(attempt-1)) + time.Duration(rand.N(int64(300*time.Millisecond)))
		}
		slog.Default().Warn("retry_attempt_failed",
			slog.String("op", name),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", retries),
			slog.Duration("next_delay", delay),
			slog.String("error", err.Error()),
		)

		if attempt == retries {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	if opts.Fallback != nil {
		result, err := opts.Fallback(ctx)
		if err != nil {
			slog.Default().Warn("retry_fallback_failed",
				slog.String("op", name),
				slog.String("error", err.Error()),
			)
			return zero, err
		}
		return result, nil
	}

	return zero, fmt.Errorf("%s: %w: %v", name, ErrExhausted, lastErr)
}
