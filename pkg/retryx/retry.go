// Package retryx is a minimal retry combinator for calls whose
// results become available after a short, bounded delay.
package retryx

import (
	"context"
	"time"
)

// Do invokes fn up to attempts times, sleeping delay between tries.
// It returns the first successful result, or the last error once the
// attempts are exhausted. Context cancellation cuts the wait short and
// returns the context error.
func Do[T any](ctx context.Context, attempts int, delay time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var (
		result  T
		lastErr error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}

		result, lastErr = fn(ctx)
		if lastErr == nil {
			return result, nil
		}
	}
	return result, lastErr
}
