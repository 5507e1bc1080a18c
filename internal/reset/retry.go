// Package reset drives idempotent device resets with bounded fixed-delay retries
// and fires the daily reset once per calendar date.
package reset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nexus-edge/plant-poller/internal/domain"
)

// Retrier retries an operation a fixed number of times with a fixed delay.
type Retrier struct {
	Attempts int
	Delay    time.Duration
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Standard returns the 3 attempts / 500ms retrier.
func Standard() Retrier {
	return Retrier{Attempts: 3, Delay: 500 * time.Millisecond}
}

// BruteForce returns the 10 attempts / 200ms retrier.
func BruteForce() Retrier {
	return Retrier{Attempts: 10, Delay: 200 * time.Millisecond}
}

// Do runs fn until it succeeds or attempts are exhausted. It returns the number of
// attempts made and, on exhaustion, ErrResetFailed wrapping the last failure.
// An open circuit breaker ends the loop at once.
func (r Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var last error
	for i := 1; i <= attempts; i++ {
		if last = fn(ctx); last == nil {
			return i, nil
		}
		if errors.Is(last, domain.ErrCircuitBreakerOpen) {
			return i, fmt.Errorf("%w: breaker open after %d attempts: %w", domain.ErrResetFailed, i, last)
		}
		if i == attempts {
			break
		}
		if err := sleep(ctx, r.Delay); err != nil {
			return i, fmt.Errorf("%w: interrupted after %d attempts: %w", domain.ErrResetFailed, i, last)
		}
	}
	return attempts, fmt.Errorf("%w: after %d attempts: %w", domain.ErrResetFailed, attempts, last)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
