package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff calculates the delay for the given attempt using exponential
// backoff with full jitter. The result is clamped to [0, maxDelay].
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := maxDelay
	if raw := float64(base) * math.Pow(2, float64(attempt)); raw < float64(maxDelay) {
		delay = time.Duration(raw)
	}
	if delay > 0 {
		delay = time.Duration(rand.Int64N(int64(delay)))
	}
	return delay
}

// Sleep waits for d, returning ctx.Err() early if the context is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
