// Package backoff implements exponential backoff with jitter for retrying
// model calls and gateway requests.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy controls the pause between retry attempts.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps the delay regardless of attempt count.
	Max time.Duration

	// Factor is the per-attempt multiplier.
	Factor float64

	// Jitter is the fraction of the base delay added at random, in [0, 1].
	Jitter float64
}

// Default returns the policy used when the runtime config leaves retries
// unconfigured: 200ms initial, 10s cap, doubling, 20% jitter.
func Default() Policy {
	return Policy{
		Initial: 200 * time.Millisecond,
		Max:     10 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Delay returns the pause before retry number attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64()) // #nosec G404 -- jitter needs no cryptographic randomness
}

func (p Policy) delay(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}

	base := float64(p.Initial) * math.Pow(factor, float64(attempt-1))
	d := base + base*p.Jitter*r
	if cap := float64(p.Max); p.Max > 0 && d > cap {
		d = cap
	}
	return time.Duration(d)
}

// Sleep pauses for the attempt's delay, returning early with the context's
// error on cancellation.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn until it succeeds or maxAttempts is exhausted, pausing
// between attempts per the policy. Context cancellation is honored between
// attempts; the final error wraps the last failure.
func Retry[T any](ctx context.Context, p Policy, maxAttempts int, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := fn(ctx, attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if attempt < maxAttempts {
			if err := p.Sleep(ctx, attempt); err != nil {
				return zero, err
			}
		}
	}
	return zero, fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}
