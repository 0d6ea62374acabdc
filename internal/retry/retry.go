// Package retry provides a bounded retry loop with exponential backoff and
// jitter. Adapters and the cache manager wrap their backend calls in it;
// ShouldRetry keeps permanent errors from burning attempts.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy controls the loop. Zero values fall back to the defaults in
// normalize; a nil ShouldRetry retries everything.
type Policy struct {
	// Attempts is the total number of attempts, including the first.
	Attempts int

	// BaseDelay is the sleep after the first failed attempt; each further
	// failure doubles it up to MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Jitter multiplies each delay by a uniform random factor in [0,1).
	Jitter bool

	// ShouldRetry decides whether an error is worth another attempt.
	ShouldRetry func(error) bool

	// OnRetry is invoked after every failed attempt that will be retried,
	// with the 1-based attempt number. Used for metrics.
	OnRetry func(attempt int, err error)
}

func (p Policy) normalized() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 50 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	return p
}

// Do runs fn up to p.Attempts times. It returns nil on the first success,
// the last error when attempts are exhausted or ShouldRetry rejects it, and
// the context error when cancelled mid-backoff.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = p.normalized()

	var lastErr error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return abortErr(err, lastErr)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if p.ShouldRetry != nil && !p.ShouldRetry(lastErr) {
			return lastErr
		}
		if attempt == p.Attempts-1 {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt+1, lastErr)
		}

		select {
		case <-time.After(backoffDelay(p, attempt)):
		case <-ctx.Done():
			return abortErr(ctx.Err(), lastErr)
		}
	}
	return lastErr
}

// DoValue is Do for functions that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// backoffDelay computes the sleep before the next attempt (0-based).
func backoffDelay(p Policy, attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter {
		d = time.Duration(rand.Float64() * float64(d))
	}
	return d
}

func abortErr(ctxErr, lastErr error) error {
	if lastErr == nil {
		return ctxErr
	}
	return fmt.Errorf("%w (last attempt: %v)", ctxErr, lastErr)
}
