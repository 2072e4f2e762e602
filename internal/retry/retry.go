// Package retry runs an operation a bounded number of times with a linear
// backoff between attempts.
//
//	err := retry.Do(ctx, retry.Policy{MaxAttempts: 3, Backoff: time.Second}, func(ctx context.Context) error {
//	    return provider.Call(ctx)
//	}, isTransient)
//
// The wait before attempt n+1 is Backoff*n. Cancelling ctx during a wait
// ends the loop with the context error.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is wrapped into the error Do returns after every attempt
// failed with a retryable error.
var ErrExhausted = errors.New("retries exhausted")

// Policy defines how often and how patiently an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of calls, first try included.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// Backoff is the linear step: the wait before attempt n+1 is Backoff*n.
	Backoff time.Duration

	// MaxBackoff caps a single wait. Zero means no cap.
	MaxBackoff time.Duration
}

// DefaultPolicy is three attempts one second apart, then two.
var DefaultPolicy = Policy{MaxAttempts: 3, Backoff: time.Second}

// ShouldRetryFunc reports whether err is transient. A nil ShouldRetryFunc
// retries every error.
type ShouldRetryFunc func(error) bool

// Do calls fn until it succeeds, returns a non-retryable error, the policy
// is exhausted, or ctx is done.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, shouldRetry ShouldRetryFunc) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.wait(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%w: failed after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

func (p Policy) wait(attempt int) time.Duration {
	d := p.Backoff * time.Duration(attempt)
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}
