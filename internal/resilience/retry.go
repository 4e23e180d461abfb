package resilience

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy describes a bounded exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries five times over roughly thirty seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// Permanent marks err as non-retryable: Retry returns it unwrapped after the
// attempt that produced it, skipping the remaining attempts.
func Permanent(err error) error {
	return permanentError{err: err}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Retry runs fn up to MaxAttempts times, doubling the delay between attempts
// up to MaxDelay. It returns nil on the first success, the last error after
// exhaustion, or ctx.Err() if the context is cancelled while waiting.
// The attempt count that failed is reported through attempts.
func (p RetryPolicy) Retry(ctx context.Context, fn func() error) (attempts int, err error) {
	delay := p.BaseDelay
	for attempts = 1; ; attempts++ {
		if err = fn(); err == nil {
			return attempts, nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return attempts, perm.err
		}
		if attempts >= p.MaxAttempts {
			return attempts, err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempts, ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
