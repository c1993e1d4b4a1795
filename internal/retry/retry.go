// Package retry runs an operation a bounded number of times, each attempt
// under its own timeout.
package retry

import (
	"context"
	"time"
)

// Policy controls how an operation is retried.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Timeout bounds each attempt. Zero means no per-attempt timeout.
	Timeout time.Duration
	// Backoff is the pause between attempts.
	Backoff time.Duration
	// Retryable decides whether a failed attempt may be retried.
	// Nil retries every error.
	Retryable func(error) bool
}

// Once returns a policy that retries a failed attempt one time.
func Once(timeout time.Duration) Policy {
	return Policy{Attempts: 2, Timeout: timeout}
}

// Do runs fn until it succeeds, the attempts are used up, the error is not
// retryable or ctx is done. It returns the last error.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 && p.Backoff > 0 {
			t := time.NewTimer(p.Backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return err
			case <-t.C:
			}
		}
		err = p.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
	}
	return err
}

func (p Policy) attempt(ctx context.Context, fn func(context.Context) error) error {
	if p.Timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	return fn(ctx)
}
