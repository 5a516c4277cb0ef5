package repo

import (
	"context"
	"time"
)

// DefaultRetryAttempts bounds automatic retries of transient failures.
const DefaultRetryAttempts = 3

// DefaultRetryBackoff is the initial delay between attempts; it doubles
// on each retry.
const DefaultRetryBackoff = 500 * time.Millisecond

// WithRetry runs fn up to attempts times, backing off between tries.
// Only retryable errors (see IsRetryable) are retried; validation and
// fatal errors surface immediately. The last error is returned when
// every attempt fails.
func WithRetry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
