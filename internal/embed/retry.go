package embed

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// retryPolicy holds bounded exponential backoff settings shared by the
// HTTP providers.
type retryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// permanentError marks a failure that retrying cannot fix, such as a
// rejected API key or malformed input.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// permanent wraps err so withRetry stops immediately.
func permanent(err error) error {
	return &permanentError{err: err}
}

// withRetry runs fn with bounded exponential backoff plus jitter. Once
// attempts are exhausted the last error is wrapped in
// ErrEmbeddingUnavailable so callers can requeue the work.
func withRetry(ctx context.Context, policy retryPolicy, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ErrContextCanceled
			case <-time.After(backoffDelay(policy, attempt)):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return ErrContextCanceled
		}
		lastErr = err
	}

	return errors.Join(ErrEmbeddingUnavailable, lastErr)
}

// backoffDelay computes the delay before the given retry attempt:
// base*2^(n-1) capped at MaxDelay, with up to 25% random jitter so
// concurrent workers do not retry in lockstep.
func backoffDelay(policy retryPolicy, attempt int) time.Duration {
	delay := policy.BaseDelay << uint(attempt-1)
	if delay > policy.MaxDelay || delay <= 0 {
		delay = policy.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}
