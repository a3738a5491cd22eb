package embed

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastPolicy() retryPolicy {
	return retryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), fastPolicy(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("transient %d", attempts)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestWithRetryExhaustionIsEmbeddingUnavailable(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), fastPolicy(), func(ctx context.Context) error {
		attempts++
		return errors.New("still down")
	})
	if !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected initial attempt plus 2 retries, got %d", attempts)
	}
}

func TestWithRetryPermanentStopsImmediately(t *testing.T) {
	attempts := 0
	bad := errors.New("invalid api key")
	err := withRetry(context.Background(), fastPolicy(), func(ctx context.Context) error {
		attempts++
		return permanent(bad)
	})
	if !errors.Is(err, bad) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if errors.Is(err, ErrEmbeddingUnavailable) {
		t.Error("permanent errors must not be reported as unavailable")
	}
	if attempts != 1 {
		t.Errorf("expected a single attempt, got %d", attempts)
	}
}

func TestWithRetryContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := withRetry(ctx, fastPolicy(), func(ctx context.Context) error {
		attempts++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, ErrContextCanceled) {
		t.Fatalf("expected ErrContextCanceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected no retries after cancel, got %d attempts", attempts)
	}
}

func TestBackoffDelayBounded(t *testing.T) {
	policy := retryPolicy{
		MaxRetries: 5,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
	}
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffDelay(policy, attempt)
		if d < policy.BaseDelay {
			t.Errorf("attempt %d: delay %v below base", attempt, d)
		}
		if d > policy.MaxDelay+policy.MaxDelay/4 {
			t.Errorf("attempt %d: delay %v exceeds cap plus jitter", attempt, d)
		}
	}
}
