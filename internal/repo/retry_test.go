package repo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestWithRetryRetriesTransient(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("network blip: %w", ErrTransient)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestWithRetryStopsOnFatal(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return fmt.Errorf("bad credentials: %w", ErrAuth)
	})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if calls != 1 {
		t.Errorf("fatal error must not be retried, got %d calls", calls)
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return ErrTransient
	})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestWithRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithRetry(ctx, 5, time.Minute, func() error {
		return ErrTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	if !IsRetryable(fmt.Errorf("wrap: %w", ErrTimeout)) {
		t.Error("timeouts should be retryable")
	}
	if IsRetryable(ErrAuth) {
		t.Error("auth failures must not be retryable")
	}
	if !IsFatal(fmt.Errorf("wrap: %w", ErrAuth)) {
		t.Error("auth failures are fatal")
	}
	if IsFatal(nil) || IsRetryable(nil) {
		t.Error("nil is neither fatal nor retryable")
	}
}
