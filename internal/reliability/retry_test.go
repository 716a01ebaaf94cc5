package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return New(KindStreaming, "gateway", "transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestDoStopsOnTerminalError(t *testing.T) {
	attempts := 0
	terminal := New(KindValidation, "gateway", "bad request")
	err := Do(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(context.Context) error {
		attempts++
		return terminal
	})
	if !errors.Is(err, terminal) {
		t.Fatalf("Do() error = %v, want the terminal error", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 for a non-retryable error", attempts)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{MaxAttempts: 4, BaseDelay: time.Millisecond}, func(context.Context) error {
		attempts++
		return New(KindAckTimeout, "session", "still waiting")
	})
	if KindOf(err) != KindAckTimeout {
		t.Fatalf("Do() error kind = %v, want ack_timeout", KindOf(err))
	}
	if attempts != 4 {
		t.Fatalf("attempts = %d, want 4", attempts)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Do(ctx, Policy{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond}, func(context.Context) error {
		attempts++
		cancel()
		return New(KindStreaming, "gateway", "transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 before the canceled backoff", attempts)
	}
}
