package mcp

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := time.Second

	testCases := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{
			name:    "exponential first attempt",
			policy:  RetryPolicy{BaseDelay: base, MaxDelay: maxDelay, Backoff: BackoffExponential},
			attempt: 1,
			want:    base,
		},
		{
			name:    "exponential third attempt",
			policy:  RetryPolicy{BaseDelay: base, MaxDelay: maxDelay, Backoff: BackoffExponential},
			attempt: 3,
			want:    400 * time.Millisecond,
		},
		{
			name:    "exponential capped at max",
			policy:  RetryPolicy{BaseDelay: base, MaxDelay: maxDelay, Backoff: BackoffExponential},
			attempt: 10,
			want:    maxDelay,
		},
		{
			name:    "linear",
			policy:  RetryPolicy{BaseDelay: base, MaxDelay: maxDelay, Backoff: BackoffLinear},
			attempt: 3,
			want:    300 * time.Millisecond,
		},
		{
			name:    "constant",
			policy:  RetryPolicy{BaseDelay: base, MaxDelay: maxDelay, Backoff: BackoffConstant},
			attempt: 5,
			want:    base,
		},
		{
			name: "custom",
			policy: RetryPolicy{
				BaseDelay: base,
				MaxDelay:  maxDelay,
				Backoff:   BackoffCustom,
				BackoffFunc: func(attempt int, b time.Duration) time.Duration {
					return b * time.Duration(attempt*attempt)
				},
			},
			attempt: 2,
			want:    400 * time.Millisecond,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// JitterFraction is left zero so delays are deterministic.
			if got := tc.policy.delay(tc.attempt); got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRetryPolicyDelayJitterBounds(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       time.Second,
		JitterFraction: 0.5,
		Backoff:        BackoffConstant,
	}

	for range 100 {
		d := policy.delay(1)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("delay %s outside jitter bounds", d)
		}
	}
}

func TestWithTimeoutOpWins(t *testing.T) {
	got, err := WithTimeout(context.Background(), "fast op", time.Second, func(context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Errorf("got %d, want 42", got)
	}
}

func TestWithTimeoutTimerWins(t *testing.T) {
	_, err := WithTimeout(context.Background(), "slow op", 20*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.Op != "slow op" {
		t.Errorf("got op %q, want %q", te.Op, "slow op")
	}
}

func TestWithRetrySucceedsAfterFailures(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Backoff:     BackoffConstant,
	}

	attempts := 0
	got, err := WithRetry(context.Background(), policy, func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("got %q, want %q", got, "ok")
	}
	if attempts != 3 {
		t.Errorf("got %d attempts, want 3", attempts)
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Backoff:     BackoffConstant,
	}

	permanent := errors.New("permanent")
	attempts := 0
	_, err := WithRetry(context.Background(), policy, func(context.Context) (string, error) {
		attempts++
		return "", permanent
	})

	var ofe *OperationFailedError
	if !errors.As(err, &ofe) {
		t.Fatalf("expected OperationFailedError, got %v", err)
	}
	if !errors.Is(err, permanent) {
		t.Errorf("final error does not wrap the last failure: %v", err)
	}
	if attempts != 2 {
		t.Errorf("got %d attempts, want 2", attempts)
	}
}

func TestWithRetryContextCancellation(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   time.Hour,
		MaxDelay:    time.Hour,
		Backoff:     BackoffConstant,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := WithRetry(ctx, policy, func(context.Context) (string, error) {
		return "", errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
