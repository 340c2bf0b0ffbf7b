package mcp

import (
	"context"
	"math/rand/v2"
	"time"
)

// BackoffStrategy selects how the delay between retry attempts grows.
type BackoffStrategy int

// Backoff strategies. BackoffCustom delegates to RetryPolicy.BackoffFunc;
// the other arms keep the policy serializable.
const (
	BackoffExponential BackoffStrategy = iota
	BackoffLinear
	BackoffConstant
	BackoffCustom
)

// RetryPolicy governs retried operations: how many attempts to make and how
// long to sleep between them. The sleep before attempt n+1 is
// min(MaxDelay, backoff(n, BaseDelay) ± jitter) where jitter is drawn
// uniformly from [-JitterFraction, +JitterFraction] of the computed delay.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
	Backoff        BackoffStrategy

	// BackoffFunc computes the raw delay for BackoffCustom. attempt is
	// 1-based.
	BackoffFunc func(attempt int, base time.Duration) time.Duration
}

var defaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	BaseDelay:      500 * time.Millisecond,
	MaxDelay:       10 * time.Second,
	JitterFraction: 0.2,
	Backoff:        BackoffExponential,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaultRetryPolicy.MaxAttempts
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = defaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = defaultRetryPolicy.MaxDelay
	}
	if p.JitterFraction == 0 {
		p.JitterFraction = defaultRetryPolicy.JitterFraction
	}
	return p
}

// delay computes the sleep before the next attempt. attempt is 1-based.
func (p RetryPolicy) delay(attempt int) time.Duration {
	var d time.Duration
	switch p.Backoff {
	case BackoffExponential:
		d = p.BaseDelay << (attempt - 1)
	case BackoffLinear:
		d = p.BaseDelay * time.Duration(attempt)
	case BackoffConstant:
		d = p.BaseDelay
	case BackoffCustom:
		if p.BackoffFunc == nil {
			d = p.BaseDelay
			break
		}
		d = p.BackoffFunc(attempt, p.BaseDelay)
	}

	if p.JitterFraction > 0 {
		jit := (rand.Float64()*2 - 1) * p.JitterFraction * float64(d)
		d += time.Duration(jit)
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// WithTimeout races op against duration. On expiry the op's context is
// cancelled and a TimeoutError naming the operation is returned; otherwise
// the op's own result wins.
func WithTimeout[T any](ctx context.Context, name string, duration time.Duration, op func(context.Context) (T, error)) (T, error) {
	opCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	results := make(chan outcome, 1)

	go func() {
		val, err := op(opCtx)
		results <- outcome{val: val, err: err}
	}()

	select {
	case <-opCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, &TimeoutError{Op: name, Duration: duration}
	case res := <-results:
		return res.val, res.err
	}
}

// WithRetry runs op up to policy.MaxAttempts times, sleeping between attempts
// according to the policy's backoff and jitter. The final failure is wrapped
// in an OperationFailedError; context cancellation aborts the loop
// immediately and surfaces the context's error.
func WithRetry[T any](ctx context.Context, policy RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	policy = policy.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		val, err := op(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if attempt == policy.MaxAttempts {
			break
		}

		timer := time.NewTimer(policy.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	var zero T
	return zero, &OperationFailedError{Err: lastErr}
}
