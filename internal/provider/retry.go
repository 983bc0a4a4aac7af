package provider

import (
	"context"
	"time"

	"github.com/shadowsift/shadowsift/internal/logx"
)

// RetryPolicy controls backoff for transient provider errors.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy retries 4 times with delays 1s, 2s, 4s, capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 4, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

// withRetry runs fn, retrying transient failures with exponential backoff.
// Non-transient errors return immediately; on exhaustion the last transient
// error is surfaced rather than a partial result.
func withRetry[T any](ctx context.Context, policy RetryPolicy, op string, fn func() (T, error)) (T, error) {
	var zero T
	delay := policy.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		if !IsTransient(err) {
			return zero, err
		}
		lastErr = err
		if attempt == policy.Attempts {
			break
		}

		logx.Warnf("%s: transient error (attempt %d/%d), retrying in %s: %v", op, attempt, policy.Attempts, delay, err)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return zero, lastErr
}
