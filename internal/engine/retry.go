package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/bpelrt/pkg/schema"
)

// RetryPolicy controls how checkpoint writes are retried.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Delay       time.Duration `json:"delay"`
	Backoff     string        `json:"backoff"` // constant | linear | exponential
	MaxDelay    time.Duration `json:"max_delay"`
}

// DefaultRetryPolicy retries a failed checkpoint four more times with
// exponential backoff starting at 20ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Delay:       20 * time.Millisecond,
		Backoff:     "exponential",
		MaxDelay:    time.Second,
	}
}

// IsRetryableError classifies whether a store error should be retried.
// Retryable by default: busy databases, network errors, timeouts.
// Non-retryable: cancelled contexts and typed errors with non-retryable codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Cancelled means the engine is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var se *schema.Error
	if errors.As(err, &se) {
		return se.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"database is locked",
		"busy",
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"i/o timeout",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable, the policy limits attempts.
	return true
}

// ComputeBackoff calculates the delay before retry number attempt (0-based).
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.Delay <= 0 {
		return 0
	}
	base := policy.Delay

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		// 2^attempt * base
		multiplier := time.Duration(1)
		for i := 0; i < attempt && i < 30; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	case "linear":
		delay = base * time.Duration(attempt+1)
	default: // "constant" or empty
		delay = base
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withRetry runs fn until it succeeds, fails with a non-retryable error or
// the policy runs out of attempts. It returns the last error.
func withRetry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := max(policy.MaxAttempts, 1)
	var err error
	for attempt := range attempts {
		if err = fn(ctx); err == nil || !IsRetryableError(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		if werr := WaitForBackoff(ctx, ComputeBackoff(policy, attempt)); werr != nil {
			return err
		}
	}
	return err
}
