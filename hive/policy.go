package hive

import (
	"errors"
	"time"
)

// ErrInvalidRetryPolicy is returned when a retry policy's configuration
// violates its constraints.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// RetryPolicy configures automatic node re-execution after failures.
//
// Backoff is strictly deterministic: no jitter, no wall-clock input. The
// same attempt number always produces the same delay, which is required for
// replaying runs bit-identically.
type RetryPolicy struct {
	// MaxAttempts is the total number of executions allowed, including
	// the first. Must be >= 1; 1 means no retries.
	MaxAttempts int

	// Initial is the delay before the first retry.
	Initial time.Duration

	// Factor multiplies the delay after each retry. 0 or 1 keeps the
	// delay fixed.
	Factor float64

	// Max caps the delay. 0 means no cap.
	Max time.Duration

	// Retryable decides whether an error is worth retrying. Nil retries
	// every error.
	Retryable func(error) bool
}

// FixedRetry retries up to maxAttempts total executions with a constant
// delay between attempts.
func FixedRetry(maxAttempts int, delay time.Duration) *RetryPolicy {
	return &RetryPolicy{MaxAttempts: maxAttempts, Initial: delay}
}

// ExponentialRetry retries with exponentially growing, capped delays:
// delay(n) = min(initial * factor^n, max).
func ExponentialRetry(initial time.Duration, factor float64, maxAttempts int, max time.Duration) *RetryPolicy {
	return &RetryPolicy{MaxAttempts: maxAttempts, Initial: initial, Factor: factor, Max: max}
}

// Validate checks policy constraints: MaxAttempts >= 1, non-negative
// delays, and Max >= Initial when both are set.
func (p *RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if p.Initial < 0 || p.Max < 0 {
		return ErrInvalidRetryPolicy
	}
	if p.Max > 0 && p.Initial > 0 && p.Max < p.Initial {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// Backoff returns the deterministic delay before retry attempt (0-based:
// attempt 0 is the delay between the first execution and the first retry).
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.Initial
	if p.Factor > 1 {
		for i := 0; i < attempt; i++ {
			delay = time.Duration(float64(delay) * p.Factor)
			if p.Max > 0 && delay >= p.Max {
				return p.Max
			}
		}
	}
	if p.Max > 0 && delay > p.Max {
		return p.Max
	}
	return delay
}

// allows reports whether a failed execution at the given 0-based attempt
// may be retried.
func (p *RetryPolicy) allows(attempt int, err error) bool {
	if p == nil {
		return false
	}
	if attempt+1 >= p.MaxAttempts {
		return false
	}
	if p.Retryable != nil && !p.Retryable(err) {
		return false
	}
	return true
}
