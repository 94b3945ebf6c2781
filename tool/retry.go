package tool

import "time"

// RetryPolicy configures retries for tool and model calls.
//
// Backoff is strictly deterministic: no jitter. Replaying a run with the
// same inputs must reproduce the same retry timing decisions.
type RetryPolicy struct {
	// MaxAttempts is the total number of executions allowed, including
	// the first.
	MaxAttempts int

	// Initial is the delay before the first retry.
	Initial time.Duration

	// Factor multiplies the delay after each retry; 0 or 1 keeps it
	// fixed.
	Factor float64

	// Max caps the delay; 0 means no cap.
	Max time.Duration
}

// Fixed retries up to maxAttempts total executions with a constant delay.
func Fixed(maxAttempts int, delay time.Duration) *RetryPolicy {
	return &RetryPolicy{MaxAttempts: maxAttempts, Initial: delay}
}

// ExponentialBackoff retries with capped exponential delays:
// delay(n) = min(initial * factor^n, max).
func ExponentialBackoff(initial time.Duration, factor float64, maxAttempts int, max time.Duration) *RetryPolicy {
	return &RetryPolicy{MaxAttempts: maxAttempts, Initial: initial, Factor: factor, Max: max}
}

// Backoff returns the deterministic delay before retry attempt (0-based).
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

// allows reports whether a failure at the given 0-based attempt may be
// retried.
func (p *RetryPolicy) allows(attempt int) bool {
	return p != nil && attempt+1 < p.MaxAttempts
}
