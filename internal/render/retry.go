package render

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// RetryPolicy bounds re-runs of a failed render operation with jittered
// exponential backoff. Never unbounded: a render that keeps failing is
// surfaced after maxAttempts.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewRetryPolicy builds a policy with sane defaults for render work: two
// attempts total with a short backoff.
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		maxAttempts: 2,
		baseDelay:   500 * time.Millisecond,
		maxDelay:    2 * time.Second,
	}
}

// NewRetryPolicyWithAttempts overrides the attempt budget.
func NewRetryPolicyWithAttempts(maxAttempts int) *RetryPolicy {
	p := NewRetryPolicy()
	if maxAttempts > 0 {
		p.maxAttempts = maxAttempts
	}
	return p
}

// ShouldRetry decides whether the failed attempt may be re-run.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	// Caller cancellation is final; a per-attempt deadline is retryable.
	return !errors.Is(err, context.Canceled)
}

// Backoff returns the wait duration before the next attempt.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *RetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
