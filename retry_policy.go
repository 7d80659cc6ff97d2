package querysync

import (
	"time"

	"github.com/ambiyansyah-risyal/querysync/internal/backoff"
)

// RetryPolicy decides whether a failed fetch is retried and after what delay.
// attempt is the number of retries already made. The single auth retry on
// ErrAuthExpired is handled by the cache and never reaches the policy.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) (time.Duration, bool)
}

// NoRetry never retries. It is the default.
type NoRetry struct{}

// ShouldRetry implements RetryPolicy.
func (NoRetry) ShouldRetry(error, int) (time.Duration, bool) {
	return 0, false
}

// BackoffStrategy selects the delay algorithm of a BackoffRetryPolicy.
type BackoffStrategy int

const (
	ExponentialJitter BackoffStrategy = iota
	DecorrelatedJitter
)

// String returns the strategy name.
func (s BackoffStrategy) String() string {
	switch s {
	case ExponentialJitter:
		return "ExponentialJitter"
	case DecorrelatedJitter:
		return "DecorrelatedJitter"
	default:
		return "Unknown"
	}
}

// BackoffRetryPolicy retries transient failures (see IsTransient) up to
// maxRetries times with a backoff delay.
type BackoffRetryPolicy struct {
	maxRetries int
	params     backoff.Params
	strategy   backoff.Strategy
	retryIf    func(error) bool
}

// NewBackoffRetryPolicy creates an exponential-jitter retry policy.
func NewBackoffRetryPolicy(maxRetries int, initialBackoff, maxBackoff time.Duration, multiplier, jitter float64) *BackoffRetryPolicy {
	return NewBackoffRetryPolicyWithStrategy(maxRetries, initialBackoff, maxBackoff, multiplier, jitter, ExponentialJitter)
}

// NewBackoffRetryPolicyWithStrategy creates a retry policy with a specific backoff strategy.
func NewBackoffRetryPolicyWithStrategy(maxRetries int, initialBackoff, maxBackoff time.Duration, multiplier, jitter float64, strategy BackoffStrategy) *BackoffRetryPolicy {
	if maxBackoff < initialBackoff {
		maxBackoff = initialBackoff
	}
	policy := &BackoffRetryPolicy{
		maxRetries: maxRetries,
		params: backoff.Params{
			Initial:    initialBackoff,
			Max:        maxBackoff,
			Multiplier: multiplier,
			Jitter:     jitter,
		},
		retryIf: IsTransient,
	}

	switch strategy {
	case DecorrelatedJitter:
		policy.strategy = backoff.Decorrelated{}
	default:
		policy.strategy = backoff.Exponential{}
	}

	return policy
}

// WithRetryIf replaces the retryable-error predicate and returns the policy.
func (p *BackoffRetryPolicy) WithRetryIf(fn func(error) bool) *BackoffRetryPolicy {
	p.retryIf = fn
	return p
}

// ShouldRetry implements RetryPolicy.
func (p *BackoffRetryPolicy) ShouldRetry(err error, attempt int) (time.Duration, bool) {
	if err == nil || attempt >= p.maxRetries {
		return 0, false
	}
	if isContextError(err) {
		return 0, false
	}
	if p.retryIf != nil && !p.retryIf(err) {
		return 0, false
	}
	return p.strategy.Delay(attempt, p.params), true
}
