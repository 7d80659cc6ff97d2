package querysync

import (
	"context"
	"time"
)

// Defaults used by NewQueryCache.
const (
	DefaultStaleTime = 30 * time.Second
	DefaultGCTime    = 5 * time.Minute
)

// CacheOption configures a QueryCache.
type CacheOption func(*QueryCache)

// WithDefaultStaleTime sets how long a successful result counts as fresh.
// Subscribers to a fresh entry do not trigger a fetch. Negative values are
// treated as zero.
func WithDefaultStaleTime(d time.Duration) CacheOption {
	return func(c *QueryCache) {
		if d < 0 {
			d = 0
		}
		c.staleTime = d
	}
}

// WithGCTime sets how long an entry without subscribers is kept. A negative
// value keeps entries until Reset or Close.
func WithGCTime(d time.Duration) CacheOption {
	return func(c *QueryCache) {
		c.gcTime = d
	}
}

// WithDefaultRetryPolicy sets the retry policy for entries whose subscribers
// did not pick one.
func WithDefaultRetryPolicy(policy RetryPolicy) CacheOption {
	return func(c *QueryCache) {
		if policy == nil {
			policy = NoRetry{}
		}
		c.retryPolicy = policy
	}
}

// WithAuthRefresher installs the hook run before the single retry that
// follows an ErrAuthExpired failure, typically refreshing the token held by
// a SessionStore. If it fails the original error is kept.
func WithAuthRefresher(fn func(ctx context.Context) error) CacheOption {
	return func(c *QueryCache) {
		c.authRefresher = fn
	}
}

// WithoutAuthRetry disables the automatic retry after ErrAuthExpired.
func WithoutAuthRetry() CacheOption {
	return func(c *QueryCache) {
		c.authRetry = false
	}
}

// WithFetchTimeout bounds every fetch attempt sequence. Zero means no limit.
func WithFetchTimeout(d time.Duration) CacheOption {
	return func(c *QueryCache) {
		if d < 0 {
			d = 0
		}
		c.fetchTimeout = d
	}
}

// WithCacheMetrics attaches a metrics collector.
func WithCacheMetrics(collector *MetricsCollector) CacheOption {
	return func(c *QueryCache) {
		c.metrics = collector
	}
}

// WithCacheLogger enables cache debug logging to logger.
func WithCacheLogger(logger Logger) CacheOption {
	return func(c *QueryCache) {
		c.logger = logger
	}
}

// WithCacheDebugConfig filters cache logging. With a config set, the cache
// logs only when both Enabled and LogCache are true.
func WithCacheDebugConfig(config *DebugConfig) CacheOption {
	return func(c *QueryCache) {
		c.debug = config
	}
}

// SubscribeOption configures one subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	staleTime       time.Duration
	staleTimeSet    bool
	refetchInterval time.Duration
	retryPolicy     RetryPolicy
	enabled         bool
}

func defaultSubscribeOptions() subscribeOptions {
	return subscribeOptions{enabled: true}
}

// WithStaleTime overrides the cache's stale time for this subscriber's
// freshness check.
func WithStaleTime(d time.Duration) SubscribeOption {
	return func(o *subscribeOptions) {
		if d < 0 {
			d = 0
		}
		o.staleTime = d
		o.staleTimeSet = true
	}
}

// WithRefetchInterval refetches the entry in the background every d while
// this subscription is active. The shortest interval among subscribers wins.
func WithRefetchInterval(d time.Duration) SubscribeOption {
	return func(o *subscribeOptions) {
		if d < 0 {
			d = 0
		}
		o.refetchInterval = d
	}
}

// WithRetryPolicy sets the entry's retry policy.
func WithRetryPolicy(policy RetryPolicy) SubscribeOption {
	return func(o *subscribeOptions) {
		o.retryPolicy = policy
	}
}

// WithEnabled(false) registers the subscriber without fetching, for queries
// that depend on data not yet available. Disabled subscribers still receive
// updates and still keep the entry alive.
func WithEnabled(enabled bool) SubscribeOption {
	return func(o *subscribeOptions) {
		o.enabled = enabled
	}
}
