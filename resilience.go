package querysync

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

// ErrCircuitOpen is the cause carried by requests rejected by an open circuit.
var ErrCircuitOpen = errors.New("querysync: circuit open")

// RateLimiter is a token bucket. It starts full and gains one token every
// refill interval, up to maxTokens.
type RateLimiter struct {
	mu         sync.Mutex
	maxTokens  int
	tokens     int
	refillRate time.Duration
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter creates a limiter allowing bursts of maxTokens and one
// request per refillRate after that.
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	if maxTokens < 1 {
		maxTokens = 1
	}
	return &RateLimiter{
		maxTokens:  maxTokens,
		tokens:     maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Allow takes a token if one is available.
func (rl *RateLimiter) Allow() bool {
	_, ok := rl.reserve()
	return ok
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		wait, ok := rl.reserve()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve takes a token, or reports how long until the next one.
func (rl *RateLimiter) reserve() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if rl.refillRate <= 0 {
		rl.tokens = rl.maxTokens
	} else if elapsed := now.Sub(rl.lastRefill); elapsed >= rl.refillRate {
		added := int(elapsed / rl.refillRate)
		rl.tokens = min(rl.maxTokens, rl.tokens+added)
		rl.lastRefill = rl.lastRefill.Add(time.Duration(added) * rl.refillRate)
	}

	if rl.tokens > 0 {
		rl.tokens--
		return 0, true
	}
	return rl.refillRate - now.Sub(rl.lastRefill), false
}

// RateLimitMiddleware delays requests until the limiter grants a token.
func RateLimitMiddleware(rl *RateLimiter) Middleware {
	return func(req *http.Request, next RoundTripper) (*http.Response, error) {
		if err := rl.Wait(req.Context()); err != nil {
			return nil, err
		}
		return next.RoundTrip(req)
	}
}

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a CircuitBreaker. Zero fields take defaults.
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit (5)
	RecoveryTimeout  time.Duration // time open before a trial request (60s)
	SuccessThreshold int           // trial successes that close it again (2)
}

// CircuitBreaker stops sending requests to a backend that keeps failing.
type CircuitBreaker struct {
	mu          sync.Mutex
	config      CircuitBreakerConfig
	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time
	now         func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	return &CircuitBreaker{config: config, now: time.Now}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a request may be sent. An open circuit lets a trial
// request through once RecoveryTimeout has passed since the last failure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.config.RecoveryTimeout {
			return false
		}
		cb.state = StateHalfOpen
		cb.successes = 0
		return true
	default:
		return true
	}
}

// RecordFailure counts a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successes = 0
	}
}

// RecordSuccess counts a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// CircuitBreakerMiddleware fails fast with ErrCircuitOpen while cb is open.
// Transport errors and 5xx responses count as failures; anything else,
// including 401 and 4xx, counts as a success since the backend answered.
func CircuitBreakerMiddleware(cb *CircuitBreaker) Middleware {
	return func(req *http.Request, next RoundTripper) (*http.Response, error) {
		if !cb.Allow() {
			return nil, ErrCircuitOpen
		}
		resp, err := next.RoundTrip(req)
		switch {
		case err != nil:
			if req.Context().Err() == nil {
				cb.RecordFailure()
			}
		case resp.StatusCode >= 500:
			cb.RecordFailure()
		default:
			cb.RecordSuccess()
		}
		return resp, err
	}
}

// RateLimiterRegistry picks a RateLimiter per request key, e.g. a tighter
// budget for search than for the rest of the API.
type RateLimiterRegistry struct {
	mu       sync.RWMutex
	limiters map[string]*RateLimiter
	keyFunc  func(*http.Request) string
	fallback *RateLimiter
}

// NewRateLimiterRegistry creates a registry. A nil keyFunc uses EndpointKey;
// requests without a registered limiter use fallback, which may be nil for no
// limit.
func NewRateLimiterRegistry(keyFunc func(*http.Request) string, fallback *RateLimiter) *RateLimiterRegistry {
	if keyFunc == nil {
		keyFunc = EndpointKey
	}
	return &RateLimiterRegistry{
		limiters: make(map[string]*RateLimiter),
		keyFunc:  keyFunc,
		fallback: fallback,
	}
}

// EndpointKey keys a request by host and path, without the query string.
func EndpointKey(req *http.Request) string {
	return endpointOf(req.URL.String())
}

// Register sets the limiter for key.
func (r *RateLimiterRegistry) Register(key string, rl *RateLimiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[key] = rl
}

// Limiter returns the limiter for req, or the fallback.
func (r *RateLimiterRegistry) Limiter(req *http.Request) *RateLimiter {
	key := r.keyFunc(req)
	r.mu.RLock()
	rl, ok := r.limiters[key]
	r.mu.RUnlock()
	if ok {
		return rl
	}
	return r.fallback
}

// RegistryRateLimitMiddleware applies the registry's limiter to each request.
func RegistryRateLimitMiddleware(registry *RateLimiterRegistry) Middleware {
	return func(req *http.Request, next RoundTripper) (*http.Response, error) {
		if rl := registry.Limiter(req); rl != nil {
			if err := rl.Wait(req.Context()); err != nil {
				return nil, err
			}
		}
		return next.RoundTrip(req)
	}
}
