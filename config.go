package querysync

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the environment-driven configuration of a Client and QueryCache.
type Config struct {
	BaseURL        string        `env:"QUERYSYNC_BASE_URL"`
	Timeout        time.Duration `env:"QUERYSYNC_TIMEOUT"         envDefault:"30s"`
	StaleTime      time.Duration `env:"QUERYSYNC_STALE_TIME"      envDefault:"30s"`
	GCTime         time.Duration `env:"QUERYSYNC_GC_TIME"         envDefault:"5m"`
	FetchTimeout   time.Duration `env:"QUERYSYNC_FETCH_TIMEOUT"`
	RetryCount     int           `env:"QUERYSYNC_RETRY_COUNT"`
	RetryBackoff   time.Duration `env:"QUERYSYNC_RETRY_BACKOFF"   envDefault:"200ms"`
	RetryMaxDelay  time.Duration `env:"QUERYSYNC_RETRY_MAX_DELAY" envDefault:"5s"`
	AuthRetry      bool          `env:"QUERYSYNC_AUTH_RETRY"      envDefault:"true"`
	AllowAnonymous bool          `env:"QUERYSYNC_ALLOW_ANONYMOUS"`
	Debug          bool          `env:"QUERYSYNC_DEBUG"`
	// RateBurst enables client-side rate limiting when positive.
	RateBurst    int           `env:"QUERYSYNC_RATE_BURST"`
	RateInterval time.Duration `env:"QUERYSYNC_RATE_INTERVAL" envDefault:"100ms"`
	// CircuitThreshold enables the circuit breaker when positive.
	CircuitThreshold int           `env:"QUERYSYNC_CIRCUIT_THRESHOLD"`
	CircuitRecovery  time.Duration `env:"QUERYSYNC_CIRCUIT_RECOVERY"  envDefault:"30s"`
	// TokenEnv names the variable holding the bearer token for SessionResolver.
	TokenEnv string   `env:"QUERYSYNC_TOKEN_ENV" envDefault:"QUERYSYNC_TOKEN"`
	Headers  []string `env:"QUERYSYNC_HEADERS"   envSeparator:","`
}

// LoadConfigFromEnv reads QUERYSYNC_* variables.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.BaseURL == "" {
		return Config{}, &ClientError{Type: ErrorTypeValidation, Message: "QUERYSYNC_BASE_URL is required"}
	}
	if cfg.RetryCount < 0 {
		return Config{}, &ClientError{Type: ErrorTypeValidation, Message: "QUERYSYNC_RETRY_COUNT cannot be negative"}
	}
	return cfg, nil
}

// SessionResolver returns a resolver reading the token variable named by
// TokenEnv.
func (cfg Config) SessionResolver() SessionResolver {
	return EnvSessionResolver{Variable: cfg.TokenEnv}
}

// ClientOptions converts the configuration into Client options. Headers are
// given as "Name=value" pairs.
func (cfg Config) ClientOptions() []ClientOption {
	options := []ClientOption{WithTimeout(cfg.Timeout)}
	if cfg.AllowAnonymous {
		options = append(options, WithAnonymousPolicy(AnonymousAllow))
	}
	if cfg.Debug {
		options = append(options, WithSimpleLogger())
	}
	if cfg.RateBurst > 0 {
		options = append(options, WithMiddleware(RateLimitMiddleware(NewRateLimiter(cfg.RateBurst, cfg.RateInterval))))
	}
	if cfg.CircuitThreshold > 0 {
		cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: cfg.CircuitThreshold, RecoveryTimeout: cfg.CircuitRecovery})
		options = append(options, WithMiddleware(CircuitBreakerMiddleware(cb)))
	}
	for _, h := range cfg.Headers {
		name, value, ok := strings.Cut(h, "=")
		if ok && name != "" {
			options = append(options, WithHeader(strings.TrimSpace(name), strings.TrimSpace(value)))
		}
	}
	return options
}

// CacheOptions converts the configuration into QueryCache options.
func (cfg Config) CacheOptions() []CacheOption {
	options := []CacheOption{
		WithDefaultStaleTime(cfg.StaleTime),
		WithGCTime(cfg.GCTime),
		WithFetchTimeout(cfg.FetchTimeout),
	}
	if cfg.RetryCount > 0 {
		policy := NewBackoffRetryPolicy(cfg.RetryCount, cfg.RetryBackoff, cfg.RetryMaxDelay, 2.0, 0.1)
		options = append(options, WithDefaultRetryPolicy(policy))
	}
	if !cfg.AuthRetry {
		options = append(options, WithoutAuthRetry())
	}
	if cfg.Debug {
		options = append(options, WithCacheLogger(NewSimpleLogger()))
	}
	return options
}
