package spyhunt

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// RateLimitConfig configures the shared token bucket.
type RateLimitConfig struct {
	// RequestsPerSecond is both the refill rate and the bucket capacity.
	RequestsPerSecond float64
	// WindowSize bounds the sliding window used for throughput reporting.
	WindowSize time.Duration
}

// Config holds everything a client needs. Construct it with DefaultConfig and
// adjust fields; NewClient validates the result.
type Config struct {
	// Timeout is the per-attempt deadline. Each retry attempt gets a fresh
	// timeout.
	Timeout time.Duration
	// MaxRetries is the number of re-attempts after the first try.
	MaxRetries int
	// RetryDelay is the base backoff delay; attempt n waits RetryDelay*2^n.
	RetryDelay time.Duration
	// MaxRetryDelay caps the exponential backoff.
	MaxRetryDelay time.Duration
	// RetryJitter is the uniform jitter fraction in [0,1] applied to backoff.
	RetryJitter float64

	// VerifyTLS controls server certificate verification.
	VerifyTLS bool
	// FollowRedirects enables automatic redirect following up to MaxRedirects.
	FollowRedirects bool
	MaxRedirects    int

	// MaxConnections caps idle connections across all hosts.
	MaxConnections int
	// MaxConnsPerHost caps connections to a single host.
	MaxConnsPerHost int

	RateLimit RateLimitConfig
	Cache     CacheConfig

	// IdentityRotation enables User-Agent rotation for requests that do not
	// carry their own User-Agent header.
	IdentityRotation bool
	// RandomIdentity selects uniform-random identity choice instead of
	// round-robin.
	RandomIdentity bool
	// Identities overrides the default User-Agent pool.
	Identities []string

	// EgressEndpoints are alternate egress proxy URLs rotated per attempt.
	EgressEndpoints []string

	// CoalesceRequests folds concurrent identical GETs into one upstream
	// request.
	CoalesceRequests bool

	// CircuitBreaker enables fail-fast behavior when set. Nil disables it.
	CircuitBreaker *CircuitBreakerConfig
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          10 * time.Second,
		MaxRetries:       3,
		RetryDelay:       time.Second,
		MaxRetryDelay:    30 * time.Second,
		RetryJitter:      0,
		VerifyTLS:        true,
		FollowRedirects:  true,
		MaxRedirects:     5,
		MaxConnections:   100,
		MaxConnsPerHost:  10,
		RateLimit:        RateLimitConfig{RequestsPerSecond: 100, WindowSize: time.Minute},
		Cache:            CacheConfig{MaxSize: 1000, DefaultTTL: time.Hour},
		IdentityRotation: true,
	}
}

// Validate checks the configuration, collecting every problem into a single
// Validation error so callers see the full list at once.
func (c Config) Validate() error {
	var problems []string

	if c.Timeout <= 0 {
		problems = append(problems, fmt.Sprintf("Timeout must be positive, got %v", c.Timeout))
	}
	if c.MaxRetries < 0 {
		problems = append(problems, fmt.Sprintf("MaxRetries must be non-negative, got %d", c.MaxRetries))
	}
	if c.RetryDelay <= 0 {
		problems = append(problems, fmt.Sprintf("RetryDelay must be positive, got %v", c.RetryDelay))
	}
	if c.MaxRetryDelay > 0 && c.MaxRetryDelay < c.RetryDelay {
		problems = append(problems, fmt.Sprintf("MaxRetryDelay %v is below RetryDelay %v", c.MaxRetryDelay, c.RetryDelay))
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		problems = append(problems, fmt.Sprintf("RetryJitter must be in [0,1], got %v", c.RetryJitter))
	}
	if c.MaxRedirects < 0 {
		problems = append(problems, fmt.Sprintf("MaxRedirects must be non-negative, got %d", c.MaxRedirects))
	}
	if c.MaxConnections <= 0 {
		problems = append(problems, fmt.Sprintf("MaxConnections must be positive, got %d", c.MaxConnections))
	}
	if c.MaxConnsPerHost <= 0 {
		problems = append(problems, fmt.Sprintf("MaxConnsPerHost must be positive, got %d", c.MaxConnsPerHost))
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		problems = append(problems, fmt.Sprintf("RateLimit.RequestsPerSecond must be positive, got %v", c.RateLimit.RequestsPerSecond))
	}
	if c.RateLimit.WindowSize < 0 {
		problems = append(problems, fmt.Sprintf("RateLimit.WindowSize must be non-negative, got %v", c.RateLimit.WindowSize))
	}
	if c.Cache.MaxSize < 0 {
		problems = append(problems, fmt.Sprintf("Cache.MaxSize must be non-negative, got %d", c.Cache.MaxSize))
	}
	if c.Cache.DefaultTTL < 0 {
		problems = append(problems, fmt.Sprintf("Cache.DefaultTTL must be non-negative, got %v", c.Cache.DefaultTTL))
	}
	if c.Cache.DurableEnabled && c.Cache.DurableDir == "" {
		problems = append(problems, "Cache.DurableDir is required when the durable tier is enabled")
	}
	for _, e := range c.EgressEndpoints {
		u, err := url.Parse(e)
		if err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Sprintf("EgressEndpoints entry %q is not an absolute URL", e))
		}
	}
	if cb := c.CircuitBreaker; cb != nil {
		if cb.FailureThreshold < 0 {
			problems = append(problems, fmt.Sprintf("CircuitBreaker.FailureThreshold must be non-negative, got %d", cb.FailureThreshold))
		}
		if cb.RecoveryTimeout < 0 {
			problems = append(problems, fmt.Sprintf("CircuitBreaker.RecoveryTimeout must be non-negative, got %v", cb.RecoveryTimeout))
		}
		if cb.SuccessThreshold < 0 {
			problems = append(problems, fmt.Sprintf("CircuitBreaker.SuccessThreshold must be non-negative, got %d", cb.SuccessThreshold))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &RequestError{
		Type:    ErrorTypeValidation,
		Message: "invalid configuration: " + strings.Join(problems, "; "),
	}
}
