package spyhunt

// Option injects a pre-built collaborator into a client at construction time.
// Options exist for sharing (one limiter or cache across several executors)
// and for testing (stub transports); configuration itself lives in Config.
type Option func(*clientOptions)

type clientOptions struct {
	transport  Transport
	limiter    *RateLimiter
	cache      *ResponseCache
	identities *IdentityRotator
	egress     *EgressRotator
	metrics    *MetricsCollector
	logger     Logger
}

// WithTransport replaces the HTTP transport. Used mainly in tests.
func WithTransport(t Transport) Option {
	return func(o *clientOptions) { o.transport = t }
}

// WithRateLimiter shares an existing limiter so multiple executors draw from
// one token bucket.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(o *clientOptions) { o.limiter = rl }
}

// WithCache shares an existing response cache across executors.
func WithCache(c *ResponseCache) Option {
	return func(o *clientOptions) { o.cache = c }
}

// WithIdentityRotator shares an existing identity rotator.
func WithIdentityRotator(r *IdentityRotator) Option {
	return func(o *clientOptions) { o.identities = r }
}

// WithEgressRotator shares an existing egress rotator so failure marks are
// visible to every executor using the pool.
func WithEgressRotator(r *EgressRotator) Option {
	return func(o *clientOptions) { o.egress = r }
}

// WithMetricsCollector enables Prometheus metrics.
func WithMetricsCollector(mc *MetricsCollector) Option {
	return func(o *clientOptions) { o.metrics = mc }
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}
