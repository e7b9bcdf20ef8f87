package spyhunt

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	retry "github.com/avast/retry-go/v5"
	"golang.org/x/sync/singleflight"

	"github.com/Pymmdrza/SpyHunt/internal/backoff"
)

type egressKey struct{}

func withEgress(ctx context.Context, endpoint string) context.Context {
	return context.WithValue(ctx, egressKey{}, endpoint)
}

// egressFromContext is installed as http.Transport.Proxy so a single pooled
// transport can route each attempt through the endpoint the rotator picked.
func egressFromContext(req *http.Request) (*url.URL, error) {
	endpoint, _ := req.Context().Value(egressKey{}).(string)
	if endpoint == "" {
		return nil, nil
	}
	return url.Parse(endpoint)
}

// engine is the single request state machine shared by the blocking and async
// executors. Every request, whichever surface it enters through, flows through
// execute: cache lookup, admission, identity and egress selection, the attempt
// loop, and cache store.
type engine struct {
	cfg        Config
	transport  Transport
	limiter    *RateLimiter
	cache      *ResponseCache
	identities *IdentityRotator
	egress     *EgressRotator
	breaker    *CircuitBreaker
	flight     *singleflight.Group
	metrics    *MetricsCollector
	logger     Logger
	closeFn    func()
}

func newEngine(cfg Config, opts ...Option) (*engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = NewNopLogger()
	}

	limiter := o.limiter
	if limiter == nil {
		var err error
		limiter, err = NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.WindowSize)
		if err != nil {
			return nil, err
		}
	}

	cache := o.cache
	if cache == nil {
		var err error
		cache, err = NewResponseCache(cfg.Cache, logger)
		if err != nil {
			return nil, err
		}
	}

	identities := o.identities
	if identities == nil && cfg.IdentityRotation {
		identities = NewIdentityRotator(cfg.Identities, cfg.RandomIdentity)
	}

	egress := o.egress
	if egress == nil && len(cfg.EgressEndpoints) > 0 {
		egress = NewEgressRotator(cfg.EgressEndpoints)
	}

	var breaker *CircuitBreaker
	if cfg.CircuitBreaker != nil {
		breaker = NewCircuitBreaker(*cfg.CircuitBreaker)
	}

	var flight *singleflight.Group
	if cfg.CoalesceRequests {
		flight = &singleflight.Group{}
	}

	e := &engine{
		cfg:        cfg,
		transport:  o.transport,
		limiter:    limiter,
		cache:      cache,
		identities: identities,
		egress:     egress,
		breaker:    breaker,
		flight:     flight,
		metrics:    o.metrics,
		logger:     logger,
	}
	if e.transport == nil {
		hc := buildHTTPClient(cfg)
		e.transport = hc
		e.closeFn = hc.CloseIdleConnections
	}
	return e, nil
}

// buildHTTPClient assembles the pooled transport. Per-attempt deadlines come
// from attempt contexts, so the client itself carries no timeout.
func buildHTTPClient(cfg Config) *http.Client {
	transport := &http.Transport{
		Proxy:               egressFromContext,
		MaxIdleConns:        cfg.MaxConnections,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: !cfg.VerifyTLS},
	}
	client := &http.Client{Transport: transport}
	if cfg.FollowRedirects {
		limit := cfg.MaxRedirects
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	} else {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client
}

func (e *engine) close() {
	if e.closeFn != nil {
		e.closeFn()
	}
}

// execute runs one logical request: cache short-circuit, optional coalescing,
// then the retrying fetch. A cache hit consumes no token, no identity and no
// egress endpoint.
func (e *engine) execute(ctx context.Context, method, rawURL string, opts *RequestOptions) (*Response, error) {
	var params url.Values
	if opts != nil {
		params = opts.Params
	}
	cacheable := method == http.MethodGet && (opts == nil || !opts.SkipCache)

	if cacheable {
		if resp, ok := e.cache.Get(method, rawURL, params); ok {
			e.metrics.RecordCacheHit(method, rawURL)
			e.logger.Debug("cache hit", "method", method, "url", rawURL)
			return resp, nil
		}
		e.metrics.RecordCacheMiss(method, rawURL)
	}

	if cacheable && e.flight != nil {
		// Coalesced followers ride the leader's attempt and share its
		// context; each gets its own Response copy.
		v, err, shared := e.flight.Do(CacheKey(method, rawURL, params), func() (any, error) {
			return e.fetch(ctx, method, rawURL, params, opts, cacheable)
		})
		if err != nil {
			return nil, err
		}
		resp := v.(*Response)
		if shared {
			cp := *resp
			resp = &cp
		}
		return resp, nil
	}

	return e.fetch(ctx, method, rawURL, params, opts, cacheable)
}

func (e *engine) fetch(ctx context.Context, method, rawURL string, params url.Values, opts *RequestOptions, cacheable bool) (*Response, error) {
	e.metrics.RecordRequestStart(method, rawURL)
	defer e.metrics.RecordRequestEnd(method, rawURL)

	resp, err := e.executeWithRetry(ctx, method, rawURL, params, opts)
	if err != nil {
		return nil, err
	}
	if cacheable && resp.OK() {
		e.cache.Set(method, rawURL, params, resp, 0)
		e.metrics.RecordCacheSize("responses", e.cache.Len())
	}
	return resp, nil
}

// executeWithRetry drives the attempt loop. Attempts is total tries including
// the first; only the last attempt's typed error escapes.
func (e *engine) executeWithRetry(ctx context.Context, method, rawURL string, params url.Values, opts *RequestOptions) (*Response, error) {
	return retry.NewWithData[*Response](
		retry.Context(ctx),
		retry.Attempts(uint(e.cfg.MaxRetries)+1),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsRetryable),
		retry.DelayType(func(n uint, _ error, _ retry.DelayContext) time.Duration {
			// n starts at 1 for the wait before the first re-attempt.
			return backoff.Exponential(int(n)-1, e.cfg.RetryDelay, e.cfg.MaxRetryDelay, 2.0, e.cfg.RetryJitter)
		}),
		retry.OnRetry(func(n uint, err error) {
			attempt := int(n) + 1
			e.metrics.RecordRetry(method, rawURL, attempt)
			e.logger.Warn("retrying request",
				"method", method, "url", rawURL, "attempt", attempt, "error", err)
		}),
	).Do(func() (*Response, error) {
		return e.attempt(ctx, method, rawURL, params, opts)
	})
}

// attempt performs a single try: breaker gate, token admission, egress and
// identity selection, the round trip, and error classification.
func (e *engine) attempt(ctx context.Context, method, rawURL string, params url.Values, opts *RequestOptions) (*Response, error) {
	if e.breaker != nil && !e.breaker.Allow() {
		e.metrics.RecordError(ErrorTypeCircuitOpen, method, rawURL)
		return nil, &RequestError{
			Type:    ErrorTypeCircuitOpen,
			URL:     rawURL,
			Message: "circuit breaker open",
		}
	}

	if err := e.limiter.Acquire(ctx, 1); err != nil {
		// Context errors propagate untyped and are not retried.
		return nil, err
	}
	e.metrics.RecordRateLimiterTokens("default", e.limiter.Tokens())

	timeout := e.cfg.Timeout
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	var proxy string
	if e.egress != nil {
		if p, ok := e.egress.Next(); ok {
			proxy = p
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if proxy != "" {
		attemptCtx = withEgress(attemptCtx, proxy)
	}

	req, err := e.buildRequest(attemptCtx, method, rawURL, params, opts)
	if err != nil {
		e.metrics.RecordError(ErrorTypeRequest, method, rawURL)
		return nil, &RequestError{
			Type:    ErrorTypeRequest,
			URL:     rawURL,
			Message: "building request",
			Cause:   err,
		}
	}

	start := time.Now()
	hr, err := e.transport.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, e.attemptFailed(method, rawURL, timeout, proxy, err)
	}

	resp, err := newResponse(req.URL.String(), hr, elapsed)
	if err != nil {
		return nil, e.attemptFailed(method, rawURL, timeout, proxy, err)
	}

	if e.breaker != nil {
		e.breaker.RecordSuccess()
	}
	e.metrics.RecordRequest(method, rawURL, resp.StatusCode, elapsed)
	e.logger.Debug("request completed",
		"method", method, "url", rawURL, "status", resp.StatusCode, "elapsed", elapsed)
	return resp, nil
}

// attemptFailed classifies a transport failure and updates the egress pool and
// breaker. An endpoint is marked failed only when the endpoint itself broke,
// not when the origin misbehaved.
func (e *engine) attemptFailed(method, rawURL string, timeout time.Duration, proxy string, err error) *RequestError {
	reqErr := classifyTransportError(rawURL, timeout, proxy, err)
	if proxy != "" && reqErr.Type == ErrorTypeProxy {
		e.egress.MarkFailed(proxy)
		e.metrics.RecordEgressFailure(proxy)
		e.logger.Warn("egress endpoint marked failed", "endpoint", proxy, "error", reqErr)
	}
	if e.breaker != nil {
		e.breaker.RecordFailure()
	}
	e.metrics.RecordError(reqErr.Type, method, rawURL)
	return reqErr
}

func (e *engine) buildRequest(ctx context.Context, method, rawURL string, params url.Values, opts *RequestOptions) (*http.Request, error) {
	target := rawURL
	if len(params) > 0 {
		parsed, err := url.Parse(rawURL)
		if err != nil {
			return nil, err
		}
		q := parsed.Query()
		for k, vals := range params {
			for _, v := range vals {
				q.Add(k, v)
			}
		}
		parsed.RawQuery = q.Encode()
		target = parsed.String()
	}

	var body io.Reader
	if opts != nil && len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}

	if opts != nil {
		for k, vals := range opts.Headers {
			for _, v := range vals {
				req.Header.Add(k, v)
			}
		}
		if opts.ContentType != "" && len(opts.Body) > 0 {
			req.Header.Set("Content-Type", opts.ContentType)
		}
	}
	// A caller-supplied User-Agent wins over rotation.
	if req.Header.Get("User-Agent") == "" && e.identities != nil {
		req.Header.Set("User-Agent", e.identities.Next())
	}
	return req, nil
}
