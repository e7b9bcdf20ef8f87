package spyhunt

import (
	"context"
	"net/http"
)

// Client is the blocking executor. Every call runs the full request pipeline
// (cache, rate limit, rotation, retries) on the calling goroutine and returns
// a completed Response or a typed error. Safe for concurrent use; all state is
// in the shared collaborators, which are individually synchronized.
type Client struct {
	engine *engine
}

// NewClient builds a client from cfg. Options inject shared or stub
// collaborators; unset ones are constructed from cfg.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	eng, err := newEngine(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{engine: eng}, nil
}

// Do issues a request with an arbitrary method.
func (c *Client) Do(ctx context.Context, method, url string, opts *RequestOptions) (*Response, error) {
	return c.engine.execute(ctx, method, url, opts)
}

// Get issues a GET request. GETs participate in the response cache unless
// opts.SkipCache is set.
func (c *Client) Get(ctx context.Context, url string, opts *RequestOptions) (*Response, error) {
	return c.engine.execute(ctx, http.MethodGet, url, opts)
}

// Post issues a POST request. The payload travels in opts.Body.
func (c *Client) Post(ctx context.Context, url string, opts *RequestOptions) (*Response, error) {
	return c.engine.execute(ctx, http.MethodPost, url, opts)
}

// Put issues a PUT request.
func (c *Client) Put(ctx context.Context, url string, opts *RequestOptions) (*Response, error) {
	return c.engine.execute(ctx, http.MethodPut, url, opts)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, url string, opts *RequestOptions) (*Response, error) {
	return c.engine.execute(ctx, http.MethodDelete, url, opts)
}

// Head issues a HEAD request.
func (c *Client) Head(ctx context.Context, url string, opts *RequestOptions) (*Response, error) {
	return c.engine.execute(ctx, http.MethodHead, url, opts)
}

// Async returns an async executor backed by this client's pipeline, so both
// surfaces share one limiter, one cache and one egress pool.
func (c *Client) Async() *AsyncClient {
	return &AsyncClient{engine: c.engine}
}

// Cache exposes the response cache for invalidation and inspection.
func (c *Client) Cache() *ResponseCache {
	return c.engine.cache
}

// RateLimiterStats returns a snapshot of the shared token bucket.
func (c *Client) RateLimiterStats() RateLimiterStats {
	return c.engine.limiter.Stats()
}

// EgressWorking returns the egress endpoints currently in rotation. Nil when
// no egress pool is configured.
func (c *Client) EgressWorking() []string {
	if c.engine.egress == nil {
		return nil
	}
	return c.engine.egress.Working()
}

// EgressFailed returns the egress endpoints marked failed.
func (c *Client) EgressFailed() []string {
	if c.engine.egress == nil {
		return nil
	}
	return c.engine.egress.Failed()
}

// ResetFailedEgress returns every failed egress endpoint to rotation.
func (c *Client) ResetFailedEgress() {
	if c.engine.egress != nil {
		c.engine.egress.ResetFailed()
	}
}

// CircuitState returns the breaker state, or StateClosed when no breaker is
// configured.
func (c *Client) CircuitState() CircuitState {
	if c.engine.breaker == nil {
		return StateClosed
	}
	return c.engine.breaker.State()
}

// Close releases idle transport connections. Safe to call once in-flight
// requests have completed.
func (c *Client) Close() {
	c.engine.close()
}
