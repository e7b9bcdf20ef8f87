// Package spyhunt provides the resilient outbound HTTP request layer used by
// reconnaissance tooling: a client that composes admission control, caching
// and failure recovery around the standard net/http transport.
//
//   - Token-bucket rate limiting (blocking acquire, sliding-window throughput reporting)
//   - Retries with exponential backoff, last-error propagation and a pure
//     retryable/non-retryable classification
//   - Two-tier response cache (in-memory LRU + optional durable artifacts) with TTL expiry
//   - Identity (User-Agent) rotation and egress (proxy) rotation with a
//     working/failed partition
//   - Blocking (Client) and promise-style (AsyncClient) execution with one
//     shared retry state machine
//   - Optional circuit breaker, in-flight GET coalescing and Prometheus metrics
//
// Design goals:
//   - One validated Config, small functional-option surface for collaborator injection
//   - Safe concurrent use of a single Client / AsyncClient instance
//   - Callers receive either a *Response or exactly one typed *RequestError
//
// Typical usage:
//
//	client, err := spyhunt.NewClient(spyhunt.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//	resp, err := client.Get(ctx, "https://example.com/robots.txt", nil)
//
// The library avoids opinionated logging: provide a Logger (e.g. via
// NewZapLogger) to observe retries, cache activity and egress failures.
package spyhunt
