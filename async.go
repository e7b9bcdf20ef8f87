package spyhunt

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/sync/semaphore"
)

// AsyncClient is the non-blocking executor. Submission returns immediately
// with a Future; the request runs the same pipeline as the blocking client on
// a background goroutine. Safe for concurrent use.
type AsyncClient struct {
	engine *engine
}

// NewAsyncClient builds a standalone async executor. To share a pipeline with
// a blocking client, use Client.Async instead.
func NewAsyncClient(cfg Config, opts ...Option) (*AsyncClient, error) {
	eng, err := newEngine(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &AsyncClient{engine: eng}, nil
}

// Future is the handle for an in-flight async request. Wait may be called any
// number of times from any goroutine; every call observes the same outcome.
type Future struct {
	done chan struct{}
	resp *Response
	err  error
}

// Wait blocks until the request completes or ctx is cancelled. Cancellation
// abandons the wait, not the request.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.resp, f.err
	}
}

// Done reports whether the request has completed without blocking.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Do submits a request and returns its Future. ctx governs the request itself;
// cancelling it aborts retries and waits in flight.
func (a *AsyncClient) Do(ctx context.Context, method, url string, opts *RequestOptions) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		f.resp, f.err = a.engine.execute(ctx, method, url, opts)
		close(f.done)
	}()
	return f
}

// Get submits a GET request.
func (a *AsyncClient) Get(ctx context.Context, url string, opts *RequestOptions) *Future {
	return a.Do(ctx, http.MethodGet, url, opts)
}

// Post submits a POST request.
func (a *AsyncClient) Post(ctx context.Context, url string, opts *RequestOptions) *Future {
	return a.Do(ctx, http.MethodPost, url, opts)
}

// Close releases idle transport connections.
func (a *AsyncClient) Close() {
	a.engine.close()
}

// BatchRequest describes one request in a batch. An empty Method means GET.
type BatchRequest struct {
	Method  string
	URL     string
	Options *RequestOptions
}

// BatchResult pairs a batch request with its outcome. Exactly one of Response
// and Err is set.
type BatchResult struct {
	Request  BatchRequest
	Response *Response
	Err      error
}

// defaultBatchConcurrency bounds batch fan-out when the caller passes 0.
const defaultBatchConcurrency = 10

// Batch runs requests with bounded fan-out and returns results in request
// order. One failed request never aborts the rest; each slot carries its own
// outcome. A cancelled ctx fails the remaining unstarted requests.
func (a *AsyncClient) Batch(ctx context.Context, reqs []BatchRequest, concurrency int) []BatchResult {
	if concurrency <= 0 {
		concurrency = defaultBatchConcurrency
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	results := make([]BatchResult, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		results[i].Request = req
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i].Err = err
			continue
		}
		wg.Add(1)
		go func(i int, req BatchRequest) {
			defer wg.Done()
			defer sem.Release(1)
			method := req.Method
			if method == "" {
				method = http.MethodGet
			}
			results[i].Response, results[i].Err = a.engine.execute(ctx, method, req.URL, req.Options)
		}(i, req)
	}
	wg.Wait()
	return results
}
