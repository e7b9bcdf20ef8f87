package spyhunt

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTransport counts round trips and delegates to fn, letting tests script
// per-attempt outcomes without a network.
type stubTransport struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, req *http.Request) (*http.Response, error)
}

func (s *stubTransport) Do(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.fn(call, req)
}

func (s *stubTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func okResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Header:     http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func connRefused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 5 * time.Millisecond
	cfg.IdentityRotation = false
	return cfg
}

func TestClientRetriesTransientFailures(t *testing.T) {
	st := &stubTransport{fn: func(call int, _ *http.Request) (*http.Response, error) {
		if call <= 2 {
			return nil, connRefused()
		}
		return okResponse("recovered"), nil
	}}
	cfg := testConfig()
	cfg.MaxRetries = 3

	c, err := NewClient(cfg, WithTransport(st))
	require.NoError(t, err)

	resp, err := c.Get(context.Background(), "http://example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)
	assert.Equal(t, 3, st.callCount())
}

func TestClientRetryBudgetExhausted(t *testing.T) {
	st := &stubTransport{fn: func(int, *http.Request) (*http.Response, error) {
		return nil, connRefused()
	}}
	cfg := testConfig()
	cfg.MaxRetries = 1

	c, err := NewClient(cfg, WithTransport(st))
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "http://example.com", nil)
	require.Error(t, err)
	assert.Equal(t, 2, st.callCount(), "one initial try plus one retry")

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, ErrorTypeConnection, reqErr.Type)
}

func TestClientDoesNotRetryRequestErrors(t *testing.T) {
	st := &stubTransport{fn: func(int, *http.Request) (*http.Response, error) {
		return okResponse("unreached"), nil
	}}
	cfg := testConfig()

	c, err := NewClient(cfg, WithTransport(st))
	require.NoError(t, err)

	_, err = c.Do(context.Background(), "BAD METHOD", "http://example.com", nil)
	require.Error(t, err)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, ErrorTypeRequest, reqErr.Type)
	assert.Equal(t, 0, st.callCount())
}

func TestClientCachesGets(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	c, err := NewClient(testConfig())
	require.NoError(t, err)
	defer c.Close()

	first, err := c.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := c.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Text, second.Text)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, hits)
}

func TestClientSkipCache(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		_, _ = w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	c, err := NewClient(testConfig())
	require.NoError(t, err)
	defer c.Close()

	opts := &RequestOptions{SkipCache: true}
	for i := 0; i < 2; i++ {
		resp, err := c.Get(context.Background(), srv.URL, opts)
		require.NoError(t, err)
		assert.False(t, resp.FromCache)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, hits)
}

func TestClientDoesNotCachePosts(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c, err := NewClient(testConfig())
	require.NoError(t, err)
	defer c.Close()

	opts := &RequestOptions{Body: []byte(`{"a":1}`), ContentType: "application/json"}
	for i := 0; i < 2; i++ {
		_, err := c.Post(context.Background(), srv.URL, opts)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, hits)
}

func TestClientDoesNotCacheErrorResponses(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewClient(testConfig())
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 2; i++ {
		resp, err := c.Get(context.Background(), srv.URL, nil)
		require.NoError(t, err, "HTTP error statuses are responses, not errors")
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.False(t, resp.FromCache)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, hits)
}

func TestClientIdentityRotation(t *testing.T) {
	var agents []string
	var mu sync.Mutex
	st := &stubTransport{fn: func(_ int, req *http.Request) (*http.Response, error) {
		mu.Lock()
		agents = append(agents, req.Header.Get("User-Agent"))
		mu.Unlock()
		return okResponse("ok"), nil
	}}
	cfg := testConfig()
	cfg.IdentityRotation = true
	cfg.Identities = []string{"ua-one", "ua-two"}

	c, err := NewClient(cfg, WithTransport(st))
	require.NoError(t, err)

	opts := &RequestOptions{SkipCache: true}
	for i := 0; i < 3; i++ {
		_, err := c.Get(context.Background(), "http://example.com", opts)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"ua-one", "ua-two", "ua-one"}, agents)
}

func TestClientCallerUserAgentWins(t *testing.T) {
	var agent string
	st := &stubTransport{fn: func(_ int, req *http.Request) (*http.Response, error) {
		agent = req.Header.Get("User-Agent")
		return okResponse("ok"), nil
	}}
	cfg := testConfig()
	cfg.IdentityRotation = true

	c, err := NewClient(cfg, WithTransport(st))
	require.NoError(t, err)

	opts := &RequestOptions{
		SkipCache: true,
		Headers:   http.Header{"User-Agent": {"custom-agent/1.0"}},
	}
	_, err = c.Get(context.Background(), "http://example.com", opts)
	require.NoError(t, err)
	assert.Equal(t, "custom-agent/1.0", agent)
}

func TestClientQueryParams(t *testing.T) {
	var gotQuery string
	st := &stubTransport{fn: func(_ int, req *http.Request) (*http.Response, error) {
		gotQuery = req.URL.RawQuery
		return okResponse("ok"), nil
	}}

	c, err := NewClient(testConfig(), WithTransport(st))
	require.NoError(t, err)

	opts := &RequestOptions{
		SkipCache: true,
		Params:    map[string][]string{"q": {"term"}, "page": {"2"}},
	}
	_, err = c.Get(context.Background(), "http://example.com/search", opts)
	require.NoError(t, err)
	assert.Equal(t, "page=2&q=term", gotQuery)
}

func TestClientTimeoutErrorCarriesDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxRetries = 0

	c, err := NewClient(cfg)
	require.NoError(t, err)
	defer c.Close()

	opts := &RequestOptions{Timeout: 30 * time.Millisecond}
	_, err = c.Get(context.Background(), srv.URL, opts)
	require.Error(t, err)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, ErrorTypeTimeout, reqErr.Type)
	assert.Equal(t, 30*time.Millisecond, reqErr.Timeout)
}

func TestClientMarksFailedEgress(t *testing.T) {
	st := &stubTransport{fn: func(int, *http.Request) (*http.Response, error) {
		return nil, connRefused()
	}}
	cfg := testConfig()
	cfg.MaxRetries = 3
	cfg.EgressEndpoints = []string{"http://proxy-a:8080", "http://proxy-b:8080"}

	c, err := NewClient(cfg, WithTransport(st))
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "http://example.com", nil)
	require.Error(t, err)

	assert.ElementsMatch(t, cfg.EgressEndpoints, c.EgressFailed())
	assert.Empty(t, c.EgressWorking())

	c.ResetFailedEgress()
	assert.Len(t, c.EgressWorking(), 2)
}

func TestClientCircuitBreakerOpensAfterThreshold(t *testing.T) {
	st := &stubTransport{fn: func(int, *http.Request) (*http.Response, error) {
		return nil, connRefused()
	}}
	cfg := testConfig()
	cfg.MaxRetries = 5
	cfg.CircuitBreaker = &CircuitBreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Hour,
	}

	c, err := NewClient(cfg, WithTransport(st))
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "http://example.com", nil)
	require.Error(t, err)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, ErrorTypeCircuitOpen, reqErr.Type)
	assert.Equal(t, 2, st.callCount(), "breaker opens after the threshold, stopping further attempts")
	assert.Equal(t, StateOpen, c.CircuitState())
}

func TestClientCoalescesConcurrentGets(t *testing.T) {
	st := &stubTransport{fn: func(int, *http.Request) (*http.Response, error) {
		time.Sleep(100 * time.Millisecond)
		return okResponse("shared"), nil
	}}
	cfg := testConfig()
	cfg.CoalesceRequests = true

	c, err := NewClient(cfg, WithTransport(st))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.Get(context.Background(), "http://example.com", nil)
			if err == nil && resp.Text != "shared" {
				err = errors.New("unexpected body")
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, st.callCount(), "concurrent identical GETs should share one upstream request")
}

func TestClientSharedRateLimiter(t *testing.T) {
	rl, err := NewRateLimiter(1000, time.Minute)
	require.NoError(t, err)

	st := &stubTransport{fn: func(int, *http.Request) (*http.Response, error) {
		return okResponse("ok"), nil
	}}

	c1, err := NewClient(testConfig(), WithTransport(st), WithRateLimiter(rl))
	require.NoError(t, err)
	c2, err := NewClient(testConfig(), WithTransport(st), WithRateLimiter(rl))
	require.NoError(t, err)

	opts := &RequestOptions{SkipCache: true}
	_, err = c1.Get(context.Background(), "http://example.com", opts)
	require.NoError(t, err)
	_, err = c2.Get(context.Background(), "http://example.com", opts)
	require.NoError(t, err)

	assert.Equal(t, 2, rl.Stats().RequestsInWindow)
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = -1
	cfg.RateLimit.RequestsPerSecond = 0

	_, err := NewClient(cfg)
	require.Error(t, err)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, ErrorTypeValidation, reqErr.Type)
	assert.Contains(t, reqErr.Message, "Timeout")
	assert.Contains(t, reqErr.Message, "RequestsPerSecond")
}

func TestResponseJSON(t *testing.T) {
	resp := &Response{URL: "http://example.com", Body: []byte(`{"name":"x","count":2}`)}

	var out struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, resp.JSON(&out))
	assert.Equal(t, "x", out.Name)
	assert.Equal(t, 2, out.Count)

	bad := &Response{URL: "http://example.com", Body: []byte("not json")}
	err := bad.JSON(&out)
	require.Error(t, err)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
}

func TestResponseOK(t *testing.T) {
	assert.True(t, (&Response{StatusCode: 200}).OK())
	assert.True(t, (&Response{StatusCode: 301}).OK())
	assert.False(t, (&Response{StatusCode: 404}).OK())
	assert.False(t, (&Response{StatusCode: 500}).OK())
}
