package spyhunt

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/encoding/htmlindex"
)

// Transport abstracts the HTTP round trip so executors can be exercised with
// stub transports in tests. *http.Client satisfies it.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

// Response is an immutable value representing a completed request. It is
// owned by the caller once returned; none of its fields are mutated by the
// library after construction.
type Response struct {
	URL          string        `json:"url"`
	StatusCode   int           `json:"status_code"`
	Header       http.Header   `json:"header"`
	Body         []byte        `json:"body"`
	Text         string        `json:"text"`
	Encoding     string        `json:"encoding"`
	ResponseTime time.Duration `json:"response_time"`
	FromCache    bool          `json:"from_cache"`
}

// OK reports whether the status code indicates success (2xx or 3xx).
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 400
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &RequestError{
			Type:    ErrorTypeNetwork,
			URL:     r.URL,
			Message: "invalid JSON response",
			Cause:   err,
		}
	}
	return nil
}

// fromCache returns a copy flagged as served from cache. The body slice is
// shared; Response is treated as immutable so this is safe.
func (r *Response) fromCache() *Response {
	cp := *r
	cp.FromCache = true
	return &cp
}

// maxBodySize bounds how much of a response body is buffered (10 MiB).
const maxBodySize = 10 << 20

// newResponse drains the transport result into an immutable Response.
func newResponse(url string, hr *http.Response, elapsed time.Duration) (*Response, error) {
	defer hr.Body.Close()

	body, err := io.ReadAll(io.LimitReader(hr.Body, maxBodySize))
	if err != nil {
		return nil, err
	}

	text, encoding := decodeBody(body, hr.Header.Get("Content-Type"))

	return &Response{
		URL:          url,
		StatusCode:   hr.StatusCode,
		Header:       hr.Header.Clone(),
		Body:         body,
		Text:         text,
		Encoding:     encoding,
		ResponseTime: elapsed,
		FromCache:    false,
	}, nil
}

// decodeBody decodes body using the charset declared in the Content-Type
// header, falling back to UTF-8 when the charset is absent or unknown.
func decodeBody(body []byte, contentType string) (string, string) {
	charset := "utf-8"
	if contentType != "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			if cs, ok := params["charset"]; ok && cs != "" {
				charset = strings.ToLower(cs)
			}
		}
	}

	switch charset {
	case "utf-8", "utf8", "us-ascii", "ascii":
		return string(body), charset
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return string(body), "utf-8"
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return string(body), "utf-8"
	}
	return string(decoded), charset
}

// RequestOptions carries per-call overrides. The zero value is valid.
type RequestOptions struct {
	// Headers are merged into the request; a caller-supplied User-Agent
	// suppresses identity rotation for the call.
	Headers http.Header
	// Params are appended to the URL query string and take part in the
	// cache key.
	Params url.Values
	// Body is the request payload, if any.
	Body []byte
	// ContentType sets the Content-Type header when Body is present.
	ContentType string
	// Timeout overrides the configured per-attempt timeout.
	Timeout time.Duration
	// SkipCache bypasses cache lookup and store for this call.
	SkipCache bool
}

// userAgent returns the caller-supplied identity header, if any.
func (o *RequestOptions) userAgent() string {
	if o == nil || o.Headers == nil {
		return ""
	}
	return o.Headers.Get("User-Agent")
}
