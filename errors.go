package spyhunt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
	"time"
)

// Error type constants used in RequestError.Type.
const (
	// ErrorTypeNetwork is the generic transport failure (retryable).
	ErrorTypeNetwork = "Network"
	// ErrorTypeConnection indicates the connection could not be established (retryable).
	ErrorTypeConnection = "Connection"
	// ErrorTypeProxy indicates the egress endpoint itself failed (retryable).
	ErrorTypeProxy = "Proxy"
	// ErrorTypeTimeout indicates the per-attempt timeout elapsed (retryable).
	ErrorTypeTimeout = "Timeout"
	// ErrorTypeRequest indicates the request could not be constructed (non-retryable).
	ErrorTypeRequest = "Request"
	// ErrorTypeTLS indicates a hard TLS verification failure (non-retryable).
	ErrorTypeTLS = "TLS"
	// ErrorTypeCircuitOpen indicates the circuit breaker rejected the attempt (non-retryable).
	ErrorTypeCircuitOpen = "CircuitOpen"
	// ErrorTypeValidation indicates invalid construction configuration.
	ErrorTypeValidation = "Validation"
)

// RequestError is the single typed error surfaced by executors. Retryable
// failures are retried internally and only the last attempt's error escapes.
type RequestError struct {
	Type       string
	URL        string
	StatusCode int
	// Timeout carries the per-attempt timeout that was exceeded for
	// ErrorTypeTimeout errors.
	Timeout time.Duration
	// Proxy names the egress endpoint involved in the failing attempt, if any.
	Proxy   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.URL != "" {
		msg = fmt.Sprintf("%s (url: %s)", msg, e.URL)
	}
	if e.Type == ErrorTypeTimeout && e.Timeout > 0 {
		msg = fmt.Sprintf("%s (timeout: %v)", msg, e.Timeout)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *RequestError) Is(target error) bool {
	if e == nil {
		return false
	}
	if t, ok := target.(*RequestError); ok {
		return e.Type == t.Type
	}
	return false
}

// IsRetryable is the pure classification consumed by the retry loop: timeout,
// connection, proxy and generic network failures are retryable; request
// construction errors, TLS verification failures, open circuits and
// context cancellation are not.
func IsRetryable(err error) bool {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		return false
	}
	switch reqErr.Type {
	case ErrorTypeTimeout, ErrorTypeConnection, ErrorTypeProxy, ErrorTypeNetwork:
		return true
	default:
		return false
	}
}

// classifyTransportError maps a raw transport error to the typed taxonomy.
// proxy is the egress endpoint used for the attempt ("" when direct).
func classifyTransportError(rawURL string, timeout time.Duration, proxy string, err error) *RequestError {
	// Unwrap the url.Error shell net/http returns.
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Err != nil {
		err = uerr.Err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &RequestError{
			Type:    ErrorTypeTimeout,
			URL:     rawURL,
			Timeout: timeout,
			Proxy:   proxy,
			Message: "request timed out",
			Cause:   err,
		}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &RequestError{
			Type:    ErrorTypeTimeout,
			URL:     rawURL,
			Timeout: timeout,
			Proxy:   proxy,
			Message: "request timed out",
			Cause:   err,
		}
	}

	if isTLSVerificationError(err) {
		return &RequestError{
			Type:    ErrorTypeTLS,
			URL:     rawURL,
			Proxy:   proxy,
			Message: "TLS verification failed",
			Cause:   err,
		}
	}

	if isConnectionError(err) {
		typ := ErrorTypeConnection
		msg := "connection failed"
		if proxy != "" {
			typ = ErrorTypeProxy
			msg = "egress endpoint failed"
		}
		return &RequestError{
			Type:    typ,
			URL:     rawURL,
			Proxy:   proxy,
			Message: msg,
			Cause:   err,
		}
	}

	return &RequestError{
		Type:    ErrorTypeNetwork,
		URL:     rawURL,
		Proxy:   proxy,
		Message: "request failed",
		Cause:   err,
	}
}

func isTLSVerificationError(err error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return true
	}
	var hostname x509.HostnameError
	if errors.As(err, &hostname) {
		return true
	}
	var invalid x509.CertificateInvalidError
	return errors.As(err, &invalid)
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
