package torrent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrorKind is the coarse class of a pipeline failure.
type ErrorKind string

// Error kinds recorded on tasks and surfaced to notification sinks.
const (
	KindNone              ErrorKind = ""
	KindParse             ErrorKind = "parse"
	KindDuplicate         ErrorKind = "duplicate"
	KindResourceExhausted ErrorKind = "resource_exhausted"
	KindResourceUnhealthy ErrorKind = "resource_unhealthy"
	KindRateLimit         ErrorKind = "rate_limit"
	KindCircuitOpen       ErrorKind = "circuit_open"
	KindOracle            ErrorKind = "oracle"
	KindAuth              ErrorKind = "auth"
	KindPermission        ErrorKind = "permission"
	KindBadRequest        ErrorKind = "bad_request"
	KindServer            ErrorKind = "server"
	KindNetwork           ErrorKind = "network"
	KindTimeout           ErrorKind = "timeout"
	KindCanceled          ErrorKind = "canceled"
	KindUnknown           ErrorKind = "unknown"
)

// Sentinel errors; components wrap these so callers can use errors.Is.
var (
	ErrParse             = errors.New("malformed identifier")
	ErrDuplicate         = errors.New("duplicate identifier")
	ErrResourceExhausted = errors.New("resource pool exhausted")
	ErrResourceUnhealthy = errors.New("resource unhealthy")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrCircuitOpen       = errors.New("circuit open")
	ErrOracle            = errors.New("classifier oracle failed")
	ErrNotFound          = errors.New("not found")
	ErrClosed            = errors.New("closed")
)

// DownstreamError is a non-2xx answer from the downstream API.
type DownstreamError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *DownstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: downstream status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: downstream status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Kind maps the HTTP status to an error kind.
func (e *DownstreamError) Kind() ErrorKind {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return KindAuth
	case e.StatusCode == http.StatusForbidden:
		return KindPermission
	case e.StatusCode == http.StatusTooManyRequests:
		return KindRateLimit
	case e.StatusCode == http.StatusRequestTimeout:
		return KindTimeout
	case e.StatusCode >= 500:
		return KindServer
	case e.StatusCode >= 400:
		return KindBadRequest
	default:
		return KindUnknown
	}
}

// CircuitOpenError is returned by a breaker that rejected a call.
type CircuitOpenError struct {
	Endpoint   string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (retry after %s)", e.Endpoint, e.RetryAfter)
}

// Unwrap lets errors.Is(err, ErrCircuitOpen) match.
func (e *CircuitOpenError) Unwrap() error {
	return ErrCircuitOpen
}

// KindOf classifies err. A nil error has KindNone.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var downstream *DownstreamError
	switch {
	case errors.Is(err, ErrParse):
		return KindParse
	case errors.Is(err, ErrDuplicate):
		return KindDuplicate
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, ErrResourceUnhealthy):
		return KindResourceUnhealthy
	case errors.Is(err, ErrRateLimitExceeded):
		return KindRateLimit
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrOracle):
		return KindOracle
	case errors.As(err, &downstream):
		return downstream.Kind()
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindUnknown
}

// Retryable reports whether the submit loop should try again after err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindResourceExhausted, KindResourceUnhealthy, KindRateLimit, KindCircuitOpen,
		KindServer, KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

// IsDownstreamFailure reports whether err indicates the downstream itself is
// unhealthy. Only these count against the circuit breaker.
func IsDownstreamFailure(err error) bool {
	switch KindOf(err) {
	case KindServer, KindNetwork, KindTimeout, KindResourceUnhealthy:
		return true
	default:
		return false
	}
}
