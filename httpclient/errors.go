package httpclient

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// TimeoutError is returned when a single attempt exceeds its time bound
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timed out after %s", e.Timeout)
}

// NetworkError is a transport failure (StatusCode 0) or a non-2xx response
type NetworkError struct {
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("network error calling %s: %v", e.URL, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("%s returned %d - Details: %s", e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s returned error code: %d", e.URL, e.StatusCode)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient: transport errors, 5xx, 408 and 429
func (e *NetworkError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// CircuitOpenError means the origin's breaker refused the call without attempting it
type CircuitOpenError struct {
	Origin string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s: too many recent failures", e.Origin)
}

// IsTimeout reports whether err is or wraps a *TimeoutError
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsCircuitOpen reports whether err is or wraps a *CircuitOpenError
func IsCircuitOpen(err error) bool {
	var ce *CircuitOpenError
	return errors.As(err, &ce)
}

// StatusCode extracts the HTTP status from a wrapped *NetworkError, or 0
func StatusCode(err error) int {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.StatusCode
	}
	return 0
}

// DefaultRetryCondition retries timeouts and transient network failures, never an open circuit
func DefaultRetryCondition(err error) bool {
	if err == nil || IsCircuitOpen(err) {
		return false
	}
	if IsTimeout(err) {
		return true
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable()
	}
	return false
}
