// Package core provides core types and interfaces for the weather proxy.
package core

import (
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// ErrorType represents the type of error that occurred
type ErrorType string

const (
	// ErrorTypeValidation indicates malformed request parameters (400)
	ErrorTypeValidation ErrorType = "validation_error"
	// ErrorTypeAuthentication indicates a missing or wrong proxy token (401)
	ErrorTypeAuthentication ErrorType = "authentication_error"
	// ErrorTypeNotFound indicates an unknown route (404)
	ErrorTypeNotFound ErrorType = "not_found_error"
	// ErrorTypeRateLimit indicates the caller exhausted its token bucket (429)
	ErrorTypeRateLimit ErrorType = "rate_limit_error"
	// ErrorTypeUpstream indicates the weather provider failed (503)
	ErrorTypeUpstream ErrorType = "upstream_error"
	// ErrorTypeUpstreamTimeout indicates the weather provider did not answer in time (503)
	ErrorTypeUpstreamTimeout ErrorType = "upstream_timeout"
	// ErrorTypeCircuitOpen indicates the breaker rejected the call without trying upstream (503)
	ErrorTypeCircuitOpen ErrorType = "circuit_open_error"
)

// ProxyError is the base error type for all client-facing proxy errors
type ProxyError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`
	// UpstreamStatus is the provider's HTTP status, 0 when no response was received
	UpstreamStatus int `json:"upstream_status,omitempty"`
	// RetryAfter hints when the caller may try again; zero means unknown
	RetryAfter time.Duration `json:"-"`
	// Retryable marks upstream failures worth another attempt
	Retryable bool `json:"-"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *ProxyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *ProxyError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeUpstream, ErrorTypeUpstreamTimeout, ErrorTypeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map
func (e *ProxyError) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    e.Type,
			"message": e.Message,
		},
	}
}

// NewValidationError creates a new validation error (400)
func NewValidationError(message string, err error) *ProxyError {
	return &ProxyError{
		Type:       ErrorTypeValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Err:        err,
	}
}

// NewAuthenticationError creates a new authentication error (401)
func NewAuthenticationError(message string) *ProxyError {
	return &ProxyError{
		Type:       ErrorTypeAuthentication,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

// NewNotFoundError creates a new not found error (404)
func NewNotFoundError(message string) *ProxyError {
	return &ProxyError{
		Type:       ErrorTypeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

// NewRateLimitError creates a new rate limit error (429)
func NewRateLimitError(message string, retryAfter time.Duration) *ProxyError {
	return &ProxyError{
		Type:       ErrorTypeRateLimit,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

// NewUpstreamError creates a new upstream error (503).
// upstreamStatus is the provider's status code, or 0 for transport failures.
func NewUpstreamError(upstreamStatus int, message string, retryable bool, err error) *ProxyError {
	return &ProxyError{
		Type:           ErrorTypeUpstream,
		Message:        message,
		StatusCode:     http.StatusServiceUnavailable,
		UpstreamStatus: upstreamStatus,
		Retryable:      retryable,
		Err:            err,
	}
}

// NewUpstreamTimeoutError creates a new upstream timeout error (503)
func NewUpstreamTimeoutError(timeout time.Duration, err error) *ProxyError {
	return &ProxyError{
		Type:       ErrorTypeUpstreamTimeout,
		Message:    fmt.Sprintf("weather provider did not respond within %s", timeout),
		StatusCode: http.StatusServiceUnavailable,
		Retryable:  true,
		Err:        err,
	}
}

// NewCircuitOpenError creates a new circuit open error (503)
func NewCircuitOpenError(retryAfter time.Duration) *ProxyError {
	return &ProxyError{
		Type:       ErrorTypeCircuitOpen,
		Message:    "circuit breaker is open - weather provider temporarily unavailable",
		StatusCode: http.StatusServiceUnavailable,
		RetryAfter: retryAfter,
	}
}

// IsRetryableStatus reports whether an upstream status code is worth retrying.
func IsRetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusRequestTimeout ||
		statusCode >= http.StatusInternalServerError
}

// maxUpstreamMessage bounds how many bytes of a raw provider body are echoed.
const maxUpstreamMessage = 200

// truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// ParseUpstreamError builds an upstream error from a provider response.
// OpenWeather reports {"cod":401,"message":"Invalid API key"}; other providers
// nest the message under "error".
func ParseUpstreamError(statusCode int, body []byte) *ProxyError {
	message := ""
	if gjson.ValidBytes(body) {
		for _, path := range []string{"message", "error.message", "error"} {
			if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String && r.String() != "" {
				message = r.String()
				break
			}
		}
	}
	if message == "" {
		message = truncate(strings.TrimSpace(string(body)), maxUpstreamMessage)
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}

	return NewUpstreamError(statusCode,
		fmt.Sprintf("weather provider returned %d: %s", statusCode, message),
		IsRetryableStatus(statusCode), nil)
}
