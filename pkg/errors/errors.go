// Package errors defines the unified error type for ExLLM operations.
// All provider, transport, and runtime failures are mapped into LLMError so
// callers can branch on Kind without knowing which provider produced it.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind classifies an error independent of the provider that produced it.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindConfiguration Kind = "configuration"
	KindTransport     Kind = "transport"
	KindHTTP          Kind = "http"
	KindProtocol      Kind = "protocol"
	KindProvider      Kind = "provider"
	KindCircuitOpen   Kind = "circuit_open"
	KindBackpressure  Kind = "backpressure"
	KindCancelled     Kind = "cancelled"
	KindNotFound      Kind = "not_found"
	KindException     Kind = "exception"
)

// LLMError is the standardized error for all ExLLM operations.
type LLMError struct {
	Kind       Kind   `json:"kind"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	Retryable  bool   `json:"-"`
	// RetryAfter is a hint for circuit_open and rate-limit errors.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *LLMError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s (provider=%s, code=%d)", e.Kind, e.Message, e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *LLMError) Unwrap() error { return e.cause }

// WithCause attaches the underlying error.
func (e *LLMError) WithCause(err error) *LLMError {
	e.cause = err
	return e
}

// HTTPStatusCode returns the HTTP status to report for this error.
func (e *LLMError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// KindOf returns the Kind of err when it is an LLMError, or KindException.
func KindOf(err error) Kind {
	var le *LLMError
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindException
}

// IsRetryable reports whether err should be retried by the retry middleware.
func IsRetryable(err error) bool {
	var le *LLMError
	if errors.As(err, &le) {
		return le.Retryable
	}
	return false
}

// NewValidation creates a validation error (no I/O was performed).
func NewValidation(message string) *LLMError {
	return &LLMError{Kind: KindValidation, StatusCode: http.StatusBadRequest, Message: message}
}

// NewConfiguration creates a configuration error, e.g. a missing API key.
func NewConfiguration(provider, message string) *LLMError {
	return &LLMError{Kind: KindConfiguration, Provider: provider, Message: message}
}

// NewTransport creates a transport-level error (timeout, refused, closed).
// Transport errors are retryable outside of streaming.
func NewTransport(provider, message string) *LLMError {
	return &LLMError{Kind: KindTransport, Provider: provider, Message: message, Retryable: true}
}

// retryableStatuses is the exact set of HTTP statuses the retry middleware
// acts on. Other 5xx codes (501, 505) indicate a request the server will
// never accept and are not retried.
var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// rateLimitHints are body fragments that mark a 401 as throttling in
// disguise rather than a genuine auth failure.
var rateLimitHints = []string{
	"rate limit",
	"too many requests",
	"quota exceeded",
	"retry after",
	"throttle",
}

// RateLimitedBody reports whether an error body matches a rate-limit hint.
func RateLimitedBody(body string) bool {
	lower := strings.ToLower(body)
	for _, hint := range rateLimitHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// NewHTTP creates an error carrying the provider's HTTP status and body.
// Retryability covers 429, 500, 502, 503, 504, and 401 responses whose body
// carries rate-limit hints.
func NewHTTP(provider string, status int, message string) *LLMError {
	retryable := retryableStatuses[status] ||
		(status == http.StatusUnauthorized && RateLimitedBody(message))
	return &LLMError{
		Kind:       KindHTTP,
		StatusCode: status,
		Provider:   provider,
		Message:    message,
		Retryable:  retryable,
	}
}

// NewProtocol creates a decoder error for unparseable payloads.
func NewProtocol(provider, message string) *LLMError {
	return &LLMError{Kind: KindProtocol, Provider: provider, Message: message}
}

// NewProvider wraps a provider-reported error object verbatim.
func NewProvider(provider string, status int, message string) *LLMError {
	return &LLMError{Kind: KindProvider, StatusCode: status, Provider: provider, Message: message}
}

// NewCircuitOpen creates the short-circuit error with a retry hint.
// The retry middleware never retries circuit_open.
func NewCircuitOpen(provider string, retryAfter time.Duration) *LLMError {
	return &LLMError{
		Kind:       KindCircuitOpen,
		StatusCode: http.StatusServiceUnavailable,
		Provider:   provider,
		Message:    "circuit breaker is open",
		RetryAfter: retryAfter,
	}
}

// NewBackpressure signals that the stream buffer cannot accept more chunks.
func NewBackpressure() *LLMError {
	return &LLMError{Kind: KindBackpressure, Message: "consumer cannot keep up"}
}

// NewCancelled creates a cancellation error.
func NewCancelled(message string) *LLMError {
	return &LLMError{Kind: KindCancelled, Message: message}
}

// NewNotFound creates a lookup error for cache and recovery stores.
func NewNotFound(what string) *LLMError {
	return &LLMError{Kind: KindNotFound, StatusCode: http.StatusNotFound, Message: what + " not found"}
}

// NewException wraps an unexpected panic or internal failure.
func NewException(message string) *LLMError {
	return &LLMError{Kind: KindException, StatusCode: http.StatusInternalServerError, Message: message}
}
