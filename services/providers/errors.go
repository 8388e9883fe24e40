package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/upb/llm-router/services"
)

// ErrorKind classifies a failed provider call.
type ErrorKind string

const (
	ErrorKindAuth            ErrorKind = "auth"
	ErrorKindRateLimited     ErrorKind = "rate_limited"
	ErrorKindTimeout         ErrorKind = "timeout"
	ErrorKindNetwork         ErrorKind = "network"
	ErrorKindInvalidResponse ErrorKind = "invalid_response"
)

// Retryable reports whether a failure of this kind may succeed on the same provider.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindRateLimited, ErrorKindTimeout, ErrorKindNetwork:
		return true
	}
	return false
}

// ProviderError represents an error from a provider
type ProviderError struct {
	// Provider that generated the error
	Provider string

	// Kind is the failure class
	Kind ErrorKind

	// Code is the provider specific error code, if any
	Code string

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Retryable indicates if the request can be retried
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Provider, e.Kind, e.Message)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error; retryability follows the kind.
func NewProviderError(provider string, kind ErrorKind, code, message string, statusCode int, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Kind:       kind,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  kind.Retryable(),
		Cause:      cause,
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}

// KindOf returns the failure kind of err. Errors that did not come from a
// provider adapter are treated as network failures, except context errors.
func KindOf(err error) ErrorKind {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Kind
	}
	return ClassifyTransportError(err)
}

// ClassifyStatus maps a non-2xx HTTP status to a failure kind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorKindAuth
	case status == http.StatusTooManyRequests:
		return ErrorKindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrorKindTimeout
	case status >= 500:
		return ErrorKindNetwork
	default:
		return ErrorKindInvalidResponse
	}
}

// ClassifyTransportError maps an error returned by http.Client.Do.
func ClassifyTransportError(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorKindTimeout
	}
	return ErrorKindNetwork
}

// ToDomainError converts a provider failure into the router error taxonomy.
func ToDomainError(err error) *services.DomainError {
	kind := KindOf(err)
	errType := services.ErrorTypeRemotePermanent
	if kind.Retryable() {
		errType = services.ErrorTypeRemoteTransient
	}
	return services.NewDomainError(errType, string(kind), err).WithDetail("kind", string(kind))
}
