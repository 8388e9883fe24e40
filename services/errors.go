package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeConfiguration         ErrorType = "configuration"
	ErrorTypeValidation            ErrorType = "validation"
	ErrorTypeUnauthorized          ErrorType = "unauthorized"
	ErrorTypeRateLimit             ErrorType = "rate_limit"
	ErrorTypeQuotaExceeded         ErrorType = "quota_exceeded"
	ErrorTypeRemoteTransient       ErrorType = "remote_transient"
	ErrorTypeRemotePermanent       ErrorType = "remote_permanent"
	ErrorTypeAllProvidersExhausted ErrorType = "all_providers_exhausted"
	ErrorTypeBatchSplit            ErrorType = "batch_split"
	ErrorTypeInternal              ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail returns a copy of the error carrying one more detail. The
// receiver is left untouched, so package-level errors stay shared safely.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	out := *e
	out.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

var (
	ErrMissingCredential = NewDomainError(ErrorTypeConfiguration, "missing provider credentials", nil)
	ErrUnknownProvider   = NewDomainError(ErrorTypeConfiguration, "unknown provider", nil)

	ErrInvalidInput = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrEmptyPrompt  = NewDomainError(ErrorTypeValidation, "prompt cannot be empty", nil)
	ErrEmptyBatch   = NewDomainError(ErrorTypeValidation, "batch must contain at least one task", nil)

	ErrUnauthorized = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)

	ErrRateLimitExceeded = NewDomainError(ErrorTypeRateLimit, "rate limit exceeded", nil)
	ErrQuotaExceeded     = NewDomainError(ErrorTypeQuotaExceeded, "provider quota exceeded", nil)

	ErrRemoteTransient = NewDomainError(ErrorTypeRemoteTransient, "transient provider failure", nil)
	ErrRemotePermanent = NewDomainError(ErrorTypeRemotePermanent, "permanent provider failure", nil)

	ErrAllProvidersExhausted = NewDomainError(ErrorTypeAllProvidersExhausted, "all providers exhausted", nil)
	ErrBatchSplit            = NewDomainError(ErrorTypeBatchSplit, "batch response could not be split", nil)

	ErrInternal = NewDomainError(ErrorTypeInternal, "internal server error", nil)
)

// AttemptFailure records why one provider was given up on while serving a request.
type AttemptFailure struct {
	Provider string    `json:"provider"`
	Type     ErrorType `json:"type"`
	Reason   string    `json:"reason"`
}

// NewAllProvidersExhaustedError builds the terminal fallback error. The attempts
// are kept in the order the providers were tried.
func NewAllProvidersExhaustedError(attempts []AttemptFailure) *DomainError {
	list := make([]AttemptFailure, len(attempts))
	copy(list, attempts)
	return NewDomainError(ErrorTypeAllProvidersExhausted,
		fmt.Sprintf("no provider could serve the request after %d attempts", len(list)), nil).
		WithDetail("attempts", list)
}

// ExhaustedAttempts returns the ordered attempt list carried by an
// all_providers_exhausted error, or nil for any other error.
func ExhaustedAttempts(err error) []AttemptFailure {
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Type != ErrorTypeAllProvidersExhausted {
		return nil
	}
	attempts, _ := domainErr.Details["attempts"].([]AttemptFailure)
	return attempts
}

// NewBatchSplitError reports that the answer for one task of a batch could not be
// located in the combined response.
func NewBatchSplitError(index, expected, got int) *DomainError {
	return NewDomainError(ErrorTypeBatchSplit,
		fmt.Sprintf("missing answer for task %d (expected %d segments, found %d)", index+1, expected, got), nil).
		WithDetail("index", index).
		WithDetail("expected", expected).
		WithDetail("got", got)
}

// NewConfigurationError wraps a startup problem.
func NewConfigurationError(message string, err error) *DomainError {
	return NewDomainError(ErrorTypeConfiguration, message, err)
}

// Error type checking helper functions

// IsConfigurationError checks if an error is a configuration error
func IsConfigurationError(err error) bool {
	return GetErrorType(err) == ErrorTypeConfiguration
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsRateLimitError checks if an error is an ingress rate limit error
func IsRateLimitError(err error) bool {
	return errors.Is(err, ErrRateLimitExceeded)
}

// IsQuotaExceededError checks if an error is a provider quota error
func IsQuotaExceededError(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsRemoteTransientError checks if an error is a retryable remote failure
func IsRemoteTransientError(err error) bool {
	return errors.Is(err, ErrRemoteTransient)
}

// IsRemotePermanentError checks if an error is a non-retryable remote failure
func IsRemotePermanentError(err error) bool {
	return errors.Is(err, ErrRemotePermanent)
}

// IsAllProvidersExhaustedError checks if the fallback chain ran out of providers
func IsAllProvidersExhaustedError(err error) bool {
	return errors.Is(err, ErrAllProvidersExhausted)
}

// IsBatchSplitError checks if an error is a batch split error
func IsBatchSplitError(err error) bool {
	return errors.Is(err, ErrBatchSplit)
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return errors.Is(err, ErrInternal)
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}
