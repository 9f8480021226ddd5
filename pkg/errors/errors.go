// Package errors provides a structured error system for bibliocache with
// error codes, categories, and retryability hints.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for cache operations.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig    ErrorCode = "MISSING_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Tier store errors
	ErrCodeTierRead      ErrorCode = "TIER_READ"
	ErrCodeTierWrite     ErrorCode = "TIER_WRITE"
	ErrCodeTierDelete    ErrorCode = "TIER_DELETE"
	ErrCodeEntryNotFound ErrorCode = "ENTRY_NOT_FOUND"
	ErrCodeEntryDecode   ErrorCode = "ENTRY_DECODE"

	// Cold storage errors
	ErrCodeColdWrite         ErrorCode = "COLD_WRITE"
	ErrCodeColdRead          ErrorCode = "COLD_READ"
	ErrCodeColdObjectMissing ErrorCode = "COLD_OBJECT_MISSING"
	ErrCodeColdIndexCorrupt  ErrorCode = "COLD_INDEX_CORRUPT"

	// Provider errors
	ErrCodeProviderNotFound    ErrorCode = "PROVIDER_NOT_FOUND"
	ErrCodeProviderRateLimited ErrorCode = "PROVIDER_RATE_LIMITED"
	ErrCodeProviderTransport   ErrorCode = "PROVIDER_TRANSPORT"
	ErrCodeProviderTimeout     ErrorCode = "PROVIDER_TIMEOUT"

	// Warming pipeline errors
	ErrCodeQueueFull       ErrorCode = "QUEUE_FULL"
	ErrCodeInvalidMessage  ErrorCode = "INVALID_MESSAGE"
	ErrCodeRetryExhausted  ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeJobNotFound     ErrorCode = "JOB_NOT_FOUND"
	ErrCodeInvalidDepth    ErrorCode = "INVALID_DEPTH"

	// State errors
	ErrCodeAlreadyStarted     ErrorCode = "ALREADY_STARTED"
	ErrCodeNotStarted         ErrorCode = "NOT_STARTED"
	ErrCodeShutdownInProgress ErrorCode = "SHUTDOWN_IN_PROGRESS"
	ErrCodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"

	// Operation errors
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryTier          ErrorCategory = "tier"
	CategoryCold          ErrorCategory = "cold"
	CategoryProvider      ErrorCategory = "provider"
	CategoryWarming       ErrorCategory = "warming"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// CacheError is a structured error with a code, category, and context.
type CacheError struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	// Retryable marks transient failures that callers may retry with backoff.
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is matches on error code so sentinel comparisons work across wrapping.
func (e *CacheError) Is(target error) bool {
	if other, ok := target.(*CacheError); ok {
		return e.Code == other.Code
	}
	return false
}

// New creates a new CacheError with defaults derived from the code.
func New(code ErrorCode, message string) *CacheError {
	return &CacheError{
		Code:      code,
		Category:  categoryOf(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableByDefault(code),
	}
}

// Newf creates a new CacheError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *CacheError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new CacheError with an underlying cause.
func Wrap(code ErrorCode, message string, cause error) *CacheError {
	err := New(code, message)
	err.Cause = cause
	return err
}

// WithContext adds contextual information to the error.
func (e *CacheError) WithContext(key, value string) *CacheError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the originating component.
func (e *CacheError) WithComponent(component string) *CacheError {
	e.Component = component
	return e
}

// WithOperation sets the operation that failed.
func (e *CacheError) WithOperation(operation string) *CacheError {
	e.Operation = operation
	return e
}

// WithRetryable overrides the default retryability for the code.
func (e *CacheError) WithRetryable(retryable bool) *CacheError {
	e.Retryable = retryable
	return e
}

func categoryOf(code ErrorCode) ErrorCategory {
	s := string(code)
	switch {
	case strings.HasPrefix(s, "INVALID_CONFIG") || strings.HasPrefix(s, "MISSING_CONFIG") ||
		strings.HasPrefix(s, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(s, "TIER_") || strings.HasPrefix(s, "ENTRY_"):
		return CategoryTier
	case strings.HasPrefix(s, "COLD_"):
		return CategoryCold
	case strings.HasPrefix(s, "PROVIDER_"):
		return CategoryProvider
	case strings.HasPrefix(s, "QUEUE_") || strings.HasPrefix(s, "INVALID_MESSAGE") ||
		strings.HasPrefix(s, "RETRY_") || strings.HasPrefix(s, "JOB_") ||
		strings.HasPrefix(s, "INVALID_DEPTH"):
		return CategoryWarming
	case strings.HasPrefix(s, "ALREADY_") || strings.HasPrefix(s, "NOT_STARTED") ||
		strings.HasPrefix(s, "SHUTDOWN_") || strings.HasPrefix(s, "CIRCUIT_"):
		return CategoryState
	case strings.HasPrefix(s, "OPERATION_") || strings.HasPrefix(s, "VALIDATION_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

func retryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeProviderRateLimited,
		ErrCodeProviderTransport,
		ErrCodeProviderTimeout,
		ErrCodeOperationTimeout,
		ErrCodeTierRead,
		ErrCodeTierWrite,
		ErrCodeColdWrite,
		ErrCodeColdRead:
		return true
	}
	return false
}

// IsRetryable reports whether err is a CacheError marked retryable.
func IsRetryable(err error) bool {
	var cerr *CacheError
	if as(err, &cerr) {
		return cerr.Retryable
	}
	return false
}

// IsNotFound reports whether err represents a cache-absent result rather than
// a real failure (provider not-found or tier entry not found).
func IsNotFound(err error) bool {
	var cerr *CacheError
	if as(err, &cerr) {
		return cerr.Code == ErrCodeProviderNotFound || cerr.Code == ErrCodeEntryNotFound
	}
	return false
}

// CodeOf returns the error code of err, or ErrCodeInternalError when err is
// not a CacheError.
func CodeOf(err error) ErrorCode {
	var cerr *CacheError
	if as(err, &cerr) {
		return cerr.Code
	}
	return ErrCodeInternalError
}

// as is a local errors.As to avoid importing the stdlib package under the
// same name everywhere.
func as(err error, target **CacheError) bool {
	for err != nil {
		if cerr, ok := err.(*CacheError); ok {
			*target = cerr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
