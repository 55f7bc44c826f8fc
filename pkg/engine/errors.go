package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary provider failure that may succeed on retry.
	// Examples: throttling, network timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermission indicates the caller lacks the rights to perform the call.
	// Never retried.
	ErrorClassPermission ErrorClass = "permission"

	// ErrorClassConflict indicates another operation is in flight on the same stack.
	// Serialize, then retry once the stack settles.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassNotFound indicates the stack, bucket or resource does not exist.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassValidation indicates the request itself was rejected.
	// Examples: malformed template, unknown parameter.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassDiagnosed indicates a failure with a known category and recovery path.
	ErrorClassDiagnosed ErrorClass = "diagnosed"

	// ErrorClassUnknown indicates a failure no diagnosis rule matched.
	ErrorClassUnknown ErrorClass = "unknown"

	// ErrorClassTimeout indicates a wall-clock budget was exhausted.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassCancelled indicates the caller cancelled the operation.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the stack, bucket or logical resource that caused the error.
	Resource string `json:"resource,omitempty"`

	// Operation is the provider operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	} else if e.Operation != "" {
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code agree; an empty code on the
// target matches any code of the same class.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Class == t.Class
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, ErrCodeProviderFailed, message, err)
}

// NewThrottledError creates a transient error caused by provider rate limiting.
func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, ErrCodeRateLimited, message, err)
}

// NewPermissionError creates a new permission error.
func NewPermissionError(message string, err error) *EngineError {
	return newError(ErrorClassPermission, ErrCodePermissionDenied, message, err)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, ErrCodeConflict, message, err)
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(message string, err error) *EngineError {
	return newError(ErrorClassNotFound, ErrCodeNotFound, message, err)
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return newError(ErrorClassValidation, ErrCodeValidation, message, err)
}

// NewAlreadyExistsError creates a conflict error for a name that is already taken.
func NewAlreadyExistsError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, ErrCodeAlreadyExists, message, err)
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string, err error) *EngineError {
	return newError(ErrorClassTimeout, ErrCodeTimeout, message, err)
}

// NewCancelledError creates a new cancellation error.
func NewCancelledError(message string, err error) *EngineError {
	return newError(ErrorClassCancelled, ErrCodeCancelled, message, err)
}

// NewDiagnosedFailure creates an error carrying a diagnosed failure category.
func NewDiagnosedFailure(category Category, message string) *EngineError {
	return newError(ErrorClassDiagnosed, string(category), message, nil)
}

// NewUnknownFailure creates an error for a failure that no rule explains.
func NewUnknownFailure(message string, err error) *EngineError {
	return newError(ErrorClassUnknown, ErrCodeInternal, message, err)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first EngineError in the chain, or
// ErrorClassUnknown when there is none.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassUnknown
}

// CodeOf returns the code of the first EngineError in the chain.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassTransient
}

// IsPermission returns true if the error is classified as a permission failure.
func IsPermission(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassPermission
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassConflict
}

// IsNotFound returns true if the error is classified as not found.
func IsNotFound(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassNotFound
}

// IsAlreadyExists returns true if the error reports a taken name.
func IsAlreadyExists(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeAlreadyExists
}

// IsRetryable returns true if the error can be retried.
// Transient and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsConflict(err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeOwnedByYou       = "ALREADY_OWNED_BY_YOU"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeProviderFailed   = "PROVIDER_FAILED"
	ErrCodeNoChanges        = "NO_CHANGES"
)
