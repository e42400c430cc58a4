// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")

	// ErrConfiguration is fatal at construction time (missing credentials, role, bucket).
	ErrConfiguration = errors.New("configuration error")
	// ErrEmptyInput is returned when a submission has no documents.
	ErrEmptyInput = errors.New("empty input")
	// ErrResultUnavailable means the provider reported completion but the
	// artifact is not readable yet. Retryable on a later pass.
	ErrResultUnavailable = errors.New("result unavailable")
	// ErrCorrelationMismatch means results cannot be safely attributed to documents.
	ErrCorrelationMismatch = errors.New("correlation mismatch")
	// ErrMalformedResult is item-local: the item is skipped, the job continues.
	ErrMalformedResult = errors.New("malformed result")
	// ErrSinkWrite means the upsert into the result sink failed.
	ErrSinkWrite = errors.New("sink write failed")
	// ErrProviderFailed means the provider produced no usable output at all.
	ErrProviderFailed = errors.New("provider failed")
	// ErrInvalidTransition is returned for a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "documents", "job_name")
	Resource string // For not found/conflict (e.g., "job")
	Op       string // Operation that failed (e.g., "tagged.uploadFile")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Configuration reports a missing or invalid setting.
func Configuration(field, message string) error {
	return &Error{
		Sentinel: ErrConfiguration,
		Message:  message,
		Field:    field,
	}
}

// EmptyInput reports a submission without documents.
func EmptyInput(message string) error {
	return &Error{
		Sentinel: ErrEmptyInput,
		Message:  message,
		Field:    "documents",
	}
}

// ResultUnavailable reports a missing or unreadable result artifact.
func ResultUnavailable(op string, cause error) error {
	msg := op + ": result not available yet"
	if cause != nil {
		msg = fmt.Sprintf("%s: result not available yet: %v", op, cause)
	}
	return &Error{
		Sentinel: ErrResultUnavailable,
		Message:  msg,
		Op:       op,
		Cause:    cause,
	}
}

// CorrelationMismatch reports results that cannot be paired with their documents.
func CorrelationMismatch(jobID string, expected, got int) error {
	return &Error{
		Sentinel: ErrCorrelationMismatch,
		Message:  fmt.Sprintf("job %s: expected %d results, got %d", jobID, expected, got),
		Resource: "job",
	}
}

// DuplicateCorrelation reports two results claiming the same document.
func DuplicateCorrelation(jobID, documentID string) error {
	return &Error{
		Sentinel: ErrCorrelationMismatch,
		Message:  fmt.Sprintf("job %s: document %s matched by more than one result", jobID, documentID),
		Resource: "job",
	}
}

// Malformed reports a single unparsable result item.
func Malformed(op string, cause error) error {
	return &Error{
		Sentinel: ErrMalformedResult,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// SinkWrite wraps a failed result upsert.
func SinkWrite(op string, cause error) error {
	return &Error{
		Sentinel: ErrSinkWrite,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// ProviderFailed reports a batch that finished without usable output.
func ProviderFailed(op, reason string) error {
	return &Error{
		Sentinel: ErrProviderFailed,
		Message:  fmt.Sprintf("%s: %s", op, reason),
		Op:       op,
	}
}

// InvalidTransition reports a forbidden status change.
func InvalidTransition(from, to string) error {
	return &Error{
		Sentinel: ErrInvalidTransition,
		Message:  fmt.Sprintf("transition %s -> %s not allowed", from, to),
		Resource: "job",
	}
}
