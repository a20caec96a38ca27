package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure surfaced to API and tool callers.
type ErrorCode string

const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST" // 400
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"    // 401
	ErrNotFound       ErrorCode = "NOT_FOUND"       // 404
	ErrConflict       ErrorCode = "CONFLICT"        // 409
	ErrInternal       ErrorCode = "INTERNAL"        // 500
)

// KiokuError is a structured error with a code, HTTP status and details.
type KiokuError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
	cause   error
}

// Error implements the error interface.
func (e *KiokuError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error of an internal failure, if any.
func (e *KiokuError) Unwrap() error {
	return e.cause
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *KiokuError {
	return &KiokuError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewUnauthorized creates a 401 error when the learner cannot be identified.
func NewUnauthorized(msg string) *KiokuError {
	return &KiokuError{
		Code:    ErrUnauthorized,
		Status:  401,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing card, item, source or log entry.
func NewNotFound(kind, identifier string) *KiokuError {
	return &KiokuError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("%s not found: %s", kind, identifier),
		Details: map[string]any{"kind": kind, "identifier": identifier},
	}
}

// NewConflict creates a 409 error, used when a card changed underneath a review.
func NewConflict(msg string) *KiokuError {
	return &KiokuError{
		Code:    ErrConflict,
		Status:  409,
		Message: msg,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *KiokuError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &KiokuError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		cause:   err,
	}
}

// Is checks if err is, or wraps, a KiokuError with the given code.
func Is(err error, code ErrorCode) bool {
	var kErr *KiokuError
	if stderrors.As(err, &kErr) {
		return kErr.Code == code
	}
	return false
}

// As returns the KiokuError in err's chain, wrapping anything else as internal.
func As(err error) *KiokuError {
	var kErr *KiokuError
	if stderrors.As(err, &kErr) {
		return kErr
	}
	return NewInternal(err)
}
