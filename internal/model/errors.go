package model

import (
	"errors"
	"fmt"
)

// Error is the structured error returned across the write path and recorded
// against failed operations.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	OperationID string
	EntityType  string
	EntityID    string

	// StatusCode is the HTTP status of the remote response, when there was one.
	StatusCode int

	// Remote is the server state carried by a conflict response.
	Remote *RemoteState

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes errors.
type ErrorCode string

const (
	// ErrCodeValidation rejects input before it is queued. Never retried.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeTransient covers timeouts, 5xx and lost connectivity.
	ErrCodeTransient ErrorCode = "TRANSIENT"

	// ErrCodeConflict means the remote version no longer matches the base.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeFatalRemote is a 4xx rejection other than a conflict.
	ErrCodeFatalRemote ErrorCode = "FATAL_REMOTE"

	// ErrCodeStorage is a queue or cache persistence failure.
	ErrCodeStorage ErrorCode = "STORAGE"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	switch {
	case e.OperationID != "" && e.StatusCode != 0:
		return fmt.Sprintf("%s: %s (op=%s, status=%d)", e.Code, msg, e.OperationID, e.StatusCode)
	case e.OperationID != "":
		return fmt.Sprintf("%s: %s (op=%s)", e.Code, msg, e.OperationID)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %s (status=%d)", e.Code, msg, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsValidation(err error) bool { return CodeOf(err) == ErrCodeValidation }
func IsTransient(err error) bool  { return CodeOf(err) == ErrCodeTransient }
func IsConflict(err error) bool   { return CodeOf(err) == ErrCodeConflict }
func IsFatal(err error) bool      { return CodeOf(err) == ErrCodeFatalRemote }
func IsStorage(err error) bool    { return CodeOf(err) == ErrCodeStorage }

// RemoteOf extracts the remote state carried by a conflict error.
func RemoteOf(err error) *RemoteState {
	var e *Error
	if errors.As(err, &e) {
		return e.Remote
	}
	return nil
}

// NewValidationError creates an Error for rejected input.
func NewValidationError(format string, args ...any) *Error {
	return &Error{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NewStorageError wraps a persistence failure.
func NewStorageError(op string, err error) *Error {
	return &Error{Code: ErrCodeStorage, Message: op, Err: err}
}
