package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// AppError represents an application error with additional context
type AppError struct {
	Code    string         // Error code for client
	Message string         // Human-readable message
	Err     error          // Underlying error
	Context map[string]any // Structured context for logs and the audit trail
}

// Error implements the error interface
func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Context[k])
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// With returns the error with an extra context field set
func (e *AppError) With(key string, value any) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Common error codes
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternal      = "INTERNAL_ERROR"
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeDatabaseError = "DATABASE_ERROR"
	ErrCodeInvalidInput  = "INVALID_INPUT"
)

// Archival and sync error codes
const (
	ErrCodeFileLocked          = "FILE_LOCKED"
	ErrCodeNotSteady           = "NOT_STEADY"
	ErrCodeFileNotReady        = "FILE_NOT_READY"
	ErrCodeFingerprintMismatch = "FINGERPRINT_MISMATCH"
	ErrCodeTransientNetwork    = "TRANSIENT_NETWORK"
	ErrCodePermanentRemote     = "PERMANENT_REMOTE"
	ErrCodePartialArchival     = "PARTIAL_ARCHIVAL_FAILURE"
	ErrCodeAlreadyTerminal     = "ALREADY_TERMINAL"
	ErrCodeInProgress          = "IN_PROGRESS"
)

// New creates a new AppError
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Validation creates a validation error
func Validation(message string) *AppError {
	return New(ErrCodeValidation, message)
}

// NotFound creates a not found error
func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

// Unauthorized creates an unauthorized error
func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

// Forbidden creates a forbidden error
func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

// Conflict creates a conflict error
func Conflict(message string) *AppError {
	return New(ErrCodeConflict, message)
}

// Internal creates an internal error
func Internal(message string, err error) *AppError {
	return Wrap(err, ErrCodeInternal, message)
}

// DatabaseError creates a database error
func DatabaseError(message string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseError, message)
}

// FileLocked reports a file held open by another process
func FileLocked(path string) *AppError {
	return New(ErrCodeFileLocked, "file is open in another program").With("path", path)
}

// NotSteady reports a file still being written by a sync agent
func NotSteady(path string) *AppError {
	return New(ErrCodeNotSteady, "file is still being written").With("path", path)
}

// FingerprintMismatch reports that the file changed since it was reviewed
func FingerprintMismatch(path, expected, actual string) *AppError {
	return New(ErrCodeFingerprintMismatch, "file changed since it was parsed, re-import it before deciding").
		With("path", path).
		With("expected", expected).
		With("actual", actual)
}

// TransientNetwork wraps a retryable remote failure
func TransientNetwork(err error) *AppError {
	return Wrap(err, ErrCodeTransientNetwork, "remote store unreachable")
}

// PermanentRemote wraps a remote failure that retrying will not fix
func PermanentRemote(err error) *AppError {
	return Wrap(err, ErrCodePermanentRemote, "remote store rejected the write")
}

// PartialArchival reports a completed move whose local commit failed
func PartialArchival(transactionID, archivedPath string, err error) *AppError {
	return Wrap(err, ErrCodePartialArchival, "file archived but local commit failed, manual reconciliation required").
		With("transaction_id", transactionID).
		With("archived_path", archivedPath)
}

// AlreadyTerminal reports a decision on a deal that is no longer pending
func AlreadyTerminal(transactionID, status string) *AppError {
	return New(ErrCodeAlreadyTerminal, "deal already decided").
		With("transaction_id", transactionID).
		With("status", status)
}

// InProgress reports a decision already running for the same deal
func InProgress(transactionID string) *AppError {
	return New(ErrCodeInProgress, "a decision for this deal is already running").
		With("transaction_id", transactionID)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts an AppError from an error
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode reports whether err carries an AppError with the given code
func HasCode(err error, code string) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}

// CodeOf returns the AppError code of err, or ErrCodeInternal
func CodeOf(err error) string {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeInternal
}
