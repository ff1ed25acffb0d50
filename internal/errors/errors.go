// Package errors provides the error taxonomy shared by the sync engine and
// its HTTP/FFI surfaces.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorCode represents a unique error code that crosses the API boundary.
type ErrorCode string

const (
	// General errors
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
	ErrInvalid      ErrorCode = "INVALID_INPUT"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrConfig       ErrorCode = "CONFIG_ERROR"
	ErrCryptoFailed ErrorCode = "CRYPTO_FAILED"

	// Local storage errors
	ErrStorage    ErrorCode = "STORAGE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Remote errors
	ErrNetwork        ErrorCode = "NETWORK_ERROR"
	ErrRemoteRejected ErrorCode = "REMOTE_REJECTED"

	// Sync errors
	ErrSyncNotConfigured  ErrorCode = "SYNC_NOT_CONFIGURED"
	ErrSyncOffline        ErrorCode = "SYNC_OFFLINE"
	ErrSyncInProgress     ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncPaused         ErrorCode = "SYNC_PAUSED"
	ErrSyncCancelled      ErrorCode = "SYNC_CANCELLED"
	ErrSyncTimeout        ErrorCode = "SYNC_TIMEOUT"
	ErrConflictUnresolved ErrorCode = "CONFLICT_UNRESOLVED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code       ErrorCode
	Message    string
	Err        error
	Retryable  bool
	StatusCode int // remote HTTP status, 0 when not applicable
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Storage wraps a local persistence failure.
func Storage(message string, err error) *AppError {
	return Wrap(ErrStorage, message, err)
}

// Network wraps a transient remote failure. Always retryable.
func Network(message string, err error) *AppError {
	e := Wrap(ErrNetwork, message, err)
	e.Retryable = true
	return e
}

// Rejected reports a permanent refusal by the remote (validation, auth).
func Rejected(message string, err error) *AppError {
	return Wrap(ErrRemoteRejected, message, err)
}

// FromHTTPStatus classifies a remote response status. 408, 429 and 5xx are
// retryable network errors; any other 4xx is a rejection. Returns nil for
// non-error statuses.
func FromHTTPStatus(status int, message string) *AppError {
	var e *AppError
	switch {
	case status < 400:
		return nil
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		e = Network(message, nil)
	default:
		e = Rejected(message, nil)
	}
	e.StatusCode = status
	return e
}

// Is checks if an error chain contains an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Code returns the code of the first AppError in the chain, or ErrInternal.
func Code(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsRetryable reports whether a remote call that failed with err may be
// attempted again. Cancellation is never retryable; deadlines and network
// timeouts are. Unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Retryable
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}
	return true
}

// IsRejected reports whether err is a permanent remote rejection.
func IsRejected(err error) bool {
	return Is(err, ErrRemoteRejected)
}
