// Package errors defines the error taxonomy shared by every layer of the
// engine. Callers match with errors.Is against the sentinels and use
// errors.As to reach the typed details (validation messages, lock holder).
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrValidationFailed   = errors.New("validation failed")
	ErrLockConflict       = errors.New("record is locked")
	ErrPoolExhausted      = errors.New("connection pool exhausted")
	ErrIndexInconsistency = errors.New("cross-reference inconsistency")
	ErrAdapter            = errors.New("global store adapter error")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnknownFile        = errors.New("unknown file")
	ErrClosed             = errors.New("closed")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// ValidationError carries every rule violation found for one write.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidationFailed.Error(), strings.Join(e.Messages, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// Validation returns nil when msgs is empty.
func Validation(msgs ...string) error {
	if len(msgs) == 0 {
		return nil
	}
	return &ValidationError{Messages: msgs}
}

// LockConflictError names the current holder of a contested record lock.
type LockConflictError struct {
	File     string
	IEN      string
	Holder   string
	Acquired time.Time
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("%s: file %s record %s held by %s since %s",
		ErrLockConflict.Error(), e.File, e.IEN, e.Holder, e.Acquired.UTC().Format(time.RFC3339))
}

func (e *LockConflictError) Unwrap() error {
	return ErrLockConflict
}

// Adapter wraps a backend failure so it matches ErrAdapter while keeping
// the cause reachable.
func Adapter(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrAdapter, op, err)
}

// Messages flattens err into the human-readable strings returned by the
// legacy surface.
func Messages(err error) []string {
	if err == nil {
		return nil
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		out := make([]string, len(verr.Messages))
		copy(out, verr.Messages)
		return out
	}
	var lerr *LockConflictError
	if errors.As(err, &lerr) {
		return []string{fmt.Sprintf("Record %s in file %s is locked by %s", lerr.IEN, lerr.File, lerr.Holder)}
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return []string{"Record not found"}
	case errors.Is(err, ErrPoolExhausted):
		return []string{"No database connection available"}
	}
	return []string{err.Error()}
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnknownFile):
		return http.StatusNotFound
	case errors.Is(err, ErrValidationFailed), errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrLockConflict):
		return http.StatusConflict
	case errors.Is(err, ErrPoolExhausted), errors.Is(err, ErrAdapter):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
