// Package apperr defines the stable error taxonomy surfaced to callers across
// the HTTP envelope, mirroring the teacher's convention of typed, wrapped
// errors rather than ad hoc strings.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, caller-visible error identifier.
type Code string

const (
	NotFound         Code = "NOT_FOUND"
	InvalidRequest   Code = "INVALID_REQUEST"
	EmbeddingFailed  Code = "EMBEDDING_FAILED"
	DatabaseError    Code = "DATABASE_ERROR"
	InternalError    Code = "INTERNAL_ERROR"
	Unauthorized     Code = "UNAUTHORIZED"
	PayloadTooLarge  Code = "PAYLOAD_TOO_LARGE"
	EmbedderNotReady Code = "EMBEDDER_NOT_READY"
	StoreUnavailable Code = "STORE_UNAVAILABLE"
	RateLimited      Code = "RATE_LIMITED"
)

// httpStatus maps each Code to the HTTP status spec.md §6/§7 requires.
var httpStatus = map[Code]int{
	NotFound:         http.StatusNotFound,
	InvalidRequest:   http.StatusBadRequest,
	EmbeddingFailed:  http.StatusInternalServerError,
	DatabaseError:    http.StatusInternalServerError,
	InternalError:    http.StatusInternalServerError,
	Unauthorized:     http.StatusUnauthorized,
	PayloadTooLarge:  http.StatusRequestEntityTooLarge,
	EmbedderNotReady: http.StatusServiceUnavailable,
	StoreUnavailable: http.StatusServiceUnavailable,
	RateLimited:      http.StatusTooManyRequests,
}

// Error carries a stable Code alongside the usual wrapped error chain.
type Error struct {
	Code    Code
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Wrapped)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Errorf builds an *Error with the given code, formatting message and
// wrapping any %w verb the same way fmt.Errorf would.
func Errorf(code Code, format string, args ...any) *Error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{Code: code, Message: wrapped.Error(), Wrapped: errors.Unwrap(wrapped)}
}

// New builds an *Error with a plain message and no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// HTTPStatus returns the HTTP status code for a Code, defaulting to 500.
func HTTPStatus(code Code) int {
	if status, ok := httpStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// CodeOf extracts the Code from err, defaulting to InternalError when err
// does not wrap an *Error.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return InternalError
}

var (
	ErrNotFound         = New(NotFound, "record not found")
	ErrInvalidRequest   = New(InvalidRequest, "invalid request")
	ErrEmbedderNotReady = New(EmbedderNotReady, "embedder not initialized")
	ErrStoreUnavailable = New(StoreUnavailable, "store unavailable")
)
