package models

import (
	"errors"
	"net/http"
)

// Domain errors. Callers classify with errors.Is; wrapping adds context.
var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("not authorized")
	ErrConflict         = errors.New("conflict")
	ErrRateLimited      = errors.New("rate limited")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrInvalidInput     = errors.New("invalid input")
	// ErrTransport means the logical state change was committed but the media
	// transport call failed; the caller may retry the media step.
	ErrTransport = errors.New("media transport unavailable")
	// ErrStoreUnavailable is the only fatal condition: no operation can make progress.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ErrorCode returns the stable API code and HTTP status for err.
func ErrorCode(err error) (code string, status int) {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND", http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED", http.StatusForbidden
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED", http.StatusTooManyRequests
	case errors.Is(err, ErrCapacityExceeded):
		return "CAPACITY_EXCEEDED", http.StatusConflict
	case errors.Is(err, ErrConflict):
		return "CONFLICT", http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return "VALIDATION_ERROR", http.StatusBadRequest
	case errors.Is(err, ErrTransport):
		return "TRANSPORT_UNAVAILABLE", http.StatusAccepted
	case errors.Is(err, ErrStoreUnavailable):
		return "STORE_UNAVAILABLE", http.StatusServiceUnavailable
	default:
		return "INTERNAL_ERROR", http.StatusInternalServerError
	}
}
