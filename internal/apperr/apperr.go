// Package apperr defines the error taxonomy shared by services and HTTP handlers.
package apperr

import (
	"errors"
	"net/http"
)

// Kind sentinels. Wrap them with New/Wrap and test with errors.Is.
var (
	ErrValidation      = errors.New("validation failed")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotFound        = errors.New("session not found or access denied")
	ErrRateLimited     = errors.New("upstream rate limit reached")
	ErrThrottled       = errors.New("too many requests")
	ErrTransient       = errors.New("transient failure")
	ErrFatal           = errors.New("internal error")
)

// Error carries a kind sentinel, a client-safe message and the underlying cause.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Kind.Error() + ": " + e.Err.Error()
	default:
		return e.Kind.Error()
	}
}

// Is reports whether target is the kind sentinel of e.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an Error of the given kind with a client-safe message.
func New(kind error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches a kind and message to cause.
func Wrap(kind error, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf returns the kind sentinel carried by err, or ErrFatal.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrValidation,
		ErrUnauthenticated,
		ErrNotFound,
		ErrRateLimited,
		ErrThrottled,
		ErrTransient,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrFatal
}

// HTTPStatus maps err to the response status code. Transient upstream
// failures answer 500 like any other server fault; Code tells them apart.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrUnauthenticated:
		return http.StatusUnauthorized
	case ErrNotFound:
		return http.StatusNotFound
	case ErrRateLimited, ErrThrottled:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Code is the machine-readable code sent to clients alongside the message.
func Code(err error) string {
	switch KindOf(err) {
	case ErrValidation:
		return "VALIDATION"
	case ErrUnauthenticated:
		return "UNAUTHENTICATED"
	case ErrNotFound:
		return "NOT_FOUND"
	case ErrRateLimited:
		return "RATE_LIMIT"
	case ErrThrottled:
		return "THROTTLED"
	case ErrTransient:
		return "TRANSIENT"
	default:
		return "INTERNAL"
	}
}

// PublicMessage is the text safe to show to end users for err.
func PublicMessage(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Msg != "" {
		return appErr.Msg
	}
	switch KindOf(err) {
	case ErrRateLimited:
		return "API rate limit reached. Please try again in a moment."
	case ErrThrottled:
		return "Too many requests. Please slow down."
	case ErrTransient:
		return "Service temporarily unavailable"
	case ErrFatal:
		return "Failed to process message"
	default:
		return KindOf(err).Error()
	}
}
