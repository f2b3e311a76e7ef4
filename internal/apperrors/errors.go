package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorises failures crossing the HTTP boundary.
type Kind string

const (
	KindUnauthenticated Kind = "unauthenticated"
	KindBadRequest      Kind = "bad_request"
	KindMapping         Kind = "mapping"
	KindUpstream        Kind = "upstream"
	KindNotFound        Kind = "not_found"
	KindInternal        Kind = "internal"
)

// Error carries a kind, a caller-safe message and the underlying cause.
type Error struct {
	Kind      Kind
	Message   string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated, Message: "unauthorized"}
	ErrBadRequest      = &Error{Kind: KindBadRequest, Message: "bad request"}
	ErrMapping         = &Error{Kind: KindMapping, Message: "identity mapping failed"}
	ErrUpstream        = &Error{Kind: KindUpstream, Message: "upstream request failed"}
	ErrNotFound        = &Error{Kind: KindNotFound, Message: "not found"}
)

func Unauthenticated(message string, err error) *Error {
	return &Error{Kind: KindUnauthenticated, Message: message, Err: err}
}

func BadRequest(message string) *Error {
	return &Error{Kind: KindBadRequest, Message: message}
}

func Mapping(message string, err error) *Error {
	return &Error{Kind: KindMapping, Message: message, Err: err}
}

// Upstream wraps a failed outbound call. Timeouts are marked retryable.
func Upstream(message string, err error, retryable bool) *Error {
	return &Error{Kind: KindUpstream, Message: message, Err: err, Retryable: retryable}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// KindOf reports the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// MessageOf returns the caller-safe message of err, or "internal_error".
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return "internal_error"
}

// IsRetryable reports whether any wrapped *Error is marked retryable.
func IsRetryable(err error) bool {
	var appErr *Error
	for errors.As(err, &appErr) {
		if appErr.Retryable {
			return true
		}
		err = appErr.Err
		appErr = nil
	}
	return false
}

// HTTPStatus maps a kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
