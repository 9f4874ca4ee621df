package auth

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure from the identity and access services.
type Kind string

const (
	KindRateLimited     Kind = "RATE_LIMITED"
	KindNotFound        Kind = "NOT_FOUND"
	KindExpired         Kind = "EXPIRED"
	KindInvalidCode     Kind = "INVALID_CODE"
	KindAlreadyVerified Kind = "ALREADY_VERIFIED"
	KindUnauthorized    Kind = "UNAUTHORIZED"
	KindForbidden       Kind = "FORBIDDEN"
	KindInvalidInput    Kind = "INVALID_INPUT"
	KindInternal        Kind = "INTERNAL_ERROR"
)

// Error is the typed failure returned by the verification, session and gate
// services. RetryAfter is set only for KindRateLimited.
type Error struct {
	Kind       Kind
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Kind == KindRateLimited && e.RetryAfter > 0:
		return fmt.Sprintf("%s: retry after %s", e.Kind, e.RetryAfter)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind, so callers can match
// against the sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrRateLimited     = &Error{Kind: KindRateLimited}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrExpired         = &Error{Kind: KindExpired}
	ErrInvalidCode     = &Error{Kind: KindInvalidCode}
	ErrAlreadyVerified = &Error{Kind: KindAlreadyVerified}
	ErrUnauthorized    = &Error{Kind: KindUnauthorized}
	ErrForbidden       = &Error{Kind: KindForbidden}
	ErrInvalidInput    = &Error{Kind: KindInvalidInput}
	ErrInternal        = &Error{Kind: KindInternal}
)

// RateLimited returns a RATE_LIMITED error carrying the wait hint.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter}
}

// Internal wraps an infrastructure failure. The cause is kept for logs and
// never rendered to clients.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Err: err}
}

// InvalidInput wraps a validation failure detected before any storage access.
func InvalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err. Errors that are not *Error are reported as
// KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// RetryAfterOf returns the wait hint carried by a RATE_LIMITED error.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimited {
		return e.RetryAfter
	}
	return 0
}
