// Package apperr defines the error kinds surfaced by ride coordination
// operations. Callers classify errors with errors.Is against the sentinels.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication means no user identity is present.
	ErrAuthentication = errors.New("authentication required")
	// ErrAuthorization means the identity lacks the required role.
	ErrAuthorization = errors.New("not authorized")
	// ErrConflict means the operation clashes with current state.
	ErrConflict = errors.New("conflict")
	// ErrNotFound means the referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation means the input is malformed or out of range.
	ErrValidation = errors.New("validation failed")
	// ErrRateLimited means the caller exceeded an ingest limit.
	ErrRateLimited = errors.New("rate limited")
)

// Error carries a kind sentinel with a human readable message.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return e.Msg
}

// Unwrap exposes the kind so errors.Is matches the sentinels.
func (e *Error) Unwrap() error { return e.Kind }

func newf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Authentication returns an authentication error.
func Authentication(format string, args ...any) error {
	return newf(ErrAuthentication, format, args...)
}

// Authorization returns an authorization error.
func Authorization(format string, args ...any) error {
	return newf(ErrAuthorization, format, args...)
}

// Conflict returns a conflict error.
func Conflict(format string, args ...any) error { return newf(ErrConflict, format, args...) }

// NotFound returns a not-found error.
func NotFound(format string, args ...any) error { return newf(ErrNotFound, format, args...) }

// Validation returns a validation error.
func Validation(format string, args ...any) error { return newf(ErrValidation, format, args...) }

// RateLimited returns a rate limit error.
func RateLimited(format string, args ...any) error { return newf(ErrRateLimited, format, args...) }

// Kind returns the sentinel err belongs to, or nil for infrastructure errors.
func Kind(err error) error {
	for _, kind := range []error{ErrAuthentication, ErrAuthorization, ErrConflict, ErrNotFound, ErrValidation, ErrRateLimited} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
