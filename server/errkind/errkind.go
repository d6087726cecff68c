// Package errkind gives every layer above the object store a single,
// small vocabulary of error kinds, per SPEC_FULL.md ยง7. The HTTP
// surface maps a Kind to a status code in exactly one place instead of
// repeating switch statements in every handler.
package errkind

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the error categories spec.md ยง7 names.
type Kind int

const (
	Internal Kind = iota
	BadRequest
	Unauthorized
	Forbidden
	NotFound
	Gone
	Conflict
	Upstream
)

// Error carries a Kind alongside the usual wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates a *Error of the given kind wrapping err.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err (or something it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to Internal for anything
// that isn't a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// HTTPStatus maps a Kind to the status code C9 should respond with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case BadRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Gone:
		return http.StatusGone
	case Conflict:
		return http.StatusConflict
	case Upstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
