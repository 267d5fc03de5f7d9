// Package apperr carries the error kinds named by the error handling design:
// authentication, authorization, validation, conflict, not-found, and
// internal. Service-layer code returns these; the hub and REST layers each
// map them to their own wire shape (an "error" frame kind, or an HTTP
// status) without needing to know service internals.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the error handling design's propagation buckets.
type Kind string

const (
	KindAuthentication Kind = "authentication_failed"
	KindAuthorization  Kind = "authorization_failed"
	KindValidation     Kind = "invalid_data"
	KindConflict       Kind = "conflict"
	KindNotFound       Kind = "not_found"
	KindInternal       Kind = "internal"
)

// Error is a service-layer error tagged with a Kind so callers at the
// transport boundary can map it without string matching.
type Error struct {
	Kind    Kind
	Message string
	Err     error // wrapped cause, optional
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Authentication(format string, args ...any) *Error { return newErr(KindAuthentication, format, args...) }
func Authorization(format string, args ...any) *Error  { return newErr(KindAuthorization, format, args...) }
func Validation(format string, args ...any) *Error     { return newErr(KindValidation, format, args...) }
func Conflict(format string, args ...any) *Error       { return newErr(KindConflict, format, args...) }
func NotFound(format string, args ...any) *Error       { return newErr(KindNotFound, format, args...) }

// Internal wraps err as an internal-kind Error, matching the design's "log
// with stack; user sees error kind=500/internal" rule.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, defaulting
// to KindInternal for anything else — an unrecognized error is treated as
// the error handling design's "anywhere, handler bug" case.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
