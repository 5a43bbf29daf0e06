// Package client implements the staff-session side of the intake system: the
// HTTP API client with its error taxonomy, the shared realtime connection
// with bounded reconnection, and the per-view collection reconciler.
package client

import (
	"errors"
	"fmt"
)

// ErrorKind classifies API and transport failures. NotFound and Conflict are
// resolved internally by the save path and never reach workflow callers.
type ErrorKind int

const (
	// KindInternal covers server-side failures (5xx).
	KindInternal ErrorKind = iota
	// KindNotFound is expected absence; it drives the create branch.
	KindNotFound
	// KindConflict means a creation race was lost; retried as an update.
	KindConflict
	// KindValidation is a rejected payload, shown inline at the form.
	KindValidation
	// KindTransport is a network or realtime channel failure.
	KindTransport
	// KindAuth is an expired or invalid session; triggers session teardown.
	KindAuth
)

// Error carries the taxonomy kind alongside the underlying cause.
type Error struct {
	kind ErrorKind
	op   string
	err  error
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{kind: kind, op: op, err: err}
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.op
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind returns the taxonomy classification.
func (e *Error) Kind() ErrorKind {
	return e.kind
}

func kindOf(err error) (ErrorKind, bool) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.kind, true
	}
	return 0, false
}

// IsNotFound reports expected absence.
func IsNotFound(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindNotFound
}

// IsConflict reports a lost creation race.
func IsConflict(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindConflict
}

// IsValidation reports a rejected payload.
func IsValidation(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindValidation
}

// IsTransport reports a network-level failure.
func IsTransport(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindTransport
}

// IsAuth reports an expired or invalid session.
func IsAuth(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindAuth
}
