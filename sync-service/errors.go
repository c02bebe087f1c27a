package main

import (
	"errors"
	"fmt"
)

// Code classifies an operation failure for wire reporting and retry policy.
type Code string

const (
	// CodeValidation marks malformed or out-of-range input, rejected before
	// any state change.
	CodeValidation Code = "validation"
	// CodeInvalidReference marks a request pointing at a message that does
	// not exist in the addressed channel.
	CodeInvalidReference Code = "invalid_reference"
	// CodeForbidden marks an actor lacking rights over the target entity.
	CodeForbidden Code = "forbidden"
	// CodeConflict marks a read-cursor regression. Swallowed server-side,
	// never surfaced to clients.
	CodeConflict Code = "conflict"
	// CodeTransient marks a store or network failure; the operation aborted
	// before any broadcast and is safe to retry.
	CodeTransient Code = "transient"
	// CodeFatal marks a broken protocol invariant. Not retryable.
	CodeFatal Code = "fatal"
)

// opError carries a failure code together with a client-safe message.
type opError struct {
	code Code
	msg  string
	err  error
}

func (e *opError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

func (e *opError) Unwrap() error { return e.err }

func validationErr(format string, args ...any) error {
	return &opError{code: CodeValidation, msg: fmt.Sprintf(format, args...)}
}

func invalidRefErr(format string, args ...any) error {
	return &opError{code: CodeInvalidReference, msg: fmt.Sprintf(format, args...)}
}

func forbiddenErr(format string, args ...any) error {
	return &opError{code: CodeForbidden, msg: fmt.Sprintf(format, args...)}
}

func transientErr(err error, msg string) error {
	return &opError{code: CodeTransient, msg: msg, err: err}
}

func fatalErr(err error, msg string) error {
	return &opError{code: CodeFatal, msg: msg, err: err}
}

// codeOf extracts the failure code, defaulting unclassified errors to
// transient so clients queue rather than drop.
func codeOf(err error) Code {
	var oe *opError
	if errors.As(err, &oe) {
		return oe.code
	}
	return CodeTransient
}

// clientMessage returns the client-safe message text for err. Wrapped causes
// stay in the server logs.
func clientMessage(err error) string {
	var oe *opError
	if errors.As(err, &oe) {
		return oe.msg
	}
	return "internal error"
}
