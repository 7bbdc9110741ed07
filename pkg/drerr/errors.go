// Package drerr defines the classified errors shared by the drcloud agent,
// its transports and the control-plane collaborators.
package drerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for handling and retry decisions.
type Kind string

const (
	// KindLocked indicates a non-blocking lock attempt found contention.
	// The caller decides whether to retry or skip.
	KindLocked Kind = "locked"

	// KindTimeout indicates a bounded acquisition or transfer ran out of time.
	KindTimeout Kind = "timeout"

	// KindValidation indicates a malformed or ambiguous envelope, task or
	// configuration key. Never retried.
	KindValidation Kind = "validation"

	// KindTransfer indicates one object failed to move between the local
	// spool and a remote store.
	KindTransfer Kind = "transfer"

	// KindProvisioning indicates a provisioning backend failed to reach a
	// stable state.
	KindProvisioning Kind = "provisioning"
)

// Sentinel values usable with errors.Is. Two errors match when their kinds
// are equal.
var (
	ErrLocked       = &Error{Kind: KindLocked}
	ErrTimeout      = &Error{Kind: KindTimeout}
	ErrValidation   = &Error{Kind: KindValidation}
	ErrTransfer     = &Error{Kind: KindTransfer}
	ErrProvisioning = &Error{Kind: KindProvisioning}
)

// Error is a classified error with context.
type Error struct {
	// Kind is the classification.
	Kind Kind `json:"kind"`

	// Op is the operation being performed (e.g. "flock", "sync", "unmarshal").
	Op string `json:"op,omitempty"`

	// Path is the file, key or object the operation concerned, if any.
	Path string `json:"path,omitempty"`

	// Message is the human-readable description.
	Message string `json:"message,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" (%s)", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithOp sets the operation.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithPath sets the path.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// Locked creates a lock contention error for path.
func Locked(path string, err error) *Error {
	return &Error{Kind: KindLocked, Op: "flock", Path: path, Message: "already locked", Err: err}
}

// Timeout creates a timeout error.
func Timeout(message string, err error) *Error {
	return &Error{Kind: KindTimeout, Message: message, Err: err}
}

// Validation creates a validation error.
func Validation(message string, err error) *Error {
	return &Error{Kind: KindValidation, Message: message, Err: err}
}

// Validationf creates a validation error from a format string.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Transfer creates a transfer error for the named object.
func Transfer(object string, err error) *Error {
	return &Error{Kind: KindTransfer, Op: "transfer", Path: object, Err: err}
}

// Provisioning creates a provisioning error.
func Provisioning(message string, err error) *Error {
	return &Error{Kind: KindProvisioning, Message: message, Err: err}
}

func is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsLocked returns true if err is a lock contention error.
func IsLocked(err error) bool { return is(err, KindLocked) }

// IsTimeout returns true if err is a timeout.
func IsTimeout(err error) bool { return is(err, KindTimeout) }

// IsValidation returns true if err is a validation failure.
func IsValidation(err error) bool { return is(err, KindValidation) }

// IsTransfer returns true if err is a transfer failure.
func IsTransfer(err error) bool { return is(err, KindTransfer) }

// IsProvisioning returns true if err is a provisioning failure.
func IsProvisioning(err error) bool { return is(err, KindProvisioning) }

// IsRetryable returns true for errors that degrade to a skipped cycle or a
// later attempt: lock contention, timeouts and transfer failures.
func IsRetryable(err error) bool {
	return IsLocked(err) || IsTimeout(err) || IsTransfer(err)
}
