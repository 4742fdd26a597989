package vm

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors surfaced to scripts and embedders.
type ErrorKind int

const (
	// TypeError: an operation was applied to incompatible value tags.
	TypeError ErrorKind = iota

	// RuntimeError: script-level error(), failed invariant, stack overflow.
	RuntimeError

	// HostError: a native function returned a non-engine error; the
	// original cause is retained.
	HostError
)

var errorKindNames = [...]string{
	TypeError:    "TypeError",
	RuntimeError: "RuntimeError",
	HostError:    "HostError",
}

func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is the engine error type. Script-visible errors carry a message,
// the source location of the failing instruction (when debug info is
// present), and an optional cause.
type Error struct {
	Kind    ErrorKind
	Message string

	// Source position of the failing instruction; File is "" when no
	// debug info covered it.
	File string
	Line int

	// Cause chains the underlying error, if any.
	Cause error

	// Thrown is the script value raised by error(v), so that catch binds
	// the original value rather than a rendering of it.
	Thrown    Value
	hasThrown bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	loc := ""
	if e.File != "" {
		loc = fmt.Sprintf(" at %s:%d", e.File, e.Line)
	} else if e.Line > 0 {
		loc = fmt.Sprintf(" at line %d", e.Line)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s%s: %v", e.Kind, e.Message, loc, e.Cause)
	}
	return fmt.Sprintf("%s: %s%s", e.Kind, e.Message, loc)
}

// Unwrap exposes the cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.Cause }

// ThrownValue returns the script value this error delivers to a catch
// clause. Engine-generated errors deliver an error object carrying the
// message, kind name and the *Error itself as user data.
func (e *Error) ThrownValue() Value {
	if e.hasThrown {
		return e.Thrown
	}
	obj := NewObject()
	obj.Set(NewString("message"), NewString(e.Message))
	obj.Set(NewString("kind"), NewString(e.Kind.String()))
	obj.UserData = e
	return NewObjectValue(obj)
}

// NewThrown builds the error for a script-level error(v): the catch clause
// observes v itself. Rethrowing an error object produced by ThrownValue
// re-raises the original engine error.
func NewThrown(v Value) *Error {
	if v.IsObject() {
		if orig, ok := v.Object().UserData.(*Error); ok {
			return orig
		}
	}
	return &Error{
		Kind:      RuntimeError,
		Message:   ToString(v),
		Thrown:    v,
		hasThrown: true,
	}
}

func typeErrorf(format string, args ...any) *Error {
	return &Error{Kind: TypeError, Message: fmt.Sprintf(format, args...)}
}

func runtimeErrorf(format string, args ...any) *Error {
	return &Error{Kind: RuntimeError, Message: fmt.Sprintf(format, args...)}
}

// asEngineError normalizes any error into *Error, wrapping foreign errors
// as HostError with the cause retained.
func asEngineError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: HostError, Message: err.Error(), Cause: err}
}
