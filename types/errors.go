package types

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindRuntime       ErrorKind = "runtime"
	KindArgument      ErrorKind = "argument"
)

var (
	ErrConfiguration = errors.New("configuration error")
	ErrRuntime       = errors.New("runtime error")
	ErrArgument      = errors.New("argument error")
	// ErrNotImplemented is a runtime error; errors.Is matches both.
	ErrNotImplemented = &Error{Kind: KindRuntime, Msg: "not implemented"}
)

type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	prefix := string(e.Kind) + " error"
	switch {
	case e.Msg != "":
		return prefix + ": " + e.Msg
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	default:
		return prefix
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrConfiguration:
		return e.Kind == KindConfiguration
	case ErrRuntime:
		return e.Kind == KindRuntime
	case ErrArgument:
		return e.Kind == KindArgument
	}
	if t, ok := target.(*Error); ok {
		return t == e || (t.Kind == e.Kind && t.Msg == e.Msg && t.Err == nil)
	}
	return false
}

func ConfigurationError(format string, args ...any) error {
	return newError(KindConfiguration, format, args...)
}

func RuntimeError(format string, args ...any) error {
	return newError(KindRuntime, format, args...)
}

func ArgumentError(format string, args ...any) error {
	return newError(KindArgument, format, args...)
}

// newError keeps a %w operand reachable through Unwrap.
func newError(kind ErrorKind, format string, args ...any) error {
	wrapped := fmt.Errorf(format, args...)
	e := &Error{Kind: kind, Msg: wrapped.Error()}
	if inner := errors.Unwrap(wrapped); inner != nil {
		e.Err = inner
	}
	return e
}

// KindOf reports the taxonomy of err, or "" when err is not classified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
