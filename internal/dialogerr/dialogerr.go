// Package dialogerr defines the typed error taxonomy the dialog pipeline
// uses instead of bare strings, so handling code switches on Kind rather
// than parsing messages.
package dialogerr

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy entries from the error handling design.
type Kind string

const (
	InvalidFrame        Kind = "InvalidFrame"
	ProviderUnavailable Kind = "ProviderUnavailable"
	ProviderTimeout     Kind = "ProviderTimeout"
	ProviderTransient   Kind = "ProviderTransient"
	QueueOverflow       Kind = "QueueOverflow"
	ProtocolViolation   Kind = "ProtocolViolation"
	Fatal               Kind = "Fatal"
	UnknownProvider     Kind = "UnknownProvider"
)

// Error is the concrete error type carrying a Kind plus the usual wrapped
// cause.
type Error struct {
	Kind      Kind
	Component string
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Component, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Component, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a taxonomy error.
func New(kind Kind, component string, cause error) *Error {
	return &Error{Kind: kind, Component: component, Err: cause}
}

// Is reports whether the first *Error in err's chain has the given Kind;
// further *Error values deeper in the chain are not inspected.
func Is(err error, kind Kind) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not a taxonomy error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// Fatalf is a convenience constructor for process-fatal errors that should
// prevent startup.
func Fatalf(component, format string, args ...any) *Error {
	return New(Fatal, component, fmt.Errorf(format, args...))
}
