// Package errs defines the failure taxonomy shared by validation, storage
// connectors and the matching engine.
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so callers can decide whether to retry, report
// or abort.
type Kind int

const (
	Unknown Kind = iota
	Connection
	Validation
	NotFound
	Duplicate
	Permission
	Configuration
	Timeout
	Conflict
)

var kindNames = map[Kind]string{
	Unknown:       "unknown",
	Connection:    "connection",
	Validation:    "validation",
	NotFound:      "not_found",
	Duplicate:     "duplicate",
	Permission:    "permission",
	Configuration: "configuration",
	Timeout:       "timeout",
	Conflict:      "conflict",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is checks against a kind.
var (
	ErrConnection    = &Error{Kind: Connection}
	ErrValidation    = &Error{Kind: Validation}
	ErrNotFound      = &Error{Kind: NotFound}
	ErrDuplicate     = &Error{Kind: Duplicate}
	ErrPermission    = &Error{Kind: Permission}
	ErrConfiguration = &Error{Kind: Configuration}
	ErrTimeout       = &Error{Kind: Timeout}
	ErrConflict      = &Error{Kind: Conflict}
)

// Error is a typed failure carrying a machine-readable code, an optional
// field name and the underlying cause.
type Error struct {
	Kind    Kind
	Code    string
	Field   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Code != "" {
		b.WriteString(" [")
		b.WriteString(e.Code)
		b.WriteString("]")
	}
	if e.Field != "" {
		b.WriteString(" ")
		b.WriteString(e.Field)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error of the same kind. A target with a code only
// matches errors carrying that code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool {
	return e.Kind == Connection || e.Kind == Timeout
}

func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying fault. Context errors are
// reclassified so deadlines surface as Timeout regardless of kind.
func Wrap(kind Kind, cause error, msg string) *Error {
	if errors.Is(cause, context.DeadlineExceeded) {
		kind = Timeout
	}
	var existing *Error
	if errors.As(cause, &existing) && kind == Unknown {
		kind = existing.Kind
	}
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Field builds a validation failure tied to one input field.
func Field(field, code, format string, args ...any) *Error {
	return &Error{Kind: Validation, Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first typed error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Unknown
}

// Retryable reports whether err is a transient Connection or Timeout failure.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Connection, Timeout:
		return true
	}
	return false
}

// FromContext converts a context error into a typed failure.
func FromContext(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Timeout, Code: "deadline_exceeded", Cause: err}
	}
	return &Error{Kind: Unknown, Code: "cancelled", Cause: err}
}
