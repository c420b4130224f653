package radiology

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so callers can branch without string matching.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindPreconditionFailed Kind = "precondition_failed"
	KindInternal           Kind = "internal"
)

// Error is the result type for every expected failure of the radiology
// service. Field names the offending input field or missing attribute.
type Error struct {
	Kind    Kind
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" && msg == "" {
		msg = e.Field
	}
	if e.Err != nil && e.Kind != KindInternal {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err. Errors that are not *Error are Internal; a
// nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// FieldOf returns the Field of err when it is an *Error.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}

func validationError(field, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

func notFound(entity string, id interface{}) *Error {
	return &Error{Kind: KindNotFound, Field: "id", Message: fmt.Sprintf("%s %v not found", entity, id)}
}

func preconditionFailed(field string) *Error {
	return &Error{Kind: KindPreconditionFailed, Field: field, Message: fmt.Sprintf("%s is required before dispatch", field)}
}

func conflict(field, msg string, err error) *Error {
	return &Error{Kind: KindConflict, Field: field, Message: msg, Err: err}
}

func internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Message: op + " failed", Err: err}
}
