package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies engine failures for callers and the wire envelope.
type Kind string

const (
	KindNotFound           Kind = "NotFound"
	KindAccessDenied       Kind = "AccessDenied"
	KindConflict           Kind = "Conflict"
	KindValidation         Kind = "Validation"
	KindArchivedVersion    Kind = "ArchivedVersion"
	KindInvalidOperation   Kind = "InvalidOperation"
	KindStorageError       Kind = "StorageError"
	KindInconsistentSource Kind = "InconsistentSource"
	KindInternal           Kind = "Internal"
)

// Error carries a kind, the failing operation code and an optional field reference.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Field  string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode maps the kind onto an HTTP status. Access failures are reported as
// missing resources so callers cannot probe for foreign ids.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindNotFound, KindAccessDenied:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation, KindInvalidOperation, KindInconsistentSource:
		return http.StatusBadRequest
	case KindArchivedVersion:
		return http.StatusUnprocessableEntity
	case KindStorageError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Envelope is the wire shape of an engine error.
type Envelope struct {
	Kind   Kind   `json:"kind"`
	Detail string `json:"detail"`
	Field  string `json:"field,omitempty"`
}

func (e *Error) Envelope() Envelope {
	detail := e.Detail
	if detail == "" {
		detail = string(e.Kind)
	}
	if e.Kind == KindAccessDenied {
		return Envelope{Kind: KindNotFound, Detail: "resource not found"}
	}
	if e.Kind == KindInternal {
		detail = "internal error"
	}
	return Envelope{Kind: e.Kind, Detail: detail, Field: e.Field}
}

func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to cause. An *Error cause keeps its own kind.
func Wrap(kind Kind, op string, cause error) error {
	if cause == nil {
		return nil
	}
	var existing *Error
	if errors.As(cause, &existing) {
		return cause
	}
	return &Error{Kind: kind, Op: op, Err: cause}
}

func WithField(err *Error, field string) *Error {
	err.Field = field
	return err
}

// KindOf reports the kind of err, or Internal for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// EnvelopeOf renders any error as a wire envelope.
func EnvelopeOf(err error) (int, Envelope) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.StatusCode(), appErr.Envelope()
	}
	return http.StatusInternalServerError, Envelope{Kind: KindInternal, Detail: "internal error"}
}
