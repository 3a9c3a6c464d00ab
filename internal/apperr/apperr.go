// Package apperr defines the error taxonomy shared by the sync, correlation
// and reporting layers.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindTransport     Kind = "transport"
	KindNotFound      Kind = "not_found"
	KindValidation    Kind = "validation"
	KindInternal      Kind = "internal"
)

// Sentinels for errors.Is checks. An *Error matches the sentinel of its Kind.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrTransport     = errors.New("transport error")
	ErrNotFound      = errors.New("not found")
	ErrValidation    = errors.New("validation error")
)

type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrConfiguration:
		return e.Kind == KindConfiguration
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrValidation:
		return e.Kind == KindValidation
	}
	return false
}

func newError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func Configuration(op, message string) *Error {
	return newError(KindConfiguration, op, message, nil)
}

func Transport(op string, err error) *Error {
	return newError(KindTransport, op, "", err)
}

func NotFound(op, message string) *Error {
	return newError(KindNotFound, op, message, nil)
}

func Validation(op, message string) *Error {
	return newError(KindValidation, op, message, nil)
}

func Internal(op string, err error) *Error {
	return newError(KindInternal, op, "", err)
}

// KindOf reports the Kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
