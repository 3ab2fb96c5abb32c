// Package apperr classifies failures so callers can tell a rejected request
// from a broken dependency without parsing messages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the failure class.
type Kind string

const (
	KindValidation   Kind = "VALIDATION"
	KindPermission   Kind = "PERMISSION"
	KindNotFound     Kind = "NOT_FOUND"
	KindBusinessRule Kind = "BUSINESS_RULE"
	KindTimeWindow   Kind = "TIME_WINDOW"
	KindInternal     Kind = "INTERNAL"
)

// Error carries a kind, a caller-facing message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind with an empty message, so
// errors.Is(err, apperr.ErrNotFound) works as a kind test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

var (
	ErrValidation   = &Error{Kind: KindValidation}
	ErrPermission   = &Error{Kind: KindPermission}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrBusinessRule = &Error{Kind: KindBusinessRule}
	ErrTimeWindow   = &Error{Kind: KindTimeWindow}
	ErrInternal     = &Error{Kind: KindInternal}
)

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Permission(format string, args ...any) error {
	return &Error{Kind: KindPermission, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func BusinessRule(format string, args ...any) error {
	return &Error{Kind: KindBusinessRule, Message: fmt.Sprintf(format, args...)}
}

func TimeWindow(format string, args ...any) error {
	return &Error{Kind: KindTimeWindow, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps a dependency failure.
func Internal(msg string, err error) error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// KindOf reports the kind of err. Unclassified errors are internal.
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

// MessageOf returns the caller-facing message, hiding causes of internal
// failures.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindInternal {
			return "internal error"
		}
		return e.Message
	}
	return "internal error"
}

// Fatal reports whether retrying the same input can never succeed.
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindPermission, KindNotFound, KindBusinessRule, KindTimeWindow:
		return true
	default:
		return false
	}
}
