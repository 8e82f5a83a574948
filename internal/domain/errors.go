package domain

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the failures surfaced to callers of the repository layer.
type ErrorKind string

const (
	KindNoInternet   ErrorKind = "no_internet"
	KindServerError  ErrorKind = "server_error"
	KindTimeout      ErrorKind = "timeout"
	KindUnauthorized ErrorKind = "unauthorized"
	KindNotFound     ErrorKind = "not_found"
	KindDatabase     ErrorKind = "database_error"
	KindValidation   ErrorKind = "validation_error"
	KindUnknown      ErrorKind = "unknown"
)

var defaultMessages = map[ErrorKind]string{
	KindNoInternet:   "No internet connection. Please check your network.",
	KindServerError:  "Server error. Please try again later.",
	KindTimeout:      "Request timed out. Please try again.",
	KindUnauthorized: "Session expired. Please log in again.",
	KindNotFound:     "The requested item was not found.",
	KindDatabase:     "Failed to save data locally.",
	KindValidation:   "Validation failed.",
	KindUnknown:      "An unexpected error occurred.",
}

// Error is a user-presentable failure. Message is always human readable;
// Cause keeps the underlying error for logs and errors.Is/As.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *Error of the same kind so callers can write
// errors.Is(err, domain.ErrNotFound).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return other.Cause == nil && other.Kind == e.Kind
}

// NewError builds an Error of the given kind. An empty message falls back to
// the kind's default text.
func NewError(kind ErrorKind, message string, cause error) *Error {
	if message == "" {
		message = DefaultMessage(kind)
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Validation reports invalid caller input.
func Validation(message string) *Error {
	return NewError(KindValidation, message, nil)
}

// Unknown wraps a failure that has no better classification.
func Unknown(message string, cause error) *Error {
	return NewError(KindUnknown, message, cause)
}

// DefaultMessage returns the canned banner text for kind.
func DefaultMessage(kind ErrorKind) string {
	if msg, ok := defaultMessages[kind]; ok {
		return msg
	}
	return defaultMessages[KindUnknown]
}

// Sentinels for errors.Is comparisons.
var (
	ErrNoInternet   = &Error{Kind: KindNoInternet}
	ErrServerError  = &Error{Kind: KindServerError}
	ErrTimeout      = &Error{Kind: KindTimeout}
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrDatabase     = &Error{Kind: KindDatabase}
	ErrValidation   = &Error{Kind: KindValidation}
	ErrUnknown      = &Error{Kind: KindUnknown}
)

// AsError extracts the *Error carried by err, if any.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) && de != nil {
		return de, true
	}
	return nil, false
}
