// Package errors defines the closed set of error kinds the bridge uses to
// classify failures, with optional cause chains so recovery points can match
// on the kind without string inspection.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind identifies one failure class.
type Kind string

const (
	// Startup-only, fatal.
	ReadFileError   Kind = "ReadFileError"
	ReadConfigError Kind = "ReadConfigError"
	InvalidYAML     Kind = "InvalidYAML"

	// Identity parse failures.
	InvalidUserID Kind = "InvalidUserId"
	InvalidRoomID Kind = "InvalidRoomId"

	// Payload did not match the expected schema.
	InvalidJSON Kind = "InvalidJSON"

	// Webhook admission rejections.
	MissingRocketchatToken Kind = "MissingRocketchatToken"
	InvalidRocketchatToken Kind = "InvalidRocketchatToken"

	// Store outcomes.
	NotFound        Kind = "NotFound"
	UniqueViolation Kind = "UniqueViolation"
	BackendError    Kind = "BackendError"

	// Upstream HTTP faults.
	MatrixAPIError     Kind = "MatrixApiError"
	RocketchatAPIError Kind = "RocketchatApiError"

	// Catch-all for the webhook surface.
	InternalServerError Kind = "InternalServerError"
)

// Error is a classified bridge error. The zero Kind is treated as
// InternalServerError by KindOf.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new error of the given kind.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Wrapf attaches a cause to a new error with a formatted message.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Error renders "Kind: message" followed by the cause chain.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf walks the cause chain and returns the kind of the outermost
// classified error. Unclassified errors report InternalServerError; nil
// reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		if e.Kind == "" {
			return InternalServerError
		}
		return e.Kind
	}
	return InternalServerError
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.cause
	}
	return false
}

// IsNotFound reports whether the chain carries NotFound.
func IsNotFound(err error) bool { return IsKind(err, NotFound) }

// IsUniqueViolation reports whether the chain carries UniqueViolation.
func IsUniqueViolation(err error) bool { return IsKind(err, UniqueViolation) }

// HTTPStatus maps a kind to the response status for the webhook surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidJSON:
		return http.StatusBadRequest
	case MissingRocketchatToken:
		return http.StatusUnauthorized
	case InvalidRocketchatToken:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
