package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies business failures so transports can map them consistently.
type ErrorKind string

const (
	KindNotFound        ErrorKind = "NotFound"
	KindConflict        ErrorKind = "Conflict"
	KindBadRequest      ErrorKind = "BadRequest"
	KindForbidden       ErrorKind = "Forbidden"
	KindExternalService ErrorKind = "ExternalServiceError"
	KindInternal        ErrorKind = "Internal"
)

// Error is a classified business error.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Kind == KindExternalService {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind to a status code. External service failures surface to
// the caller as bad requests.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindBadRequest, KindExternalService:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func BadRequest(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

// ExternalService wraps a provider failure, keeping the provider error as detail.
func ExternalService(err error, format string, args ...any) *Error {
	return &Error{Kind: KindExternalService, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatusOf maps any error to a status code.
func HTTPStatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// InternalErrorMessage replaces the detail of unclassified errors in responses.
const InternalErrorMessage = "Internal server error"

// ToItemError converts err into the bulk result error shape. Unclassified errors keep
// only their status code.
func ToItemError(err error) *ItemError {
	code := HTTPStatusOf(err)
	if code >= http.StatusInternalServerError {
		return &ItemError{Message: InternalErrorMessage, Code: code}
	}
	return &ItemError{Message: err.Error(), Code: code}
}
