// Package apperror defines the error taxonomy shared by the referral services
// and its mapping onto HTTP responses.
package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindInvalidState Kind = "invalid_state"
	KindValidation   Kind = "validation_error"
	KindTransaction  Kind = "transaction_failure"
	KindUnavailable  Kind = "unavailable"
	KindInternal     Kind = "internal_error"
)

// Error is a classified failure. Message is safe to return to API callers;
// Err carries the underlying cause for logs.
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

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func InvalidState(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Transaction wraps a failure that aborted a database transaction.
func Transaction(err error) *Error {
	return &Error{Kind: KindTransaction, Message: "transaction rolled back", Err: err}
}

func Unavailable(message string, err error) *Error {
	return &Error{Kind: KindUnavailable, Message: message, Err: err}
}

// KindOf reports the Kind of err, or KindInternal when err is not classified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState, KindValidation:
		return http.StatusBadRequest
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error envelope returned by handlers.
type Body struct {
	Code    Kind   `json:"code"`
	Message string `json:"message"`
}

// ToHTTP converts err into an echo HTTP error. Unclassified errors and
// transaction failures never leak their cause to the caller.
func ToHTTP(err error) *echo.HTTPError {
	var ae *Error
	if !errors.As(err, &ae) {
		return echo.NewHTTPError(http.StatusInternalServerError, Body{Code: KindInternal, Message: "internal server error"}).SetInternal(err)
	}
	return echo.NewHTTPError(HTTPStatus(ae.Kind), Body{Code: ae.Kind, Message: ae.Message}).SetInternal(err)
}
