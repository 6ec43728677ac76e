// Package apperr defines the error type shared by the checkout routes.
// An *Error carries the code and HTTP status its caller receives; any other
// error reaching a route is reported as INTERNAL_ERROR.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeInvalidBody        = "INVALID_BODY"
	CodeInvalidQuery       = "INVALID_QUERY"
	CodeOrderNotFound      = "ORDER_NOT_FOUND"
	CodeUnrecognizedStatus = "UNRECOGNIZED_PROVIDER_STATUS"
	CodeInvalidSignature   = "INVALID_SIGNATURE"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeInvalidAnswer      = "INVALID_ANSWER"
	CodeConflict           = "CONFLICT"
	CodeInternal           = "INTERNAL_ERROR"
)

type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(code, message string, status int) *Error {
	return &Error{Code: code, Message: message, Status: status}
}

func Validation(message string) *Error {
	return New(CodeValidation, message, http.StatusBadRequest)
}

func OrderNotFound(orderCode string) *Error {
	return New(CodeOrderNotFound, fmt.Sprintf("payment order %s not found", orderCode), http.StatusNotFound)
}

func Conflict(message string) *Error {
	return New(CodeConflict, message, http.StatusConflict)
}

// From returns the *Error in err's chain, or false when err is not a
// domain error.
func From(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus returns the status code a caller receives for err.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if e, ok := From(err); ok && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

// Code returns the public code of err. Errors that are not domain errors
// map to INTERNAL_ERROR so nothing internal leaks to callers.
func Code(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := From(err); ok {
		return e.Code
	}
	return CodeInternal
}

// Retryable reports whether processing the same input again may succeed.
// Concurrent updates and errors outside the domain are retryable; every
// other domain error describes the input itself.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	e, ok := From(err)
	if !ok {
		return true
	}
	return e.Code == CodeConflict || e.Code == CodeInternal
}
