// Package errors provides the standardized error taxonomy for the conformance runner.
// Configuration-time errors abort suite loading; per-test errors are caught at the
// test boundary and recorded as that test's terminal result.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code.
type ErrorCode string

const (
	// Input errors
	USC_MISSING_INPUT ErrorCode = "USC_MISSING_INPUT" // Required input not supplied
	USC_INVALID_INPUT ErrorCode = "USC_INVALID_INPUT" // Input value does not coerce to its declared type

	// Suite load errors
	USC_DUPLICATE_SUITE      ErrorCode = "USC_DUPLICATE_SUITE"      // Suite or group id already registered
	USC_NOT_FOUND            ErrorCode = "USC_NOT_FOUND"            // Suite id not registered
	USC_UNRESOLVED_REFERENCE ErrorCode = "USC_UNRESOLVED_REFERENCE" // Group included by an unknown id
	USC_INVALID_DEFINITION   ErrorCode = "USC_INVALID_DEFINITION"   // Structurally invalid suite definition

	// Execution errors
	USC_UNRESOLVED_REQUEST ErrorCode = "USC_UNRESOLVED_REQUEST" // uses_request name never produced
	USC_NETWORK            ErrorCode = "USC_NETWORK"            // Transport failure or timeout
	USC_ASSERTION          ErrorCode = "USC_ASSERTION"          // Assertion failed
	USC_SKIP               ErrorCode = "USC_SKIP"               // Test asked to be skipped

	// Internal errors
	USC_INCOMPLETE_RUN ErrorCode = "USC_INCOMPLETE_RUN" // Test never reached a terminal state
	USC_INTERNAL       ErrorCode = "USC_INTERNAL"       // Unexpected failure
)

// Error represents a standardized error.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId,omitempty"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
	Err           error       `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatusCodeForCode(code),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, details interface{}) *Error {
	e := New(code, message)
	e.Details = details
	return e
}

// Wrap creates a new Error that carries an underlying cause.
func Wrap(code ErrorCode, err error, message string) *Error {
	e := New(code, message)
	e.Err = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Details != nil {
		msg = fmt.Sprintf("%s (details: %v)", msg, e.Details)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, errors.New(USC_NETWORK, "")) matches any network error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain, or "" if there is none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case USC_MISSING_INPUT, USC_INVALID_INPUT, USC_INVALID_DEFINITION:
		return http.StatusBadRequest
	case USC_NOT_FOUND, USC_UNRESOLVED_REFERENCE, USC_UNRESOLVED_REQUEST:
		return http.StatusNotFound
	case USC_DUPLICATE_SUITE:
		return http.StatusConflict
	case USC_ASSERTION:
		return http.StatusUnprocessableEntity
	case USC_NETWORK:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
