// Package apierror defines the error conditions the emulator signals to its
// clients and maps each onto an HTTP status.
package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/wondertwin-ai/twin-directline/pkg/twincore"
)

// Code names a signaled condition.
type Code string

const (
	BadArgument       Code = "BadArgument"
	BadSyntax         Code = "BadSyntax"
	MissingProperty   Code = "MissingProperty"
	MessageSizeTooBig Code = "MessageSizeTooBig"
	NotFound          Code = "NotFound"
	ServiceError      Code = "ServiceError"
	Unauthorized      Code = "Unauthorized"
	Forbidden         Code = "Forbidden"
)

// Error is a signaled condition with the HTTP status it is reported under.
// Body holds an upstream response body when the condition came from a remote call.
type Error struct {
	Code    Code
	Status  int
	Message string
	Body    []byte
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s: %v", e.Code, e.Status, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New returns an Error with an explicit status.
func New(code Code, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Newf is New with a formatted message.
func Newf(code Code, status int, format string, args ...any) *Error {
	return New(code, status, fmt.Sprintf(format, args...))
}

// BadArgumentf reports a missing or invalid required value.
func BadArgumentf(format string, args ...any) *Error {
	return Newf(BadArgument, http.StatusBadRequest, format, args...)
}

// BadSyntaxf reports a malformed request body.
func BadSyntaxf(format string, args ...any) *Error {
	return Newf(BadSyntax, http.StatusBadRequest, format, args...)
}

// MissingPropertyf reports a specific required field that is absent.
func MissingPropertyf(format string, args ...any) *Error {
	return Newf(MissingProperty, http.StatusBadRequest, format, args...)
}

// NotFoundf reports an unknown resource.
func NotFoundf(format string, args ...any) *Error {
	return Newf(NotFound, http.StatusNotFound, format, args...)
}

// Service wraps an unexpected upstream or internal failure.
func Service(status int, message string, body []byte, err error) *Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return &Error{Code: ServiceError, Status: status, Message: message, Body: body, Err: err}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Write sends err to the client as an error envelope. Errors outside the
// taxonomy surface as a generic 500 so internal detail stays out of the body.
func Write(w http.ResponseWriter, err error) {
	if e, ok := As(err); ok {
		twincore.ErrorCode(w, e.Status, string(e.Code), e.Message)
		return
	}
	twincore.ErrorCode(w, http.StatusInternalServerError, string(ServiceError), "internal server error")
}
