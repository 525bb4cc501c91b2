package lti

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrInvalidToken is the single error kind all token verification failures
// collapse to. The specific cause is logged server-side only, so a
// misbehaving platform cannot probe which check failed.
var ErrInvalidToken = errors.New("invalid token")

// Error carries the HTTP status a failure maps to. Handlers across the
// engine use the constructors below so the taxonomy stays in one place.
type Error struct {
	Status  int
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func BadRequest(msg string, cause error) *Error {
	return &Error{Status: http.StatusBadRequest, Message: msg, cause: cause}
}

func Unauthorized(msg string, cause error) *Error {
	return &Error{Status: http.StatusUnauthorized, Message: msg, cause: cause}
}

func Forbidden(msg string, cause error) *Error {
	return &Error{Status: http.StatusForbidden, Message: msg, cause: cause}
}

func NotFound(msg string, cause error) *Error {
	return &Error{Status: http.StatusNotFound, Message: msg, cause: cause}
}

func Internal(msg string, cause error) *Error {
	return &Error{Status: http.StatusInternalServerError, Message: msg, cause: cause}
}

// WriteError writes the JSON error body. The response carries only the
// taxonomy message, never the wrapped cause.
func WriteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	var e *Error
	if errors.As(err, &e) {
		status = e.Status
		msg = e.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
