package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorType classifies a failed remote interaction. The set is flat on
// purpose: callers switch on the type and inspect the optional payload
// instead of matching a type hierarchy.
type ErrorType string

const (
	// ErrorTypeConnection covers network failures, 5xx responses and 2xx
	// bodies whose own status field is not "ok".
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeNotFound is a connection failure specialized for 404.
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeTooManyRequests is a connection failure specialized for 429.
	// The rate controller has already been notified when this surfaces.
	ErrorTypeTooManyRequests ErrorType = "too_many_requests"
	// ErrorTypeBadRequest is a plain 400 without a checkpoint marker.
	ErrorTypeBadRequest ErrorType = "bad_request"
	// ErrorTypeForbidden is a 403.
	ErrorTypeForbidden ErrorType = "forbidden"
	// ErrorTypeLoginFailed is a terminal login failure, e.g. a checkpoint
	// requirement on the login response.
	ErrorTypeLoginFailed ErrorType = "login_failed"
	// ErrorTypeBadCredentials means a wrong password, an unknown user or a
	// rejected two-factor code.
	ErrorTypeBadCredentials ErrorType = "bad_credentials"
	// ErrorTypeTwoFactorRequired is a recoverable control-flow outcome: the
	// login needs a second step. Challenge carries the server payload.
	ErrorTypeTwoFactorRequired ErrorType = "two_factor_required"
	// ErrorTypeLoginRequired means the session lacks the needed
	// authentication, including a mid-session redirect to the login page.
	ErrorTypeLoginRequired ErrorType = "login_required"
	// ErrorTypeAbort tells the caller's harvest loop to stop entirely:
	// fatal status codes, blocked sessions, checkpoint responses.
	ErrorTypeAbort ErrorType = "abort"
	// ErrorTypeUsage is caller misuse: malformed shortcode, thaw of a used
	// iterator, invalid snapshot shape.
	ErrorTypeUsage ErrorType = "usage"
)

// Error is the structured failure returned by every remote operation.
type Error struct {
	Type    ErrorType
	Message string
	Code    int // HTTP status code, 0 when not applicable

	// Challenge holds the raw two-factor payload for
	// ErrorTypeTwoFactorRequired and is nil for every other type.
	Challenge json.RawMessage
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s error (code %d): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

// New creates an Error of the given type.
func New(errorType ErrorType, code int, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errorType,
		Message: fmt.Sprintf(format, args...),
		Code:    code,
	}
}

// TypeOf returns the ErrorType of err, or "" if err carries none.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// Is reports whether err is an Error of the given type.
func Is(err error, errorType ErrorType) bool {
	return TypeOf(err) == errorType
}

// IsRetryable checks if an error type should be retried with unchanged
// parameters. Everything outside the connection family propagates
// immediately.
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeConnection, ErrorTypeTooManyRequests:
		return true
	default:
		return false
	}
}

// IsRetryableStatusCode checks if an HTTP status code indicates a retryable
// failure.
func IsRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case 0: // network error
		return true
	case 429:
		return true
	default:
		return statusCode >= 500
	}
}
