// Package gatewayerr defines the typed error codes the orchestrator maps
// internal failures onto before they reach a caller.
package gatewayerr

import (
	"fmt"
	"net/http"
)

type Code string

const (
	MalformedRequest   Code = "malformed_request"
	MethodNotAllowed   Code = "method_not_allowed"
	AuthenticationFail Code = "authentication_failed"
	AuthorizationFail  Code = "authorization_failed"
	InvalidParameters  Code = "invalid_parameters"
	RateLimited        Code = "rate_limited"
	BackendError       Code = "backend_error"
	BackendUnavailable Code = "backend_unavailable"
	PaymentConflict    Code = "payment_conflict"
	ChallengeInvalid   Code = "challenge_invalid"
	InternalError      Code = "internal_error"
)

// Error is the typed error every pipeline stage returns upward. Data carries
// code-specific detail (rule_name/reason for InvalidParameters, retry_after
// for RateLimited) that the HTTP layer serializes but never leaks secrets
// through.
type Error struct {
	Code    Code
	Message string
	Data    map[string]interface{}
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, data map[string]interface{}, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Data: data}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, err: err}
}

// As reports whether err is a *Error and, if so, returns it.
func As(err error) (*Error, bool) {
	ge, ok := err.(*Error)
	return ge, ok
}

// HTTPStatus maps a Code onto the status line the HTTP layer writes (§7).
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case MalformedRequest, InvalidParameters, ChallengeInvalid:
		return http.StatusBadRequest
	case AuthenticationFail:
		return http.StatusUnauthorized
	case AuthorizationFail, MethodNotAllowed:
		return http.StatusForbidden
	case RateLimited:
		return http.StatusTooManyRequests
	case PaymentConflict:
		return http.StatusConflict
	case BackendUnavailable:
		return http.StatusServiceUnavailable
	case BackendError, InternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
