// Package core holds the error type shared by the relay's HTTP surface and
// its realtime error frames.
package core

import (
	"fmt"
	"net/http"
)

// StatusOverloaded is returned while the relay is draining.
const StatusOverloaded = 529

type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"
	ErrUpstream       ErrorType = "upstream_error"
)

var typeStatus = map[ErrorType]int{
	ErrInvalidRequest: http.StatusBadRequest,
	ErrAuthentication: http.StatusUnauthorized,
	ErrPermission:     http.StatusForbidden,
	ErrNotFound:       http.StatusNotFound,
	ErrRateLimit:      http.StatusTooManyRequests,
	ErrAPI:            http.StatusInternalServerError,
	ErrOverloaded:     StatusOverloaded,
	ErrUpstream:       http.StatusBadGateway,
}

// Error is the body of every error the relay reports, over HTTP as
// {"error": ...} and over a realtime socket inside an "error" frame.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Param      string    `json:"param,omitempty"`
	Code       string    `json:"code,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	RetryAfter *int      `json:"retry_after,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// Status maps the error type to an HTTP status. Unknown types are 500.
func (e *Error) Status() int {
	if s, ok := typeStatus[e.Type]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether the same request may succeed later.
func (e *Error) IsRetryable() bool {
	return e.Type == ErrRateLimit || e.Type == ErrOverloaded || e.Type == ErrUpstream
}

func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

// NewUpstreamError wraps a failure of the realtime endpoint or a model backend.
// The underlying error stays reachable through errors.Is/As but is not serialized.
func NewUpstreamError(upstream string, underlying error) *Error {
	return &Error{
		Type:    ErrUpstream,
		Message: upstream + " unavailable",
		cause:   underlying,
	}
}
