package proxy

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/triage-ai/palisade-gateway/internal/engine"
	"github.com/triage-ai/palisade-gateway/internal/ratelimit"
)

// Code classifies a user-visible failure.
type Code string

const (
	CodeInvalidInput      Code = "invalid_input"
	CodeRateLimited       Code = "rate_limited"
	CodeProviderFailed    Code = "provider_failed"
	CodeSecurityViolation Code = "security_violation"
	CodeCancelled         Code = "cancelled"
	CodeInternal          Code = "internal"
)

// StatusClientClosedRequest is the de facto status for a caller that went away.
const StatusClientClosedRequest = 499

// HTTPStatus maps a code onto a response status. Security violations are not
// errors at the HTTP level and answer 200.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeProviderFailed:
		return http.StatusBadGateway
	case CodeSecurityViolation:
		return http.StatusOK
	case CodeCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is a failure surfaced to the caller. Every Error carries the trace id
// of the request that produced it.
type Error struct {
	Code     Code
	Detail   string
	TraceID  string
	Findings []engine.Finding
	// RateLimit is set for rate-limited requests so the headers can be written.
	RateLimit *ratelimit.Decision
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(code Code, traceID, detail string, cause error) *Error {
	return &Error{Code: code, Detail: detail, TraceID: traceID, Cause: cause}
}

// InvalidInput builds an invalid_input error for a request rejected before a
// trace exists.
func InvalidInput(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidInput, Detail: fmt.Sprintf(format, args...)}
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
