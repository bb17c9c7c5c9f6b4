package authn

import (
	"fmt"
	"math"
	"net/http"
	"time"
)

// Code classifies why a request was not authorized. Codes are the only failure detail
// transports reveal to clients.
type Code string

const (
	CodeCredentialMissing Code = "CredentialMissing"
	// CodeInvalidCredentials is a failed password login; the validator never produces it.
	CodeInvalidCredentials Code = "InvalidCredentials"
	CodeTokenInvalid       Code = "TokenInvalid"
	CodeTokenExpired       Code = "TokenExpired"
	CodeSessionMissing     Code = "SessionMissing"
	CodeSessionRevoked     Code = "SessionRevoked"
	CodeCompromisedFamily  Code = "CompromisedFamily"
	CodeRateLimitExceeded  Code = "RateLimitExceeded"
	CodeStoreUnavailable   Code = "StoreUnavailable"
	CodeInternal           Code = "InternalError"
)

var messages = map[Code]string{
	CodeCredentialMissing:  "Authentication required",
	CodeInvalidCredentials: "Invalid email or password",
	CodeTokenInvalid:       "Invalid credentials",
	CodeTokenExpired:       "Session expired, please sign in again",
	CodeSessionMissing:     "Session not found",
	CodeSessionRevoked:     "Session has been revoked",
	CodeCompromisedFamily:  "Session has been revoked",
	CodeRateLimitExceeded:  "Too many requests",
	CodeStoreUnavailable:   "Service temporarily unavailable",
	CodeInternal:           "Internal server error",
}

// Error is a classified authentication failure. Err carries the internal cause for logs only.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
	Err        error
}

// NewError returns an Error for code with its generic message.
func NewError(code Code, cause error) *Error {
	return &Error{Code: code, Message: messages[code], Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the code to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds; 0 when not set.
func (e *Error) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(e.RetryAfter.Seconds()))
}
