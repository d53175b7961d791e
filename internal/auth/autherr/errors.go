package autherr

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies an error category in the authentication core.
// Codes are stable identifiers safe to surface to clients; messages are
// pre-sanitized and never carry secrets or internal state.
type Code string

const (
	// Request shape errors: the caller must fix its input.
	CodeInvalidRequest       Code = "INVALID_REQUEST"
	CodeInvalidClient        Code = "INVALID_CLIENT"
	CodeInvalidGrant         Code = "INVALID_GRANT"
	CodeInvalidScope         Code = "INVALID_SCOPE"
	CodeUnsupportedGrantType Code = "UNSUPPORTED_GRANT_TYPE"

	// State/identity errors: surfaced as login failure.
	CodeApplicationNotFound  Code = "APPLICATION_NOT_FOUND"
	CodeStateMismatch        Code = "STATE_MISMATCH"
	CodeInvalidRedirectURI   Code = "INVALID_REDIRECT_URI"
	CodeAuthorizationFailed  Code = "AUTHORIZATION_FAILED"
	CodeAuthenticationFailed Code = "AUTHENTICATION_FAILED"

	// Token errors: recoverable via re-authentication.
	CodeTokenInvalid Code = "TOKEN_INVALID"
	CodeTokenExpired Code = "TOKEN_EXPIRED"
	CodeTokenRevoked Code = "TOKEN_REVOKED"

	// Session errors: recoverable, action is a redirect to login.
	CodeSessionNotFound      Code = "SESSION_NOT_FOUND"
	CodeSessionExpired       Code = "SESSION_EXPIRED"
	CodeSessionLimitExceeded Code = "SESSION_LIMIT_EXCEEDED"
	CodeInvalidTransition    Code = "INVALID_TRANSITION"

	// Authorization (RBAC): non-recoverable without a privilege grant.
	CodePermissionDenied Code = "PERMISSION_DENIED"

	// Infrastructure errors: caller should back off and retry.
	CodeNetworkError      Code = "NETWORK_ERROR"
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeCircuitOpen       Code = "CIRCUIT_OPEN"
	CodeInternalError     Code = "INTERNAL_ERROR"
)

// recoverableCodes marks which error categories a client can recover from
// (by re-authenticating, retrying with backoff, or redirecting to login).
var recoverableCodes = map[Code]bool{
	CodeTokenInvalid:         true,
	CodeTokenExpired:         true,
	CodeTokenRevoked:         true,
	CodeSessionNotFound:      true,
	CodeSessionExpired:       true,
	CodeSessionLimitExceeded: true,
	CodeNetworkError:         true,
	CodeRateLimitExceeded:    true,
	CodeCircuitOpen:          true,
	CodeInternalError:        true,
}

// Error is the uniform error value returned by every subsystem of the
// authentication core. It carries a stable code, a sanitized message, a
// recoverability hint, and optional structured details.
type Error struct {
	Code        Code   `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`

	// RetryAfter is set for RATE_LIMIT_EXCEEDED and CIRCUIT_OPEN errors to
	// tell the caller how long to back off.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Details carries structured, non-sensitive context such as the
	// required vs held permission sets for PERMISSION_DENIED.
	Details map[string]any `json:"details,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches two *Error values by code so sentinel-style comparisons work:
//
//	errors.Is(err, &autherr.Error{Code: autherr.CodeStateMismatch})
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates an Error with the recoverability implied by its code.
func New(code Code, message string) *Error {
	return &Error{
		Code:        code,
		Message:     message,
		Recoverable: recoverableCodes[code],
	}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an Error that records cause for unwrapping. The cause is
// never included in Message; callers log it separately if needed.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// WithDetail returns the error with an extra structured detail attached.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// RateLimited builds a RATE_LIMIT_EXCEEDED error carrying the retry-after hint.
func RateLimited(retryAfter time.Duration) *Error {
	e := New(CodeRateLimitExceeded, "rate limit exceeded")
	e.RetryAfter = retryAfter
	return e
}

// CircuitOpen builds a CIRCUIT_OPEN error carrying the remaining cooldown.
func CircuitOpen(cooldown time.Duration) *Error {
	e := New(CodeCircuitOpen, "upstream circuit open")
	e.RetryAfter = cooldown
	return e
}

// PermissionDenied builds a PERMISSION_DENIED error carrying the required
// and held permission sets for the caller to inspect.
func PermissionDenied(required, held []string) *Error {
	e := New(CodePermissionDenied, "insufficient permissions")
	e.Details = map[string]any{
		"required": required,
		"held":     held,
	}
	return e
}

// CodeOf extracts the Code from any error in the chain.
// Unclassified errors report INTERNAL_ERROR.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternalError
}

// IsRecoverable reports whether the error (or its chain) is recoverable.
// Unclassified errors are treated as recoverable internal errors.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}
	return true
}

// Normalize converts any error into an *Error suitable for the public
// result envelope. Existing *Error values pass through; anything else
// becomes an INTERNAL_ERROR with a generic message so internal details
// never leak to clients.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternalError, "internal error", err)
}
