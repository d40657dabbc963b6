package authjwt

import (
	"fmt"
	"net/http"
)

// ErrorCode represents the error kinds surfaced by the fetcher and verifier.
type ErrorCode string

const (
	ErrCodeConfig       ErrorCode = "config_error"
	ErrCodeFetch        ErrorCode = "jwks_fetch_failed"
	ErrCodeFormat       ErrorCode = "jwks_invalid_format"
	ErrCodePayload      ErrorCode = "invalid_payload"
	ErrCodeVerification ErrorCode = "verification_failed"
)

// Reason refines ErrCodeVerification failures.
type Reason string

const (
	ReasonInvalidToken    Reason = "invalid_token"
	ReasonExpired         Reason = "token_expired"
	ReasonNotYetValid     Reason = "token_not_yet_valid"
	ReasonInvalidIssuer   Reason = "invalid_issuer"
	ReasonInvalidAudience Reason = "invalid_audience"
	ReasonKeyNotFound     Reason = "key_not_found"
	ReasonUnknown         Reason = "unknown"
)

var errorMessages = map[ErrorCode]string{
	ErrCodeConfig:       "Invalid configuration",
	ErrCodeFetch:        "JWKS fetch failed",
	ErrCodeFormat:       "JWKS response malformed",
	ErrCodePayload:      "Invalid token payload",
	ErrCodeVerification: "Token verification failed",
}

// Sentinels usable with errors.Is. They match any *Error with the same code.
var (
	ErrConfig       = &Error{Code: ErrCodeConfig}
	ErrFetch        = &Error{Code: ErrCodeFetch}
	ErrFormat       = &Error{Code: ErrCodeFormat}
	ErrPayload      = &Error{Code: ErrCodePayload}
	ErrVerification = &Error{Code: ErrCodeVerification}
)

// Error wraps fetcher and verifier errors with a stable code and message.
type Error struct {
	Code    ErrorCode
	Reason  Reason
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Message
	if base == "" {
		base = string(e.Code)
	}
	if e.Err == nil {
		return base
	}
	return fmt.Sprintf("%s: %v", base, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same code. A target
// carrying a Reason only matches errors with that reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// StatusCode maps the error kind to the HTTP status an integrator should
// answer with.
func (e *Error) StatusCode() int {
	switch e.Code {
	case ErrCodeVerification, ErrCodePayload:
		return http.StatusUnauthorized
	case ErrCodeFetch, ErrCodeFormat:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newError(code ErrorCode, err error) error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = string(code)
	}
	return &Error{Code: code, Message: msg, Err: err}
}

func newVerificationError(reason Reason, err error) error {
	return &Error{
		Code:    ErrCodeVerification,
		Reason:  reason,
		Message: errorMessages[ErrCodeVerification],
		Err:     err,
	}
}
