package authjwt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	// ErrTokenMissing is passed to the error handler when no bearer token was sent.
	ErrTokenMissing = errors.New("bearer token missing")
	// ErrTokenMalformed is passed when the Authorization header is not "Bearer <token>".
	ErrTokenMalformed = errors.New("authorization header format must be Bearer {token}")
)

// TokenVerifier is the contract the middleware depends on. *Verifier
// implements it.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*JWTPayload, error)
}

var _ TokenVerifier = (*Verifier)(nil)

// ErrorHandler writes the response for a rejected request.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// MiddlewareOption customizes Middleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	credentialsOptional bool
	devBypass           *DevBypassClaims
	errorHandler        ErrorHandler
	logger              logrus.FieldLogger
}

// WithCredentialsOptional lets requests without an Authorization header
// through unauthenticated. Invalid tokens are still rejected.
func WithCredentialsOptional(optional bool) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.credentialsOptional = optional
	}
}

// WithDevBypass skips verification and binds synthetic claims. Local
// development only.
func WithDevBypass(claims DevBypassClaims) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.devBypass = &claims
	}
}

// WithErrorHandler replaces DefaultErrorHandler.
func WithErrorHandler(h ErrorHandler) MiddlewareOption {
	return func(c *middlewareConfig) {
		if h != nil {
			c.errorHandler = h
		}
	}
}

// WithLogger sets the logger used for rejected requests.
func WithLogger(l logrus.FieldLogger) MiddlewareOption {
	return func(c *middlewareConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Middleware authenticates requests with a bearer token and binds the
// resulting Caller into the request context.
func Middleware(v TokenVerifier, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := &middlewareConfig{
		errorHandler: DefaultErrorHandler,
		logger:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.devBypass != nil {
				ctx := BindCaller(r.Context(), cfg.devBypass.ToCaller())
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			token, err := BearerToken(r)
			if errors.Is(err, ErrTokenMissing) && cfg.credentialsOptional {
				next.ServeHTTP(w, r)
				return
			}
			if err != nil {
				cfg.errorHandler(w, r, err)
				return
			}

			payload, err := v.Verify(r.Context(), token)
			if err != nil {
				cfg.logger.WithFields(logrus.Fields{
					"path":   r.URL.Path,
					"reason": resultLabel(err),
				}).WithError(err).Warn("jwt verify failed")
				cfg.errorHandler(w, r, err)
				return
			}

			ctx := BindCaller(r.Context(), NewCaller(payload))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrTokenMissing
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", ErrTokenMalformed
	}
	return parts[1], nil
}

// DefaultErrorHandler answers every failure with 401 and an RFC 6750
// challenge. The underlying error is never written to the client.
func DefaultErrorHandler(w http.ResponseWriter, _ *http.Request, _ error) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             "invalid_token",
		"error_description": "authentication required",
	})
}
