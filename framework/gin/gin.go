// Package authgin adapts the authjwt middleware to gin.
package authgin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bionicotaku/lingo-utils-authjwt"
)

// DefaultCallerKey is the gin context key the caller is stored under.
const DefaultCallerKey = "authjwt.caller"

var (
	ErrMissingCaller = errors.New("no authenticated caller in context")
	ErrInvalidCaller = errors.New("invalid caller type in context")
)

// New returns a gin handler that verifies the request's bearer token with v.
// On success the caller is stored both in the request context and under
// DefaultCallerKey; on failure the chain is aborted after the error handler
// has written its response.
func New(v authjwt.TokenVerifier, opts ...authjwt.MiddlewareOption) gin.HandlerFunc {
	mw := authjwt.Middleware(v, opts...)

	return func(c *gin.Context) {
		passed := false
		next := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			passed = true
			c.Request = r
			if caller, ok := authjwt.CallerFromContext(r.Context()); ok {
				c.Set(DefaultCallerKey, caller)
			}
			c.Next()
		})

		mw(next).ServeHTTP(c.Writer, c.Request)

		if !passed {
			c.Abort()
		}
	}
}

// GetCaller returns the caller stored by New.
func GetCaller(c *gin.Context) (authjwt.Caller, error) {
	value, exists := c.Get(DefaultCallerKey)
	if !exists {
		return authjwt.Caller{}, ErrMissingCaller
	}
	caller, ok := value.(authjwt.Caller)
	if !ok {
		return authjwt.Caller{}, ErrInvalidCaller
	}
	return caller, nil
}
