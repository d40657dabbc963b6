// Package authecho adapts the authjwt middleware to echo.
package authecho

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/bionicotaku/lingo-utils-authjwt"
)

// DefaultCallerKey is the echo context key the caller is stored under.
const DefaultCallerKey = "authjwt.caller"

// New returns echo middleware that verifies the request's bearer token with v.
func New(v authjwt.TokenVerifier, opts ...authjwt.MiddlewareOption) echo.MiddlewareFunc {
	mw := authjwt.Middleware(v, opts...)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			var nextErr error
			handler := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				c.SetRequest(r)
				if caller, ok := authjwt.CallerFromContext(r.Context()); ok {
					c.Set(DefaultCallerKey, caller)
				}
				nextErr = next(c)
			})

			mw(handler).ServeHTTP(c.Response(), c.Request())
			return nextErr
		}
	}
}

// GetCaller returns the caller stored by New.
func GetCaller(c echo.Context) (authjwt.Caller, bool) {
	caller, ok := c.Get(DefaultCallerKey).(authjwt.Caller)
	return caller, ok
}
