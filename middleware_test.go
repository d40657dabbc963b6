package authjwt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verifierFunc func(ctx context.Context, token string) (*JWTPayload, error)

func (f verifierFunc) Verify(ctx context.Context, token string) (*JWTPayload, error) {
	return f(ctx, token)
}

func acceptToken(want string) verifierFunc {
	return func(_ context.Context, token string) (*JWTPayload, error) {
		if token != want {
			return nil, newVerificationError(ReasonInvalidToken, errors.New("signature mismatch"))
		}
		return &JWTPayload{ID: "user-1", Name: "Ada", Email: "ada@example.com"}, nil
	}
}

func serveThrough(mw func(http.Handler) http.Handler, req *http.Request) (*httptest.ResponseRecorder, *Caller) {
	var seen *Caller
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if caller, ok := CallerFromContext(r.Context()); ok {
			seen = &caller
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seen
}

func TestMiddleware_BindsCaller(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer good")

	rec, caller := serveThrough(Middleware(acceptToken("good"), WithLogger(quietLogger())), req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, caller)
	assert.Equal(t, UserInfo{ID: "user-1", Name: "Ada", Email: "ada@example.com"}, caller.User)
	assert.False(t, caller.DevBypass)
}

func TestMiddleware_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header"},
		{name: "wrong scheme", header: "Basic dXNlcjpwYXNz"},
		{name: "no token", header: "Bearer"},
		{name: "bad token", header: "Bearer forged"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rec, caller := serveThrough(Middleware(acceptToken("good"), WithLogger(quietLogger())), req)
			assert.Nil(t, caller)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, `Bearer error="invalid_token"`, rec.Header().Get("WWW-Authenticate"))

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "invalid_token", body["error"])
			assert.NotContains(t, rec.Body.String(), "signature mismatch")
		})
	}
}

func TestMiddleware_CredentialsOptional(t *testing.T) {
	mw := Middleware(acceptToken("good"), WithCredentialsOptional(true), WithLogger(quietLogger()))

	rec, caller := serveThrough(mw, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Nil(t, caller)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer forged")
	rec, _ = serveThrough(mw, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_DevBypass(t *testing.T) {
	never := verifierFunc(func(context.Context, string) (*JWTPayload, error) {
		t.Fatal("verifier must not be called in dev bypass")
		return nil, nil
	})

	rec, caller := serveThrough(
		Middleware(never, WithDevBypass(DefaultDevBypassClaims(""))),
		httptest.NewRequest(http.MethodGet, "/", nil),
	)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, caller)
	assert.True(t, caller.DevBypass)
	assert.Equal(t, "dev-bypass", caller.User.ID)
	assert.Equal(t, "http://localhost:3000", caller.Payload.Issuer)
}

func TestMiddleware_CustomErrorHandler(t *testing.T) {
	var got error
	handler := func(w http.ResponseWriter, _ *http.Request, err error) {
		got = err
		status := http.StatusUnauthorized
		var e *Error
		if errors.As(err, &e) {
			status = e.StatusCode()
		}
		w.WriteHeader(status)
	}
	failing := verifierFunc(func(context.Context, string) (*JWTPayload, error) {
		return nil, newError(ErrCodeFetch, errors.New("unexpected status 503 Service Unavailable"))
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer anything")
	rec, _ := serveThrough(Middleware(failing, WithErrorHandler(handler), WithLogger(quietLogger())), req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.ErrorIs(t, got, ErrFetch)
}

func TestMiddleware_WithVerifier(t *testing.T) {
	key := newECKey(t, "key-1")
	srv := newJWKSServer(t, key)
	v := newTestVerifier(t, newTestFetcher(t, srv))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+key.sign(t, validClaims()))
	rec, caller := serveThrough(Middleware(v, WithLogger(quietLogger())), req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, caller)
	assert.Equal(t, "https://cdn.studio.test/ada.png", caller.User.Image)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := BearerToken(req)
	assert.ErrorIs(t, err, ErrTokenMissing)

	req.Header.Set("Authorization", "Bearer a b")
	_, err = BearerToken(req)
	assert.ErrorIs(t, err, ErrTokenMalformed)

	req.Header.Set("Authorization", "  BEARER   tok  ")
	token, err := BearerToken(req)
	require.NoError(t, err)
	assert.Equal(t, "tok", token)
}
