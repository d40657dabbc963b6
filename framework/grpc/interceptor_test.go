package authgrpc

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/bionicotaku/lingo-utils-authjwt"
)

type stubVerifier struct {
	err error
}

func (s stubVerifier) Verify(_ context.Context, token string) (*authjwt.JWTPayload, error) {
	if s.err != nil {
		return nil, s.err
	}
	if token != "good" {
		return nil, authjwt.ErrVerification
	}
	return &authjwt.JWTPayload{ID: "user-1", Name: "Ada", Email: "ada@example.com"}, nil
}

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func withAuth(value string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", value))
}

func callUnary(t *testing.T, i *Interceptor, ctx context.Context, method string) (*authjwt.Caller, error) {
	t.Helper()
	var seen *authjwt.Caller
	_, err := i.UnaryServerInterceptor()(ctx, nil, &grpc.UnaryServerInfo{FullMethod: method},
		func(ctx context.Context, _ any) (any, error) {
			if caller, ok := authjwt.CallerFromContext(ctx); ok {
				seen = &caller
			}
			return "ok", nil
		})
	return seen, err
}

func TestUnaryServerInterceptor(t *testing.T) {
	tests := []struct {
		name     string
		ctx      context.Context
		opts     []Option
		verifier stubVerifier
		code     codes.Code
		caller   bool
	}{
		{name: "valid token", ctx: withAuth("Bearer good"), code: codes.OK, caller: true},
		{name: "invalid token", ctx: withAuth("Bearer bad"), code: codes.Unauthenticated},
		{name: "malformed", ctx: withAuth("Token good"), code: codes.Unauthenticated},
		{name: "missing", ctx: context.Background(), code: codes.Unauthenticated},
		{name: "missing but optional", ctx: context.Background(), opts: []Option{WithCredentialsOptional(true)}, code: codes.OK},
		{name: "excluded method", ctx: context.Background(), opts: []Option{WithExcludedMethods("/svc.Test/Call")}, code: codes.OK},
		{
			name:     "jwks unavailable",
			ctx:      withAuth("Bearer good"),
			verifier: stubVerifier{err: fetchError()},
			code:     codes.Unavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i := New(tt.verifier, append(tt.opts, WithLogger(quiet()))...)
			caller, err := callUnary(t, i, tt.ctx, "/svc.Test/Call")

			assert.Equal(t, tt.code, status.Code(err))
			if tt.caller {
				require.NotNil(t, caller)
				assert.Equal(t, "user-1", caller.User.ID)
			} else {
				assert.Nil(t, caller)
			}
		})
	}
}

func fetchError() error {
	return &authjwt.Error{Code: authjwt.ErrCodeFetch, Err: errors.New("unexpected status 503 Service Unavailable")}
}

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func TestStreamServerInterceptor(t *testing.T) {
	i := New(stubVerifier{}, WithLogger(quiet()))
	info := &grpc.StreamServerInfo{FullMethod: "/svc.Test/Watch"}

	var user authjwt.UserInfo
	err := i.StreamServerInterceptor()(nil, &fakeStream{ctx: withAuth("bearer good")}, info,
		func(_ any, ss grpc.ServerStream) error {
			user, _ = authjwt.UserInfoFromContext(ss.Context())
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", user.Email)

	err = i.StreamServerInterceptor()(nil, &fakeStream{ctx: withAuth("Bearer bad")}, info,
		func(any, grpc.ServerStream) error { return nil })
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.NotContains(t, err.Error(), "verification_failed")
}
