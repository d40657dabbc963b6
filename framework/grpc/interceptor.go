// Package authgrpc provides gRPC server interceptors backed by an
// authjwt verifier.
package authgrpc

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/bionicotaku/lingo-utils-authjwt"
)

// ErrMalformedMetadata is returned when the authorization entry is not
// "Bearer <token>".
var ErrMalformedMetadata = errors.New("authorization metadata format must be Bearer {token}")

// Interceptor authenticates gRPC calls with bearer tokens carried in the
// "authorization" metadata entry.
type Interceptor struct {
	verifier            authjwt.TokenVerifier
	credentialsOptional bool
	excluded            map[string]struct{}
	logger              logrus.FieldLogger
}

// Option customizes an Interceptor.
type Option func(*Interceptor)

// WithCredentialsOptional lets calls without a token through unauthenticated.
func WithCredentialsOptional(optional bool) Option {
	return func(i *Interceptor) {
		i.credentialsOptional = optional
	}
}

// WithExcludedMethods skips authentication for the given full method names,
// e.g. "/grpc.health.v1.Health/Check".
func WithExcludedMethods(methods ...string) Option {
	return func(i *Interceptor) {
		for _, m := range methods {
			i.excluded[m] = struct{}{}
		}
	}
}

// WithLogger sets the logger for rejected calls.
func WithLogger(l logrus.FieldLogger) Option {
	return func(i *Interceptor) {
		if l != nil {
			i.logger = l
		}
	}
}

// New builds an Interceptor around v.
func New(v authjwt.TokenVerifier, opts ...Option) *Interceptor {
	i := &Interceptor{
		verifier: v,
		excluded: make(map[string]struct{}),
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Interceptor) authenticate(ctx context.Context, method string) (context.Context, error) {
	if _, ok := i.excluded[method]; ok {
		return ctx, nil
	}

	token, err := tokenFromMetadata(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "malformed credentials")
	}
	if token == "" {
		if i.credentialsOptional {
			return ctx, nil
		}
		return nil, status.Error(codes.Unauthenticated, "missing credentials")
	}

	payload, err := i.verifier.Verify(ctx, token)
	if err != nil {
		i.logger.WithFields(logrus.Fields{"method": method}).WithError(err).Warn("jwt verify failed")
		return nil, statusFromError(err)
	}
	return authjwt.BindCaller(ctx, authjwt.NewCaller(payload)), nil
}

// UnaryServerInterceptor returns the unary form of the interceptor.
func (i *Interceptor) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		authCtx, err := i.authenticate(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(authCtx, req)
	}
}

// StreamServerInterceptor returns the streaming form of the interceptor.
func (i *Interceptor) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		authCtx, err := i.authenticate(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: authCtx})
	}
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

func tokenFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", nil
	}
	values := md.Get("authorization")
	if len(values) == 0 || values[0] == "" {
		return "", nil
	}
	parts := strings.Fields(values[0])
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", ErrMalformedMetadata
	}
	return parts[1], nil
}

// statusFromError maps verifier errors to gRPC codes. Details stay in logs.
func statusFromError(err error) error {
	switch {
	case errors.Is(err, authjwt.ErrFetch), errors.Is(err, authjwt.ErrFormat):
		return status.Error(codes.Unavailable, "authentication temporarily unavailable")
	case errors.Is(err, authjwt.ErrConfig):
		return status.Error(codes.Internal, "authentication misconfigured")
	default:
		return status.Error(codes.Unauthenticated, "invalid credentials")
	}
}
