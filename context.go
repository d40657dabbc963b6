package authjwt

import "context"

type callerKey struct{}

// Caller is what the middleware stores in the request context after a
// successful verification.
type Caller struct {
	Payload   *JWTPayload
	User      UserInfo
	DevBypass bool
}

// NewCaller builds a Caller from a verified payload.
func NewCaller(p *JWTPayload) Caller {
	return Caller{Payload: p, User: ExtractUserInfo(p)}
}

// BindCaller stores the caller inside the context for downstream handlers.
func BindCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext retrieves a caller previously stored in the context.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	if ctx == nil {
		return Caller{}, false
	}
	value := ctx.Value(callerKey{})
	if value == nil {
		return Caller{}, false
	}
	caller, ok := value.(Caller)
	return caller, ok
}

// UserInfoFromContext returns the authenticated user's projection.
func UserInfoFromContext(ctx context.Context) (UserInfo, bool) {
	caller, ok := CallerFromContext(ctx)
	if !ok {
		return UserInfo{}, false
	}
	return caller.User, true
}
