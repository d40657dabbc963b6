package authjwt

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errUnknown = errors.New("unknown error")

// Verifier checks bearer tokens against the auth service's JWKS. When a
// token names a key the cached set does not hold, the verifier refreshes the
// set once and retries once.
type Verifier struct {
	cfg     VerifierConfig
	allowed map[jwa.SignatureAlgorithm]struct{}
	tracer  trace.Tracer

	handle atomic.Pointer[remoteKeySet]
	builds atomic.Int64
}

// NewVerifier validates cfg and builds a Verifier. The key set is not
// fetched until the first Verify or Warmup.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, newError(ErrCodeConfig, err)
	}
	allowed := make(map[jwa.SignatureAlgorithm]struct{}, len(cfg.AllowedAlgorithms))
	for _, alg := range cfg.AllowedAlgorithms {
		allowed[alg] = struct{}{}
	}
	return &Verifier{
		cfg:     cfg,
		allowed: allowed,
		tracer:  otel.Tracer(tracerName),
	}, nil
}

// Issuer returns the expected iss claim.
func (v *Verifier) Issuer() string { return v.cfg.Issuer }

// Audience returns the expected aud claim.
func (v *Verifier) Audience() string { return v.cfg.Audience }

// HandleBuilds reports how many key set handles this verifier has built.
func (v *Verifier) HandleBuilds() int64 { return v.builds.Load() }

// Warmup builds the key set handle and loads the JWKS so configuration and
// connectivity problems surface before the first request.
func (v *Verifier) Warmup(ctx context.Context) error {
	_, err := v.currentHandle().keys(ctx)
	return err
}

// Verify checks the token's signature, issuer, audience and lifetime and
// returns its validated payload.
func (v *Verifier) Verify(ctx context.Context, token string) (payload *JWTPayload, err error) {
	ctx, span := v.tracer.Start(ctx, "authjwt.Verify")
	defer func() {
		v.cfg.Metrics.observeVerification(err)
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.String("authjwt.reason", resultLabel(err)))
			span.SetStatus(codes.Error, resultLabel(err))
			v.cfg.Logger.WithField("reason", resultLabel(err)).WithError(err).Debug("token rejected")
		}
		span.End()
	}()

	token = strings.TrimSpace(token)
	if token == "" {
		return nil, newVerificationError(ReasonInvalidToken, errors.New("token is empty"))
	}

	payload, missing, err := v.attempt(ctx, v.currentHandle(), token)
	if err == nil || !missing {
		return payload, err
	}

	// Key miss: the issuer may have rotated keys since the set was loaded.
	span.SetAttributes(attribute.Bool("authjwt.retry", true))
	set, err := v.cfg.Fetcher.RefreshJWKS(ctx)
	if err != nil {
		return nil, err
	}
	handle := v.rebuildHandle(set)

	payload, _, err = v.attempt(ctx, handle, token)
	if err == nil || errors.Is(err, ErrPayload) {
		return payload, err
	}
	var verr *Error
	if errors.As(err, &verr) && verr.Code == ErrCodeVerification {
		return nil, err
	}
	return nil, newVerificationError(ReasonUnknown, err)
}

// attempt runs one verification pass against handle. missing reports
// whether the failure was an unresolvable signing key.
func (v *Verifier) attempt(ctx context.Context, handle *remoteKeySet, token string) (*JWTPayload, bool, error) {
	lookup := &keyLookup{ctx: ctx, handle: handle, allowed: v.allowed}

	parsed, err := jwt.Parse([]byte(token),
		jwt.WithKeyProvider(lookup),
		jwt.WithValidate(false),
	)
	switch {
	case lookup.loadErr != nil:
		return nil, false, lookup.loadErr
	case lookup.missing:
		return nil, true, newVerificationError(ReasonKeyNotFound, err)
	case err != nil:
		return nil, false, newVerificationError(ReasonInvalidToken, err)
	case parsed == nil:
		return nil, false, newVerificationError(ReasonUnknown, errUnknown)
	}

	validateOpts := []jwt.ValidateOption{
		jwt.WithAcceptableSkew(v.cfg.ClockSkew),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
	}
	if v.cfg.RequireExpiration {
		validateOpts = append(validateOpts, jwt.WithRequiredClaim(jwt.ExpirationKey))
	}
	if err := jwt.Validate(parsed, validateOpts...); err != nil {
		return nil, false, classifyValidationError(err)
	}

	claims, err := parsed.AsMap(ctx)
	if err != nil {
		return nil, false, newVerificationError(ReasonInvalidToken, err)
	}
	if !ValidateJWTPayload(claims) {
		return nil, false, newError(ErrCodePayload, errors.New("id, name and email must be strings; image must be a string or null"))
	}
	return payloadFromClaims(claims), false, nil
}

func (v *Verifier) currentHandle() *remoteKeySet {
	if h := v.handle.Load(); h != nil {
		return h
	}
	h := newRemoteKeySet(v.cfg.Fetcher, nil)
	if v.handle.CompareAndSwap(nil, h) {
		v.recordBuild(h, false)
		return h
	}
	return v.handle.Load()
}

// rebuildHandle replaces the current handle with one seeded from set.
// Concurrent rebuilds are not coalesced; the last one wins.
func (v *Verifier) rebuildHandle(set jwk.Set) *remoteKeySet {
	h := newRemoteKeySet(v.cfg.Fetcher, set)
	v.handle.Store(h)
	v.recordBuild(h, true)
	return h
}

func (v *Verifier) recordBuild(h *remoteKeySet, rebuild bool) {
	v.builds.Add(1)
	v.cfg.Metrics.observeHandleBuild()
	entry := v.cfg.Logger.WithField("jwks_url", h.url)
	if rebuild {
		entry.WithField("keys", h.set.Len()).Info("key set handle rebuilt after unknown key id")
		return
	}
	entry.Debug("key set handle built")
}

func classifyValidationError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired()):
		return newVerificationError(ReasonExpired, err)
	case errors.Is(err, jwt.ErrTokenNotYetValid()):
		return newVerificationError(ReasonNotYetValid, err)
	case errors.Is(err, jwt.ErrInvalidIssuer()):
		return newVerificationError(ReasonInvalidIssuer, err)
	case errors.Is(err, jwt.ErrInvalidAudience()):
		return newVerificationError(ReasonInvalidAudience, err)
	default:
		return newVerificationError(ReasonInvalidToken, err)
	}
}
