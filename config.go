package authjwt

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// DefaultJWKSPath is where the Better Auth JWT plugin publishes its key set,
// relative to the auth service base URL.
const DefaultJWKSPath = "/api/auth/jwks"

const (
	defaultClockSkew    = 30 * time.Second
	defaultHTTPTimeout  = 5 * time.Second
	defaultMaxBodyBytes = 1 << 20
)

var defaultAlgorithms = []jwa.SignatureAlgorithm{
	jwa.EdDSA,
	jwa.ES256,
	jwa.ES384,
	jwa.ES512,
	jwa.RS256,
	jwa.RS384,
	jwa.RS512,
	jwa.PS256,
	jwa.PS384,
	jwa.PS512,
}

// FetcherConfig describes where the auth service publishes its JWKS.
type FetcherConfig struct {
	AuthServiceURL string
	JWKSPath       string
	HTTPTimeout    time.Duration
	MaxBodyBytes   int64

	// HTTPClient overrides the client built from HTTPTimeout.
	HTTPClient *http.Client
	// TokenSource, when set, authenticates each JWKS request. Used when the
	// auth service sits behind an identity-aware proxy.
	TokenSource oauth2.TokenSource

	Logger  logrus.FieldLogger
	Metrics *Metrics
}

func (c *FetcherConfig) normalize() {
	c.AuthServiceURL = strings.TrimRight(strings.TrimSpace(c.AuthServiceURL), "/")
	if c.JWKSPath == "" {
		c.JWKSPath = DefaultJWKSPath
	}
	if !strings.HasPrefix(c.JWKSPath, "/") {
		c.JWKSPath = "/" + c.JWKSPath
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{
			Timeout: c.HTTPTimeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
			},
		}
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

func (c FetcherConfig) validate() error {
	if c.AuthServiceURL == "" {
		return errors.New("auth service url is required")
	}
	u, err := url.Parse(c.AuthServiceURL)
	if err != nil {
		return fmt.Errorf("parse auth service url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("auth service url %q must be absolute", c.AuthServiceURL)
	}
	return nil
}

// VerifierConfig carries the expected token claims and the JWKS source.
type VerifierConfig struct {
	// Issuer is required and must match the token's iss claim exactly.
	Issuer string
	// Audience defaults to Issuer.
	Audience string
	Fetcher  JWKSRefresher

	ClockSkew         time.Duration
	RequireExpiration bool
	AllowedAlgorithms []jwa.SignatureAlgorithm

	Logger  logrus.FieldLogger
	Metrics *Metrics
}

func (c *VerifierConfig) normalize() {
	c.Issuer = strings.TrimSpace(c.Issuer)
	c.Audience = strings.TrimSpace(c.Audience)
	if c.Audience == "" {
		c.Audience = c.Issuer
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = defaultClockSkew
	}
	if len(c.AllowedAlgorithms) == 0 {
		c.AllowedAlgorithms = defaultAlgorithms
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

func (c VerifierConfig) validate() error {
	switch {
	case c.Issuer == "":
		return errors.New("issuer is required")
	case c.Fetcher == nil:
		return errors.New("jwks fetcher is required")
	}
	for _, alg := range c.AllowedAlgorithms {
		if alg == jwa.NoSignature || strings.HasPrefix(alg.String(), "HS") {
			return fmt.Errorf("algorithm %q cannot be verified against a public key set", alg)
		}
	}
	return nil
}
