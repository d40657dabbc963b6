package authjwt

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://auth.studio.test"
	testAudience = "https://api.studio.test"
)

type testKey struct {
	kid     string
	alg     jwa.SignatureAlgorithm
	private jwk.Key
	public  jwk.Key
}

func newECKey(t *testing.T, kid string) *testKey {
	t.Helper()
	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return newTestKey(t, raw, kid, jwa.ES256)
}

func newRSAKey(t *testing.T, kid string) *testKey {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return newTestKey(t, raw, kid, jwa.RS256)
}

func newTestKey(t *testing.T, raw any, kid string, alg jwa.SignatureAlgorithm) *testKey {
	t.Helper()
	private, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	public, err := jwk.PublicKeyOf(private)
	require.NoError(t, err)

	for _, key := range []jwk.Key{private, public} {
		if kid != "" {
			require.NoError(t, key.Set(jwk.KeyIDKey, kid))
		}
		require.NoError(t, key.Set(jwk.AlgorithmKey, alg))
	}
	require.NoError(t, public.Set(jwk.KeyUsageKey, jwk.ForSignature))
	return &testKey{kid: kid, alg: alg, private: private, public: public}
}

func (k *testKey) sign(t *testing.T, builder *jwt.Builder) string {
	t.Helper()
	token, err := builder.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(k.alg, k.private))
	require.NoError(t, err)
	return string(signed)
}

// validClaims returns a builder for a token the default test verifier accepts.
func validClaims() *jwt.Builder {
	now := time.Now()
	return jwt.NewBuilder().
		Issuer(testIssuer).
		Audience([]string{testAudience}).
		Subject("user-1").
		IssuedAt(now).
		Expiration(now.Add(time.Hour)).
		Claim("id", "user-1").
		Claim("name", "Ada Lovelace").
		Claim("email", "ada@example.com").
		Claim("image", "https://cdn.studio.test/ada.png").
		Claim("activeOrganizationId", "org-1")
}

// jwksServer serves a mutable key set and counts requests.
type jwksServer struct {
	*httptest.Server

	mu     sync.Mutex
	keys   []jwk.Key
	status int
	raw    []byte
	hits   atomic.Int32
	accept atomic.Value
	auth   atomic.Value
}

func newJWKSServer(t *testing.T, keys ...*testKey) *jwksServer {
	t.Helper()
	s := &jwksServer{status: http.StatusOK}
	s.setKeys(keys...)
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) serve(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)
	s.accept.Store(r.Header.Get("Accept"))
	s.auth.Store(r.Header.Get("Authorization"))

	s.mu.Lock()
	status, raw := s.status, s.raw
	set := jwk.NewSet()
	for _, key := range s.keys {
		_ = set.AddKey(key)
	}
	s.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if raw != nil {
		_, _ = w.Write(raw)
		return
	}
	_ = json.NewEncoder(w).Encode(set)
}

func (s *jwksServer) setKeys(keys ...*testKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = s.keys[:0]
	for _, k := range keys {
		s.keys = append(s.keys, k.public)
	}
}

func (s *jwksServer) setStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *jwksServer) setRaw(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = []byte(body)
}

// countingFetcher records RefreshJWKS calls made through it.
type countingFetcher struct {
	*Fetcher
	refreshes atomic.Int32
}

func (c *countingFetcher) RefreshJWKS(ctx context.Context) (jwk.Set, error) {
	c.refreshes.Add(1)
	return c.Fetcher.RefreshJWKS(ctx)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestFetcher(t *testing.T, srv *jwksServer) *countingFetcher {
	t.Helper()
	f, err := NewFetcher(FetcherConfig{
		AuthServiceURL: srv.URL,
		HTTPTimeout:    2 * time.Second,
		Logger:         quietLogger(),
	})
	require.NoError(t, err)
	return &countingFetcher{Fetcher: f}
}

func newTestVerifier(t *testing.T, fetcher JWKSRefresher, mutate ...func(*VerifierConfig)) *Verifier {
	t.Helper()
	cfg := VerifierConfig{
		Issuer:   testIssuer,
		Audience: testAudience,
		Fetcher:  fetcher,
		Logger:   quietLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	v, err := NewVerifier(cfg)
	require.NoError(t, err)
	return v
}
