package authjwt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
)

var errKeyNotFound = errors.New("no matching key in key set")

// remoteKeySet is the handle a Verifier resolves signing keys through. It
// is bound to one JWKS URL and loads the key set once, on first use, unless
// it was seeded with a freshly refreshed set. Handles are never mutated
// after loading; a refresh produces a new handle.
type remoteKeySet struct {
	url    string
	source JWKSRefresher

	mu  sync.Mutex
	set jwk.Set
}

func newRemoteKeySet(source JWKSRefresher, seed jwk.Set) *remoteKeySet {
	return &remoteKeySet{
		url:    source.JWKSURL(),
		source: source,
		set:    seed,
	}
}

func (r *remoteKeySet) keys(ctx context.Context) (jwk.Set, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.set != nil {
		return r.set, nil
	}
	set, err := r.source.RefreshJWKS(ctx)
	if err != nil {
		return nil, err
	}
	r.set = set
	return set, nil
}

// keyLookup resolves the key for a single verification attempt and records
// why resolution failed, so the verifier can tell a key miss apart from a
// bad signature without inspecting error text.
type keyLookup struct {
	ctx     context.Context
	handle  *remoteKeySet
	allowed map[jwa.SignatureAlgorithm]struct{}

	kid     string
	missing bool
	loadErr error
}

var _ jws.KeyProvider = (*keyLookup)(nil)

// FetchKeys implements jws.KeyProvider. The context jwx passes in is
// ignored in favour of the caller's context captured on the lookup.
func (l *keyLookup) FetchKeys(_ context.Context, sink jws.KeySink, sig *jws.Signature, _ *jws.Message) error {
	set, err := l.handle.keys(l.ctx)
	if err != nil {
		l.loadErr = err
		return err
	}

	headers := sig.ProtectedHeaders()
	alg := headers.Algorithm()
	if _, ok := l.allowed[alg]; !ok {
		return fmt.Errorf("signature algorithm %q not allowed", alg)
	}

	l.kid = headers.KeyID()
	if l.kid != "" {
		key, ok := set.LookupKeyID(l.kid)
		if !ok {
			l.missing = true
			return fmt.Errorf("%w: kid %q", errKeyNotFound, l.kid)
		}
		if !keyAllows(key, alg) {
			return fmt.Errorf("key %q is not usable with %q", l.kid, alg)
		}
		sink.Key(alg, key)
		return nil
	}

	// No kid in the header: offer every key declared for this algorithm.
	found := 0
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok || !keyAllows(key, alg) {
			continue
		}
		sink.Key(alg, key)
		found++
	}
	if found == 0 {
		l.missing = true
		return fmt.Errorf("%w: no key for %q", errKeyNotFound, alg)
	}
	return nil
}

func keyAllows(key jwk.Key, alg jwa.SignatureAlgorithm) bool {
	if use := key.KeyUsage(); use != "" && use != string(jwk.ForSignature) {
		return false
	}
	if declared := key.Algorithm().String(); declared != "" && declared != alg.String() {
		return false
	}
	return true
}
