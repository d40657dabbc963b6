package authjwt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/bionicotaku/lingo-utils-authjwt"

// JWKSRefresher is the key set source consumed by the Verifier.
type JWKSRefresher interface {
	// RefreshJWKS downloads the current key set.
	RefreshJWKS(ctx context.Context) (jwk.Set, error)
	// JWKSURL returns the endpoint the key set is read from.
	JWKSURL() string
}

// Fetcher downloads the JWKS published by the auth service.
// It holds no key material; every RefreshJWKS call hits the network.
type Fetcher struct {
	cfg    FetcherConfig
	url    string
	tracer trace.Tracer
}

var _ JWKSRefresher = (*Fetcher)(nil)

// NewFetcher validates cfg and builds a Fetcher.
func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, newError(ErrCodeConfig, err)
	}
	return &Fetcher{
		cfg:    cfg,
		url:    cfg.AuthServiceURL + cfg.JWKSPath,
		tracer: otel.Tracer(tracerName),
	}, nil
}

// JWKSURL returns {AuthServiceURL}{JWKSPath}.
func (f *Fetcher) JWKSURL() string {
	return f.url
}

// RefreshJWKS issues a GET against the JWKS endpoint and parses the key set.
// Transport and status failures are reported as ErrCodeFetch, malformed
// bodies as ErrCodeFormat.
func (f *Fetcher) RefreshJWKS(ctx context.Context) (jwk.Set, error) {
	ctx, span := f.tracer.Start(ctx, "authjwt.RefreshJWKS",
		trace.WithAttributes(attribute.String("jwks.url", f.url)))
	defer span.End()

	start := time.Now()
	set, err := f.fetch(ctx)
	f.cfg.Metrics.observeFetch(time.Since(start), err)

	logger := f.cfg.Logger.WithField("jwks_url", f.url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "jwks refresh failed")
		logger.WithError(err).Warn("jwks refresh failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("jwks.keys", set.Len()))
	logger.WithField("keys", set.Len()).Debug("jwks refreshed")
	return set, nil
}

func (f *Fetcher) fetch(ctx context.Context) (jwk.Set, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, newError(ErrCodeFetch, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if f.cfg.TokenSource != nil {
		tok, err := f.cfg.TokenSource.Token()
		if err != nil {
			return nil, newError(ErrCodeFetch, fmt.Errorf("service token: %w", err))
		}
		tok.SetAuthHeader(req)
	}

	resp, err := f.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, newError(ErrCodeFetch, err)
	}
	defer resp.Body.Close()

	f.cfg.Logger.WithFields(logrus.Fields{
		"jwks_url": f.url,
		"status":   resp.StatusCode,
	}).Debug("jwks response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
		return nil, newError(ErrCodeFetch, fmt.Errorf("unexpected status %s", statusText(resp)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return nil, newError(ErrCodeFetch, fmt.Errorf("read body: %w", err))
	}
	return parseJWKS(body)
}

// parseJWKS requires a JSON object with a "keys" array before handing the
// document to jwx, which keeps unknown per-key members as private params.
func parseJWKS(body []byte) (jwk.Set, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, newError(ErrCodeFormat, fmt.Errorf("decode json: %w", err))
	}
	keys, ok := doc["keys"]
	if !ok {
		return nil, newError(ErrCodeFormat, errors.New(`missing "keys" member`))
	}
	if trimmed := bytes.TrimSpace(keys); len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, newError(ErrCodeFormat, errors.New(`"keys" is not an array`))
	}
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, newError(ErrCodeFormat, fmt.Errorf("parse key set: %w", err))
	}
	return set, nil
}

func statusText(resp *http.Response) string {
	if resp.Status != "" {
		return resp.Status
	}
	return fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}
