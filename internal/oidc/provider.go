// Package oidc implements the relying-party side of the OpenID
// Connect pieces the filter needs: provider metadata and discovery, a
// cached JWKS keyset, verification of token endpoint responses and
// the outbound token endpoint call itself.
package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tink-crypto/tink-go/v2/jwt"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"golang.org/x/oauth2"
)

// DefaultCacheDuration is how long discovery metadata and the JWKS are
// cached before they are refreshed from the issuer.
const DefaultCacheDuration = 10 * time.Minute

// ProviderMetadata is the subset of the OIDC discovery document the
// filter consumes.
type ProviderMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// Provider represents the identity provider tokens are acquired from
// and verified against. It caches the provider's JWKS as a tink
// keyset handle, refreshing it on demand.
type Provider struct {
	Metadata *ProviderMetadata

	// HTTPClient used for metadata and JWKS fetches. Defaults to
	// http.DefaultClient.
	HTTPClient    *http.Client
	CacheDuration time.Duration

	cacheMu          sync.Mutex
	cacheLastFetched time.Time
	cachedHandle     *keyset.Handle

	discoveryURL string
}

// DiscoverProvider fetches provider metadata and keys from the
// issuer's well-known configuration endpoint.
func DiscoverProvider(ctx context.Context, issuer string, client *http.Client) (*Provider, error) {
	p := &Provider{
		HTTPClient:   client,
		discoveryURL: strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration",
	}
	if err := p.refreshIfNeeded(ctx); err != nil {
		return nil, fmt.Errorf("performing initial metadata discovery: %w", err)
	}
	return p, nil
}

// Endpoint returns the OAuth2 endpoint configuration for this
// provider.
func (p *Provider) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:  p.Metadata.AuthorizationEndpoint,
		TokenURL: p.Metadata.TokenEndpoint,
	}
}

// JWKSHandle returns the provider's current public keyset, fetching
// or refreshing it as needed.
func (p *Provider) JWKSHandle(ctx context.Context) (*keyset.Handle, error) {
	if err := p.refreshIfNeeded(ctx); err != nil {
		return nil, err
	}
	return p.cachedHandle, nil
}

var validJWKSContentTypes = []string{
	"application/json",
	"application/jwk-set+json",
}

func (p *Provider) refreshIfNeeded(ctx context.Context) error {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()

	cacheFor := p.CacheDuration
	if cacheFor == 0 {
		cacheFor = DefaultCacheDuration
	}
	if !p.cacheLastFetched.IsZero() && time.Since(p.cacheLastFetched) < cacheFor {
		return nil
	}

	// if we are a discovered provider, refresh the discovery metadata
	// too.
	if p.discoveryURL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.discoveryURL, nil)
		if err != nil {
			return fmt.Errorf("creating request for %s: %w", p.discoveryURL, err)
		}
		res, err := p.httpClient().Do(req)
		if err != nil {
			return fmt.Errorf("failed to get discovery metadata from %s: %w", p.discoveryURL, err)
		}
		defer func() { _ = res.Body.Close() }()

		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("expected status %d from %s, got: %d", http.StatusOK, p.discoveryURL, res.StatusCode)
		}

		var md ProviderMetadata
		if err := json.NewDecoder(res.Body).Decode(&md); err != nil {
			return fmt.Errorf("decoding discovery metadata response: %w", err)
		}
		p.Metadata = &md
	}

	if p.Metadata == nil || p.Metadata.JWKSURI == "" {
		return fmt.Errorf("provider has no jwks_uri")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Metadata.JWKSURI, nil)
	if err != nil {
		return fmt.Errorf("creating request for %s: %w", p.Metadata.JWKSURI, err)
	}
	res, err := p.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to get keys from %s: %w", p.Metadata.JWKSURI, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("expected status %d from %s, got: %d", http.StatusOK, p.Metadata.JWKSURI, res.StatusCode)
	}
	ct, _, _ := strings.Cut(res.Header.Get("Content-Type"), ";")
	if !slices.Contains(validJWKSContentTypes, strings.TrimSpace(ct)) {
		return fmt.Errorf("expected content type %s, got: %s",
			strings.Join(validJWKSContentTypes, ", "), res.Header.Get("Content-Type"))
	}
	jwksb, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("reading JWKS body: %w", err)
	}

	handle, err := jwt.JWKSetToPublicKeysetHandle(jwksb)
	if err != nil {
		return fmt.Errorf("creating public keyset handle from JWKS: %w", err)
	}

	p.cachedHandle = handle
	p.cacheLastFetched = time.Now()

	return nil
}

func (p *Provider) httpClient() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return http.DefaultClient
}
