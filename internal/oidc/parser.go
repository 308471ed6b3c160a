package oidc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tink-crypto/tink-go/v2/jwt"
)

// TokenResponse is the verified result of an authorization-code
// exchange.
type TokenResponse struct {
	// IDToken is the raw compact JWS of the verified ID token.
	IDToken string
	// RawAccessToken is the access token, empty when the response
	// carried none.
	RawAccessToken string
	// ExpirySeconds and HasExpiry carry the session lifetime, when
	// one applies.
	ExpirySeconds int64
	HasExpiry     bool
}

// AccessToken returns the access token from the response, if one was
// present.
func (t *TokenResponse) AccessToken() (string, bool) {
	return t.RawAccessToken, t.RawAccessToken != ""
}

// Expiry returns the number of seconds the issued session may live,
// if the response carried one.
func (t *TokenResponse) Expiry() (int64, bool) {
	return t.ExpirySeconds, t.HasExpiry
}

// TokenResponseParser verifies a raw token endpoint response body.
// Parse must reject the response unless the ID token's signature,
// issuer, audience and nonce all check out.
type TokenResponseParser interface {
	Parse(ctx context.Context, clientID, expectedNonce string, body []byte) (*TokenResponse, error)
}

// KeysetTokenResponseParser verifies ID tokens against the provider's
// JWKS keyset.
type KeysetTokenResponseParser struct {
	Provider *Provider

	// now is the clock used for derived expiries, overridable in tests.
	now func() time.Time
}

var _ TokenResponseParser = (*KeysetTokenResponseParser)(nil)

// NewKeysetTokenResponseParser builds a parser verifying against the
// given provider.
func NewKeysetTokenResponseParser(p *Provider) *KeysetTokenResponseParser {
	return &KeysetTokenResponseParser{Provider: p, now: time.Now}
}

type rawTokenResponse struct {
	IDToken     string `json:"id_token"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (p *KeysetTokenResponseParser) Parse(ctx context.Context, clientID, expectedNonce string, body []byte) (*TokenResponse, error) {
	var raw rawTokenResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if raw.IDToken == "" {
		return nil, fmt.Errorf("token response contains no id_token")
	}

	handle, err := p.Provider.JWKSHandle(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting provider keys: %w", err)
	}
	verifier, err := jwt.NewVerifier(handle)
	if err != nil {
		return nil, fmt.Errorf("creating verifier: %w", err)
	}
	validator, err := jwt.NewValidator(&jwt.ValidatorOpts{
		ExpectedIssuer:         &p.Provider.Metadata.Issuer,
		ExpectedAudience:       &clientID,
		AllowMissingExpiration: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating validator: %w", err)
	}
	verified, err := verifier.VerifyAndDecode(raw.IDToken, validator)
	if err != nil {
		return nil, fmt.Errorf("verifying id_token: %w", err)
	}

	if !verified.HasStringClaim("nonce") {
		return nil, fmt.Errorf("id_token contains no nonce claim")
	}
	nonce, err := verified.StringClaim("nonce")
	if err != nil {
		return nil, fmt.Errorf("getting nonce claim: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(nonce), []byte(expectedNonce)) != 1 {
		return nil, fmt.Errorf("id_token nonce does not match the expected value")
	}

	tr := &TokenResponse{
		IDToken:        raw.IDToken,
		RawAccessToken: raw.AccessToken,
	}
	switch {
	case raw.ExpiresIn > 0:
		tr.ExpirySeconds = raw.ExpiresIn
		tr.HasExpiry = true
	case verified.HasExpiration():
		exp, err := verified.ExpiresAt()
		if err != nil {
			return nil, fmt.Errorf("getting exp claim: %w", err)
		}
		tr.ExpirySeconds = int64(exp.Sub(p.clock()()).Seconds())
		tr.HasExpiry = true
	}

	return tr, nil
}

func (p *KeysetTokenResponseParser) clock() func() time.Time {
	if p.now != nil {
		return p.now
	}
	return time.Now
}
