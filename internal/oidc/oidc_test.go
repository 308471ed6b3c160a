package oidc

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tink-crypto/tink-go/v2/jwt"
	"github.com/tink-crypto/tink-go/v2/keyset"
)

// testSigner signs ID tokens with a fresh ES256 key and exposes the
// matching public JWKS.
type testSigner struct {
	handle *keyset.Handle
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	h, err := keyset.NewHandle(jwt.ES256Template())
	if err != nil {
		t.Fatalf("creating handle: %v", err)
	}
	return &testSigner{handle: h}
}

func (s *testSigner) sign(t *testing.T, raw *jwt.RawJWT) string {
	t.Helper()
	signer, err := jwt.NewSigner(s.handle)
	if err != nil {
		t.Fatalf("creating signer: %v", err)
	}
	compact, err := signer.SignAndEncode(raw)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return compact
}

func (s *testSigner) jwks(t *testing.T) []byte {
	t.Helper()
	pub, err := s.handle.Public()
	if err != nil {
		t.Fatalf("creating public handle: %v", err)
	}
	jwksb, err := jwt.JWKSetFromPublicKeysetHandle(pub)
	if err != nil {
		t.Fatalf("exporting JWKS: %v", err)
	}
	return jwksb
}

// newIdPServer serves discovery metadata and the signer's JWKS.
func newIdPServer(t *testing.T, signer *testSigner) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	svr := httptest.NewServer(mux)
	t.Cleanup(svr.Close)

	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		md := &ProviderMetadata{
			Issuer:                svr.URL,
			AuthorizationEndpoint: svr.URL + "/auth",
			TokenEndpoint:         svr.URL + "/token",
			JWKSURI:               svr.URL + "/.well-known/jwks.json",
		}
		if err := json.NewEncoder(w).Encode(md); err != nil {
			http.Error(w, "Internal Error", http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("GET /.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/jwk-set+json")
		_, _ = w.Write(signer.jwks(t))
	})

	return svr
}

func TestDiscoverProvider(t *testing.T) {
	signer := newTestSigner(t)
	svr := newIdPServer(t, signer)

	p, err := DiscoverProvider(t.Context(), svr.URL, svr.Client())
	if err != nil {
		t.Fatalf("DiscoverProvider: %v", err)
	}
	if p.Metadata.Issuer != svr.URL {
		t.Errorf("issuer = %q, want %q", p.Metadata.Issuer, svr.URL)
	}
	ep := p.Endpoint()
	if ep.AuthURL != svr.URL+"/auth" || ep.TokenURL != svr.URL+"/token" {
		t.Errorf("unexpected endpoint: %+v", ep)
	}
	if _, err := p.JWKSHandle(t.Context()); err != nil {
		t.Fatalf("JWKSHandle: %v", err)
	}
}

func TestDiscoverProviderBadStatus(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	t.Cleanup(svr.Close)

	if _, err := DiscoverProvider(t.Context(), svr.URL, svr.Client()); err == nil {
		t.Error("expected discovery against 404 server to fail")
	}
}

func testParser(t *testing.T, signer *testSigner) (*KeysetTokenResponseParser, string) {
	t.Helper()
	svr := newIdPServer(t, signer)
	p, err := DiscoverProvider(t.Context(), svr.URL, svr.Client())
	if err != nil {
		t.Fatalf("DiscoverProvider: %v", err)
	}
	return NewKeysetTokenResponseParser(p), svr.URL
}

func idTokenOpts(issuer, audience, nonce string, exp time.Time) *jwt.RawJWTOptions {
	opts := &jwt.RawJWTOptions{
		Issuer:       &issuer,
		Audience:     &audience,
		CustomClaims: map[string]any{"nonce": nonce},
	}
	if exp.IsZero() {
		opts.WithoutExpiration = true
	} else {
		opts.ExpiresAt = &exp
	}
	return opts
}

func TestParse(t *testing.T) {
	signer := newTestSigner(t)
	parser, issuer := testParser(t, signer)

	const (
		clientID = "test-client"
		nonce    = "expected-nonce-value"
	)
	exp := time.Now().Add(time.Hour)

	tests := []struct {
		name       string
		opts       *jwt.RawJWTOptions
		expiresIn  int64
		wantErr    bool
		wantExpiry int64
	}{
		{
			name:       "valid with expires_in",
			opts:       idTokenOpts(issuer, clientID, nonce, exp),
			expiresIn:  3600,
			wantExpiry: 3600,
		},
		{
			name:    "wrong nonce",
			opts:    idTokenOpts(issuer, clientID, "some-other-nonce", exp),
			wantErr: true,
		},
		{
			name:    "wrong audience",
			opts:    idTokenOpts(issuer, "another-client", nonce, exp),
			wantErr: true,
		},
		{
			name:    "wrong issuer",
			opts:    idTokenOpts("https://evil.example.com", clientID, nonce, exp),
			wantErr: true,
		},
		{
			name:    "expired token",
			opts:    idTokenOpts(issuer, clientID, nonce, time.Now().Add(-time.Hour)),
			wantErr: true,
		},
		{
			name: "missing nonce claim",
			opts: &jwt.RawJWTOptions{
				Issuer:    &issuer,
				Audience:  ptr(clientID),
				ExpiresAt: &exp,
			},
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := jwt.NewRawJWT(tc.opts)
			if err != nil {
				t.Fatalf("NewRawJWT: %v", err)
			}
			body, err := json.Marshal(map[string]any{
				"id_token":     signer.sign(t, raw),
				"access_token": "an-access-token",
				"token_type":   "Bearer",
				"expires_in":   tc.expiresIn,
			})
			if err != nil {
				t.Fatal(err)
			}

			tr, err := parser.Parse(t.Context(), clientID, nonce, body)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected Parse to fail, got nil error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if tr.IDToken == "" {
				t.Error("expected raw id token to be retained")
			}
			at, ok := tr.AccessToken()
			if !ok || at != "an-access-token" {
				t.Errorf("AccessToken = (%q, %v), want (%q, true)", at, ok, "an-access-token")
			}
			gotExp, ok := tr.Expiry()
			if !ok || gotExp != tc.wantExpiry {
				t.Errorf("Expiry = (%d, %v), want (%d, true)", gotExp, ok, tc.wantExpiry)
			}
		})
	}
}

func TestParseExpiryFromExpClaim(t *testing.T) {
	signer := newTestSigner(t)
	parser, issuer := testParser(t, signer)

	now := time.Now()
	parser.now = func() time.Time { return now }

	raw, err := jwt.NewRawJWT(idTokenOpts(issuer, "c", "n", now.Add(600*time.Second)))
	if err != nil {
		t.Fatal(err)
	}
	body, err := json.Marshal(map[string]any{"id_token": signer.sign(t, raw)})
	if err != nil {
		t.Fatal(err)
	}

	tr, err := parser.Parse(t.Context(), "c", "n", body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, ok := tr.Expiry()
	if !ok || got != 600 {
		t.Errorf("Expiry = (%d, %v), want (600, true)", got, ok)
	}
	if _, ok := tr.AccessToken(); ok {
		t.Error("expected no access token in response")
	}
}

func TestParseMalformed(t *testing.T) {
	signer := newTestSigner(t)
	parser, _ := testParser(t, signer)

	for _, body := range []string{"not json", "{}", `{"id_token": "garbage"}`} {
		if _, err := parser.Parse(t.Context(), "c", "n", []byte(body)); err == nil {
			t.Errorf("expected Parse(%q) to fail", body)
		}
	}
}

func TestClientPost(t *testing.T) {
	var gotContentType, gotAuthorization, gotBody string
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotAuthorization = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(svr.Close)

	c := &Client{HTTPClient: svr.Client()}
	res, err := c.Post(t.Context(), svr.URL, map[string]string{
		"Content-Type":  "application/x-www-form-urlencoded",
		"Authorization": "Basic Yzpz",
	}, "code=K&grant_type=authorization_code")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", res.StatusCode)
	}
	if string(res.Body) != `{"ok":true}` {
		t.Errorf("body = %q", res.Body)
	}
	if gotContentType != "application/x-www-form-urlencoded" {
		t.Errorf("content type = %q", gotContentType)
	}
	if gotAuthorization != "Basic Yzpz" {
		t.Errorf("authorization = %q", gotAuthorization)
	}
	if gotBody != "code=K&grant_type=authorization_code" {
		t.Errorf("body sent = %q", gotBody)
	}
}

func TestClientPostTransportError(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	svr.Close()

	c := &Client{}
	if _, err := c.Post(t.Context(), svr.URL, nil, ""); err == nil {
		t.Error("expected transport error for closed server")
	}
}

func ptr[T any](v T) *T { return &v }
