package authz

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"math"
	"net/http"

	"github.com/meshguard/authgate/internal/httpenc"
	"github.com/meshguard/authgate/internal/oidc"
	"github.com/meshguard/authgate/internal/session"
)

const (
	mandatoryScope = "openid"
	tokenLength    = 32

	headerCookie        = "cookie"
	headerSetCookie     = "Set-Cookie"
	headerLocation      = "Location"
	headerCacheControl  = "Cache-Control"
	headerPragma        = "Pragma"
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"

	contentTypeFormURLEncoded = "application/x-www-form-urlencoded"
	noCache                   = "no-cache"

	// deletedCookieValue replaces the state cookie on every callback,
	// paired with Max-Age=0.
	deletedCookieValue = "deleted"
)

// maxSessionAge is the Max-Age used when the token response carries no
// expiry. Browsers silently cap it.
const maxSessionAge = int64(math.MaxInt64)

var baseLogAttr = slog.String("component", "oidc-filter")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

// HeaderConfig names a downstream header a token is forwarded in,
// with an optional preamble such as "Bearer".
type HeaderConfig struct {
	Header   string
	Preamble string
}

// OIDCConfig is the immutable configuration of one OIDC filter.
type OIDCConfig struct {
	AuthorizationEndpoint httpenc.Endpoint
	TokenEndpoint         httpenc.Endpoint
	Callback              httpenc.Endpoint

	ClientID     string
	ClientSecret string
	Scopes       []string

	IDToken     HeaderConfig
	AccessToken *HeaderConfig

	LandingPage      string
	CookieNamePrefix string

	// Timeout bounds the state cookie's lifetime, in seconds.
	Timeout int64

	// RequireHTTPS rejects plaintext requests before any processing.
	// Off by default.
	RequireHTTPS bool
}

// OIDCFilter implements OpenID Connect token acquisition using the
// Authorization Code flow. It redirects unauthenticated agents to the
// identity provider, completes the code exchange at the configured
// callback and forwards tokens from encrypted session cookies.
type OIDCFilter struct {
	config  OIDCConfig
	http    oidc.HTTPClient
	parser  oidc.TokenResponseParser
	cryptor session.Encryptor

	// newToken is the random source for state and nonce values,
	// overridable in tests.
	newToken func(int) (string, error)
}

var _ Filter = (*OIDCFilter)(nil)

// NewOIDCFilter builds a filter around the given collaborators. The
// configuration is copied and never mutated afterwards; the filter is
// safe for concurrent use.
func NewOIDCFilter(config OIDCConfig, client oidc.HTTPClient, parser oidc.TokenResponseParser, cryptor session.Encryptor) *OIDCFilter {
	return &OIDCFilter{
		config:   config,
		http:     client,
		parser:   parser,
		cryptor:  cryptor,
		newToken: randomToken,
	}
}

func (f *OIDCFilter) Name() string { return "oidc" }

func (f *OIDCFilter) cookieName(kind string) string {
	if f.config.CookieNamePrefix == "" {
		return "__Host-authservice-" + kind + "-cookie"
	}
	return "__Host-" + f.config.CookieNamePrefix + "-authservice-" + kind + "-cookie"
}

func (f *OIDCFilter) stateCookieName() string       { return f.cookieName("state") }
func (f *OIDCFilter) idTokenCookieName() string     { return f.cookieName("id-token") }
func (f *OIDCFilter) accessTokenCookieName() string { return f.cookieName("access-token") }

// encodeHeaderValue prepends the preamble when one is configured.
func encodeHeaderValue(preamble, value string) string {
	if preamble != "" {
		return preamble + " " + value
	}
	return value
}

func setStandardDeniedHeaders(resp *Response) {
	resp.DeniedHeaders = append(resp.DeniedHeaders,
		Header{headerCacheControl, noCache},
		Header{headerPragma, noCache},
	)
}

func setRedirect(resp *Response, location string) {
	resp.DeniedStatus = http.StatusFound
	resp.DeniedHeaders = append(resp.DeniedHeaders, Header{headerLocation, location})
}

// cookieDirectives is the exact directive set every cookie this filter
// issues carries, in stable order.
func cookieDirectives(maxAge int64) []string {
	return []string{
		"HttpOnly",
		fmt.Sprintf("Max-Age=%d", maxAge),
		"Path=/",
		"SameSite=Lax",
		"Secure",
	}
}

func (f *OIDCFilter) setCookie(resp *Response, name, value string, maxAge int64) {
	resp.DeniedHeaders = append(resp.DeniedHeaders,
		Header{headerSetCookie, httpenc.EncodeSetCookie(name, value, cookieDirectives(maxAge))})
}

// cookieFromHeaders extracts the named cookie from the request's
// Cookie header.
func cookieFromHeaders(headers map[string]string, name string) (string, bool) {
	raw, ok := headers[headerCookie]
	if !ok {
		return "", false
	}
	cookies, ok := httpenc.DecodeCookies(raw)
	if !ok {
		return "", false
	}
	v, ok := cookies[name]
	return v, ok
}

// Process classifies the request and produces one of three outcomes:
// pass it through with identity headers, redirect the agent to the
// identity provider, or complete the code exchange at the callback.
func (f *OIDCFilter) Process(ctx context.Context, req *Request) *Response {
	slog.DebugContext(ctx, "processing check request", baseLogAttr,
		slog.String("source", req.Source.Address),
		slog.String("destination", req.Destination.Address),
	)

	resp := &Response{Code: CodeOK}
	if req.HTTP == nil {
		slog.InfoContext(ctx, "missing http envelope in check request", baseLogAttr)
		setStandardDeniedHeaders(resp)
		resp.Code = CodeInvalidArgument
		return resp
	}

	if f.config.RequireHTTPS && req.HTTP.Scheme != "https" {
		slog.InfoContext(ctx, "rejecting request over insecure scheme", baseLogAttr,
			slog.String("scheme", req.HTTP.Scheme))
		setStandardDeniedHeaders(resp)
		resp.Code = CodeInvalidArgument
		return resp
	}

	// An existing id_token header means an upstream authenticator
	// already handled this request; let it through untouched.
	headers := req.HTTP.Headers
	if _, ok := headers[f.config.IDToken.Header]; ok {
		return &Response{Code: CodeOK}
	}

	// Forward tokens from valid session cookies.
	if resp, ok := f.processSessionCookies(ctx, headers); ok {
		return resp
	}

	setStandardDeniedHeaders(resp)

	path, rawQuery := httpenc.DecodePath(req.HTTP.Path)
	if req.HTTP.Host == f.config.Callback.Hostname && path == f.config.Callback.Path {
		return f.retrieveToken(ctx, headers, resp, rawQuery)
	}
	return f.redirectToIdP(ctx, resp)
}

// processSessionCookies emits an OK response carrying the decrypted
// tokens when the session cookies check out. ok is false when the
// authentication dance has to run instead.
func (f *OIDCFilter) processSessionCookies(ctx context.Context, headers map[string]string) (*Response, bool) {
	idTokenCookie, ok := cookieFromHeaders(headers, f.idTokenCookieName())
	if !ok {
		return nil, false
	}
	idToken, err := f.cryptor.Decrypt(idTokenCookie)
	if err != nil {
		slog.InfoContext(ctx, "id token cookie decryption failed", baseLogAttr)
		return nil, false
	}

	okHeaders := []Header{{f.config.IDToken.Header, encodeHeaderValue(f.config.IDToken.Preamble, idToken)}}
	if f.config.AccessToken == nil {
		return &Response{Code: CodeOK, OKHeaders: okHeaders}, true
	}

	accessTokenCookie, ok := cookieFromHeaders(headers, f.accessTokenCookieName())
	if !ok {
		slog.InfoContext(ctx, "access token cookie missing", baseLogAttr)
		return nil, false
	}
	accessToken, err := f.cryptor.Decrypt(accessTokenCookie)
	if err != nil {
		slog.InfoContext(ctx, "access token cookie decryption failed", baseLogAttr)
		return nil, false
	}
	okHeaders = append(okHeaders,
		Header{f.config.AccessToken.Header, encodeHeaderValue(f.config.AccessToken.Preamble, accessToken)})
	return &Response{Code: CodeOK, OKHeaders: okHeaders}, true
}

// redirectToIdP starts the authorization code flow: a 302 to the
// authorization endpoint plus an encrypted state cookie binding the
// flow to this browser session.
func (f *OIDCFilter) redirectToIdP(ctx context.Context, resp *Response) *Response {
	state, err := f.newToken(tokenLength)
	if err != nil {
		slog.ErrorContext(ctx, "generating state", baseLogAttr, errAttr(err))
		resp.Code = CodeInternal
		return resp
	}
	nonce, err := f.newToken(tokenLength)
	if err != nil {
		slog.ErrorContext(ctx, "generating nonce", baseLogAttr, errAttr(err))
		resp.Code = CodeInternal
		return resp
	}

	// openid is mandatory; configured scopes follow, deduplicated.
	scopes := mandatoryScope
	seen := map[string]bool{mandatoryScope: true}
	for _, s := range f.config.Scopes {
		if !seen[s] {
			seen[s] = true
			scopes += " " + s
		}
	}

	callback := httpenc.ToURL(f.config.Callback)
	query := httpenc.EncodeQuery([]httpenc.Param{
		{Key: "response_type", Value: "code"},
		{Key: "scope", Value: scopes},
		{Key: "client_id", Value: f.config.ClientID},
		{Key: "nonce", Value: nonce},
		{Key: "state", Value: state},
		{Key: "redirect_uri", Value: callback},
	})
	setRedirect(resp, httpenc.ToURL(f.config.AuthorizationEndpoint)+"?"+query)

	encryptedState, err := f.cryptor.Encrypt(encodeStateCookie(state, nonce))
	if err != nil {
		slog.ErrorContext(ctx, "encrypting state cookie", baseLogAttr, errAttr(err))
		resp.Code = CodeInternal
		return resp
	}
	f.setCookie(resp, f.stateCookieName(), encryptedState, f.config.Timeout)

	resp.Code = CodeUnauthenticated
	return resp
}

// retrieveToken completes the flow at the callback: it binds the
// callback to the session via the state cookie, exchanges the code at
// the token endpoint and installs the encrypted session cookies.
func (f *OIDCFilter) retrieveToken(ctx context.Context, headers map[string]string, resp *Response, rawQuery string) *Response {
	// Best effort at deleting the state cookie for all outcomes.
	f.setCookie(resp, f.stateCookieName(), deletedCookieValue, 0)

	deny := func(code Code, msg string) *Response {
		slog.InfoContext(ctx, msg, baseLogAttr)
		resp.Code = code
		return resp
	}

	encryptedStateCookie, ok := cookieFromHeaders(headers, f.stateCookieName())
	if !ok {
		return deny(CodeInvalidArgument, "missing state cookie")
	}
	stateCookie, err := f.cryptor.Decrypt(encryptedStateCookie)
	if err != nil {
		return deny(CodeInvalidArgument, "invalid state cookie")
	}
	expectedState, nonce, ok := decodeStateCookie(stateCookie)
	if !ok {
		return deny(CodeInvalidArgument, "invalid state cookie encoding")
	}

	query, err := httpenc.DecodeQuery(rawQuery)
	if err != nil {
		return deny(CodeInvalidArgument, "callback query is invalid")
	}
	state, hasState := query["state"]
	code, hasCode := query["code"]
	if !hasState || !hasCode {
		return deny(CodeInvalidArgument, "callback query does not contain expected state and code parameters")
	}
	if subtle.ConstantTimeCompare([]byte(state), []byte(expectedState)) != 1 {
		return deny(CodeInvalidArgument, "mismatched state")
	}

	redirectURI := httpenc.ToURL(f.config.Callback)
	tokenRes, err := f.http.Post(ctx, httpenc.ToURL(f.config.TokenEndpoint),
		map[string]string{
			headerContentType:   contentTypeFormURLEncoded,
			headerAuthorization: httpenc.EncodeBasicAuth(f.config.ClientID, f.config.ClientSecret),
		},
		httpenc.EncodeForm([]httpenc.Param{
			{Key: "code", Value: code},
			{Key: "redirect_uri", Value: redirectURI},
			{Key: "grant_type", Value: "authorization_code"},
		}),
	)
	if err != nil {
		slog.InfoContext(ctx, "IdP connection error", baseLogAttr, errAttr(err))
		resp.Code = CodeInternal
		return resp
	}
	if tokenRes.StatusCode != http.StatusOK {
		slog.InfoContext(ctx, "IdP connection error", baseLogAttr,
			slog.Int("status", tokenRes.StatusCode))
		resp.Code = CodeUnknown
		return resp
	}

	token, err := f.parser.Parse(ctx, f.config.ClientID, nonce, tokenRes.Body)
	if err != nil {
		return deny(CodeInvalidArgument, "invalid token response")
	}

	maxAge := maxSessionAge
	if expiry, ok := token.Expiry(); ok {
		maxAge = expiry
	}

	// Check whether access_token forwarding is configured and if it is
	// we have an access token in the token response.
	if f.config.AccessToken != nil {
		accessToken, ok := token.AccessToken()
		if !ok {
			return deny(CodeInvalidArgument, "missing expected access_token")
		}
		encrypted, err := f.cryptor.Encrypt(accessToken)
		if err != nil {
			slog.ErrorContext(ctx, "encrypting access token cookie", baseLogAttr, errAttr(err))
			resp.Code = CodeInternal
			return resp
		}
		f.setCookie(resp, f.accessTokenCookieName(), encrypted, maxAge)
	}

	setRedirect(resp, f.config.LandingPage)
	encrypted, err := f.cryptor.Encrypt(token.IDToken)
	if err != nil {
		slog.ErrorContext(ctx, "encrypting id token cookie", baseLogAttr, errAttr(err))
		resp.Code = CodeInternal
		return resp
	}
	f.setCookie(resp, f.idTokenCookieName(), encrypted, maxAge)

	resp.Code = CodeUnauthenticated
	return resp
}
