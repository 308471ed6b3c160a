// Package httpenc implements the wire-level encoding helpers the
// authorization filters need: cookie header parsing, Set-Cookie
// assembly, query/form codecs and URL assembly from structured
// endpoints.
package httpenc

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Endpoint describes a remote HTTP endpoint in structured form, as it
// appears in the filter configuration.
type Endpoint struct {
	Scheme   string
	Hostname string
	Port     int
	Path     string
}

// Host returns hostname[:port], omitting the port when it is unset or
// the default for the scheme.
func (e Endpoint) Host() string {
	if e.Port == 0 ||
		(e.Scheme == "https" && e.Port == 443) ||
		(e.Scheme == "http" && e.Port == 80) {
		return e.Hostname
	}
	return e.Hostname + ":" + strconv.Itoa(e.Port)
}

// ToURL assembles scheme://host[:port]/path from the endpoint.
func ToURL(e Endpoint) string {
	path := e.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return e.Scheme + "://" + e.Host() + path
}

// ParseEndpoint decomposes an absolute URL into an Endpoint. The query
// and fragment are not retained.
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parsing endpoint url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("endpoint url %q is not absolute", raw)
	}
	var port int
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return Endpoint{}, fmt.Errorf("parsing endpoint port %q: %w", p, err)
		}
	}
	return Endpoint{
		Scheme:   u.Scheme,
		Hostname: u.Hostname(),
		Port:     port,
		Path:     u.Path,
	}, nil
}

// Param is a single key/value pair of a query string or form body.
// Slices of Param preserve insertion order and permit repeated keys.
type Param struct {
	Key   string
	Value string
}

// EncodeQuery percent-encodes the given pairs joined with "&",
// preserving their order.
func EncodeQuery(params []Param) string {
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}

// DecodeQuery parses a raw query string into a name to value mapping.
// For repeated keys the first value wins. It returns an error on
// malformed percent encoding.
func DecodeQuery(raw string) (map[string]string, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing query: %w", err)
	}
	out := make(map[string]string, len(values))
	for k, vs := range values {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out, nil
}

// EncodeForm encodes pairs as an application/x-www-form-urlencoded
// body. The wire format is identical to a query string.
func EncodeForm(params []Param) string {
	return EncodeQuery(params)
}

// DecodeForm parses an application/x-www-form-urlencoded body.
func DecodeForm(raw string) (map[string]string, error) {
	return DecodeQuery(raw)
}

// DecodePath splits a request path at the first "?", returning the
// bare path and the raw query string.
func DecodePath(path string) (string, string) {
	p, q, _ := strings.Cut(path, "?")
	return p, q
}

// EncodeBasicAuth renders a Basic authorization header value for the
// given credentials.
func EncodeBasicAuth(user, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+password))
}

// DecodeCookies parses an RFC 6265 Cookie header into a name to value
// mapping. It returns false for an empty or malformed header.
func DecodeCookies(header string) (map[string]string, bool) {
	if header == "" {
		return nil, false
	}
	out := map[string]string{}
	for _, pair := range strings.Split(header, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, found := strings.Cut(pair, "=")
		if !found || name == "" {
			return nil, false
		}
		out[name] = strings.Trim(value, `"`)
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// EncodeSetCookie produces a Set-Cookie header value carrying exactly
// the given directives, in the order supplied. No defaults are
// injected.
func EncodeSetCookie(name, value string, directives []string) string {
	parts := make([]string, 0, len(directives)+1)
	parts = append(parts, name+"="+value)
	parts = append(parts, directives...)
	return strings.Join(parts, "; ")
}
