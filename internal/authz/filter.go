// Package authz contains the authorization filters run against each
// proxied request, and the neutral request/response model they
// operate on. The envoy ext-authz wire types are mapped onto this
// model at the server boundary only.
package authz

import "context"

// Code is the outcome of processing a request. The values mirror the
// google.rpc codes the authorization check protocol expects.
type Code int

const (
	// CodeOK lets the request continue to the upstream.
	CodeOK Code = iota
	// CodeInvalidArgument rejects a malformed request or a failed
	// protocol exchange.
	CodeInvalidArgument
	// CodeInternal reports a transport-level failure talking to a
	// collaborator.
	CodeInternal
	// CodeUnknown reports a rejection by the identity provider.
	CodeUnknown
	// CodeUnauthenticated instructs the proxy to return the denial
	// response, typically a redirect, to the user agent as-is.
	CodeUnauthenticated
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case CodeInternal:
		return "INTERNAL"
	case CodeUnknown:
		return "UNKNOWN"
	case CodeUnauthenticated:
		return "UNAUTHENTICATED"
	default:
		return "UNRECOGNIZED"
	}
}

// Header is a single HTTP header to add to a request or response.
// Repeated names are permitted, e.g. multiple Set-Cookie values.
type Header struct {
	Name  string
	Value string
}

// Peer identifies one end of the proxied connection. Used for
// logging only.
type Peer struct {
	Address   string
	Principal string
}

// HTTPRequest is the HTTP envelope of a check request. Header keys
// are lower-case.
type HTTPRequest struct {
	Scheme  string
	Host    string
	Path    string
	Headers map[string]string
}

// Request is a single authorization check. HTTP is nil when the check
// carried no HTTP envelope.
type Request struct {
	HTTP        *HTTPRequest
	Source      Peer
	Destination Peer
}

// Response is the tagged result of a filter: on CodeOK only OKHeaders
// may be set; on every other code only the denial fields are.
type Response struct {
	Code Code

	// OKHeaders are request headers injected toward the upstream.
	OKHeaders []Header

	// DeniedStatus is the HTTP status of the denial response sent to
	// the user agent, when one applies.
	DeniedStatus int
	// DeniedHeaders are response headers of the denial.
	DeniedHeaders []Header
}

// Filter processes a check request. Implementations must be safe for
// concurrent use.
type Filter interface {
	Process(ctx context.Context, req *Request) *Response
	Name() string
}

// Chain runs filters in order, stopping at the first response whose
// code is not CodeOK. OK headers accumulate across filters.
type Chain struct {
	name    string
	filters []Filter
}

// NewChain builds a named filter chain.
func NewChain(name string, filters ...Filter) *Chain {
	return &Chain{name: name, filters: filters}
}

func (c *Chain) Name() string { return c.name }

func (c *Chain) Process(ctx context.Context, req *Request) *Response {
	var okHeaders []Header
	for _, f := range c.filters {
		resp := f.Process(ctx, req)
		if resp.Code != CodeOK {
			return resp
		}
		okHeaders = append(okHeaders, resp.OKHeaders...)
	}
	return &Response{Code: CodeOK, OKHeaders: okHeaders}
}
