package oidc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// PostResponse is the observable result of a token endpoint call.
type PostResponse struct {
	StatusCode int
	Body       []byte
}

// HTTPClient performs the outbound POST to the IdP token endpoint. An
// error return indicates a transport-level failure; any HTTP status
// is reported through PostResponse.
type HTTPClient interface {
	Post(ctx context.Context, url string, headers map[string]string, body string) (*PostResponse, error)
}

// Client is an HTTPClient on a net/http client. The underlying client
// honors the per-request context deadline; the filter imposes none of
// its own.
type Client struct {
	HTTPClient *http.Client
}

var _ HTTPClient = (*Client)(nil)

func (c *Client) Post(ctx context.Context, url string, headers map[string]string, body string) (*PostResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", url, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	res, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting to %s: %w", url, err)
	}
	defer func() { _ = res.Body.Close() }()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return &PostResponse{StatusCode: res.StatusCode, Body: b}, nil
}
