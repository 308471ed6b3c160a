package authz

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// randomToken returns a URL-safe string of exactly n characters drawn
// from a cryptographically strong source. There is no fallback: an
// entropy failure is returned to the caller, which must fail the
// request.
func randomToken(n int) (string, error) {
	b := make([]byte, (n*6+7)/8+1)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b)[:n], nil
}
