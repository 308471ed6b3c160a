package authz

import "strings"

// stateCookieDelimiter separates the state and nonce inside the state
// cookie. "." does not occur in the URL-safe base64 alphabet the two
// values are drawn from.
const stateCookieDelimiter = "."

// encodeStateCookie renders the (state, nonce) pair as the plaintext
// of the state cookie. Encryption is the caller's concern.
func encodeStateCookie(state, nonce string) string {
	return state + stateCookieDelimiter + nonce
}

// decodeStateCookie splits a state cookie plaintext back into its
// (state, nonce) pair. ok is false for anything but exactly two
// non-empty fields.
func decodeStateCookie(value string) (state, nonce string, ok bool) {
	parts := strings.Split(value, stateCookieDelimiter)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
