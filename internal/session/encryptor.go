// Package session provides the authenticated encryption used to
// protect token and state cookies. Values are sealed with an AEAD
// primitive derived from a tink keyset and rendered cookie-safe with
// raw URL base64.
package session

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// Encryptor seals and opens cookie values. Decrypt must fail on any
// tampering or key mismatch.
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AEADEncryptor is an Encryptor backed by a tink AEAD primitive.
type AEADEncryptor struct {
	aead tink.AEAD
}

var _ Encryptor = (*AEADEncryptor)(nil)

// NewAEADEncryptor builds an encryptor from the given keyset handle.
func NewAEADEncryptor(h *keyset.Handle) (*AEADEncryptor, error) {
	a, err := aead.New(h)
	if err != nil {
		return nil, fmt.Errorf("getting AEAD primitive: %w", err)
	}
	return &AEADEncryptor{aead: a}, nil
}

// NewAEADEncryptorFromFile builds an encryptor from a cleartext JSON
// tink keyset file, as mounted into the sidecar.
func NewAEADEncryptorFromFile(path string) (*AEADEncryptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening keyset file: %w", err)
	}
	defer func() { _ = f.Close() }()

	h, err := insecurecleartextkeyset.Read(keyset.NewJSONReader(f))
	if err != nil {
		return nil, fmt.Errorf("reading keyset %s: %w", path, err)
	}
	return NewAEADEncryptor(h)
}

// NewKeysetHandle generates a fresh AES256-GCM keyset handle, suitable
// for cookie encryption.
func NewKeysetHandle() (*keyset.Handle, error) {
	return keyset.NewHandle(aead.AES256GCMKeyTemplate())
}

func (e *AEADEncryptor) Encrypt(plaintext string) (string, error) {
	ct, err := e.aead.Encrypt([]byte(plaintext), nil)
	if err != nil {
		return "", fmt.Errorf("encrypting value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(ct), nil
}

func (e *AEADEncryptor) Decrypt(ciphertext string) (string, error) {
	ct, err := base64.RawURLEncoding.Strict().DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decoding value: %w", err)
	}
	pt, err := e.aead.Decrypt(ct, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting value: %w", err)
	}
	return string(pt), nil
}
