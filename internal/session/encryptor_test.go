package session

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
)

func newTestEncryptor(t *testing.T) *AEADEncryptor {
	t.Helper()
	h, err := NewKeysetHandle()
	if err != nil {
		t.Fatalf("creating keyset handle: %v", err)
	}
	e, err := NewAEADEncryptor(h)
	if err != nil {
		t.Fatalf("creating encryptor: %v", err)
	}
	return e
}

func TestEncryptRoundTrip(t *testing.T) {
	e := newTestEncryptor(t)

	for _, plaintext := range []string{"", "state.nonce", strings.Repeat("x", 4096)} {
		ct, err := e.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		// ciphertext must be usable as a cookie value
		if strings.ContainsAny(ct, ";, =\"") {
			t.Errorf("ciphertext %q contains cookie-unsafe characters", ct)
		}
		got, err := e.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if got != plaintext {
			t.Errorf("round trip = %q, want %q", got, plaintext)
		}
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	e := newTestEncryptor(t)

	ct, err := e.Encrypt("some token")
	if err != nil {
		t.Fatal(err)
	}

	tampered := []byte(ct)
	if tampered[len(tampered)-1] == 'A' {
		tampered[len(tampered)-1] = 'B'
	} else {
		tampered[len(tampered)-1] = 'A'
	}
	if _, err := e.Decrypt(string(tampered)); err == nil {
		t.Error("expected tampered ciphertext to fail decryption")
	}

	if _, err := e.Decrypt("not base64!!"); err == nil {
		t.Error("expected malformed ciphertext to fail decryption")
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	e1 := newTestEncryptor(t)
	e2 := newTestEncryptor(t)

	ct, err := e1.Encrypt("some token")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e2.Decrypt(ct); err == nil {
		t.Error("expected ciphertext from another key to fail decryption")
	}
}

func TestNewAEADEncryptorFromFile(t *testing.T) {
	h, err := NewKeysetHandle()
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := insecurecleartextkeyset.Write(h, keyset.NewJSONWriter(&buf)); err != nil {
		t.Fatalf("writing keyset: %v", err)
	}
	path := filepath.Join(t.TempDir(), "session-keyset.json")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}

	fromFile, err := NewAEADEncryptorFromFile(path)
	if err != nil {
		t.Fatalf("NewAEADEncryptorFromFile: %v", err)
	}

	orig, err := NewAEADEncryptor(h)
	if err != nil {
		t.Fatal(err)
	}
	ct, err := orig.Encrypt("hello")
	if err != nil {
		t.Fatal(err)
	}
	got, err := fromFile.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt with file-loaded keyset: %v", err)
	}
	if got != "hello" {
		t.Errorf("Decrypt = %q, want %q", got, "hello")
	}

	if _, err := NewAEADEncryptorFromFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing keyset file")
	}
}
