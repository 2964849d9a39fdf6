package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor([]byte("a short passphrase, not 32 bytes"))
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	token := "ya29.a0AfH6SMC-example-access-token"
	ciphertext, err := enc.Encrypt(token)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if ciphertext == token {
		t.Fatal("ciphertext must not equal plaintext")
	}

	got, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if got != token {
		t.Errorf("round trip mismatch: got %q", got)
	}
}

func TestEncryptEmptyPassthrough(t *testing.T) {
	enc, err := NewEncryptor([]byte("key"))
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	if ct, err := enc.Encrypt(""); err != nil || ct != "" {
		t.Errorf("expected empty passthrough, got %q, %v", ct, err)
	}
	if pt, err := enc.Decrypt(""); err != nil || pt != "" {
		t.Errorf("expected empty passthrough, got %q, %v", pt, err)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	enc, err := NewEncryptor([]byte("key"))
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	if _, err := enc.Decrypt("not base64!!!"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext, got %v", err)
	}
	if _, err := enc.Decrypt("c2hvcnQ="); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext for truncated data, got %v", err)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	one, _ := NewEncryptor([]byte("key one"))
	two, _ := NewEncryptor([]byte("key two"))

	ct, err := one.Encrypt("refresh-token")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := two.Decrypt(ct); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestCiphertextIsNondeterministic(t *testing.T) {
	enc, err := NewEncryptor([]byte("key"))
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	a, _ := enc.Encrypt("same plaintext")
	b, _ := enc.Encrypt("same plaintext")
	if strings.Compare(a, b) == 0 {
		t.Error("expected fresh nonce per encryption")
	}
}
