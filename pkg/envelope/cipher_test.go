package envelope

import (
	"bytes"
	"strings"
	"testing"

	"clipvault/pkg/domain"

	"github.com/pkg/errors"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	c, err := New(key)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	return c
}

func TestRoundTrip(t *testing.T) {
	c := newTestCipher(t)
	cases := []string{
		"",
		"hello world",
		"multi\nline\ncontent\n",
		"emoji 🚀 and unicode ßtraße 日本語",
		strings.Repeat("x", 100*1024),
	}
	for _, plaintext := range cases {
		blob, err := c.Encrypt([]byte(plaintext))
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		out, err := c.Decrypt(blob)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if string(out) != plaintext {
			t.Fatalf("round trip mismatch for %d-byte input", len(plaintext))
		}
	}
}

func TestNonceUniqueness(t *testing.T) {
	c := newTestCipher(t)
	a, err := c.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two encryptions of the same plaintext produced identical blobs")
	}
}

func TestTamperDetection(t *testing.T) {
	c := newTestCipher(t)
	blob, err := c.Encrypt([]byte("sensitive clipboard content"))
	if err != nil {
		t.Fatal(err)
	}
	for i := range blob {
		tampered := make([]byte, len(blob))
		copy(tampered, blob)
		tampered[i] ^= 0x01
		if _, err := c.Decrypt(tampered); err == nil {
			t.Fatalf("decrypt succeeded after flipping byte %d", i)
		}
	}
}

func TestDecryptWrongKey(t *testing.T) {
	a := newTestCipher(t)
	b := newTestCipher(t)
	blob, err := a.Encrypt([]byte("content"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = b.Decrypt(blob)
	if !errors.Is(err, domain.ErrDecryptFailed) {
		t.Fatalf("expected DECRYPTION_FAILED, got %v", err)
	}
}

func TestDecryptTruncatedBlob(t *testing.T) {
	c := newTestCipher(t)
	_, err := c.Decrypt([]byte("short"))
	if !errors.Is(err, domain.ErrDecryptFailed) {
		t.Fatalf("expected DECRYPTION_FAILED, got %v", err)
	}
}

func TestKeySizeValidation(t *testing.T) {
	if _, err := New([]byte("too short")); err == nil {
		t.Fatal("expected error for undersized key")
	}
}

func TestWipedCipherStopsWorking(t *testing.T) {
	key, _ := GenerateKey()
	c, err := New(key)
	if err != nil {
		t.Fatal(err)
	}
	blob, err := c.Encrypt([]byte("content"))
	if err != nil {
		t.Fatal(err)
	}
	c.Wipe()
	if _, err := c.Decrypt(blob); err == nil {
		t.Fatal("wiped cipher still decrypts")
	}
}
