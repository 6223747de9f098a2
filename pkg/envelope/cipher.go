package envelope

import (
	"crypto/rand"

	"clipvault/pkg/domain"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size of the symmetric key in bytes.
const KeySize = chacha20poly1305.KeySize

// Cipher seals and opens clip payloads with a single long-lived key.
// Blobs are nonce-prefixed: nonce || ciphertext || tag.
type Cipher struct {
	key []byte
}

func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, errors.Wrapf(domain.ErrKeyUnavailable, "key must be %d bytes, got %d", KeySize, len(key))
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Cipher{key: k}, nil
}

func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, errors.Wrap(domain.ErrEncryptFailed, err.Error())
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(domain.ErrEncryptFailed, err.Error())
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *Cipher) Decrypt(blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, errors.Wrap(domain.ErrDecryptFailed, err.Error())
	}
	nonceSize := aead.NonceSize()
	if len(blob) < nonceSize {
		return nil, errors.Wrap(domain.ErrDecryptFailed, "blob too short")
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(domain.ErrDecryptFailed, err.Error())
	}
	return plaintext, nil
}

// Wipe zeroes the in-memory key. The cipher is unusable afterwards.
func (c *Cipher) Wipe() {
	for i := range c.key {
		c.key[i] = 0
	}
}

// GenerateKey returns a fresh random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	return key, nil
}
