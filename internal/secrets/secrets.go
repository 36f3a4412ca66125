// Package secrets seals integration credentials at rest with
// XChaCha20-Poly1305.
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required key length in bytes.
const KeySize = chacha20poly1305.KeySize

var (
	// ErrInvalidKeySize indicates the sealing key is not KeySize bytes.
	ErrInvalidKeySize = fmt.Errorf("secrets: key must be %d bytes", KeySize)
	// ErrOpen indicates the ciphertext was malformed, tampered with, or
	// sealed under a different key or binding.
	ErrOpen = errors.New("secrets: open failed")
)

// Sealer encrypts and authenticates small secrets. Every ciphertext is bound
// to caller-supplied associated data (the owning row's id) so a sealed value
// copied onto another row fails to open.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: create cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// GenerateKey returns a random key suitable for NewSealer.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("secrets: generate key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext bound to aad. The random nonce is prepended.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secrets: generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts a value produced by Seal with the same aad.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return nil, ErrOpen
	}
	plaintext, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], aad)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// SealCredentials seals a credentials map. An empty map seals to nil, which
// callers store as "no credentials".
func (s *Sealer) SealCredentials(creds map[string]string, aad []byte) ([]byte, error) {
	if len(creds) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("secrets: marshal credentials: %w", err)
	}
	return s.Seal(raw, aad)
}

// OpenCredentials reverses SealCredentials. nil input yields nil.
func (s *Sealer) OpenCredentials(sealed, aad []byte) (map[string]string, error) {
	if sealed == nil {
		return nil, nil
	}
	raw, err := s.Open(sealed, aad)
	if err != nil {
		return nil, err
	}
	var creds map[string]string
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("secrets: unmarshal credentials: %w", err)
	}
	return creds, nil
}
