// Package cryptox encrypts credential secrets at rest using
// NaCl secretbox under a 32-byte server key.
package cryptox

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the required length of the ENCRYPTION_KEY config value.
const KeySize = 32

// Sealer encrypts and decrypts credential payloads under a fixed key.
type Sealer struct {
	key [KeySize]byte
}

// NewSealer builds a Sealer from a raw key. key must be exactly KeySize
// bytes.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("cryptox: encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	s := &Sealer{}
	copy(s.key[:], key)
	return s, nil
}

// Seal encrypts plaintext, returning nonce||ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("cryptox: generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, fmt.Errorf("cryptox: sealed value too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &s.key)
	if !ok {
		return nil, fmt.Errorf("cryptox: decryption failed (wrong key or corrupt data)")
	}
	return plaintext, nil
}
