// Package vault seals OAuth token material at rest and hands out fresh
// access tokens, refreshing them against the identity provider when they
// are close to expiry.
package vault

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the required length of the sealing key in bytes.
const KeySize = 32

const nonceSize = 24

var errSealedTooShort = errors.New("sealed blob too short")

// Sealer encrypts and decrypts small blobs with an authenticated symmetric
// cipher. The nonce is generated per seal and prepended to the ciphertext.
type Sealer struct {
	key [KeySize]byte
}

func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", KeySize, len(key))
	}
	s := &Sealer{}
	copy(s.key[:], key)
	return s, nil
}

func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, errSealedTooShort
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, errors.New("sealed blob failed authentication")
	}
	return plaintext, nil
}

// SealString and OpenString wrap Seal/Open for values like feed URLs that
// are stored in the same column as token blobs.
func (s *Sealer) SealString(v string) ([]byte, error) {
	return s.Seal([]byte(v))
}

func (s *Sealer) OpenString(sealed []byte) (string, error) {
	b, err := s.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
