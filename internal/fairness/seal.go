package fairness

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSealBroken is returned when a sealed seed fails authentication.
var ErrSealBroken = errors.New("fairness: sealed seed failed authentication")

// Sealer encrypts seeds at rest with XChaCha20-Poly1305. The activity id is
// bound as additional data so a sealed seed cannot be moved between
// activities.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("fairness: sealing key: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// NewSealerFromHex parses a 64-character hex key.
func NewSealerFromHex(s string) (*Sealer, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("fairness: sealing key: %w", err)
	}
	return NewSealer(key)
}

// NewEphemeralSealer generates a random key. Seeds sealed with it are lost
// on restart; used when no key is configured.
func NewEphemeralSealer() (*Sealer, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("fairness: generate sealing key: %w", err)
	}
	return NewSealer(key)
}

// Seal returns nonce || ciphertext.
func (s *Sealer) Seal(activityID string, seed Seed) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+SeedSize+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("fairness: seal nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, seed[:], []byte(activityID)), nil
}

// Open reverses Seal.
func (s *Sealer) Open(activityID string, sealed []byte) (Seed, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return Seed{}, ErrSealBroken
	}
	plain, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(activityID))
	if err != nil || len(plain) != SeedSize {
		return Seed{}, ErrSealBroken
	}
	var seed Seed
	copy(seed[:], plain)
	return seed, nil
}
