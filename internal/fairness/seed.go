// Package fairness implements the cryptographic half of the provably-fair
// draw: seed generation, the public commitment, and the random oracle that
// maps (seed, ticket) to a value in [0,1).
//
// Canonical byte encoding (replay version 1):
//
//	TXID(seed, nonce) = seed (32 raw bytes) || ":" || ASCII decimal(nonce)
//	commitment        = SHA256(TXID(seed, 1))
//	digest            = HMAC-SHA256(key = seed (32 raw bytes), msg = ASCII decimal(nonce))
//	value             = uint64_be(digest[0:8]) / 2^64
//
// Any port that reproduces these bytes reproduces every outcome.
package fairness

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// SeedSize is the seed length in bytes.
const SeedSize = 32

// CommitmentNonce is the draw index the commitment is bound to.
const CommitmentNonce = 1

var (
	// ErrInvalidSeedFormat is returned for anything other than 64 hex chars.
	ErrInvalidSeedFormat = errors.New("fairness: seed must be 64 hex characters")

	// ErrInvalidCommitmentFormat is returned for a malformed commitment hash.
	ErrInvalidCommitmentFormat = errors.New("fairness: commitment must be 64 hex characters")
)

// Seed is the secret value behind every draw of one activity.
type Seed [SeedSize]byte

// NewSeed draws a seed from crypto/rand.
func NewSeed() (Seed, error) {
	var s Seed
	if _, err := rand.Read(s[:]); err != nil {
		return Seed{}, fmt.Errorf("fairness: read random seed: %w", err)
	}
	return s, nil
}

// ParseSeed decodes a hex seed. Uppercase input is accepted; nothing else
// is coerced.
func ParseSeed(s string) (Seed, error) {
	var seed Seed
	if len(s) != hex.EncodedLen(SeedSize) {
		return Seed{}, fmt.Errorf("%w: got %d characters", ErrInvalidSeedFormat, len(s))
	}
	if _, err := hex.Decode(seed[:], []byte(strings.ToLower(s))); err != nil {
		return Seed{}, fmt.Errorf("%w: %v", ErrInvalidSeedFormat, err)
	}
	return seed, nil
}

// String returns the lowercase hex form.
func (s Seed) String() string {
	return hex.EncodeToString(s[:])
}

// TXID returns the canonical byte string for (seed, nonce).
func TXID(seed Seed, nonce uint64) []byte {
	n := strconv.FormatUint(nonce, 10)
	buf := make([]byte, 0, SeedSize+1+len(n))
	buf = append(buf, seed[:]...)
	buf = append(buf, ':')
	buf = append(buf, n...)
	return buf
}

// Commitment is the public SHA-256 digest published at activation.
type Commitment [sha256.Size]byte

// CommitmentFor computes SHA256(TXID(seed, 1)). This is the only place a
// commitment is ever computed.
func CommitmentFor(seed Seed) Commitment {
	return sha256.Sum256(TXID(seed, CommitmentNonce))
}

// Commit generates a fresh seed and its commitment.
func Commit() (Seed, Commitment, error) {
	seed, err := NewSeed()
	if err != nil {
		return Seed{}, Commitment{}, err
	}
	return seed, CommitmentFor(seed), nil
}

// ParseCommitment decodes a published commitment hash.
func ParseCommitment(s string) (Commitment, error) {
	var c Commitment
	if len(s) != hex.EncodedLen(sha256.Size) {
		return Commitment{}, ErrInvalidCommitmentFormat
	}
	if _, err := hex.Decode(c[:], []byte(strings.ToLower(s))); err != nil {
		return Commitment{}, fmt.Errorf("%w: %v", ErrInvalidCommitmentFormat, err)
	}
	return c, nil
}

// String returns the lowercase hex form.
func (c Commitment) String() string {
	return hex.EncodeToString(c[:])
}

// Matches reports whether the published hex hash equals c. A malformed
// published hash never matches.
func (c Commitment) Matches(published string) bool {
	other, err := ParseCommitment(published)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(c[:], other[:]) == 1
}
