package fairness

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
	"math/big"
	"strconv"

	"github.com/shopspring/decimal"
)

// ErrInvalidNonce is returned for nonce 0. Ticket numbers start at 1.
var ErrInvalidNonce = errors.New("fairness: nonce must be >= 1")

// ratioExp is the decimal exponent of prefix/2^64: prefix/2^64 equals
// prefix*5^64 * 10^-64 exactly.
const ratioExp = -64

var pow5x64 = new(big.Int).Exp(big.NewInt(5), big.NewInt(64), nil)

// Value is one oracle output.
type Value struct {
	// Prefix is the big-endian uint64 read from the first 8 digest bytes.
	Prefix uint64

	// Ratio is Prefix / 2^64 held exactly; all 64 bits survive.
	Ratio decimal.Decimal
}

// Float64 returns the nearest float64 to Ratio. Display only; selection
// always uses Ratio.
func (v Value) Float64() float64 {
	return math.Ldexp(float64(v.Prefix), -64)
}

// Derive maps (seed, nonce) to a uniform value in [0,1).
func Derive(seed Seed, nonce uint64) (Value, error) {
	if nonce == 0 {
		return Value{}, ErrInvalidNonce
	}
	mac := hmac.New(sha256.New, seed[:])
	mac.Write([]byte(strconv.FormatUint(nonce, 10)))
	digest := mac.Sum(nil)

	prefix := binary.BigEndian.Uint64(digest[:8])
	return Value{Prefix: prefix, Ratio: RatioOf(prefix)}, nil
}

// RatioOf returns prefix / 2^64 as an exact decimal.
func RatioOf(prefix uint64) decimal.Decimal {
	n := new(big.Int).SetUint64(prefix)
	n.Mul(n, pow5x64)
	return decimal.NewFromBigInt(n, ratioExp)
}
