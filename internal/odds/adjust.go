// Package odds implements the dynamic probability adjustment ("profit
// rate") and the inventory-constrained weighted selection of the draw.
//
// Both functions are pure. All arithmetic uses shopspring/decimal so the
// live draw and every verification replay produce identical weights; float64
// never participates in an outcome.
package odds

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidProfitRate is returned when the rate is outside [MinProfitRate, MaxProfitRate].
	ErrInvalidProfitRate = errors.New("odds: profit rate must be within [0, 3]")

	// ErrProbabilitySumInvalid is returned when base probabilities do not
	// sum to 100 within SumTolerance.
	ErrProbabilitySumInvalid = errors.New("odds: base probabilities must sum to 100")

	// MinProfitRate and MaxProfitRate bound the adjuster input.
	MinProfitRate = decimal.Zero
	MaxProfitRate = decimal.NewFromInt(3)

	// DefaultProfitRate leaves the base distribution unchanged.
	DefaultProfitRate = decimal.NewFromInt(1)

	// Hundred is the percent total every distribution is measured against.
	Hundred = decimal.NewFromInt(100)

	// SumTolerance is the allowed deviation of Σ base probability from 100.
	SumTolerance = decimal.New(1, -6)

	// WeightScale is the number of fractional digits kept when rescaling
	// minor levels.
	WeightScale int32 = 24
)

// Level is one adjuster input: a non-bonus prize level.
type Level struct {
	Code        string
	Probability decimal.Decimal // percent
	Major       bool
	Remaining   int
}

// Weighted is a level with its adjusted probability.
type Weighted struct {
	Code      string
	Base      decimal.Decimal
	Weight    decimal.Decimal // adjusted percent
	Major     bool
	Remaining int
}

// ValidateProfitRate checks the adjuster input range.
func ValidateProfitRate(rate decimal.Decimal) error {
	if rate.LessThan(MinProfitRate) || rate.GreaterThan(MaxProfitRate) {
		return fmt.Errorf("%w: got %s", ErrInvalidProfitRate, rate)
	}
	return nil
}

// ValidateDistribution checks Σ probability ≈ 100. Enforced once, when an
// activity is created; draws never re-validate.
func ValidateDistribution(levels []Level) error {
	sum := decimal.Zero
	for _, l := range levels {
		sum = sum.Add(l.Probability)
	}
	if sum.Sub(Hundred).Abs().GreaterThan(SumTolerance) {
		return fmt.Errorf("%w: got %s", ErrProbabilitySumInvalid, sum)
	}
	return nil
}

// Adjust rescales major levels by profitRate and rescales minor levels so
// the distribution keeps summing to 100:
//
//	adjustedMajorTotal = majorSum * profitRate
//	adjustedMinorTotal = max(0, 100 - adjustedMajorTotal)
//	minorFactor        = adjustedMinorTotal / minorSum   (1 when minorSum == 0)
//
// When adjustedMajorTotal exceeds 100 the minor side drops to 0 and the result
// no longer sums to 100; Select re-normalizes over the eligible subset, so
// this case degrades instead of failing.
func Adjust(levels []Level, profitRate decimal.Decimal) ([]Weighted, error) {
	if err := ValidateProfitRate(profitRate); err != nil {
		return nil, err
	}

	majorSum := decimal.Zero
	minorSum := decimal.Zero
	for _, l := range levels {
		if l.Major {
			majorSum = majorSum.Add(l.Probability)
		} else {
			minorSum = minorSum.Add(l.Probability)
		}
	}

	adjustedMajorTotal := majorSum.Mul(profitRate)
	adjustedMinorTotal := Hundred.Sub(adjustedMajorTotal)
	if adjustedMinorTotal.IsNegative() {
		adjustedMinorTotal = decimal.Zero
	}

	out := make([]Weighted, len(levels))
	for i, l := range levels {
		w := Weighted{
			Code:      l.Code,
			Base:      l.Probability,
			Major:     l.Major,
			Remaining: l.Remaining,
		}
		switch {
		case l.Major:
			w.Weight = l.Probability.Mul(profitRate)
		case minorSum.IsPositive():
			w.Weight = l.Probability.Mul(adjustedMinorTotal).DivRound(minorSum, WeightScale)
		default:
			w.Weight = l.Probability
		}
		out[i] = w
	}
	return out, nil
}

// Sum returns Σ Weight.
func Sum(ws []Weighted) decimal.Decimal {
	sum := decimal.Zero
	for _, w := range ws {
		sum = sum.Add(w.Weight)
	}
	return sum
}
