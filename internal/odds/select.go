package odds

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoEligibleLevel is returned when the eligible set is empty.
	ErrNoEligibleLevel = errors.New("odds: no eligible level")

	// ErrInvalidRandomValue is returned when r is outside [0, 1).
	ErrInvalidRandomValue = errors.New("odds: random value must be within [0, 1)")
)

var one = decimal.NewFromInt(1)

// Select picks a level from the eligible subset.
//
// Levels are walked in code-ascending byte order. That order is part of the
// fairness contract: cumulative boundaries depend on it, so generation and
// every replay must use it. The first level whose normalized cumulative
// weight reaches r wins; cum/Σ >= r is evaluated exactly as cum >= r·Σ.
//
// Zero-weight levels are skipped. When every eligible weight is zero the
// remaining counts are used as weights. If rounding ever leaves the walk
// without a winner, the last level in code order is returned.
func Select(r decimal.Decimal, eligible []Weighted) (string, error) {
	if len(eligible) == 0 {
		return "", ErrNoEligibleLevel
	}
	if r.IsNegative() || r.GreaterThanOrEqual(one) {
		return "", fmt.Errorf("%w: got %s", ErrInvalidRandomValue, r)
	}

	ordered := make([]Weighted, len(eligible))
	copy(ordered, eligible)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Code < ordered[j].Code })

	weights := make([]decimal.Decimal, len(ordered))
	total := decimal.Zero
	for i, w := range ordered {
		if w.Weight.IsPositive() {
			weights[i] = w.Weight
			total = total.Add(w.Weight)
		}
	}
	if !total.IsPositive() {
		for i, w := range ordered {
			weights[i] = decimal.Zero
			if w.Remaining > 0 {
				weights[i] = decimal.NewFromInt(int64(w.Remaining))
				total = total.Add(weights[i])
			}
		}
	}
	if !total.IsPositive() {
		return "", ErrNoEligibleLevel
	}

	target := r.Mul(total)
	cum := decimal.Zero
	for i, w := range ordered {
		if !weights[i].IsPositive() {
			continue
		}
		cum = cum.Add(weights[i])
		if cum.GreaterThanOrEqual(target) {
			return w.Code, nil
		}
	}
	return ordered[len(ordered)-1].Code, nil
}
