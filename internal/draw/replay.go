package draw

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/kujibox/draw-engine/internal/fairness"
	"github.com/kujibox/draw-engine/internal/inventory"
	"github.com/kujibox/draw-engine/internal/model"
	"github.com/kujibox/draw-engine/internal/odds"
)

// ReplayVersion identifies the outcome computation below. Any change to the
// encoding, the adjuster, the selection order or the inventory rules is a new
// version; records produced under one version only verify under it.
const ReplayVersion = 1

// ErrInventoryExhausted means no level is eligible: the activity is sold out.
var ErrInventoryExhausted = errors.New("draw: inventory exhausted")

// step is the outcome of one ticket.
type step struct {
	Value fairness.Value
	Level string
}

// resolve computes the outcome of ticket against the tracker's current
// state. It does not consume; the caller does once the outcome is accepted.
// The live sequencer and the verifier both go through here and nowhere else.
func resolve(seed fairness.Seed, ticket int64, rate decimal.Decimal, levels []model.PrizeLevel, tr *inventory.Tracker) (step, error) {
	if ticket < 1 {
		return step{}, fmt.Errorf("ticket %d: %w", ticket, fairness.ErrInvalidNonce)
	}

	eligible := tr.Eligible()
	if len(eligible) == 0 {
		return step{}, ErrInventoryExhausted
	}

	value, err := fairness.Derive(seed, uint64(ticket))
	if err != nil {
		return step{}, err
	}

	if tr.BonusOnly() {
		return step{Value: value, Level: eligible[0]}, nil
	}

	adjusted, err := odds.Adjust(adjusterInput(levels, tr), rate)
	if err != nil {
		return step{}, err
	}

	open := make(map[string]bool, len(eligible))
	for _, code := range eligible {
		open[code] = true
	}
	candidates := adjusted[:0]
	for _, w := range adjusted {
		if open[w.Code] {
			candidates = append(candidates, w)
		}
	}

	level, err := odds.Select(value.Ratio, candidates)
	if err != nil {
		return step{}, err
	}
	return step{Value: value, Level: level}, nil
}

// adjusterInput maps the regular levels to adjuster input with the
// tracker's remaining counts. Bonus levels never take part in adjustment.
func adjusterInput(levels []model.PrizeLevel, tr *inventory.Tracker) []odds.Level {
	out := make([]odds.Level, 0, len(levels))
	for _, l := range levels {
		if l.IsBonus {
			continue
		}
		out = append(out, odds.Level{
			Code:        l.Code,
			Probability: l.BaseProbability,
			Major:       l.IsMajor,
			Remaining:   tr.Remaining(l.Code),
		})
	}
	return out
}
