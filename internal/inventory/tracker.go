// Package inventory tracks remaining prize counts for one activity.
//
// A Tracker is an arena of counters indexed by position, built either from
// live remaining counts (draws) or from original totals (replay). It is not
// safe for concurrent use; the sequencer owns one per locked draw and the
// verifier builds a fresh one per run.
package inventory

import (
	"errors"
	"fmt"

	"github.com/kujibox/draw-engine/internal/model"
)

var (
	// ErrInventoryUnderflow is returned when consuming a depleted level.
	// In the live path this is a fatal bug and halts sales.
	ErrInventoryUnderflow = errors.New("inventory: level already depleted")

	// ErrUnknownLevel is returned for a code the tracker does not hold.
	ErrUnknownLevel = errors.New("inventory: unknown level")
)

type slot struct {
	code      string
	remaining int
	bonus     bool
}

// Tracker holds remaining counts per level.
type Tracker struct {
	slots []slot
	index map[string]int
}

// FromTotals builds a tracker at the activity's starting state.
func FromTotals(levels []model.PrizeLevel) *Tracker {
	return build(levels, func(l model.PrizeLevel) int { return l.Total })
}

// FromRemaining builds a tracker from the current remaining counts.
func FromRemaining(levels []model.PrizeLevel) *Tracker {
	return build(levels, func(l model.PrizeLevel) int { return l.Remaining })
}

func build(levels []model.PrizeLevel, count func(model.PrizeLevel) int) *Tracker {
	t := &Tracker{
		slots: make([]slot, len(levels)),
		index: make(map[string]int, len(levels)),
	}
	for i, l := range levels {
		n := count(l)
		if n < 0 {
			n = 0
		}
		t.slots[i] = slot{code: l.Code, remaining: n, bonus: l.IsBonus}
		t.index[l.Code] = i
	}
	return t
}

// Consume decrements a level by one.
func (t *Tracker) Consume(code string) error {
	i, ok := t.index[code]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLevel, code)
	}
	if t.slots[i].remaining == 0 {
		return fmt.Errorf("%w: %s", ErrInventoryUnderflow, code)
	}
	t.slots[i].remaining--
	return nil
}

// Remaining returns the count for a level, or 0 for an unknown code.
func (t *Tracker) Remaining(code string) int {
	if i, ok := t.index[code]; ok {
		return t.slots[i].remaining
	}
	return 0
}

// PoolRemaining sums non-bonus counts.
func (t *Tracker) PoolRemaining() int {
	n := 0
	for _, s := range t.slots {
		if !s.bonus {
			n += s.remaining
		}
	}
	return n
}

// Eligible returns the non-bonus codes with stock, in level order. Once every
// non-bonus level is depleted it returns the bonus level instead, if any
// remains.
func (t *Tracker) Eligible() []string {
	var codes []string
	for _, s := range t.slots {
		if !s.bonus && s.remaining > 0 {
			codes = append(codes, s.code)
		}
	}
	if len(codes) > 0 {
		return codes
	}
	for _, s := range t.slots {
		if s.bonus && s.remaining > 0 {
			codes = append(codes, s.code)
		}
	}
	return codes
}

// BonusOnly reports whether the pool is empty and only a bonus remains.
func (t *Tracker) BonusOnly() bool {
	return t.PoolRemaining() == 0 && len(t.Eligible()) > 0
}

// Depleted reports whether nothing is left to draw.
func (t *Tracker) Depleted() bool {
	return len(t.Eligible()) == 0
}

// IsBonus reports whether code is the bonus level.
func (t *Tracker) IsBonus(code string) bool {
	i, ok := t.index[code]
	return ok && t.slots[i].bonus
}
