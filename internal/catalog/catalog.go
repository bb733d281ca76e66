// Package catalog validates activity definitions and builds the stored
// model.Activity from a creation request.
package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kujibox/draw-engine/internal/model"
	"github.com/kujibox/draw-engine/internal/odds"
)

// codeRegex matches a prize level code, e.g. "A", "LAST_ONE", "b-2".
var codeRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,31}$`)

var (
	ErrInvalidActivity = errors.New("catalog: invalid activity")
	ErrInvalidCode     = errors.New("catalog: invalid level code")
	ErrDuplicateCode   = errors.New("catalog: duplicate level code")
	ErrUnknownMajor    = errors.New("catalog: major code does not name a regular level")
)

// LevelSpec is one prize level as submitted by an operator.
type LevelSpec struct {
	Code            string          `json:"code" yaml:"code"`
	Name            string          `json:"name" yaml:"name"`
	Total           int             `json:"total" yaml:"total"`
	BaseProbability decimal.Decimal `json:"base_probability" yaml:"base_probability"`
	IsBonus         bool            `json:"is_bonus,omitempty" yaml:"is_bonus,omitempty"`
}

// CreateActivityRequest describes a new activity.
type CreateActivityRequest struct {
	Name       string           `json:"name" yaml:"name"`
	Levels     []LevelSpec      `json:"levels" yaml:"levels"`
	MajorCodes []string         `json:"major_codes" yaml:"major_codes"`
	ProfitRate *decimal.Decimal `json:"profit_rate,omitempty" yaml:"profit_rate,omitempty"`
}

// ValidateActivity checks a creation request. Probabilities of the bonus
// level are ignored; every other level takes part in the 100 % sum.
func ValidateActivity(req CreateActivityRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidActivity)
	}

	seen := make(map[string]bool, len(req.Levels))
	regular := make(map[string]bool, len(req.Levels))
	bonusCount := 0
	poolTotal := 0
	var dist []odds.Level

	for _, l := range req.Levels {
		if !codeRegex.MatchString(l.Code) {
			return fmt.Errorf("%w: %q", ErrInvalidCode, l.Code)
		}
		if seen[l.Code] {
			return fmt.Errorf("%w: %s", ErrDuplicateCode, l.Code)
		}
		seen[l.Code] = true

		if l.Total < 0 {
			return fmt.Errorf("%w: level %s has negative total %d", ErrInvalidActivity, l.Code, l.Total)
		}

		if l.IsBonus {
			bonusCount++
			if l.Total < 1 {
				return fmt.Errorf("%w: bonus level %s needs a total of at least 1", ErrInvalidActivity, l.Code)
			}
			continue
		}

		if l.BaseProbability.IsNegative() || l.BaseProbability.GreaterThan(odds.Hundred) {
			return fmt.Errorf("%w: level %s probability %s outside [0, 100]",
				ErrInvalidActivity, l.Code, l.BaseProbability)
		}
		regular[l.Code] = true
		poolTotal += l.Total
		dist = append(dist, odds.Level{Code: l.Code, Probability: l.BaseProbability})
	}

	if len(regular) == 0 {
		return fmt.Errorf("%w: at least one regular level is required", ErrInvalidActivity)
	}
	if bonusCount > 1 {
		return fmt.Errorf("%w: at most one bonus level, got %d", ErrInvalidActivity, bonusCount)
	}
	if poolTotal <= 0 {
		return fmt.Errorf("%w: regular levels hold no prizes", ErrInvalidActivity)
	}

	for _, code := range req.MajorCodes {
		if !regular[code] {
			return fmt.Errorf("%w: %s", ErrUnknownMajor, code)
		}
	}

	if err := odds.ValidateDistribution(dist); err != nil {
		return err
	}
	if req.ProfitRate != nil {
		if err := odds.ValidateProfitRate(*req.ProfitRate); err != nil {
			return err
		}
	}
	return nil
}

// BuildActivity validates req and returns a pending activity with every
// level full and IsMajor set from the major set.
func BuildActivity(id string, req CreateActivityRequest, now time.Time) (*model.Activity, error) {
	if err := ValidateActivity(req); err != nil {
		return nil, err
	}

	majors := make(map[string]bool, len(req.MajorCodes))
	var majorCodes []string
	for _, code := range req.MajorCodes {
		if !majors[code] {
			majors[code] = true
			majorCodes = append(majorCodes, code)
		}
	}

	levels := make([]model.PrizeLevel, len(req.Levels))
	for i, l := range req.Levels {
		prob := l.BaseProbability
		if l.IsBonus {
			prob = decimal.Zero
		}
		levels[i] = model.PrizeLevel{
			Code:            l.Code,
			Name:            l.Name,
			Total:           l.Total,
			Remaining:       l.Total,
			BaseProbability: prob,
			IsMajor:         majors[l.Code],
			IsBonus:         l.IsBonus,
		}
	}

	rate := odds.DefaultProfitRate
	if req.ProfitRate != nil {
		rate = *req.ProfitRate
	}

	return &model.Activity{
		ID:         id,
		Name:       req.Name,
		Levels:     levels,
		MajorCodes: majorCodes,
		Status:     model.StatusPending,
		ProfitRate: rate,
		CreatedAt:  now.UTC(),
	}, nil
}
