// Package model defines the core domain types shared across the draw engine.
// Probabilities and profit rates use shopspring/decimal so that the live
// draw path and every verification replay compute bit-identical weights.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an Activity.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

// PrizeLevel is one prize tier inside an activity.
// IsMajor is derived once from the activity's major set at creation and
// stored on the level; nothing recomputes it per call site.
type PrizeLevel struct {
	Code            string          `json:"code" yaml:"code"`
	Name            string          `json:"name" yaml:"name"`
	Total           int             `json:"total" yaml:"total"`
	Remaining       int             `json:"remaining" yaml:"remaining"`
	BaseProbability decimal.Decimal `json:"base_probability" yaml:"base_probability"` // percent, 0..100
	IsMajor         bool            `json:"is_major" yaml:"is_major"`
	IsBonus         bool            `json:"is_bonus" yaml:"is_bonus"` // "Last One": awarded after the pool empties
}

// Activity is one blind-box pool sold draw by draw.
//
// SealedSeed never leaves the service. Seed is populated only after the
// activity has ended and the seed was revealed.
type Activity struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Levels         []PrizeLevel    `json:"levels"`
	MajorCodes     []string        `json:"major_codes"`
	SealedSeed     []byte          `json:"-"`
	Seed           string          `json:"seed,omitempty"`
	CommitmentHash string          `json:"commitment_hash,omitempty"`
	Status         Status          `json:"status"`
	ProfitRate     decimal.Decimal `json:"profit_rate"`
	HaltedReason   string          `json:"halted_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
}

// Level returns the level with the given code.
func (a *Activity) Level(code string) (PrizeLevel, bool) {
	for _, l := range a.Levels {
		if l.Code == code {
			return l, true
		}
	}
	return PrizeLevel{}, false
}

// PoolRemaining sums remaining counts over non-bonus levels.
func (a *Activity) PoolRemaining() int {
	n := 0
	for _, l := range a.Levels {
		if !l.IsBonus {
			n += l.Remaining
		}
	}
	return n
}

// DrawRecord is an immutable record of one draw. Once created, records are
// never modified or deleted.
type DrawRecord struct {
	ActivityID         string          `json:"activity_id" yaml:"activity_id"`
	TicketNumber       int64           `json:"ticket_number" yaml:"ticket_number"`
	RequestKey         string          `json:"request_key,omitempty" yaml:"request_key,omitempty"`
	RecordedProfitRate decimal.Decimal `json:"recorded_profit_rate" yaml:"recorded_profit_rate"`
	ResultLevel        string          `json:"result_level" yaml:"result_level"`
	DerivedRandomValue decimal.Decimal `json:"derived_random_value" yaml:"derived_random_value"`
	CreatedAt          time.Time       `json:"created_at" yaml:"created_at"`
}

// DrawCheck is the replay result for one ticket.
type DrawCheck struct {
	TicketNumber int64  `json:"ticket_number"`
	Expected     string `json:"expected"`
	Actual       string `json:"actual"`
	Match        bool   `json:"match"`
}

// VerificationReport is the audit outcome for one activity. A failing report
// is a legitimate result, not an error.
type VerificationReport struct {
	ActivityID    string      `json:"activity_id"`
	ReplayVersion int         `json:"replay_version"`
	HashMatch     bool        `json:"hash_match"`
	SequenceValid bool        `json:"sequence_valid"`
	PerDraw       []DrawCheck `json:"per_draw"`
	PassCount     int         `json:"pass_count"`
	TotalCount    int         `json:"total_count"`
	Passed        bool        `json:"passed"`
}
