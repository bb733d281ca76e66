package draw

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/kujibox/draw-engine/internal/fairness"
	"github.com/kujibox/draw-engine/internal/inventory"
	"github.com/kujibox/draw-engine/internal/metrics"
	"github.com/kujibox/draw-engine/internal/model"
	"github.com/kujibox/draw-engine/internal/store"
)

// Verify replays an activity's draws from its original totals and compares
// each recorded level with the level the seed produces.
//
// Records are processed in ticket order. The replayed level is consumed even
// when it differs from the record, so a single altered record shows up as a
// single mismatch. Verify never touches live state and may run for many
// activities in parallel.
func Verify(a *model.Activity, seed fairness.Seed, records []model.DrawRecord) model.VerificationReport {
	report := model.VerificationReport{
		ActivityID:    a.ID,
		ReplayVersion: ReplayVersion,
		HashMatch:     fairness.CommitmentFor(seed).Matches(a.CommitmentHash),
		SequenceValid: true,
		PerDraw:       make([]model.DrawCheck, 0, len(records)),
		TotalCount:    len(records),
	}

	ordered := make([]model.DrawRecord, len(records))
	copy(ordered, records)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].TicketNumber < ordered[j].TicketNumber
	})

	tr := inventory.FromTotals(a.Levels)
	for i, rec := range ordered {
		if rec.TicketNumber != int64(i+1) {
			report.SequenceValid = false
		}

		check := model.DrawCheck{TicketNumber: rec.TicketNumber, Actual: rec.ResultLevel}
		st, err := resolve(seed, rec.TicketNumber, rec.RecordedProfitRate, a.Levels, tr)
		if err == nil {
			check.Expected = st.Level
			check.Match = st.Level == rec.ResultLevel
			if err := tr.Consume(st.Level); err != nil {
				check.Match = false
			}
		}
		if check.Match {
			report.PassCount++
		}
		report.PerDraw = append(report.PerDraw, check)
	}

	report.Passed = report.HashMatch && report.SequenceValid && report.PassCount == report.TotalCount
	return report
}

// Mismatches returns the tickets whose recorded level did not replay.
func Mismatches(r model.VerificationReport) []int64 {
	var tickets []int64
	for _, c := range r.PerDraw {
		if !c.Match {
			tickets = append(tickets, c.TicketNumber)
		}
	}
	return tickets
}

// Verifier loads activities and their ledgers from a store and verifies them.
type Verifier struct {
	store store.Store
}

// NewVerifier creates a verifier.
func NewVerifier(st store.Store) *Verifier {
	return &Verifier{store: st}
}

// VerifyActivity verifies an activity. With an empty seedHex the revealed
// seed is used, which requires the activity to have ended; a supplied seed
// is checked against the commitment even while sales are open.
func (v *Verifier) VerifyActivity(ctx context.Context, activityID, seedHex string) (*model.VerificationReport, error) {
	a, err := v.store.GetActivity(ctx, activityID)
	if err != nil {
		return nil, err
	}

	if seedHex == "" {
		if a.Status != model.StatusEnded || a.Seed == "" {
			return nil, fmt.Errorf("activity %s: %w", activityID, ErrSeedNotRevealed)
		}
		seedHex = a.Seed
	}
	seed, err := fairness.ParseSeed(seedHex)
	if err != nil {
		return nil, err
	}

	records, err := v.store.ListDraws(ctx, activityID)
	if err != nil {
		return nil, fmt.Errorf("list draws %s: %w", activityID, err)
	}

	report := Verify(a, seed, records)
	outcome := "passed"
	if !report.Passed {
		outcome = "failed"
	}
	metrics.VerificationsTotal.WithLabelValues(outcome).Inc()
	slog.Info("activity verified",
		"activity_id", activityID,
		"passed", report.Passed,
		"hash_match", report.HashMatch,
		"pass_count", report.PassCount,
		"total_count", report.TotalCount,
	)
	return &report, nil
}
