package draw

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kujibox/draw-engine/internal/fairness"
	"github.com/kujibox/draw-engine/internal/model"
)

// soldOutActivity runs the standard activity with seed 11×32 to the end.
func soldOutActivity(t *testing.T) (*testEnv, *model.Activity) {
	t.Helper()
	env := newTestEnv(t)
	env.fixSeed(seedOf(0x11))
	a := env.activeActivity(t, standardRequest())
	drawN(t, env.seq, a.ID, 10)

	ended, err := env.store.GetActivity(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusEnded, ended.Status)
	return env, ended
}

func TestVerify_AllDrawsReplay(t *testing.T) {
	env, a := soldOutActivity(t)

	report, err := env.verifier.VerifyActivity(context.Background(), a.ID, "")
	require.NoError(t, err)

	assert.True(t, report.HashMatch)
	assert.True(t, report.SequenceValid)
	assert.Equal(t, 10, report.PassCount)
	assert.Equal(t, 10, report.TotalCount)
	assert.True(t, report.Passed)
	assert.Equal(t, ReplayVersion, report.ReplayVersion)
	assert.Empty(t, Mismatches(*report))
}

func TestVerify_SingleTamperedRecord(t *testing.T) {
	for ticket := int64(1); ticket <= 10; ticket++ {
		env, a := soldOutActivity(t)
		ctx := context.Background()

		draws, _ := env.store.ListDraws(ctx, a.ID)
		original := draws[ticket-1].ResultLevel
		replacement := "C"
		if original == "C" {
			replacement = "B"
		}
		env.store.TamperDraw(a.ID, ticket, replacement)

		report, err := env.verifier.VerifyActivity(ctx, a.ID, "")
		require.NoError(t, err)
		assert.Equal(t, 9, report.PassCount, "ticket %d", ticket)
		assert.Equal(t, []int64{ticket}, Mismatches(*report))
		assert.False(t, report.Passed)

		check := report.PerDraw[ticket-1]
		assert.Equal(t, original, check.Expected)
		assert.Equal(t, replacement, check.Actual)
	}
}

func TestVerify_WrongSeed(t *testing.T) {
	env, a := soldOutActivity(t)

	report, err := env.verifier.VerifyActivity(context.Background(), a.ID, seedOf(0x22).String())
	require.NoError(t, err)
	assert.False(t, report.HashMatch)
	assert.False(t, report.Passed)
}

func TestVerify_ExplicitSeedWhileActive(t *testing.T) {
	env := newTestEnv(t)
	env.fixSeed(seedOf(0x11))
	a := env.activeActivity(t, standardRequest())
	drawN(t, env.seq, a.ID, 4)
	ctx := context.Background()

	_, err := env.verifier.VerifyActivity(ctx, a.ID, "")
	assert.ErrorIs(t, err, ErrSeedNotRevealed)

	report, err := env.verifier.VerifyActivity(ctx, a.ID, seedOf(0x11).String())
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Equal(t, 4, report.TotalCount)
}

func TestVerify_MalformedSeed(t *testing.T) {
	env, a := soldOutActivity(t)
	_, err := env.verifier.VerifyActivity(context.Background(), a.ID, "abc")
	assert.ErrorIs(t, err, fairness.ErrInvalidSeedFormat)
}

func TestVerify_Pure(t *testing.T) {
	env, a := soldOutActivity(t)
	draws, err := env.store.ListDraws(context.Background(), a.ID)
	require.NoError(t, err)
	seed := seedOf(0x11)

	t.Run("input order does not matter", func(t *testing.T) {
		reversed := make([]model.DrawRecord, len(draws))
		for i, rec := range draws {
			reversed[len(draws)-1-i] = rec
		}
		report := Verify(a, seed, reversed)
		assert.True(t, report.Passed)
		assert.Equal(t, int64(1), report.PerDraw[0].TicketNumber)
	})

	t.Run("gap in tickets", func(t *testing.T) {
		gapped := append([]model.DrawRecord(nil), draws[:3]...)
		gapped = append(gapped, draws[4:]...)
		report := Verify(a, seed, gapped)
		assert.False(t, report.SequenceValid)
		assert.False(t, report.Passed)
	})

	t.Run("record beyond the pool", func(t *testing.T) {
		extra := append([]model.DrawRecord(nil), draws...)
		extra = append(extra, model.DrawRecord{ActivityID: a.ID, TicketNumber: 11, ResultLevel: "C", RecordedProfitRate: d(1)})
		report := Verify(a, seed, extra)
		assert.Equal(t, 10, report.PassCount)
		assert.Equal(t, 11, report.TotalCount)
		assert.Equal(t, "", report.PerDraw[10].Expected)
		assert.False(t, report.Passed)
	})

	t.Run("recorded rate out of range", func(t *testing.T) {
		bad := append([]model.DrawRecord(nil), draws...)
		bad[0].RecordedProfitRate = d(9)
		report := Verify(a, seed, bad)
		assert.Equal(t, []int64{1}, Mismatches(report))
	})

	t.Run("does not mutate live state", func(t *testing.T) {
		before, _ := env.store.GetActivity(context.Background(), a.ID)
		Verify(a, seed, draws)
		after, _ := env.store.GetActivity(context.Background(), a.ID)
		assert.Equal(t, before.Levels, after.Levels)
	})

	t.Run("empty ledger", func(t *testing.T) {
		report := Verify(a, seed, nil)
		assert.True(t, report.Passed)
		assert.Equal(t, 0, report.TotalCount)
	})
}
