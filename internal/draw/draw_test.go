package draw

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kujibox/draw-engine/internal/catalog"
	"github.com/kujibox/draw-engine/internal/events"
	"github.com/kujibox/draw-engine/internal/fairness"
	"github.com/kujibox/draw-engine/internal/inventory"
	"github.com/kujibox/draw-engine/internal/model"
	"github.com/kujibox/draw-engine/internal/odds"
	"github.com/kujibox/draw-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	store    *store.MemoryStore
	seq      *Sequencer
	verifier *Verifier
	events   *events.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, store.NewMemoryStore())
}

func newTestEnvWithStore(t *testing.T, st store.Store) *testEnv {
	t.Helper()
	sealer, err := fairness.NewEphemeralSealer()
	require.NoError(t, err)

	rec := &events.Recorder{}
	env := &testEnv{
		seq:      NewSequencer(st, sealer, rec, RetryConfig{InitialInterval: time.Millisecond, MaxElapsedTime: 50 * time.Millisecond}),
		verifier: NewVerifier(st),
		events:   rec,
	}
	if ms, ok := st.(*store.MemoryStore); ok {
		env.store = ms
	}
	return env
}

// fixSeed makes the next activation use seed.
func (e *testEnv) fixSeed(seed fairness.Seed) {
	e.seq.commit = func() (fairness.Seed, fairness.Commitment, error) {
		return seed, fairness.CommitmentFor(seed), nil
	}
}

func seedOf(b byte) fairness.Seed {
	var s fairness.Seed
	for i := range s {
		s[i] = b
	}
	return s
}

// standardRequest is A(1, 5%), B(2, 15%), C(7, 80%) with A major.
func standardRequest() catalog.CreateActivityRequest {
	return catalog.CreateActivityRequest{
		Name: "standard",
		Levels: []catalog.LevelSpec{
			{Code: "A", Name: "A prize", Total: 1, BaseProbability: d(5)},
			{Code: "B", Name: "B prize", Total: 2, BaseProbability: d(15)},
			{Code: "C", Name: "C prize", Total: 7, BaseProbability: d(80)},
		},
		MajorCodes: []string{"A"},
	}
}

func createActivity(t *testing.T, st store.Store, req catalog.CreateActivityRequest) *model.Activity {
	t.Helper()
	a, err := catalog.BuildActivity(uuid.NewString(), req, time.Now())
	require.NoError(t, err)
	require.NoError(t, st.CreateActivity(context.Background(), a))
	return a
}

func (e *testEnv) activeActivity(t *testing.T, req catalog.CreateActivityRequest) *model.Activity {
	t.Helper()
	a := createActivity(t, e.seq.store, req)
	a, err := e.seq.Activate(context.Background(), a.ID)
	require.NoError(t, err)
	return a
}

func drawN(t *testing.T, seq *Sequencer, activityID string, n int) []string {
	t.Helper()
	var levels []string
	for i := 0; i < n; i++ {
		out, err := seq.Draw(context.Background(), activityID, "")
		require.NoError(t, err)
		require.False(t, out.SoldOut, "draw %d sold out", i+1)
		levels = append(levels, out.Record.ResultLevel)
	}
	return levels
}

// --- Activation ---

func TestActivate_PublishesCommitment(t *testing.T) {
	env := newTestEnv(t)
	env.fixSeed(seedOf(0x00))
	a := env.activeActivity(t, standardRequest())

	assert.Equal(t, model.StatusActive, a.Status)
	assert.Equal(t, "05e5e3f54b6cc26b3f5101bb67aab017563dec71d27c358458368bcba1635450", a.CommitmentHash)
	assert.NotEmpty(t, a.SealedSeed)
	assert.Empty(t, a.Seed, "seed must stay secret while active")
	assert.Len(t, a.SealedSeed, 24+fairness.SeedSize+16, "nonce, ciphertext and tag")
	assert.Len(t, env.events.OfType(events.TypeActivityActivated), 1)
}

func TestActivate_Twice(t *testing.T) {
	env := newTestEnv(t)
	a := env.activeActivity(t, standardRequest())

	_, err := env.seq.Activate(context.Background(), a.ID)
	assert.ErrorIs(t, err, ErrAlreadyCommitted)
}

func TestActivate_Unknown(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.seq.Activate(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Draws ---

func TestDraw_GoldenSequence(t *testing.T) {
	env := newTestEnv(t)
	env.fixSeed(seedOf(0x11))
	a := env.activeActivity(t, standardRequest())

	levels := drawN(t, env.seq, a.ID, 10)
	assert.Equal(t, "ABCCCCCCCB", strings.Join(levels, ""))

	draws, err := env.store.ListDraws(context.Background(), a.ID)
	require.NoError(t, err)
	first, err := fairness.Derive(seedOf(0x11), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x09a641a631a30934), first.Prefix)
	assert.True(t, draws[0].DerivedRandomValue.Equal(first.Ratio))
}

func TestDraw_RecordsTicketAndRate(t *testing.T) {
	env := newTestEnv(t)
	a := env.activeActivity(t, standardRequest())

	out, err := env.seq.Draw(context.Background(), a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Record.TicketNumber)
	assert.True(t, out.Record.RecordedProfitRate.Equal(odds.DefaultProfitRate))
	assert.Equal(t, PhaseActive, out.Phase)

	published := env.events.OfType(events.TypeDrawCompleted)
	require.Len(t, published, 1)
	payload := published[0].Data.(events.DrawCompleted)
	assert.Equal(t, int64(1), payload.TicketNumber)
	assert.Equal(t, 9, payload.Remaining)
}

func TestDraw_DepletionSafety(t *testing.T) {
	env := newTestEnv(t)
	a := env.activeActivity(t, standardRequest())
	ctx := context.Background()

	levels := drawN(t, env.seq, a.ID, 10)
	counts := map[string]int{}
	for _, l := range levels {
		counts[l]++
	}
	assert.Equal(t, map[string]int{"A": 1, "B": 2, "C": 7}, counts)

	after, err := env.store.GetActivity(ctx, a.ID)
	require.NoError(t, err)
	for _, l := range after.Levels {
		assert.Equal(t, 0, l.Remaining, "level %s", l.Code)
	}
	assert.Equal(t, model.StatusEnded, after.Status, "sell-out ends the activity")
	assert.NotEmpty(t, after.Seed)

	out, err := env.seq.Draw(ctx, a.ID, "")
	require.NoError(t, err)
	assert.True(t, out.SoldOut)
	assert.Nil(t, out.Record)

	last, _ := env.store.LastTicket(ctx, a.ID)
	assert.Equal(t, int64(10), last)
}

func TestDraw_NotActive(t *testing.T) {
	env := newTestEnv(t)
	a := createActivity(t, env.store, standardRequest())

	_, err := env.seq.Draw(context.Background(), a.ID, "")
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestDraw_AfterRevealWithStock(t *testing.T) {
	env := newTestEnv(t)
	a := env.activeActivity(t, standardRequest())
	ctx := context.Background()

	drawN(t, env.seq, a.ID, 3)
	_, err := env.seq.Reveal(ctx, a.ID)
	require.NoError(t, err)

	_, err = env.seq.Draw(ctx, a.ID, "")
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestDraw_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	a := env.activeActivity(t, standardRequest())
	ctx := context.Background()

	first, err := env.seq.Draw(ctx, a.ID, "req-1")
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	again, err := env.seq.Draw(ctx, a.ID, "req-1")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Record.TicketNumber, again.Record.TicketNumber)
	assert.Equal(t, first.Record.ResultLevel, again.Record.ResultLevel)

	next, err := env.seq.Draw(ctx, a.ID, "req-2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Record.TicketNumber)

	last, _ := env.store.LastTicket(ctx, a.ID)
	assert.Equal(t, int64(2), last)
}

func TestDraw_ConcurrentNeverOversells(t *testing.T) {
	env := newTestEnv(t)
	req := catalog.CreateActivityRequest{
		Name: "busy",
		Levels: []catalog.LevelSpec{
			{Code: "A", Total: 2, BaseProbability: d(10)},
			{Code: "B", Total: 8, BaseProbability: d(30)},
			{Code: "C", Total: 30, BaseProbability: d(60)},
		},
		MajorCodes: []string{"A"},
	}
	a := env.activeActivity(t, req)

	var wg sync.WaitGroup
	var soldOut, drawn atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := env.seq.Draw(context.Background(), a.ID, uuid.NewString())
			if err != nil {
				t.Errorf("draw: %v", err)
				return
			}
			if out.SoldOut {
				soldOut.Add(1)
			} else {
				drawn.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(40), drawn.Load())
	assert.Equal(t, int32(10), soldOut.Load())

	draws, err := env.store.ListDraws(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, draws, 40)
	for i, rec := range draws {
		assert.Equal(t, int64(i+1), rec.TicketNumber)
	}

	report, err := env.verifier.VerifyActivity(context.Background(), a.ID, "")
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Equal(t, 0, env.seq.locks.size(), "lock entries must be released")
}

// --- Profit rate ---

func TestSetProfitRate_ValidatesAndRecords(t *testing.T) {
	env := newTestEnv(t)
	a := env.activeActivity(t, standardRequest())
	ctx := context.Background()

	assert.ErrorIs(t, env.seq.SetProfitRate(ctx, a.ID, d(3.01)), odds.ErrInvalidProfitRate)
	assert.ErrorIs(t, env.seq.SetProfitRate(ctx, a.ID, d(-0.1)), odds.ErrInvalidProfitRate)

	require.NoError(t, env.seq.SetProfitRate(ctx, a.ID, d(0.5)))
	out, err := env.seq.Draw(ctx, a.ID, "")
	require.NoError(t, err)
	assert.True(t, out.Record.RecordedProfitRate.Equal(d(0.5)))
	assert.Len(t, env.events.OfType(events.TypeProfitRateChanged), 1)
}

func TestSetProfitRate_RequiresActive(t *testing.T) {
	env := newTestEnv(t)
	a := createActivity(t, env.store, standardRequest())
	assert.ErrorIs(t, env.seq.SetProfitRate(context.Background(), a.ID, d(1)), ErrNotActive)
}

func TestProfitRateChangesStillVerify(t *testing.T) {
	env := newTestEnv(t)
	req := standardRequest()
	req.Levels[2].Total = 27
	a := env.activeActivity(t, req)
	ctx := context.Background()

	for i, rate := range []float64{1, 0, 3, 0.25, 2} {
		require.NoError(t, env.seq.SetProfitRate(ctx, a.ID, d(rate)), "rate change %d", i)
		drawN(t, env.seq, a.ID, 5)
	}
	_, err := env.seq.Reveal(ctx, a.ID)
	require.NoError(t, err)

	report, err := env.verifier.VerifyActivity(ctx, a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 25, report.TotalCount)
	assert.Equal(t, 25, report.PassCount)
	assert.True(t, report.Passed)
}

func TestZeroProfitRateNeverAwardsMajorWhileMinorsRemain(t *testing.T) {
	env := newTestEnv(t)
	a := env.activeActivity(t, standardRequest())
	ctx := context.Background()
	require.NoError(t, env.seq.SetProfitRate(ctx, a.ID, decimal.Zero))

	levels := drawN(t, env.seq, a.ID, 9)
	assert.NotContains(t, levels, "A")

	last := drawN(t, env.seq, a.ID, 1)
	assert.Equal(t, []string{"A"}, last, "only A remains, remaining counts decide")
}

// --- Bonus ---

func TestBonusLevelAwardedLast(t *testing.T) {
	env := newTestEnv(t)
	req := catalog.CreateActivityRequest{
		Name: "with last one",
		Levels: []catalog.LevelSpec{
			{Code: "A", Total: 1, BaseProbability: d(50)},
			{Code: "B", Total: 1, BaseProbability: d(50)},
			{Code: "LAST", Name: "Last One", Total: 1, IsBonus: true},
		},
	}
	a := env.activeActivity(t, req)
	ctx := context.Background()

	first := drawN(t, env.seq, a.ID, 1)
	assert.NotEqual(t, "LAST", first[0])

	out, err := env.seq.Draw(ctx, a.ID, "")
	require.NoError(t, err)
	assert.NotEqual(t, "LAST", out.Record.ResultLevel)
	assert.Equal(t, PhaseAwaitingBonus, out.Phase)

	current, _ := env.store.GetActivity(ctx, a.ID)
	assert.Equal(t, PhaseAwaitingBonus, PhaseOf(current))

	out, err = env.seq.Draw(ctx, a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "LAST", out.Record.ResultLevel)
	assert.Equal(t, PhaseEnded, out.Phase)

	out, err = env.seq.Draw(ctx, a.ID, "")
	require.NoError(t, err)
	assert.True(t, out.SoldOut)

	report, err := env.verifier.VerifyActivity(ctx, a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 3, report.PassCount)
	assert.True(t, report.Passed)
}

// --- Reveal ---

func TestReveal(t *testing.T) {
	env := newTestEnv(t)
	env.fixSeed(seedOf(0x11))
	a := env.activeActivity(t, standardRequest())
	ctx := context.Background()

	seed, err := env.seq.Reveal(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, seedOf(0x11), seed)
	assert.True(t, fairness.CommitmentFor(seed).Matches(a.CommitmentHash))

	ended, _ := env.store.GetActivity(ctx, a.ID)
	assert.Equal(t, model.StatusEnded, ended.Status)
	assert.Equal(t, seed.String(), ended.Seed)

	again, err := env.seq.Reveal(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, seed, again)
	assert.Len(t, env.events.OfType(events.TypeActivityEnded), 1)
}

func TestReveal_Pending(t *testing.T) {
	env := newTestEnv(t)
	a := createActivity(t, env.store, standardRequest())

	_, err := env.seq.Reveal(context.Background(), a.ID)
	assert.ErrorIs(t, err, ErrNotActive)
}

// --- Failure handling ---

// depletingStore reports every commit as hitting an empty level.
type depletingStore struct {
	*store.MemoryStore
}

func (s depletingStore) CommitDraw(context.Context, *model.DrawRecord) error {
	return store.ErrLevelDepleted
}

func TestDraw_UnderflowHaltsSales(t *testing.T) {
	mem := store.NewMemoryStore()
	env := newTestEnvWithStore(t, depletingStore{mem})
	a := env.activeActivity(t, standardRequest())
	ctx := context.Background()

	_, err := env.seq.Draw(ctx, a.ID, "")
	require.ErrorIs(t, err, inventory.ErrInventoryUnderflow)

	halted, _ := mem.GetActivity(ctx, a.ID)
	assert.NotEmpty(t, halted.HaltedReason)
	assert.Len(t, env.events.OfType(events.TypeActivityHalted), 1)

	_, err = env.seq.Draw(ctx, a.ID, "")
	assert.ErrorIs(t, err, ErrHalted)
}

// conflictingStore loses the first n ticket races, or every race when n < 0.
type conflictingStore struct {
	*store.MemoryStore
	n     int32
	calls atomic.Int32
}

func (s *conflictingStore) CommitDraw(ctx context.Context, rec *model.DrawRecord) error {
	if c := s.calls.Add(1); s.n < 0 || c <= s.n {
		return store.ErrConflict
	}
	return s.MemoryStore.CommitDraw(ctx, rec)
}

func TestDraw_RetriesConflicts(t *testing.T) {
	st := &conflictingStore{MemoryStore: store.NewMemoryStore(), n: 2}
	env := newTestEnvWithStore(t, st)
	a := env.activeActivity(t, standardRequest())

	out, err := env.seq.Draw(context.Background(), a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Record.TicketNumber)
	assert.Equal(t, int32(3), st.calls.Load())
}

func TestDraw_ConflictBudgetExhausted(t *testing.T) {
	st := &conflictingStore{MemoryStore: store.NewMemoryStore(), n: -1}
	env := newTestEnvWithStore(t, st)
	a := env.activeActivity(t, standardRequest())

	_, err := env.seq.Draw(context.Background(), a.ID, "")
	assert.ErrorIs(t, err, ErrBusy)

	halted, _ := st.GetActivity(context.Background(), a.ID)
	assert.Empty(t, halted.HaltedReason, "conflicts must not halt sales")
}

// --- Phase ---

func TestPhaseOf(t *testing.T) {
	levels := []model.PrizeLevel{
		{Code: "A", Total: 1, Remaining: 0},
		{Code: "L", Total: 1, Remaining: 1, IsBonus: true},
	}
	assert.Equal(t, PhasePending, PhaseOf(&model.Activity{Status: model.StatusPending, Levels: levels}))
	assert.Equal(t, PhaseAwaitingBonus, PhaseOf(&model.Activity{Status: model.StatusActive, Levels: levels}))
	assert.Equal(t, PhaseEnded, PhaseOf(&model.Activity{Status: model.StatusEnded, Levels: levels}))

	levels[0].Remaining = 1
	assert.Equal(t, PhaseActive, PhaseOf(&model.Activity{Status: model.StatusActive, Levels: levels}))
}
