package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/shopspring/decimal"

	"github.com/kujibox/draw-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// stores returns every embedded implementation so both run the same contract.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"badger": NewBadgerStore(db),
	}
}

func seedActivity(t *testing.T, st Store, id string) *model.Activity {
	t.Helper()
	a := &model.Activity{
		ID:   id,
		Name: "test",
		Levels: []model.PrizeLevel{
			{Code: "A", Name: "A prize", Total: 1, Remaining: 1, BaseProbability: d(10), IsMajor: true},
			{Code: "B", Name: "B prize", Total: 2, Remaining: 2, BaseProbability: d(90)},
		},
		MajorCodes: []string{"A"},
		Status:     model.StatusPending,
		ProfitRate: d(1),
		CreatedAt:  time.Now().UTC(),
	}
	if err := st.CreateActivity(context.Background(), a); err != nil {
		t.Fatalf("create activity: %v", err)
	}
	return a
}

func record(id string, ticket int64, level, key string) *model.DrawRecord {
	return &model.DrawRecord{
		ActivityID:         id,
		TicketNumber:       ticket,
		RequestKey:         key,
		RecordedProfitRate: d(1),
		ResultLevel:        level,
		DerivedRandomValue: d(0.25),
		CreatedAt:          time.Now().UTC(),
	}
}

func TestStore_ActivateOnce(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedActivity(t, st, "act")

			if err := st.ActivateActivity(ctx, "act", []byte{1, 2, 3}, "hash", time.Now()); err != nil {
				t.Fatalf("activate: %v", err)
			}
			err := st.ActivateActivity(ctx, "act", []byte{4}, "other", time.Now())
			if !errors.Is(err, ErrAlreadyCommitted) {
				t.Fatalf("expected ErrAlreadyCommitted, got %v", err)
			}

			a, err := st.GetActivity(ctx, "act")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if a.Status != model.StatusActive || a.CommitmentHash != "hash" {
				t.Errorf("unexpected activity state: %s %s", a.Status, a.CommitmentHash)
			}
			if string(a.SealedSeed) != string([]byte{1, 2, 3}) {
				t.Errorf("sealed seed not persisted: %v", a.SealedSeed)
			}
			if a.StartedAt == nil {
				t.Error("expected started_at")
			}
		})
	}
}

func TestStore_CommitDrawDecrementsAndOrders(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedActivity(t, st, "act")

			for i, level := range []string{"B", "A", "B"} {
				if err := st.CommitDraw(ctx, record("act", int64(i+1), level, "")); err != nil {
					t.Fatalf("commit %d: %v", i+1, err)
				}
			}

			last, err := st.LastTicket(ctx, "act")
			if err != nil || last != 3 {
				t.Fatalf("expected last ticket 3, got %d (%v)", last, err)
			}

			a, _ := st.GetActivity(ctx, "act")
			if a.PoolRemaining() != 0 {
				t.Errorf("expected empty pool, got %d", a.PoolRemaining())
			}

			draws, err := st.ListDraws(ctx, "act")
			if err != nil {
				t.Fatalf("list draws: %v", err)
			}
			if len(draws) != 3 {
				t.Fatalf("expected 3 draws, got %d", len(draws))
			}
			for i, rec := range draws {
				if rec.TicketNumber != int64(i+1) {
					t.Errorf("draw %d has ticket %d", i, rec.TicketNumber)
				}
			}
			if !draws[0].DerivedRandomValue.Equal(d(0.25)) {
				t.Errorf("random value not persisted: %s", draws[0].DerivedRandomValue)
			}
		})
	}
}

func TestStore_CommitDrawRejectsGapsAndReuse(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedActivity(t, st, "act")

			if err := st.CommitDraw(ctx, record("act", 2, "B", "")); !errors.Is(err, ErrConflict) {
				t.Errorf("expected conflict for gap, got %v", err)
			}
			if err := st.CommitDraw(ctx, record("act", 1, "B", "k1")); err != nil {
				t.Fatalf("commit: %v", err)
			}
			if err := st.CommitDraw(ctx, record("act", 1, "B", "")); !errors.Is(err, ErrConflict) {
				t.Errorf("expected conflict for reused ticket, got %v", err)
			}
			if err := st.CommitDraw(ctx, record("act", 2, "B", "k1")); !errors.Is(err, ErrConflict) {
				t.Errorf("expected conflict for reused request key, got %v", err)
			}

			rec, err := st.GetDrawByRequestKey(ctx, "act", "k1")
			if err != nil || rec.TicketNumber != 1 {
				t.Fatalf("lookup by key: %v %+v", err, rec)
			}
			if _, err := st.GetDrawByRequestKey(ctx, "act", "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected not found, got %v", err)
			}
		})
	}
}

func TestStore_CommitDrawDepletedLevelLeavesNoRecord(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedActivity(t, st, "act")

			if err := st.CommitDraw(ctx, record("act", 1, "A", "")); err != nil {
				t.Fatalf("commit: %v", err)
			}
			err := st.CommitDraw(ctx, record("act", 2, "A", ""))
			if !errors.Is(err, ErrLevelDepleted) {
				t.Fatalf("expected ErrLevelDepleted, got %v", err)
			}
			last, _ := st.LastTicket(ctx, "act")
			if last != 1 {
				t.Errorf("failed draw must not be recorded, last ticket %d", last)
			}
		})
	}
}

func TestStore_EndRequiresActive(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedActivity(t, st, "act")

			if err := st.EndActivity(ctx, "act", "seed", time.Now()); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
			st.ActivateActivity(ctx, "act", nil, "hash", time.Now())
			if err := st.EndActivity(ctx, "act", "seed", time.Now()); err != nil {
				t.Fatalf("end: %v", err)
			}
			a, _ := st.GetActivity(ctx, "act")
			if a.Status != model.StatusEnded || a.Seed != "seed" || a.EndedAt == nil {
				t.Errorf("unexpected ended state: %+v", a)
			}
		})
	}
}

func TestStore_ProfitRateAndHalt(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedActivity(t, st, "act")

			if err := st.UpdateProfitRate(ctx, "act", d(0.4)); err != nil {
				t.Fatalf("update rate: %v", err)
			}
			if err := st.HaltActivity(ctx, "act", "underflow"); err != nil {
				t.Fatalf("halt: %v", err)
			}
			a, _ := st.GetActivity(ctx, "act")
			if !a.ProfitRate.Equal(d(0.4)) || a.HaltedReason != "underflow" {
				t.Errorf("unexpected state: rate=%s halted=%q", a.ProfitRate, a.HaltedReason)
			}
		})
	}
}

func TestStore_NotFound(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := st.GetActivity(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
			if err := st.UpdateProfitRate(ctx, "nope", d(1)); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_ListActivitiesNewestFirst(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			older := seedActivity(t, st, "old")
			_ = older
			newer := &model.Activity{ID: "new", Name: "n", Status: model.StatusPending, CreatedAt: time.Now().UTC().Add(time.Hour)}
			if err := st.CreateActivity(ctx, newer); err != nil {
				t.Fatalf("create: %v", err)
			}

			list, err := st.ListActivities(ctx)
			if err != nil || len(list) != 2 {
				t.Fatalf("list: %v (%d)", err, len(list))
			}
			if list[0].ID != "new" {
				t.Errorf("expected newest first, got %s", list[0].ID)
			}
			if err := st.CreateActivity(ctx, newer); !errors.Is(err, ErrConflict) {
				t.Errorf("expected duplicate id conflict, got %v", err)
			}
		})
	}
}
