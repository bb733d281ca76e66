package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/shopspring/decimal"

	"github.com/kujibox/draw-engine/internal/model"
)

// BadgerStore implements Store on an embedded Badger database for
// single-node deployments. Every mutation runs in one Badger transaction;
// transaction conflicts surface as ErrConflict.
type BadgerStore struct {
	db *badger.DB
}

// persistedActivity keeps the sealed seed, which model.Activity never
// serializes.
type persistedActivity struct {
	model.Activity
	SealedSeed []byte `json:"sealed_seed,omitempty"`
}

func (p persistedActivity) toModel() *model.Activity {
	a := p.Activity
	a.SealedSeed = p.SealedSeed
	return &a
}

func persist(a *model.Activity) persistedActivity {
	return persistedActivity{Activity: *a, SealedSeed: a.SealedSeed}
}

// OpenBadgerStore opens (or creates) a Badger database at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStore wraps an already opened database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func activityKey(id string) []byte { return []byte("activity/" + id) }
func lastTicketKey(id string) []byte { return []byte("last/" + id) }
func drawPrefix(id string) []byte { return []byte("draw/" + id + "/") }
func drawKey(id string, ticket int64) []byte {
	return []byte(fmt.Sprintf("draw/%s/%020d", id, ticket))
}
func requestKey(id, key string) []byte { return []byte("request/" + id + "/" + key) }

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// update runs fn in a read-write transaction, mapping Badger conflicts.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	err := s.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		return ErrConflict
	}
	return err
}

// mutateActivity loads, changes and writes back one activity.
func (s *BadgerStore) mutateActivity(id string, fn func(a *model.Activity) error) error {
	return s.update(func(txn *badger.Txn) error {
		var p persistedActivity
		if err := getJSON(txn, activityKey(id), &p); err != nil {
			return fmt.Errorf("activity %s: %w", id, err)
		}
		a := p.toModel()
		if err := fn(a); err != nil {
			return err
		}
		return setJSON(txn, activityKey(id), persist(a))
	})
}

func (s *BadgerStore) CreateActivity(_ context.Context, a *model.Activity) error {
	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(activityKey(a.ID)); err == nil {
			return fmt.Errorf("activity %s already exists: %w", a.ID, ErrConflict)
		}
		return setJSON(txn, activityKey(a.ID), persist(a))
	})
}

func (s *BadgerStore) GetActivity(_ context.Context, id string) (*model.Activity, error) {
	var p persistedActivity
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, activityKey(id), &p)
	})
	if err != nil {
		return nil, fmt.Errorf("activity %s: %w", id, err)
	}
	return p.toModel(), nil
}

func (s *BadgerStore) ListActivities(_ context.Context) ([]model.Activity, error) {
	var activities []model.Activity
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("activity/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var p persistedActivity
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			}); err != nil {
				return err
			}
			activities = append(activities, *p.toModel())
		}
		return nil
	})
	sort.Slice(activities, func(i, j int) bool {
		return activities[i].CreatedAt.After(activities[j].CreatedAt)
	})
	return activities, err
}

func (s *BadgerStore) ActivateActivity(_ context.Context, id string, sealedSeed []byte, commitment string, startedAt time.Time) error {
	return s.mutateActivity(id, func(a *model.Activity) error {
		if a.CommitmentHash != "" {
			return ErrAlreadyCommitted
		}
		if a.Status != model.StatusPending {
			return ErrInvalidTransition
		}
		a.SealedSeed = sealedSeed
		a.CommitmentHash = commitment
		a.Status = model.StatusActive
		a.StartedAt = &startedAt
		return nil
	})
}

func (s *BadgerStore) UpdateProfitRate(_ context.Context, id string, rate decimal.Decimal) error {
	return s.mutateActivity(id, func(a *model.Activity) error {
		a.ProfitRate = rate
		return nil
	})
}

func (s *BadgerStore) EndActivity(_ context.Context, id string, revealedSeed string, endedAt time.Time) error {
	return s.mutateActivity(id, func(a *model.Activity) error {
		if a.Status != model.StatusActive {
			return ErrInvalidTransition
		}
		a.Status = model.StatusEnded
		a.Seed = revealedSeed
		a.EndedAt = &endedAt
		return nil
	})
}

func (s *BadgerStore) HaltActivity(_ context.Context, id string, reason string) error {
	return s.mutateActivity(id, func(a *model.Activity) error {
		a.HaltedReason = reason
		return nil
	})
}

func (s *BadgerStore) CommitDraw(_ context.Context, rec *model.DrawRecord) error {
	return s.update(func(txn *badger.Txn) error {
		last, err := readLastTicket(txn, rec.ActivityID)
		if err != nil {
			return err
		}
		if rec.TicketNumber != last+1 {
			return fmt.Errorf("ticket %d: %w", rec.TicketNumber, ErrConflict)
		}
		if rec.RequestKey != "" {
			if _, err := txn.Get(requestKey(rec.ActivityID, rec.RequestKey)); err == nil {
				return fmt.Errorf("request key %s: %w", rec.RequestKey, ErrConflict)
			}
		}

		var p persistedActivity
		if err := getJSON(txn, activityKey(rec.ActivityID), &p); err != nil {
			return fmt.Errorf("activity %s: %w", rec.ActivityID, err)
		}
		a := p.toModel()
		if err := decrementLevel(a, rec.ResultLevel); err != nil {
			return fmt.Errorf("level %s: %w", rec.ResultLevel, err)
		}

		if err := setJSON(txn, activityKey(a.ID), persist(a)); err != nil {
			return err
		}
		if err := setJSON(txn, drawKey(rec.ActivityID, rec.TicketNumber), rec); err != nil {
			return err
		}
		if rec.RequestKey != "" {
			ticket := []byte(strconv.FormatInt(rec.TicketNumber, 10))
			if err := txn.Set(requestKey(rec.ActivityID, rec.RequestKey), ticket); err != nil {
				return err
			}
		}
		return txn.Set(lastTicketKey(rec.ActivityID), []byte(strconv.FormatInt(rec.TicketNumber, 10)))
	})
}

func readLastTicket(txn *badger.Txn, activityID string) (int64, error) {
	item, err := txn.Get(lastTicketKey(activityID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var last int64
	err = item.Value(func(val []byte) error {
		last, err = strconv.ParseInt(string(val), 10, 64)
		return err
	})
	return last, err
}

func (s *BadgerStore) LastTicket(_ context.Context, activityID string) (int64, error) {
	var last int64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		last, err = readLastTicket(txn, activityID)
		return err
	})
	return last, err
}

func (s *BadgerStore) GetDrawByRequestKey(_ context.Context, activityID, key string) (*model.DrawRecord, error) {
	var rec model.DrawRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(requestKey(activityID, key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		var ticket int64
		if err := item.Value(func(val []byte) error {
			ticket, err = strconv.ParseInt(string(val), 10, 64)
			return err
		}); err != nil {
			return err
		}
		return getJSON(txn, drawKey(activityID, ticket), &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("draw for key %s: %w", key, err)
	}
	return &rec, nil
}

// ListDraws relies on zero-padded ticket keys sorting in ticket order.
func (s *BadgerStore) ListDraws(_ context.Context, activityID string) ([]model.DrawRecord, error) {
	var records []model.DrawRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := drawPrefix(activityID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec model.DrawRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}
