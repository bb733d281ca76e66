package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kujibox/draw-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	activities map[string]*model.Activity
	draws      map[string][]model.DrawRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		activities: make(map[string]*model.Activity),
		draws:      make(map[string][]model.DrawRecord),
	}
}

func (s *MemoryStore) CreateActivity(_ context.Context, a *model.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.activities[a.ID]; ok {
		return fmt.Errorf("activity %s already exists: %w", a.ID, ErrConflict)
	}
	s.activities[a.ID] = cloneActivity(a)
	return nil
}

func (s *MemoryStore) GetActivity(_ context.Context, id string) (*model.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.activities[id]
	if !ok {
		return nil, fmt.Errorf("activity %s: %w", id, ErrNotFound)
	}
	return cloneActivity(a), nil
}

func (s *MemoryStore) ListActivities(_ context.Context) ([]model.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	activities := make([]model.Activity, 0, len(s.activities))
	for _, a := range s.activities {
		activities = append(activities, *cloneActivity(a))
	}
	sort.Slice(activities, func(i, j int) bool {
		return activities[i].CreatedAt.After(activities[j].CreatedAt)
	})
	return activities, nil
}

func (s *MemoryStore) ActivateActivity(_ context.Context, id string, sealedSeed []byte, commitment string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.activities[id]
	if !ok {
		return fmt.Errorf("activity %s: %w", id, ErrNotFound)
	}
	if a.CommitmentHash != "" {
		return ErrAlreadyCommitted
	}
	if a.Status != model.StatusPending {
		return ErrInvalidTransition
	}
	a.SealedSeed = append([]byte(nil), sealedSeed...)
	a.CommitmentHash = commitment
	a.Status = model.StatusActive
	a.StartedAt = &startedAt
	return nil
}

func (s *MemoryStore) UpdateProfitRate(_ context.Context, id string, rate decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.activities[id]
	if !ok {
		return fmt.Errorf("activity %s: %w", id, ErrNotFound)
	}
	a.ProfitRate = rate
	return nil
}

func (s *MemoryStore) EndActivity(_ context.Context, id string, revealedSeed string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.activities[id]
	if !ok {
		return fmt.Errorf("activity %s: %w", id, ErrNotFound)
	}
	if a.Status != model.StatusActive {
		return ErrInvalidTransition
	}
	a.Status = model.StatusEnded
	a.Seed = revealedSeed
	a.EndedAt = &endedAt
	return nil
}

func (s *MemoryStore) HaltActivity(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.activities[id]
	if !ok {
		return fmt.Errorf("activity %s: %w", id, ErrNotFound)
	}
	a.HaltedReason = reason
	return nil
}

func (s *MemoryStore) CommitDraw(_ context.Context, rec *model.DrawRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.activities[rec.ActivityID]
	if !ok {
		return fmt.Errorf("activity %s: %w", rec.ActivityID, ErrNotFound)
	}

	draws := s.draws[rec.ActivityID]
	if rec.TicketNumber != int64(len(draws))+1 {
		return fmt.Errorf("ticket %d: %w", rec.TicketNumber, ErrConflict)
	}
	if rec.RequestKey != "" {
		for _, d := range draws {
			if d.RequestKey == rec.RequestKey {
				return fmt.Errorf("request key %s: %w", rec.RequestKey, ErrConflict)
			}
		}
	}

	// Decrement on a copy so a depleted level leaves no partial write.
	next := cloneActivity(a)
	if err := decrementLevel(next, rec.ResultLevel); err != nil {
		return fmt.Errorf("level %s: %w", rec.ResultLevel, err)
	}
	s.activities[rec.ActivityID] = next
	s.draws[rec.ActivityID] = append(draws, *rec)
	return nil
}

func (s *MemoryStore) LastTicket(_ context.Context, activityID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.draws[activityID])), nil
}

func (s *MemoryStore) GetDrawByRequestKey(_ context.Context, activityID, requestKey string) (*model.DrawRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.draws[activityID] {
		if d.RequestKey == requestKey {
			rec := d
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("draw for key %s: %w", requestKey, ErrNotFound)
}

func (s *MemoryStore) ListDraws(_ context.Context, activityID string) ([]model.DrawRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.DrawRecord(nil), s.draws[activityID]...), nil
}

// TamperDraw overwrites a stored result. It exists so tests can simulate a
// ledger that was altered after the fact; production stores have no such
// operation.
func (s *MemoryStore) TamperDraw(activityID string, ticket int64, level string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.draws[activityID] {
		if s.draws[activityID][i].TicketNumber == ticket {
			s.draws[activityID][i].ResultLevel = level
		}
	}
}
