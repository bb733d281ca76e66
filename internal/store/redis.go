package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/kujibox/draw-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Draw ledgers of ended activities are immutable and cached as well.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateActivity(ctx context.Context, a *model.Activity) error {
	if err := s.primary.CreateActivity(ctx, a); err != nil {
		return err
	}
	s.cacheActivity(ctx, a)
	return nil
}

func (s *CachedStore) ActivateActivity(ctx context.Context, id string, sealedSeed []byte, commitment string, startedAt time.Time) error {
	defer s.invalidate(ctx, id)
	return s.primary.ActivateActivity(ctx, id, sealedSeed, commitment, startedAt)
}

func (s *CachedStore) UpdateProfitRate(ctx context.Context, id string, rate decimal.Decimal) error {
	defer s.invalidate(ctx, id)
	return s.primary.UpdateProfitRate(ctx, id, rate)
}

func (s *CachedStore) EndActivity(ctx context.Context, id string, revealedSeed string, endedAt time.Time) error {
	defer s.invalidate(ctx, id)
	return s.primary.EndActivity(ctx, id, revealedSeed, endedAt)
}

func (s *CachedStore) HaltActivity(ctx context.Context, id string, reason string) error {
	defer s.invalidate(ctx, id)
	return s.primary.HaltActivity(ctx, id, reason)
}

// CommitDraw invalidates even on failure: a conflict means another writer
// changed the activity and the cached copy is stale.
func (s *CachedStore) CommitDraw(ctx context.Context, rec *model.DrawRecord) error {
	defer s.invalidate(ctx, rec.ActivityID)
	return s.primary.CommitDraw(ctx, rec)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetActivity(ctx context.Context, id string) (*model.Activity, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, activityCacheKey(id)).Bytes()
	if err == nil {
		var p persistedActivity
		if json.Unmarshal(data, &p) == nil {
			return p.toModel(), nil
		}
	}

	// Cache miss: read from primary.
	a, err := s.primary.GetActivity(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheActivity(ctx, a)
	return a, nil
}

func (s *CachedStore) ListDraws(ctx context.Context, activityID string) ([]model.DrawRecord, error) {
	data, err := s.rdb.Get(ctx, drawsCacheKey(activityID)).Bytes()
	if err == nil {
		var records []model.DrawRecord
		if json.Unmarshal(data, &records) == nil {
			return records, nil
		}
	}

	records, err := s.primary.ListDraws(ctx, activityID)
	if err != nil {
		return nil, err
	}

	// Only an ended activity's ledger is final.
	if a, err := s.GetActivity(ctx, activityID); err == nil && a.Status == model.StatusEnded {
		if data, err := json.Marshal(records); err == nil {
			s.rdb.Set(ctx, drawsCacheKey(activityID), data, s.ttl)
		}
	}
	return records, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListActivities(ctx context.Context) ([]model.Activity, error) {
	return s.primary.ListActivities(ctx)
}

func (s *CachedStore) LastTicket(ctx context.Context, activityID string) (int64, error) {
	return s.primary.LastTicket(ctx, activityID)
}

func (s *CachedStore) GetDrawByRequestKey(ctx context.Context, activityID, requestKey string) (*model.DrawRecord, error) {
	return s.primary.GetDrawByRequestKey(ctx, activityID, requestKey)
}

// --- Cache helpers ---

func (s *CachedStore) cacheActivity(ctx context.Context, a *model.Activity) {
	if data, err := json.Marshal(persist(a)); err == nil {
		s.rdb.Set(ctx, activityCacheKey(a.ID), data, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, id string) {
	s.rdb.Del(ctx, activityCacheKey(id), drawsCacheKey(id))
}

func activityCacheKey(id string) string { return fmt.Sprintf("activity:%s", id) }
func drawsCacheKey(id string) string { return fmt.Sprintf("draws:%s", id) }
