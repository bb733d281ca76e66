// Package store defines the persistence interface for the draw engine.
// Implementations include PostgreSQL (source of truth), Badger (embedded,
// single node), Redis (read-through cache) and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kujibox/draw-engine/internal/model"
)

var (
	// ErrNotFound is returned when an activity or draw does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict signals a concurrent modification: the ticket was taken,
	// the ticket is not the next one, or the request key was already used.
	// Callers re-read state and retry.
	ErrConflict = errors.New("store: concurrent modification")

	// ErrAlreadyCommitted is returned when activating an activity that
	// already carries a commitment.
	ErrAlreadyCommitted = errors.New("store: activity already committed")

	// ErrInvalidTransition is returned for a status change the activity's
	// current status does not allow.
	ErrInvalidTransition = errors.New("store: invalid status transition")

	// ErrLevelDepleted is returned when a draw would take a level below zero.
	ErrLevelDepleted = errors.New("store: prize level depleted")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Activity operations ---

	// CreateActivity persists a new pending activity with its levels.
	CreateActivity(ctx context.Context, activity *model.Activity) error

	// GetActivity retrieves an activity, including its sealed seed.
	GetActivity(ctx context.Context, id string) (*model.Activity, error)

	// ListActivities returns all activities, newest first.
	ListActivities(ctx context.Context) ([]model.Activity, error)

	// ActivateActivity moves a pending activity to active, storing the
	// sealed seed and publishing the commitment in the same write.
	ActivateActivity(ctx context.Context, id string, sealedSeed []byte, commitment string, startedAt time.Time) error

	// UpdateProfitRate sets the adjuster input used by subsequent draws.
	UpdateProfitRate(ctx context.Context, id string, rate decimal.Decimal) error

	// EndActivity moves an active activity to ended and stores the revealed seed.
	EndActivity(ctx context.Context, id string, revealedSeed string, endedAt time.Time) error

	// HaltActivity stops sales after an integrity failure.
	HaltActivity(ctx context.Context, id string, reason string) error

	// --- Immutable draw ledger ---

	// CommitDraw appends a draw and decrements its level in one atomic
	// unit. The ticket must be exactly the last ticket + 1.
	CommitDraw(ctx context.Context, record *model.DrawRecord) error

	// LastTicket returns the highest ticket number, or 0 before any draw.
	LastTicket(ctx context.Context, activityID string) (int64, error)

	// GetDrawByRequestKey returns the draw recorded under an idempotency key.
	GetDrawByRequestKey(ctx context.Context, activityID, requestKey string) (*model.DrawRecord, error)

	// ListDraws returns all draws of an activity in ticket-ascending order.
	ListDraws(ctx context.Context, activityID string) ([]model.DrawRecord, error)
}

// cloneActivity deep-copies an activity so stored state is never aliased.
func cloneActivity(a *model.Activity) *model.Activity {
	c := *a
	c.Levels = append([]model.PrizeLevel(nil), a.Levels...)
	c.MajorCodes = append([]string(nil), a.MajorCodes...)
	c.SealedSeed = append([]byte(nil), a.SealedSeed...)
	if a.StartedAt != nil {
		t := *a.StartedAt
		c.StartedAt = &t
	}
	if a.EndedAt != nil {
		t := *a.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// decrementLevel applies one draw to an activity's levels.
func decrementLevel(a *model.Activity, code string) error {
	for i := range a.Levels {
		if a.Levels[i].Code != code {
			continue
		}
		if a.Levels[i].Remaining <= 0 {
			return ErrLevelDepleted
		}
		a.Levels[i].Remaining--
		return nil
	}
	return ErrLevelDepleted
}
