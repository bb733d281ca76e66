// Package draw runs the sale-side draw state machine and the audit replay.
// Both compute outcomes through the same replay step, so a verifier that
// reproduces every recorded level proves the live draws followed the
// committed seed.
package draw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"github.com/kujibox/draw-engine/internal/events"
	"github.com/kujibox/draw-engine/internal/fairness"
	"github.com/kujibox/draw-engine/internal/inventory"
	"github.com/kujibox/draw-engine/internal/metrics"
	"github.com/kujibox/draw-engine/internal/model"
	"github.com/kujibox/draw-engine/internal/odds"
	"github.com/kujibox/draw-engine/internal/store"
)

var (
	// ErrNotActive is returned for an operation that needs an active activity.
	ErrNotActive = errors.New("draw: activity is not active")

	// ErrNotPending is returned when activating an activity that already left pending.
	ErrNotPending = errors.New("draw: activity is not pending")

	// ErrHalted is returned once an integrity failure stopped sales.
	ErrHalted = errors.New("draw: activity halted")

	// ErrAlreadyCommitted is returned when an activity already carries a commitment.
	ErrAlreadyCommitted = errors.New("draw: activity already committed")

	// ErrBusy is returned when commits kept losing ticket races until the
	// retry budget ran out. The request is safe to repeat with its key.
	ErrBusy = errors.New("draw: activity busy, retry the request")

	// ErrSeedNotRevealed is returned when verifying an activity whose seed
	// is still secret and no seed was supplied.
	ErrSeedNotRevealed = errors.New("draw: seed not revealed")
)

// Phase is the sale-side state of an activity.
type Phase string

const (
	PhasePending       Phase = "pending"
	PhaseActive        Phase = "active"
	PhaseAwaitingBonus Phase = "awaiting_bonus"
	PhaseEnded         Phase = "ended"
)

// PhaseOf derives the phase from persisted state.
func PhaseOf(a *model.Activity) Phase {
	switch a.Status {
	case model.StatusPending:
		return PhasePending
	case model.StatusEnded:
		return PhaseEnded
	}
	if inventory.FromRemaining(a.Levels).BonusOnly() {
		return PhaseAwaitingBonus
	}
	return PhaseActive
}

// Outcome is the result of one draw request. SoldOut is a normal result,
// not an error.
type Outcome struct {
	Record   *model.DrawRecord
	SoldOut  bool
	Replayed bool // the request key already had a record
	Phase    Phase
}

// RetryConfig bounds the retry of commits that lost a ticket race.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetry is used when a RetryConfig field is zero.
var DefaultRetry = RetryConfig{
	InitialInterval: 5 * time.Millisecond,
	MaxElapsedTime:  2 * time.Second,
}

// Sequencer serializes every mutation of an activity: activation, profit
// rate changes, draws and the reveal.
type Sequencer struct {
	store  store.Store
	sealer *fairness.Sealer
	events events.Publisher
	locks  *keyedMutex
	retry  RetryConfig
	now    func() time.Time
	commit func() (fairness.Seed, fairness.Commitment, error)
}

// NewSequencer creates a sequencer. pub may be nil.
func NewSequencer(st store.Store, sealer *fairness.Sealer, pub events.Publisher, retry RetryConfig) *Sequencer {
	if pub == nil {
		pub = events.Nop{}
	}
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = DefaultRetry.InitialInterval
	}
	if retry.MaxElapsedTime <= 0 {
		retry.MaxElapsedTime = DefaultRetry.MaxElapsedTime
	}
	return &Sequencer{
		store:  st,
		sealer: sealer,
		events: pub,
		locks:  newKeyedMutex(),
		retry:  retry,
		now:    time.Now,
		commit: fairness.Commit,
	}
}

// Activate generates the seed, seals it, publishes its commitment and opens
// sales.
func (s *Sequencer) Activate(ctx context.Context, activityID string) (*model.Activity, error) {
	unlock := s.locks.Lock(activityID)
	defer unlock()

	a, err := s.store.GetActivity(ctx, activityID)
	if err != nil {
		return nil, err
	}
	if a.CommitmentHash != "" {
		return nil, fmt.Errorf("activity %s: %w", activityID, ErrAlreadyCommitted)
	}
	if a.Status != model.StatusPending {
		return nil, fmt.Errorf("activity %s is %s: %w", activityID, a.Status, ErrNotPending)
	}

	seed, commitment, err := s.commit()
	if err != nil {
		return nil, err
	}
	sealed, err := s.sealer.Seal(a.ID, seed)
	if err != nil {
		return nil, err
	}

	err = s.store.ActivateActivity(ctx, a.ID, sealed, commitment.String(), s.now().UTC())
	switch {
	case errors.Is(err, store.ErrAlreadyCommitted):
		return nil, fmt.Errorf("activity %s: %w", activityID, ErrAlreadyCommitted)
	case errors.Is(err, store.ErrInvalidTransition):
		return nil, fmt.Errorf("activity %s: %w", activityID, ErrNotPending)
	case err != nil:
		return nil, fmt.Errorf("activate %s: %w", activityID, err)
	}

	metrics.ActiveActivities.Inc()
	slog.Info("activity activated", "activity_id", a.ID, "commitment_hash", commitment.String())
	s.publish(ctx, events.TypeActivityActivated, a.ID, map[string]string{
		"commitment_hash": commitment.String(),
	})

	return s.store.GetActivity(ctx, a.ID)
}

// SetProfitRate changes the adjuster input for subsequent draws. Earlier
// draws keep the rate they recorded.
func (s *Sequencer) SetProfitRate(ctx context.Context, activityID string, rate decimal.Decimal) error {
	if err := odds.ValidateProfitRate(rate); err != nil {
		return err
	}

	unlock := s.locks.Lock(activityID)
	defer unlock()

	a, err := s.store.GetActivity(ctx, activityID)
	if err != nil {
		return err
	}
	if a.Status != model.StatusActive {
		return fmt.Errorf("activity %s is %s: %w", activityID, a.Status, ErrNotActive)
	}
	if err := s.store.UpdateProfitRate(ctx, activityID, rate); err != nil {
		return fmt.Errorf("update profit rate %s: %w", activityID, err)
	}

	slog.Info("profit rate changed", "activity_id", activityID, "from", a.ProfitRate, "to", rate)
	s.publish(ctx, events.TypeProfitRateChanged, activityID, map[string]string{
		"profit_rate": rate.String(),
	})
	return nil
}

// Draw sells the next ticket. A non-empty requestKey makes the call
// idempotent: a retry with the same key returns the ticket already drawn.
func (s *Sequencer) Draw(ctx context.Context, activityID, requestKey string) (Outcome, error) {
	start := time.Now()
	unlock := s.locks.Lock(activityID)
	defer unlock()

	if requestKey != "" {
		rec, err := s.store.GetDrawByRequestKey(ctx, activityID, requestKey)
		if err == nil {
			metrics.DrawsTotal.WithLabelValues("replayed").Inc()
			return Outcome{Record: rec, Replayed: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return Outcome{}, err
		}
	}

	var (
		out    Outcome
		closes bool
		bonus  bool
		seed   fairness.Seed
	)
	attempt := func() error {
		a, err := s.store.GetActivity(ctx, activityID)
		if err != nil {
			return backoff.Permanent(err)
		}
		tr := inventory.FromRemaining(a.Levels)

		switch {
		case a.Status == model.StatusEnded && tr.Depleted():
			out = Outcome{SoldOut: true, Phase: PhaseEnded}
			return nil
		case a.Status != model.StatusActive:
			return backoff.Permanent(fmt.Errorf("activity %s is %s: %w", activityID, a.Status, ErrNotActive))
		case a.HaltedReason != "":
			return backoff.Permanent(fmt.Errorf("activity %s: %w: %s", activityID, ErrHalted, a.HaltedReason))
		}

		seed, err = s.sealer.Open(a.ID, a.SealedSeed)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("activity %s: %w", activityID, err))
		}
		last, err := s.store.LastTicket(ctx, activityID)
		if err != nil {
			return backoff.Permanent(err)
		}
		ticket := last + 1

		st, err := resolve(seed, ticket, a.ProfitRate, a.Levels, tr)
		if errors.Is(err, ErrInventoryExhausted) {
			out = Outcome{SoldOut: true, Phase: PhaseOf(a)}
			return nil
		}
		if err != nil {
			return backoff.Permanent(fmt.Errorf("ticket %d: %w", ticket, err))
		}
		if err := tr.Consume(st.Level); err != nil {
			return backoff.Permanent(err)
		}

		rec := &model.DrawRecord{
			ActivityID:         activityID,
			TicketNumber:       ticket,
			RequestKey:         requestKey,
			RecordedProfitRate: a.ProfitRate,
			ResultLevel:        st.Level,
			DerivedRandomValue: st.Value.Ratio,
			CreatedAt:          s.now().UTC(),
		}
		err = s.store.CommitDraw(ctx, rec)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrConflict):
			if requestKey != "" {
				if prior, lookupErr := s.store.GetDrawByRequestKey(ctx, activityID, requestKey); lookupErr == nil {
					out = Outcome{Record: prior, Replayed: true}
					return nil
				}
			}
			metrics.DrawConflictRetries.Inc()
			return err
		case errors.Is(err, store.ErrLevelDepleted):
			return backoff.Permanent(fmt.Errorf("ticket %d level %s: %w", ticket, st.Level, inventory.ErrInventoryUnderflow))
		default:
			return backoff.Permanent(fmt.Errorf("commit ticket %d: %w", ticket, err))
		}

		bonus = tr.IsBonus(st.Level)
		closes = tr.Depleted()
		phase := PhaseActive
		switch {
		case closes:
			phase = PhaseEnded
		case tr.BonusOnly():
			phase = PhaseAwaitingBonus
		}
		out = Outcome{Record: rec, Phase: phase}
		s.publish(ctx, events.TypeDrawCompleted, activityID, events.DrawCompleted{
			TicketNumber: ticket,
			PrizeLevel:   st.Level,
			Remaining:    tr.PoolRemaining(),
		})
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retry.InitialInterval
	bo.MaxElapsedTime = s.retry.MaxElapsedTime
	err := backoff.RetryNotify(attempt, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		slog.Debug("draw conflict, retrying", "activity_id", activityID, "next", next, "err", err)
	})
	if err != nil {
		metrics.DrawsTotal.WithLabelValues("error").Inc()
		switch {
		case errors.Is(err, inventory.ErrInventoryUnderflow):
			s.halt(ctx, activityID, err)
		case errors.Is(err, store.ErrConflict):
			err = fmt.Errorf("activity %s: %w", activityID, ErrBusy)
		}
		return Outcome{}, err
	}

	metrics.DrawLatency.Observe(time.Since(start).Seconds())
	switch {
	case out.SoldOut:
		metrics.DrawsTotal.WithLabelValues("sold_out").Inc()
		return out, nil
	case out.Replayed:
		metrics.DrawsTotal.WithLabelValues("replayed").Inc()
		return out, nil
	}

	rec := out.Record
	metrics.PrizesAwarded.WithLabelValues(activityID, rec.ResultLevel).Inc()
	if bonus {
		metrics.DrawsTotal.WithLabelValues("bonus").Inc()
	} else {
		metrics.DrawsTotal.WithLabelValues("prize").Inc()
	}
	slog.Info("draw committed",
		"activity_id", activityID,
		"ticket", rec.TicketNumber,
		"level", rec.ResultLevel,
		"profit_rate", rec.RecordedProfitRate,
	)

	if closes {
		if err := s.end(ctx, activityID, seed); err != nil {
			slog.Error("auto-end after sell-out failed", "activity_id", activityID, "err", err)
		}
	}
	return out, nil
}

// Reveal ends sales and discloses the seed. Calling it again after the end
// returns the same seed.
func (s *Sequencer) Reveal(ctx context.Context, activityID string) (fairness.Seed, error) {
	unlock := s.locks.Lock(activityID)
	defer unlock()

	a, err := s.store.GetActivity(ctx, activityID)
	if err != nil {
		return fairness.Seed{}, err
	}

	switch a.Status {
	case model.StatusEnded:
		return fairness.ParseSeed(a.Seed)
	case model.StatusActive:
		seed, err := s.sealer.Open(a.ID, a.SealedSeed)
		if err != nil {
			return fairness.Seed{}, fmt.Errorf("activity %s: %w", activityID, err)
		}
		if err := s.end(ctx, activityID, seed); err != nil {
			return fairness.Seed{}, err
		}
		return seed, nil
	default:
		return fairness.Seed{}, fmt.Errorf("activity %s is %s: %w", activityID, a.Status, ErrNotActive)
	}
}

// end must be called with the activity lock held.
func (s *Sequencer) end(ctx context.Context, activityID string, seed fairness.Seed) error {
	if err := s.store.EndActivity(ctx, activityID, seed.String(), s.now().UTC()); err != nil {
		return fmt.Errorf("end %s: %w", activityID, err)
	}
	metrics.ActiveActivities.Dec()
	slog.Info("activity ended", "activity_id", activityID)
	s.publish(ctx, events.TypeActivityEnded, activityID, map[string]string{
		"seed": seed.String(),
	})
	return nil
}

func (s *Sequencer) halt(ctx context.Context, activityID string, cause error) {
	slog.Error("inventory underflow, halting sales", "activity_id", activityID, "err", cause)
	metrics.ActivitiesHalted.Inc()
	if err := s.store.HaltActivity(ctx, activityID, cause.Error()); err != nil {
		slog.Error("halt failed", "activity_id", activityID, "err", err)
		return
	}
	s.publish(ctx, events.TypeActivityHalted, activityID, map[string]string{
		"reason": cause.Error(),
	})
}

func (s *Sequencer) publish(ctx context.Context, typ, activityID string, data any) {
	e := events.Event{Type: typ, ActivityID: activityID, Data: data, Time: s.now().UTC()}
	if err := s.events.Publish(ctx, e); err != nil {
		slog.Warn("event publish failed", "type", typ, "activity_id", activityID, "err", err)
	}
}
