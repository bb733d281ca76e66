// Package activity provides the HTTP handlers for creating activities,
// selling draws, revealing seeds and verifying results.
//
// The seed and the derived random values of an activity stay hidden while
// it is on sale; they are only served once it has ended.
package activity

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kujibox/draw-engine/internal/catalog"
	"github.com/kujibox/draw-engine/internal/draw"
	"github.com/kujibox/draw-engine/internal/events"
	"github.com/kujibox/draw-engine/internal/fairness"
	"github.com/kujibox/draw-engine/internal/inventory"
	"github.com/kujibox/draw-engine/internal/model"
	"github.com/kujibox/draw-engine/internal/odds"
	"github.com/kujibox/draw-engine/internal/store"
)

// IdempotencyHeader carries the caller's request key on draw requests.
const IdempotencyHeader = "Idempotency-Key"

const maxBodyBytes = 1 << 20

// Service handles activity operations.
type Service struct {
	store    store.Store
	seq      *draw.Sequencer
	verifier *draw.Verifier
	events   events.Publisher
}

// NewService creates a new activity service. pub may be nil.
func NewService(st store.Store, seq *draw.Sequencer, verifier *draw.Verifier, pub events.Publisher) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{
		store:    st,
		seq:      seq,
		verifier: verifier,
		events:   pub,
	}
}

// Routes registers the activity endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/activities", s.ListActivities)
	r.Post("/activities", s.CreateActivity)
	r.Get("/activities/{activityID}", s.GetActivity)
	r.Post("/activities/{activityID}/activate", s.Activate)
	r.Put("/activities/{activityID}/profit-rate", s.SetProfitRate)
	r.Post("/activities/{activityID}/draws", s.Draw)
	r.Get("/activities/{activityID}/draws", s.ListDraws)
	r.Post("/activities/{activityID}/reveal", s.Reveal)
	r.Get("/activities/{activityID}/verify", s.Verify)
}

// --- Request/Response types ---

// ActivityResponse is an activity with its derived sale phase.
type ActivityResponse struct {
	*model.Activity
	Phase         draw.Phase `json:"phase"`
	PoolRemaining int        `json:"pool_remaining"`
}

// ProfitRateRequest is the JSON body for PUT /profit-rate.
type ProfitRateRequest struct {
	ProfitRate *decimal.Decimal `json:"profit_rate"`
}

// DrawResponse is the JSON body returned from POST /draws. It never
// carries the random value.
type DrawResponse struct {
	TicketNumber int64      `json:"ticket_number"`
	PrizeLevel   string     `json:"prize_level"`
	Phase        draw.Phase `json:"phase,omitempty"`
	Replayed     bool       `json:"replayed,omitempty"`
}

// SoldOutResponse is returned with 409 when nothing is left to draw.
type SoldOutResponse struct {
	SoldOut bool   `json:"sold_out"`
	Error   string `json:"error"`
}

// DrawView is a ledger entry as served to clients.
type DrawView struct {
	TicketNumber       int64            `json:"ticket_number"`
	PrizeLevel         string           `json:"prize_level"`
	RecordedProfitRate decimal.Decimal  `json:"recorded_profit_rate"`
	DerivedRandomValue *decimal.Decimal `json:"derived_random_value,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

// RevealResponse is the JSON body returned from POST /reveal.
type RevealResponse struct {
	Seed           string `json:"seed"`
	CommitmentHash string `json:"commitment_hash"`
}

func activityResponse(a *model.Activity) ActivityResponse {
	return ActivityResponse{
		Activity:      a,
		Phase:         draw.PhaseOf(a),
		PoolRemaining: a.PoolRemaining(),
	}
}

// --- HTTP Handlers ---

// CreateActivity handles POST /api/v1/activities
func (s *Service) CreateActivity(w http.ResponseWriter, r *http.Request) {
	var req catalog.CreateActivityRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	a, err := catalog.BuildActivity(uuid.New().String(), req, time.Now())
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if err := s.store.CreateActivity(ctx, a); err != nil {
		s.fail(w, "create activity", err)
		return
	}

	slog.Info("activity created",
		"activity_id", a.ID,
		"name", a.Name,
		"levels", len(a.Levels),
		"pool", a.PoolRemaining(),
	)
	if err := s.events.Publish(ctx, events.Event{
		Type:       events.TypeActivityCreated,
		ActivityID: a.ID,
		Time:       a.CreatedAt,
	}); err != nil {
		slog.Warn("event publish failed", "type", events.TypeActivityCreated, "err", err)
	}

	writeJSON(w, http.StatusCreated, activityResponse(a))
}

// ListActivities handles GET /api/v1/activities
// Optionally filtered by ?status=pending|active|ended.
func (s *Service) ListActivities(w http.ResponseWriter, r *http.Request) {
	activities, err := s.store.ListActivities(r.Context())
	if err != nil {
		s.fail(w, "list activities", err)
		return
	}

	status := model.Status(r.URL.Query().Get("status"))
	out := make([]ActivityResponse, 0, len(activities))
	for i := range activities {
		if status != "" && activities[i].Status != status {
			continue
		}
		out = append(out, activityResponse(&activities[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetActivity handles GET /api/v1/activities/{activityID}
func (s *Service) GetActivity(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetActivity(r.Context(), chi.URLParam(r, "activityID"))
	if err != nil {
		s.fail(w, "get activity", err)
		return
	}
	writeJSON(w, http.StatusOK, activityResponse(a))
}

// Activate handles POST /api/v1/activities/{activityID}/activate
// Commits to a fresh seed and opens sales.
func (s *Service) Activate(w http.ResponseWriter, r *http.Request) {
	a, err := s.seq.Activate(r.Context(), chi.URLParam(r, "activityID"))
	if err != nil {
		s.fail(w, "activate", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"commitment_hash": a.CommitmentHash})
}

// SetProfitRate handles PUT /api/v1/activities/{activityID}/profit-rate
func (s *Service) SetProfitRate(w http.ResponseWriter, r *http.Request) {
	var req ProfitRateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ProfitRate == nil {
		writeError(w, "profit_rate is required", http.StatusBadRequest)
		return
	}

	if err := s.seq.SetProfitRate(r.Context(), chi.URLParam(r, "activityID"), *req.ProfitRate); err != nil {
		s.fail(w, "set profit rate", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"profit_rate": *req.ProfitRate})
}

// Draw handles POST /api/v1/activities/{activityID}/draws
// A repeated Idempotency-Key returns the original ticket.
func (s *Service) Draw(w http.ResponseWriter, r *http.Request) {
	out, err := s.seq.Draw(r.Context(), chi.URLParam(r, "activityID"), r.Header.Get(IdempotencyHeader))
	if err != nil {
		s.fail(w, "draw", err)
		return
	}
	if out.SoldOut {
		writeJSON(w, http.StatusConflict, SoldOutResponse{SoldOut: true, Error: "activity is sold out"})
		return
	}

	status := http.StatusCreated
	if out.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, DrawResponse{
		TicketNumber: out.Record.TicketNumber,
		PrizeLevel:   out.Record.ResultLevel,
		Phase:        out.Phase,
		Replayed:     out.Replayed,
	})
}

// ListDraws handles GET /api/v1/activities/{activityID}/draws
// Random values are included only after the activity has ended.
func (s *Service) ListDraws(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	activityID := chi.URLParam(r, "activityID")

	a, err := s.store.GetActivity(ctx, activityID)
	if err != nil {
		s.fail(w, "get activity", err)
		return
	}
	records, err := s.store.ListDraws(ctx, activityID)
	if err != nil {
		s.fail(w, "list draws", err)
		return
	}

	ended := a.Status == model.StatusEnded
	views := make([]DrawView, len(records))
	for i, rec := range records {
		views[i] = DrawView{
			TicketNumber:       rec.TicketNumber,
			PrizeLevel:         rec.ResultLevel,
			RecordedProfitRate: rec.RecordedProfitRate,
			CreatedAt:          rec.CreatedAt,
		}
		if ended {
			v := rec.DerivedRandomValue
			views[i].DerivedRandomValue = &v
		}
	}
	writeJSON(w, http.StatusOK, views)
}

// Reveal handles POST /api/v1/activities/{activityID}/reveal
// Ends sales if still active and returns the seed.
func (s *Service) Reveal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	activityID := chi.URLParam(r, "activityID")

	seed, err := s.seq.Reveal(ctx, activityID)
	if err != nil {
		s.fail(w, "reveal", err)
		return
	}
	a, err := s.store.GetActivity(ctx, activityID)
	if err != nil {
		s.fail(w, "get activity", err)
		return
	}
	writeJSON(w, http.StatusOK, RevealResponse{Seed: seed.String(), CommitmentHash: a.CommitmentHash})
}

// Verify handles GET /api/v1/activities/{activityID}/verify
// ?seed=<hex> checks a candidate seed instead of the revealed one.
func (s *Service) Verify(w http.ResponseWriter, r *http.Request) {
	report, err := s.verifier.VerifyActivity(r.Context(), chi.URLParam(r, "activityID"), r.URL.Query().Get("seed"))
	if err != nil {
		s.fail(w, "verify", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Error mapping ---

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, odds.ErrInvalidProfitRate),
		errors.Is(err, odds.ErrProbabilitySumInvalid),
		errors.Is(err, fairness.ErrInvalidSeedFormat),
		errors.Is(err, catalog.ErrInvalidActivity),
		errors.Is(err, catalog.ErrInvalidCode),
		errors.Is(err, catalog.ErrDuplicateCode),
		errors.Is(err, catalog.ErrUnknownMajor):
		return http.StatusBadRequest
	case errors.Is(err, draw.ErrNotActive),
		errors.Is(err, draw.ErrNotPending),
		errors.Is(err, draw.ErrHalted),
		errors.Is(err, draw.ErrAlreadyCommitted),
		errors.Is(err, draw.ErrSeedNotRevealed),
		errors.Is(err, inventory.ErrInventoryUnderflow),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, draw.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Internal failures are logged and
// their details withheld.
func (s *Service) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error(op+" failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
