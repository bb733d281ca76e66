package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kujibox/draw-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const pgUniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Probabilities and rates are stored as NUMERIC so replays read back the
// exact decimals the draw used.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	for _, e := range entries {
		sql, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		if _, err := s.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateActivity(ctx context.Context, a *model.Activity) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO activities (id, name, status, major_codes, profit_rate, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)`,
		a.ID, a.Name, string(a.Status), a.MajorCodes, a.ProfitRate.String(), a.CreatedAt,
	)
	if err != nil {
		return mapPgError(fmt.Errorf("insert activity %s: %w", a.ID, err))
	}

	for i, l := range a.Levels {
		_, err = tx.Exec(ctx,
			`INSERT INTO prize_levels (activity_id, position, code, name, total, remaining, base_probability, is_major, is_bonus)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9)`,
			a.ID, i, l.Code, l.Name, l.Total, l.Remaining, l.BaseProbability.String(), l.IsMajor, l.IsBonus,
		)
		if err != nil {
			return mapPgError(fmt.Errorf("insert level %s: %w", l.Code, err))
		}
	}
	return tx.Commit(ctx)
}

const activityColumns = `id, name, status, major_codes, sealed_seed, revealed_seed, commitment_hash,
	profit_rate::TEXT, halted_reason, created_at, started_at, ended_at`

func scanActivity(row pgx.Row) (*model.Activity, error) {
	var a model.Activity
	var status, rate string
	if err := row.Scan(&a.ID, &a.Name, &status, &a.MajorCodes, &a.SealedSeed, &a.Seed, &a.CommitmentHash,
		&rate, &a.HaltedReason, &a.CreatedAt, &a.StartedAt, &a.EndedAt); err != nil {
		return nil, err
	}
	a.Status = model.Status(status)
	a.ProfitRate, _ = decimal.NewFromString(rate)
	return &a, nil
}

func (s *PostgresStore) loadLevels(ctx context.Context, q pgxQuerier, a *model.Activity) error {
	rows, err := q.Query(ctx,
		`SELECT code, name, total, remaining, base_probability::TEXT, is_major, is_bonus
		 FROM prize_levels WHERE activity_id = $1 ORDER BY position`, a.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	a.Levels = nil
	for rows.Next() {
		var l model.PrizeLevel
		var prob string
		if err := rows.Scan(&l.Code, &l.Name, &l.Total, &l.Remaining, &prob, &l.IsMajor, &l.IsBonus); err != nil {
			return err
		}
		l.BaseProbability, _ = decimal.NewFromString(prob)
		a.Levels = append(a.Levels, l)
	}
	return rows.Err()
}

func (s *PostgresStore) GetActivity(ctx context.Context, id string) (*model.Activity, error) {
	a, err := scanActivity(s.pool.QueryRow(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("activity %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get activity %s: %w", id, err)
	}
	if err := s.loadLevels(ctx, s.pool, a); err != nil {
		return nil, fmt.Errorf("get levels %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) ListActivities(ctx context.Context) ([]model.Activity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+activityColumns+` FROM activities ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	var activities []model.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		activities = append(activities, *a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range activities {
		if err := s.loadLevels(ctx, s.pool, &activities[i]); err != nil {
			return nil, err
		}
	}
	return activities, nil
}

func (s *PostgresStore) ActivateActivity(ctx context.Context, id string, sealedSeed []byte, commitment string, startedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE activities
		 SET sealed_seed = $2, commitment_hash = $3, status = $4, started_at = $5
		 WHERE id = $1 AND status = $6 AND commitment_hash = ''`,
		id, sealedSeed, commitment, string(model.StatusActive), startedAt, string(model.StatusPending),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.explainMiss(ctx, id, func(a *model.Activity) error {
		if a.CommitmentHash != "" {
			return ErrAlreadyCommitted
		}
		return ErrInvalidTransition
	})
}

func (s *PostgresStore) UpdateProfitRate(ctx context.Context, id string, rate decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE activities SET profit_rate = $2::NUMERIC WHERE id = $1`, id, rate.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("activity %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) EndActivity(ctx context.Context, id string, revealedSeed string, endedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE activities SET status = $2, revealed_seed = $3, ended_at = $4
		 WHERE id = $1 AND status = $5`,
		id, string(model.StatusEnded), revealedSeed, endedAt, string(model.StatusActive),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.explainMiss(ctx, id, func(*model.Activity) error { return ErrInvalidTransition })
}

func (s *PostgresStore) HaltActivity(ctx context.Context, id string, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE activities SET halted_reason = $2 WHERE id = $1`, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("activity %s: %w", id, ErrNotFound)
	}
	return nil
}

// CommitDraw inserts the draw and decrements the level in one transaction.
// The insert only succeeds when the ticket is the next one; a concurrent
// writer that took the same ticket trips the primary key instead.
func (s *PostgresStore) CommitDraw(ctx context.Context, rec *model.DrawRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var requestKey *string
	if rec.RequestKey != "" {
		requestKey = &rec.RequestKey
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO draws (activity_id, ticket_number, request_key, recorded_profit_rate, result_level, derived_random_value, created_at)
		 SELECT $1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, $7
		 WHERE (SELECT COALESCE(MAX(ticket_number), 0) FROM draws WHERE activity_id = $1) = $2 - 1`,
		rec.ActivityID, rec.TicketNumber, requestKey,
		rec.RecordedProfitRate.String(), rec.ResultLevel, rec.DerivedRandomValue.String(),
		rec.CreatedAt,
	)
	if err != nil {
		return mapPgError(fmt.Errorf("insert draw %d: %w", rec.TicketNumber, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ticket %d: %w", rec.TicketNumber, ErrConflict)
	}

	tag, err = tx.Exec(ctx,
		`UPDATE prize_levels SET remaining = remaining - 1
		 WHERE activity_id = $1 AND code = $2 AND remaining > 0`,
		rec.ActivityID, rec.ResultLevel,
	)
	if err != nil {
		return fmt.Errorf("decrement level %s: %w", rec.ResultLevel, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("level %s: %w", rec.ResultLevel, ErrLevelDepleted)
	}

	return mapPgError(tx.Commit(ctx))
}

func (s *PostgresStore) LastTicket(ctx context.Context, activityID string) (int64, error) {
	var last int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(ticket_number), 0) FROM draws WHERE activity_id = $1`, activityID).
		Scan(&last)
	return last, err
}

const drawColumns = `activity_id, ticket_number, COALESCE(request_key, ''),
	recorded_profit_rate::TEXT, result_level, derived_random_value::TEXT, created_at`

func (s *PostgresStore) GetDrawByRequestKey(ctx context.Context, activityID, requestKey string) (*model.DrawRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+drawColumns+` FROM draws WHERE activity_id = $1 AND request_key = $2`,
		activityID, requestKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records, err := scanDraws(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("draw for key %s: %w", requestKey, ErrNotFound)
	}
	return &records[0], nil
}

func (s *PostgresStore) ListDraws(ctx context.Context, activityID string) ([]model.DrawRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+drawColumns+` FROM draws WHERE activity_id = $1 ORDER BY ticket_number`, activityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDraws(rows)
}

// explainMiss turns a zero-row conditional update into a precise error.
func (s *PostgresStore) explainMiss(ctx context.Context, id string, why func(*model.Activity) error) error {
	a, err := scanActivity(s.pool.QueryRow(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("activity %s: %w", id, ErrNotFound)
		}
		return err
	}
	return why(a)
}

// mapPgError converts unique violations into ErrConflict.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrConflict)
	}
	return err
}

// pgxQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// pgxRows reads draw rows into records.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanDraws(rows pgxRows) ([]model.DrawRecord, error) {
	var records []model.DrawRecord
	for rows.Next() {
		var r model.DrawRecord
		var rateS, valueS string

		if err := rows.Scan(&r.ActivityID, &r.TicketNumber, &r.RequestKey,
			&rateS, &r.ResultLevel, &valueS, &r.CreatedAt); err != nil {
			return nil, err
		}

		r.RecordedProfitRate, _ = decimal.NewFromString(rateS)
		r.DerivedRandomValue, _ = decimal.NewFromString(valueS)

		records = append(records, r)
	}
	return records, rows.Err()
}
