// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GoogleCloudPlatform/slo-recommender/pkg/sli"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS slo_recommendations (
		id            UUID PRIMARY KEY,
		service_id    UUID NOT NULL,
		sli_type      TEXT NOT NULL,
		metric        TEXT NOT NULL,
		tiers         JSONB NOT NULL,
		explanation   JSONB NOT NULL,
		data_quality  JSONB NOT NULL,
		window_start  TIMESTAMPTZ NOT NULL,
		window_end    TIMESTAMPTZ NOT NULL,
		generated_at  TIMESTAMPTZ NOT NULL,
		expires_at    TIMESTAMPTZ NOT NULL,
		status        TEXT NOT NULL,
		CHECK (window_start < window_end),
		CHECK (status IN ('active', 'superseded', 'expired'))
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS slo_recommendations_single_active
		ON slo_recommendations (service_id, sli_type) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS slo_recommendations_lookup
		ON slo_recommendations (service_id, sli_type, status)`,
	`CREATE INDEX IF NOT EXISTS slo_recommendations_expiry
		ON slo_recommendations (expires_at) WHERE status = 'active'`,
}

// PostgresRepository is the production Repository backed by a pgx pool.
// Supersede-then-save runs in a single transaction; the partial unique
// index on active rows backstops the single-active invariant.
type PostgresRepository struct {
	logger log.Logger
	pool   *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository wraps an existing pool. The caller owns the pool.
func NewPostgresRepository(logger log.Logger, pool *pgxpool.Pool) *PostgresRepository {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &PostgresRepository{logger: logger, pool: pool}
}

// EnsureSchema applies the recommendation DDL idempotently.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return classifyPgError(fmt.Errorf("apply schema: %w", err))
		}
	}
	return nil
}

func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Detail)
		case "23514": // check_violation
			return fmt.Errorf("%w: %s", ErrInvalidInput, pgErr.Message)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

const recommendationColumns = `id, service_id, sli_type, metric, tiers, explanation, data_quality,
	window_start, window_end, generated_at, expires_at, status`

func (r *PostgresRepository) GetActive(ctx context.Context, serviceID uuid.UUID, sliType sli.SLIType) ([]*Recommendation, error) {
	query := `SELECT ` + recommendationColumns + `
		FROM slo_recommendations WHERE service_id = $1 AND status = 'active'`
	args := []any{serviceID}
	if sliType != "" {
		query += ` AND sli_type = $2`
		args = append(args, sliType)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	var out []*Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, classifyPgError(err)
		}
		out = append(out, rec)
	}
	return out, classifyPgError(rows.Err())
}

func (r *PostgresRepository) Save(ctx context.Context, rec *Recommendation) (*Recommendation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer tx.Rollback(ctx)

	saved, err := saveTx(ctx, tx, rec)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classifyPgError(err)
	}
	return saved, nil
}

func saveTx(ctx context.Context, tx pgx.Tx, rec *Recommendation) (*Recommendation, error) {
	stored := cloneRecommendation(rec)
	if err := stored.Validate(); err != nil {
		return nil, err
	}
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	tiers, err := json.Marshal(stored.Tiers)
	if err != nil {
		return nil, fmt.Errorf("encode tiers: %w", err)
	}
	explanation, err := json.Marshal(stored.Explanation)
	if err != nil {
		return nil, fmt.Errorf("encode explanation: %w", err)
	}
	quality, err := json.Marshal(stored.DataQuality)
	if err != nil {
		return nil, fmt.Errorf("encode data quality: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO slo_recommendations (`+recommendationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		stored.ID, stored.ServiceID, stored.SLIType, stored.Metric, tiers, explanation, quality,
		stored.WindowStart, stored.WindowEnd, stored.GeneratedAt, stored.ExpiresAt, stored.Status)
	if err != nil {
		return nil, classifyPgError(err)
	}
	return stored, nil
}

func (r *PostgresRepository) SaveBatch(ctx context.Context, recs []*Recommendation) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, classifyPgError(err)
	}
	defer tx.Rollback(ctx)

	saved := 0
	for _, rec := range recs {
		if _, err := saveTx(ctx, tx, rec); err != nil {
			return 0, err
		}
		saved++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, classifyPgError(err)
	}
	return saved, nil
}

func (r *PostgresRepository) SupersedeExisting(ctx context.Context, serviceID uuid.UUID, sliType sli.SLIType) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE slo_recommendations SET status = 'superseded'
		WHERE service_id = $1 AND sli_type = $2 AND status = 'active'`,
		serviceID, sliType)
	if err != nil {
		return 0, classifyPgError(err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepository) ReplaceActive(ctx context.Context, rec *Recommendation) (*Recommendation, error) {
	var lastErr error
	for attempt := 0; attempt < replaceRetries; attempt++ {
		saved, err := r.replaceOnce(ctx, rec)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		lastErr = err
		level.Warn(r.logger).Log(
			"msg", "conflicting active recommendation, retrying supersede-then-save",
			"service", rec.ServiceID, "sli", rec.SLIType, "attempt", attempt+1)
	}
	return nil, lastErr
}

func (r *PostgresRepository) replaceOnce(ctx context.Context, rec *Recommendation) (*Recommendation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE slo_recommendations SET status = 'superseded'
		WHERE service_id = $1 AND sli_type = $2 AND status = 'active'`,
		rec.ServiceID, rec.SLIType); err != nil {
		return nil, classifyPgError(err)
	}
	saved, err := saveTx(ctx, tx, rec)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classifyPgError(err)
	}
	return saved, nil
}

func (r *PostgresRepository) ExpireStale(ctx context.Context) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE slo_recommendations SET status = 'expired'
		WHERE status = 'active' AND expires_at < $1`, time.Now().UTC())
	if err != nil {
		return 0, classifyPgError(err)
	}
	return int(tag.RowsAffected()), nil
}

func scanRecommendation(row pgx.Row) (*Recommendation, error) {
	var (
		rec         Recommendation
		tiers       []byte
		explanation []byte
		quality     []byte
	)
	if err := row.Scan(&rec.ID, &rec.ServiceID, &rec.SLIType, &rec.Metric, &tiers, &explanation, &quality,
		&rec.WindowStart, &rec.WindowEnd, &rec.GeneratedAt, &rec.ExpiresAt, &rec.Status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tiers, &rec.Tiers); err != nil {
		return nil, fmt.Errorf("decode tiers: %w", err)
	}
	if err := json.Unmarshal(explanation, &rec.Explanation); err != nil {
		return nil, fmt.Errorf("decode explanation: %w", err)
	}
	if err := json.Unmarshal(quality, &rec.DataQuality); err != nil {
		return nil, fmt.Errorf("decode data quality: %w", err)
	}
	return &rec, nil
}
