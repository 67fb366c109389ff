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

package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the production Store and AlertStore backed by a pgx
// connection pool. The pool should be sized for the batch orchestrator's
// concurrency (see pkg/recommend).
type PostgresStore struct {
	logger log.Logger
	pool   *pgxpool.Pool
}

var (
	_ Store      = (*PostgresStore)(nil)
	_ AlertStore = (*PostgresStore)(nil)
)

// NewPostgresStore wraps an existing pool. The caller owns the pool.
func NewPostgresStore(logger log.Logger, pool *pgxpool.Pool) *PostgresStore {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &PostgresStore{logger: logger, pool: pool}
}

// EnsureSchema applies the graph DDL idempotently.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return classifyPgError(fmt.Errorf("apply schema: %w", err))
		}
	}
	return nil
}

// classifyPgError maps driver errors onto the store's error kinds so callers
// can branch on errors.Is without importing pgx.
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

func (s *PostgresStore) UpsertServices(ctx context.Context, batch []*Service) ([]*Service, error) {
	for _, svc := range batch {
		if err := svc.Validate(); err != nil {
			return nil, err
		}
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer tx.Rollback(ctx)

	out := make([]*Service, 0, len(batch))
	now := time.Now().UTC()
	for _, svc := range batch {
		id := svc.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		meta := svc.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		row := tx.QueryRow(ctx, `
			INSERT INTO services (id, business_id, criticality, team, service_type, published_sla, metadata, discovered, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $8)
			ON CONFLICT (business_id) DO UPDATE SET
				criticality   = EXCLUDED.criticality,
				team          = EXCLUDED.team,
				service_type  = EXCLUDED.service_type,
				published_sla = EXCLUDED.published_sla,
				metadata      = EXCLUDED.metadata,
				discovered    = FALSE,
				updated_at    = EXCLUDED.updated_at
			RETURNING id, business_id, criticality, team, service_type, published_sla, metadata, discovered, created_at, updated_at`,
			id, svc.BusinessID, svc.Criticality, svc.Team, svc.Type, svc.PublishedSLA, meta, now)
		stored, err := scanService(row)
		if err != nil {
			return nil, classifyPgError(err)
		}
		out = append(out, stored)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classifyPgError(err)
	}
	return out, nil
}

func (s *PostgresStore) UpsertDependencies(ctx context.Context, batch []*DependencyUpsert) ([]*Dependency, error) {
	for _, dep := range batch {
		if err := dep.Validate(); err != nil {
			return nil, err
		}
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer tx.Rollback(ctx)

	out := make([]*Dependency, 0, len(batch))
	now := time.Now().UTC()
	for _, dep := range batch {
		srcID, err := resolveOrDiscoverTx(ctx, tx, dep.Source, now)
		if err != nil {
			return nil, err
		}
		dstID, err := resolveOrDiscoverTx(ctx, tx, dep.Target, now)
		if err != nil {
			return nil, err
		}
		row := tx.QueryRow(ctx, `
			INSERT INTO service_dependencies (source_id, target_id, mode, criticality, protocol, timeout_ms, retry_config, discovery_source, confidence, last_observed_at, is_stale)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE)
			ON CONFLICT (source_id, target_id, discovery_source) DO UPDATE SET
				mode             = EXCLUDED.mode,
				criticality      = EXCLUDED.criticality,
				protocol         = EXCLUDED.protocol,
				timeout_ms       = EXCLUDED.timeout_ms,
				retry_config     = EXCLUDED.retry_config,
				confidence       = EXCLUDED.confidence,
				last_observed_at = EXCLUDED.last_observed_at,
				is_stale         = FALSE
			RETURNING source_id, target_id, mode, criticality, protocol, timeout_ms, retry_config, discovery_source, confidence, last_observed_at, is_stale`,
			srcID, dstID, dep.Mode, dep.Criticality, dep.Protocol, dep.TimeoutMS, dep.RetryConfig, dep.DiscoverySource, dep.Confidence, now)
		stored, err := scanDependency(row)
		if err != nil {
			return nil, classifyPgError(err)
		}
		out = append(out, stored)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classifyPgError(err)
	}
	return out, nil
}

// resolveOrDiscoverTx resolves a business id to an internal id, creating a
// discovered stub when the service is unknown. The no-op DO UPDATE makes the
// RETURNING clause yield the id for pre-existing rows as well.
func resolveOrDiscoverTx(ctx context.Context, tx pgx.Tx, businessID string, now time.Time) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `
		INSERT INTO services (id, business_id, criticality, team, service_type, published_sla, metadata, discovered, created_at, updated_at)
		VALUES ($1, $2, 'medium', '', 'internal', NULL, $3, TRUE, $4, $4)
		ON CONFLICT (business_id) DO UPDATE SET business_id = EXCLUDED.business_id
		RETURNING id`,
		uuid.New(), businessID, map[string]string{MetadataKeySource: MetadataSourceAutoDiscovered}, now).Scan(&id)
	if err != nil {
		return uuid.Nil, classifyPgError(err)
	}
	return id, nil
}

func (s *PostgresStore) GetServiceByBusinessID(ctx context.Context, businessID string) (*Service, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, business_id, criticality, team, service_type, published_sla, metadata, discovered, created_at, updated_at
		FROM services WHERE business_id = $1`, businessID)
	svc, err := scanService(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: service %q", ErrNotFound, businessID)
	}
	if err != nil {
		return nil, classifyPgError(err)
	}
	return svc, nil
}

func (s *PostgresStore) ListServices(ctx context.Context, limit int) ([]*Service, error) {
	q := `SELECT id, business_id, criticality, team, service_type, published_sla, metadata, discovered, created_at, updated_at FROM services ORDER BY business_id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	var out []*Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, classifyPgError(err)
		}
		out = append(out, svc)
	}
	return out, classifyPgError(rows.Err())
}

// Traverse expands the frontier one depth level at a time with a single
// batched adjacency query per level, which keeps a 3-hop traversal over a
// 5000-node graph to at most three round trips plus node fetches.
func (s *PostgresStore) Traverse(ctx context.Context, rootBusinessID string, opts TraverseOptions) (*Subgraph, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	root, err := s.GetServiceByBusinessID(ctx, rootBusinessID)
	if err != nil {
		return nil, err
	}

	var (
		frontier  = []uuid.UUID{root.ID}
		seenNodes = map[uuid.UUID]struct{}{root.ID: {}}
		seenEdges = map[EdgeKey]struct{}{}
		nodeIDs   []uuid.UUID
		edges     []*Dependency
	)
	for depth := 0; depth < opts.MaxDepth && len(frontier) > 0; depth++ {
		level, err := s.adjacentEdges(ctx, frontier, opts)
		if err != nil {
			return nil, err
		}
		var next []uuid.UUID
		for _, e := range level {
			if _, ok := seenEdges[e.Key()]; ok {
				continue
			}
			seenEdges[e.Key()] = struct{}{}
			edges = append(edges, e)

			for _, id := range []uuid.UUID{e.SourceID, e.TargetID} {
				if _, ok := seenNodes[id]; ok {
					continue
				}
				seenNodes[id] = struct{}{}
				nodeIDs = append(nodeIDs, id)
				next = append(next, id)
			}
		}
		frontier = next
	}

	nodes, err := s.servicesByID(ctx, nodeIDs)
	if err != nil {
		return nil, err
	}
	return &Subgraph{Root: root, Nodes: nodes, Edges: edges}, nil
}

func (s *PostgresStore) adjacentEdges(ctx context.Context, frontier []uuid.UUID, opts TraverseOptions) ([]*Dependency, error) {
	var cond string
	switch opts.Direction {
	case Downstream:
		cond = `source_id = ANY($1)`
	case Upstream:
		cond = `target_id = ANY($1)`
	case Both:
		cond = `(source_id = ANY($1) OR target_id = ANY($1))`
	}
	q := `SELECT source_id, target_id, mode, criticality, protocol, timeout_ms, retry_config, discovery_source, confidence, last_observed_at, is_stale
		FROM service_dependencies WHERE ` + cond
	if !opts.IncludeStale {
		q += ` AND NOT is_stale`
	}
	rows, err := s.pool.Query(ctx, q, frontier)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	var out []*Dependency
	for rows.Next() {
		dep, err := scanDependency(rows)
		if err != nil {
			return nil, classifyPgError(err)
		}
		out = append(out, dep)
	}
	return out, classifyPgError(rows.Err())
}

func (s *PostgresStore) servicesByID(ctx context.Context, ids []uuid.UUID) ([]*Service, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, business_id, criticality, team, service_type, published_sla, metadata, discovered, created_at, updated_at
		FROM services WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	var out []*Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, classifyPgError(err)
		}
		out = append(out, svc)
	}
	return out, classifyPgError(rows.Err())
}

func (s *PostgresStore) AdjacencySnapshot(ctx context.Context) (map[uuid.UUID][]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT source_id, target_id FROM service_dependencies WHERE NOT is_stale`)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	adj := make(map[uuid.UUID][]uuid.UUID)
	for rows.Next() {
		var src, dst uuid.UUID
		if err := rows.Scan(&src, &dst); err != nil {
			return nil, classifyPgError(err)
		}
		adj[src] = append(adj[src], dst)
	}
	return adj, classifyPgError(rows.Err())
}

func (s *PostgresStore) MarkStale(ctx context.Context, threshold time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE service_dependencies SET is_stale = TRUE
		WHERE NOT is_stale AND last_observed_at < $1`, time.Now().UTC().Add(-threshold))
	if err != nil {
		return 0, classifyPgError(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) SaveCycleAlert(ctx context.Context, alert *CycleAlert) (*CycleAlert, error) {
	if err := alert.Validate(); err != nil {
		return nil, err
	}
	id := alert.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	detectedAt := alert.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now().UTC()
	}
	// The partial unique index on open cycle keys makes re-detection of the
	// same cycle a no-op; the open row is returned either way.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cycle_alerts (id, cycle_key, path, status, detected_at)
		VALUES ($1, $2, $3, 'open', $4)
		ON CONFLICT (cycle_key) WHERE status <> 'resolved' DO NOTHING`,
		id, alert.CycleKey(), alert.Path, detectedAt)
	if err != nil {
		return nil, classifyPgError(err)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, path, status, acknowledged_by, resolution_note, detected_at
		FROM cycle_alerts WHERE cycle_key = $1 AND status <> 'resolved'`, alert.CycleKey())
	stored, err := scanAlert(row)
	if err != nil {
		return nil, classifyPgError(err)
	}
	return stored, nil
}

func (s *PostgresStore) OpenCycleAlerts(ctx context.Context) ([]*CycleAlert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, path, status, acknowledged_by, resolution_note, detected_at
		FROM cycle_alerts WHERE status <> 'resolved' ORDER BY detected_at`)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	var out []*CycleAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, classifyPgError(err)
		}
		out = append(out, a)
	}
	return out, classifyPgError(rows.Err())
}

func (s *PostgresStore) AcknowledgeCycleAlert(ctx context.Context, id uuid.UUID, acknowledger string) error {
	return s.transitionAlert(ctx, id, func(a *CycleAlert) error {
		return a.Acknowledge(acknowledger)
	})
}

func (s *PostgresStore) ResolveCycleAlert(ctx context.Context, id uuid.UUID, note string) error {
	return s.transitionAlert(ctx, id, func(a *CycleAlert) error {
		return a.Resolve(note)
	})
}

// transitionAlert loads the alert under a row lock, applies the domain
// transition and writes the result back.
func (s *PostgresStore) transitionAlert(ctx context.Context, id uuid.UUID, apply func(*CycleAlert) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyPgError(err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id, path, status, acknowledged_by, resolution_note, detected_at
		FROM cycle_alerts WHERE id = $1 FOR UPDATE`, id)
	alert, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: alert %s", ErrNotFound, id)
	}
	if err != nil {
		return classifyPgError(err)
	}
	if err := apply(alert); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE cycle_alerts SET status = $2, acknowledged_by = $3, resolution_note = $4 WHERE id = $1`,
		alert.ID, alert.Status, alert.AcknowledgedBy, alert.ResolutionNote); err != nil {
		return classifyPgError(err)
	}
	return classifyPgError(tx.Commit(ctx))
}

func scanService(row pgx.Row) (*Service, error) {
	var svc Service
	if err := row.Scan(&svc.ID, &svc.BusinessID, &svc.Criticality, &svc.Team, &svc.Type,
		&svc.PublishedSLA, &svc.Metadata, &svc.Discovered, &svc.CreatedAt, &svc.UpdatedAt); err != nil {
		return nil, err
	}
	return &svc, nil
}

func scanDependency(row pgx.Row) (*Dependency, error) {
	var dep Dependency
	if err := row.Scan(&dep.SourceID, &dep.TargetID, &dep.Mode, &dep.Criticality, &dep.Protocol,
		&dep.TimeoutMS, &dep.RetryConfig, &dep.DiscoverySource, &dep.Confidence,
		&dep.LastObservedAt, &dep.Stale); err != nil {
		return nil, err
	}
	return &dep, nil
}

func scanAlert(row pgx.Row) (*CycleAlert, error) {
	var a CycleAlert
	if err := row.Scan(&a.ID, &a.Path, &a.Status, &a.AcknowledgedBy, &a.ResolutionNote, &a.DetectedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
