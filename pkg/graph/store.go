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
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidInput indicates a caller-supplied value violating a domain
	// invariant. The operation did not take effect.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound indicates the referenced service or edge does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a write that would violate a uniqueness
	// constraint, e.g. a duplicate edge insert racing with another writer.
	ErrConflict = errors.New("conflict")
	// ErrTransient indicates a storage-layer fault that is safe to retry.
	// All store writes are idempotent.
	ErrTransient = errors.New("transient storage error")
)

// Direction selects which adjacency sets a traversal expands.
type Direction string

const (
	// Downstream follows edges from caller to callee.
	Downstream Direction = "downstream"
	// Upstream follows edges from callee to caller.
	Upstream Direction = "upstream"
	// Both expands callers and callees at every step.
	Both Direction = "both"
)

// Traversal depth is bounded to keep subgraphs tractable on large meshes.
const (
	MinTraverseDepth = 1
	MaxTraverseDepth = 10
)

// TraverseOptions controls a bounded traversal from a root service.
type TraverseOptions struct {
	Direction Direction
	// MaxDepth is the maximum number of hops from the root, in [1,10].
	MaxDepth int
	// IncludeStale also expands edges flagged stale.
	IncludeStale bool
}

// Validate normalizes and checks the options.
func (o *TraverseOptions) Validate() error {
	if o.Direction == "" {
		o.Direction = Downstream
	}
	switch o.Direction {
	case Downstream, Upstream, Both:
	default:
		return errors.Join(ErrInvalidInput, errors.New("unknown traverse direction"))
	}
	if o.MaxDepth < MinTraverseDepth || o.MaxDepth > MaxTraverseDepth {
		return errors.Join(ErrInvalidInput, errors.New("traverse depth out of range"))
	}
	return nil
}

// Subgraph is the result of a bounded traversal: the deduplicated set of
// reachable services and the edges that connect them. Ordering within the
// slices is not part of the contract.
type Subgraph struct {
	Root  *Service
	Nodes []*Service
	Edges []*Dependency
}

// Store persists the dependency graph.
type Store interface {
	// UpsertServices inserts or updates services keyed by business id and
	// returns the persisted records with internal ids assigned. Repeating a
	// batch is observationally equivalent to applying it once.
	UpsertServices(ctx context.Context, batch []*Service) ([]*Service, error)

	// UpsertDependencies inserts or updates edges keyed by
	// (source, target, discovery source). Unknown endpoints are auto-created
	// as discovered service stubs. Upserting clears the stale flag and bumps
	// the last-observed timestamp.
	UpsertDependencies(ctx context.Context, batch []*DependencyUpsert) ([]*Dependency, error)

	// GetServiceByBusinessID resolves a service; ErrNotFound when absent.
	GetServiceByBusinessID(ctx context.Context, businessID string) (*Service, error)

	// ListServices returns up to limit services in unspecified order.
	ListServices(ctx context.Context, limit int) ([]*Service, error)

	// Traverse returns the subgraph reachable from root within the bounded
	// depth. Cycle-safe: a node already on the running path is never
	// re-expanded. Stale edges are omitted unless opts.IncludeStale.
	Traverse(ctx context.Context, rootBusinessID string, opts TraverseOptions) (*Subgraph, error)

	// AdjacencySnapshot returns source -> targets over non-stale edges only.
	// Parallel edges from multiple discovery sources collapse to one entry.
	AdjacencySnapshot(ctx context.Context) (map[uuid.UUID][]uuid.UUID, error)

	// MarkStale flags edges whose last observation is older than the
	// threshold and that are not already stale. Returns the number of newly
	// flagged edges; a second call with the same threshold returns 0.
	MarkStale(ctx context.Context, threshold time.Duration) (int, error)
}

// AlertStore persists circular-dependency alerts.
type AlertStore interface {
	// SaveCycleAlert files a new open alert unless an open alert for the
	// same canonical cycle already exists, in which case it is a no-op.
	SaveCycleAlert(ctx context.Context, alert *CycleAlert) (*CycleAlert, error)
	// OpenCycleAlerts lists alerts that are not yet resolved.
	OpenCycleAlerts(ctx context.Context) ([]*CycleAlert, error)
	// AcknowledgeCycleAlert transitions open -> acknowledged.
	AcknowledgeCycleAlert(ctx context.Context, id uuid.UUID, acknowledger string) error
	// ResolveCycleAlert transitions any unresolved state -> resolved.
	ResolveCycleAlert(ctx context.Context, id uuid.UUID, note string) error
}
