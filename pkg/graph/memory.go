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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded in-memory Store and AlertStore. It backs
// tests and the daemon's memory mode; semantics match the Postgres store.
type MemoryStore struct {
	mtx        sync.RWMutex
	byBusiness map[string]*Service
	byID       map[uuid.UUID]*Service
	edges      map[EdgeKey]*Dependency
	alerts     map[uuid.UUID]*CycleAlert

	// now is swappable for tests.
	now func() time.Time
}

var (
	_ Store      = (*MemoryStore)(nil)
	_ AlertStore = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byBusiness: make(map[string]*Service),
		byID:       make(map[uuid.UUID]*Service),
		edges:      make(map[EdgeKey]*Dependency),
		alerts:     make(map[uuid.UUID]*CycleAlert),
		now:        time.Now,
	}
}

// SetClock overrides the store clock. Intended for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.now = now
}

func (s *MemoryStore) UpsertServices(ctx context.Context, batch []*Service) ([]*Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, svc := range batch {
		if err := svc.Validate(); err != nil {
			return nil, err
		}
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()

	out := make([]*Service, 0, len(batch))
	ts := s.now()
	for _, svc := range batch {
		existing, ok := s.byBusiness[svc.BusinessID]
		if !ok {
			stored := cloneService(svc)
			if stored.ID == uuid.Nil {
				stored.ID = uuid.New()
			}
			stored.CreatedAt = ts
			stored.UpdatedAt = ts
			s.byBusiness[stored.BusinessID] = stored
			s.byID[stored.ID] = stored
			out = append(out, cloneService(stored))
			continue
		}
		// Internal id and creation time are immutable; everything else is
		// taken from the upsert. An explicit upsert also promotes a
		// previously auto-discovered stub to a registered service.
		existing.Criticality = svc.Criticality
		existing.Team = svc.Team
		existing.Type = svc.Type
		existing.PublishedSLA = cloneFloat(svc.PublishedSLA)
		existing.Metadata = cloneMetadata(svc.Metadata)
		existing.Discovered = false
		existing.UpdatedAt = ts
		out = append(out, cloneService(existing))
	}
	return out, nil
}

func (s *MemoryStore) UpsertDependencies(ctx context.Context, batch []*DependencyUpsert) ([]*Dependency, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, dep := range batch {
		if err := dep.Validate(); err != nil {
			return nil, err
		}
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()

	out := make([]*Dependency, 0, len(batch))
	ts := s.now()
	for _, dep := range batch {
		src := s.resolveOrDiscoverLocked(dep.Source, ts)
		dst := s.resolveOrDiscoverLocked(dep.Target, ts)

		key := EdgeKey{SourceID: src.ID, TargetID: dst.ID, DiscoverySource: dep.DiscoverySource}
		edge, ok := s.edges[key]
		if !ok {
			edge = &Dependency{
				SourceID:        src.ID,
				TargetID:        dst.ID,
				DiscoverySource: dep.DiscoverySource,
			}
			s.edges[key] = edge
		}
		edge.Mode = dep.Mode
		edge.Criticality = dep.Criticality
		edge.Protocol = dep.Protocol
		edge.TimeoutMS = dep.TimeoutMS
		edge.RetryConfig = cloneMetadata(dep.RetryConfig)
		edge.Confidence = dep.Confidence
		edge.LastObservedAt = ts
		edge.Stale = false

		out = append(out, cloneDependency(edge))
	}
	return out, nil
}

// resolveOrDiscoverLocked returns the service for the business id, creating a
// discovered stub when it is unknown.
func (s *MemoryStore) resolveOrDiscoverLocked(businessID string, ts time.Time) *Service {
	if svc, ok := s.byBusiness[businessID]; ok {
		return svc
	}
	svc := &Service{
		ID:          uuid.New(),
		BusinessID:  businessID,
		Criticality: CriticalityMedium,
		Type:        ServiceInternal,
		Metadata:    map[string]string{MetadataKeySource: MetadataSourceAutoDiscovered},
		Discovered:  true,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	s.byBusiness[businessID] = svc
	s.byID[svc.ID] = svc
	return svc
}

func (s *MemoryStore) GetServiceByBusinessID(ctx context.Context, businessID string) (*Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	svc, ok := s.byBusiness[businessID]
	if !ok {
		return nil, fmt.Errorf("%w: service %q", ErrNotFound, businessID)
	}
	return cloneService(svc), nil
}

func (s *MemoryStore) ListServices(ctx context.Context, limit int) ([]*Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := make([]*Service, 0, len(s.byBusiness))
	for _, svc := range s.byBusiness {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, cloneService(svc))
	}
	return out, nil
}

func (s *MemoryStore) Traverse(ctx context.Context, rootBusinessID string, opts TraverseOptions) (*Subgraph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	root, ok := s.byBusiness[rootBusinessID]
	if !ok {
		return nil, fmt.Errorf("%w: service %q", ErrNotFound, rootBusinessID)
	}

	// Per-source and per-target adjacency over the current edge set.
	out := make(map[uuid.UUID][]*Dependency)
	in := make(map[uuid.UUID][]*Dependency)
	for _, e := range s.edges {
		if e.Stale && !opts.IncludeStale {
			continue
		}
		out[e.SourceID] = append(out[e.SourceID], e)
		in[e.TargetID] = append(in[e.TargetID], e)
	}

	// Breadth-first frontier expansion with a depth counter. A node is
	// expanded at most once, which also guarantees cycle safety; edges into
	// already-seen nodes are still recorded exactly once.
	type frontierEntry struct {
		id    uuid.UUID
		depth int
	}
	var (
		frontier  = []frontierEntry{{id: root.ID}}
		seenNodes = map[uuid.UUID]struct{}{root.ID: {}}
		seenEdges = map[EdgeKey]struct{}{}
		nodes     []*Service
		edges     []*Dependency
	)
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		if cur.depth >= opts.MaxDepth {
			continue
		}

		var adjacent []*Dependency
		switch opts.Direction {
		case Downstream:
			adjacent = out[cur.id]
		case Upstream:
			adjacent = in[cur.id]
		case Both:
			adjacent = append(append([]*Dependency(nil), out[cur.id]...), in[cur.id]...)
		}
		for _, e := range adjacent {
			if _, ok := seenEdges[e.Key()]; !ok {
				seenEdges[e.Key()] = struct{}{}
				edges = append(edges, cloneDependency(e))
			}
			next := e.TargetID
			if next == cur.id {
				next = e.SourceID
			}
			if _, ok := seenNodes[next]; ok {
				continue
			}
			seenNodes[next] = struct{}{}
			if svc, ok := s.byID[next]; ok {
				nodes = append(nodes, cloneService(svc))
			}
			frontier = append(frontier, frontierEntry{id: next, depth: cur.depth + 1})
		}
	}
	return &Subgraph{Root: cloneService(root), Nodes: nodes, Edges: edges}, nil
}

func (s *MemoryStore) AdjacencySnapshot(ctx context.Context) (map[uuid.UUID][]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	adj := make(map[uuid.UUID][]uuid.UUID)
	seen := make(map[[2]uuid.UUID]struct{})
	for _, e := range s.edges {
		if e.Stale {
			continue
		}
		// Parallel edges from multiple discovery sources collapse.
		pair := [2]uuid.UUID{e.SourceID, e.TargetID}
		if _, ok := seen[pair]; ok {
			continue
		}
		seen[pair] = struct{}{}
		adj[e.SourceID] = append(adj[e.SourceID], e.TargetID)
	}
	return adj, nil
}

func (s *MemoryStore) MarkStale(ctx context.Context, threshold time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()

	cutoff := s.now().Add(-threshold)
	n := 0
	for _, e := range s.edges {
		if e.Stale || !e.LastObservedAt.Before(cutoff) {
			continue
		}
		e.Stale = true
		n++
	}
	return n, nil
}

func (s *MemoryStore) SaveCycleAlert(ctx context.Context, alert *CycleAlert) (*CycleAlert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := alert.Validate(); err != nil {
		return nil, err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()

	key := alert.CycleKey()
	for _, existing := range s.alerts {
		if existing.Status != AlertResolved && existing.CycleKey() == key {
			return cloneAlert(existing), nil
		}
	}
	stored := cloneAlert(alert)
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	if stored.Status == "" {
		stored.Status = AlertOpen
	}
	if stored.DetectedAt.IsZero() {
		stored.DetectedAt = s.now()
	}
	s.alerts[stored.ID] = stored
	return cloneAlert(stored), nil
}

func (s *MemoryStore) OpenCycleAlerts(ctx context.Context) ([]*CycleAlert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	var out []*CycleAlert
	for _, a := range s.alerts {
		if a.Status != AlertResolved {
			out = append(out, cloneAlert(a))
		}
	}
	return out, nil
}

func (s *MemoryStore) AcknowledgeCycleAlert(ctx context.Context, id uuid.UUID, acknowledger string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return fmt.Errorf("%w: alert %s", ErrNotFound, id)
	}
	return a.Acknowledge(acknowledger)
}

func (s *MemoryStore) ResolveCycleAlert(ctx context.Context, id uuid.UUID, note string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return fmt.Errorf("%w: alert %s", ErrNotFound, id)
	}
	return a.Resolve(note)
}

func cloneService(s *Service) *Service {
	c := *s
	c.PublishedSLA = cloneFloat(s.PublishedSLA)
	c.Metadata = cloneMetadata(s.Metadata)
	return &c
}

func cloneDependency(d *Dependency) *Dependency {
	c := *d
	c.RetryConfig = cloneMetadata(d.RetryConfig)
	return &c
}

func cloneAlert(a *CycleAlert) *CycleAlert {
	c := *a
	c.Path = append([]string(nil), a.Path...)
	return &c
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
