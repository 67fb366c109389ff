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
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
)

// StronglyConnectedComponents runs Tarjan's algorithm over the adjacency map
// and returns every component of size >= 2. Trivial single-node components
// are dropped; self-loops are ignored (the domain forbids them). Members are
// listed in the order they were popped from the component stack, components
// in discovery order. O(V+E) time, O(V) memory.
//
// The implementation is iterative with an explicit work stack so arbitrarily
// deep graphs cannot exhaust the goroutine stack.
func StronglyConnectedComponents(adjacency map[uuid.UUID][]uuid.UUID) [][]uuid.UUID {
	// Deterministic root order so repeated runs over the same snapshot
	// produce identical output.
	roots := make([]uuid.UUID, 0, len(adjacency))
	nodes := make(map[uuid.UUID]struct{}, len(adjacency))
	for src, targets := range adjacency {
		nodes[src] = struct{}{}
		for _, t := range targets {
			nodes[t] = struct{}{}
		}
	}
	for n := range nodes {
		roots = append(roots, n)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].String() < roots[j].String() })

	var (
		index    = 0
		indexOf  = make(map[uuid.UUID]int, len(nodes))
		lowlink  = make(map[uuid.UUID]int, len(nodes))
		onStack  = make(map[uuid.UUID]bool, len(nodes))
		stack    []uuid.UUID
		result   [][]uuid.UUID
	)

	// One frame per node being expanded; next tracks how far into the
	// adjacency list the frame has progressed.
	type frame struct {
		node uuid.UUID
		next int
	}

	for _, root := range roots {
		if _, visited := indexOf[root]; visited {
			continue
		}
		work := []frame{{node: root}}
		indexOf[root] = index
		lowlink[root] = index
		index++
		stack = append(stack, root)
		onStack[root] = true

		for len(work) > 0 {
			f := &work[len(work)-1]
			targets := adjacency[f.node]

			advanced := false
			for f.next < len(targets) {
				t := targets[f.next]
				f.next++
				if t == f.node {
					// Self-loop: would be a size-1 component.
					continue
				}
				if _, visited := indexOf[t]; !visited {
					indexOf[t] = index
					lowlink[t] = index
					index++
					stack = append(stack, t)
					onStack[t] = true
					work = append(work, frame{node: t})
					advanced = true
					break
				}
				if onStack[t] && indexOf[t] < lowlink[f.node] {
					lowlink[f.node] = indexOf[t]
				}
			}
			if advanced {
				continue
			}

			// Frame exhausted: pop and fold the lowlink into the parent.
			node := f.node
			work = work[:len(work)-1]
			if len(work) > 0 {
				parent := work[len(work)-1].node
				if lowlink[node] < lowlink[parent] {
					lowlink[parent] = lowlink[node]
				}
			}
			if lowlink[node] != indexOf[node] {
				continue
			}
			// node is the root of a component; pop members off the stack.
			var scc []uuid.UUID
			for {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[top] = false
				scc = append(scc, top)
				if top == node {
					break
				}
			}
			if len(scc) >= 2 {
				result = append(result, scc)
			}
		}
	}
	return result
}

// CycleDetector periodically snapshots the graph, finds non-trivial strongly
// connected components and files alerts for them.
type CycleDetector struct {
	logger log.Logger
	store  Store
	alerts AlertStore
	now    func() time.Time
}

// NewCycleDetector wires a detector over the given store.
func NewCycleDetector(logger log.Logger, store Store, alerts AlertStore) *CycleDetector {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &CycleDetector{logger: logger, store: store, alerts: alerts, now: time.Now}
}

// Detect runs one detection pass and returns the alerts corresponding to the
// components found, including pre-existing open alerts for the same cycles.
func (d *CycleDetector) Detect(ctx context.Context) ([]*CycleAlert, error) {
	adjacency, err := d.store.AdjacencySnapshot(ctx)
	if err != nil {
		return nil, err
	}
	components := StronglyConnectedComponents(adjacency)
	if len(components) == 0 {
		return nil, nil
	}

	services, err := d.store.ListServices(ctx, 0)
	if err != nil {
		return nil, err
	}
	businessIDs := make(map[uuid.UUID]string, len(services))
	for _, svc := range services {
		businessIDs[svc.ID] = svc.BusinessID
	}

	var out []*CycleAlert
	for _, scc := range components {
		path := make([]string, 0, len(scc))
		for _, id := range scc {
			businessID, ok := businessIDs[id]
			if !ok {
				return nil, fmt.Errorf("%w: service %s referenced by cycle", ErrNotFound, id)
			}
			path = append(path, businessID)
		}
		alert, err := d.alerts.SaveCycleAlert(ctx, &CycleAlert{
			Path:       path,
			Status:     AlertOpen,
			DetectedAt: d.now(),
		})
		if err != nil {
			return nil, err
		}
		level.Warn(d.logger).Log("msg", "circular dependency detected", "cycle_size", len(path), "path", alert.CycleKey())
		out = append(out, alert)
	}
	return out, nil
}
