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
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/slo-recommender/pkg/graph"
	"github.com/GoogleCloudPlatform/slo-recommender/pkg/telemetry"
)

// failingProvider errors on the first telemetry call for one service and
// delegates everything else.
type failingProvider struct {
	telemetry.Provider
	failID string
}

func (f *failingProvider) DataCompleteness(ctx context.Context, businessID string, windowDays int) (float64, error) {
	if businessID == f.failID {
		return 0, fmt.Errorf("%w: scrape backend down", telemetry.ErrTransient)
	}
	return f.Provider.DataCompleteness(ctx, businessID, windowDays)
}

func TestBatchOneFailingService(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()
	_, err := store.UpsertServices(ctx, []*graph.Service{
		{BusinessID: "alpha", Criticality: graph.CriticalityHigh, Type: graph.ServiceInternal},
		{BusinessID: "bravo", Criticality: graph.CriticalityHigh, Type: graph.ServiceInternal},
		{BusinessID: "charlie", Criticality: graph.CriticalityHigh, Type: graph.ServiceInternal},
	})
	require.NoError(t, err)

	provider := &failingProvider{Provider: telemetry.NewMockProvider(), failID: "bravo"}
	repo := NewMemoryRepository()
	pipe := NewPipeline(nil, store, provider, repo, nil)
	batch := NewBatch(nil, store, pipe, nil, 0)

	summary, err := batch.Run(ctx, BatchRequest{
		SLIType:           FilterAll,
		LookbackDays:      30,
		ExcludeDiscovered: true,
	})
	require.NoError(t, err)
	require.Equal(t, 3, summary.Total)
	require.Equal(t, 2, summary.Successful)
	require.Equal(t, 1, summary.Failed)
	require.Zero(t, summary.Skipped)
	require.Len(t, summary.Failures, 1)
	require.Equal(t, "bravo", summary.Failures[0].ServiceBusinessID)
	require.Contains(t, summary.Failures[0].Error, "transient")

	// The failing service never keeps its siblings from persisting.
	for _, name := range []string{"alpha", "charlie"} {
		active, err := repo.GetActive(ctx, mustServiceID(t, store, name), "")
		require.NoError(t, err)
		require.Len(t, active, 2)
	}
	active, err := repo.GetActive(ctx, mustServiceID(t, store, "bravo"), "")
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestBatchSkipsDiscoveredServices(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()
	_, err := store.UpsertServices(ctx, []*graph.Service{
		{BusinessID: "alpha", Criticality: graph.CriticalityHigh, Type: graph.ServiceInternal},
	})
	require.NoError(t, err)
	// Referencing an unknown target auto-creates a discovered stub.
	_, err = store.UpsertDependencies(ctx, []*graph.DependencyUpsert{
		{Source: "alpha", Target: "ghost", Mode: graph.ModeSync, Criticality: graph.DependencySoft, DiscoverySource: graph.SourceOTelGraph, Confidence: 0.5},
	})
	require.NoError(t, err)

	repo := NewMemoryRepository()
	pipe := NewPipeline(nil, store, telemetry.NewMockProvider(), repo, nil)
	batch := NewBatch(nil, store, pipe, nil, 4)

	summary, err := batch.Run(ctx, BatchRequest{
		SLIType:           FilterAll,
		LookbackDays:      30,
		ExcludeDiscovered: true,
	})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Total)
	require.Equal(t, 1, summary.Successful)
	require.Equal(t, 1, summary.Skipped)
	require.Zero(t, summary.Failed)

	active, err := repo.GetActive(ctx, mustServiceID(t, store, "ghost"), "")
	require.NoError(t, err)
	require.Empty(t, active, "discovered stubs are not recommended against")
}

func TestBatchIncludesDiscoveredWhenAsked(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()
	_, err := store.UpsertServices(ctx, []*graph.Service{
		{BusinessID: "alpha", Criticality: graph.CriticalityHigh, Type: graph.ServiceInternal},
	})
	require.NoError(t, err)
	_, err = store.UpsertDependencies(ctx, []*graph.DependencyUpsert{
		{Source: "alpha", Target: "ghost", Mode: graph.ModeSync, Criticality: graph.DependencySoft, DiscoverySource: graph.SourceOTelGraph, Confidence: 0.5},
	})
	require.NoError(t, err)

	repo := NewMemoryRepository()
	pipe := NewPipeline(nil, store, telemetry.NewMockProvider(), repo, nil)
	batch := NewBatch(nil, store, pipe, nil, 4)

	summary, err := batch.Run(ctx, BatchRequest{
		SLIType:      FilterAll,
		LookbackDays: 30,
	})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Total)
	require.Equal(t, 2, summary.Successful)
	require.Zero(t, summary.Skipped)
}
