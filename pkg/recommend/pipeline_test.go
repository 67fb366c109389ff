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
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/slo-recommender/pkg/graph"
	"github.com/GoogleCloudPlatform/slo-recommender/pkg/sli"
	"github.com/GoogleCloudPlatform/slo-recommender/pkg/telemetry"
)

func floatPtr(v float64) *float64 { return &v }

func repeatBuckets(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

type pipelineFixture struct {
	store *graph.MemoryStore
	mock  *telemetry.MockProvider
	repo  *MemoryRepository
	pipe  *Pipeline
	now   time.Time
}

// newPipelineFixture builds a checkout service with one hard-sync and one
// soft dependency, backed by seeded telemetry.
func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	ctx := context.Background()
	store := graph.NewMemoryStore()

	_, err := store.UpsertServices(ctx, []*graph.Service{
		{BusinessID: "checkout", Criticality: graph.CriticalityHigh, Type: graph.ServiceInternal},
		{BusinessID: "auth", Criticality: graph.CriticalityCritical, Type: graph.ServiceInternal},
		{BusinessID: "analytics", Criticality: graph.CriticalityLow, Type: graph.ServiceInternal},
	})
	require.NoError(t, err)
	_, err = store.UpsertDependencies(ctx, []*graph.DependencyUpsert{
		{Source: "checkout", Target: "auth", Mode: graph.ModeSync, Criticality: graph.DependencyHard, DiscoverySource: graph.SourceManual, Confidence: 0.9},
		{Source: "checkout", Target: "analytics", Mode: graph.ModeSync, Criticality: graph.DependencySoft, DiscoverySource: graph.SourceManual, Confidence: 0.9},
	})
	require.NoError(t, err)

	mock := telemetry.NewMockProvider()
	mock.SetSeed("checkout", telemetry.Seed{
		Availability: floatPtr(0.9995),
		Rolling:      repeatBuckets(0.999, 30),
		Completeness: floatPtr(0.95),
		LatencyP50:   floatPtr(100),
		LatencyP95:   floatPtr(200),
		LatencyP99:   floatPtr(250),
		LatencyP999:  floatPtr(300),
	})
	mock.SetSeed("auth", telemetry.Seed{Availability: floatPtr(0.9999)})

	repo := NewMemoryRepository()
	pipe := NewPipeline(nil, store, mock, repo, nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	pipe.SetClock(func() time.Time { return now })

	return &pipelineFixture{store: store, mock: mock, repo: repo, pipe: pipe, now: now}
}

func TestPipelineGenerateBothSLIs(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	resp, err := f.pipe.Generate(ctx, GenerateRequest{
		ServiceBusinessID: "checkout",
		SLIType:           FilterAll,
		LookbackDays:      30,
		Force:             true,
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, "checkout", resp.ServiceBusinessID)
	require.Equal(t, f.now.Format(time.RFC3339), resp.GeneratedAt)
	require.Equal(t, f.now.AddDate(0, 0, -30).Format(time.RFC3339), resp.LookbackWindow.Start)
	require.Len(t, resp.Recommendations, 2)
	require.Empty(t, resp.Warnings)

	var avail, lat *Recommendation
	for _, rec := range resp.Recommendations {
		switch rec.SLIType {
		case sli.SLIAvailability:
			avail = rec
		case sli.SLILatency:
			lat = rec
		}
	}
	require.NotNil(t, avail)
	require.NotNil(t, lat)

	require.Equal(t, MetricErrorRate, avail.Metric)
	require.Len(t, avail.Tiers, 3)
	impact := avail.Explanation.DependencyImpact
	require.NotNil(t, impact)
	require.InDelta(t, 0.9995*0.9999, impact.CompositeBound, 1e-9)
	require.Equal(t, 1, impact.HardCount)
	require.Equal(t, 1, impact.SoftCount)
	require.Contains(t, impact.Bottleneck, "auth")

	balanced := avail.Tiers[sli.TierBalanced]
	require.InDelta(t, 99.9, balanced.Target, 1e-9)
	require.NotNil(t, balanced.ErrorBudgetMinutes)
	require.InDelta(t, 43.2, *balanced.ErrorBudgetMinutes, 1e-6)
	require.Len(t, avail.Explanation.Attributions, 4)
	sum := 0.0
	for _, a := range avail.Explanation.Attributions {
		sum += a.Contribution
	}
	require.InDelta(t, 1.0, sum, 1e-9)

	require.Equal(t, MetricP99ResponseMS, lat.Metric)
	require.InDelta(t, 315.0, lat.Tiers[sli.TierConservative].Target, 1e-9)
	require.InDelta(t, 262.5, lat.Tiers[sli.TierBalanced].Target, 1e-9)
	require.InDelta(t, 200.0, lat.Tiers[sli.TierAggressive].Target, 1e-9)
	require.NotNil(t, lat.Tiers[sli.TierConservative].TargetMSInt)
	require.Equal(t, 315, *lat.Tiers[sli.TierConservative].TargetMSInt)
	require.Nil(t, lat.Explanation.DependencyImpact)

	for _, rec := range resp.Recommendations {
		require.Equal(t, StatusActive, rec.Status)
		require.Equal(t, f.now.Add(DefaultTTL), rec.ExpiresAt)
		require.Equal(t, 30, rec.DataQuality.LookbackDaysActual)
		require.False(t, rec.DataQuality.ColdStart)
	}
}

func TestPipelineNotFound(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	resp, err := f.pipe.Generate(ctx, GenerateRequest{
		ServiceBusinessID: "no-such-service",
		SLIType:           FilterAll,
		LookbackDays:      30,
	})
	require.NoError(t, err)
	require.Nil(t, resp, "unknown service is a clean none, not an error")
}

func TestPipelineInvalidRequest(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	_, err := f.pipe.Generate(ctx, GenerateRequest{
		ServiceBusinessID: "checkout",
		SLIType:           FilterAll,
		LookbackDays:      5,
	})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.pipe.Generate(ctx, GenerateRequest{
		ServiceBusinessID: "checkout",
		SLIType:           "throughput",
		LookbackDays:      30,
	})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestPipelineColdStartExtendsLookback(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	f.mock.SetSeed("checkout", telemetry.Seed{
		Availability: floatPtr(0.9995),
		Rolling:      repeatBuckets(0.999, 30),
		Completeness: floatPtr(0.65),
		LatencyP50:   floatPtr(100),
		LatencyP95:   floatPtr(200),
		LatencyP99:   floatPtr(250),
		LatencyP999:  floatPtr(300),
	})

	resp, err := f.pipe.Generate(ctx, GenerateRequest{
		ServiceBusinessID: "checkout",
		SLIType:           FilterAvailability,
		LookbackDays:      30,
		Force:             true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Recommendations, 1)
	require.NotEmpty(t, resp.Warnings)
	require.Contains(t, resp.Warnings[0], "extended lookback")

	rec := resp.Recommendations[0]
	require.True(t, rec.DataQuality.ColdStart)
	require.Equal(t, ColdStartLookbackDays, rec.DataQuality.LookbackDaysActual)
	require.Equal(t, f.now.AddDate(0, 0, -ColdStartLookbackDays).Format(time.RFC3339), resp.LookbackWindow.Start)
}

func TestPipelineNoTelemetryDropsSLIs(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	f.mock.SetSeed("checkout", telemetry.Seed{NoData: true})

	resp, err := f.pipe.Generate(ctx, GenerateRequest{
		ServiceBusinessID: "checkout",
		SLIType:           FilterAll,
		LookbackDays:      30,
		Force:             true,
	})
	require.NoError(t, err)
	require.NotNil(t, resp, "missing telemetry yields an empty response, not an error")
	require.Empty(t, resp.Recommendations)
	dropped := 0
	for _, w := range resp.Warnings {
		if strings.Contains(w, "no availability telemetry") || strings.Contains(w, "no latency telemetry") {
			dropped++
		}
	}
	require.Equal(t, 2, dropped)

	active, err := f.repo.GetActive(ctx, mustServiceID(t, f.store, "checkout"), "")
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestPipelineCachedActiveRows(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	first, err := f.pipe.Generate(ctx, GenerateRequest{
		ServiceBusinessID: "checkout",
		SLIType:           FilterAll,
		LookbackDays:      30,
		Force:             true,
	})
	require.NoError(t, err)
	require.Len(t, first.Recommendations, 2)

	cached, err := f.pipe.Generate(ctx, GenerateRequest{
		ServiceBusinessID: "checkout",
		SLIType:           FilterAll,
		LookbackDays:      30,
		Force:             false,
	})
	require.NoError(t, err)
	require.Len(t, cached.Recommendations, 2)
	require.ElementsMatch(t, recIDs(first.Recommendations), recIDs(cached.Recommendations),
		"force=false serves the existing active rows")

	forced, err := f.pipe.Generate(ctx, GenerateRequest{
		ServiceBusinessID: "checkout",
		SLIType:           FilterAll,
		LookbackDays:      30,
		Force:             true,
	})
	require.NoError(t, err)
	require.NotEqual(t, recIDs(first.Recommendations), recIDs(forced.Recommendations),
		"force=true regenerates")

	// Regeneration superseded the originals; one active row per SLI remains.
	for _, sliType := range []sli.SLIType{sli.SLIAvailability, sli.SLILatency} {
		active, err := f.repo.GetActive(ctx, mustServiceID(t, f.store, "checkout"), sliType)
		require.NoError(t, err)
		require.Len(t, active, 1)
	}
}

func TestPipelineReproducibleTiers(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	req := GenerateRequest{
		ServiceBusinessID: "checkout",
		SLIType:           FilterAvailability,
		LookbackDays:      30,
		Force:             true,
	}
	first, err := f.pipe.Generate(ctx, req)
	require.NoError(t, err)
	second, err := f.pipe.Generate(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.Recommendations[0].Tiers, second.Recommendations[0].Tiers,
		"seeded bootstrap reproduces identical tiers")
}

func mustServiceID(t *testing.T, store graph.Store, businessID string) uuid.UUID {
	t.Helper()
	svc, err := store.GetServiceByBusinessID(context.Background(), businessID)
	require.NoError(t, err)
	return svc.ID
}

func recIDs(recs []*Recommendation) []string {
	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.ID.String())
	}
	sort.Strings(out)
	return out
}
