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
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/slo-recommender/pkg/sli"
)

func testRecommendation(serviceID uuid.UUID, sliType sli.SLIType, generatedAt time.Time) *Recommendation {
	metric := MetricErrorRate
	if sliType == sli.SLILatency {
		metric = MetricP99ResponseMS
	}
	return &Recommendation{
		ServiceID: serviceID,
		SLIType:   sliType,
		Metric:    metric,
		Tiers: map[sli.TierLevel]Tier{
			sli.TierBalanced: {
				Level:             sli.TierBalanced,
				Target:            99.9,
				BreachProbability: 0.02,
				CILower:           99.8,
				CIUpper:           99.95,
			},
		},
		Explanation: Explanation{Summary: "test"},
		DataQuality: DataQuality{Completeness: 0.98, LookbackDaysActual: 30},
		WindowStart: generatedAt.AddDate(0, 0, -30),
		WindowEnd:   generatedAt,
		GeneratedAt: generatedAt,
		Status:      StatusActive,
	}
}

func TestMemoryRepositorySaveAndGetActive(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	serviceID := uuid.New()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	saved, err := repo.Save(ctx, testRecommendation(serviceID, sli.SLIAvailability, now))
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, saved.ID)
	require.Equal(t, now.Add(DefaultTTL), saved.ExpiresAt, "expiry defaults to generated-at plus TTL")

	active, err := repo.GetActive(ctx, serviceID, sli.SLIAvailability)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, saved.ID, active[0].ID)

	// The latency filter sees nothing, the empty filter sees the row.
	active, err = repo.GetActive(ctx, serviceID, sli.SLILatency)
	require.NoError(t, err)
	require.Empty(t, active)
	active, err = repo.GetActive(ctx, serviceID, "")
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestMemoryRepositorySingleActiveConflict(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	serviceID := uuid.New()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := repo.Save(ctx, testRecommendation(serviceID, sli.SLIAvailability, now))
	require.NoError(t, err)
	_, err = repo.Save(ctx, testRecommendation(serviceID, sli.SLIAvailability, now))
	require.ErrorIs(t, err, ErrConflict)

	// A different SLI type for the same service is fine.
	_, err = repo.Save(ctx, testRecommendation(serviceID, sli.SLILatency, now))
	require.NoError(t, err)
}

func TestMemoryRepositorySupersedeIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	serviceID := uuid.New()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := repo.Save(ctx, testRecommendation(serviceID, sli.SLIAvailability, now))
	require.NoError(t, err)

	count, err := repo.SupersedeExisting(ctx, serviceID, sli.SLIAvailability)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	count, err = repo.SupersedeExisting(ctx, serviceID, sli.SLIAvailability)
	require.NoError(t, err)
	require.Zero(t, count, "second supersede finds nothing active")
}

func TestMemoryRepositoryReplaceActive(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	serviceID := uuid.New()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first, err := repo.ReplaceActive(ctx, testRecommendation(serviceID, sli.SLIAvailability, now))
	require.NoError(t, err)
	second, err := repo.ReplaceActive(ctx, testRecommendation(serviceID, sli.SLIAvailability, now.Add(time.Hour)))
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	active, err := repo.GetActive(ctx, serviceID, sli.SLIAvailability)
	require.NoError(t, err)
	require.Len(t, active, 1, "at most one active per (service, sli)")
	require.Equal(t, second.ID, active[0].ID)
}

func TestMemoryRepositoryExpireStale(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	serviceID := uuid.New()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return now.Add(48 * time.Hour) })

	_, err := repo.Save(ctx, testRecommendation(serviceID, sli.SLIAvailability, now))
	require.NoError(t, err)
	fresh := testRecommendation(uuid.New(), sli.SLIAvailability, now)
	fresh.ExpiresAt = now.Add(72 * time.Hour)
	_, err = repo.Save(ctx, fresh)
	require.NoError(t, err)

	count, err := repo.ExpireStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	active, err := repo.GetActive(ctx, serviceID, sli.SLIAvailability)
	require.NoError(t, err)
	require.Empty(t, active)

	count, err = repo.ExpireStale(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestMemoryRepositorySaveBatch(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	saved, err := repo.SaveBatch(ctx, []*Recommendation{
		testRecommendation(uuid.New(), sli.SLIAvailability, now),
		testRecommendation(uuid.New(), sli.SLILatency, now),
	})
	require.NoError(t, err)
	require.Equal(t, 2, saved)
}

func TestRecommendationValidate(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		doc    string
		mutate func(*Recommendation)
	}{
		{doc: "missing service id", mutate: func(r *Recommendation) { r.ServiceID = uuid.Nil }},
		{doc: "unknown sli type", mutate: func(r *Recommendation) { r.SLIType = "throughput" }},
		{doc: "empty metric", mutate: func(r *Recommendation) { r.Metric = "" }},
		{doc: "no tiers", mutate: func(r *Recommendation) { r.Tiers = nil }},
		{doc: "tier level mismatch", mutate: func(r *Recommendation) {
			r.Tiers = map[sli.TierLevel]Tier{sli.TierBalanced: {Level: sli.TierAggressive}}
		}},
		{doc: "inverted window", mutate: func(r *Recommendation) { r.WindowEnd = r.WindowStart.AddDate(0, 0, -1) }},
		{doc: "zero lookback", mutate: func(r *Recommendation) { r.DataQuality.LookbackDaysActual = 0 }},
		{doc: "unknown status", mutate: func(r *Recommendation) { r.Status = "archived" }},
	}
	for _, c := range cases {
		t.Run(c.doc, func(t *testing.T) {
			rec := testRecommendation(uuid.New(), sli.SLIAvailability, now)
			c.mutate(rec)
			require.ErrorIs(t, rec.Validate(), ErrInvalidInput)
		})
	}

	rec := testRecommendation(uuid.New(), sli.SLIAvailability, now)
	rec.Status = ""
	require.NoError(t, rec.Validate())
	require.Equal(t, StatusActive, rec.Status, "status defaults to active")
}
