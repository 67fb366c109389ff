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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoogleCloudPlatform/slo-recommender/pkg/sli"
)

// MemoryRepository is the in-process Repository used by tests and the
// daemon's memory mode. The single mutex makes ReplaceActive's
// supersede-then-save atomic with respect to every other operation.
type MemoryRepository struct {
	mtx  sync.RWMutex
	rows map[uuid.UUID]*Recommendation
	now  func() time.Time
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: map[uuid.UUID]*Recommendation{}, now: time.Now}
}

// SetClock overrides the repository clock. Intended for tests.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.now = now
}

func (r *MemoryRepository) GetActive(ctx context.Context, serviceID uuid.UUID, sliType sli.SLIType) ([]*Recommendation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	var out []*Recommendation
	for _, row := range r.rows {
		if row.Status != StatusActive || row.ServiceID != serviceID {
			continue
		}
		if sliType != "" && row.SLIType != sliType {
			continue
		}
		out = append(out, cloneRecommendation(row))
	}
	return out, nil
}

func (r *MemoryRepository) Save(ctx context.Context, rec *Recommendation) (*Recommendation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.saveLocked(rec)
}

func (r *MemoryRepository) saveLocked(rec *Recommendation) (*Recommendation, error) {
	stored := cloneRecommendation(rec)
	if err := stored.Validate(); err != nil {
		return nil, err
	}
	if stored.Status == StatusActive {
		for _, row := range r.rows {
			if row.Status == StatusActive && row.ServiceID == stored.ServiceID && row.SLIType == stored.SLIType {
				return nil, fmt.Errorf("%w: active recommendation already exists for service %s sli %s",
					ErrConflict, stored.ServiceID, stored.SLIType)
			}
		}
	}
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	r.rows[stored.ID] = stored
	return cloneRecommendation(stored), nil
}

func (r *MemoryRepository) SaveBatch(ctx context.Context, recs []*Recommendation) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	saved := 0
	for _, rec := range recs {
		if _, err := r.saveLocked(rec); err != nil {
			return saved, err
		}
		saved++
	}
	return saved, nil
}

func (r *MemoryRepository) SupersedeExisting(ctx context.Context, serviceID uuid.UUID, sliType sli.SLIType) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.supersedeLocked(serviceID, sliType), nil
}

func (r *MemoryRepository) supersedeLocked(serviceID uuid.UUID, sliType sli.SLIType) int {
	count := 0
	for _, row := range r.rows {
		if row.Status == StatusActive && row.ServiceID == serviceID && row.SLIType == sliType {
			row.Status = StatusSuperseded
			count++
		}
	}
	return count
}

func (r *MemoryRepository) ReplaceActive(ctx context.Context, rec *Recommendation) (*Recommendation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	// Under the lock the supersede clears every conflicting row, so the
	// retry loop exists only to mirror the transactional contract.
	var lastErr error
	for attempt := 0; attempt < replaceRetries; attempt++ {
		r.supersedeLocked(rec.ServiceID, rec.SLIType)
		saved, err := r.saveLocked(rec)
		if err == nil {
			return saved, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (r *MemoryRepository) ExpireStale(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	now := r.now()
	count := 0
	for _, row := range r.rows {
		if row.Status == StatusActive && row.ExpiresAt.Before(now) {
			row.Status = StatusExpired
			count++
		}
	}
	return count, nil
}

func cloneRecommendation(rec *Recommendation) *Recommendation {
	out := *rec
	if rec.Tiers != nil {
		out.Tiers = make(map[sli.TierLevel]Tier, len(rec.Tiers))
		for level, tier := range rec.Tiers {
			t := tier
			if tier.ErrorBudgetMinutes != nil {
				budget := *tier.ErrorBudgetMinutes
				t.ErrorBudgetMinutes = &budget
			}
			if tier.TargetMSInt != nil {
				ms := *tier.TargetMSInt
				t.TargetMSInt = &ms
			}
			out.Tiers[level] = t
		}
	}
	out.Explanation.Attributions = append([]Attribution(nil), rec.Explanation.Attributions...)
	if rec.Explanation.DependencyImpact != nil {
		impact := *rec.Explanation.DependencyImpact
		out.Explanation.DependencyImpact = &impact
	}
	out.DataQuality.Gaps = append([]string(nil), rec.DataQuality.Gaps...)
	return &out
}
