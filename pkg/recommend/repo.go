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

	"github.com/google/uuid"

	"github.com/GoogleCloudPlatform/slo-recommender/pkg/sli"
)

// replaceRetries bounds how often ReplaceActive retries a conflicting
// supersede-then-save before surfacing ErrConflict.
const replaceRetries = 3

// Repository persists recommendations through their lifecycle. At every
// transaction boundary at most one row per (service, SLI type) is active.
type Repository interface {
	// GetActive lists active recommendations for the service, optionally
	// narrowed to one SLI type (empty means all).
	GetActive(ctx context.Context, serviceID uuid.UUID, sliType sli.SLIType) ([]*Recommendation, error)

	// Save persists a validated recommendation and returns it with the
	// internal id assigned. Saving a second active row for a pair that
	// already has one is ErrConflict.
	Save(ctx context.Context, rec *Recommendation) (*Recommendation, error)

	// SaveBatch persists several recommendations, returning how many stuck.
	SaveBatch(ctx context.Context, recs []*Recommendation) (int, error)

	// SupersedeExisting flips every active row for the pair to superseded
	// and returns the count; a second call returns 0.
	SupersedeExisting(ctx context.Context, serviceID uuid.UUID, sliType sli.SLIType) (int, error)

	// ReplaceActive runs supersede-then-save as one unit of work so a crash
	// in between never loses the active row. Conflicts are retried up to
	// replaceRetries times before surfacing.
	ReplaceActive(ctx context.Context, rec *Recommendation) (*Recommendation, error)

	// ExpireStale flips active rows past their expiry to expired and
	// returns the count.
	ExpireStale(ctx context.Context) (int, error)
}
