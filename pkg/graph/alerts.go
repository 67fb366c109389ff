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
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AlertStatus is the lifecycle state of a circular-dependency alert.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// CycleAlert records a strongly-connected component found in the graph.
type CycleAlert struct {
	ID uuid.UUID
	// Path is the ordered cycle, as business ids, with at least two members.
	Path           []string
	Status         AlertStatus
	AcknowledgedBy string
	ResolutionNote string
	DetectedAt     time.Time
}

// Validate checks the alert invariants prior to persistence.
func (a *CycleAlert) Validate() error {
	if len(a.Path) < 2 {
		return fmt.Errorf("%w: cycle path must contain at least two services", ErrInvalidInput)
	}
	return nil
}

// Acknowledge transitions open -> acknowledged. A resolved alert cannot be
// re-acknowledged.
func (a *CycleAlert) Acknowledge(acknowledger string) error {
	if acknowledger == "" {
		return fmt.Errorf("%w: acknowledger must not be empty", ErrInvalidInput)
	}
	switch a.Status {
	case AlertOpen:
		a.Status = AlertAcknowledged
		a.AcknowledgedBy = acknowledger
		return nil
	case AlertAcknowledged:
		// Repeated acknowledgement by the same actor is harmless.
		if a.AcknowledgedBy == acknowledger {
			return nil
		}
		return fmt.Errorf("%w: alert already acknowledged by %q", ErrConflict, a.AcknowledgedBy)
	default:
		return fmt.Errorf("%w: resolved alert cannot be acknowledged", ErrConflict)
	}
}

// Resolve transitions any unresolved state -> resolved. A non-empty note is
// required so the resolution is auditable.
func (a *CycleAlert) Resolve(note string) error {
	if strings.TrimSpace(note) == "" {
		return fmt.Errorf("%w: resolution note must not be empty", ErrInvalidInput)
	}
	if a.Status == AlertResolved {
		return nil
	}
	a.Status = AlertResolved
	a.ResolutionNote = note
	return nil
}

// CycleKey returns a canonical identifier for the cycle so the same SCC
// reported across detection runs deduplicates regardless of member order.
func (a *CycleAlert) CycleKey() string {
	members := append([]string(nil), a.Path...)
	sort.Strings(members)
	return strings.Join(members, "|")
}
