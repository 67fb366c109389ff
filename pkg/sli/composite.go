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

package sli

import (
	"fmt"

	"github.com/google/uuid"
)

// DependencyInput describes one downstream dependency for the composite
// availability calculation.
type DependencyInput struct {
	ID   uuid.UUID
	Name string
	// Availability is the dependency's historical availability in [0,1].
	Availability float64
	// Hard means the caller fails when this dependency is down. Soft
	// dependencies are excluded from the bound and only counted.
	Hard bool
	// RedundantGroup marks the dependency as one replica of a parallel
	// redundant set. All marked dependencies form a single group in this
	// version; independent keyed groups need a schema extension.
	RedundantGroup bool
}

// CompositeResult is the reduction of a downstream subgraph to an
// achievable-availability upper bound.
type CompositeResult struct {
	// Bound is R_self multiplied by every serial hard dependency and every
	// redundant group, always in [0,1].
	Bound float64
	// Bottleneck names the weakest link in the composition.
	Bottleneck string
	// SoftCount is the number of excluded soft dependencies.
	SoftCount int
	// Contributions maps each hard dependency to the availability it
	// contributed (serial R, or its own R within a group).
	Contributions map[uuid.UUID]float64
}

// CompositeAvailability reduces the service's own availability and its
// downstream dependencies to an upper bound on achievable availability.
// Serial hard dependencies multiply in directly; redundant group members
// combine as 1 - prod(1 - R_i) before multiplying. IEEE-754 doubles keep
// every intermediate product in [0,1], so no clamping is needed.
func CompositeAvailability(rSelf float64, deps []DependencyInput) (*CompositeResult, error) {
	if rSelf < 0 || rSelf > 1 {
		return nil, fmt.Errorf("%w: own availability %v outside [0,1]", ErrInvalidInput, rSelf)
	}
	for _, d := range deps {
		if d.Availability < 0 || d.Availability > 1 {
			return nil, fmt.Errorf("%w: availability %v of dependency %q outside [0,1]", ErrInvalidInput, d.Availability, d.Name)
		}
	}

	var (
		serial    []DependencyInput
		redundant []DependencyInput
		softCount int
	)
	for _, d := range deps {
		switch {
		case !d.Hard:
			softCount++
		case d.RedundantGroup:
			redundant = append(redundant, d)
		default:
			serial = append(serial, d)
		}
	}

	result := &CompositeResult{
		Bound:         rSelf,
		SoftCount:     softCount,
		Contributions: make(map[uuid.UUID]float64, len(serial)+len(redundant)),
	}

	if len(serial) == 0 && len(redundant) == 0 {
		if softCount > 0 {
			result.Bottleneck = fmt.Sprintf("No hard dependencies (%d soft dependencies excluded)", softCount)
		} else {
			result.Bottleneck = "No dependencies"
		}
		return result, nil
	}

	// Serial hard dependencies multiply straight into the bound; the
	// weakest one is the serial bottleneck candidate.
	var weakestSerial *DependencyInput
	for i := range serial {
		d := &serial[i]
		result.Bound *= d.Availability
		result.Contributions[d.ID] = d.Availability
		if weakestSerial == nil || d.Availability < weakestSerial.Availability {
			weakestSerial = d
		}
	}

	// All redundant members form one parallel group.
	groupR := 0.0
	var weakestMember *DependencyInput
	if len(redundant) > 0 {
		failAll := 1.0
		for i := range redundant {
			d := &redundant[i]
			failAll *= 1 - d.Availability
			result.Contributions[d.ID] = d.Availability
			if weakestMember == nil || d.Availability < weakestMember.Availability {
				weakestMember = d
			}
		}
		groupR = 1 - failAll
		result.Bound *= groupR
	}

	switch {
	case weakestSerial != nil && (weakestMember == nil || weakestSerial.Availability <= groupR):
		result.Bottleneck = fmt.Sprintf("%s (availability %.4f)", weakestSerial.Name, weakestSerial.Availability)
	case weakestMember != nil:
		result.Bottleneck = fmt.Sprintf("%s, weakest of redundant group of %d (group availability %.6f)",
			weakestMember.Name, len(redundant), groupR)
	}
	return result, nil
}
