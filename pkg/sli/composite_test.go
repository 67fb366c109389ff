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
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func dep(name string, r float64, hard, redundant bool) DependencyInput {
	return DependencyInput{
		ID:             uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)),
		Name:           name,
		Availability:   r,
		Hard:           hard,
		RedundantGroup: redundant,
	}
}

func TestCompositeAvailabilityNoDependencies(t *testing.T) {
	result, err := CompositeAvailability(0.9995, nil)
	require.NoError(t, err)
	require.Equal(t, 0.9995, result.Bound)
	require.Equal(t, "No dependencies", result.Bottleneck)
	require.Zero(t, result.SoftCount)
	require.Empty(t, result.Contributions)
}

func TestCompositeAvailabilitySerialHardDeps(t *testing.T) {
	deps := []DependencyInput{
		dep("auth", 0.9999, true, false),
		dep("inventory", 0.9990, true, false),
		dep("pricing", 0.9995, true, false),
	}
	result, err := CompositeAvailability(0.9998, deps)
	require.NoError(t, err)
	require.InDelta(t, 0.99820014, result.Bound, 1e-7)
	require.Contains(t, result.Bottleneck, "inventory", "weakest serial dependency names the bottleneck")
	require.Len(t, result.Contributions, 3)
	require.Equal(t, 0.9990, result.Contributions[deps[1].ID])
}

func TestCompositeAvailabilityRedundantGroup(t *testing.T) {
	deps := []DependencyInput{
		dep("replica-1", 0.99, true, true),
		dep("replica-2", 0.99, true, true),
	}
	result, err := CompositeAvailability(0.9995, deps)
	require.NoError(t, err)
	// Two 0.99 replicas in parallel: 1 - 0.01^2 = 0.9999.
	require.InDelta(t, 0.99940005, result.Bound, 1e-9)
	require.Contains(t, result.Bottleneck, "redundant group of 2")
}

func TestCompositeAvailabilityGroupVersusSerialBottleneck(t *testing.T) {
	// The redundant group at 0.9999 beats the 0.9990 serial dependency, so
	// the serial one is the bottleneck.
	deps := []DependencyInput{
		dep("db", 0.9990, true, false),
		dep("cache-a", 0.99, true, true),
		dep("cache-b", 0.99, true, true),
	}
	result, err := CompositeAvailability(1.0, deps)
	require.NoError(t, err)
	require.Contains(t, result.Bottleneck, "db")

	// Drop the serial dependency and the group's weakest member is named.
	result, err = CompositeAvailability(1.0, deps[1:])
	require.NoError(t, err)
	require.Contains(t, result.Bottleneck, "cache-")
	require.Contains(t, result.Bottleneck, "redundant group")
}

func TestCompositeAvailabilitySoftOnly(t *testing.T) {
	deps := []DependencyInput{
		dep("analytics", 0.95, false, false),
		dep("audit-log", 0.97, false, false),
	}
	result, err := CompositeAvailability(0.9995, deps)
	require.NoError(t, err)
	require.Equal(t, 0.9995, result.Bound)
	require.Equal(t, 2, result.SoftCount)
	require.Contains(t, result.Bottleneck, "2 soft")
}

func TestCompositeAvailabilityMixedSoftAndHard(t *testing.T) {
	deps := []DependencyInput{
		dep("db", 0.999, true, false),
		dep("analytics", 0.90, false, false),
	}
	result, err := CompositeAvailability(1.0, deps)
	require.NoError(t, err)
	require.InDelta(t, 0.999, result.Bound, 1e-12)
	require.Equal(t, 1, result.SoftCount)
	// The soft dependency must not show up in contributions.
	require.Len(t, result.Contributions, 1)
}

func TestCompositeAvailabilityBoundStaysInRange(t *testing.T) {
	deps := []DependencyInput{
		dep("a", 0.5, true, false),
		dep("b", 0.5, true, false),
		dep("c", 0.5, true, true),
		dep("d", 0.5, true, true),
	}
	result, err := CompositeAvailability(0.5, deps)
	require.NoError(t, err)
	if result.Bound < 0 || result.Bound > 1 {
		t.Fatalf("composite bound %v outside [0,1]", result.Bound)
	}
}

func TestCompositeAvailabilityInvalidInput(t *testing.T) {
	cases := []struct {
		doc   string
		rSelf float64
		deps  []DependencyInput
	}{
		{doc: "own availability above one", rSelf: 1.1},
		{doc: "own availability negative", rSelf: -0.1},
		{doc: "dependency above one", rSelf: 0.999, deps: []DependencyInput{dep("x", 1.5, true, false)}},
		{doc: "dependency negative", rSelf: 0.999, deps: []DependencyInput{dep("x", -0.5, false, false)}},
	}
	for _, c := range cases {
		t.Run(c.doc, func(t *testing.T) {
			_, err := CompositeAvailability(c.rSelf, c.deps)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("want ErrInvalidInput, got %v", err)
			}
			if c.doc == "dependency above one" && !strings.Contains(err.Error(), "x") {
				t.Errorf("error should name the offending dependency: %v", err)
			}
		})
	}
}
