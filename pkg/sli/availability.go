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
	"math/rand"
	"sort"
)

// TierLevel names one of the three recommendation aggressiveness levels.
type TierLevel string

const (
	TierConservative TierLevel = "conservative"
	TierBalanced     TierLevel = "balanced"
	TierAggressive   TierLevel = "aggressive"
)

// Levels lists the tiers in canonical order.
func Levels() []TierLevel {
	return []TierLevel{TierConservative, TierBalanced, TierAggressive}
}

// Percentile positions on the ascending bucket distribution per tier. A low
// percentile reads near the worst observed buckets, so Conservative targets
// what the service achieves almost always.
const (
	conservativePercentile = 0.1
	balancedPercentile     = 1
	aggressivePercentile   = 5
)

// MinutesPerMonth is the 30-day accounting month used for error budgets.
const MinutesPerMonth = 43200

// AvailabilityTier is one recommended availability target.
type AvailabilityTier struct {
	Level TierLevel
	// TargetPercent is the availability target as a percentage (e.g. 99.95).
	TargetPercent float64
	// ErrorBudgetMinutes is the monthly downtime allowance at the target.
	ErrorBudgetMinutes float64
	// BreachProbability is the fraction of historical buckets that fell
	// strictly below the target.
	BreachProbability float64
	// CI is the 95% bootstrap confidence interval of the underlying
	// percentile, in percent.
	CI ConfidenceInterval
}

// AvailabilityInputs feeds the availability tier calculator.
type AvailabilityInputs struct {
	// HistoricalMean is the aggregate availability over the window.
	// Informational; the tiers derive from the bucket distribution.
	HistoricalMean float64
	// Buckets is the non-empty per-bucket availability distribution.
	Buckets []float64
	// CompositeBound caps the Conservative and Balanced tiers at what the
	// dependency chain permits. Aggressive is deliberately left uncapped:
	// it reports achievable potential absent the dependency ceiling.
	CompositeBound float64
	// Seed drives the bootstrap resampling so results are reproducible per
	// invocation.
	Seed int64
}

// AvailabilityTiers computes the three availability tiers from the bucket
// distribution. Targets are read at fixed percentiles of the ascending
// distribution, Conservative and Balanced are capped at the composite bound,
// and each tier carries its breach probability, monthly error budget, and
// bootstrap confidence interval.
func AvailabilityTiers(in AvailabilityInputs) ([]AvailabilityTier, error) {
	if len(in.Buckets) == 0 {
		return nil, fmt.Errorf("%w: availability tiers need at least one bucket", ErrInvalidInput)
	}
	for _, b := range in.Buckets {
		if b < 0 || b > 1 {
			return nil, fmt.Errorf("%w: bucket availability %v outside [0,1]", ErrInvalidInput, b)
		}
	}
	if in.CompositeBound < 0 || in.CompositeBound > 1 {
		return nil, fmt.Errorf("%w: composite bound %v outside [0,1]", ErrInvalidInput, in.CompositeBound)
	}

	sorted := append([]float64(nil), in.Buckets...)
	sort.Float64s(sorted)
	rng := rand.New(rand.NewSource(in.Seed))

	tiers := make([]AvailabilityTier, 0, 3)
	for _, tier := range []struct {
		level  TierLevel
		pct    float64
		capped bool
	}{
		{TierConservative, conservativePercentile, true},
		{TierBalanced, balancedPercentile, true},
		{TierAggressive, aggressivePercentile, false},
	} {
		target := percentile(sorted, tier.pct)
		if tier.capped && target > in.CompositeBound {
			target = in.CompositeBound
		}
		ci := bootstrapPercentileCI(in.Buckets, tier.pct, rng)
		targetPercent := target * 100
		tiers = append(tiers, AvailabilityTier{
			Level:              tier.level,
			TargetPercent:      targetPercent,
			ErrorBudgetMinutes: ErrorBudgetMinutes(targetPercent),
			BreachProbability:  fractionBelow(in.Buckets, target),
			CI:                 ConfidenceInterval{Lower: ci.Lower * 100, Upper: ci.Upper * 100},
		})
	}
	return tiers, nil
}

// ErrorBudgetMinutes converts an availability target percentage into the
// monthly downtime allowance in minutes.
func ErrorBudgetMinutes(targetPercent float64) float64 {
	return (100 - targetPercent) / 100 * MinutesPerMonth
}
