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
	"math"
	"math/rand"
)

// Default noise margins applied on top of the observed worst case. Shared
// infrastructure gets the larger margin to absorb noisy neighbors.
const (
	DefaultNoiseMargin     = 0.05
	SharedInfraNoiseMargin = 0.10
)

// LatencySample is one window's latency percentile observation in
// milliseconds, with p50 <= p95 <= p99 <= p999.
type LatencySample struct {
	P50  float64
	P95  float64
	P99  float64
	P999 float64
}

// LatencyTier is one recommended latency target.
type LatencyTier struct {
	Level TierLevel
	// TargetMS is the latency target in milliseconds.
	TargetMS float64
	// TargetMSInt is the target rounded to whole milliseconds.
	TargetMSInt int
	// Percentile labels which percentile series the tier derives from
	// ("p999", "p99" or "p95").
	Percentile string
	// BreachProbability is the fraction of samples whose percentile
	// strictly exceeded the target.
	BreachProbability float64
	// CI is the 95% bootstrap confidence interval over the resample maxima
	// of the underlying percentile series, in milliseconds.
	CI ConfidenceInterval
}

// LatencyInputs feeds the latency tier calculator.
type LatencyInputs struct {
	// Samples is the non-empty series of per-window percentile
	// observations.
	Samples []LatencySample
	// SharedInfrastructure selects the larger default noise margin.
	SharedInfrastructure bool
	// NoiseMargin overrides the default when positive.
	NoiseMargin float64
	// Seed drives the bootstrap resampling.
	Seed int64
}

// LatencyTiers computes the three latency tiers. Conservative and Balanced
// take the worst observed p999 respectively p99 plus a noise margin;
// Aggressive takes the worst p95 with no margin, representing what is
// achievable under normal conditions.
func LatencyTiers(in LatencyInputs) ([]LatencyTier, error) {
	if len(in.Samples) == 0 {
		return nil, fmt.Errorf("%w: latency tiers need at least one sample", ErrInvalidInput)
	}
	for i, s := range in.Samples {
		if s.P50 < 0 || s.P50 > s.P95 || s.P95 > s.P99 || s.P99 > s.P999 {
			return nil, fmt.Errorf("%w: sample %d violates percentile ordering (%v/%v/%v/%v)", ErrInvalidInput, i, s.P50, s.P95, s.P99, s.P999)
		}
	}
	margin := DefaultNoiseMargin
	if in.SharedInfrastructure {
		margin = SharedInfraNoiseMargin
	}
	if in.NoiseMargin > 0 {
		margin = in.NoiseMargin
	}

	var p95s, p99s, p999s []float64
	for _, s := range in.Samples {
		p95s = append(p95s, s.P95)
		p99s = append(p99s, s.P99)
		p999s = append(p999s, s.P999)
	}
	rng := rand.New(rand.NewSource(in.Seed))

	tiers := make([]LatencyTier, 0, 3)
	for _, tier := range []struct {
		level      TierLevel
		series     []float64
		percentile string
		margin     float64
	}{
		{TierConservative, p999s, "p999", margin},
		{TierBalanced, p99s, "p99", margin},
		{TierAggressive, p95s, "p95", 0},
	} {
		target := maxOf(tier.series) * (1 + tier.margin)
		tiers = append(tiers, LatencyTier{
			Level:             tier.level,
			TargetMS:          target,
			TargetMSInt:       int(math.Round(target)),
			Percentile:        tier.percentile,
			BreachProbability: fractionAbove(tier.series, target),
			CI:                bootstrapMaxCI(tier.series, rng),
		})
	}
	return tiers, nil
}

func maxOf(values []float64) float64 {
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	return max
}
