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

// Package sli holds the pure calculators of the recommendation engine:
// composite availability bounds, per-SLI tier targets with bootstrap
// confidence intervals, and feature attribution. Nothing here suspends or
// performs I/O; all randomness is owned by the invocation via an explicit
// seed.
package sli

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// ErrInvalidInput indicates calculator input violating a precondition.
var ErrInvalidInput = errors.New("invalid input")

// bootstrapResamples is the number of resamples drawn for confidence
// intervals.
const bootstrapResamples = 1000

// percentile returns the value at percentile p (0..100) of the ascending
// sorted slice, using linear interpolation between the two nearest rank
// positions. The slice must be non-empty and sorted.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	frac := rank - float64(lower)
	if lower+1 >= len(sorted) {
		return sorted[lower]
	}
	return sorted[lower] + frac*(sorted[lower+1]-sorted[lower])
}

// Percentile sorts a copy of values and returns the value at percentile p.
func Percentile(values []float64, p float64) (float64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("%w: percentile of empty distribution", ErrInvalidInput)
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return percentile(sorted, p), nil
}

// ConfidenceInterval is a two-sided interval with Lower <= Upper.
type ConfidenceInterval struct {
	Lower float64
	Upper float64
}

// bootstrapCI computes the 95% bootstrap confidence interval of a statistic
// over the distribution: it draws resamples with replacement, evaluates the
// statistic on each, and reports the 2.5th and 97.5th percentile of the
// resulting bootstrap distribution. A single data point short-circuits to
// (point, point).
func bootstrapCI(values []float64, rng *rand.Rand, statistic func(sorted []float64) float64) ConfidenceInterval {
	if len(values) == 1 {
		return ConfidenceInterval{Lower: values[0], Upper: values[0]}
	}
	stats := make([]float64, bootstrapResamples)
	resample := make([]float64, len(values))
	for i := 0; i < bootstrapResamples; i++ {
		for j := range resample {
			resample[j] = values[rng.Intn(len(values))]
		}
		sort.Float64s(resample)
		stats[i] = statistic(resample)
	}
	sort.Float64s(stats)
	return ConfidenceInterval{
		Lower: percentile(stats, 2.5),
		Upper: percentile(stats, 97.5),
	}
}

// bootstrapPercentileCI is the bootstrap CI of the value at percentile p.
func bootstrapPercentileCI(values []float64, p float64, rng *rand.Rand) ConfidenceInterval {
	return bootstrapCI(values, rng, func(sorted []float64) float64 {
		return percentile(sorted, p)
	})
}

// bootstrapMaxCI is the bootstrap CI of the resample maximum.
func bootstrapMaxCI(values []float64, rng *rand.Rand) ConfidenceInterval {
	return bootstrapCI(values, rng, func(sorted []float64) float64 {
		return sorted[len(sorted)-1]
	})
}

// fractionBelow returns the fraction of values strictly less than threshold.
func fractionBelow(values []float64, threshold float64) float64 {
	if len(values) == 0 {
		return 0
	}
	n := 0
	for _, v := range values {
		if v < threshold {
			n++
		}
	}
	return float64(n) / float64(len(values))
}

// fractionAbove returns the fraction of values strictly greater than
// threshold.
func fractionAbove(values []float64, threshold float64) float64 {
	if len(values) == 0 {
		return 0
	}
	n := 0
	for _, v := range values {
		if v > threshold {
			n++
		}
	}
	return float64(n) / float64(len(values))
}
