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
	"sort"
	"strings"
)

// SLIType selects the SLI a recommendation targets.
type SLIType string

const (
	SLIAvailability SLIType = "availability"
	SLILatency      SLIType = "latency"
)

// Feature names participating in attribution.
const (
	FeatureHistoricalAvailability = "historical_availability_mean"
	FeatureDependencyRisk         = "downstream_dependency_risk"
	FeatureExternalAPIReliability = "external_api_reliability"
	FeatureDeploymentFrequency    = "deployment_frequency"

	FeatureP99Historical      = "p99_latency_historical"
	FeatureCallChainDepth     = "call_chain_depth"
	FeatureNoisyNeighbor      = "noisy_neighbor_margin"
	FeatureTrafficSeasonality = "traffic_seasonality"
)

// attributionWeights are the fixed heuristic weights per SLI type. Loaded
// once, immutable, safe to share.
var attributionWeights = map[SLIType]map[string]float64{
	SLIAvailability: {
		FeatureHistoricalAvailability: 0.40,
		FeatureDependencyRisk:         0.30,
		FeatureExternalAPIReliability: 0.15,
		FeatureDeploymentFrequency:    0.15,
	},
	SLILatency: {
		FeatureP99Historical:      0.50,
		FeatureCallChainDepth:     0.22,
		FeatureNoisyNeighbor:      0.15,
		FeatureTrafficSeasonality: 0.13,
	},
}

// Attribution is one feature's share of the recommendation explanation.
type Attribution struct {
	Feature string
	// Contribution is the normalized share; contributions sum to 1.
	Contribution float64
	// Detail is the "feature: value" rendering of the raw input.
	Detail string
}

// Attribute normalizes weighted feature values into contributions, sorted by
// absolute contribution descending. The feature keys must exactly match the
// weight table for the SLI type. When every weighted value is zero the
// contribution is distributed uniformly.
func Attribute(sliType SLIType, features map[string]float64) ([]Attribution, error) {
	weights, ok := attributionWeights[sliType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown SLI type %q", ErrInvalidInput, sliType)
	}
	var missing, extra []string
	for f := range weights {
		if _, ok := features[f]; !ok {
			missing = append(missing, f)
		}
	}
	for f := range features {
		if _, ok := weights[f]; !ok {
			extra = append(extra, f)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(missing)
		sort.Strings(extra)
		return nil, fmt.Errorf("%w: feature keys do not match weight table (missing: [%s], extra: [%s])",
			ErrInvalidInput, strings.Join(missing, ", "), strings.Join(extra, ", "))
	}

	raw := make(map[string]float64, len(features))
	sum := 0.0
	for f, v := range features {
		raw[f] = v * weights[f]
		sum += raw[f]
	}

	out := make([]Attribution, 0, len(features))
	for f, v := range features {
		contribution := 1 / float64(len(features))
		if sum != 0 {
			contribution = raw[f] / sum
		}
		out = append(out, Attribution{
			Feature:      f,
			Contribution: contribution,
			Detail:       fmt.Sprintf("%s: %v", f, v),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := math.Abs(out[i].Contribution), math.Abs(out[j].Contribution)
		if ai != aj {
			return ai > aj
		}
		return out[i].Feature < out[j].Feature
	})
	return out, nil
}
