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
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the pipeline and batch self-observability surface.
type Metrics struct {
	pipelineRuns         *prometheus.CounterVec
	pipelineDuration     prometheus.Histogram
	recommendationsSaved *prometheus.CounterVec
	coldStarts           prometheus.Counter
	batchRuns            prometheus.Counter
	batchServiceFailures prometheus.Counter
}

// Pipeline run results as recorded on pipelineRuns.
const (
	resultSuccess  = "success"
	resultFailure  = "failure"
	resultNotFound = "not_found"
	resultCached   = "cached"
)

// NewMetrics creates and registers the collectors. A nil Registerer yields
// working but unregistered collectors, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slo_recommender_pipeline_runs_total",
			Help: "Pipeline invocations by result.",
		}, []string{"result"}),
		pipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "slo_recommender_pipeline_duration_seconds",
			Help:    "Wall time of one pipeline run.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		recommendationsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slo_recommender_recommendations_saved_total",
			Help: "Recommendations persisted by SLI type.",
		}, []string{"sli"}),
		coldStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slo_recommender_cold_starts_total",
			Help: "Pipeline runs that extended the lookback window for sparse telemetry.",
		}),
		batchRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slo_recommender_batch_runs_total",
			Help: "Batch orchestrator invocations.",
		}),
		batchServiceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slo_recommender_batch_service_failures_total",
			Help: "Per-service pipeline failures recorded by the batch orchestrator.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.pipelineRuns,
			m.pipelineDuration,
			m.recommendationsSaved,
			m.coldStarts,
			m.batchRuns,
			m.batchServiceFailures,
		)
	}
	return m
}
