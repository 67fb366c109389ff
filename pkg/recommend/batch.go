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
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/samber/lo"
	"golang.org/x/sync/semaphore"

	"github.com/GoogleCloudPlatform/slo-recommender/pkg/graph"
)

const (
	// DefaultBatchConcurrency bounds how many per-service pipelines run at
	// once.
	DefaultBatchConcurrency = 20
	// batchPageCap bounds how many services one batch run covers.
	batchPageCap = 10000
)

// BatchFailure records one service whose pipeline failed.
type BatchFailure struct {
	ServiceBusinessID string `json:"service_business_id"`
	Error             string `json:"error"`
}

// Summary aggregates one batch run.
type Summary struct {
	Total      int            `json:"total"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	Duration   time.Duration  `json:"duration"`
	Failures   []BatchFailure `json:"failures,omitempty"`
}

// BatchRequest parameterizes one batch run.
type BatchRequest struct {
	SLIType      SLIFilter
	LookbackDays int
	// ExcludeDiscovered skips auto-discovered service stubs, which rarely
	// have telemetry of their own.
	ExcludeDiscovered bool
}

// Batch fans the pipeline out over every eligible service. A failing
// service never cancels its siblings; failures are collected in the
// summary.
type Batch struct {
	logger      log.Logger
	graph       graph.Store
	pipeline    *Pipeline
	metrics     *Metrics
	concurrency int64
	now         func() time.Time
}

// NewBatch wires the batch orchestrator. concurrency <= 0 selects the
// default. metrics may be nil.
func NewBatch(logger log.Logger, store graph.Store, pipeline *Pipeline, metrics *Metrics, concurrency int) *Batch {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if concurrency <= 0 {
		concurrency = DefaultBatchConcurrency
	}
	return &Batch{
		logger:      logger,
		graph:       store,
		pipeline:    pipeline,
		metrics:     metrics,
		concurrency: int64(concurrency),
		now:         time.Now,
	}
}

// Run generates recommendations for every eligible service under the
// concurrency bound and waits for all of them.
func (b *Batch) Run(ctx context.Context, req BatchRequest) (*Summary, error) {
	start := b.now()
	b.metrics.batchRuns.Inc()

	services, err := b.graph.ListServices(ctx, batchPageCap)
	if err != nil {
		return nil, err
	}
	eligible := services
	if req.ExcludeDiscovered {
		eligible = lo.Filter(services, func(svc *graph.Service, _ int) bool {
			return !svc.Discovered
		})
	}

	summary := &Summary{
		Total:   len(services),
		Skipped: len(services) - len(eligible),
	}

	sem := semaphore.NewWeighted(b.concurrency)
	var (
		wg  sync.WaitGroup
		mtx sync.Mutex
	)
	for _, svc := range eligible {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context gone; everything still unstarted counts as failed.
			mtx.Lock()
			summary.Failed++
			summary.Failures = append(summary.Failures, BatchFailure{
				ServiceBusinessID: svc.BusinessID,
				Error:             err.Error(),
			})
			mtx.Unlock()
			continue
		}
		wg.Add(1)
		go func(svc *graph.Service) {
			defer wg.Done()
			defer sem.Release(1)
			_, err := b.pipeline.Generate(ctx, GenerateRequest{
				ServiceBusinessID: svc.BusinessID,
				SLIType:           req.SLIType,
				LookbackDays:      req.LookbackDays,
				Force:             true,
			})
			mtx.Lock()
			defer mtx.Unlock()
			if err != nil {
				summary.Failed++
				summary.Failures = append(summary.Failures, BatchFailure{
					ServiceBusinessID: svc.BusinessID,
					Error:             err.Error(),
				})
				b.metrics.batchServiceFailures.Inc()
				return
			}
			summary.Successful++
		}(svc)
	}
	wg.Wait()

	summary.Duration = b.now().Sub(start)
	level.Info(b.logger).Log(
		"msg", "batch run finished",
		"total", summary.Total, "successful", summary.Successful,
		"failed", summary.Failed, "skipped", summary.Skipped,
		"duration", summary.Duration)
	return summary, nil
}
