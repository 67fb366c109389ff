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
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/GoogleCloudPlatform/slo-recommender/pkg/graph"
	"github.com/GoogleCloudPlatform/slo-recommender/pkg/sli"
	"github.com/GoogleCloudPlatform/slo-recommender/pkg/telemetry"
)

const (
	// ColdStartThreshold is the minimum telemetry completeness for the
	// requested window; below it the lookback extends to
	// ColdStartLookbackDays.
	ColdStartThreshold    = 0.90
	ColdStartLookbackDays = 90

	// DependencyDepth bounds the downstream traversal feeding the composite
	// availability calculation.
	DependencyDepth = 3

	// DefaultDependencyAvailability stands in for dependencies without
	// telemetry of their own.
	DefaultDependencyAvailability = 0.999
)

// Service metadata keys the pipeline interprets.
const (
	// MetadataKeyRedundantGroup marks a service as one replica of the
	// parallel redundant set ("true"/"false").
	MetadataKeyRedundantGroup = "redundant_group"
	// MetadataKeySharedInfra marks a service as running on shared
	// infrastructure, which widens the latency noise margin.
	MetadataKeySharedInfra = "shared_infrastructure"
)

// Placeholder attribution features pending real data-source integration.
// They stay in the feature set so the explanation shape is stable.
const (
	placeholderDeploymentFrequency = 0.5
	placeholderCallChainDepth      = float64(DependencyDepth)
	placeholderNoisyNeighbor       = sli.DefaultNoiseMargin
	placeholderSeasonality         = 0.5
)

// Pipeline generates recommendations for one service at a time: resolve,
// decide the window, read telemetry and the downstream subgraph, run the
// calculators, and atomically replace the active rows.
type Pipeline struct {
	logger    log.Logger
	graph     graph.Store
	telemetry telemetry.Provider
	repo      Repository
	metrics   *Metrics
	now       func() time.Time
}

// NewPipeline wires the pipeline's collaborators. metrics may be nil.
func NewPipeline(logger log.Logger, store graph.Store, provider telemetry.Provider, repo Repository, metrics *Metrics) *Pipeline {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Pipeline{
		logger:    logger,
		graph:     store,
		telemetry: provider,
		repo:      repo,
		metrics:   metrics,
		now:       time.Now,
	}
}

// SetClock overrides the pipeline clock. Intended for tests.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// seedFor derives the bootstrap seed from the business id so repeated runs
// for the same service produce identical tiers.
func seedFor(businessID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(businessID))
	return int64(h.Sum64())
}

// Generate produces recommendations for one service. An unknown business id
// returns (nil, nil). Missing telemetry drops the affected SLI with a
// warning in the response; repository and graph errors propagate.
func (p *Pipeline) Generate(ctx context.Context, req GenerateRequest) (*Response, error) {
	start := p.now()
	resp, cached, err := p.generate(ctx, req)
	p.metrics.pipelineDuration.Observe(p.now().Sub(start).Seconds())
	switch {
	case err != nil:
		p.metrics.pipelineRuns.WithLabelValues(resultFailure).Inc()
	case resp == nil:
		p.metrics.pipelineRuns.WithLabelValues(resultNotFound).Inc()
	case cached:
		p.metrics.pipelineRuns.WithLabelValues(resultCached).Inc()
	default:
		p.metrics.pipelineRuns.WithLabelValues(resultSuccess).Inc()
	}
	return resp, err
}

func (p *Pipeline) generate(ctx context.Context, req GenerateRequest) (*Response, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}
	types, _ := req.SLIType.Types()

	svc, err := p.graph.GetServiceByBusinessID(ctx, req.ServiceBusinessID)
	if errors.Is(err, graph.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if !req.Force {
		if cached, ok, err := p.cachedResponse(ctx, svc, types); err != nil {
			return nil, false, err
		} else if ok {
			return cached, true, nil
		}
	}

	lookback := req.LookbackDays
	completeness, err := p.telemetry.DataCompleteness(ctx, svc.BusinessID, lookback)
	if err != nil {
		return nil, false, err
	}
	coldStart := completeness < ColdStartThreshold
	var warnings []string
	if coldStart {
		level.Warn(p.logger).Log(
			"msg", "telemetry completeness below threshold, extending lookback",
			"service", svc.BusinessID, "completeness", completeness,
			"requested_days", lookback, "extended_days", ColdStartLookbackDays)
		warnings = append(warnings, fmt.Sprintf(
			"telemetry completeness %.2f below %.2f for the requested %d days; extended lookback to %d days",
			completeness, ColdStartThreshold, lookback, ColdStartLookbackDays))
		lookback = ColdStartLookbackDays
		p.metrics.coldStarts.Inc()
	}

	now := p.now().UTC()
	windowStart := now.AddDate(0, 0, -lookback)
	seed := seedFor(svc.BusinessID)

	var recs []*Recommendation
	for _, sliType := range types {
		var (
			rec     *Recommendation
			warning string
		)
		switch sliType {
		case sli.SLIAvailability:
			rec, warning, err = p.availabilityLeg(ctx, svc, lookback, windowStart, now, coldStart, seed)
		case sli.SLILatency:
			rec, warning, err = p.latencyLeg(ctx, svc, lookback, windowStart, now, coldStart, seed)
		}
		if err != nil {
			return nil, false, err
		}
		if warning != "" {
			level.Warn(p.logger).Log("msg", "dropping SLI", "service", svc.BusinessID, "sli", sliType, "reason", warning)
			warnings = append(warnings, warning)
			continue
		}
		saved, err := p.repo.ReplaceActive(ctx, rec)
		if err != nil {
			return nil, false, err
		}
		p.metrics.recommendationsSaved.WithLabelValues(string(sliType)).Inc()
		recs = append(recs, saved)
	}

	return &Response{
		ServiceBusinessID: svc.BusinessID,
		GeneratedAt:       now.Format(time.RFC3339),
		LookbackWindow: Window{
			Start: windowStart.Format(time.RFC3339),
			End:   now.Format(time.RFC3339),
		},
		Recommendations: recs,
		Warnings:        warnings,
	}, false, nil
}

// cachedResponse serves unexpired active rows when every requested SLI type
// has one, sparing a full regeneration.
func (p *Pipeline) cachedResponse(ctx context.Context, svc *graph.Service, types []sli.SLIType) (*Response, bool, error) {
	active, err := p.repo.GetActive(ctx, svc.ID, "")
	if err != nil {
		return nil, false, err
	}
	now := p.now().UTC()
	byType := make(map[sli.SLIType]*Recommendation, len(active))
	for _, rec := range active {
		if rec.ExpiresAt.After(now) {
			byType[rec.SLIType] = rec
		}
	}
	recs := make([]*Recommendation, 0, len(types))
	for _, t := range types {
		rec, ok := byType[t]
		if !ok {
			return nil, false, nil
		}
		recs = append(recs, rec)
	}

	latest := recs[0]
	for _, rec := range recs[1:] {
		if rec.GeneratedAt.After(latest.GeneratedAt) {
			latest = rec
		}
	}
	return &Response{
		ServiceBusinessID: svc.BusinessID,
		GeneratedAt:       latest.GeneratedAt.UTC().Format(time.RFC3339),
		LookbackWindow: Window{
			Start: latest.WindowStart.UTC().Format(time.RFC3339),
			End:   latest.WindowEnd.UTC().Format(time.RFC3339),
		},
		Recommendations: recs,
	}, true, nil
}

func (p *Pipeline) availabilityLeg(ctx context.Context, svc *graph.Service, lookback int, windowStart, now time.Time, coldStart bool, seed int64) (*Recommendation, string, error) {
	avail, err := p.telemetry.Availability(ctx, svc.BusinessID, lookback)
	if err != nil {
		return nil, "", err
	}
	if avail == nil {
		return nil, fmt.Sprintf("no availability telemetry for %q over %d days", svc.BusinessID, lookback), nil
	}
	buckets, err := p.telemetry.RollingAvailability(ctx, svc.BusinessID, lookback, telemetry.DefaultBucketHours)
	if err != nil {
		return nil, "", err
	}
	if len(buckets) == 0 {
		return nil, fmt.Sprintf("no rolling availability buckets for %q over %d days", svc.BusinessID, lookback), nil
	}

	deps, hardCount, err := p.dependencyInputs(ctx, svc)
	if err != nil {
		return nil, "", err
	}
	composite, err := sli.CompositeAvailability(avail.Ratio, deps)
	if err != nil {
		return nil, "", err
	}

	tiers, err := sli.AvailabilityTiers(sli.AvailabilityInputs{
		HistoricalMean: avail.Ratio,
		Buckets:        buckets,
		CompositeBound: composite.Bound,
		Seed:           seed,
	})
	if err != nil {
		return nil, "", err
	}

	minDepR := 1.0
	for _, d := range deps {
		if d.Hard && d.Availability < minDepR {
			minDepR = d.Availability
		}
	}
	attrs, err := sli.Attribute(sli.SLIAvailability, map[string]float64{
		sli.FeatureHistoricalAvailability: avail.Ratio,
		sli.FeatureDependencyRisk:         1 - composite.Bound,
		sli.FeatureExternalAPIReliability: minDepR,
		sli.FeatureDeploymentFrequency:    placeholderDeploymentFrequency,
	})
	if err != nil {
		return nil, "", err
	}

	completeness, err := p.telemetry.DataCompleteness(ctx, svc.BusinessID, lookback)
	if err != nil {
		return nil, "", err
	}

	tierMap := make(map[sli.TierLevel]Tier, len(tiers))
	for _, t := range tiers {
		budget := t.ErrorBudgetMinutes
		tierMap[t.Level] = Tier{
			Level:              t.Level,
			Target:             t.TargetPercent,
			ErrorBudgetMinutes: &budget,
			BreachProbability:  t.BreachProbability,
			CILower:            t.CI.Lower,
			CIUpper:            t.CI.Upper,
		}
	}

	balanced := tierMap[sli.TierBalanced]
	summary := fmt.Sprintf(
		"Achieved %.4f%% availability over %d days. Balanced target %.3f%% under a composite dependency bound of %.4f%% (%d hard, %d soft dependencies; bottleneck: %s).",
		avail.Ratio*100, lookback, balanced.Target, composite.Bound*100,
		hardCount, composite.SoftCount, composite.Bottleneck)

	rec := &Recommendation{
		ServiceID: svc.ID,
		SLIType:   sli.SLIAvailability,
		Metric:    MetricErrorRate,
		Tiers:     tierMap,
		Explanation: Explanation{
			Summary:      summary,
			Attributions: convertAttributions(attrs),
			DependencyImpact: &DependencyImpact{
				CompositeBound: composite.Bound,
				Bottleneck:     composite.Bottleneck,
				HardCount:      hardCount,
				SoftCount:      composite.SoftCount,
			},
		},
		DataQuality: p.dataQuality(completeness, coldStart, lookback),
		WindowStart: windowStart,
		WindowEnd:   now,
		GeneratedAt: now,
		ExpiresAt:   now.Add(DefaultTTL),
		Status:      StatusActive,
	}
	return rec, "", nil
}

// dependencyInputs reduces the depth-bounded downstream subgraph to composite
// inputs: hard-sync edges with per-dependency availability fetched from
// telemetry, and soft or degraded edges as excluded inputs so they are
// counted. Returns the inputs and the number of hard dependencies.
func (p *Pipeline) dependencyInputs(ctx context.Context, svc *graph.Service) ([]sli.DependencyInput, int, error) {
	sub, err := p.graph.Traverse(ctx, svc.BusinessID, graph.TraverseOptions{
		Direction: graph.Downstream,
		MaxDepth:  DependencyDepth,
	})
	if err != nil {
		return nil, 0, err
	}

	nodes := make(map[uuid.UUID]*graph.Service, len(sub.Nodes)+1)
	nodes[sub.Root.ID] = sub.Root
	for _, n := range sub.Nodes {
		nodes[n.ID] = n
	}

	var deps []sli.DependencyInput
	hardTargets := make(map[uuid.UUID]*graph.Service)
	for _, edge := range sub.Edges {
		if edge.TargetID == svc.ID {
			continue
		}
		switch edge.Criticality {
		case graph.DependencySoft, graph.DependencyDegraded:
			deps = append(deps, sli.DependencyInput{
				ID:           edge.TargetID,
				Availability: 1,
			})
			continue
		case graph.DependencyHard:
		}
		if edge.Mode != graph.ModeSync {
			continue
		}
		if node, ok := nodes[edge.TargetID]; ok {
			hardTargets[edge.TargetID] = node
		}
	}

	for id, node := range hardTargets {
		availability := DefaultDependencyAvailability
		depAvail, err := p.telemetry.Availability(ctx, node.BusinessID, MinLookbackDays)
		if err != nil {
			return nil, 0, err
		}
		if depAvail != nil {
			availability = depAvail.Ratio
		}
		deps = append(deps, sli.DependencyInput{
			ID:             id,
			Name:           node.BusinessID,
			Availability:   availability,
			Hard:           true,
			RedundantGroup: node.Metadata[MetadataKeyRedundantGroup] == "true",
		})
	}
	return deps, len(hardTargets), nil
}

func (p *Pipeline) latencyLeg(ctx context.Context, svc *graph.Service, lookback int, windowStart, now time.Time, coldStart bool, seed int64) (*Recommendation, string, error) {
	lat, err := p.telemetry.LatencyPercentiles(ctx, svc.BusinessID, lookback)
	if err != nil {
		return nil, "", err
	}
	if lat == nil {
		return nil, fmt.Sprintf("no latency telemetry for %q over %d days", svc.BusinessID, lookback), nil
	}

	tiers, err := sli.LatencyTiers(sli.LatencyInputs{
		Samples: []sli.LatencySample{{
			P50:  lat.P50,
			P95:  lat.P95,
			P99:  lat.P99,
			P999: lat.P999,
		}},
		SharedInfrastructure: svc.Metadata[MetadataKeySharedInfra] == "true",
		Seed:                 seed,
	})
	if err != nil {
		return nil, "", err
	}

	attrs, err := sli.Attribute(sli.SLILatency, map[string]float64{
		sli.FeatureP99Historical:      lat.P99,
		sli.FeatureCallChainDepth:     placeholderCallChainDepth,
		sli.FeatureNoisyNeighbor:      placeholderNoisyNeighbor,
		sli.FeatureTrafficSeasonality: placeholderSeasonality,
	})
	if err != nil {
		return nil, "", err
	}

	completeness, err := p.telemetry.DataCompleteness(ctx, svc.BusinessID, lookback)
	if err != nil {
		return nil, "", err
	}

	tierMap := make(map[sli.TierLevel]Tier, len(tiers))
	for _, t := range tiers {
		ms := t.TargetMSInt
		tierMap[t.Level] = Tier{
			Level:             t.Level,
			Target:            t.TargetMS,
			BreachProbability: t.BreachProbability,
			CILower:           t.CI.Lower,
			CIUpper:           t.CI.Upper,
			Percentile:        t.Percentile,
			TargetMSInt:       &ms,
		}
	}

	summary := fmt.Sprintf(
		"Historical p99 latency %.1f ms over %d days. Balanced target %.1f ms from the worst observed p99 plus noise margin.",
		lat.P99, lookback, tierMap[sli.TierBalanced].Target)

	rec := &Recommendation{
		ServiceID: svc.ID,
		SLIType:   sli.SLILatency,
		Metric:    MetricP99ResponseMS,
		Tiers:     tierMap,
		Explanation: Explanation{
			Summary:      summary,
			Attributions: convertAttributions(attrs),
		},
		DataQuality: p.dataQuality(completeness, coldStart, lookback),
		WindowStart: windowStart,
		WindowEnd:   now,
		GeneratedAt: now,
		ExpiresAt:   now.Add(DefaultTTL),
		Status:      StatusActive,
	}
	return rec, "", nil
}

func (p *Pipeline) dataQuality(completeness float64, coldStart bool, lookback int) DataQuality {
	q := DataQuality{
		Completeness:       completeness,
		ColdStart:          coldStart,
		LookbackDaysActual: lookback,
	}
	if completeness < 1 {
		q.Gaps = append(q.Gaps, fmt.Sprintf("telemetry covers %.0f%% of the %d-day window", completeness*100, lookback))
	}
	switch {
	case completeness >= 0.99:
		q.ConfidenceNote = "High confidence: near-complete telemetry coverage."
	case completeness >= ColdStartThreshold:
		q.ConfidenceNote = "Good confidence: minor telemetry gaps."
	default:
		q.ConfidenceNote = "Reduced confidence: sparse telemetry, lookback extended."
	}
	return q
}

func convertAttributions(attrs []sli.Attribution) []Attribution {
	out := make([]Attribution, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, Attribution{
			Feature:      a.Feature,
			Contribution: a.Contribution,
			Detail:       a.Detail,
		})
	}
	return out
}
