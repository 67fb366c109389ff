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

package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// PromConfig configures the Prometheus-backed provider. The query templates
// support the placeholders $service, $window (e.g. "30d") and, for the
// quantile template, $quantile.
type PromConfig struct {
	// Address of the Prometheus-compatible query API.
	Address string

	AvailabilityGoodQuery  string
	AvailabilityTotalQuery string
	// AvailabilityRatioQuery computes a point-in-time good/total ratio and
	// drives the rolling bucket series.
	AvailabilityRatioQuery string
	// LatencyQuantileQuery must yield milliseconds.
	LatencyQuantileQuery string
}

// Default query templates, matching the common http_requests_total /
// http_request_duration_seconds instrumentation conventions.
const (
	defaultGoodQuery  = `sum(increase(http_requests_total{service="$service",code!~"5.."}[$window]))`
	defaultTotalQuery = `sum(increase(http_requests_total{service="$service"}[$window]))`
	defaultRatioQuery = `sum(rate(http_requests_total{service="$service",code!~"5.."}[1h])) / sum(rate(http_requests_total{service="$service"}[1h]))`
	defaultQuantile   = `histogram_quantile($quantile, sum(rate(http_request_duration_seconds_bucket{service="$service"}[$window])) by (le)) * 1000`
)

// PromProvider reads SLI aggregates from a Prometheus query API.
type PromProvider struct {
	logger log.Logger
	api    promv1.API
	cfg    PromConfig
	now    func() time.Time
}

var _ Provider = (*PromProvider)(nil)

// NewPromProvider builds a provider against cfg.Address.
func NewPromProvider(logger log.Logger, cfg PromConfig) (*PromProvider, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("prometheus address must not be empty")
	}
	if cfg.AvailabilityGoodQuery == "" {
		cfg.AvailabilityGoodQuery = defaultGoodQuery
	}
	if cfg.AvailabilityTotalQuery == "" {
		cfg.AvailabilityTotalQuery = defaultTotalQuery
	}
	if cfg.AvailabilityRatioQuery == "" {
		cfg.AvailabilityRatioQuery = defaultRatioQuery
	}
	if cfg.LatencyQuantileQuery == "" {
		cfg.LatencyQuantileQuery = defaultQuantile
	}
	client, err := api.NewClient(api.Config{Address: cfg.Address})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}
	return &PromProvider{
		logger: logger,
		api:    promv1.NewAPI(client),
		cfg:    cfg,
		now:    time.Now,
	}, nil
}

func expand(tmpl, businessID string, windowDays int, quantile string) string {
	r := strings.NewReplacer(
		"$service", businessID,
		"$window", fmt.Sprintf("%dd", windowDays),
		"$quantile", quantile,
	)
	return r.Replace(tmpl)
}

// scalar evaluates an instant query and returns the first sample value.
// ok is false when the query matched no series or the value is not a number.
func (p *PromProvider) scalar(ctx context.Context, query string, ts time.Time) (float64, bool, error) {
	value, warnings, err := p.api.Query(ctx, query, ts)
	if err != nil {
		return 0, false, fmt.Errorf("%w: query %q: %v", ErrTransient, query, err)
	}
	for _, w := range warnings {
		level.Debug(p.logger).Log("msg", "prometheus query warning", "query", query, "warning", w)
	}
	vec, ok := value.(model.Vector)
	if !ok || len(vec) == 0 {
		return 0, false, nil
	}
	v := float64(vec[0].Value)
	if v != v { // NaN: empty rate windows
		return 0, false, nil
	}
	return v, true, nil
}

func (p *PromProvider) Availability(ctx context.Context, businessID string, windowDays int) (*Availability, error) {
	end := p.now()
	good, okGood, err := p.scalar(ctx, expand(p.cfg.AvailabilityGoodQuery, businessID, windowDays, ""), end)
	if err != nil {
		return nil, err
	}
	total, okTotal, err := p.scalar(ctx, expand(p.cfg.AvailabilityTotalQuery, businessID, windowDays, ""), end)
	if err != nil {
		return nil, err
	}
	if !okGood || !okTotal || total <= 0 {
		return nil, nil
	}
	if good > total {
		// Counter resets can make increase() slightly inconsistent between
		// the two queries.
		good = total
	}
	return &Availability{
		ServiceBusinessID: businessID,
		GoodEvents:        int64(good),
		TotalEvents:       int64(total),
		Ratio:             good / total,
		WindowStart:       end.AddDate(0, 0, -windowDays),
		WindowEnd:         end,
		SampleCount:       windowDays,
	}, nil
}

func (p *PromProvider) LatencyPercentiles(ctx context.Context, businessID string, windowDays int) (*Latency, error) {
	end := p.now()
	quantiles := []string{"0.5", "0.95", "0.99", "0.999"}
	values := make([]float64, len(quantiles))
	for i, q := range quantiles {
		v, ok, err := p.scalar(ctx, expand(p.cfg.LatencyQuantileQuery, businessID, windowDays, q), end)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		values[i] = v
	}
	return &Latency{
		ServiceBusinessID: businessID,
		P50:               values[0],
		P95:               values[1],
		P99:               values[2],
		P999:              values[3],
		WindowStart:       end.AddDate(0, 0, -windowDays),
		WindowEnd:         end,
		SampleCount:       windowDays,
	}, nil
}

// rollingMatrix evaluates the ratio query over the window with one step per
// bucket and returns the chronological series of the first matching stream.
func (p *PromProvider) rollingMatrix(ctx context.Context, businessID string, windowDays, bucketHours int) ([]float64, int, error) {
	if bucketHours <= 0 {
		bucketHours = DefaultBucketHours
	}
	end := p.now()
	r := promv1.Range{
		Start: end.AddDate(0, 0, -windowDays),
		End:   end,
		Step:  time.Duration(bucketHours) * time.Hour,
	}
	expected := windowDays * 24 / bucketHours
	query := expand(p.cfg.AvailabilityRatioQuery, businessID, windowDays, "")
	value, warnings, err := p.api.QueryRange(ctx, query, r)
	if err != nil {
		return nil, expected, fmt.Errorf("%w: query_range %q: %v", ErrTransient, query, err)
	}
	for _, w := range warnings {
		level.Debug(p.logger).Log("msg", "prometheus query warning", "query", query, "warning", w)
	}
	matrix, ok := value.(model.Matrix)
	if !ok || len(matrix) == 0 {
		return nil, expected, nil
	}
	var out []float64
	for _, sample := range matrix[0].Values {
		v := float64(sample.Value)
		if v != v {
			continue
		}
		if v > 1 {
			v = 1
		}
		if v < 0 {
			v = 0
		}
		out = append(out, v)
	}
	return out, expected, nil
}

func (p *PromProvider) RollingAvailability(ctx context.Context, businessID string, windowDays, bucketHours int) ([]float64, error) {
	out, _, err := p.rollingMatrix(ctx, businessID, windowDays, bucketHours)
	return out, err
}

func (p *PromProvider) DataCompleteness(ctx context.Context, businessID string, windowDays int) (float64, error) {
	present, expected, err := p.rollingMatrix(ctx, businessID, windowDays, DefaultBucketHours)
	if err != nil {
		return 0, err
	}
	if expected <= 0 {
		return 0, nil
	}
	ratio := float64(len(present)) / float64(expected)
	if ratio > 1 {
		ratio = 1
	}
	return ratio, nil
}
