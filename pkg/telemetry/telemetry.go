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

// Package telemetry defines the port through which the recommendation
// pipeline reads historical SLI aggregates, plus the provider
// implementations: a Prometheus-backed one for production, a seed-driven
// mock for tests and local runs, and retry/breaker/cache decorators.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTransient indicates a backend fault that is safe to retry. The retry
// decorator surfaces it once its attempts are exhausted.
var ErrTransient = errors.New("transient telemetry error")

// Availability is an aggregate availability observation over a window.
type Availability struct {
	ServiceBusinessID string
	GoodEvents        int64
	TotalEvents       int64
	// Ratio is GoodEvents / TotalEvents in [0,1].
	Ratio       float64
	WindowStart time.Time
	WindowEnd   time.Time
	SampleCount int
}

// ErrorRate is the complement of the availability ratio.
func (a *Availability) ErrorRate() float64 {
	return 1 - a.Ratio
}

// Validate checks the value invariants.
func (a *Availability) Validate() error {
	if a.GoodEvents < 0 || a.TotalEvents < 0 || a.GoodEvents > a.TotalEvents {
		return fmt.Errorf("availability of %q: good events %d out of range for total %d", a.ServiceBusinessID, a.GoodEvents, a.TotalEvents)
	}
	if a.Ratio < 0 || a.Ratio > 1 {
		return fmt.Errorf("availability of %q: ratio %v outside [0,1]", a.ServiceBusinessID, a.Ratio)
	}
	if !a.WindowStart.Before(a.WindowEnd) {
		return fmt.Errorf("availability of %q: window start must precede end", a.ServiceBusinessID)
	}
	if a.SampleCount < 0 {
		return fmt.Errorf("availability of %q: negative sample count", a.ServiceBusinessID)
	}
	return nil
}

// Latency is an aggregate latency percentile observation over a window.
// All percentile values are milliseconds.
type Latency struct {
	ServiceBusinessID string
	P50               float64
	P95               float64
	P99               float64
	P999              float64
	WindowStart       time.Time
	WindowEnd         time.Time
	SampleCount       int
}

// Validate checks the percentile ordering invariant.
func (l *Latency) Validate() error {
	if l.P50 < 0 || l.P50 > l.P95 || l.P95 > l.P99 || l.P99 > l.P999 {
		return fmt.Errorf("latency of %q: percentiles must satisfy 0 <= p50 <= p95 <= p99 <= p999, got %v/%v/%v/%v",
			l.ServiceBusinessID, l.P50, l.P95, l.P99, l.P999)
	}
	if !l.WindowStart.Before(l.WindowEnd) {
		return fmt.Errorf("latency of %q: window start must precede end", l.ServiceBusinessID)
	}
	return nil
}

// DefaultBucketHours is the rolling-availability bucket size.
const DefaultBucketHours = 24

// Provider is the telemetry port consumed by the recommendation pipeline.
// All methods return (nil, nil) respectively (nil, nil)-equivalent empty
// results when the backend simply has no data for the service; errors are
// reserved for backend faults.
type Provider interface {
	// Availability returns the aggregate availability over the trailing
	// window, or nil when no data exists.
	Availability(ctx context.Context, businessID string, windowDays int) (*Availability, error)

	// LatencyPercentiles returns the aggregate latency percentiles over the
	// trailing window, or nil when no data exists.
	LatencyPercentiles(ctx context.Context, businessID string, windowDays int) (*Latency, error)

	// RollingAvailability returns one availability ratio per bucket in
	// chronological order, empty when no data exists.
	RollingAvailability(ctx context.Context, businessID string, windowDays, bucketHours int) ([]float64, error)

	// DataCompleteness returns the fraction of expected bucket samples that
	// are actually present, in [0,1].
	DataCompleteness(ctx context.Context, businessID string, windowDays int) (float64, error)
}
