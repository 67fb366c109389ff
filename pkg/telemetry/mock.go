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
	"hash/fnv"
	"math/rand"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Seed describes the telemetry the mock serves for one service. Zero-valued
// fields fall back to values derived deterministically from the business id.
type Seed struct {
	// NoData makes every lookup behave as if the backend had no samples.
	NoData bool `yaml:"no_data"`

	Availability *float64  `yaml:"availability"`
	Rolling      []float64 `yaml:"rolling"`
	Completeness *float64  `yaml:"completeness"`

	LatencyP50  *float64 `yaml:"latency_p50"`
	LatencyP95  *float64 `yaml:"latency_p95"`
	LatencyP99  *float64 `yaml:"latency_p99"`
	LatencyP999 *float64 `yaml:"latency_p999"`
}

type seedFile struct {
	Services map[string]Seed `yaml:"services"`
}

// MockProvider serves deterministic telemetry derived from the service's
// business id, optionally overridden per service via seeds. It backs tests
// and the daemon's mock mode.
type MockProvider struct {
	seeds map[string]Seed
	now   func() time.Time
}

var _ Provider = (*MockProvider)(nil)

// NewMockProvider returns a mock with no per-service overrides.
func NewMockProvider() *MockProvider {
	return &MockProvider{seeds: map[string]Seed{}, now: time.Now}
}

// SetSeed installs or replaces the override for one service.
func (m *MockProvider) SetSeed(businessID string, seed Seed) {
	m.seeds[businessID] = seed
}

// LoadSeedFile merges per-service overrides from a YAML file.
func (m *MockProvider) LoadSeedFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read telemetry seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse telemetry seed file %q: %w", path, err)
	}
	for id, seed := range f.Services {
		m.seeds[id] = seed
	}
	return nil
}

// SetClock overrides the mock clock. Intended for tests.
func (m *MockProvider) SetClock(now func() time.Time) {
	m.now = now
}

// rng returns a generator seeded from the business id so repeated calls for
// the same service produce identical telemetry.
func rng(businessID string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(businessID))
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

func (m *MockProvider) Availability(ctx context.Context, businessID string, windowDays int) (*Availability, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seed := m.seeds[businessID]
	if seed.NoData {
		return nil, nil
	}
	ratio := 0.995 + rng(businessID).Float64()*0.0049
	if seed.Availability != nil {
		ratio = *seed.Availability
	}
	end := m.now()
	total := int64(windowDays) * 1_000_000
	good := int64(float64(total) * ratio)
	return &Availability{
		ServiceBusinessID: businessID,
		GoodEvents:        good,
		TotalEvents:       total,
		Ratio:             ratio,
		WindowStart:       end.AddDate(0, 0, -windowDays),
		WindowEnd:         end,
		SampleCount:       windowDays,
	}, nil
}

func (m *MockProvider) LatencyPercentiles(ctx context.Context, businessID string, windowDays int) (*Latency, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seed := m.seeds[businessID]
	if seed.NoData {
		return nil, nil
	}
	r := rng(businessID)
	p50 := 20 + r.Float64()*80
	p95 := p50 * (2 + r.Float64())
	p99 := p95 * (1.2 + r.Float64()*0.5)
	p999 := p99 * (1.1 + r.Float64()*0.4)
	if seed.LatencyP50 != nil {
		p50 = *seed.LatencyP50
	}
	if seed.LatencyP95 != nil {
		p95 = *seed.LatencyP95
	}
	if seed.LatencyP99 != nil {
		p99 = *seed.LatencyP99
	}
	if seed.LatencyP999 != nil {
		p999 = *seed.LatencyP999
	}
	end := m.now()
	return &Latency{
		ServiceBusinessID: businessID,
		P50:               p50,
		P95:               p95,
		P99:               p99,
		P999:              p999,
		WindowStart:       end.AddDate(0, 0, -windowDays),
		WindowEnd:         end,
		SampleCount:       windowDays,
	}, nil
}

func (m *MockProvider) RollingAvailability(ctx context.Context, businessID string, windowDays, bucketHours int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seed := m.seeds[businessID]
	if seed.NoData {
		return nil, nil
	}
	if seed.Rolling != nil {
		return append([]float64(nil), seed.Rolling...), nil
	}
	if bucketHours <= 0 {
		bucketHours = DefaultBucketHours
	}
	buckets := windowDays * 24 / bucketHours
	r := rng(businessID)
	base := 0.995 + r.Float64()*0.0049
	if seed.Availability != nil {
		base = *seed.Availability
	}
	out := make([]float64, 0, buckets)
	for i := 0; i < buckets; i++ {
		v := base + (r.Float64()-0.5)*0.002
		if v > 1 {
			v = 1
		}
		if v < 0 {
			v = 0
		}
		out = append(out, v)
	}
	return out, nil
}

func (m *MockProvider) DataCompleteness(ctx context.Context, businessID string, windowDays int) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	seed := m.seeds[businessID]
	if seed.NoData {
		return 0, nil
	}
	if seed.Completeness != nil {
		return *seed.Completeness, nil
	}
	return 0.92 + rng(businessID).Float64()*0.08, nil
}
