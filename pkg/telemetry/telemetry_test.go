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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestMockProviderDeterministic(t *testing.T) {
	ctx := context.Background()
	m := NewMockProvider()

	a1, err := m.Availability(ctx, "checkout", 30)
	require.NoError(t, err)
	a2, err := m.Availability(ctx, "checkout", 30)
	require.NoError(t, err)
	require.NotNil(t, a1)
	require.Equal(t, a1.Ratio, a2.Ratio, "same service must yield identical telemetry")
	require.NoError(t, a1.Validate())

	other, err := m.Availability(ctx, "payments", 30)
	require.NoError(t, err)
	require.NotEqual(t, a1.Ratio, other.Ratio, "different services should differ")

	l, err := m.LatencyPercentiles(ctx, "checkout", 30)
	require.NoError(t, err)
	require.NoError(t, l.Validate())

	rolling, err := m.RollingAvailability(ctx, "checkout", 30, DefaultBucketHours)
	require.NoError(t, err)
	require.Len(t, rolling, 30)
	for _, v := range rolling {
		if v < 0 || v > 1 {
			t.Fatalf("rolling ratio %v outside [0,1]", v)
		}
	}

	completeness, err := m.DataCompleteness(ctx, "checkout", 30)
	require.NoError(t, err)
	if completeness < 0 || completeness > 1 {
		t.Fatalf("completeness %v outside [0,1]", completeness)
	}
}

func TestMockProviderSeeds(t *testing.T) {
	ctx := context.Background()
	m := NewMockProvider()

	avail := 0.9876
	completeness := 0.65
	m.SetSeed("checkout", Seed{
		Availability: &avail,
		Rolling:      []float64{0.99, 0.98, 1.0},
		Completeness: &completeness,
	})
	m.SetSeed("ghost", Seed{NoData: true})

	a, err := m.Availability(ctx, "checkout", 30)
	require.NoError(t, err)
	require.Equal(t, avail, a.Ratio)

	rolling, err := m.RollingAvailability(ctx, "checkout", 30, DefaultBucketHours)
	require.NoError(t, err)
	if diff := cmp.Diff([]float64{0.99, 0.98, 1.0}, rolling); diff != "" {
		t.Errorf("rolling mismatch (-want +got):\n%s", diff)
	}

	c, err := m.DataCompleteness(ctx, "checkout", 30)
	require.NoError(t, err)
	require.Equal(t, completeness, c)

	none, err := m.Availability(ctx, "ghost", 30)
	require.NoError(t, err)
	require.Nil(t, none, "no-data seed must return nil, nil")
	lat, err := m.LatencyPercentiles(ctx, "ghost", 30)
	require.NoError(t, err)
	require.Nil(t, lat)
}

func TestMockProviderSeedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seeds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
services:
  checkout:
    availability: 0.9991
    rolling: [0.999, 0.998]
  legacy:
    no_data: true
`), 0o600))

	m := NewMockProvider()
	require.NoError(t, m.LoadSeedFile(path))

	a, err := m.Availability(context.Background(), "checkout", 7)
	require.NoError(t, err)
	require.Equal(t, 0.9991, a.Ratio)

	none, err := m.Availability(context.Background(), "legacy", 7)
	require.NoError(t, err)
	require.Nil(t, none)
}

// flakyProvider fails a fixed number of times before delegating to a mock.
type flakyProvider struct {
	MockProvider
	failures  int
	calls     int
	transient bool
}

func (f *flakyProvider) Availability(ctx context.Context, businessID string, windowDays int) (*Availability, error) {
	f.calls++
	if f.calls <= f.failures {
		if f.transient {
			return nil, fmt.Errorf("%w: backend hiccup", ErrTransient)
		}
		return nil, errors.New("permanent failure")
	}
	return f.MockProvider.Availability(ctx, businessID, windowDays)
}

func TestRetryProviderRecoversFromTransientFailures(t *testing.T) {
	flaky := &flakyProvider{MockProvider: *NewMockProvider(), failures: 2, transient: true}
	r := NewRetryProvider(nil, flaky, RetryOptions{BaseDelay: time.Millisecond})

	a, err := r.Availability(context.Background(), "checkout", 30)
	require.NoError(t, err)
	require.NotNil(t, a)
	require.Equal(t, 3, flaky.calls)
}

func TestRetryProviderExhaustsAttempts(t *testing.T) {
	flaky := &flakyProvider{MockProvider: *NewMockProvider(), failures: 10, transient: true}
	r := NewRetryProvider(nil, flaky, RetryOptions{BaseDelay: time.Millisecond})

	_, err := r.Availability(context.Background(), "checkout", 30)
	require.ErrorIs(t, err, ErrTransient)
	require.Equal(t, 3, flaky.calls, "default is three attempts")
}

func TestRetryProviderDoesNotRetryPermanentErrors(t *testing.T) {
	flaky := &flakyProvider{MockProvider: *NewMockProvider(), failures: 10, transient: false}
	r := NewRetryProvider(nil, flaky, RetryOptions{BaseDelay: time.Millisecond})

	_, err := r.Availability(context.Background(), "checkout", 30)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrTransient)
	require.Equal(t, 1, flaky.calls)
}

// countingProvider counts calls through to the mock.
type countingProvider struct {
	MockProvider
	calls int
}

func (c *countingProvider) Availability(ctx context.Context, businessID string, windowDays int) (*Availability, error) {
	c.calls++
	return c.MockProvider.Availability(ctx, businessID, windowDays)
}

func TestCachedProviderMemoizes(t *testing.T) {
	ctx := context.Background()
	counting := &countingProvider{MockProvider: *NewMockProvider()}
	cached := NewCachedProvider(counting, time.Minute)

	first, err := cached.Availability(ctx, "checkout", 30)
	require.NoError(t, err)
	second, err := cached.Availability(ctx, "checkout", 30)
	require.NoError(t, err)
	require.Equal(t, first.Ratio, second.Ratio)
	require.Equal(t, 1, counting.calls, "second read must come from cache")

	// Different window is a different cache entry.
	_, err = cached.Availability(ctx, "checkout", 7)
	require.NoError(t, err)
	require.Equal(t, 2, counting.calls)
}
