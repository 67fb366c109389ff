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
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CachedProvider memoizes telemetry responses for a TTL. Dependency fan-out
// in the pipeline re-reads the same popular services many times per batch
// run; the cache keeps that from hammering the backend. No-data results are
// cached as well.
type CachedProvider struct {
	next  Provider
	cache *gocache.Cache
}

var _ Provider = (*CachedProvider)(nil)

// NewCachedProvider wraps next with the given TTL.
func NewCachedProvider(next Provider, ttl time.Duration) *CachedProvider {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedProvider{
		next:  next,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func cacheKey(op, businessID string, args ...int) string {
	key := op + "|" + businessID
	for _, a := range args {
		key += fmt.Sprintf("|%d", a)
	}
	return key
}

func (c *CachedProvider) Availability(ctx context.Context, businessID string, windowDays int) (*Availability, error) {
	key := cacheKey("availability", businessID, windowDays)
	if v, ok := c.cache.Get(key); ok {
		cached, _ := v.(*Availability)
		return cached, nil
	}
	out, err := c.next.Availability(ctx, businessID, windowDays)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, out)
	return out, nil
}

func (c *CachedProvider) LatencyPercentiles(ctx context.Context, businessID string, windowDays int) (*Latency, error) {
	key := cacheKey("latency", businessID, windowDays)
	if v, ok := c.cache.Get(key); ok {
		cached, _ := v.(*Latency)
		return cached, nil
	}
	out, err := c.next.LatencyPercentiles(ctx, businessID, windowDays)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, out)
	return out, nil
}

func (c *CachedProvider) RollingAvailability(ctx context.Context, businessID string, windowDays, bucketHours int) ([]float64, error) {
	key := cacheKey("rolling", businessID, windowDays, bucketHours)
	if v, ok := c.cache.Get(key); ok {
		cached, _ := v.([]float64)
		return cached, nil
	}
	out, err := c.next.RollingAvailability(ctx, businessID, windowDays, bucketHours)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, out)
	return out, nil
}

func (c *CachedProvider) DataCompleteness(ctx context.Context, businessID string, windowDays int) (float64, error) {
	key := cacheKey("completeness", businessID, windowDays)
	if v, ok := c.cache.Get(key); ok {
		cached, _ := v.(float64)
		return cached, nil
	}
	out, err := c.next.DataCompleteness(ctx, businessID, windowDays)
	if err != nil {
		return 0, err
	}
	c.cache.SetDefault(key, out)
	return out, nil
}
