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
	"time"

	"github.com/avast/retry-go"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/sony/gobreaker"
)

// RetryOptions tunes the retry decorator.
type RetryOptions struct {
	// Attempts per call, transient failures only. Default 3.
	Attempts uint
	// BaseDelay for the exponential backoff. Default 100ms.
	BaseDelay time.Duration
}

// RetryProvider decorates a Provider with bounded retries on transient
// faults and a circuit breaker that sheds load when the backend is down.
// This is the port-boundary retry policy: exponential backoff, up to three
// attempts, then the transient error surfaces to the pipeline.
type RetryProvider struct {
	logger  log.Logger
	next    Provider
	opts    RetryOptions
	breaker *gobreaker.CircuitBreaker
}

var _ Provider = (*RetryProvider)(nil)

// NewRetryProvider wraps next.
func NewRetryProvider(logger log.Logger, next Provider, opts RetryOptions) *RetryProvider {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	return &RetryProvider{
		logger: logger,
		next:   next,
		opts:   opts,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "telemetry",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			Timeout: 30 * time.Second,
		}),
	}
}

// do runs fn under the breaker with retries on transient errors only.
func (r *RetryProvider) do(ctx context.Context, op string, fn func() error) error {
	err := retry.Do(
		func() error {
			_, err := r.breaker.Execute(func() (interface{}, error) {
				return nil, fn()
			})
			return err
		},
		retry.Context(ctx),
		retry.Attempts(r.opts.Attempts),
		retry.Delay(r.opts.BaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrTransient)
		}),
		retry.OnRetry(func(n uint, err error) {
			level.Warn(r.logger).Log("msg", "retrying telemetry call", "op", op, "attempt", n+1, "err", err)
		}),
	)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Join(ErrTransient, err)
	}
	return err
}

func (r *RetryProvider) Availability(ctx context.Context, businessID string, windowDays int) (*Availability, error) {
	var out *Availability
	err := r.do(ctx, "availability", func() error {
		var err error
		out, err = r.next.Availability(ctx, businessID, windowDays)
		return err
	})
	return out, err
}

func (r *RetryProvider) LatencyPercentiles(ctx context.Context, businessID string, windowDays int) (*Latency, error) {
	var out *Latency
	err := r.do(ctx, "latency_percentiles", func() error {
		var err error
		out, err = r.next.LatencyPercentiles(ctx, businessID, windowDays)
		return err
	})
	return out, err
}

func (r *RetryProvider) RollingAvailability(ctx context.Context, businessID string, windowDays, bucketHours int) ([]float64, error) {
	var out []float64
	err := r.do(ctx, "rolling_availability", func() error {
		var err error
		out, err = r.next.RollingAvailability(ctx, businessID, windowDays, bucketHours)
		return err
	})
	return out, err
}

func (r *RetryProvider) DataCompleteness(ctx context.Context, businessID string, windowDays int) (float64, error) {
	var out float64
	err := r.do(ctx, "data_completeness", func() error {
		var err error
		out, err = r.next.DataCompleteness(ctx, businessID, windowDays)
		return err
	})
	return out, err
}
