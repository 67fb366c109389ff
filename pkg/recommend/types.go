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

// Package recommend persists SLO recommendations and orchestrates their
// generation: the per-service pipeline that combines graph traversal,
// telemetry history and the tier calculators, and the batch runner that
// fans the pipeline out over the fleet under bounded concurrency.
package recommend

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/GoogleCloudPlatform/slo-recommender/pkg/sli"
)

var (
	// ErrInvalidInput indicates a request or record violating a domain
	// invariant.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict indicates a save racing another writer on the single-active
	// invariant. ReplaceActive retries it internally before surfacing.
	ErrConflict = errors.New("conflict")
	// ErrTransient indicates a storage fault that is safe to retry.
	ErrTransient = errors.New("transient repository error")
)

// Status is the recommendation lifecycle state.
type Status string

const (
	// StatusActive is the single current recommendation per (service, SLI).
	StatusActive Status = "active"
	// StatusSuperseded marks rows replaced by a newer save.
	StatusSuperseded Status = "superseded"
	// StatusExpired marks rows swept past their expiry.
	StatusExpired Status = "expired"
)

// Metric names per SLI type.
const (
	MetricErrorRate     = "error_rate"
	MetricP99ResponseMS = "p99_response_time_ms"
)

// DefaultTTL is how long a recommendation stays actionable before the
// expiry sweep retires it.
const DefaultTTL = 24 * time.Hour

// Tier is one recommended target level. Target carries percent for
// availability and milliseconds for latency.
type Tier struct {
	Level  sli.TierLevel `json:"level"`
	Target float64       `json:"target"`
	// ErrorBudgetMinutes is the monthly error budget, availability only.
	ErrorBudgetMinutes *float64 `json:"error_budget_minutes,omitempty"`
	// BreachProbability is the historical fraction of windows that would
	// have missed this target.
	BreachProbability float64 `json:"breach_probability"`
	// CILower/CIUpper bound the 95% bootstrap confidence interval.
	CILower float64 `json:"ci_lower"`
	CIUpper float64 `json:"ci_upper"`
	// Percentile labels the source percentile series, latency only.
	Percentile string `json:"percentile,omitempty"`
	// TargetMSInt is the target rounded to whole milliseconds, latency only.
	TargetMSInt *int `json:"target_ms_int,omitempty"`
}

// DependencyImpact summarizes how the downstream graph constrains the
// availability recommendation.
type DependencyImpact struct {
	CompositeBound float64 `json:"composite_bound"`
	Bottleneck     string  `json:"bottleneck"`
	HardCount      int     `json:"hard_dependency_count"`
	SoftCount      int     `json:"soft_dependency_count"`
}

// Attribution is one feature's share of the explanation, ordered by
// descending absolute contribution.
type Attribution struct {
	Feature      string  `json:"feature"`
	Contribution float64 `json:"contribution"`
	Detail       string  `json:"detail"`
}

// Explanation is the human-readable rationale stored with a recommendation.
type Explanation struct {
	Summary          string            `json:"summary"`
	Attributions     []Attribution     `json:"attributions"`
	DependencyImpact *DependencyImpact `json:"dependency_impact,omitempty"`
}

// DataQuality describes how trustworthy the underlying telemetry was.
type DataQuality struct {
	// Completeness is the fraction of expected telemetry buckets present
	// over the actual window, in [0,1].
	Completeness   float64  `json:"completeness"`
	Gaps           []string `json:"gaps,omitempty"`
	ConfidenceNote string   `json:"confidence_note,omitempty"`
	ColdStart      bool     `json:"cold_start"`
	// LookbackDaysActual is the window the pipeline really used, which the
	// cold-start extension may have grown beyond the request.
	LookbackDaysActual int `json:"lookback_days_actual"`
}

// Recommendation is one persisted three-tier SLO recommendation.
type Recommendation struct {
	ID          uuid.UUID
	ServiceID   uuid.UUID
	SLIType     sli.SLIType
	Metric      string
	Tiers       map[sli.TierLevel]Tier
	Explanation Explanation
	DataQuality DataQuality
	WindowStart time.Time
	WindowEnd   time.Time
	GeneratedAt time.Time
	ExpiresAt   time.Time
	Status      Status
}

// Validate checks the record invariants. ExpiresAt defaults to GeneratedAt
// plus DefaultTTL when unset.
func (r *Recommendation) Validate() error {
	if r.ServiceID == uuid.Nil {
		return fmt.Errorf("%w: recommendation needs a service id", ErrInvalidInput)
	}
	switch r.SLIType {
	case sli.SLIAvailability, sli.SLILatency:
	default:
		return fmt.Errorf("%w: unknown SLI type %q", ErrInvalidInput, r.SLIType)
	}
	if r.Metric == "" {
		return fmt.Errorf("%w: recommendation needs a metric name", ErrInvalidInput)
	}
	if len(r.Tiers) == 0 {
		return fmt.Errorf("%w: recommendation needs at least one tier", ErrInvalidInput)
	}
	for level, tier := range r.Tiers {
		if level != tier.Level {
			return fmt.Errorf("%w: tier keyed %q carries level %q", ErrInvalidInput, level, tier.Level)
		}
		if tier.BreachProbability < 0 || tier.BreachProbability > 1 {
			return fmt.Errorf("%w: tier %q breach probability %v outside [0,1]", ErrInvalidInput, level, tier.BreachProbability)
		}
		if tier.CILower > tier.CIUpper {
			return fmt.Errorf("%w: tier %q confidence interval inverted", ErrInvalidInput, level)
		}
	}
	if !r.WindowStart.Before(r.WindowEnd) {
		return fmt.Errorf("%w: recommendation window start must precede end", ErrInvalidInput)
	}
	if r.DataQuality.LookbackDaysActual < 1 {
		return fmt.Errorf("%w: actual lookback must be at least one day", ErrInvalidInput)
	}
	if r.GeneratedAt.IsZero() {
		return fmt.Errorf("%w: recommendation needs a generation timestamp", ErrInvalidInput)
	}
	if r.ExpiresAt.IsZero() {
		r.ExpiresAt = r.GeneratedAt.Add(DefaultTTL)
	}
	switch r.Status {
	case "":
		r.Status = StatusActive
	case StatusActive, StatusSuperseded, StatusExpired:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, r.Status)
	}
	return nil
}

// SLIFilter selects which SLI types a generate or batch run covers.
type SLIFilter string

const (
	FilterAvailability SLIFilter = "availability"
	FilterLatency      SLIFilter = "latency"
	FilterAll          SLIFilter = "all"
)

// Types expands the filter into concrete SLI types.
func (f SLIFilter) Types() ([]sli.SLIType, error) {
	switch f {
	case FilterAvailability:
		return []sli.SLIType{sli.SLIAvailability}, nil
	case FilterLatency:
		return []sli.SLIType{sli.SLILatency}, nil
	case FilterAll, "":
		return []sli.SLIType{sli.SLIAvailability, sli.SLILatency}, nil
	}
	return nil, fmt.Errorf("%w: unknown SLI filter %q", ErrInvalidInput, f)
}

// Lookback bounds for generate requests, in days.
const (
	MinLookbackDays = 7
	MaxLookbackDays = 365
)

// GenerateRequest asks the pipeline for recommendations for one service.
type GenerateRequest struct {
	ServiceBusinessID string
	SLIType           SLIFilter
	LookbackDays      int
	// Force regenerates even when unexpired active recommendations exist.
	Force bool
}

// Validate checks the request bounds.
func (r *GenerateRequest) Validate() error {
	if r.ServiceBusinessID == "" {
		return fmt.Errorf("%w: generate request needs a service business id", ErrInvalidInput)
	}
	if r.LookbackDays < MinLookbackDays || r.LookbackDays > MaxLookbackDays {
		return fmt.Errorf("%w: lookback %d days outside [%d,%d]", ErrInvalidInput, r.LookbackDays, MinLookbackDays, MaxLookbackDays)
	}
	if _, err := r.SLIType.Types(); err != nil {
		return err
	}
	return nil
}

// Window is an ISO-8601 UTC time range as rendered in responses.
type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Response is the pipeline output for one service.
type Response struct {
	ServiceBusinessID string            `json:"service_business_id"`
	GeneratedAt       string            `json:"generated_at"`
	LookbackWindow    Window            `json:"lookback_window"`
	Recommendations   []*Recommendation `json:"recommendations"`
	// Warnings records SLIs dropped for lack of telemetry and the cold-start
	// extension.
	Warnings []string `json:"warnings,omitempty"`
}
