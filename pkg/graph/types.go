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

// Package graph models the service dependency graph: services, directed
// dependency edges between them, and the alerts raised when the graph
// contains cycles. It provides an in-memory and a Postgres-backed store
// with bounded traversal, staleness tracking and strongly-connected
// component detection.
package graph

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ServiceCriticality classifies how important a service is to the business.
type ServiceCriticality string

const (
	CriticalityCritical ServiceCriticality = "critical"
	CriticalityHigh     ServiceCriticality = "high"
	CriticalityMedium   ServiceCriticality = "medium"
	CriticalityLow      ServiceCriticality = "low"
)

// ServiceType distinguishes services we operate from third-party endpoints.
type ServiceType string

const (
	ServiceInternal ServiceType = "internal"
	ServiceExternal ServiceType = "external"
)

// MetadataKeySource marks how a service record entered the graph.
const MetadataKeySource = "source"

// MetadataSourceAutoDiscovered is set on services that were created implicitly
// because a dependency edge referenced an unknown business id.
const MetadataSourceAutoDiscovered = "auto_discovered"

// Service is a node in the dependency graph.
type Service struct {
	// ID is the opaque internal identifier, assigned at first insert.
	ID uuid.UUID
	// BusinessID is the globally unique, immutable external identifier.
	BusinessID   string
	Criticality  ServiceCriticality
	Team         string
	Type         ServiceType
	PublishedSLA *float64
	Metadata     map[string]string
	// Discovered is true when the service was auto-created from an unknown
	// edge reference rather than registered explicitly.
	Discovered bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Validate checks the service invariants prior to persistence.
func (s *Service) Validate() error {
	if s.BusinessID == "" {
		return fmt.Errorf("%w: service business id must not be empty", ErrInvalidInput)
	}
	switch s.Criticality {
	case CriticalityCritical, CriticalityHigh, CriticalityMedium, CriticalityLow:
	default:
		return fmt.Errorf("%w: unknown service criticality %q", ErrInvalidInput, s.Criticality)
	}
	switch s.Type {
	case ServiceInternal:
	case ServiceExternal:
		if s.PublishedSLA == nil {
			return fmt.Errorf("%w: external service %q requires a published SLA", ErrInvalidInput, s.BusinessID)
		}
		if *s.PublishedSLA < 0 || *s.PublishedSLA > 1 {
			return fmt.Errorf("%w: published SLA of %q must be in [0,1], got %v", ErrInvalidInput, s.BusinessID, *s.PublishedSLA)
		}
	default:
		return fmt.Errorf("%w: unknown service type %q", ErrInvalidInput, s.Type)
	}
	return nil
}

// CommunicationMode describes how a dependency is exercised.
type CommunicationMode string

const (
	ModeSync  CommunicationMode = "sync"
	ModeAsync CommunicationMode = "async"
)

// DependencyCriticality describes how the caller degrades when the
// dependency is unavailable.
type DependencyCriticality string

const (
	// DependencyHard means the caller fails outright.
	DependencyHard DependencyCriticality = "hard"
	// DependencySoft means the caller is unaffected.
	DependencySoft DependencyCriticality = "soft"
	// DependencyDegraded means the caller keeps serving with reduced function.
	DependencyDegraded DependencyCriticality = "degraded"
)

// DiscoverySource identifies the system that reported an edge. The same
// logical edge may be reported by multiple sources and is kept per source.
type DiscoverySource string

const (
	SourceManual      DiscoverySource = "manual"
	SourceOTelGraph   DiscoverySource = "otel_service_graph"
	SourceKubernetes  DiscoverySource = "kubernetes"
	SourceServiceMesh DiscoverySource = "service_mesh"
)

// Dependency is a directed edge between two services.
type Dependency struct {
	SourceID        uuid.UUID
	TargetID        uuid.UUID
	Mode            CommunicationMode
	Criticality     DependencyCriticality
	Protocol        string
	TimeoutMS       int
	RetryConfig     map[string]string
	DiscoverySource DiscoverySource
	Confidence      float64
	LastObservedAt  time.Time
	// Stale is set by MarkStale when the edge has not been observed within
	// the staleness threshold. Stale edges are excluded from default
	// traversal and from the adjacency snapshot.
	Stale bool
}

// DependencyUpsert is the write-side representation of an edge. Endpoints are
// referenced by business id; the store resolves them to internal ids and
// auto-creates discovered service stubs for unknown references.
type DependencyUpsert struct {
	Source          string
	Target          string
	Mode            CommunicationMode
	Criticality     DependencyCriticality
	Protocol        string
	TimeoutMS       int
	RetryConfig     map[string]string
	DiscoverySource DiscoverySource
	Confidence      float64
}

// Validate checks the edge invariants prior to persistence.
func (d *DependencyUpsert) Validate() error {
	if d.Source == "" || d.Target == "" {
		return fmt.Errorf("%w: dependency endpoints must not be empty", ErrInvalidInput)
	}
	if d.Source == d.Target {
		return fmt.Errorf("%w: self-dependency on %q is not allowed", ErrInvalidInput, d.Source)
	}
	switch d.Mode {
	case ModeSync, ModeAsync:
	default:
		return fmt.Errorf("%w: unknown communication mode %q", ErrInvalidInput, d.Mode)
	}
	switch d.Criticality {
	case DependencyHard, DependencySoft, DependencyDegraded:
	default:
		return fmt.Errorf("%w: unknown dependency criticality %q", ErrInvalidInput, d.Criticality)
	}
	switch d.DiscoverySource {
	case SourceManual, SourceOTelGraph, SourceKubernetes, SourceServiceMesh:
	default:
		return fmt.Errorf("%w: unknown discovery source %q", ErrInvalidInput, d.DiscoverySource)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be in [0,1], got %v", ErrInvalidInput, d.Confidence)
	}
	return nil
}

// EdgeKey uniquely identifies a persisted edge.
type EdgeKey struct {
	SourceID        uuid.UUID
	TargetID        uuid.UUID
	DiscoverySource DiscoverySource
}

// Key returns the uniqueness key of the edge.
func (d *Dependency) Key() EdgeKey {
	return EdgeKey{SourceID: d.SourceID, TargetID: d.TargetID, DiscoverySource: d.DiscoverySource}
}
