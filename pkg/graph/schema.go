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

package graph

// Schema statements for the graph tables. Applied idempotently by
// (*PostgresStore).EnsureSchema.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS services (
		id             UUID PRIMARY KEY,
		business_id    TEXT NOT NULL UNIQUE,
		criticality    TEXT NOT NULL,
		team           TEXT NOT NULL DEFAULT '',
		service_type   TEXT NOT NULL,
		published_sla  DOUBLE PRECISION,
		metadata       JSONB NOT NULL DEFAULT '{}'::jsonb,
		discovered     BOOLEAN NOT NULL DEFAULT FALSE,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS service_dependencies (
		source_id        UUID NOT NULL REFERENCES services (id),
		target_id        UUID NOT NULL REFERENCES services (id),
		mode             TEXT NOT NULL,
		criticality      TEXT NOT NULL,
		protocol         TEXT NOT NULL DEFAULT '',
		timeout_ms       INTEGER NOT NULL DEFAULT 0,
		retry_config     JSONB,
		discovery_source TEXT NOT NULL,
		confidence       DOUBLE PRECISION NOT NULL,
		last_observed_at TIMESTAMPTZ NOT NULL,
		is_stale         BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (source_id, target_id, discovery_source),
		CHECK (source_id <> target_id)
	)`,

	`CREATE INDEX IF NOT EXISTS service_dependencies_target_idx
		ON service_dependencies (target_id)`,

	`CREATE INDEX IF NOT EXISTS service_dependencies_observed_idx
		ON service_dependencies (last_observed_at) WHERE NOT is_stale`,

	`CREATE TABLE IF NOT EXISTS cycle_alerts (
		id              UUID PRIMARY KEY,
		cycle_key       TEXT NOT NULL,
		path            TEXT[] NOT NULL,
		status          TEXT NOT NULL,
		acknowledged_by TEXT NOT NULL DEFAULT '',
		resolution_note TEXT NOT NULL DEFAULT '',
		detected_at     TIMESTAMPTZ NOT NULL
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS cycle_alerts_open_key_idx
		ON cycle_alerts (cycle_key) WHERE status <> 'resolved'`,
}
