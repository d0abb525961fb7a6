package store

import (
	"context"
	"fmt"
)

// schemaDDL is idempotent and safe to apply on every start.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS projects (
	id                TEXT PRIMARY KEY,
	project_name      TEXT NOT NULL DEFAULT '',
	project_code      TEXT NOT NULL DEFAULT '',
	plan_id           TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'active',
	scm_config        JSONB,
	build_config      JSONB,
	analysis_config   JSONB,
	is_certified      BOOLEAN NOT NULL DEFAULT FALSE,
	log_path_template TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS layers (
	id               TEXT PRIMARY KEY,
	project_id       TEXT NOT NULL REFERENCES projects(id),
	name             TEXT NOT NULL DEFAULT '',
	type             TEXT NOT NULL DEFAULT 'layer',
	layer_path       TEXT NOT NULL DEFAULT '',
	build_enabled    BOOLEAN NOT NULL DEFAULT TRUE,
	sam_enabled      BOOLEAN NOT NULL DEFAULT TRUE,
	coverity_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	layer_config     JSONB,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS build_queue (
	id             TEXT PRIMARY KEY,
	project_id     TEXT NOT NULL,
	layer_id       TEXT NOT NULL,
	requester_id   TEXT NOT NULL DEFAULT '',
	req_method     TEXT NOT NULL DEFAULT 'manual',
	status         TEXT NOT NULL,
	priority       INTEGER NOT NULL DEFAULT 0,
	scm_override   JSONB,
	build_override JSONB,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	last_error     TEXT NOT NULL DEFAULT '',
	build_id       TEXT NOT NULL DEFAULT '',
	queued_at      TIMESTAMPTZ NOT NULL,
	processed_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_build_queue_waiting ON build_queue (status, priority DESC, queued_at ASC);

CREATE TABLE IF NOT EXISTS builds (
	id               TEXT PRIMARY KEY,
	queue_id         TEXT NOT NULL DEFAULT '',
	project_id       TEXT NOT NULL,
	layer_id         TEXT NOT NULL,
	layer_type       TEXT NOT NULL DEFAULT 'layer',
	round            INTEGER NOT NULL,
	build_number     INTEGER NOT NULL,
	status           TEXT NOT NULL,
	external_key     TEXT NOT NULL DEFAULT '',
	external_number  INTEGER NOT NULL DEFAULT 0,
	triggered_by     TEXT NOT NULL DEFAULT '',
	trigger_type     TEXT NOT NULL DEFAULT '',
	snapshot         JSONB,
	artifacts        JSONB,
	quality_metrics  JSONB,
	release_criteria JSONB,
	release_status   TEXT NOT NULL DEFAULT 'none',
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ,
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	UNIQUE (layer_id, round),
	UNIQUE (project_id, build_number)
);
CREATE INDEX IF NOT EXISTS idx_builds_external_key ON builds (external_key);
CREATE INDEX IF NOT EXISTS idx_builds_status ON builds (status);

CREATE TABLE IF NOT EXISTS stage_results (
	id                TEXT PRIMARY KEY,
	build_id          TEXT NOT NULL REFERENCES builds(id) ON DELETE CASCADE,
	stage_name        TEXT NOT NULL,
	stage_order       INTEGER NOT NULL,
	status            TEXT NOT NULL,
	error_count       INTEGER NOT NULL DEFAULT 0,
	warning_count     INTEGER NOT NULL DEFAULT 0,
	stage_result      JSONB,
	external_response JSONB,
	log_url           TEXT NOT NULL DEFAULT '',
	started_at        TIMESTAMPTZ,
	finished_at       TIMESTAMPTZ,
	duration_seconds  INTEGER NOT NULL DEFAULT 0,
	received_at       TIMESTAMPTZ,
	UNIQUE (build_id, stage_name)
);

CREATE TABLE IF NOT EXISTS build_requests (
	id             TEXT PRIMARY KEY,
	queue_id       TEXT NOT NULL,
	build_id       TEXT NOT NULL,
	project_id     TEXT NOT NULL,
	layer_id       TEXT NOT NULL,
	plan_key       TEXT NOT NULL DEFAULT '',
	variables      JSONB,
	request_status TEXT NOT NULL,
	external_key   TEXT NOT NULL DEFAULT '',
	error_message  TEXT NOT NULL DEFAULT '',
	sent_at        TIMESTAMPTZ NOT NULL,
	responded_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_build_requests_sent ON build_requests (request_status, sent_at);

CREATE TABLE IF NOT EXISTS leader_epochs (
	resource_id TEXT PRIMARY KEY,
	epoch       BIGINT NOT NULL DEFAULT 0
);
`

// Migrate applies the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
