package postgres

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// currentSchemaVersion marks the index-side schema. Bump when adding tables
// or indexes so existing databases re-run initSchema once.
const currentSchemaVersion = 1

// sentinelOrgSQL is the uuid literal coalesced in for null organizations.
const sentinelOrgSQL = "'00000000-0000-0000-0000-000000000000'::uuid"

// schemaStatements creates every table this subsystem owns. Base tables,
// custom-field tables and translations belong to other modules and are only
// read.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS entity_index_meta (
		key text PRIMARY KEY,
		value text NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS entity_indexes (
		entity_type text NOT NULL,
		record_id text NOT NULL,
		organization_id uuid,
		tenant_id text NOT NULL,
		doc jsonb NOT NULL DEFAULT '{}'::jsonb,
		index_version integer NOT NULL DEFAULT 1,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now(),
		deleted_at timestamptz,
		organization_id_coalesced uuid GENERATED ALWAYS AS (coalesce(organization_id, ` + sentinelOrgSQL + `)) STORED
	)`,
	`ALTER TABLE entity_indexes ADD COLUMN IF NOT EXISTS organization_id_coalesced uuid GENERATED ALWAYS AS (coalesce(organization_id, ` + sentinelOrgSQL + `)) STORED`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_entity_indexes_identity
		ON entity_indexes (entity_type, record_id, organization_id_coalesced)`,
	`CREATE INDEX IF NOT EXISTS idx_entity_indexes_tenant
		ON entity_indexes (entity_type, tenant_id) WHERE deleted_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_entity_indexes_doc
		ON entity_indexes USING gin (doc jsonb_path_ops)`,

	`CREATE TABLE IF NOT EXISTS entity_index_jobs (
		id bigserial PRIMARY KEY,
		entity_type text NOT NULL,
		organization_id uuid,
		tenant_id text,
		partition_index integer,
		partition_count integer,
		status text NOT NULL,
		started_at timestamptz NOT NULL DEFAULT now(),
		heartbeat_at timestamptz NOT NULL DEFAULT now(),
		finished_at timestamptz,
		processed_count bigint NOT NULL DEFAULT 0,
		total_count bigint NOT NULL DEFAULT 0
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_entity_index_jobs_active
		ON entity_index_jobs (entity_type, organization_id, tenant_id, partition_index, partition_count)
		NULLS NOT DISTINCT WHERE finished_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_entity_index_jobs_entity
		ON entity_index_jobs (entity_type, started_at DESC)`,

	`CREATE TABLE IF NOT EXISTS entity_index_coverage (
		entity_type text NOT NULL,
		tenant_id text NOT NULL,
		organization_id uuid,
		with_deleted boolean NOT NULL DEFAULT false,
		base_count bigint NOT NULL DEFAULT 0,
		indexed_count bigint NOT NULL DEFAULT 0,
		vector_indexed_count bigint NOT NULL DEFAULT 0,
		refreshed_at timestamptz NOT NULL DEFAULT to_timestamp(0)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_entity_index_coverage_scope
		ON entity_index_coverage (entity_type, tenant_id, organization_id, with_deleted)`,

	`CREATE TABLE IF NOT EXISTS search_tokens (
		entity_type text NOT NULL,
		record_id text NOT NULL,
		field text NOT NULL,
		token_hash text NOT NULL,
		token text,
		organization_id uuid,
		tenant_id text NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_search_tokens_identity
		ON search_tokens (entity_type, record_id, field, token_hash, tenant_id, (coalesce(organization_id, ` + sentinelOrgSQL + `)))`,
	`CREATE INDEX IF NOT EXISTS idx_search_tokens_lookup
		ON search_tokens (entity_type, token_hash, tenant_id)`,

	`CREATE TABLE IF NOT EXISTS custom_entities_storage (
		entity_type text NOT NULL,
		record_id text NOT NULL,
		organization_id uuid,
		tenant_id text NOT NULL,
		doc jsonb NOT NULL DEFAULT '{}'::jsonb,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now(),
		deleted_at timestamptz
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_custom_entities_identity
		ON custom_entities_storage (entity_type, record_id, (coalesce(organization_id, ` + sentinelOrgSQL + `)))`,

	`CREATE TABLE IF NOT EXISTS indexer_error_logs (
		id bigserial PRIMARY KEY,
		source text NOT NULL,
		handler text NOT NULL,
		message text NOT NULL,
		payload jsonb,
		occurred_at timestamptz NOT NULL DEFAULT now()
	)`,

	// The custom-field and translation tables belong to other modules.
	// Created here only so the integration harness and qx initdb can run
	// against a bare database.
	`CREATE TABLE IF NOT EXISTS custom_field_defs (
		id bigserial PRIMARY KEY,
		entity_type text NOT NULL,
		field_key text NOT NULL,
		kind text NOT NULL DEFAULT 'text',
		organization_id uuid,
		tenant_id text,
		is_active boolean NOT NULL DEFAULT true
	)`,
	`CREATE INDEX IF NOT EXISTS idx_custom_field_defs_entity
		ON custom_field_defs (entity_type) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS custom_field_values (
		id bigserial PRIMARY KEY,
		entity_type text NOT NULL,
		record_id text NOT NULL,
		field_key text NOT NULL,
		value_text text,
		value_int bigint,
		value_float double precision,
		value_bool boolean,
		value_date timestamptz,
		organization_id uuid,
		tenant_id text
	)`,
	`CREATE INDEX IF NOT EXISTS idx_custom_field_values_record
		ON custom_field_values (entity_type, record_id)`,
	`CREATE TABLE IF NOT EXISTS entity_translations (
		id bigserial PRIMARY KEY,
		entity_type text NOT NULL,
		record_id text NOT NULL,
		locale text NOT NULL,
		field text NOT NULL,
		value text NOT NULL,
		organization_id uuid,
		tenant_id text
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entity_translations_record
		ON entity_translations (entity_type, record_id)`,
	`CREATE TABLE IF NOT EXISTS indexer_status_logs (
		id bigserial PRIMARY KEY,
		source text NOT NULL,
		handler text NOT NULL,
		message text NOT NULL,
		payload jsonb,
		occurred_at timestamptz NOT NULL DEFAULT now()
	)`,
}

// initSchema creates the owned tables if they do not exist.
func (s *Store) initSchema(ctx context.Context) error {
	// Fast path: schema already at current version.
	var version int
	err := s.db.GetContext(ctx, &version,
		`SELECT value::int FROM entity_index_meta WHERE key = 'schema_version'`)
	if err == nil && version >= currentSchemaVersion {
		return nil
	}

	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w\nstatement: %.120s", err, stmt)
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entity_index_meta (key, value) VALUES ('schema_version', $1)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		fmt.Sprint(currentSchemaVersion))
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

// hasCoalescedIndex probes for the unique upsert target once per process.
// Installations mid-migration may lack it; upserts then use the
// update-then-insert fallback.
func (s *Store) hasCoalescedIndex(ctx context.Context) bool {
	s.coalescedOnce.Do(func() {
		var exists bool
		err := s.db.GetContext(ctx, &exists,
			`SELECT EXISTS (
				SELECT 1 FROM pg_indexes
				WHERE tablename = 'entity_indexes' AND indexname = 'ux_entity_indexes_identity'
			)`)
		if err != nil {
			s.logger.Warn("coalesced index probe failed, using fallback upserts", zap.Error(err))
			s.coalescedReady = false
			return
		}
		s.coalescedReady = exists
	})
	return s.coalescedReady
}
