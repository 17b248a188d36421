package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

// jobScopeSQL matches one ledger scope. IS NOT DISTINCT FROM makes nulls
// compare equal, mirroring the NULLS NOT DISTINCT unique index on active
// jobs.
const jobScopeSQL = `entity_type = $1
	AND organization_id IS NOT DISTINCT FROM $2
	AND tenant_id IS NOT DISTINCT FROM $3
	AND partition_index IS NOT DISTINCT FROM $4
	AND partition_count IS NOT DISTINCT FROM $5`

const jobColumnsSQL = `id, entity_type, organization_id, tenant_id, partition_index, partition_count,
	status, started_at, heartbeat_at, finished_at, processed_count, total_count`

func jobScopeArgs(scope types.JobScope) []any {
	return []any{scope.EntityType, scope.OrganizationID, scope.TenantID, scope.PartitionIndex, scope.PartitionCount}
}

// PrepareJob opens a fresh run for the scope. An unfinished row for the same
// scope is taken over and reset; otherwise a new row is inserted. Two
// concurrent prepares converge on the single active row allowed by the
// unique index.
func (s *Store) PrepareJob(ctx context.Context, scope types.JobScope, status types.JobStatus, totalCount int64) (*types.IndexJob, error) {
	if err := scope.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}

	takeover := func() (*types.IndexJob, error) {
		var job types.IndexJob
		args := append(jobScopeArgs(scope), status, totalCount)
		err := s.getContext(ctx, &job, `
			UPDATE entity_index_jobs
			SET status = $6, started_at = now(), heartbeat_at = now(),
			    finished_at = NULL, processed_count = 0, total_count = $7
			WHERE `+jobScopeSQL+` AND finished_at IS NULL
			RETURNING `+jobColumnsSQL,
			args...)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("take over job: %w", err)
		}
		return &job, nil
	}

	if job, err := takeover(); err != nil || job != nil {
		return job, err
	}

	var job types.IndexJob
	err := s.getContext(ctx, &job, `
		INSERT INTO entity_index_jobs
			(entity_type, organization_id, tenant_id, partition_index, partition_count,
			 status, total_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+jobColumnsSQL,
		scope.EntityType, scope.OrganizationID, scope.TenantID,
		scope.PartitionIndex, scope.PartitionCount, status, totalCount)
	if err == nil {
		return &job, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	// Lost the insert race; reset the winner's row instead.
	if job2, err := takeover(); err != nil || job2 != nil {
		return job2, err
	}
	return nil, storage.ErrJobActive
}

// UpdateJobProgress advances the counter and heartbeat of the active job.
// Negative deltas are ignored; a missing active job is not an error because
// the run may have been finalized by a supervisor.
func (s *Store) UpdateJobProgress(ctx context.Context, scope types.JobScope, delta int64) error {
	args := append(jobScopeArgs(scope), delta)
	_, err := s.execContext(ctx, `
		UPDATE entity_index_jobs
		SET processed_count = processed_count + GREATEST(0, $6::bigint), heartbeat_at = now()
		WHERE `+jobScopeSQL+` AND finished_at IS NULL`,
		args...)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// FinalizeJob closes the active job for the scope. Idempotent.
func (s *Store) FinalizeJob(ctx context.Context, scope types.JobScope) error {
	_, err := s.execContext(ctx, `
		UPDATE entity_index_jobs
		SET finished_at = now(), heartbeat_at = now()
		WHERE `+jobScopeSQL+` AND finished_at IS NULL`,
		jobScopeArgs(scope)...)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	return nil
}

// GetActiveJob returns the unfinished job for the scope, if any.
func (s *Store) GetActiveJob(ctx context.Context, scope types.JobScope) (*types.IndexJob, error) {
	var job types.IndexJob
	err := s.getContext(ctx, &job, `
		SELECT `+jobColumnsSQL+`
		FROM entity_index_jobs
		WHERE `+jobScopeSQL+` AND finished_at IS NULL`,
		jobScopeArgs(scope)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active job: %w", err)
	}
	return &job, nil
}

// ListJobs returns the latest run per scope tuple for the entity, newest
// first. A non-nil tenant filter also admits cross-tenant rows because a
// global pass covers every tenant.
func (s *Store) ListJobs(ctx context.Context, entity types.EntityType, tenantID *string) ([]types.IndexJob, error) {
	query := `
		SELECT ` + jobColumnsSQL + ` FROM (
			SELECT DISTINCT ON (entity_type, organization_id, tenant_id, partition_index, partition_count)
				` + jobColumnsSQL + `
			FROM entity_index_jobs
			WHERE entity_type = $1`
	args := []any{entity}
	if tenantID != nil && *tenantID != "" {
		args = append(args, *tenantID)
		query += fmt.Sprintf(" AND (tenant_id = $%d OR tenant_id IS NULL)", len(args))
	}
	query += `
			ORDER BY entity_type, organization_id, tenant_id, partition_index, partition_count, started_at DESC
		) latest
		ORDER BY started_at DESC`

	var jobs []types.IndexJob
	if err := s.selectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}
