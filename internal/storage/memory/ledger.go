package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

// GetCoverage loads one snapshot or storage.ErrNotFound.
func (m *Store) GetCoverage(_ context.Context, entity types.EntityType, scope types.Scope) (*types.CoverageRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.coverage[types.ScopeKey(entity, scope)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *row
	return &out, nil
}

// WriteCoverage overwrites a snapshot and stamps RefreshedAt. Nil counts keep
// the stored value.
func (m *Store) WriteCoverage(_ context.Context, entity types.EntityType, scope types.Scope, counts types.CoverageCounts) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := types.ScopeKey(entity, scope)
	row, ok := m.coverage[key]
	if !ok {
		row = &types.CoverageRow{
			EntityType:     entity,
			TenantID:       scope.TenantID,
			OrganizationID: scope.OrgKey(),
			WithDeleted:    scope.WithDeleted,
		}
		m.coverage[key] = row
	}
	if counts.BaseCount != nil {
		row.BaseCount = *counts.BaseCount
	}
	if counts.IndexCount != nil {
		row.IndexedCount = *counts.IndexCount
	}
	if counts.VectorCount != nil {
		row.VectorIndexedCount = *counts.VectorCount
	}
	row.RefreshedAt = time.Now()
	return nil
}

// AdjustCoverage applies summed deltas, clamping each count at zero. A scope
// created here keeps a zero RefreshedAt so it reads as stale until a real
// refresh lands.
func (m *Store) AdjustCoverage(_ context.Context, adjustments []types.CoverageAdjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged := make(map[string]types.CoverageAdjustment)
	var order []string
	for _, a := range adjustments {
		key := types.ScopeKey(a.EntityType, a.Scope)
		if cur, ok := merged[key]; ok {
			cur.BaseDelta += a.BaseDelta
			cur.IndexDelta += a.IndexDelta
			cur.VectorDelta += a.VectorDelta
			merged[key] = cur
			continue
		}
		merged[key] = a
		order = append(order, key)
	}

	for _, key := range order {
		a := merged[key]
		if a.Zero() {
			continue
		}
		row, ok := m.coverage[key]
		if !ok {
			row = &types.CoverageRow{
				EntityType:     a.EntityType,
				TenantID:       a.Scope.TenantID,
				OrganizationID: a.Scope.OrgKey(),
				WithDeleted:    a.Scope.WithDeleted,
			}
			m.coverage[key] = row
		}
		row.BaseCount = clampZero(row.BaseCount + a.BaseDelta)
		row.IndexedCount = clampZero(row.IndexedCount + a.IndexDelta)
		row.VectorIndexedCount = clampZero(row.VectorIndexedCount + a.VectorDelta)
	}
	return nil
}

func clampZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// eqPtr is null-safe pointer equality: two nils match, one nil does not.
func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func jobMatches(job *types.IndexJob, scope types.JobScope) bool {
	return job.EntityType == scope.EntityType &&
		eqPtr(job.OrganizationID, scope.OrganizationID) &&
		eqPtr(job.TenantID, scope.TenantID) &&
		eqPtr(job.PartitionIndex, scope.PartitionIndex) &&
		eqPtr(job.PartitionCount, scope.PartitionCount)
}

// PrepareJob opens a fresh run, taking over an unfinished row for the same
// scope if one exists.
func (m *Store) PrepareJob(_ context.Context, scope types.JobScope, status types.JobStatus, totalCount int64) (*types.IndexJob, error) {
	if err := scope.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, job := range m.jobs {
		if job.FinishedAt == nil && jobMatches(job, scope) {
			job.Status = status
			job.StartedAt = now
			job.HeartbeatAt = now
			job.ProcessedCount = 0
			job.TotalCount = totalCount
			out := *job
			return &out, nil
		}
	}

	m.nextJob++
	job := &types.IndexJob{
		ID:             m.nextJob,
		EntityType:     scope.EntityType,
		OrganizationID: scope.OrganizationID,
		TenantID:       scope.TenantID,
		PartitionIndex: scope.PartitionIndex,
		PartitionCount: scope.PartitionCount,
		Status:         status,
		StartedAt:      now,
		HeartbeatAt:    now,
		TotalCount:     totalCount,
	}
	m.jobs = append(m.jobs, job)
	out := *job
	return &out, nil
}

// UpdateJobProgress advances the active job's counter and heartbeat. Negative
// deltas are ignored, a missing job is not an error.
func (m *Store) UpdateJobProgress(_ context.Context, scope types.JobScope, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, job := range m.jobs {
		if job.FinishedAt == nil && jobMatches(job, scope) {
			job.ProcessedCount += clampZero(delta)
			job.HeartbeatAt = time.Now()
		}
	}
	return nil
}

// FinalizeJob closes the active job for the scope. Idempotent.
func (m *Store) FinalizeJob(_ context.Context, scope types.JobScope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, job := range m.jobs {
		if job.FinishedAt == nil && jobMatches(job, scope) {
			at := now
			job.FinishedAt = &at
			job.HeartbeatAt = now
		}
	}
	return nil
}

// GetActiveJob returns the unfinished job for the scope or storage.ErrNotFound.
func (m *Store) GetActiveJob(_ context.Context, scope types.JobScope) (*types.IndexJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, job := range m.jobs {
		if job.FinishedAt == nil && jobMatches(job, scope) {
			out := *job
			return &out, nil
		}
	}
	return nil, storage.ErrNotFound
}

// ListJobs returns the latest run per scope tuple, newest first. A tenant
// filter also admits cross-tenant rows.
func (m *Store) ListJobs(_ context.Context, entity types.EntityType, tenantID *string) ([]types.IndexJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := make(map[string]*types.IndexJob)
	for _, job := range m.jobs {
		if job.EntityType != entity {
			continue
		}
		if tenantID != nil && *tenantID != "" {
			if job.TenantID != nil && *job.TenantID != *tenantID {
				continue
			}
		}
		key := jobTupleKey(job)
		if cur, ok := latest[key]; !ok || job.StartedAt.After(cur.StartedAt) {
			latest[key] = job
		}
	}

	out := make([]types.IndexJob, 0, len(latest))
	for _, job := range latest {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func jobTupleKey(job *types.IndexJob) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s",
		job.EntityType, ptrKey(job.OrganizationID), ptrKey(job.TenantID),
		intPtrKey(job.PartitionIndex), intPtrKey(job.PartitionCount))
}

func ptrKey(p *string) string {
	if p == nil {
		return "\x00"
	}
	return *p
}

func intPtrKey(p *int) string {
	if p == nil {
		return "\x00"
	}
	return fmt.Sprintf("%d", *p)
}

// RecordErrorLog appends one error-log entry.
func (m *Store) RecordErrorLog(_ context.Context, source, handler, message string, payload types.Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLog++
	m.errorLogs = append(m.errorLogs, types.LogEntry{
		ID:         m.nextLog,
		Source:     source,
		Handler:    handler,
		Message:    message,
		Payload:    payload.Clone(),
		OccurredAt: time.Now(),
	})
	return nil
}

// RecordStatusLog appends one status-log entry.
func (m *Store) RecordStatusLog(_ context.Context, source, handler, message string, payload types.Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLog++
	m.statusLogs = append(m.statusLogs, types.LogEntry{
		ID:         m.nextLog,
		Source:     source,
		Handler:    handler,
		Message:    message,
		Payload:    payload.Clone(),
		OccurredAt: time.Now(),
	})
	return nil
}

// ListErrorLogs returns the newest limit entries, newest first.
func (m *Store) ListErrorLogs(_ context.Context, limit int) ([]types.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.errorLogs, limit), nil
}

// ListStatusLogs returns the newest limit entries, newest first.
func (m *Store) ListStatusLogs(_ context.Context, limit int) ([]types.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.statusLogs, limit), nil
}

func newestFirst(entries []types.LogEntry, limit int) []types.LogEntry {
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	out := make([]types.LogEntry, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out
}
