package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

// Coverage rows store the sentinel uuid for the tenant-wide scope so the
// four-column unique index holds. Rows with a bare NULL organization are
// legacy writes and are folded into the sentinel row on the next overwrite.

// GetCoverage loads the snapshot for one scope.
func (s *Store) GetCoverage(ctx context.Context, entity types.EntityType, scope types.Scope) (*types.CoverageRow, error) {
	var row types.CoverageRow
	err := s.getContext(ctx, &row, `
		SELECT entity_type, tenant_id, organization_id, with_deleted,
		       base_count, indexed_count, vector_indexed_count, refreshed_at
		FROM entity_index_coverage
		WHERE entity_type = $1 AND tenant_id = $2 AND organization_id = $3 AND with_deleted = $4`,
		entity, scope.TenantID, scope.OrgKey(), scope.WithDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get coverage: %w", err)
	}
	return &row, nil
}

// WriteCoverage overwrites a snapshot with authoritative counts and stamps
// refreshed_at. Nil counts keep the stored value, so a refresh that could not
// compute the vector total leaves the previous figure standing.
func (s *Store) WriteCoverage(ctx context.Context, entity types.EntityType, scope types.Scope, counts types.CoverageCounts) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if scope.OrganizationID == nil {
			// Fold legacy NULL-org rows into the sentinel row.
			_, err := tx.ExecContext(ctx, `
				DELETE FROM entity_index_coverage
				WHERE entity_type = $1 AND tenant_id = $2 AND organization_id IS NULL AND with_deleted = $3`,
				entity, scope.TenantID, scope.WithDeleted)
			if err != nil {
				return fmt.Errorf("fold null-org coverage: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entity_index_coverage
				(entity_type, tenant_id, organization_id, with_deleted,
				 base_count, indexed_count, vector_indexed_count, refreshed_at)
			VALUES ($1, $2, $3, $4,
				COALESCE($5::bigint, 0), COALESCE($6::bigint, 0), COALESCE($7::bigint, 0), now())
			ON CONFLICT (entity_type, tenant_id, organization_id, with_deleted)
			DO UPDATE SET
				base_count = COALESCE($5::bigint, entity_index_coverage.base_count),
				indexed_count = COALESCE($6::bigint, entity_index_coverage.indexed_count),
				vector_indexed_count = COALESCE($7::bigint, entity_index_coverage.vector_indexed_count),
				refreshed_at = now()`,
			entity, scope.TenantID, scope.OrgKey(), scope.WithDeleted,
			counts.BaseCount, counts.IndexCount, counts.VectorCount)
		if err != nil {
			return fmt.Errorf("write coverage: %w", err)
		}
		return nil
	})
}

// AdjustCoverage applies deltas. Adjustments for the same scope are summed
// first so one statement per scope runs, and each count is clamped at zero.
// refreshed_at is left alone: a scope created by deltas starts at the epoch
// and therefore reads as stale until an authoritative refresh lands.
func (s *Store) AdjustCoverage(ctx context.Context, adjustments []types.CoverageAdjustment) error {
	merged, order := mergeAdjustments(adjustments)
	if len(order) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, key := range order {
			a := merged[key]
			_, err := tx.ExecContext(ctx, `
				INSERT INTO entity_index_coverage
					(entity_type, tenant_id, organization_id, with_deleted,
					 base_count, indexed_count, vector_indexed_count)
				VALUES ($1, $2, $3, $4,
					GREATEST(0, $5::bigint), GREATEST(0, $6::bigint), GREATEST(0, $7::bigint))
				ON CONFLICT (entity_type, tenant_id, organization_id, with_deleted)
				DO UPDATE SET
					base_count = GREATEST(0, entity_index_coverage.base_count + $5),
					indexed_count = GREATEST(0, entity_index_coverage.indexed_count + $6),
					vector_indexed_count = GREATEST(0, entity_index_coverage.vector_indexed_count + $7)`,
				a.EntityType, a.Scope.TenantID, a.Scope.OrgKey(), a.Scope.WithDeleted,
				a.BaseDelta, a.IndexDelta, a.VectorDelta)
			if err != nil {
				return fmt.Errorf("adjust coverage %s: %w", a.EntityType, err)
			}
		}
		return nil
	})
}

// mergeAdjustments sums deltas per scope, preserving first-seen order and
// dropping scopes that net out to zero.
func mergeAdjustments(adjustments []types.CoverageAdjustment) (map[string]types.CoverageAdjustment, []string) {
	merged := make(map[string]types.CoverageAdjustment, len(adjustments))
	order := make([]string, 0, len(adjustments))
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
	for i := 0; i < len(order); {
		if merged[order[i]].Zero() {
			delete(merged, order[i])
			order = append(order[:i], order[i+1:]...)
			continue
		}
		i++
	}
	return merged, order
}
