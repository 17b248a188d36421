package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

// coalescedOrgSQL matches a row's identity organization. The expression form
// works even before the generated column's unique index is in place.
const coalescedOrgSQL = "coalesce(organization_id, " + sentinelOrgSQL + ")"

const upsertIndexRowSQL = `
INSERT INTO entity_indexes (entity_type, record_id, organization_id, tenant_id, doc, updated_at, deleted_at)
VALUES ($1, $2, $3, $4, $5, now(), NULL)
ON CONFLICT (entity_type, record_id, organization_id_coalesced)
DO UPDATE SET
	doc = EXCLUDED.doc,
	organization_id = EXCLUDED.organization_id,
	tenant_id = EXCLUDED.tenant_id,
	updated_at = now(),
	deleted_at = NULL`

// GetIndexRow loads one row by its identity key. orgKey is the organization
// id coalesced to the sentinel.
func (s *Store) GetIndexRow(ctx context.Context, entity types.EntityType, recordID, orgKey string) (*types.IndexRow, error) {
	var row struct {
		types.IndexRow
		DocRaw []byte `db:"doc"`
	}
	err := s.getContext(ctx, &row, `
		SELECT entity_type, record_id, organization_id, tenant_id, doc, index_version, created_at, updated_at, deleted_at
		FROM entity_indexes
		WHERE entity_type = $1 AND record_id = $2 AND `+coalescedOrgSQL+` = $3`,
		entity, recordID, orgKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get index row: %w", err)
	}
	doc, err := types.UnmarshalDoc(row.DocRaw)
	if err != nil {
		return nil, err
	}
	out := row.IndexRow
	out.Doc = doc
	return &out, nil
}

// UpsertIndexRow writes one document under the unique identity key and
// reports the state transition. A soft-deleted row is revived in place.
func (s *Store) UpsertIndexRow(ctx context.Context, entity types.EntityType, recordID string, scope types.Scope, doc types.Doc) (types.UpsertResult, error) {
	var res types.UpsertResult
	if err := entity.Validate(); err != nil {
		return res, fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}
	if recordID == "" {
		return res, fmt.Errorf("%w: record id is required", storage.ErrInvalidArgument)
	}
	if err := scope.Validate(); err != nil {
		return res, fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}
	docJSON, err := types.MarshalDoc(doc)
	if err != nil {
		return res, err
	}

	// Prior state decides the transition flags. A concurrent insert between
	// this read and the upsert is converged by the unique key; the flags may
	// then overcount a create, which the next coverage refresh corrects.
	var prior struct {
		DeletedAt *time.Time `db:"deleted_at"`
	}
	err = s.getContext(ctx, &prior, `
		SELECT deleted_at FROM entity_indexes
		WHERE entity_type = $1 AND record_id = $2 AND `+coalescedOrgSQL+` = $3`,
		entity, recordID, scope.OrgKey())
	switch {
	case err == nil:
		res.Existed = true
		res.WasDeleted = prior.DeletedAt != nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		return types.UpsertResult{}, fmt.Errorf("read prior index row: %w", err)
	}

	if s.hasCoalescedIndex(ctx) {
		_, err = s.execContext(ctx, upsertIndexRowSQL,
			entity, recordID, scope.OrganizationID, scope.TenantID, docJSON)
		if err != nil {
			return types.UpsertResult{}, fmt.Errorf("upsert index row: %w", err)
		}
	} else {
		if err := s.fallbackUpsertRow(ctx, entity, recordID, scope, docJSON); err != nil {
			return types.UpsertResult{}, err
		}
	}

	res.Created = !res.Existed
	res.Revived = res.Existed && res.WasDeleted
	return res, nil
}

// fallbackUpsertRow is the update-then-insert path used while the coalesced
// unique index is still being built. A losing insert race converges with a
// second update.
func (s *Store) fallbackUpsertRow(ctx context.Context, entity types.EntityType, recordID string, scope types.Scope, docJSON []byte) error {
	update := `
		UPDATE entity_indexes
		SET doc = $4, organization_id = $5, tenant_id = $6, updated_at = now(), deleted_at = NULL
		WHERE entity_type = $1 AND record_id = $2 AND ` + coalescedOrgSQL + ` = $3`

	result, err := s.execContext(ctx, update,
		entity, recordID, scope.OrgKey(), docJSON, scope.OrganizationID, scope.TenantID)
	if err != nil {
		return fmt.Errorf("fallback update: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.execContext(ctx, `
		INSERT INTO entity_indexes (entity_type, record_id, organization_id, tenant_id, doc, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, now(), NULL)`,
		entity, recordID, scope.OrganizationID, scope.TenantID, docJSON)
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return fmt.Errorf("fallback insert: %w", err)
	}

	// Lost the race; the row exists now.
	_, err = s.execContext(ctx, update,
		entity, recordID, scope.OrgKey(), docJSON, scope.OrganizationID, scope.TenantID)
	if err != nil {
		return fmt.Errorf("fallback converge update: %w", err)
	}
	return nil
}

// UpsertIndexRows writes a batch in one multi-row statement when the
// coalesced index is available, else per row inside a transaction with
// savepoints around each insert. Returns the number of rows written.
func (s *Store) UpsertIndexRows(ctx context.Context, entity types.EntityType, rows []storage.IndexUpsert) (int, error) {
	if err := entity.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}
	rows = dedupeUpserts(rows)
	if len(rows) == 0 {
		return 0, nil
	}

	if !s.hasCoalescedIndex(ctx) {
		return s.fallbackUpsertBatch(ctx, entity, rows)
	}

	const perStmt = 500
	written := 0
	for start := 0; start < len(rows); start += perStmt {
		end := start + perStmt
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		values := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*5)
		for i, r := range chunk {
			docJSON, err := types.MarshalDoc(r.Doc)
			if err != nil {
				return written, err
			}
			base := i * 5
			values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, now(), NULL)",
				base+1, base+2, base+3, base+4, base+5))
			args = append(args, entity, r.RecordID, r.Scope.OrganizationID, r.Scope.TenantID, docJSON)
		}

		query := `
			INSERT INTO entity_indexes (entity_type, record_id, organization_id, tenant_id, doc, updated_at, deleted_at)
			VALUES ` + joinValues(values) + `
			ON CONFLICT (entity_type, record_id, organization_id_coalesced)
			DO UPDATE SET
				doc = EXCLUDED.doc,
				organization_id = EXCLUDED.organization_id,
				tenant_id = EXCLUDED.tenant_id,
				updated_at = now(),
				deleted_at = NULL`
		if _, err := s.execContext(ctx, query, args...); err != nil {
			return written, fmt.Errorf("batch upsert: %w", err)
		}
		written += len(chunk)
	}
	return written, nil
}

func (s *Store) fallbackUpsertBatch(ctx context.Context, entity types.EntityType, rows []storage.IndexUpsert) (int, error) {
	written := 0
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, r := range rows {
			docJSON, err := types.MarshalDoc(r.Doc)
			if err != nil {
				return err
			}
			if err := upsertRowInTx(ctx, tx, entity, r, docJSON); err != nil {
				return err
			}
			written++
		}
		return nil
	})
	return written, err
}

// upsertRowInTx runs update-then-insert with a savepoint so a lost insert
// race does not abort the surrounding transaction.
func upsertRowInTx(ctx context.Context, tx *sqlx.Tx, entity types.EntityType, r storage.IndexUpsert, docJSON []byte) error {
	update := `
		UPDATE entity_indexes
		SET doc = $4, organization_id = $5, tenant_id = $6, updated_at = now(), deleted_at = NULL
		WHERE entity_type = $1 AND record_id = $2 AND ` + coalescedOrgSQL + ` = $3`

	result, err := tx.ExecContext(ctx, update,
		entity, r.RecordID, r.Scope.OrgKey(), docJSON, r.Scope.OrganizationID, r.Scope.TenantID)
	if err != nil {
		return fmt.Errorf("batch fallback update %s: %w", r.RecordID, err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx, "SAVEPOINT batch_row"); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entity_indexes (entity_type, record_id, organization_id, tenant_id, doc, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, now(), NULL)`,
		entity, r.RecordID, r.Scope.OrganizationID, r.Scope.TenantID, docJSON)
	if err == nil {
		_, err = tx.ExecContext(ctx, "RELEASE SAVEPOINT batch_row")
		return err
	}
	if !isUniqueViolation(err) {
		return fmt.Errorf("batch fallback insert %s: %w", r.RecordID, err)
	}
	if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT batch_row"); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, update,
		entity, r.RecordID, r.Scope.OrgKey(), docJSON, r.Scope.OrganizationID, r.Scope.TenantID)
	if err != nil {
		return fmt.Errorf("batch fallback converge %s: %w", r.RecordID, err)
	}
	return nil
}

// DeleteIndexRow physically removes one row and its tokens. WasActive is
// true when the removed row was live, so the caller can decrement coverage.
func (s *Store) DeleteIndexRow(ctx context.Context, entity types.EntityType, recordID, orgKey string) (types.DeleteResult, error) {
	var res types.DeleteResult
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var deletedAt *time.Time
		err := tx.QueryRowContext(ctx, `
			DELETE FROM entity_indexes
			WHERE entity_type = $1 AND record_id = $2 AND `+coalescedOrgSQL+` = $3
			RETURNING deleted_at`,
			entity, recordID, orgKey).Scan(&deletedAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("delete index row: %w", err)
		default:
			res.Existed = true
			res.WasDeleted = deletedAt != nil
			res.WasActive = deletedAt == nil
		}

		_, err = tx.ExecContext(ctx, `
			DELETE FROM search_tokens
			WHERE entity_type = $1 AND record_id = $2 AND `+coalescedOrgSQL+` = $3`,
			entity, recordID, orgKey)
		if err != nil {
			return fmt.Errorf("delete tokens: %w", err)
		}
		return nil
	})
	return res, err
}

// CountIndexRows counts rows visible under the scope. A nil organization
// means the tenant-wide bucket, not rows without an organization.
func (s *Store) CountIndexRows(ctx context.Context, entity types.EntityType, scope types.Scope) (int64, error) {
	query := `SELECT count(*) FROM entity_indexes WHERE entity_type = $1 AND tenant_id = $2`
	args := []any{entity, scope.TenantID}
	if scope.OrganizationID != nil && *scope.OrganizationID != "" {
		args = append(args, *scope.OrganizationID)
		query += fmt.Sprintf(" AND organization_id = $%d", len(args))
	}
	if !scope.WithDeleted {
		query += " AND deleted_at IS NULL"
	}
	var count int64
	if err := s.getContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("count index rows: %w", err)
	}
	return count, nil
}

// CountIndexRowsInScope counts live rows matching the scope. Nil filters
// widen the scope; the purger sizes its job ledger with this.
func (s *Store) CountIndexRowsInScope(ctx context.Context, entity types.EntityType, tenantID, organizationID *string) (int64, error) {
	query := `SELECT count(*) FROM entity_indexes WHERE entity_type = $1 AND deleted_at IS NULL`
	args := []any{entity}
	query, args = appendScopeFilters(query, args, tenantID, organizationID)

	var count int64
	if err := s.getContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("count index rows in scope: %w", err)
	}
	return count, nil
}

// HasIndexRows reports whether any row exists for the entity and tenant,
// live or soft-deleted.
func (s *Store) HasIndexRows(ctx context.Context, entity types.EntityType, tenantID string) (bool, error) {
	var exists bool
	err := s.getContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM entity_indexes WHERE entity_type = $1 AND tenant_id = $2)`,
		entity, tenantID)
	if err != nil {
		return false, fmt.Errorf("probe index rows: %w", err)
	}
	return exists, nil
}

// DeleteIndexRowsInScope physically removes every row matching the scope.
// Nil filters widen the scope. Used by forced coverage resets.
func (s *Store) DeleteIndexRowsInScope(ctx context.Context, entity types.EntityType, tenantID, organizationID *string) (int64, error) {
	query := `DELETE FROM entity_indexes WHERE entity_type = $1`
	args := []any{entity}
	query, args = appendScopeFilters(query, args, tenantID, organizationID)

	result, err := s.execContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete index rows in scope: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// SoftDeleteIndexRowsInScope marks matching live rows deleted. Used by the
// purger; soft-deleted rows stay for audit.
func (s *Store) SoftDeleteIndexRowsInScope(ctx context.Context, entity types.EntityType, tenantID, organizationID *string) (int64, error) {
	query := `UPDATE entity_indexes SET deleted_at = now(), updated_at = now() WHERE entity_type = $1 AND deleted_at IS NULL`
	args := []any{entity}
	query, args = appendScopeFilters(query, args, tenantID, organizationID)

	result, err := s.execContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("soft delete index rows: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// DeleteOrphanIndexRows removes rows in the scope and partition whose base
// row is gone or that the current pass never touched (updated_at predates the
// job start).
func (s *Store) DeleteOrphanIndexRows(ctx context.Context, entity types.EntityType, base storage.BaseRef, scope storage.OrphanScope, olderThan time.Time) (int64, error) {
	if err := storage.ValidateIdent(base.Table); err != nil {
		return 0, err
	}
	idCol := base.IDColumn
	if idCol == "" {
		idCol = "id"
	}
	if err := storage.ValidateIdent(idCol); err != nil {
		return 0, err
	}

	query := `DELETE FROM entity_indexes WHERE entity_type = $1`
	args := []any{entity}
	query, args = appendScopeFilters(query, args, scope.TenantID, scope.OrganizationID)
	if scope.Partition != nil {
		args = append(args, scope.Partition.Count, scope.Partition.Index)
		query += fmt.Sprintf(" AND mod(abs(hashtext(record_id)), $%d) = $%d", len(args)-1, len(args))
	}
	args = append(args, olderThan)
	olderIdx := len(args)
	sub := fmt.Sprintf("SELECT 1 FROM %s b WHERE b.%s::text = entity_indexes.record_id", base.Table, idCol)
	if base.EntityFilter != "" {
		args = append(args, base.EntityFilter)
		sub += fmt.Sprintf(" AND b.entity_type = $%d", len(args))
	}
	query += fmt.Sprintf(" AND (updated_at < $%d OR NOT EXISTS (%s))", olderIdx, sub)

	result, err := s.execContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete orphan index rows: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		s.logger.Debug("orphan sweep removed rows",
			zap.String("entity", string(entity)), zap.Int64("count", n))
	}
	return n, nil
}

// appendScopeFilters adds tenant and organization clauses for non-nil values.
func appendScopeFilters(query string, args []any, tenantID, organizationID *string) (string, []any) {
	if tenantID != nil && *tenantID != "" {
		args = append(args, *tenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if organizationID != nil && *organizationID != "" {
		args = append(args, *organizationID)
		query += fmt.Sprintf(" AND organization_id = $%d", len(args))
	}
	return query, args
}

func dedupeUpserts(rows []storage.IndexUpsert) []storage.IndexUpsert {
	if len(rows) < 2 {
		return rows
	}
	// Last write wins within a batch; a multi-row upsert cannot touch the
	// same identity twice.
	seen := make(map[string]int, len(rows))
	out := rows[:0]
	for _, r := range rows {
		key := r.RecordID + "|" + r.Scope.OrgKey()
		if i, ok := seen[key]; ok {
			out[i] = r
			continue
		}
		seen[key] = len(out)
		out = append(out, r)
	}
	return out
}

func joinValues(values []string) string {
	out := values[0]
	for _, v := range values[1:] {
		out += ", " + v
	}
	return out
}
