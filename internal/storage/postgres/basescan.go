package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

// Base tables are owned by other modules and carry arbitrary columns, so
// reads go through to_jsonb and land in a Doc. Scope clauses apply only when
// the table actually has the column; tables without tenant_id are global.

func normalizeBaseRef(base storage.BaseRef) (storage.BaseRef, error) {
	if err := storage.ValidateIdent(base.Table); err != nil {
		return base, err
	}
	if base.IDColumn == "" {
		base.IDColumn = "id"
	}
	if err := storage.ValidateIdent(base.IDColumn); err != nil {
		return base, err
	}
	if base.DocColumn != "" {
		if err := storage.ValidateIdent(base.DocColumn); err != nil {
			return base, err
		}
	}
	return base, nil
}

// docExpr is the JSON projection of one base row.
func docExpr(base storage.BaseRef) string {
	if base.DocColumn != "" {
		return "t." + base.DocColumn
	}
	return "to_jsonb(t)"
}

// baseFilters builds the WHERE clauses for a scoped base read. The returned
// args extend the given slice.
func (s *Store) baseFilters(ctx context.Context, base storage.BaseRef, scope storage.BaseScope, args []any) ([]string, []any, error) {
	cols, err := s.probeScopeColumns(ctx, base.Table)
	if err != nil {
		return nil, nil, err
	}

	var where []string
	if base.EntityFilter != "" {
		args = append(args, base.EntityFilter)
		where = append(where, fmt.Sprintf("t.entity_type = $%d", len(args)))
	}
	if scope.TenantID != nil && *scope.TenantID != "" && cols.hasTenant {
		args = append(args, *scope.TenantID)
		where = append(where, fmt.Sprintf("t.tenant_id::text = $%d", len(args)))
	}
	if scope.OrganizationID != nil && *scope.OrganizationID != "" && cols.hasOrg {
		args = append(args, *scope.OrganizationID)
		where = append(where, fmt.Sprintf("t.organization_id::text = $%d", len(args)))
	}
	if !scope.IncludeDeleted && cols.hasDeleted {
		where = append(where, "t.deleted_at IS NULL")
	}
	if p := scope.Partition; p != nil && p.Count > 1 {
		args = append(args, p.Count, p.Index)
		where = append(where, fmt.Sprintf("mod(abs(hashtext(t.%s::text)), $%d) = $%d",
			base.IDColumn, len(args)-1, len(args)))
	}
	return where, args, nil
}

func whereSQL(where []string) string {
	if len(where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(where, " AND ")
}

// GetBaseRow loads one base row as a document, soft-deleted or not. The
// caller decides what a deleted row means.
func (s *Store) GetBaseRow(ctx context.Context, base storage.BaseRef, recordID string) (types.Doc, error) {
	base, err := normalizeBaseRef(base)
	if err != nil {
		return nil, err
	}

	args := []any{recordID}
	where := []string{fmt.Sprintf("t.%s::text = $1", base.IDColumn)}
	if base.EntityFilter != "" {
		args = append(args, base.EntityFilter)
		where = append(where, fmt.Sprintf("t.entity_type = $%d", len(args)))
	}

	var raw []byte
	err = s.getContext(ctx,
		&raw, fmt.Sprintf("SELECT %s FROM %s t%s", docExpr(base), base.Table, whereSQL(where)),
		args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get base row %s: %w", base.Table, err)
	}
	return types.UnmarshalDoc(raw)
}

// GetBaseRowsByIDs loads base rows in bulk, keyed by id. Missing ids are
// simply absent from the map.
func (s *Store) GetBaseRowsByIDs(ctx context.Context, base storage.BaseRef, ids []string) (map[string]types.Doc, error) {
	base, err := normalizeBaseRef(base)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return map[string]types.Doc{}, nil
	}

	fixedArgs := []any{}
	entityClause := ""
	if base.EntityFilter != "" {
		fixedArgs = append(fixedArgs, base.EntityFilter)
		entityClause = " AND t.entity_type = $1"
	}
	template := fmt.Sprintf("SELECT t.%s::text, %s FROM %s t WHERE t.%s::text IN (%%s)%s",
		base.IDColumn, docExpr(base), base.Table, base.IDColumn, entityClause)

	byID, err := storage.BatchIN(ctx, s.Querier(), ids, storage.DefaultBatchSize, template, fixedArgs,
		func(rows *sqlx.Rows) (string, types.Doc, error) {
			var id string
			var raw []byte
			if err := rows.Scan(&id, &raw); err != nil {
				return "", nil, err
			}
			doc, err := types.UnmarshalDoc(raw)
			return id, doc, err
		})
	if err != nil {
		return nil, fmt.Errorf("get base rows %s: %w", base.Table, err)
	}

	out := make(map[string]types.Doc, len(byID))
	for id, docs := range byID {
		if len(docs) > 0 {
			out[id] = docs[len(docs)-1]
		}
	}
	return out, nil
}

// CountBaseRows counts base rows visible under the scope.
func (s *Store) CountBaseRows(ctx context.Context, base storage.BaseRef, scope storage.BaseScope) (int64, error) {
	base, err := normalizeBaseRef(base)
	if err != nil {
		return 0, err
	}
	where, args, err := s.baseFilters(ctx, base, scope, nil)
	if err != nil {
		return 0, err
	}

	var count int64
	err = s.getContext(ctx, &count,
		fmt.Sprintf("SELECT count(*) FROM %s t%s", base.Table, whereSQL(where)), args...)
	if err != nil {
		return 0, fmt.Errorf("count base rows %s: %w", base.Table, err)
	}
	return count, nil
}

// CountBaseBuckets groups base counts by the scoping columns the table has.
// A table without tenant_id yields one global bucket.
func (s *Store) CountBaseBuckets(ctx context.Context, base storage.BaseRef, scope storage.BaseScope) ([]storage.BaseBucket, error) {
	base, err := normalizeBaseRef(base)
	if err != nil {
		return nil, err
	}
	cols, err := s.probeScopeColumns(ctx, base.Table)
	if err != nil {
		return nil, err
	}
	where, args, err := s.baseFilters(ctx, base, scope, nil)
	if err != nil {
		return nil, err
	}

	tenantExpr, orgExpr := "NULL::text", "NULL::text"
	var groupBy []string
	if cols.hasTenant {
		tenantExpr = "t.tenant_id::text"
		groupBy = append(groupBy, "1")
	}
	if cols.hasOrg {
		orgExpr = "t.organization_id::text"
		groupBy = append(groupBy, "2")
	}
	query := fmt.Sprintf("SELECT %s, %s, count(*) FROM %s t%s",
		tenantExpr, orgExpr, base.Table, whereSQL(where))
	if len(groupBy) > 0 {
		query += " GROUP BY " + strings.Join(groupBy, ", ")
	}

	rows, err := s.queryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count base buckets %s: %w", base.Table, err)
	}
	defer rows.Close()

	var buckets []storage.BaseBucket
	for rows.Next() {
		var tenant, org sql.NullString
		var count int64
		if err := rows.Scan(&tenant, &org, &count); err != nil {
			return nil, err
		}
		b := storage.BaseBucket{Count: count}
		if tenant.Valid {
			b.TenantID = &tenant.String
		}
		if org.Valid {
			b.OrganizationID = &org.String
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// ScanBaseChunk reads up to limit rows with id greater than afterID, in
// ascending id order. An empty afterID starts from the beginning.
func (s *Store) ScanBaseChunk(ctx context.Context, base storage.BaseRef, scope storage.BaseScope, afterID string, limit int) ([]storage.BaseRecord, error) {
	base, err := normalizeBaseRef(base)
	if err != nil {
		return nil, err
	}
	where, args, err := s.baseFilters(ctx, base, scope, nil)
	if err != nil {
		return nil, err
	}
	if afterID != "" {
		args = append(args, afterID)
		where = append(where, fmt.Sprintf("t.%s::text > $%d", base.IDColumn, len(args)))
	}
	args = append(args, limit)

	query := fmt.Sprintf("SELECT t.%s::text, %s FROM %s t%s ORDER BY t.%s::text ASC LIMIT $%d",
		base.IDColumn, docExpr(base), base.Table, whereSQL(where), base.IDColumn, len(args))

	rows, err := s.queryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan base chunk %s: %w", base.Table, err)
	}
	defer rows.Close()

	var records []storage.BaseRecord
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		doc, err := types.UnmarshalDoc(raw)
		if err != nil {
			return nil, fmt.Errorf("decode base row %s: %w", id, err)
		}
		records = append(records, storage.BaseRecord{ID: id, Row: doc})
	}
	return records, rows.Err()
}
