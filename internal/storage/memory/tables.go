package memory

import (
	"context"
	"sort"

	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

// TableExists reports whether the table was seeded.
func (m *Store) TableExists(_ context.Context, table string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.base[table]
	return ok, nil
}

// ColumnExists reports whether the column was declared on a seeded table.
func (m *Store) ColumnExists(_ context.Context, table, column string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.columns[table][column], nil
}

func (m *Store) hasColumnLocked(table, column string) bool {
	return m.columns[table][column]
}

// baseVisible applies the scope clauses a SQL read would, honoring only the
// columns the table declares.
func (m *Store) baseVisible(base storage.BaseRef, scope storage.BaseScope, id string, row types.Doc) bool {
	if base.EntityFilter != "" {
		if et, _ := row.GetString("entity_type"); et != base.EntityFilter {
			return false
		}
	}
	if scope.TenantID != nil && *scope.TenantID != "" && m.hasColumnLocked(base.Table, "tenant_id") {
		if t, _ := row.GetString("tenant_id"); t != *scope.TenantID {
			return false
		}
	}
	if scope.OrganizationID != nil && *scope.OrganizationID != "" && m.hasColumnLocked(base.Table, "organization_id") {
		if o, _ := row.GetString("organization_id"); o != *scope.OrganizationID {
			return false
		}
	}
	if !scope.IncludeDeleted && m.hasColumnLocked(base.Table, "deleted_at") {
		if row["deleted_at"] != nil {
			return false
		}
	}
	if p := scope.Partition; p != nil && p.Count > 1 {
		if partitionIndex(id, p.Count) != p.Index {
			return false
		}
	}
	return true
}

// projectDoc picks the configured doc column or the whole row.
func projectDoc(base storage.BaseRef, row types.Doc) types.Doc {
	if base.DocColumn == "" {
		return row.Clone()
	}
	switch v := row[base.DocColumn].(type) {
	case types.Doc:
		return v.Clone()
	case map[string]any:
		return types.Doc(v).Clone()
	default:
		return types.Doc{}
	}
}

// GetBaseRow loads one base row, soft-deleted or not.
func (m *Store) GetBaseRow(_ context.Context, base storage.BaseRef, recordID string) (types.Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.base[base.Table][recordID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if base.EntityFilter != "" {
		if et, _ := row.GetString("entity_type"); et != base.EntityFilter {
			return nil, storage.ErrNotFound
		}
	}
	return projectDoc(base, row), nil
}

// GetBaseRowsByIDs loads base rows in bulk; missing ids are absent from the
// map.
func (m *Store) GetBaseRowsByIDs(_ context.Context, base storage.BaseRef, ids []string) (map[string]types.Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]types.Doc, len(ids))
	table := m.base[base.Table]
	for _, id := range ids {
		row, ok := table[id]
		if !ok {
			continue
		}
		if base.EntityFilter != "" {
			if et, _ := row.GetString("entity_type"); et != base.EntityFilter {
				continue
			}
		}
		out[id] = projectDoc(base, row)
	}
	return out, nil
}

// CountBaseRows counts base rows visible under the scope.
func (m *Store) CountBaseRows(_ context.Context, base storage.BaseRef, scope storage.BaseScope) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for id, row := range m.base[base.Table] {
		if m.baseVisible(base, scope, id, row) {
			count++
		}
	}
	return count, nil
}

// CountBaseBuckets groups base counts by the scoping columns the table has. A
// table without tenant_id yields one global bucket.
func (m *Store) CountBaseBuckets(_ context.Context, base storage.BaseRef, scope storage.BaseScope) ([]storage.BaseBucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hasTenant := m.hasColumnLocked(base.Table, "tenant_id")
	hasOrg := m.hasColumnLocked(base.Table, "organization_id")

	type bucketKey struct {
		tenant, org     string
		tenantOK, orgOK bool
	}
	counts := make(map[bucketKey]int64)
	var order []bucketKey
	for id, row := range m.base[base.Table] {
		if !m.baseVisible(base, scope, id, row) {
			continue
		}
		var key bucketKey
		if hasTenant {
			key.tenant, key.tenantOK = row.GetString("tenant_id")
		}
		if hasOrg {
			key.org, key.orgOK = row.GetString("organization_id")
		}
		if _, seen := counts[key]; !seen {
			order = append(order, key)
		}
		counts[key]++
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].tenant != order[j].tenant {
			return order[i].tenant < order[j].tenant
		}
		return order[i].org < order[j].org
	})

	buckets := make([]storage.BaseBucket, 0, len(order))
	for _, key := range order {
		b := storage.BaseBucket{Count: counts[key]}
		if key.tenantOK {
			tenant := key.tenant
			b.TenantID = &tenant
		}
		if key.orgOK {
			org := key.org
			b.OrganizationID = &org
		}
		buckets = append(buckets, b)
	}
	return buckets, nil
}

// ScanBaseChunk reads up to limit rows with id greater than afterID, in
// ascending string order of ids, matching the SQL store's id::text keyset.
func (m *Store) ScanBaseChunk(_ context.Context, base storage.BaseRef, scope storage.BaseScope, afterID string, limit int) ([]storage.BaseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	table := m.base[base.Table]
	ids := make([]string, 0, len(table))
	for id, row := range table {
		if afterID != "" && id <= afterID {
			continue
		}
		if m.baseVisible(base, scope, id, row) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	records := make([]storage.BaseRecord, 0, len(ids))
	for _, id := range ids {
		records = append(records, storage.BaseRecord{ID: id, Row: projectDoc(base, table[id])})
	}
	return records, nil
}

// defVisible mirrors the SQL visibility predicate: a definition applies at a
// scope when its own organization and tenant are null or equal to the
// scope's.
func defVisible(org, tenant *string, scope types.Scope) bool {
	if org != nil {
		if scope.OrganizationID == nil || *scope.OrganizationID == "" || *org != *scope.OrganizationID {
			return false
		}
	}
	if tenant != nil && *tenant != scope.TenantID {
		return false
	}
	return true
}

// ListActiveFieldKeys returns the distinct active field keys visible at the
// scope across the given entity types, sorted.
func (m *Store) ListActiveFieldKeys(_ context.Context, entities []types.EntityType, scope types.Scope) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[types.EntityType]struct{}, len(entities))
	for _, e := range entities {
		wanted[e] = struct{}{}
	}

	seen := make(map[string]struct{})
	var keys []string
	for _, def := range m.fieldDefs {
		if _, ok := wanted[def.EntityType]; !ok || !def.IsActive {
			continue
		}
		if !defVisible(def.OrganizationID, def.TenantID, scope) {
			continue
		}
		if _, dup := seen[def.FieldKey]; dup {
			continue
		}
		seen[def.FieldKey] = struct{}{}
		keys = append(keys, def.FieldKey)
	}
	sort.Strings(keys)
	return keys, nil
}

// HasActiveFieldDefs reports whether the entity has any active definition
// visible at the scope.
func (m *Store) HasActiveFieldDefs(_ context.Context, entity types.EntityType, scope types.Scope) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, def := range m.fieldDefs {
		if def.EntityType == entity && def.IsActive && defVisible(def.OrganizationID, def.TenantID, scope) {
			return true, nil
		}
	}
	return false, nil
}

// GetFieldValues returns every visible value for the record grouped by field
// key, in seeded order.
func (m *Store) GetFieldValues(_ context.Context, entity types.EntityType, recordID string, scope types.Scope) (map[string][]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]any)
	for _, fv := range m.fieldValues {
		if fv.EntityType != entity || fv.RecordID != recordID || fv.Value == nil {
			continue
		}
		if !defVisible(fv.OrganizationID, fv.TenantID, scope) {
			continue
		}
		out[fv.FieldKey] = append(out[fv.FieldKey], types.NormalizeValue(fv.Value))
	}
	return out, nil
}

// GetFieldValuesBatch returns visible values for many records, keyed record
// id then field key.
func (m *Store) GetFieldValuesBatch(_ context.Context, entity types.EntityType, recordIDs []string, scope types.Scope) (map[string]map[string][]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[string]struct{}, len(recordIDs))
	for _, id := range recordIDs {
		wanted[id] = struct{}{}
	}

	out := make(map[string]map[string][]any)
	for _, fv := range m.fieldValues {
		if fv.EntityType != entity || fv.Value == nil {
			continue
		}
		if _, ok := wanted[fv.RecordID]; !ok {
			continue
		}
		if !defVisible(fv.OrganizationID, fv.TenantID, scope) {
			continue
		}
		fields, ok := out[fv.RecordID]
		if !ok {
			fields = make(map[string][]any)
			out[fv.RecordID] = fields
		}
		fields[fv.FieldKey] = append(fields[fv.FieldKey], types.NormalizeValue(fv.Value))
	}
	return out, nil
}

// GetTranslations returns every localized field value for the record, ordered
// by locale then field.
func (m *Store) GetTranslations(_ context.Context, entity types.EntityType, recordID string) ([]types.Translation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.xlat[recordKey(entity, recordID)]
	out := make([]types.Translation, len(src))
	copy(out, src)
	sortTranslations(out)
	return out, nil
}

// GetTranslationsBatch returns translations for many records keyed by record
// id.
func (m *Store) GetTranslationsBatch(_ context.Context, entity types.EntityType, recordIDs []string) (map[string][]types.Translation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]types.Translation)
	for _, id := range recordIDs {
		src := m.xlat[recordKey(entity, id)]
		if len(src) == 0 {
			continue
		}
		ts := make([]types.Translation, len(src))
		copy(ts, src)
		sortTranslations(ts)
		out[id] = ts
	}
	return out, nil
}

func sortTranslations(ts []types.Translation) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Locale != ts[j].Locale {
			return ts[i].Locale < ts[j].Locale
		}
		return ts[i].Field < ts[j].Field
	})
}
