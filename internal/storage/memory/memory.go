// Package memory implements storage.Store on in-process maps.
//
// It backs handler, reindexer and aggregator tests and embedded setups; no
// SQL runs, so the planner's Querier is unavailable. Partition predicates
// hash with FNV rather than the database's hashtext: partitions are disjoint
// and complete but rows land in different slots than they would on Postgres.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

var _ storage.Store = (*Store)(nil)

// Store holds every table as a map. All methods are safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	rows   map[string]*types.IndexRow
	tokens map[string][]types.SearchToken

	coverage map[string]*types.CoverageRow
	jobs     []*types.IndexJob
	nextJob  int64

	base    map[string]map[string]types.Doc
	columns map[string]map[string]bool

	fieldDefs   []FieldDef
	fieldValues []FieldValue
	xlat        map[string][]types.Translation

	errorLogs  []types.LogEntry
	statusLogs []types.LogEntry
	nextLog    int64
}

// FieldDef seeds one custom-field definition.
type FieldDef struct {
	EntityType     types.EntityType
	FieldKey       string
	Kind           string
	OrganizationID *string
	TenantID       *string
	IsActive       bool
}

// FieldValue seeds one custom-field value row. Rows keep insertion order,
// which stands in for the value-id ordering of the SQL store.
type FieldValue struct {
	EntityType     types.EntityType
	RecordID       string
	FieldKey       string
	Value          any
	OrganizationID *string
	TenantID       *string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		rows:     make(map[string]*types.IndexRow),
		tokens:   make(map[string][]types.SearchToken),
		coverage: make(map[string]*types.CoverageRow),
		base:     make(map[string]map[string]types.Doc),
		columns:  make(map[string]map[string]bool),
		xlat:     make(map[string][]types.Translation),
	}
}

// Close implements storage.Store.
func (m *Store) Close() error { return nil }

// Querier is unavailable without SQL; the planner requires the Postgres
// store.
func (m *Store) Querier() storage.Querier { return nil }

// SeedTable declares a base table and its columns.
func (m *Store) SeedTable(table string, columns ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.base[table]; !ok {
		m.base[table] = make(map[string]types.Doc)
	}
	cols, ok := m.columns[table]
	if !ok {
		cols = make(map[string]bool)
		m.columns[table] = cols
	}
	for _, c := range columns {
		cols[c] = true
	}
}

// PutBaseRow stores one base row. The table must be seeded first.
func (m *Store) PutBaseRow(table, id string, row types.Doc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.base[table][id] = row.Clone()
}

// DeleteBaseRow removes one base row.
func (m *Store) DeleteBaseRow(table, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.base[table], id)
}

// SeedFieldDefs appends custom-field definitions.
func (m *Store) SeedFieldDefs(defs ...FieldDef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fieldDefs = append(m.fieldDefs, defs...)
}

// SeedFieldValues appends custom-field value rows.
func (m *Store) SeedFieldValues(values ...FieldValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fieldValues = append(m.fieldValues, values...)
}

// SeedTranslations appends translations for one record.
func (m *Store) SeedTranslations(entity types.EntityType, recordID string, translations ...types.Translation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey(entity, recordID)
	m.xlat[key] = append(m.xlat[key], translations...)
}

func recordKey(entity types.EntityType, recordID string) string {
	return string(entity) + "|" + recordID
}

func rowKey(entity types.EntityType, recordID, orgKey string) string {
	return string(entity) + "|" + recordID + "|" + orgKey
}

func rowOrgKey(org *string) string {
	if org == nil || *org == "" {
		return types.SentinelOrgID
	}
	return *org
}

// partitionIndex mirrors the scan predicate: stable per id, disjoint across
// indexes, complete over the id space.
func partitionIndex(id string, count int) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % uint32(count))
}

func validateUpsert(entity types.EntityType, recordID string, scope types.Scope) error {
	if err := entity.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}
	if recordID == "" {
		return fmt.Errorf("%w: record id is required", storage.ErrInvalidArgument)
	}
	if err := scope.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}
	return nil
}

// GetIndexRow returns a copy of one row or storage.ErrNotFound.
func (m *Store) GetIndexRow(_ context.Context, entity types.EntityType, recordID, orgKey string) (*types.IndexRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.rows[rowKey(entity, recordID, orgKey)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *row
	out.Doc = row.Doc.Clone()
	return &out, nil
}

// UpsertIndexRow writes one row and reports the transition.
func (m *Store) UpsertIndexRow(_ context.Context, entity types.EntityType, recordID string, scope types.Scope, doc types.Doc) (types.UpsertResult, error) {
	if err := validateUpsert(entity, recordID, scope); err != nil {
		return types.UpsertResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertLocked(entity, recordID, scope, doc), nil
}

func (m *Store) upsertLocked(entity types.EntityType, recordID string, scope types.Scope, doc types.Doc) types.UpsertResult {
	key := rowKey(entity, recordID, scope.OrgKey())
	now := time.Now()

	var res types.UpsertResult
	prior, existed := m.rows[key]
	res.Existed = existed
	if existed {
		res.WasDeleted = prior.DeletedAt != nil
		res.Revived = res.WasDeleted
		prior.Doc = doc.Clone()
		prior.OrganizationID = scope.OrganizationID
		prior.TenantID = scope.TenantID
		prior.UpdatedAt = now
		prior.DeletedAt = nil
		return res
	}

	res.Created = true
	m.rows[key] = &types.IndexRow{
		EntityType:     entity,
		RecordID:       recordID,
		OrganizationID: scope.OrganizationID,
		TenantID:       scope.TenantID,
		Doc:            doc.Clone(),
		IndexVersion:   1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return res
}

// UpsertIndexRows writes a batch, keeping the last write per identity. Like
// the SQL store it validates the entity only and trusts resolved row scopes.
func (m *Store) UpsertIndexRows(_ context.Context, entity types.EntityType, rows []storage.IndexUpsert) (int, error) {
	if err := entity.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(rows))
	written := 0
	for _, r := range rows {
		key := r.RecordID + "|" + r.Scope.OrgKey()
		if _, dup := seen[key]; !dup {
			seen[key] = struct{}{}
			written++
		}
		m.upsertLocked(entity, r.RecordID, r.Scope, r.Doc)
	}
	return written, nil
}

// DeleteIndexRow physically removes one row and its tokens.
func (m *Store) DeleteIndexRow(_ context.Context, entity types.EntityType, recordID, orgKey string) (types.DeleteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := rowKey(entity, recordID, orgKey)
	var res types.DeleteResult
	if row, ok := m.rows[key]; ok {
		res.Existed = true
		res.WasDeleted = row.DeletedAt != nil
		res.WasActive = row.DeletedAt == nil
		delete(m.rows, key)
	}
	delete(m.tokens, key)
	return res, nil
}

// CountIndexRows counts rows visible under the scope; a nil organization is
// the tenant-wide bucket.
func (m *Store) CountIndexRows(_ context.Context, entity types.EntityType, scope types.Scope) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, row := range m.rows {
		if row.EntityType != entity || row.TenantID != scope.TenantID {
			continue
		}
		if scope.OrganizationID != nil && *scope.OrganizationID != "" {
			if row.OrganizationID == nil || *row.OrganizationID != *scope.OrganizationID {
				continue
			}
		}
		if !scope.WithDeleted && row.DeletedAt != nil {
			continue
		}
		count++
	}
	return count, nil
}

// CountIndexRowsInScope counts live rows; nil filters widen.
func (m *Store) CountIndexRowsInScope(_ context.Context, entity types.EntityType, tenantID, organizationID *string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, row := range m.rows {
		if !rowInScope(row, entity, tenantID, organizationID) || row.DeletedAt != nil {
			continue
		}
		count++
	}
	return count, nil
}

// HasIndexRows reports whether any row, live or deleted, exists for the
// tenant.
func (m *Store) HasIndexRows(_ context.Context, entity types.EntityType, tenantID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, row := range m.rows {
		if row.EntityType == entity && row.TenantID == tenantID {
			return true, nil
		}
	}
	return false, nil
}

// rowInScope widens on nil or empty filters, like the SQL scope clauses.
func rowInScope(row *types.IndexRow, entity types.EntityType, tenantID, organizationID *string) bool {
	if row.EntityType != entity {
		return false
	}
	if tenantID != nil && *tenantID != "" && row.TenantID != *tenantID {
		return false
	}
	if organizationID != nil && *organizationID != "" {
		if row.OrganizationID == nil || *row.OrganizationID != *organizationID {
			return false
		}
	}
	return true
}

// DeleteIndexRowsInScope physically removes matching rows.
func (m *Store) DeleteIndexRowsInScope(_ context.Context, entity types.EntityType, tenantID, organizationID *string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, row := range m.rows {
		if !rowInScope(row, entity, tenantID, organizationID) {
			continue
		}
		delete(m.rows, key)
		delete(m.tokens, key)
		removed++
	}
	return removed, nil
}

// SoftDeleteIndexRowsInScope marks matching live rows deleted.
func (m *Store) SoftDeleteIndexRowsInScope(_ context.Context, entity types.EntityType, tenantID, organizationID *string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var affected int64
	for _, row := range m.rows {
		if !rowInScope(row, entity, tenantID, organizationID) || row.DeletedAt != nil {
			continue
		}
		at := now
		row.DeletedAt = &at
		row.UpdatedAt = now
		affected++
	}
	return affected, nil
}

// DeleteOrphanIndexRows removes rows in the scope and partition whose base
// row is gone or whose updated_at predates the pass start.
func (m *Store) DeleteOrphanIndexRows(_ context.Context, entity types.EntityType, base storage.BaseRef, scope storage.OrphanScope, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table := m.base[base.Table]
	var removed int64
	for key, row := range m.rows {
		if !rowInScope(row, entity, scope.TenantID, scope.OrganizationID) {
			continue
		}
		if scope.Partition != nil && scope.Partition.Count > 1 &&
			partitionIndex(row.RecordID, scope.Partition.Count) != scope.Partition.Index {
			continue
		}
		baseRow, baseExists := table[row.RecordID]
		if baseExists && base.EntityFilter != "" {
			if et, _ := baseRow.GetString("entity_type"); et != base.EntityFilter {
				baseExists = false
			}
		}
		if baseExists && !row.UpdatedAt.Before(olderThan) {
			continue
		}
		delete(m.rows, key)
		delete(m.tokens, key)
		removed++
	}
	return removed, nil
}

// ReplaceTokens applies a batch of token replacements atomically under the
// store lock.
func (m *Store) ReplaceTokens(_ context.Context, entity types.EntityType, batch []storage.TokenReplacement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rep := range batch {
		key := rowKey(entity, rep.RecordID, rep.Scope.OrgKey())
		if rep.DeleteAll {
			delete(m.tokens, key)
			continue
		}
		owned := make(map[string]struct{}, len(rep.Fields))
		for _, f := range rep.Fields {
			owned[f] = struct{}{}
		}
		var kept []types.SearchToken
		for _, tok := range m.tokens[key] {
			if _, replaced := owned[tok.Field]; !replaced {
				kept = append(kept, tok)
			}
		}
		seen := make(map[string]struct{})
		for _, tok := range rep.Tokens {
			dedupe := tok.Field + "|" + tok.TokenHash
			if _, dup := seen[dedupe]; dup {
				continue
			}
			seen[dedupe] = struct{}{}
			kept = append(kept, tok)
		}
		if len(kept) == 0 {
			delete(m.tokens, key)
		} else {
			m.tokens[key] = kept
		}
	}
	return nil
}

// TokensFor returns a copy of a record's tokens, for assertions.
func (m *Store) TokensFor(entity types.EntityType, recordID, orgKey string) []types.SearchToken {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.tokens[rowKey(entity, recordID, orgKey)]
	out := make([]types.SearchToken, len(src))
	copy(out, src)
	return out
}

// AllIndexRows returns copies of every row, ordered by key, for assertions.
func (m *Store) AllIndexRows() []types.IndexRow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.rows))
	for k := range m.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]types.IndexRow, 0, len(keys))
	for _, k := range keys {
		row := *m.rows[k]
		row.Doc = m.rows[k].Doc.Clone()
		out = append(out, row)
	}
	return out
}
