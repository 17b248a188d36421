package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

// Custom-field definitions and values live in tables owned by the host
// application. A definition is visible at a scope when its own organization
// and tenant are either null or equal to the scope's. Deployments without
// the tables behave as if no fields were defined.

// fieldVisibilitySQL builds the visibility predicate, appending args.
func fieldVisibilitySQL(scope types.Scope, args []any) (string, []any) {
	var orgClause string
	if scope.OrganizationID != nil && *scope.OrganizationID != "" {
		args = append(args, *scope.OrganizationID)
		orgClause = fmt.Sprintf("(organization_id IS NULL OR organization_id::text = $%d)", len(args))
	} else {
		orgClause = "organization_id IS NULL"
	}
	args = append(args, scope.TenantID)
	return fmt.Sprintf("%s AND (tenant_id IS NULL OR tenant_id = $%d)", orgClause, len(args)), args
}

// ListActiveFieldKeys returns the distinct active field keys visible at the
// scope across the given entity types, sorted.
func (s *Store) ListActiveFieldKeys(ctx context.Context, entities []types.EntityType, scope types.Scope) ([]string, error) {
	if len(entities) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(entities)+2)
	placeholders := ""
	for i, e := range entities {
		if i > 0 {
			placeholders += ", "
		}
		args = append(args, e)
		placeholders += fmt.Sprintf("$%d", len(args))
	}
	visibility, args := fieldVisibilitySQL(scope, args)

	var keys []string
	err := s.selectContext(ctx, &keys, fmt.Sprintf(`
		SELECT DISTINCT field_key FROM custom_field_defs
		WHERE entity_type IN (%s) AND is_active AND %s`, placeholders, visibility),
		args...)
	if isUndefinedTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list field keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// HasActiveFieldDefs reports whether the entity has any active definition
// visible at the scope.
func (s *Store) HasActiveFieldDefs(ctx context.Context, entity types.EntityType, scope types.Scope) (bool, error) {
	args := []any{entity}
	visibility, args := fieldVisibilitySQL(scope, args)

	var exists bool
	err := s.getContext(ctx, &exists, fmt.Sprintf(`
		SELECT EXISTS (
			SELECT 1 FROM custom_field_defs
			WHERE entity_type = $1 AND is_active AND %s
		)`, visibility), args...)
	if isUndefinedTable(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe field defs: %w", err)
	}
	return exists, nil
}

// fieldValueColumnsSQL selects the typed value columns; exactly one is
// non-null per row.
const fieldValueColumnsSQL = "field_key, value_text, value_int, value_float, value_bool, value_date"

// scanFieldValue collapses the typed columns into one value.
type fieldValueRow struct {
	FieldKey   string
	ValueText  *string
	ValueInt   *int64
	ValueFloat *float64
	ValueBool  *bool
	ValueDate  *time.Time
}

func (r fieldValueRow) value() any {
	switch {
	case r.ValueText != nil:
		return *r.ValueText
	case r.ValueInt != nil:
		return *r.ValueInt
	case r.ValueFloat != nil:
		return *r.ValueFloat
	case r.ValueBool != nil:
		return *r.ValueBool
	case r.ValueDate != nil:
		return *r.ValueDate
	default:
		return nil
	}
}

// GetFieldValues returns every visible value for the record, grouped by field
// key. Multi-value fields keep insertion order.
func (s *Store) GetFieldValues(ctx context.Context, entity types.EntityType, recordID string, scope types.Scope) (map[string][]any, error) {
	args := []any{entity, recordID}
	visibility, args := fieldVisibilitySQL(scope, args)

	rows, err := s.queryxContext(ctx, fmt.Sprintf(`
		SELECT %s FROM custom_field_values
		WHERE entity_type = $1 AND record_id = $2 AND %s
		ORDER BY id`, fieldValueColumnsSQL, visibility), args...)
	if isUndefinedTable(err) {
		return map[string][]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get field values: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]any)
	for rows.Next() {
		var r fieldValueRow
		if err := rows.Scan(&r.FieldKey, &r.ValueText, &r.ValueInt, &r.ValueFloat, &r.ValueBool, &r.ValueDate); err != nil {
			return nil, err
		}
		if v := r.value(); v != nil {
			out[r.FieldKey] = append(out[r.FieldKey], types.NormalizeValue(v))
		}
	}
	return out, rows.Err()
}

// GetFieldValuesBatch returns visible values for many records in one batched
// query, keyed record id then field key.
func (s *Store) GetFieldValuesBatch(ctx context.Context, entity types.EntityType, recordIDs []string, scope types.Scope) (map[string]map[string][]any, error) {
	out := make(map[string]map[string][]any)
	if len(recordIDs) == 0 {
		return out, nil
	}

	fixedArgs := []any{entity}
	visibility, fixedArgs := fieldVisibilitySQL(scope, fixedArgs)
	template := fmt.Sprintf(`
		SELECT record_id, %s FROM custom_field_values
		WHERE entity_type = $1 AND %s AND record_id IN (%%s)
		ORDER BY id`, fieldValueColumnsSQL, visibility)

	type keyed struct {
		key string
		val any
	}
	byRecord, err := storage.BatchIN(ctx, s.Querier(), recordIDs, storage.DefaultBatchSize, template, fixedArgs,
		func(rows *sqlx.Rows) (string, keyed, error) {
			var recordID string
			var r fieldValueRow
			err := rows.Scan(&recordID, &r.FieldKey, &r.ValueText, &r.ValueInt, &r.ValueFloat, &r.ValueBool, &r.ValueDate)
			if err != nil {
				return "", keyed{}, err
			}
			return recordID, keyed{key: r.FieldKey, val: r.value()}, nil
		})
	if isUndefinedTable(err) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get field values batch: %w", err)
	}

	for recordID, values := range byRecord {
		fields := make(map[string][]any)
		for _, kv := range values {
			if kv.val == nil {
				continue
			}
			fields[kv.key] = append(fields[kv.key], types.NormalizeValue(kv.val))
		}
		if len(fields) > 0 {
			out[recordID] = fields
		}
	}
	return out, nil
}

// GetTranslations returns every localized field value for the record.
func (s *Store) GetTranslations(ctx context.Context, entity types.EntityType, recordID string) ([]types.Translation, error) {
	var out []types.Translation
	err := s.selectContext(ctx, &out, `
		SELECT entity_type, record_id, locale, field, value
		FROM entity_translations
		WHERE entity_type = $1 AND record_id = $2
		ORDER BY locale, field`,
		entity, recordID)
	if isUndefinedTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get translations: %w", err)
	}
	return out, nil
}

// GetTranslationsBatch returns translations for many records keyed by record
// id.
func (s *Store) GetTranslationsBatch(ctx context.Context, entity types.EntityType, recordIDs []string) (map[string][]types.Translation, error) {
	if len(recordIDs) == 0 {
		return map[string][]types.Translation{}, nil
	}
	out, err := storage.BatchIN(ctx, s.Querier(), recordIDs, storage.DefaultBatchSize, `
		SELECT record_id, entity_type, locale, field, value
		FROM entity_translations
		WHERE entity_type = $1 AND record_id IN (%s)
		ORDER BY locale, field`,
		[]any{entity},
		func(rows *sqlx.Rows) (string, types.Translation, error) {
			var t types.Translation
			if err := rows.Scan(&t.RecordID, &t.EntityType, &t.Locale, &t.Field, &t.Value); err != nil {
				return "", types.Translation{}, err
			}
			return t.RecordID, t, nil
		})
	if isUndefinedTable(err) {
		return map[string][]types.Translation{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get translations batch: %w", err)
	}
	return out, nil
}
