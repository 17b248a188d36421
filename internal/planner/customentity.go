package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-mercato/queryindex/internal/registry"
	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

// Custom entities have no base table of their own: every record lives as one
// jsonb document in custom_entities_storage. The fast path filters and sorts
// through JSON path expressions on that column and projects in memory, so no
// index join is ever needed.

func (p *Planner) queryCustomEntity(ctx context.Context, entityCfg *registry.EntityConfig, opts *types.QueryOptions, conds []types.Condition) (*types.QueryResult, error) {
	entity := entityCfg.EntityType

	countSQL, countArgs, err := customCountSQL(entity, opts, conds)
	if err != nil {
		return nil, err
	}
	dataSQL, dataArgs, err := customDataSQL(entity, opts, conds)
	if err != nil {
		return nil, err
	}
	p.debugSQL(countSQL, countArgs)
	p.debugSQL(dataSQL, dataArgs)

	q := p.store.Querier()
	var total int64
	if err := q.GetContext(ctx, &total, countSQL, countArgs...); err != nil {
		return nil, fmt.Errorf("count %s: %w", entity, err)
	}

	items := []types.Doc{}
	if total > 0 {
		rows, err := q.QueryxContext(ctx, dataSQL, dataArgs...)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", entity, err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			var raw []byte
			if err := rows.Scan(&id, &raw); err != nil {
				return nil, err
			}
			doc, err := types.UnmarshalDoc(raw)
			if err != nil {
				return nil, fmt.Errorf("decode %s row: %w", entity, err)
			}
			items = append(items, projectCustomDoc(id, doc, opts))
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	return &types.QueryResult{
		Items:    items,
		Page:     opts.Page,
		PageSize: opts.PageSize,
		Total:    total,
	}, nil
}

func customCountSQL(entity types.EntityType, opts *types.QueryOptions, conds []types.Condition) (string, []any, error) {
	a := &argList{}
	where, err := customWhere(a, entity, opts, conds)
	if err != nil {
		return "", nil, err
	}
	return "SELECT count(*) FROM custom_entities_storage b WHERE " + strings.Join(where, " AND "), a.args, nil
}

func customDataSQL(entity types.EntityType, opts *types.QueryOptions, conds []types.Condition) (string, []any, error) {
	a := &argList{}
	where, err := customWhere(a, entity, opts, conds)
	if err != nil {
		return "", nil, err
	}
	order, err := customOrder(opts)
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	b.WriteString("SELECT b.record_id, b.doc FROM custom_entities_storage b WHERE ")
	b.WriteString(strings.Join(where, " AND "))
	b.WriteString(" ORDER BY " + strings.Join(order, ", "))
	fmt.Fprintf(&b, " LIMIT %s OFFSET %s",
		a.add(opts.PageSize), a.add((opts.Page-1)*opts.PageSize))
	return b.String(), a.args, nil
}

func customWhere(a *argList, entity types.EntityType, opts *types.QueryOptions, conds []types.Condition) ([]string, error) {
	where := []string{
		"b.entity_type = " + a.add(string(entity)),
		"b.tenant_id = " + a.add(opts.TenantID),
	}
	if clause := orgClause(a, "b.organization_id", opts); clause != "" {
		where = append(where, clause)
	}
	if !opts.WithDeleted {
		where = append(where, "b.deleted_at IS NULL")
	}

	for _, c := range conds {
		if c.Field == "id" {
			clause, err := baseCondSQL(a, c, "b.record_id")
			if err != nil {
				return nil, err
			}
			where = append(where, clause)
			continue
		}
		if err := storage.ValidateFieldKey(c.Field); err != nil {
			return nil, err
		}
		clause, err := docCondSQL(a, c, customDocExpr(c.Field, false), customDocExpr(c.Field, true))
		if err != nil {
			return nil, err
		}
		where = append(where, clause)
	}
	return where, nil
}

func customOrder(opts *types.QueryOptions) ([]string, error) {
	var order []string
	for _, s := range opts.Sort {
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		if s.Field == "id" {
			order = append(order, "b.record_id "+dir)
			continue
		}
		if err := storage.ValidateFieldKey(s.Field); err != nil {
			return nil, err
		}
		order = append(order, customDocExpr(s.Field, true)+" "+dir)
	}
	order = append(order, "b.record_id ASC")
	return order, nil
}

// customDocExpr addresses one key of the stored document. cf:-prefixed
// fields fall back to the bare key, mirroring the index doc convention.
func customDocExpr(field string, text bool) string {
	op := "->"
	if text {
		op = "->>"
	}
	if strings.HasPrefix(field, types.CFPrefix) {
		bare := strings.TrimPrefix(field, types.CFPrefix)
		return fmt.Sprintf("coalesce(b.doc %s '%s%s', b.doc %s '%s')", op, types.CFPrefix, bare, op, bare)
	}
	return fmt.Sprintf("b.doc %s '%s'", op, field)
}

// projectCustomDoc shapes one stored document into a result item. Explicit
// fields copy over with the cf: fallback; selecting all custom fields lays
// the entire document under the id.
func projectCustomDoc(id string, doc types.Doc, opts *types.QueryOptions) types.Doc {
	item := types.Doc{"id": id}
	if opts.IncludeCustomFields.All {
		for k, v := range doc {
			if k != "id" {
				item[k] = v
			}
		}
	}
	pick := func(f string) {
		if f == "id" {
			return
		}
		if v, ok := doc[f]; ok {
			item[f] = v
			return
		}
		if strings.HasPrefix(f, types.CFPrefix) {
			if v, ok := doc[strings.TrimPrefix(f, types.CFPrefix)]; ok {
				item[f] = v
			}
		}
	}
	for _, f := range opts.Fields {
		pick(f)
	}
	for _, f := range opts.IncludeCustomFields.Keys {
		pick(f)
	}
	return item
}
