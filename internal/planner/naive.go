package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-mercato/queryindex/internal/registry"
	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

// The naive engine answers reads without touching entity_indexes: base
// columns come straight off the base table, cf: filters become EXISTS
// subqueries over custom_field_values, and projected cf: keys are hydrated
// from the value table after the page is fetched. The planner routes here
// when the base table has no index presence or partial coverage disallows
// the hybrid path.

// cfValueText collapses the typed value columns into one comparable text.
const cfValueText = "coalesce(v.value_text, v.value_int::text, v.value_float::text, v.value_bool::text, v.value_date::text)"

type naiveIn struct {
	entity types.EntityType
	base   storage.BaseRef
	cols   scopeCols
	opts   *types.QueryOptions
	conds  []types.Condition
}

func (p *Planner) queryNaive(ctx context.Context, entityCfg *registry.EntityConfig, opts *types.QueryOptions, conds []types.Condition, warn *types.PartialIndexWarning) (*types.QueryResult, error) {
	entity := entityCfg.EntityType
	base := entityCfg.BaseRef()

	// Hosts without the base table behave as if the entity had no rows.
	exists, err := p.store.TableExists(ctx, base.Table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return emptyResult(opts, warn), nil
	}

	cols, err := p.scopeColumns(ctx, base.Table)
	if err != nil {
		return nil, err
	}
	in := naiveIn{entity: entity, base: base, cols: cols, opts: opts, conds: conds}

	countSQL, countArgs, err := naiveCountSQL(in)
	if err != nil {
		return nil, err
	}
	dataSQL, dataArgs, err := naiveDataSQL(in)
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
	var ids []string
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
			ids = append(ids, id)
			items = append(items, doc)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	if err := p.hydrateCustomFields(ctx, entity, opts, ids, items); err != nil {
		return nil, err
	}

	result := &types.QueryResult{
		Items:    items,
		Page:     opts.Page,
		PageSize: opts.PageSize,
		Total:    total,
	}
	if warn != nil {
		result.Meta = &types.QueryMeta{PartialIndexWarning: warn}
	}
	return result, nil
}

// hydrateCustomFields loads the projected cf: keys for one page of rows from
// custom_field_values and lays them into the documents, one value staying
// scalar and several becoming an array, matching the index doc convention.
func (p *Planner) hydrateCustomFields(ctx context.Context, entity types.EntityType, opts *types.QueryOptions, ids []string, items []types.Doc) error {
	keys := p.wantedCFKeys(ctx, entity, opts)
	if len(keys) == 0 || len(ids) == 0 {
		return nil
	}

	values, err := p.store.GetFieldValuesBatch(ctx, entity, ids, coverageScope(opts))
	if err != nil {
		return fmt.Errorf("hydrate custom fields %s: %w", entity, err)
	}
	for i, id := range ids {
		fields := values[id]
		if fields == nil {
			continue
		}
		for _, key := range keys {
			list := fields[key]
			switch len(list) {
			case 0:
			case 1:
				items[i][types.CFPrefix+key] = list[0]
			default:
				items[i][types.CFPrefix+key] = append([]any(nil), list...)
			}
		}
	}
	return nil
}

// wantedCFKeys lists the bare cf keys this read projects: explicitly
// requested fields plus the includeCustomFields expansion.
func (p *Planner) wantedCFKeys(ctx context.Context, entity types.EntityType, opts *types.QueryOptions) []string {
	var keys []string
	seen := map[string]bool{}
	add := func(key string) {
		bare := strings.TrimPrefix(key, types.CFPrefix)
		if bare == "" || seen[bare] {
			return
		}
		seen[bare] = true
		keys = append(keys, bare)
	}
	for _, f := range opts.Fields {
		if strings.HasPrefix(f, types.CFPrefix) {
			add(f)
		}
	}
	for _, key := range p.expandedFieldKeys(ctx, entity, opts, nil) {
		add(key)
	}
	return keys
}

func naiveCountSQL(in naiveIn) (string, []any, error) {
	a := &argList{}
	where, err := naiveWhere(a, in)
	if err != nil {
		return "", nil, err
	}
	q := fmt.Sprintf("SELECT count(*) FROM %s b", in.base.Table)
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	return q, a.args, nil
}

func naiveDataSQL(in naiveIn) (string, []any, error) {
	a := &argList{}

	fields, err := naiveProjection(in)
	if err != nil {
		return "", nil, err
	}

	where, err := naiveWhere(a, in)
	if err != nil {
		return "", nil, err
	}
	order, err := naiveOrder(a, in)
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT b.%s::text, %s FROM %s b",
		in.base.IDColumn, buildObjectSQL(fields), in.base.Table)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY " + strings.Join(order, ", "))
	fmt.Fprintf(&b, " LIMIT %s OFFSET %s",
		a.add(in.opts.PageSize), a.add((in.opts.Page-1)*in.opts.PageSize))
	return b.String(), a.args, nil
}

// naiveProjection keeps only id and base columns; cf: keys are hydrated after
// the page loads.
func naiveProjection(in naiveIn) ([]projField, error) {
	fields := []projField{{key: "id", expr: fmt.Sprintf("b.%s::text", in.base.IDColumn)}}
	seen := map[string]bool{"id": true}
	for _, f := range in.opts.Fields {
		if strings.HasPrefix(f, types.CFPrefix) || seen[f] {
			continue
		}
		col, err := baseColumn(in.base, f)
		if err != nil {
			return nil, err
		}
		seen[f] = true
		fields = append(fields, projField{key: f, expr: col})
	}
	return fields, nil
}

func naiveWhere(a *argList, in naiveIn) ([]string, error) {
	var where []string
	if in.cols.hasTenant {
		where = append(where, "b.tenant_id::text = "+a.add(in.opts.TenantID))
	}
	if in.cols.hasOrg {
		if clause := orgClause(a, "b.organization_id", in.opts); clause != "" {
			where = append(where, clause)
		}
	}
	if !in.opts.WithDeleted && in.cols.hasDeleted {
		where = append(where, "b.deleted_at IS NULL")
	}

	for _, c := range in.conds {
		var clause string
		var err error
		if strings.HasPrefix(c.Field, types.CFPrefix) {
			clause, err = naiveCFCond(a, in, c)
		} else {
			var col string
			col, err = baseColumn(in.base, c.Field)
			if err == nil {
				clause, err = baseCondSQL(a, c, col)
			}
		}
		if err != nil {
			return nil, err
		}
		where = append(where, clause)
	}
	return where, nil
}

// naiveCFCond translates one cf: filter into an EXISTS subquery over the
// value table, comparing on the collapsed text value.
func naiveCFCond(a *argList, in naiveIn, c types.Condition) (string, error) {
	if err := storage.ValidateFieldKey(c.Field); err != nil {
		return "", err
	}
	key := strings.TrimPrefix(c.Field, types.CFPrefix)

	// Empty membership lists resolve before any clause claims a placeholder;
	// an orphaned argument would break the prepared statement.
	if c.Op == types.OpIn || c.Op == types.OpNin {
		if values, _ := splitNull(valueSlice(c.Value)); len(values) == 0 {
			if c.Op == types.OpIn {
				return "FALSE", nil
			}
			return "TRUE", nil
		}
	}

	// The fixed clauses claim their placeholders before any value predicate.
	fixed := []string{
		"v.entity_type = " + a.add(string(in.entity)),
		fmt.Sprintf("v.record_id = b.%s::text", in.base.IDColumn),
		"v.field_key = " + a.add(key),
		fieldVisibility(a, in.opts),
	}
	sub := func(valuePred string) string {
		clauses := fixed
		if valuePred != "" {
			clauses = append(clauses[:len(clauses):len(clauses)], valuePred)
		}
		return "SELECT 1 FROM custom_field_values v WHERE " + strings.Join(clauses, " AND ")
	}

	switch c.Op {
	case types.OpEq:
		return "EXISTS (" + sub(cfValueText+" = "+a.add(textArg(c.Value))) + ")", nil
	case types.OpNe:
		return "NOT EXISTS (" + sub(cfValueText+" = "+a.add(textArg(c.Value))) + ")", nil
	case types.OpGt:
		return "EXISTS (" + sub(cfValueText+" > "+a.add(textArg(c.Value))) + ")", nil
	case types.OpGte:
		return "EXISTS (" + sub(cfValueText+" >= "+a.add(textArg(c.Value))) + ")", nil
	case types.OpLt:
		return "EXISTS (" + sub(cfValueText+" < "+a.add(textArg(c.Value))) + ")", nil
	case types.OpLte:
		return "EXISTS (" + sub(cfValueText+" <= "+a.add(textArg(c.Value))) + ")", nil
	case types.OpIn:
		return "EXISTS (" + sub(naiveCFInPred(a, c)) + ")", nil
	case types.OpNin:
		return "NOT EXISTS (" + sub(naiveCFInPred(a, c)) + ")", nil
	case types.OpLike:
		return "EXISTS (" + sub(cfValueText+" LIKE "+a.add(textArg(c.Value))) + ")", nil
	case types.OpILike:
		return "EXISTS (" + sub(cfValueText+" ILIKE "+a.add(textArg(c.Value))) + ")", nil
	case types.OpExists:
		if truthy(c.Value) {
			return "EXISTS (" + sub("") + ")", nil
		}
		return "NOT EXISTS (" + sub("") + ")", nil
	default:
		return "", fmt.Errorf("%w: unsupported operator %q", storage.ErrInvalidArgument, c.Op)
	}
}

// naiveCFInPred renders membership over the collapsed value text. Callers
// resolve empty lists before the fixed clauses run.
func naiveCFInPred(a *argList, c types.Condition) string {
	values, _ := splitNull(valueSlice(c.Value))
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = a.add(textArg(v))
	}
	return fmt.Sprintf("%s IN (%s)", cfValueText, strings.Join(placeholders, ", "))
}

// naiveOrder sorts base columns directly and cf: keys through a scalar
// subquery over the value table, then breaks ties on id.
func naiveOrder(a *argList, in naiveIn) ([]string, error) {
	var order []string
	for _, s := range in.opts.Sort {
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		if strings.HasPrefix(s.Field, types.CFPrefix) {
			if err := storage.ValidateFieldKey(s.Field); err != nil {
				return nil, err
			}
			key := strings.TrimPrefix(s.Field, types.CFPrefix)
			expr := fmt.Sprintf(
				"(SELECT min(%s) FROM custom_field_values v WHERE v.entity_type = %s AND v.record_id = b.%s::text AND v.field_key = %s AND %s)",
				cfValueText, a.add(string(in.entity)), in.base.IDColumn, a.add(key), fieldVisibility(a, in.opts))
			order = append(order, expr+" "+dir)
			continue
		}
		col, err := baseColumn(in.base, s.Field)
		if err != nil {
			return nil, err
		}
		order = append(order, col+" "+dir)
	}
	order = append(order, fmt.Sprintf("b.%s::text ASC", in.base.IDColumn))
	return order, nil
}

// fieldVisibility restricts value rows to definitions visible at the query
// scope: global rows always, organization rows only when the query pins one
// organization.
func fieldVisibility(a *argList, opts *types.QueryOptions) string {
	org := "v.organization_id IS NULL"
	if ids, includeNull, present := opts.OrgFilter(); present && !includeNull && len(ids) == 1 {
		org = fmt.Sprintf("(v.organization_id IS NULL OR v.organization_id::text = %s)", a.add(ids[0]))
	}
	return org + fmt.Sprintf(" AND (v.tenant_id IS NULL OR v.tenant_id = %s)", a.add(opts.TenantID))
}
