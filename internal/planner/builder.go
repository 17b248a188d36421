package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

// The SQL builders are pure: they take a fully resolved input and produce a
// statement plus its argument list. All I/O (column probes, key resolution,
// coverage reads) happens in the planner before these run.

// argList numbers query arguments as clauses append to a statement.
type argList struct {
	args []any
}

func (a *argList) add(v any) string {
	a.args = append(a.args, v)
	return fmt.Sprintf("$%d", len(a.args))
}

// scopeCols reports which scoping columns the base table carries. Clauses for
// absent columns are skipped, so tables without tenant_id stay global.
type scopeCols struct {
	hasTenant  bool
	hasOrg     bool
	hasDeleted bool
}

// sourceJoin is one resolved customFieldSources entry. The scope column names
// are resolved against the source table before building; empty means the
// table has no such column.
type sourceJoin struct {
	src        types.CustomFieldSource
	indexAlias string
	orgColumn  string
	tenantCol  string
}

// projField is one projected result key and the SQL expression producing it.
type projField struct {
	key  string
	expr string
}

// input carries everything the builders need for one statement.
type input struct {
	entity  types.EntityType
	base    storage.BaseRef
	cols    scopeCols
	opts    *types.QueryOptions
	conds   []types.Condition
	sources []sourceJoin
	// aliases lists the entity_indexes aliases contributing cf: values,
	// primary first.
	aliases []string
	fields  []projField
}

// buildDataSQL produces the page query: base table, index joins, filters,
// ordering and pagination. Each row comes back as one jsonb object.
func buildDataSQL(in input) (string, []any, error) {
	a := &argList{}

	joins := indexJoins(a, in)
	where, err := whereClauses(a, in)
	if err != nil {
		return "", nil, err
	}
	order, err := orderClauses(in)
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s b", buildObjectSQL(in.fields), in.base.Table)
	for _, j := range joins {
		b.WriteString(" ")
		b.WriteString(j)
	}
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY " + strings.Join(order, ", "))
	fmt.Fprintf(&b, " LIMIT %s OFFSET %s",
		a.add(in.opts.PageSize), a.add((in.opts.Page-1)*in.opts.PageSize))
	return b.String(), a.args, nil
}

// buildCountSQL produces the total-count query. When no cf: filter is present
// the index joins are dropped entirely and the count groups base ids; with cf:
// filters the full join tree runs under COUNT(DISTINCT).
func buildCountSQL(in input) (string, []any, error) {
	a := &argList{}

	if !hasCFFilter(in.conds) {
		bare := in
		bare.sources = nil
		where, err := whereClauses(a, bare)
		if err != nil {
			return "", nil, err
		}
		q := fmt.Sprintf("SELECT count(*) FROM (SELECT b.%s FROM %s b", in.base.IDColumn, in.base.Table)
		if len(where) > 0 {
			q += " WHERE " + strings.Join(where, " AND ")
		}
		q += fmt.Sprintf(" GROUP BY b.%s) c", in.base.IDColumn)
		return q, a.args, nil
	}

	joins := indexJoins(a, in)
	where, err := whereClauses(a, in)
	if err != nil {
		return "", nil, err
	}
	q := fmt.Sprintf("SELECT count(DISTINCT b.%s) FROM %s b", in.base.IDColumn, in.base.Table)
	for _, j := range joins {
		q += " " + j
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	return q, a.args, nil
}

// buildObjectSQL renders the projection as jsonb. jsonb_build_object takes
// at most 100 arguments, so wide projections concatenate several objects.
func buildObjectSQL(fields []projField) string {
	const chunk = 40
	var objs []string
	for start := 0; start < len(fields); start += chunk {
		end := min(start+chunk, len(fields))
		pairs := make([]string, 0, end-start)
		for _, f := range fields[start:end] {
			pairs = append(pairs, fmt.Sprintf("'%s', %s", f.key, f.expr))
		}
		objs = append(objs, "jsonb_build_object("+strings.Join(pairs, ", ")+")")
	}
	return strings.Join(objs, " || ")
}

// indexJoins builds the primary entity_indexes join plus one table join and
// one aliased index join per custom-field source. Each side is qualified only
// on the scope columns it has; the tenant pin falls back to the query tenant
// when the row side has no tenant column.
func indexJoins(a *argList, in input) []string {
	var joins []string

	on := []string{
		"ei.entity_type = " + a.add(string(in.entity)),
		fmt.Sprintf("ei.record_id = b.%s::text", in.base.IDColumn),
		"ei.tenant_id = " + a.add(in.opts.TenantID),
	}
	if in.cols.hasOrg {
		on = append(on, "ei.organization_id::text IS NOT DISTINCT FROM b.organization_id::text")
	}
	on = append(on, "ei.deleted_at IS NULL")
	joins = append(joins, "LEFT JOIN entity_indexes ei ON "+strings.Join(on, " AND "))

	for _, s := range in.sources {
		joins = append(joins, fmt.Sprintf("LEFT JOIN %s %s ON %s", s.src.Table, s.src.Alias, s.src.Join))

		on := []string{
			s.indexAlias + ".entity_type = " + a.add(string(s.src.EntityType)),
			fmt.Sprintf("%s.record_id = %s.%s::text", s.indexAlias, s.src.Alias, s.src.RecordIDColumn),
		}
		if s.tenantCol != "" {
			on = append(on, fmt.Sprintf("%s.tenant_id = %s.%s::text", s.indexAlias, s.src.Alias, s.tenantCol))
		} else {
			on = append(on, s.indexAlias+".tenant_id = "+a.add(in.opts.TenantID))
		}
		if s.orgColumn != "" {
			on = append(on, fmt.Sprintf("%s.organization_id::text IS NOT DISTINCT FROM %s.%s::text",
				s.indexAlias, s.src.Alias, s.orgColumn))
		}
		on = append(on, s.indexAlias+".deleted_at IS NULL")
		joins = append(joins, "LEFT JOIN entity_indexes "+s.indexAlias+" ON "+strings.Join(on, " AND "))
	}
	return joins
}

// whereClauses builds tenant, organization and soft-delete scoping plus every
// parsed filter condition.
func whereClauses(a *argList, in input) ([]string, error) {
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
		clause, err := condSQL(a, in, c)
		if err != nil {
			return nil, err
		}
		where = append(where, clause)
	}
	return where, nil
}

// orgClause renders the organization restriction over col. The forced-empty
// case (present clause, no ids, no null) is answered before any SQL builds, so
// an empty clause here means the query is tenant-wide.
func orgClause(a *argList, col string, opts *types.QueryOptions) string {
	ids, includeNull, present := opts.OrgFilter()
	if !present {
		return ""
	}
	var parts []string
	if len(ids) > 0 {
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			placeholders[i] = a.add(id)
		}
		parts = append(parts, fmt.Sprintf("%s::text IN (%s)", col, strings.Join(placeholders, ", ")))
	}
	if includeNull {
		parts = append(parts, col+" IS NULL")
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

func condSQL(a *argList, in input, c types.Condition) (string, error) {
	if strings.HasPrefix(c.Field, types.CFPrefix) {
		if err := storage.ValidateFieldKey(c.Field); err != nil {
			return "", err
		}
		return docCondSQL(a, c,
			cfExpr(in.aliases, c.Field, false),
			cfExpr(in.aliases, c.Field, true))
	}
	col, err := baseColumn(in.base, c.Field)
	if err != nil {
		return "", err
	}
	return baseCondSQL(a, c, col)
}

// baseColumn maps a filter or sort field onto the base alias. "id" follows
// the registered id column.
func baseColumn(base storage.BaseRef, field string) (string, error) {
	if field == "id" {
		return "b." + base.IDColumn, nil
	}
	if err := storage.ValidateIdent(field); err != nil {
		return "", err
	}
	return "b." + field, nil
}

// baseCondSQL translates one operator over a plain base column.
func baseCondSQL(a *argList, c types.Condition, col string) (string, error) {
	switch c.Op {
	case types.OpEq:
		if c.Value == nil {
			return col + " IS NULL", nil
		}
		return col + " = " + a.add(c.Value), nil
	case types.OpNe:
		if c.Value == nil {
			return col + " IS NOT NULL", nil
		}
		return col + " IS DISTINCT FROM " + a.add(c.Value), nil
	case types.OpGt:
		return col + " > " + a.add(c.Value), nil
	case types.OpGte:
		return col + " >= " + a.add(c.Value), nil
	case types.OpLt:
		return col + " < " + a.add(c.Value), nil
	case types.OpLte:
		return col + " <= " + a.add(c.Value), nil
	case types.OpIn:
		return baseInSQL(a, c, col), nil
	case types.OpNin:
		return "NOT coalesce(" + baseInSQL(a, c, col) + ", false)", nil
	case types.OpLike:
		return col + " LIKE " + a.add(c.Value), nil
	case types.OpILike:
		return col + " ILIKE " + a.add(c.Value), nil
	case types.OpExists:
		if truthy(c.Value) {
			return col + " IS NOT NULL", nil
		}
		return col + " IS NULL", nil
	default:
		return "", fmt.Errorf("%w: unsupported operator %q", storage.ErrInvalidArgument, c.Op)
	}
}

// baseInSQL renders membership over a base column. A nil element admits null
// rows; an empty list matches nothing.
func baseInSQL(a *argList, c types.Condition, col string) string {
	values, hasNull := splitNull(valueSlice(c.Value))
	var parts []string
	if len(values) > 0 {
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = a.add(v)
		}
		parts = append(parts, fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", ")))
	}
	if hasNull {
		parts = append(parts, col+" IS NULL")
	}
	if len(parts) == 0 {
		return "FALSE"
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// docCondSQL translates one operator over a jsonb document expression. Used
// for cf: filters on index docs and for every field of a custom entity.
// Equality and membership also match inside stored arrays via containment;
// ordering comparisons run on the text extraction.
func docCondSQL(a *argList, c types.Condition, expr, textExpr string) (string, error) {
	switch c.Op {
	case types.OpEq:
		p, err := jsonArg(a, c.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s = %s OR %s @> %s)", expr, p, expr, p), nil
	case types.OpNe:
		p, err := jsonArg(a, c.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("NOT coalesce(%s = %s OR %s @> %s, false)", expr, p, expr, p), nil
	case types.OpGt:
		return textExpr + " > " + a.add(textArg(c.Value)), nil
	case types.OpGte:
		return textExpr + " >= " + a.add(textArg(c.Value)), nil
	case types.OpLt:
		return textExpr + " < " + a.add(textArg(c.Value)), nil
	case types.OpLte:
		return textExpr + " <= " + a.add(textArg(c.Value)), nil
	case types.OpIn:
		clause, err := docInSQL(a, c, expr)
		if err != nil {
			return "", err
		}
		return clause, nil
	case types.OpNin:
		clause, err := docInSQL(a, c, expr)
		if err != nil {
			return "", err
		}
		return "NOT coalesce(" + clause + ", false)", nil
	case types.OpLike:
		return textExpr + " LIKE " + a.add(textArg(c.Value)), nil
	case types.OpILike:
		return textExpr + " ILIKE " + a.add(textArg(c.Value)), nil
	case types.OpExists:
		if truthy(c.Value) {
			return expr + " IS NOT NULL", nil
		}
		return expr + " IS NULL", nil
	default:
		return "", fmt.Errorf("%w: unsupported operator %q", storage.ErrInvalidArgument, c.Op)
	}
}

func docInSQL(a *argList, c types.Condition, expr string) (string, error) {
	values := valueSlice(c.Value)
	if len(values) == 0 {
		return "FALSE", nil
	}
	parts := make([]string, 0, len(values))
	for _, v := range values {
		p, err := jsonArg(a, v)
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("(%s = %s OR %s @> %s)", expr, p, expr, p))
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, " OR ") + ")", nil
}

// cfExpr coalesces one cf: key across every contributing index doc. Each doc
// is probed under the prefixed key first and the bare legacy key second. The
// key is validated before this runs, so embedding it in the literal is safe.
func cfExpr(aliases []string, field string, text bool) string {
	op := "->"
	if text {
		op = "->>"
	}
	bare := strings.TrimPrefix(field, types.CFPrefix)
	parts := make([]string, 0, len(aliases)*2)
	for _, alias := range aliases {
		parts = append(parts,
			fmt.Sprintf("%s.doc %s '%s%s'", alias, op, types.CFPrefix, bare),
			fmt.Sprintf("%s.doc %s '%s'", alias, op, bare))
	}
	return "coalesce(" + strings.Join(parts, ", ") + ")"
}

// orderClauses renders the sort list plus a stable id tiebreaker.
func orderClauses(in input) ([]string, error) {
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
			order = append(order, cfExpr(in.aliases, s.Field, true)+" "+dir)
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

func hasCFFilter(conds []types.Condition) bool {
	for _, c := range conds {
		if strings.HasPrefix(c.Field, types.CFPrefix) {
			return true
		}
	}
	return false
}

// valueSlice flattens the operand of $in / $nin into elements.
func valueSlice(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return []any{t}
	}
}

func splitNull(values []any) (nonNull []any, hasNull bool) {
	for _, v := range values {
		if v == nil {
			hasNull = true
			continue
		}
		nonNull = append(nonNull, v)
	}
	return nonNull, hasNull
}

// jsonArg marshals a filter value for jsonb comparison and containment.
func jsonArg(a *argList, v any) (string, error) {
	raw, err := json.Marshal(types.NormalizeValue(v))
	if err != nil {
		return "", fmt.Errorf("%w: unencodable filter value: %v", storage.ErrInvalidArgument, err)
	}
	return a.add(string(raw)) + "::jsonb", nil
}

// textArg renders a filter value the way text extraction renders doc values,
// so ordering comparisons line up with ->> output.
func textArg(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if flat := types.StringValues(types.NormalizeValue(v)); len(flat) > 0 {
		return flat[0]
	}
	return fmt.Sprint(v)
}

// truthy interprets the $exists operand.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}
