package types

import (
	"fmt"
	"time"
)

// Op is a filter operator. Scalar filter values are shorthand for OpEq.
type Op string

const (
	OpEq     Op = "$eq"
	OpNe     Op = "$ne"
	OpGt     Op = "$gt"
	OpGte    Op = "$gte"
	OpLt     Op = "$lt"
	OpLte    Op = "$lte"
	OpIn     Op = "$in"
	OpNin    Op = "$nin"
	OpLike   Op = "$like"
	OpILike  Op = "$ilike"
	OpExists Op = "$exists"
)

var knownOps = map[Op]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpNin: true, OpLike: true, OpILike: true, OpExists: true,
}

// Condition is one parsed filter clause.
type Condition struct {
	Field string
	Op    Op
	Value any
}

// ParseFilters normalizes the caller-supplied filter shape into a flat
// condition list. The input is either a map of field -> value (scalar means
// equality, a map of "$op" keys means explicit operators) or an array of such
// maps, all conjoined.
func ParseFilters(v any) ([]Condition, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return parseFilterObject(t)
	case Doc:
		return parseFilterObject(map[string]any(t))
	case []any:
		var out []Condition
		for _, e := range t {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("filter array element must be an object, got %T", e)
			}
			conds, err := parseFilterObject(m)
			if err != nil {
				return nil, err
			}
			out = append(out, conds...)
		}
		return out, nil
	case []map[string]any:
		var out []Condition
		for _, m := range t {
			conds, err := parseFilterObject(m)
			if err != nil {
				return nil, err
			}
			out = append(out, conds...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("filters must be an object or an array of objects, got %T", v)
	}
}

func parseFilterObject(m map[string]any) ([]Condition, error) {
	out := make([]Condition, 0, len(m))
	for _, field := range sortedMapKeys(m) {
		val := m[field]
		ops, isOps := val.(map[string]any)
		if !isOps {
			out = append(out, Condition{Field: field, Op: OpEq, Value: val})
			continue
		}
		if len(ops) == 0 {
			return nil, fmt.Errorf("filter on %q has no operators", field)
		}
		for _, opKey := range sortedMapKeys(ops) {
			op := Op(opKey)
			if !knownOps[op] {
				return nil, fmt.Errorf("unknown filter operator %q on field %q", opKey, field)
			}
			out = append(out, Condition{Field: field, Op: op, Value: ops[opKey]})
		}
	}
	return out, nil
}

func sortedMapKeys(m map[string]any) []string {
	return Doc(m).SortedKeys()
}

// SortSpec is one sort instruction. Field may be a base column or "cf:<key>".
type SortSpec struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// CustomFieldSelection controls which cf: keys a query projects when the
// caller asks for custom fields without naming them individually.
type CustomFieldSelection struct {
	// All selects every active custom-field key visible at the scope.
	All bool `json:"all,omitempty"`
	// Keys selects an explicit subset.
	Keys []string `json:"keys,omitempty"`
}

// Enabled reports whether any custom-field expansion was requested.
func (s CustomFieldSelection) Enabled() bool { return s.All || len(s.Keys) > 0 }

// CustomFieldSource joins a secondary table (and its own index documents)
// into a query so cf: expressions coalesce across entities.
type CustomFieldSource struct {
	// EntityType whose entity_indexes rows back this source's cf: values.
	EntityType EntityType `json:"entityType"`
	// Table is the secondary base table to left-join.
	Table string `json:"table"`
	// Alias for the joined table; also the suffix for the aliased index join.
	Alias string `json:"alias"`
	// Join is the ON expression linking the base alias "b" to Alias.
	Join string `json:"join"`
	// RecordIDColumn is the column on Alias whose stringified value matches
	// the source's index record_id.
	RecordIDColumn string `json:"recordIdColumn"`
	// OrganizationField / TenantField override which Alias columns carry the
	// scope, when the secondary table names them differently.
	OrganizationField *string `json:"organizationField,omitempty"`
	TenantField       *string `json:"tenantField,omitempty"`
}

// QueryOptions carries everything the planner needs for one read.
type QueryOptions struct {
	// Fields to project. "id" is always included. Empty means id only.
	Fields []string
	// Filters is an object or array of objects; see ParseFilters.
	Filters any
	Sort    []SortSpec
	// Page is 1-based. Zero values default to page 1, pageSize 20.
	Page     int
	PageSize int
	// OrganizationID restricts to one organization. OrganizationIDs restricts
	// to a set and may include nil for rows with no organization. A non-nil
	// empty OrganizationIDs slice is a forced "no results". When both are
	// unset the query is tenant-wide.
	OrganizationID  *string
	OrganizationIDs []*string
	// TenantID is required.
	TenantID    string
	WithDeleted bool
	// IncludeCustomFields expands cf: projection beyond explicitly requested
	// fields.
	IncludeCustomFields CustomFieldSelection
	CustomFieldSources  []CustomFieldSource
}

// Normalize applies pagination defaults in place.
func (o *QueryOptions) Normalize() {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.PageSize < 1 {
		o.PageSize = 20
	}
}

// Validate checks the option combinations that must fail before any SQL runs.
func (o *QueryOptions) Validate() error {
	if o.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if o.Page < 0 || o.PageSize < 0 {
		return fmt.Errorf("page and pageSize must be positive")
	}
	return nil
}

// OrgFilter resolves the organization clause for this query.
// Returned values: ids to match, whether null-organization rows are included,
// and whether the clause exists at all. A present clause with no ids and no
// null means the query can match nothing.
func (o *QueryOptions) OrgFilter() (ids []string, includeNull bool, present bool) {
	if o.OrganizationIDs != nil {
		for _, p := range o.OrganizationIDs {
			if p == nil || *p == "" {
				includeNull = true
				continue
			}
			ids = append(ids, *p)
		}
		return ids, includeNull, true
	}
	if o.OrganizationID != nil && *o.OrganizationID != "" {
		return []string{*o.OrganizationID}, false, true
	}
	return nil, false, false
}

// PartialIndexWarning signals that the planner answered from a partially
// populated index or fell back to the naive engine because of one.
type PartialIndexWarning struct {
	Entity       string `json:"entity"`
	BaseCount    int64  `json:"baseCount"`
	IndexedCount int64  `json:"indexedCount"`
	// Scope is "scoped" when an organization clause narrowed the read,
	// "global" otherwise.
	Scope string `json:"scope"`
}

// QueryMeta carries non-error signals alongside query results.
type QueryMeta struct {
	PartialIndexWarning *PartialIndexWarning `json:"partialIndexWarning,omitempty"`
}

// QueryResult is one page of documents plus the total match count.
type QueryResult struct {
	Items    []Doc      `json:"items"`
	Page     int        `json:"page"`
	PageSize int        `json:"pageSize"`
	Total    int64      `json:"total"`
	Meta     *QueryMeta `json:"meta,omitempty"`
}

// LogEntry is one indexer_error_logs or indexer_status_logs row.
type LogEntry struct {
	ID         int64     `db:"id" json:"id"`
	Source     string    `db:"source" json:"source"`
	Handler    string    `db:"handler" json:"handler"`
	Message    string    `db:"message" json:"message"`
	Payload    Doc       `db:"-" json:"payload,omitempty"`
	OccurredAt time.Time `db:"occurred_at" json:"occurredAt"`
}

// JobSummary is the cross-partition roll-up of one entity's ledger.
type JobSummary struct {
	// Status is "idle", "reindexing", "purging" or "stalled".
	Status         string     `json:"status"`
	ProcessedCount int64      `json:"processedCount"`
	TotalCount     int64      `json:"totalCount"`
	Partitions     int        `json:"partitions"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	HeartbeatAt    *time.Time `json:"heartbeatAt,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}

// StatusItem is one entity's line in the administrative status report.
type StatusItem struct {
	EntityID    string      `json:"entityId"`
	Label       string      `json:"label"`
	BaseCount   *int64      `json:"baseCount"`
	IndexCount  *int64      `json:"indexCount"`
	VectorCount *int64      `json:"vectorCount"`
	OK          bool        `json:"ok"`
	Job         *JobSummary `json:"job,omitempty"`
}

// StatusReport is the aggregator's output. OutOfSync mirrors any item with
// ok=false so transports can set their partial-index header.
type StatusReport struct {
	Items     []StatusItem `json:"items"`
	Errors    []LogEntry   `json:"errors,omitempty"`
	Logs      []LogEntry   `json:"logs,omitempty"`
	OutOfSync bool         `json:"outOfSync"`
}
