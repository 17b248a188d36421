// Package planner answers paginated reads over registered entities. Reads
// normally join the base table with entity_indexes so custom-field filters
// and projections resolve from index documents; when the index cannot be
// trusted for the scope (missing, cold or partially covered) the planner
// falls back to the naive engine, which reads custom_field_values directly.
//
// The planner is stateless per request apart from four process-lifetime
// caches: table and column existence (delegated to the store's cached
// probes), coverage snapshots per scope with a TTL, active custom-field keys
// per (entities, tenant) with a TTL, and a throttled set of pending refresh
// keys deduplicating scheduler emits.
package planner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/open-mercato/queryindex/internal/config"
	"github.com/open-mercato/queryindex/internal/coverage"
	"github.com/open-mercato/queryindex/internal/eventbus"
	"github.com/open-mercato/queryindex/internal/registry"
	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/telemetry"
	"github.com/open-mercato/queryindex/internal/types"
)

// Planner builds and runs entity queries.
type Planner struct {
	store  storage.Store
	reg    *registry.Registry
	acc    *coverage.Accountant
	bus    *eventbus.Bus
	cfg    *config.Config
	logger *zap.Logger

	fills singleflight.Group

	mu        sync.Mutex
	fieldKeys map[string]keysEntry
	coverage  map[string]covEntry
	pending   map[string]time.Time
}

type keysEntry struct {
	keys []string
	at   time.Time
}

// covEntry caches one coverage read. A nil row is a valid observation: the
// scope had no snapshot when it was read.
type covEntry struct {
	row *types.CoverageRow
	at  time.Time
}

// New wires a planner. bus may be nil; refresh and reindex scheduling are
// then skipped. A nil logger falls back to zap.NewNop.
func New(store storage.Store, reg *registry.Registry, acc *coverage.Accountant, bus *eventbus.Bus, cfg *config.Config, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		store:     store,
		reg:       reg,
		acc:       acc,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.Named("planner"),
		fieldKeys: make(map[string]keysEntry),
		coverage:  make(map[string]covEntry),
		pending:   make(map[string]time.Time),
	}
}

// Query runs one paginated read and returns a page of documents plus the
// total match count. SQL errors surface unchanged; coverage and cache
// problems degrade to warnings.
func (p *Planner) Query(ctx context.Context, entity types.EntityType, opts types.QueryOptions) (*types.QueryResult, error) {
	if err := entity.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}
	opts.Normalize()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}

	entityCfg, err := p.reg.Resolve(entity)
	if err != nil {
		return nil, err
	}
	conds, err := types.ParseFilters(opts.Filters)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}

	// An organization clause that admits nothing short-circuits before SQL.
	if ids, includeNull, present := opts.OrgFilter(); present && len(ids) == 0 && !includeNull {
		return emptyResult(&opts, nil), nil
	}

	if p.store.Querier() == nil {
		return nil, fmt.Errorf("query %s: store has no SQL querier", entity)
	}

	if entityCfg.CustomEntity {
		return p.queryCustomEntity(ctx, entityCfg, &opts, conds)
	}

	base := entityCfg.BaseRef()
	exists, err := p.store.TableExists(ctx, base.Table)
	if err != nil {
		return nil, err
	}
	if !exists {
		telemetry.CountPlannerFallback(ctx, string(entity), "no_base_table")
		return p.queryNaive(ctx, entityCfg, &opts, conds, nil)
	}

	var warn *types.PartialIndexWarning
	if touchesCustomFields(&opts, conds) {
		useIndex, w := p.decideIndexPath(ctx, entity, &opts)
		warn = w
		if !useIndex {
			reason := "cold_index"
			if warn != nil {
				reason = "partial_coverage"
			}
			telemetry.CountPlannerFallback(ctx, string(entity), reason)
			return p.queryNaive(ctx, entityCfg, &opts, conds, warn)
		}
	}
	return p.queryHybrid(ctx, entity, entityCfg, &opts, conds, warn)
}

// touchesCustomFields reports whether the read needs index documents at all:
// a cf: projection, a cf: filter or sort, or custom-field expansion.
func touchesCustomFields(opts *types.QueryOptions, conds []types.Condition) bool {
	if opts.IncludeCustomFields.Enabled() || len(opts.CustomFieldSources) > 0 {
		return true
	}
	for _, f := range opts.Fields {
		if strings.HasPrefix(f, types.CFPrefix) {
			return true
		}
	}
	for _, s := range opts.Sort {
		if strings.HasPrefix(s.Field, types.CFPrefix) {
			return true
		}
	}
	return hasCFFilter(conds)
}

// decideIndexPath consults coverage and picks the execution path for a read
// that needs custom fields. The second return carries the partial-index
// warning for the result meta, on whichever path is taken.
func (p *Planner) decideIndexPath(ctx context.Context, entity types.EntityType, opts *types.QueryOptions) (bool, *types.PartialIndexWarning) {
	scope := coverageScope(opts)
	scopeLabel := "global"
	if _, _, present := opts.OrgFilter(); present {
		scopeLabel = "scoped"
	}

	snap, cached := p.cachedCoverage(entity, scope)
	if !cached {
		var err error
		snap, err = p.acc.ReadSnapshot(ctx, entity, scope)
		if err != nil {
			p.logger.Warn("coverage read failed, trusting index",
				zap.String("entity", string(entity)),
				zap.Error(err))
			return true, nil
		}
		p.rememberCoverage(entity, scope, snap)
	}

	if snap == nil {
		p.scheduleCoverageRefresh(ctx, entity, scope)
		has, err := p.store.HasIndexRows(ctx, entity, opts.TenantID)
		if err != nil {
			p.logger.Warn("index presence probe failed, trusting index",
				zap.String("entity", string(entity)),
				zap.Error(err))
			return true, nil
		}
		if !has {
			// Cold index: the join would resolve nothing, read from base.
			return false, nil
		}
		p.logger.Warn("coverage snapshot missing, continuing through index",
			zap.String("entity", string(entity)),
			zap.String("tenant", opts.TenantID))
		return true, nil
	}

	if p.acc.IsStale(snap) {
		p.scheduleCoverageRefresh(ctx, entity, scope)
	}

	if snap.Partial() {
		warn := &types.PartialIndexWarning{
			Entity:       string(entity),
			BaseCount:    snap.BaseCount,
			IndexedCount: snap.IndexedCount,
			Scope:        scopeLabel,
		}
		if p.cfg.ScheduleAutoReindex {
			p.scheduleReindex(ctx, entity, scope)
		}
		if p.cfg.ForcePartialIndex {
			p.logger.Warn("partial index coverage, forced through index",
				zap.String("entity", string(entity)),
				zap.Int64("base", snap.BaseCount),
				zap.Int64("indexed", snap.IndexedCount))
			return true, warn
		}
		return false, warn
	}
	return true, nil
}

// cachedCoverage returns the scope's snapshot observed within the cache TTL.
// A zero TTL disables the cache.
func (p *Planner) cachedCoverage(entity types.EntityType, scope types.Scope) (*types.CoverageRow, bool) {
	if p.cfg.CoverageCacheTTL <= 0 {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.coverage[types.ScopeKey(entity, scope)]
	if !ok || time.Since(entry.at) >= p.cfg.CoverageCacheTTL {
		return nil, false
	}
	return entry.row, true
}

func (p *Planner) rememberCoverage(entity types.EntityType, scope types.Scope, row *types.CoverageRow) {
	if p.cfg.CoverageCacheTTL <= 0 {
		return
	}
	p.mu.Lock()
	p.coverage[types.ScopeKey(entity, scope)] = covEntry{row: row, at: time.Now()}
	p.mu.Unlock()
}

// coverageScope narrows coverage reads to one organization only when the
// query pins exactly one; multi-org and tenant-wide reads consult the
// tenant-wide snapshot.
func coverageScope(opts *types.QueryOptions) types.Scope {
	scope := types.Scope{TenantID: opts.TenantID, WithDeleted: opts.WithDeleted}
	ids, includeNull, present := opts.OrgFilter()
	if present && !includeNull && len(ids) == 1 {
		scope.OrganizationID = &ids[0]
	}
	return scope
}

// queryHybrid joins the base table with entity_indexes and answers the read
// in two statements, count then page.
func (p *Planner) queryHybrid(ctx context.Context, entity types.EntityType, entityCfg *registry.EntityConfig, opts *types.QueryOptions, conds []types.Condition, warn *types.PartialIndexWarning) (*types.QueryResult, error) {
	base := entityCfg.BaseRef()
	cols, err := p.scopeColumns(ctx, base.Table)
	if err != nil {
		return nil, err
	}
	sources, err := p.resolveSources(ctx, opts)
	if err != nil {
		return nil, err
	}

	aliases := []string{"ei"}
	for _, s := range sources {
		aliases = append(aliases, s.indexAlias)
	}

	in := input{
		entity:  entity,
		base:    base,
		cols:    cols,
		opts:    opts,
		conds:   conds,
		sources: sources,
		aliases: aliases,
	}
	in.fields, err = p.resolveProjection(ctx, entity, opts, sources, aliases)
	if err != nil {
		return nil, err
	}

	countSQL, countArgs, err := buildCountSQL(in)
	if err != nil {
		return nil, err
	}
	dataSQL, dataArgs, err := buildDataSQL(in)
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
			var raw []byte
			if err := rows.Scan(&raw); err != nil {
				return nil, err
			}
			doc, err := types.UnmarshalDoc(raw)
			if err != nil {
				return nil, fmt.Errorf("decode %s row: %w", entity, err)
			}
			items = append(items, doc)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
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

// resolveSources validates customFieldSources and resolves which scope
// columns each source table carries.
func (p *Planner) resolveSources(ctx context.Context, opts *types.QueryOptions) ([]sourceJoin, error) {
	if len(opts.CustomFieldSources) == 0 {
		return nil, nil
	}
	out := make([]sourceJoin, 0, len(opts.CustomFieldSources))
	for _, src := range opts.CustomFieldSources {
		if err := src.EntityType.Validate(); err != nil {
			return nil, fmt.Errorf("%w: source entity: %v", storage.ErrInvalidArgument, err)
		}
		if err := storage.ValidateIdent(src.Table); err != nil {
			return nil, err
		}
		if err := storage.ValidateIdent(src.Alias); err != nil {
			return nil, err
		}
		if src.RecordIDColumn == "" {
			src.RecordIDColumn = "id"
		}
		if err := storage.ValidateIdent(src.RecordIDColumn); err != nil {
			return nil, err
		}
		if src.Join == "" {
			return nil, fmt.Errorf("%w: source %s has no join expression", storage.ErrInvalidArgument, src.Alias)
		}

		s := sourceJoin{src: src, indexAlias: "ei_" + src.Alias}
		if src.OrganizationField != nil {
			if err := storage.ValidateIdent(*src.OrganizationField); err != nil {
				return nil, err
			}
			s.orgColumn = *src.OrganizationField
		} else if ok, err := p.store.ColumnExists(ctx, src.Table, "organization_id"); err != nil {
			return nil, err
		} else if ok {
			s.orgColumn = "organization_id"
		}
		if src.TenantField != nil {
			if err := storage.ValidateIdent(*src.TenantField); err != nil {
				return nil, err
			}
			s.tenantCol = *src.TenantField
		} else if ok, err := p.store.ColumnExists(ctx, src.Table, "tenant_id"); err != nil {
			return nil, err
		} else if ok {
			s.tenantCol = "tenant_id"
		}
		out = append(out, s)
	}
	return out, nil
}

// resolveProjection expands the field list into projected expressions. The id
// column always leads; cf: fields resolve through the coalesced index docs;
// custom-field expansion adds every active key at the scope.
func (p *Planner) resolveProjection(ctx context.Context, entity types.EntityType, opts *types.QueryOptions, sources []sourceJoin, aliases []string) ([]projField, error) {
	base, err := p.reg.Resolve(entity)
	if err != nil {
		return nil, err
	}
	ref := base.BaseRef()

	fields := []projField{{key: "id", expr: fmt.Sprintf("b.%s::text", ref.IDColumn)}}
	seen := map[string]bool{"id": true}

	add := func(key, expr string) {
		if !seen[key] {
			seen[key] = true
			fields = append(fields, projField{key: key, expr: expr})
		}
	}

	for _, f := range opts.Fields {
		if strings.HasPrefix(f, types.CFPrefix) {
			if err := storage.ValidateFieldKey(f); err != nil {
				return nil, err
			}
			add(f, cfExpr(aliases, f, false))
			continue
		}
		col, err := baseColumn(ref, f)
		if err != nil {
			return nil, err
		}
		add(f, col)
	}

	for _, key := range p.expandedFieldKeys(ctx, entity, opts, sources) {
		f := types.CFPrefix + strings.TrimPrefix(key, types.CFPrefix)
		if storage.ValidateFieldKey(f) != nil {
			continue
		}
		add(f, cfExpr(aliases, f, false))
	}
	return fields, nil
}

// expandedFieldKeys resolves the cf: keys added by includeCustomFields.
// Explicit keys pass through; All consults the active definitions for the
// main entity and every source entity, cached per (entities, tenant) with a
// TTL. Fill failures degrade to the stale entry or nothing.
func (p *Planner) expandedFieldKeys(ctx context.Context, entity types.EntityType, opts *types.QueryOptions, sources []sourceJoin) []string {
	sel := opts.IncludeCustomFields
	if !sel.Enabled() {
		return nil
	}
	if !sel.All {
		return sel.Keys
	}

	entities := []types.EntityType{entity}
	for _, s := range sources {
		entities = append(entities, s.src.EntityType)
	}
	parts := make([]string, len(entities))
	for i, e := range entities {
		parts[i] = string(e)
	}
	cacheKey := strings.Join(parts, ",") + "|" + opts.TenantID

	p.mu.Lock()
	entry, ok := p.fieldKeys[cacheKey]
	p.mu.Unlock()
	if ok && time.Since(entry.at) < p.cfg.CustomFieldKeysTTL {
		return entry.keys
	}

	v, err, _ := p.fills.Do("cfkeys|"+cacheKey, func() (any, error) {
		return p.store.ListActiveFieldKeys(ctx, entities, coverageScope(opts))
	})
	if err != nil {
		p.logger.Warn("custom field key resolution failed",
			zap.String("entity", string(entity)),
			zap.Error(err))
		if ok {
			return entry.keys
		}
		return nil
	}
	keys := v.([]string)

	p.mu.Lock()
	p.fieldKeys[cacheKey] = keysEntry{keys: keys, at: time.Now()}
	p.mu.Unlock()
	return keys
}

// scopeColumns probes the three scoping columns through the store's cached
// ColumnExists.
func (p *Planner) scopeColumns(ctx context.Context, table string) (scopeCols, error) {
	var cols scopeCols
	var err error
	if cols.hasTenant, err = p.store.ColumnExists(ctx, table, "tenant_id"); err != nil {
		return cols, err
	}
	if cols.hasOrg, err = p.store.ColumnExists(ctx, table, "organization_id"); err != nil {
		return cols, err
	}
	if cols.hasDeleted, err = p.store.ColumnExists(ctx, table, "deleted_at"); err != nil {
		return cols, err
	}
	return cols, nil
}

// scheduleCoverageRefresh emits a best-effort refresh for the scope, at most
// once per throttle window.
func (p *Planner) scheduleCoverageRefresh(ctx context.Context, entity types.EntityType, scope types.Scope) {
	if p.bus == nil {
		return
	}
	if !p.markPending("refresh|" + string(entity) + "|" + scope.Key()) {
		return
	}
	payload := types.CoverageRefreshPayload{
		EntityType:     entity,
		TenantID:       &scope.TenantID,
		OrganizationID: scope.OrganizationID,
		WithDeleted:    scope.WithDeleted,
	}
	if err := p.bus.Emit(ctx, types.EventCoverageRefresh, payload, eventbus.EmitOptions{}); err != nil {
		p.logger.Warn("schedule coverage refresh failed",
			zap.String("entity", string(entity)),
			zap.Error(err))
	}
}

// scheduleReindex emits a persistent reindex for a partially covered scope,
// at most once per throttle window.
func (p *Planner) scheduleReindex(ctx context.Context, entity types.EntityType, scope types.Scope) {
	if p.bus == nil {
		return
	}
	if !p.markPending("reindex|" + string(entity) + "|" + scope.Key()) {
		return
	}
	payload := types.ReindexPayload{
		EntityType:     entity,
		TenantID:       &scope.TenantID,
		OrganizationID: scope.OrganizationID,
	}
	if err := p.bus.Emit(ctx, types.EventReindex, payload, eventbus.EmitOptions{Persistent: true}); err != nil {
		p.logger.Warn("schedule reindex failed",
			zap.String("entity", string(entity)),
			zap.Error(err))
	}
}

// markPending records a scheduler key, reporting false when the key fired
// within the throttle window.
func (p *Planner) markPending(key string) bool {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.pending[key]; ok && now.Sub(last) < p.cfg.CoverageRefreshThrottle {
		return false
	}
	p.pending[key] = now
	return true
}

func (p *Planner) debugSQL(query string, args []any) {
	if !p.cfg.DebugSQL {
		return
	}
	p.logger.Info("planner sql", zap.String("query", query), zap.Any("args", args))
}

func emptyResult(opts *types.QueryOptions, warn *types.PartialIndexWarning) *types.QueryResult {
	result := &types.QueryResult{
		Items:    []types.Doc{},
		Page:     opts.Page,
		PageSize: opts.PageSize,
	}
	if warn != nil {
		result.Meta = &types.QueryMeta{PartialIndexWarning: warn}
	}
	return result
}
