package planner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/open-mercato/queryindex/internal/config"
	"github.com/open-mercato/queryindex/internal/coverage"
	"github.com/open-mercato/queryindex/internal/eventbus"
	"github.com/open-mercato/queryindex/internal/registry"
	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/storage/memory"
	"github.com/open-mercato/queryindex/internal/types"
)

const (
	todoEntity = types.EntityType("example:todo")
	leadEntity = types.EntityType("crm:lead")
	orgA       = "11111111-1111-1111-1111-111111111111"
)

func ptr64(v int64) *int64 { return &v }

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// plannerStore pairs the in-memory store's metadata side (tables, columns,
// coverage, field definitions) with a sqlmock connection that serves the
// generated statements.
type plannerStore struct {
	*memory.Store
	q storage.Querier
}

func (s *plannerStore) Querier() storage.Querier { return s.q }

type plannerRig struct {
	pl   *Planner
	mem  *memory.Store
	mock sqlmock.Sqlmock
	bus  *eventbus.Bus
	cfg  *config.Config

	mu     sync.Mutex
	events []*eventbus.Event
}

func newPlannerRig(t *testing.T, mutate func(*config.Config)) *plannerRig {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mem := memory.New()
	mem.SeedTable("todos", "id", "title", "tenant_id", "organization_id", "deleted_at")

	reg := registry.New()
	if err := reg.Register(registry.EntityConfig{EntityType: todoEntity, Table: "todos"}); err != nil {
		t.Fatalf("register todo: %v", err)
	}
	if err := reg.Register(registry.EntityConfig{EntityType: leadEntity, CustomEntity: true}); err != nil {
		t.Fatalf("register lead: %v", err)
	}
	// Registered but never seeded: its base table does not exist.
	if err := reg.Register(registry.EntityConfig{EntityType: "example:ghost", Table: "ghosts"}); err != nil {
		t.Fatalf("register ghost: %v", err)
	}

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	r := &plannerRig{mem: mem, mock: mock, cfg: cfg}
	r.bus = eventbus.New(zap.NewNop(), eventbus.Options{})
	r.bus.Register(eventbus.NewHandler("capture",
		[]string{types.EventReindex, types.EventCoverageRefresh},
		func(_ context.Context, evt *eventbus.Event) error {
			r.mu.Lock()
			r.events = append(r.events, evt)
			r.mu.Unlock()
			return nil
		}))

	store := &plannerStore{Store: mem, q: sqlx.NewDb(db, "pgx")}
	acc := coverage.New(store, reg, nil, cfg, zap.NewNop())
	r.pl = New(store, reg, acc, r.bus, cfg, zap.NewNop())
	return r
}

// drainedEvents waits out async emits and returns what the capture handler saw.
func (r *plannerRig) drainedEvents(t *testing.T) []*eventbus.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.bus.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*eventbus.Event(nil), r.events...)
}

func (r *plannerRig) writeCoverage(t *testing.T, scope types.Scope, base, indexed int64) {
	t.Helper()
	err := r.mem.WriteCoverage(context.Background(), todoEntity, scope,
		types.CoverageCounts{BaseCount: ptr64(base), IndexCount: ptr64(indexed)})
	if err != nil {
		t.Fatalf("WriteCoverage: %v", err)
	}
}

func TestQueryHybridFullCoverage(t *testing.T) {
	r := newPlannerRig(t, nil)
	ctx := context.Background()
	r.writeCoverage(t, types.Scope{TenantID: "t1", OrganizationID: types.StrPtr(orgA)}, 2, 2)

	r.mock.ExpectQuery(`SELECT count\(\*\) FROM \(SELECT b\.id FROM todos b WHERE`).
		WithArgs("t1", orgA).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	r.mock.ExpectQuery(`SELECT jsonb_build_object\(.+\) FROM todos b LEFT JOIN entity_indexes ei ON`).
		WithArgs("example:todo", "t1", "t1", orgA, 2, 0).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).
			AddRow([]byte(`{"id":"r1","title":"write tests","cf:priority":"high"}`)).
			AddRow([]byte(`{"id":"r2","title":"ship","cf:priority":"low"}`)))

	res, err := r.pl.Query(ctx, todoEntity, types.QueryOptions{
		Fields:         []string{"id", "title", "cf:priority"},
		TenantID:       "t1",
		OrganizationID: types.StrPtr(orgA),
		PageSize:       2,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Total != 2 || len(res.Items) != 2 {
		t.Fatalf("expected 2 rows, got total=%d items=%d", res.Total, len(res.Items))
	}
	if res.Items[0]["title"] != "write tests" || res.Items[0]["cf:priority"] != "high" {
		t.Errorf("unexpected first item: %+v", res.Items[0])
	}
	if res.Meta != nil {
		t.Errorf("full coverage must not carry a warning, got %+v", res.Meta)
	}
	if evts := r.drainedEvents(t); len(evts) != 0 {
		t.Errorf("expected no scheduled events, got %d", len(evts))
	}
	expectationsMet(t, r.mock)
}

func TestQueryPartialCoverageFallsBackToNaive(t *testing.T) {
	r := newPlannerRig(t, func(cfg *config.Config) { cfg.ForcePartialIndex = false })
	ctx := context.Background()
	r.writeCoverage(t, types.Scope{TenantID: "t1", OrganizationID: types.StrPtr(orgA)}, 10, 1)
	r.mem.SeedFieldValues(memory.FieldValue{
		EntityType: todoEntity, RecordID: "r1", FieldKey: "priority", Value: "high",
	})

	r.mock.ExpectQuery(`SELECT count\(\*\) FROM todos b WHERE`).
		WithArgs("t1", orgA).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	r.mock.ExpectQuery(`SELECT b\.id::text, jsonb_build_object\(.+\) FROM todos b WHERE`).
		WithArgs("t1", orgA, 2, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "doc"}).
			AddRow("r1", []byte(`{"id":"r1","title":"write tests"}`)))

	res, err := r.pl.Query(ctx, todoEntity, types.QueryOptions{
		Fields:         []string{"id", "title", "cf:priority"},
		TenantID:       "t1",
		OrganizationID: types.StrPtr(orgA),
		PageSize:       2,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Total != 1 || len(res.Items) != 1 {
		t.Fatalf("expected 1 row, got total=%d items=%d", res.Total, len(res.Items))
	}
	if res.Items[0]["cf:priority"] != "high" {
		t.Errorf("custom field not hydrated from value table: %+v", res.Items[0])
	}
	if res.Meta == nil || res.Meta.PartialIndexWarning == nil {
		t.Fatalf("expected a partial index warning, got %+v", res.Meta)
	}
	warn := res.Meta.PartialIndexWarning
	if warn.BaseCount != 10 || warn.IndexedCount != 1 || warn.Scope != "scoped" {
		t.Errorf("unexpected warning: %+v", warn)
	}

	evts := r.drainedEvents(t)
	if len(evts) != 1 || evts[0].Name != types.EventReindex {
		t.Fatalf("expected one scheduled reindex, got %+v", evts)
	}
	payload, err := eventbus.Decode[types.ReindexPayload](evts[0])
	if err != nil {
		t.Fatalf("decode reindex payload: %v", err)
	}
	if payload.EntityType != todoEntity || payload.TenantID == nil || *payload.TenantID != "t1" {
		t.Errorf("unexpected reindex payload: %+v", payload)
	}
	if payload.OrganizationID == nil || *payload.OrganizationID != orgA {
		t.Errorf("reindex payload should pin the organization: %+v", payload)
	}
	expectationsMet(t, r.mock)
}

func TestQueryPartialCoverageForcedThroughIndex(t *testing.T) {
	r := newPlannerRig(t, nil) // ForcePartialIndex defaults on
	ctx := context.Background()
	r.writeCoverage(t, types.Scope{TenantID: "t1"}, 10, 4)

	r.mock.ExpectQuery(`SELECT count\(\*\) FROM \(SELECT b\.id FROM todos b WHERE`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	r.mock.ExpectQuery(`SELECT jsonb_build_object\(.+\) FROM todos b LEFT JOIN entity_indexes ei ON`).
		WithArgs("example:todo", "t1", "t1", 20, 0).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).
			AddRow([]byte(`{"id":"r1","cf:priority":"high"}`)))

	res, err := r.pl.Query(ctx, todoEntity, types.QueryOptions{
		Fields:   []string{"id", "cf:priority"},
		TenantID: "t1",
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Total != 4 {
		t.Fatalf("expected total 4, got %d", res.Total)
	}
	if res.Meta == nil || res.Meta.PartialIndexWarning == nil {
		t.Fatalf("forced index read must still warn, got %+v", res.Meta)
	}
	if res.Meta.PartialIndexWarning.Scope != "global" {
		t.Errorf("tenant-wide read should carry a global warning: %+v", res.Meta.PartialIndexWarning)
	}

	evts := r.drainedEvents(t)
	if len(evts) != 1 || evts[0].Name != types.EventReindex {
		t.Fatalf("expected one scheduled reindex, got %+v", evts)
	}
	expectationsMet(t, r.mock)
}

func TestQueryColdIndexUsesNaiveWithoutWarning(t *testing.T) {
	r := newPlannerRig(t, nil)
	ctx := context.Background()

	// No coverage snapshot, no index rows: a cold start reads from base and
	// schedules the first refresh, once per throttle window.
	r.mock.ExpectQuery(`SELECT count\(\*\) FROM todos b WHERE`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	r.mock.ExpectQuery(`SELECT count\(\*\) FROM todos b WHERE`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	opts := types.QueryOptions{Fields: []string{"id", "cf:priority"}, TenantID: "t1"}
	for i := 0; i < 2; i++ {
		res, err := r.pl.Query(ctx, todoEntity, opts)
		if err != nil {
			t.Fatalf("Query %d: %v", i, err)
		}
		if res.Total != 0 || len(res.Items) != 0 {
			t.Fatalf("expected empty result, got total=%d items=%d", res.Total, len(res.Items))
		}
		if res.Meta != nil {
			t.Errorf("cold start is not a partial index, got %+v", res.Meta)
		}
	}

	evts := r.drainedEvents(t)
	if len(evts) != 1 || evts[0].Name != types.EventCoverageRefresh {
		t.Fatalf("expected one throttled refresh, got %+v", evts)
	}
	expectationsMet(t, r.mock)
}

func TestQueryMissingSnapshotTrustsIndexRows(t *testing.T) {
	r := newPlannerRig(t, nil)
	ctx := context.Background()
	if _, err := r.mem.UpsertIndexRow(ctx, todoEntity, "r1",
		types.Scope{TenantID: "t1", OrganizationID: types.StrPtr(orgA)},
		types.Doc{"id": "r1"}); err != nil {
		t.Fatalf("UpsertIndexRow: %v", err)
	}

	r.mock.ExpectQuery(`SELECT count\(\*\) FROM \(SELECT b\.id FROM todos b WHERE`).
		WithArgs("t1", orgA).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	r.mock.ExpectQuery(`SELECT jsonb_build_object\(.+\) FROM todos b LEFT JOIN entity_indexes ei ON`).
		WithArgs("example:todo", "t1", "t1", orgA, 20, 0).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).
			AddRow([]byte(`{"id":"r1","cf:priority":"high"}`)))

	res, err := r.pl.Query(ctx, todoEntity, types.QueryOptions{
		Fields:         []string{"id", "cf:priority"},
		TenantID:       "t1",
		OrganizationID: types.StrPtr(orgA),
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Total != 1 || res.Items[0]["cf:priority"] != "high" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Meta != nil {
		t.Errorf("missing snapshot with index presence must not warn, got %+v", res.Meta)
	}

	evts := r.drainedEvents(t)
	if len(evts) != 1 || evts[0].Name != types.EventCoverageRefresh {
		t.Fatalf("expected one scheduled refresh, got %+v", evts)
	}
	expectationsMet(t, r.mock)
}

func TestQueryCoverageReadIsCachedWithinTTL(t *testing.T) {
	r := newPlannerRig(t, nil)
	ctx := context.Background()
	r.writeCoverage(t, types.Scope{TenantID: "t1"}, 2, 2)

	for i := 0; i < 2; i++ {
		r.mock.ExpectQuery(`SELECT count\(\*\) FROM \(SELECT b\.id FROM todos b WHERE`).
			WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	}

	opts := types.QueryOptions{Fields: []string{"id", "cf:priority"}, TenantID: "t1"}
	if _, err := r.pl.Query(ctx, todoEntity, opts); err != nil {
		t.Fatalf("first Query: %v", err)
	}

	// Coverage swings to partial, but the planner keeps serving the cached
	// full snapshot until the TTL runs out.
	r.writeCoverage(t, types.Scope{TenantID: "t1"}, 10, 2)
	res, err := r.pl.Query(ctx, todoEntity, opts)
	if err != nil {
		t.Fatalf("second Query: %v", err)
	}
	if res.Meta != nil {
		t.Errorf("cached full snapshot must not warn, got %+v", res.Meta)
	}
	if evts := r.drainedEvents(t); len(evts) != 0 {
		t.Errorf("cached reads must not schedule anything, got %d events", len(evts))
	}
	expectationsMet(t, r.mock)
}

func TestQueryZeroCoverageTTLReadsEveryTime(t *testing.T) {
	r := newPlannerRig(t, func(cfg *config.Config) { cfg.CoverageCacheTTL = 0 })
	ctx := context.Background()
	r.writeCoverage(t, types.Scope{TenantID: "t1"}, 2, 2)

	r.mock.ExpectQuery(`SELECT count\(\*\) FROM \(SELECT b\.id FROM todos b WHERE`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	opts := types.QueryOptions{Fields: []string{"id", "cf:priority"}, TenantID: "t1"}
	if _, err := r.pl.Query(ctx, todoEntity, opts); err != nil {
		t.Fatalf("first Query: %v", err)
	}

	// With the cache disabled the partial snapshot is seen immediately.
	r.writeCoverage(t, types.Scope{TenantID: "t1"}, 10, 2)
	r.mock.ExpectQuery(`SELECT count\(\*\) FROM \(SELECT b\.id FROM todos b WHERE`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	res, err := r.pl.Query(ctx, todoEntity, opts)
	if err != nil {
		t.Fatalf("second Query: %v", err)
	}
	if res.Meta == nil || res.Meta.PartialIndexWarning == nil {
		t.Fatalf("uncached partial snapshot must warn, got %+v", res.Meta)
	}
	evts := r.drainedEvents(t)
	if len(evts) != 1 || evts[0].Name != types.EventReindex {
		t.Fatalf("expected one scheduled reindex, got %+v", evts)
	}
	expectationsMet(t, r.mock)
}

func TestQueryStaleCoverageSchedulesRefresh(t *testing.T) {
	r := newPlannerRig(t, func(cfg *config.Config) { cfg.CoverageStaleAfter = -time.Second })
	ctx := context.Background()
	r.writeCoverage(t, types.Scope{TenantID: "t1"}, 3, 3)

	r.mock.ExpectQuery(`SELECT count\(\*\) FROM \(SELECT b\.id FROM todos b WHERE`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	res, err := r.pl.Query(ctx, todoEntity, types.QueryOptions{
		Fields:   []string{"id", "cf:priority"},
		TenantID: "t1",
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Total != 0 || res.Meta != nil {
		t.Fatalf("full but stale coverage must stay on the index without warning: %+v", res)
	}

	evts := r.drainedEvents(t)
	if len(evts) != 1 || evts[0].Name != types.EventCoverageRefresh {
		t.Fatalf("expected one scheduled refresh, got %+v", evts)
	}
	expectationsMet(t, r.mock)
}

func TestQueryBaseOnlyReadSkipsCoverage(t *testing.T) {
	r := newPlannerRig(t, nil)
	ctx := context.Background()

	// No cf: projection, filter or sort: the read goes straight through the
	// index join without consulting coverage, even with no snapshot stored.
	r.mock.ExpectQuery(`SELECT count\(\*\) FROM \(SELECT b\.id FROM todos b WHERE`).
		WithArgs("t1", "x").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	r.mock.ExpectQuery(`SELECT jsonb_build_object\(.+\) FROM todos b LEFT JOIN entity_indexes ei ON`).
		WithArgs("example:todo", "t1", "t1", "x", 2, 0).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).
			AddRow([]byte(`{"id":"r1","title":"x"}`)))

	res, err := r.pl.Query(ctx, todoEntity, types.QueryOptions{
		Fields:   []string{"id", "title"},
		Filters:  map[string]any{"title": "x"},
		TenantID: "t1",
		PageSize: 2,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Total != 1 || res.Items[0]["title"] != "x" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if evts := r.drainedEvents(t); len(evts) != 0 {
		t.Errorf("base-only read must not schedule anything, got %d events", len(evts))
	}
	expectationsMet(t, r.mock)
}

func TestQueryExpandsActiveFieldKeys(t *testing.T) {
	r := newPlannerRig(t, nil)
	ctx := context.Background()
	r.writeCoverage(t, types.Scope{TenantID: "t1"}, 1, 1)
	r.mem.SeedFieldDefs(
		memory.FieldDef{EntityType: todoEntity, FieldKey: "priority", Kind: "text", IsActive: true},
		memory.FieldDef{EntityType: todoEntity, FieldKey: "severity", Kind: "integer", IsActive: true, TenantID: types.StrPtr("t1")},
		memory.FieldDef{EntityType: todoEntity, FieldKey: "retired", Kind: "text", IsActive: false},
	)

	r.mock.ExpectQuery(`SELECT count\(\*\) FROM \(SELECT b\.id FROM todos b WHERE`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	r.mock.ExpectQuery(`'cf:priority', coalesce\(ei\.doc -> 'cf:priority', ei\.doc -> 'priority'\), 'cf:severity'`).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).
			AddRow([]byte(`{"id":"r1","cf:priority":"high","cf:severity":3}`)))

	res, err := r.pl.Query(ctx, todoEntity, types.QueryOptions{
		TenantID:            "t1",
		IncludeCustomFields: types.CustomFieldSelection{All: true},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Items[0]["cf:priority"] != "high" {
		t.Errorf("expanded keys missing from item: %+v", res.Items[0])
	}
	expectationsMet(t, r.mock)
}

func TestQueryCustomEntityPath(t *testing.T) {
	r := newPlannerRig(t, nil)
	ctx := context.Background()

	r.mock.ExpectQuery(`SELECT count\(\*\) FROM custom_entities_storage b WHERE`).
		WithArgs("crm:lead", "t1", `"won"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	r.mock.ExpectQuery(`SELECT b\.record_id, b\.doc FROM custom_entities_storage b WHERE`).
		WithArgs("crm:lead", "t1", `"won"`, 5, 0).
		WillReturnRows(sqlmock.NewRows([]string{"record_id", "doc"}).
			AddRow("L1", []byte(`{"stage":"won","amount":12000,"owner":"ann"}`)))

	res, err := r.pl.Query(ctx, leadEntity, types.QueryOptions{
		Fields:   []string{"id", "stage"},
		Filters:  map[string]any{"stage": "won"},
		TenantID: "t1",
		PageSize: 5,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Total != 1 || len(res.Items) != 1 {
		t.Fatalf("expected 1 row, got %+v", res)
	}
	item := res.Items[0]
	if item["id"] != "L1" || item["stage"] != "won" {
		t.Errorf("unexpected item: %+v", item)
	}
	if _, leaked := item["amount"]; leaked {
		t.Errorf("projection must drop unselected keys: %+v", item)
	}
	if evts := r.drainedEvents(t); len(evts) != 0 {
		t.Errorf("custom entity reads never consult coverage, got %d events", len(evts))
	}
	expectationsMet(t, r.mock)
}

func TestQueryForcedEmptyOrganizationSet(t *testing.T) {
	r := newPlannerRig(t, nil)

	res, err := r.pl.Query(context.Background(), todoEntity, types.QueryOptions{
		TenantID:        "t1",
		OrganizationIDs: []*string{},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Total != 0 || len(res.Items) != 0 {
		t.Fatalf("empty organization set must match nothing, got %+v", res)
	}
	if res.Page != 1 || res.PageSize != 20 {
		t.Errorf("pagination defaults not applied: %+v", res)
	}
	expectationsMet(t, r.mock)
}

func TestQueryMissingBaseTableReturnsEmpty(t *testing.T) {
	r := newPlannerRig(t, nil)

	res, err := r.pl.Query(context.Background(), "example:ghost", types.QueryOptions{TenantID: "t1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Total != 0 || len(res.Items) != 0 {
		t.Fatalf("missing base table must read as empty, got %+v", res)
	}
	expectationsMet(t, r.mock)
}

func TestQueryRejectsInvalidOptions(t *testing.T) {
	r := newPlannerRig(t, nil)
	ctx := context.Background()

	if _, err := r.pl.Query(ctx, todoEntity, types.QueryOptions{}); !errors.Is(err, storage.ErrInvalidArgument) {
		t.Errorf("missing tenant: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := r.pl.Query(ctx, "not-an-entity", types.QueryOptions{TenantID: "t1"}); !errors.Is(err, storage.ErrInvalidArgument) {
		t.Errorf("malformed entity: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := r.pl.Query(ctx, "example:unknown", types.QueryOptions{TenantID: "t1"}); !errors.Is(err, registry.ErrNotRegistered) {
		t.Errorf("unregistered entity: expected ErrNotRegistered, got %v", err)
	}
	_, err := r.pl.Query(ctx, todoEntity, types.QueryOptions{
		TenantID: "t1",
		Filters:  map[string]any{"title": map[string]any{"$bogus": 1}},
	})
	if !errors.Is(err, storage.ErrInvalidArgument) {
		t.Errorf("unknown operator: expected ErrInvalidArgument, got %v", err)
	}
	expectationsMet(t, r.mock)
}
