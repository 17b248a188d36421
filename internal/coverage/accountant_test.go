package coverage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/open-mercato/queryindex/internal/config"
	"github.com/open-mercato/queryindex/internal/registry"
	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
	"github.com/open-mercato/queryindex/internal/vector"
)

type fakeStore struct {
	storage.Store

	tableExists bool
	baseCount   int64
	indexCount  int64
	row         *types.CoverageRow

	writes      []types.CoverageCounts
	adjustments [][]types.CoverageAdjustment
}

func (f *fakeStore) TableExists(context.Context, string) (bool, error) {
	return f.tableExists, nil
}

func (f *fakeStore) CountBaseRows(context.Context, storage.BaseRef, storage.BaseScope) (int64, error) {
	return f.baseCount, nil
}

func (f *fakeStore) CountIndexRows(context.Context, types.EntityType, types.Scope) (int64, error) {
	return f.indexCount, nil
}

func (f *fakeStore) GetCoverage(context.Context, types.EntityType, types.Scope) (*types.CoverageRow, error) {
	if f.row == nil {
		return nil, storage.ErrNotFound
	}
	return f.row, nil
}

func (f *fakeStore) WriteCoverage(_ context.Context, entity types.EntityType, scope types.Scope, counts types.CoverageCounts) error {
	f.writes = append(f.writes, counts)
	row := &types.CoverageRow{
		EntityType:     entity,
		TenantID:       scope.TenantID,
		OrganizationID: scope.OrgKey(),
	}
	if f.row != nil {
		*row = *f.row
	}
	if counts.BaseCount != nil {
		row.BaseCount = *counts.BaseCount
	}
	if counts.IndexCount != nil {
		row.IndexedCount = *counts.IndexCount
	}
	if counts.VectorCount != nil {
		row.VectorIndexedCount = *counts.VectorCount
	}
	row.RefreshedAt = time.Now()
	f.row = row
	return nil
}

func (f *fakeStore) AdjustCoverage(_ context.Context, adjustments []types.CoverageAdjustment) error {
	f.adjustments = append(f.adjustments, adjustments)
	return nil
}

type fakeVector struct {
	count int64
	err   error
}

func (v fakeVector) CountIndexed(context.Context, types.EntityType, string) (int64, error) {
	return v.count, v.err
}

func (v fakeVector) RemoveOrphans(context.Context, types.EntityType, *string, time.Time) (int64, error) {
	return 0, v.err
}

func newAccountant(t *testing.T, store *fakeStore, vec vector.Service) *Accountant {
	t.Helper()
	reg := registry.New()
	if err := reg.Register(registry.EntityConfig{EntityType: "example:todo", Table: "todos"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return New(store, reg, vec, config.Default(), nil)
}

func TestReadSnapshot_MissingIsNil(t *testing.T) {
	store := &fakeStore{}
	a := newAccountant(t, store, nil)

	row, err := a.ReadSnapshot(context.Background(), "example:todo", types.Scope{TenantID: "t1"})
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if row != nil {
		t.Fatalf("expected nil for missing snapshot, got %+v", row)
	}
}

func TestIsStale(t *testing.T) {
	store := &fakeStore{}
	a := newAccountant(t, store, nil)

	if !a.IsStale(nil) {
		t.Fatal("missing snapshot must be stale")
	}
	if a.IsStale(&types.CoverageRow{RefreshedAt: time.Now()}) {
		t.Fatal("fresh snapshot should not be stale")
	}
	if !a.IsStale(&types.CoverageRow{RefreshedAt: time.Now().Add(-2 * time.Minute)}) {
		t.Fatal("a two-minute-old snapshot exceeds the 60s default")
	}
}

func TestRefreshSnapshot_CountsEverything(t *testing.T) {
	store := &fakeStore{tableExists: true, baseCount: 42, indexCount: 40}
	a := newAccountant(t, store, fakeVector{count: 17})

	row, err := a.RefreshSnapshot(context.Background(), "example:todo", types.Scope{TenantID: "t1"})
	if err != nil {
		t.Fatalf("RefreshSnapshot: %v", err)
	}
	if row.BaseCount != 42 || row.IndexedCount != 40 || row.VectorIndexedCount != 17 {
		t.Fatalf("counts wrong: %+v", row)
	}
	if len(store.writes) != 1 {
		t.Fatalf("expected one write, got %d", len(store.writes))
	}
}

func TestRefreshSnapshot_MissingTableCountsZero(t *testing.T) {
	store := &fakeStore{tableExists: false, baseCount: 99, indexCount: 3}
	a := newAccountant(t, store, nil)

	row, err := a.RefreshSnapshot(context.Background(), "example:todo", types.Scope{TenantID: "t1"})
	if err != nil {
		t.Fatalf("RefreshSnapshot: %v", err)
	}
	if row.BaseCount != 0 {
		t.Fatalf("missing table should count zero base rows, got %d", row.BaseCount)
	}
	if row.IndexedCount != 3 {
		t.Fatalf("index count should still run: %+v", row)
	}
}

func TestRefreshSnapshot_VectorSkips(t *testing.T) {
	// Disabled service: vector count stays unset so the store keeps the
	// previous value.
	store := &fakeStore{tableExists: true}
	a := newAccountant(t, store, nil)
	if _, err := a.RefreshSnapshot(context.Background(), "example:todo", types.Scope{TenantID: "t1"}); err != nil {
		t.Fatalf("RefreshSnapshot: %v", err)
	}
	if store.writes[0].VectorCount != nil {
		t.Fatal("disabled vector service must not write a vector count")
	}

	// Failing service: same, but not an error.
	store = &fakeStore{tableExists: true}
	a = newAccountant(t, store, fakeVector{err: errors.New("sidecar down")})
	if _, err := a.RefreshSnapshot(context.Background(), "example:todo", types.Scope{TenantID: "t1"}); err != nil {
		t.Fatalf("vector failure must not fail the refresh: %v", err)
	}
	if store.writes[0].VectorCount != nil {
		t.Fatal("failed vector count must not be written")
	}
}

func TestResetSnapshot_Throttles(t *testing.T) {
	store := &fakeStore{}
	a := newAccountant(t, store, nil)
	scope := types.Scope{TenantID: "t1"}

	ran, err := a.ResetSnapshot(context.Background(), "example:todo", scope, false)
	if err != nil || !ran {
		t.Fatalf("first reset should run: ran=%v err=%v", ran, err)
	}
	ran, err = a.ResetSnapshot(context.Background(), "example:todo", scope, false)
	if err != nil || ran {
		t.Fatalf("second reset within the window should be suppressed: ran=%v err=%v", ran, err)
	}
	ran, err = a.ResetSnapshot(context.Background(), "example:todo", scope, true)
	if err != nil || !ran {
		t.Fatalf("forced reset should run: ran=%v err=%v", ran, err)
	}

	if len(store.writes) != 2 {
		t.Fatalf("expected two writes, got %d", len(store.writes))
	}
	w := store.writes[0]
	if *w.BaseCount != 0 || *w.IndexCount != 0 || *w.VectorCount != 0 {
		t.Fatalf("reset should zero all counts: %+v", w)
	}

	// A different scope has its own throttle window.
	org := "11111111-1111-1111-1111-111111111111"
	ran, err = a.ResetSnapshot(context.Background(), "example:todo", types.Scope{TenantID: "t1", OrganizationID: &org}, false)
	if err != nil || !ran {
		t.Fatalf("other scope should reset independently: ran=%v err=%v", ran, err)
	}
}

func TestApplyAdjustments_Delegates(t *testing.T) {
	store := &fakeStore{}
	a := newAccountant(t, store, nil)

	adj := []types.CoverageAdjustment{
		{EntityType: "example:todo", Scope: types.Scope{TenantID: "t1"}, IndexDelta: 1},
	}
	if err := a.ApplyAdjustments(context.Background(), adj); err != nil {
		t.Fatalf("ApplyAdjustments: %v", err)
	}
	if len(store.adjustments) != 1 {
		t.Fatalf("expected one delegation, got %d", len(store.adjustments))
	}
}
