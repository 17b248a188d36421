package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/open-mercato/queryindex/internal/registry"
	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

func TestCoverageRefreshImmediate(t *testing.T) {
	r := newRig(t)
	r.putTodo("r1", "t1", orgA)
	r.putTodo("r2", "t1", orgA)
	ctx := context.Background()

	r.emit(t, types.EventCoverageRefresh, types.CoverageRefreshPayload{
		EntityType:     todoEntity,
		TenantID:       types.StrPtr("t1"),
		OrganizationID: types.StrPtr(orgA),
	})

	// Zero delay refreshes inline, so the snapshot is visible as soon as the
	// synchronous dispatch returns.
	cov, err := r.store.GetCoverage(ctx, todoEntity, types.Scope{TenantID: "t1", OrganizationID: types.StrPtr(orgA)})
	if err != nil {
		t.Fatalf("coverage: %v", err)
	}
	if cov.BaseCount != 2 || cov.IndexedCount != 0 {
		t.Fatalf("coverage = %+v", cov)
	}
}

func TestCoverageRefreshDebounceResets(t *testing.T) {
	r := newRig(t)
	r.putTodo("r1", "t1", orgA)
	ctx := context.Background()

	payload := types.CoverageRefreshPayload{
		EntityType: todoEntity,
		TenantID:   types.StrPtr("t1"),
		DelayMs:    ptr64(100),
	}
	r.emit(t, types.EventCoverageRefresh, payload)
	r.emit(t, types.EventCoverageRefresh, payload)

	// The second emit reset the pending timer instead of stacking another.
	r.h.mu.Lock()
	pending := len(r.h.timers)
	r.h.mu.Unlock()
	if pending != 1 {
		t.Fatalf("pending timers = %d, want 1", pending)
	}

	r.h.refreshes.Wait()

	r.h.mu.Lock()
	pending = len(r.h.timers)
	r.h.mu.Unlock()
	if pending != 0 {
		t.Fatalf("timer map not cleared, %d left", pending)
	}
	cov, err := r.store.GetCoverage(ctx, todoEntity, types.Scope{TenantID: "t1"})
	if err != nil {
		t.Fatalf("coverage: %v", err)
	}
	if cov.BaseCount != 1 {
		t.Fatalf("coverage = %+v", cov)
	}
}

func TestCoverageRefreshSeparateScopesSeparateTimers(t *testing.T) {
	r := newRig(t)
	r.putTodo("r1", "t1", orgA)

	r.emit(t, types.EventCoverageRefresh, types.CoverageRefreshPayload{
		EntityType: todoEntity, TenantID: types.StrPtr("t1"), DelayMs: ptr64(100),
	})
	r.emit(t, types.EventCoverageRefresh, types.CoverageRefreshPayload{
		EntityType: todoEntity, TenantID: types.StrPtr("t1"), OrganizationID: types.StrPtr(orgA), DelayMs: ptr64(100),
	})

	r.h.mu.Lock()
	pending := len(r.h.timers)
	r.h.mu.Unlock()
	if pending != 2 {
		t.Fatalf("pending timers = %d, want one per scope", pending)
	}
	r.h.refreshes.Wait()

	for _, scope := range []types.Scope{
		{TenantID: "t1"},
		{TenantID: "t1", OrganizationID: types.StrPtr(orgA)},
	} {
		if _, err := r.store.GetCoverage(context.Background(), todoEntity, scope); err != nil {
			t.Fatalf("scope %s not refreshed: %v", scope.Key(), err)
		}
	}
}

func TestCoverageRefreshWithDeletedIsItsOwnSnapshot(t *testing.T) {
	r := newRig(t)
	r.putTodo("r1", "t1", orgA)
	ctx := context.Background()

	r.emit(t, types.EventCoverageRefresh, types.CoverageRefreshPayload{
		EntityType:     todoEntity,
		TenantID:       types.StrPtr("t1"),
		OrganizationID: types.StrPtr(orgA),
		WithDeleted:    true,
	})

	if _, err := r.store.GetCoverage(ctx, todoEntity, types.Scope{TenantID: "t1", OrganizationID: types.StrPtr(orgA), WithDeleted: true}); err != nil {
		t.Fatalf("withDeleted snapshot: %v", err)
	}
	if _, err := r.store.GetCoverage(ctx, todoEntity, types.Scope{TenantID: "t1", OrganizationID: types.StrPtr(orgA)}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("live snapshot written by withDeleted refresh: %v", err)
	}
}

func TestCoverageRefreshWithoutTenantIsDropped(t *testing.T) {
	r := newRig(t)
	r.putTodo("r1", "t1", orgA)

	r.emit(t, types.EventCoverageRefresh, types.CoverageRefreshPayload{EntityType: todoEntity})
	r.drain(t)

	if _, err := r.store.GetCoverage(context.Background(), todoEntity, types.Scope{TenantID: "t1"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("refresh ran without a tenant: %v", err)
	}
	if errs := r.sinkErrors(); len(errs) != 0 {
		t.Fatalf("sink errors: %v", errs)
	}
}

func TestCoverageWarmupFansOutPerEntity(t *testing.T) {
	r := newRig(t)
	if err := r.reg.Register(registry.EntityConfig{EntityType: noteEntity, Table: "notes"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.putTodo("r1", "t1", orgA)
	refreshed := r.capture(types.EventCoverageRefresh)
	ctx := context.Background()

	r.emit(t, types.EventCoverageWarmup, types.CoverageWarmupPayload{TenantID: types.StrPtr("t1")})
	r.drain(t)

	if got := len(refreshed()); got != 2 {
		t.Fatalf("refresh events = %d, want one per entity", got)
	}
	cov, err := r.store.GetCoverage(ctx, todoEntity, types.Scope{TenantID: "t1"})
	if err != nil {
		t.Fatalf("todo coverage: %v", err)
	}
	if cov.BaseCount != 1 {
		t.Fatalf("todo coverage = %+v", cov)
	}
	// The notes base table does not exist yet; the snapshot still lands,
	// zeroed.
	cov, err = r.store.GetCoverage(ctx, noteEntity, types.Scope{TenantID: "t1"})
	if err != nil {
		t.Fatalf("note coverage: %v", err)
	}
	if cov.BaseCount != 0 || cov.IndexedCount != 0 {
		t.Fatalf("note coverage = %+v", cov)
	}

	// A repeat inside the throttle window is dropped.
	r.emit(t, types.EventCoverageWarmup, types.CoverageWarmupPayload{TenantID: types.StrPtr("t1")})
	r.drain(t)
	if got := len(refreshed()); got != 2 {
		t.Fatalf("refresh events after repeat = %d, want still 2", got)
	}
}

func TestCoverageWarmupWithoutTenantIsDropped(t *testing.T) {
	r := newRig(t)
	refreshed := r.capture(types.EventCoverageRefresh)

	r.emit(t, types.EventCoverageWarmup, types.CoverageWarmupPayload{})
	r.drain(t)

	if got := len(refreshed()); got != 0 {
		t.Fatalf("refresh events = %d, want none", got)
	}
	if errs := r.sinkErrors(); len(errs) != 0 {
		t.Fatalf("sink errors: %v", errs)
	}
}
