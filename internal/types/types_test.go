package types

import (
	"testing"
	"time"
)

func TestEntityTypeParts(t *testing.T) {
	e := EntityType("example:todo")
	if e.Module() != "example" || e.Entity() != "todo" {
		t.Fatalf("unexpected parts %q / %q", e.Module(), e.Entity())
	}
	if err := e.Validate(); err != nil {
		t.Fatalf("valid entity type rejected: %v", err)
	}
}

func TestEntityTypeValidateRejectsMalformed(t *testing.T) {
	for _, bad := range []EntityType{"", "todo", ":todo", "example:", ":"} {
		if err := bad.Validate(); err == nil {
			t.Fatalf("expected error for %q", string(bad))
		}
	}
}

func TestScopeOrgKeyCoalescesToSentinel(t *testing.T) {
	s := Scope{TenantID: "t1"}
	if s.OrgKey() != SentinelOrgID {
		t.Fatalf("nil org should coalesce to sentinel, got %q", s.OrgKey())
	}
	org := "8d9e4f6a-1111-4222-8333-444455556666"
	s.OrganizationID = &org
	if s.OrgKey() != org {
		t.Fatalf("org key = %q, want %q", s.OrgKey(), org)
	}
}

func TestScopeValidate(t *testing.T) {
	if err := (Scope{}).Validate(); err == nil {
		t.Fatal("expected error for missing tenant")
	}
	bad := "not-a-uuid"
	if err := (Scope{TenantID: "t1", OrganizationID: &bad}).Validate(); err == nil {
		t.Fatal("expected error for malformed organization id")
	}
	if err := (Scope{TenantID: "t1"}).Validate(); err != nil {
		t.Fatalf("global scope rejected: %v", err)
	}
}

func TestScopeKeyDistinguishesWithDeleted(t *testing.T) {
	a := ScopeKey("example:todo", Scope{TenantID: "t1"})
	b := ScopeKey("example:todo", Scope{TenantID: "t1", WithDeleted: true})
	if a == b {
		t.Fatal("withDeleted must change the scope key")
	}
}

func TestUpsertResultIndexDelta(t *testing.T) {
	tests := []struct {
		name string
		res  UpsertResult
		want int64
	}{
		{"created", UpsertResult{Created: true}, 1},
		{"revived", UpsertResult{Existed: true, WasDeleted: true, Revived: true}, 1},
		{"updated in place", UpsertResult{Existed: true}, 0},
	}
	for _, tt := range tests {
		if got := tt.res.IndexDelta(); got != tt.want {
			t.Fatalf("%s: delta = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestJobScopeValidatePartitionBounds(t *testing.T) {
	base := JobScope{EntityType: "example:todo"}
	if err := base.Validate(); err != nil {
		t.Fatalf("unpartitioned scope rejected: %v", err)
	}
	ok := base
	ok.PartitionIndex, ok.PartitionCount = IntPtr(4), IntPtr(5)
	if err := ok.Validate(); err != nil {
		t.Fatalf("last partition rejected: %v", err)
	}
	bad := base
	bad.PartitionIndex, bad.PartitionCount = IntPtr(5), IntPtr(5)
	if err := bad.Validate(); err == nil {
		t.Fatal("partitionIndex == partitionCount must be rejected")
	}
	orphanIdx := base
	orphanIdx.PartitionIndex = IntPtr(0)
	if err := orphanIdx.Validate(); err == nil {
		t.Fatal("partition index without count must be rejected")
	}
}

func TestJobStalled(t *testing.T) {
	now := time.Now()
	j := IndexJob{HeartbeatAt: now.Add(-2 * time.Minute)}
	if !j.Stalled(now, time.Minute) {
		t.Fatal("old heartbeat should stall")
	}
	done := now
	j.FinishedAt = &done
	if j.Stalled(now, time.Minute) {
		t.Fatal("finished jobs never stall")
	}
}

func TestCoverageRowStaleAndPartial(t *testing.T) {
	now := time.Now()
	c := CoverageRow{BaseCount: 10, IndexedCount: 4, RefreshedAt: now.Add(-90 * time.Second)}
	if !c.Stale(now, time.Minute) {
		t.Fatal("snapshot older than staleness window should be stale")
	}
	if !c.Partial() {
		t.Fatal("indexedCount < baseCount should be partial")
	}
	c.IndexedCount = 10
	if c.Partial() {
		t.Fatal("full coverage is not partial")
	}
	c.BaseCount, c.IndexedCount = 0, 0
	if c.Partial() {
		t.Fatal("empty base is not partial")
	}
}
