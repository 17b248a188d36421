package types

import (
	"reflect"
	"testing"
	"time"
)

func TestDocMergeLaterLayersWin(t *testing.T) {
	d := Doc{"title": "base", "status": "open"}
	d.Merge(Doc{"title": "override", "cf:priority": "high"})
	if d["title"] != "override" {
		t.Fatalf("later layer should win, got %v", d["title"])
	}
	if d["status"] != "open" {
		t.Fatal("untouched keys must survive a merge")
	}
	d.Merge(Doc{"status": nil})
	if v, ok := d["status"]; !ok || v != nil {
		t.Fatal("explicit null must override")
	}
}

func TestNormalizeValue(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"int", 42, float64(42)},
		{"int64", int64(7), float64(7)},
		{"float32", float32(1.5), float64(1.5)},
		{"bytes", []byte("abc"), "abc"},
		{"time", ts, "2026-03-01T10:30:00Z"},
		{"nil time ptr", (*time.Time)(nil), nil},
		{"string slice", []string{"a", "b"}, []any{"a", "b"}},
		{"nested slice", []any{1, "x"}, []any{float64(1), "x"}},
		{"nil", nil, nil},
	}
	for _, tt := range tests {
		got := NormalizeValue(tt.in)
		if !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("%s: got %#v, want %#v", tt.name, got, tt.want)
		}
	}
}

func TestStringValuesFlattening(t *testing.T) {
	vals := StringValues([]any{"alpha", float64(3), true, nil, []any{"beta"}})
	want := []string{"alpha", "3", "true", "beta"}
	if !reflect.DeepEqual(vals, want) {
		t.Fatalf("got %v, want %v", vals, want)
	}
	if StringValues(map[string]any{"k": "v"}) != nil {
		t.Fatal("objects must not produce tokens")
	}
	if StringValues("") != nil {
		t.Fatal("empty strings must not produce tokens")
	}
}

func TestFormatFloatDropsIntegerDecimal(t *testing.T) {
	if got := StringValues(float64(100))[0]; got != "100" {
		t.Fatalf("whole float = %q, want 100", got)
	}
	if got := StringValues(2.5)[0]; got != "2.5" {
		t.Fatalf("fractional float = %q, want 2.5", got)
	}
}

func TestUnmarshalDocEmptyPayload(t *testing.T) {
	d, err := UnmarshalDoc(nil)
	if err != nil || d == nil || len(d) != 0 {
		t.Fatalf("nil payload should give empty doc, got %v / %v", d, err)
	}
	d, err = UnmarshalDoc([]byte(`{"a":1,"b":[true,null]}`))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d["a"] != float64(1) {
		t.Fatalf("numbers should decode as float64, got %T", d["a"])
	}
}

func TestParseFiltersShapes(t *testing.T) {
	conds, err := ParseFilters(map[string]any{
		"status":      "open",
		"cf:priority": map[string]any{"$in": []any{"high", "urgent"}},
		"created_at":  map[string]any{"$gte": "2026-01-01", "$lt": "2026-02-01"},
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(conds) != 4 {
		t.Fatalf("expected 4 conditions, got %d: %+v", len(conds), conds)
	}
	// Keys iterate sorted, so order is deterministic.
	if conds[0].Field != "cf:priority" || conds[0].Op != OpIn {
		t.Fatalf("unexpected first condition %+v", conds[0])
	}
	if conds[1].Op != OpGte || conds[2].Op != OpLt {
		t.Fatalf("operator map should expand in sorted order, got %+v %+v", conds[1], conds[2])
	}
	if conds[3].Field != "status" || conds[3].Op != OpEq || conds[3].Value != "open" {
		t.Fatalf("scalar should mean equality, got %+v", conds[3])
	}
}

func TestParseFiltersArrayForm(t *testing.T) {
	conds, err := ParseFilters([]any{
		map[string]any{"status": "open"},
		map[string]any{"severity": map[string]any{"$ne": float64(0)}},
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(conds) != 2 {
		t.Fatalf("expected 2 conditions, got %d", len(conds))
	}
}

func TestParseFiltersRejectsUnknownOperator(t *testing.T) {
	if _, err := ParseFilters(map[string]any{"a": map[string]any{"$regex": "x"}}); err == nil {
		t.Fatal("unknown operator must be rejected")
	}
	if _, err := ParseFilters("status=open"); err == nil {
		t.Fatal("non-object filters must be rejected")
	}
}

func TestOrgFilterResolution(t *testing.T) {
	org := "o1"
	single := QueryOptions{OrganizationID: &org}
	ids, null, present := single.OrgFilter()
	if !present || null || len(ids) != 1 || ids[0] != "o1" {
		t.Fatalf("single org filter wrong: %v %v %v", ids, null, present)
	}

	multi := QueryOptions{OrganizationIDs: []*string{&org, nil}}
	ids, null, present = multi.OrgFilter()
	if !present || !null || len(ids) != 1 {
		t.Fatalf("multi org filter wrong: %v %v %v", ids, null, present)
	}

	forcedEmpty := QueryOptions{OrganizationIDs: []*string{}}
	ids, null, present = forcedEmpty.OrgFilter()
	if !present || null || len(ids) != 0 {
		t.Fatalf("empty set must stay a present clause: %v %v %v", ids, null, present)
	}

	unset := QueryOptions{}
	if _, _, present = unset.OrgFilter(); present {
		t.Fatal("no org inputs means no clause")
	}
}
