package tokens

import (
	"context"
	"testing"

	"github.com/open-mercato/queryindex/internal/config"
	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

// fakeStore records ReplaceTokens calls; the embedded interface panics on
// anything else, which no extractor path touches.
type fakeStore struct {
	storage.Store
	batches [][]storage.TokenReplacement
}

func (f *fakeStore) ReplaceTokens(_ context.Context, _ types.EntityType, batch []storage.TokenReplacement) error {
	f.batches = append(f.batches, batch)
	return nil
}

func newExtractor(t *testing.T, mutate func(*config.Config)) (*Extractor, *fakeStore) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	store := &fakeStore{}
	return New(store, cfg), store
}

func fieldSet(rep storage.TokenReplacement) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range rep.Tokens {
		out[tok.Field] = true
	}
	return out
}

func TestBuildReplacement_SkipRules(t *testing.T) {
	e, _ := newExtractor(t, func(c *config.Config) {
		c.TokenBlocklist = []string{"Internal_Notes"}
	})

	doc := types.Doc{
		"id":              "r1",
		"tenant_id":       "t1",
		"organization_id": "o1",
		"created_at":      "2026-01-01T00:00:00Z",
		"owner_id":        "u1",
		"expires_at":      "2026-02-01T00:00:00Z",
		"internal_notes":  "secret text",
		"title":           "hello world",
		"count":           float64(5),
	}
	rep := e.buildReplacement("example:todo", "r1", types.Scope{TenantID: "t1"}, doc)

	fields := fieldSet(rep)
	if !fields["title"] {
		t.Errorf("title must tokenize")
	}
	for _, banned := range []string{"id", "tenant_id", "organization_id", "created_at", "owner_id", "expires_at", "internal_notes", "count"} {
		if fields[banned] {
			t.Errorf("field %q must not tokenize", banned)
		}
	}
	// count passes the name filter but its numeric value yields nothing; it
	// still claims its field slot so stale tokens get cleared.
	claimed := make(map[string]bool)
	for _, f := range rep.Fields {
		claimed[f] = true
	}
	if !claimed["count"] || !claimed["title"] {
		t.Errorf("claimed fields: %v", rep.Fields)
	}
	if claimed["owner_id"] || claimed["internal_notes"] {
		t.Errorf("skipped fields must not be claimed: %v", rep.Fields)
	}
}

func TestBuildReplacement_TokenizesAndDedupes(t *testing.T) {
	e, _ := newExtractor(t, nil)

	doc := types.Doc{
		"title": "Hello World",
		"tags":  []any{"hello", "urgent"},
	}
	rep := e.buildReplacement("example:todo", "r1", types.Scope{TenantID: "t1"}, doc)

	// "hello" appears in both fields: deduped per (field, hash), so it
	// survives once per field.
	perField := map[string]int{}
	for _, tok := range rep.Tokens {
		perField[tok.Field]++
		if tok.Token == nil {
			t.Fatalf("raw token must be stored by default")
		}
	}
	// title: "hello", "world", "hello world". tags: "hello", "urgent".
	if perField["title"] != 3 {
		t.Errorf("title tokens = %d, want 3", perField["title"])
	}
	if perField["tags"] != 2 {
		t.Errorf("tags tokens = %d, want 2", perField["tags"])
	}

	hashes := map[string]int{}
	for _, tok := range rep.Tokens {
		hashes[tok.Field+"/"+tok.TokenHash]++
	}
	for key, n := range hashes {
		if n > 1 {
			t.Errorf("duplicate (field, hash) %s emitted %d times", key, n)
		}
	}
}

func TestBuildReplacement_MixedArrayDisqualifies(t *testing.T) {
	e, _ := newExtractor(t, nil)
	doc := types.Doc{"mixed": []any{"text", float64(3)}}
	rep := e.buildReplacement("example:todo", "r1", types.Scope{TenantID: "t1"}, doc)
	if len(rep.Tokens) != 0 {
		t.Errorf("array with non-string elements must yield no tokens: %+v", rep.Tokens)
	}
}

func TestBuildReplacement_EmptyDocDeletesAll(t *testing.T) {
	e, _ := newExtractor(t, nil)
	rep := e.buildReplacement("example:todo", "r1", types.Scope{TenantID: "t1"}, types.Doc{})
	if !rep.DeleteAll {
		t.Errorf("empty doc must clear the record's tokens")
	}
	if len(rep.Fields) != 0 || len(rep.Tokens) != 0 {
		t.Errorf("delete-all replacement must carry nothing else: %+v", rep)
	}
}

func TestBuildReplacement_EmptyStringClearsField(t *testing.T) {
	e, _ := newExtractor(t, nil)
	rep := e.buildReplacement("example:todo", "r1", types.Scope{TenantID: "t1"}, types.Doc{"title": ""})
	if rep.DeleteAll {
		t.Errorf("non-empty doc must not delete-all")
	}
	if len(rep.Fields) != 1 || rep.Fields[0] != "title" {
		t.Errorf("cleared field must still be claimed: %v", rep.Fields)
	}
	if len(rep.Tokens) != 0 {
		t.Errorf("empty string yields no tokens: %+v", rep.Tokens)
	}
}

func TestBuildReplacement_RawTokenOmitted(t *testing.T) {
	e, _ := newExtractor(t, func(c *config.Config) { c.StoreRawTokens = false })
	rep := e.buildReplacement("example:todo", "r1", types.Scope{TenantID: "t1"}, types.Doc{"title": "hi"})
	if len(rep.Tokens) != 1 {
		t.Fatalf("tokens: %+v", rep.Tokens)
	}
	if rep.Tokens[0].Token != nil {
		t.Errorf("raw token must be omitted when disabled")
	}
	if rep.Tokens[0].TokenHash == "" {
		t.Errorf("hash must always be present")
	}
}

func TestTokenize(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"hello", []string{"hello"}},
		{"Hello World", []string{"hello", "world", "hello world"}},
		{"  Trimmed  ", []string{"trimmed"}},
		{"user@example.com", []string{"user", "example", "com", "user@example.com"}},
		{"", nil},
		{"   ", nil},
	}
	for _, tc := range cases {
		got := tokenize(tc.in)
		if len(got) != len(tc.want) {
			t.Errorf("tokenize(%q) = %v, want %v", tc.in, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("tokenize(%q)[%d] = %q, want %q", tc.in, i, got[i], tc.want[i])
			}
		}
	}
}

func TestTokenHashMatchesExtraction(t *testing.T) {
	e, store := newExtractor(t, nil)
	err := e.ReplaceForRecord(context.Background(), "example:todo", "r1",
		types.Scope{TenantID: "t1"}, types.Doc{"title": "Hello"})
	if err != nil {
		t.Fatalf("ReplaceForRecord: %v", err)
	}
	if len(store.batches) != 1 || len(store.batches[0]) != 1 {
		t.Fatalf("expected one replacement, got %+v", store.batches)
	}
	tok := store.batches[0][0].Tokens[0]
	if tok.TokenHash != TokenHash("hello") {
		t.Errorf("lookup hash must match stored hash")
	}
	if tok.TokenHash != TokenHash("  HELLO  ") {
		t.Errorf("hash must normalize case and whitespace")
	}
}

func TestReplaceForBatch(t *testing.T) {
	e, store := newExtractor(t, nil)
	err := e.ReplaceForBatch(context.Background(), "example:todo", []RecordDoc{
		{RecordID: "r1", Scope: types.Scope{TenantID: "t1"}, Doc: types.Doc{"title": "a"}},
		{RecordID: "r2", Scope: types.Scope{TenantID: "t1"}, Doc: types.Doc{}},
	})
	if err != nil {
		t.Fatalf("ReplaceForBatch: %v", err)
	}
	if len(store.batches) != 1 {
		t.Fatalf("batch must run as one store call, got %d", len(store.batches))
	}
	batch := store.batches[0]
	if len(batch) != 2 {
		t.Fatalf("replacements: %+v", batch)
	}
	if batch[0].DeleteAll || !batch[1].DeleteAll {
		t.Errorf("empty doc in batch must delete-all: %+v", batch)
	}
}
