package docbuilder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/open-mercato/queryindex/internal/registry"
	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

// fakeStore serves canned base rows, field values and translations; the
// embedded interface panics on anything the builder should not touch.
type fakeStore struct {
	storage.Store

	rows         map[string]types.Doc
	values       map[string]map[string][]any
	translations map[string][]types.Translation

	valuesErr       error
	translationsErr error

	fieldCalls []types.Scope
	rowCalls   int
}

func rowKey(base storage.BaseRef, id string) string {
	return base.Table + "/" + id
}

func (f *fakeStore) GetBaseRow(_ context.Context, base storage.BaseRef, recordID string) (types.Doc, error) {
	f.rowCalls++
	row, ok := f.rows[rowKey(base, recordID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return row, nil
}

func (f *fakeStore) GetBaseRowsByIDs(_ context.Context, base storage.BaseRef, ids []string) (map[string]types.Doc, error) {
	f.rowCalls++
	out := make(map[string]types.Doc)
	for _, id := range ids {
		if row, ok := f.rows[rowKey(base, id)]; ok {
			out[id] = row
		}
	}
	return out, nil
}

func (f *fakeStore) GetFieldValues(_ context.Context, _ types.EntityType, recordID string, scope types.Scope) (map[string][]any, error) {
	f.fieldCalls = append(f.fieldCalls, scope)
	if f.valuesErr != nil {
		return nil, f.valuesErr
	}
	return f.values[recordID], nil
}

func (f *fakeStore) GetFieldValuesBatch(_ context.Context, _ types.EntityType, recordIDs []string, scope types.Scope) (map[string]map[string][]any, error) {
	f.fieldCalls = append(f.fieldCalls, scope)
	if f.valuesErr != nil {
		return nil, f.valuesErr
	}
	out := make(map[string]map[string][]any)
	for _, id := range recordIDs {
		if v, ok := f.values[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (f *fakeStore) GetTranslations(_ context.Context, _ types.EntityType, recordID string) ([]types.Translation, error) {
	if f.translationsErr != nil {
		return nil, f.translationsErr
	}
	return f.translations[recordID], nil
}

func (f *fakeStore) GetTranslationsBatch(_ context.Context, _ types.EntityType, recordIDs []string) (map[string][]types.Translation, error) {
	if f.translationsErr != nil {
		return nil, f.translationsErr
	}
	out := make(map[string][]types.Translation)
	for _, id := range recordIDs {
		if tr, ok := f.translations[id]; ok {
			out[id] = tr
		}
	}
	return out, nil
}

func newRegistry(t *testing.T, cfgs ...registry.EntityConfig) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, cfg := range cfgs {
		if err := reg.Register(cfg); err != nil {
			t.Fatalf("register %s: %v", cfg.EntityType, err)
		}
	}
	return reg
}

func TestBuild_MissingBaseRow(t *testing.T) {
	reg := newRegistry(t, registry.EntityConfig{EntityType: "example:todo", Table: "todos"})
	store := &fakeStore{rows: map[string]types.Doc{}}
	b := New(store, reg, types.EncryptionHooks{}, nil)

	doc, found, err := b.Build(context.Background(), "example:todo", "missing", types.Scope{TenantID: "t1"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if found {
		t.Fatalf("expected found=false, got doc %v", doc)
	}
}

func TestBuild_LayersInOrder(t *testing.T) {
	reg := newRegistry(t, registry.EntityConfig{EntityType: "example:todo", Table: "todos"})
	store := &fakeStore{
		rows: map[string]types.Doc{
			"todos/r1": {"id": "r1", "title": "buy milk", "severity": float64(2)},
		},
		values: map[string]map[string][]any{
			"r1": {
				"priority": {float64(5)},
				"tags":     {"work", "urgent"},
			},
		},
		translations: map[string][]types.Translation{
			"r1": {{Locale: "pl", Field: "title", Value: "kup mleko"}},
		},
	}
	b := New(store, reg, types.EncryptionHooks{}, nil)

	doc, found, err := b.Build(context.Background(), "example:todo", "r1", types.Scope{TenantID: "t1"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !found {
		t.Fatal("expected found")
	}
	if doc["title"] != "buy milk" || doc["severity"] != float64(2) {
		t.Fatalf("base columns missing: %v", doc)
	}
	if doc["cf:priority"] != float64(5) {
		t.Fatalf("single custom field should stay scalar, got %v", doc["cf:priority"])
	}
	tags, ok := doc["cf:tags"].([]any)
	if !ok || len(tags) != 2 || tags[0] != "work" || tags[1] != "urgent" {
		t.Fatalf("multi custom field should be ordered array, got %v", doc["cf:tags"])
	}
	if doc["l10n:pl:title"] != "kup mleko" {
		t.Fatalf("translation key missing: %v", doc)
	}
}

func TestBuild_ParentMergedUnderneath(t *testing.T) {
	reg := newRegistry(t, registry.EntityConfig{
		EntityType: "directory:user",
		Table:      "user_profiles",
		Parent:     &registry.ParentLink{Table: "users", ForeignKeyColumn: "user_id"},
	})
	store := &fakeStore{
		rows: map[string]types.Doc{
			"user_profiles/p1": {"id": "p1", "user_id": "u1", "name": "Profile Name"},
			"users/u1":         {"id": "u1", "name": "Account Name", "email": "u1@example.com"},
		},
	}
	b := New(store, reg, types.EncryptionHooks{}, nil)

	doc, found, err := b.Build(context.Background(), "directory:user", "p1", types.Scope{TenantID: "t1"})
	if err != nil || !found {
		t.Fatalf("Build: found=%v err=%v", found, err)
	}
	if doc["name"] != "Profile Name" {
		t.Fatalf("child column should win over parent, got %v", doc["name"])
	}
	if doc["email"] != "u1@example.com" {
		t.Fatalf("parent-only column should survive, got %v", doc)
	}
	if doc["id"] != "p1" {
		t.Fatalf("child id should win, got %v", doc["id"])
	}
}

func TestBuild_MissingParentDegrades(t *testing.T) {
	reg := newRegistry(t, registry.EntityConfig{
		EntityType: "directory:user",
		Table:      "user_profiles",
		Parent:     &registry.ParentLink{Table: "users", ForeignKeyColumn: "user_id"},
	})
	store := &fakeStore{
		rows: map[string]types.Doc{
			"user_profiles/p1": {"id": "p1", "user_id": "gone", "name": "Orphaned"},
		},
	}
	b := New(store, reg, types.EncryptionHooks{}, nil)

	doc, found, err := b.Build(context.Background(), "directory:user", "p1", types.Scope{TenantID: "t1"})
	if err != nil || !found {
		t.Fatalf("Build: found=%v err=%v", found, err)
	}
	if doc["name"] != "Orphaned" {
		t.Fatalf("expected child columns alone, got %v", doc)
	}
}

func TestBuild_LayerErrorsAreNonFatal(t *testing.T) {
	reg := newRegistry(t, registry.EntityConfig{EntityType: "example:todo", Table: "todos"})
	store := &fakeStore{
		rows:            map[string]types.Doc{"todos/r1": {"id": "r1", "title": "x"}},
		valuesErr:       errors.New("cf table down"),
		translationsErr: errors.New("l10n table down"),
	}
	b := New(store, reg, types.EncryptionHooks{}, nil)

	doc, found, err := b.Build(context.Background(), "example:todo", "r1", types.Scope{TenantID: "t1"})
	if err != nil || !found {
		t.Fatalf("Build: found=%v err=%v", found, err)
	}
	if doc["title"] != "x" {
		t.Fatalf("base layer should survive, got %v", doc)
	}
	for k := range doc {
		if strings.HasPrefix(k, types.CFPrefix) || strings.HasPrefix(k, types.L10nPrefix) {
			t.Fatalf("failed layers should be absent, got key %s", k)
		}
	}
}

func TestBuild_DoesNotMutateStoredRow(t *testing.T) {
	reg := newRegistry(t, registry.EntityConfig{EntityType: "example:todo", Table: "todos"})
	row := types.Doc{"id": "r1", "title": "x"}
	store := &fakeStore{
		rows:   map[string]types.Doc{"todos/r1": row},
		values: map[string]map[string][]any{"r1": {"priority": {float64(1)}}},
	}
	b := New(store, reg, types.EncryptionHooks{}, nil)

	if _, _, err := b.Build(context.Background(), "example:todo", "r1", types.Scope{TenantID: "t1"}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := row["cf:priority"]; ok {
		t.Fatal("builder mutated the source row")
	}
}

func TestBuild_EncryptHook(t *testing.T) {
	reg := newRegistry(t, registry.EntityConfig{EntityType: "example:todo", Table: "todos"})
	store := &fakeStore{rows: map[string]types.Doc{"todos/r1": {"id": "r1", "title": "x"}}}

	hooks := types.EncryptionHooks{
		EncryptDoc: func(_ types.EntityType, _ string, doc types.Doc) (types.Doc, error) {
			out := doc.Clone()
			out["sealed"] = true
			return out, nil
		},
	}
	b := New(store, reg, hooks, nil)
	doc, _, err := b.Build(context.Background(), "example:todo", "r1", types.Scope{TenantID: "t1"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if doc["sealed"] != true {
		t.Fatalf("encrypt hook not applied: %v", doc)
	}

	// A failing hook keeps the plaintext document.
	b = New(store, reg, types.EncryptionHooks{
		EncryptDoc: func(types.EntityType, string, types.Doc) (types.Doc, error) {
			return nil, errors.New("kms down")
		},
	}, nil)
	doc, _, err = b.Build(context.Background(), "example:todo", "r1", types.Scope{TenantID: "t1"})
	if err != nil {
		t.Fatalf("Build with failing hook: %v", err)
	}
	if doc["title"] != "x" {
		t.Fatalf("plaintext should survive hook failure: %v", doc)
	}
}

func TestBuildBatch_UsesScannedRowsAndSkipsMissing(t *testing.T) {
	reg := newRegistry(t, registry.EntityConfig{EntityType: "example:todo", Table: "todos"})
	store := &fakeStore{
		rows: map[string]types.Doc{
			"todos/r2": {"id": "r2", "title": "fetched"},
		},
		values: map[string]map[string][]any{
			"r1": {"priority": {float64(9)}},
		},
	}
	b := New(store, reg, types.EncryptionHooks{}, nil)

	scope := types.Scope{TenantID: "t1"}
	docs, err := b.BuildBatch(context.Background(), "example:todo", []Input{
		{RecordID: "r1", Scope: scope, Row: types.Doc{"id": "r1", "title": "scanned"}},
		{RecordID: "r2", Scope: scope},
		{RecordID: "r3", Scope: scope},
	})
	if err != nil {
		t.Fatalf("BuildBatch: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 docs, got %d: %v", len(docs), docs)
	}
	if docs["r1"]["title"] != "scanned" || docs["r1"]["cf:priority"] != float64(9) {
		t.Fatalf("r1 doc wrong: %v", docs["r1"])
	}
	if docs["r2"]["title"] != "fetched" {
		t.Fatalf("r2 doc wrong: %v", docs["r2"])
	}
	if _, ok := docs["r3"]; ok {
		t.Fatal("missing base row should be absent from the batch result")
	}
}

func TestBuildBatch_GroupsByScope(t *testing.T) {
	reg := newRegistry(t, registry.EntityConfig{EntityType: "example:todo", Table: "todos"})
	store := &fakeStore{rows: map[string]types.Doc{}, values: map[string]map[string][]any{}}
	b := New(store, reg, types.EncryptionHooks{}, nil)

	orgA := "11111111-1111-1111-1111-111111111111"
	var inputs []Input
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("r%d", i)
		scope := types.Scope{TenantID: "t1"}
		if i%2 == 0 {
			scope.OrganizationID = &orgA
		}
		inputs = append(inputs, Input{RecordID: id, Scope: scope, Row: types.Doc{"id": id}})
	}
	if _, err := b.BuildBatch(context.Background(), "example:todo", inputs); err != nil {
		t.Fatalf("BuildBatch: %v", err)
	}
	if len(store.fieldCalls) != 2 {
		t.Fatalf("expected one custom-field query per distinct scope, got %d", len(store.fieldCalls))
	}
}

func TestBuildBatch_ParentPrefetch(t *testing.T) {
	reg := newRegistry(t, registry.EntityConfig{
		EntityType: "directory:user",
		Table:      "user_profiles",
		Parent:     &registry.ParentLink{Table: "users", ForeignKeyColumn: "user_id"},
	})
	store := &fakeStore{
		rows: map[string]types.Doc{
			"users/u1": {"id": "u1", "email": "u1@example.com"},
		},
	}
	b := New(store, reg, types.EncryptionHooks{}, nil)

	scope := types.Scope{TenantID: "t1"}
	docs, err := b.BuildBatch(context.Background(), "directory:user", []Input{
		{RecordID: "p1", Scope: scope, Row: types.Doc{"id": "p1", "user_id": "u1"}},
		{RecordID: "p2", Scope: scope, Row: types.Doc{"id": "p2", "user_id": "u1"}},
	})
	if err != nil {
		t.Fatalf("BuildBatch: %v", err)
	}
	if docs["p1"]["email"] != "u1@example.com" || docs["p2"]["email"] != "u1@example.com" {
		t.Fatalf("parent columns missing: %v", docs)
	}
	// One batched parent fetch, not one per record.
	if store.rowCalls != 1 {
		t.Fatalf("expected a single parent prefetch, got %d calls", store.rowCalls)
	}
}
