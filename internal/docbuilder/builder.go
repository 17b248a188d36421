// Package docbuilder assembles the JSON documents stored in entity_indexes.
//
// A document fuses, in order, the base-row columns, an optional composite
// parent row merged underneath, the custom-field values visible at the
// scope as "cf:<key>", and translations as "l10n:<locale>:<field>". Later
// layers win on key collisions.
package docbuilder

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/open-mercato/queryindex/internal/registry"
	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

// Builder loads and layers document sources for one entity registry.
type Builder struct {
	store  storage.Store
	reg    *registry.Registry
	hooks  types.EncryptionHooks
	logger *zap.Logger
}

// Input is one record of a batch build. Row carries the already-scanned base
// row; a nil Row makes the builder fetch it.
type Input struct {
	RecordID string
	Scope    types.Scope
	Row      types.Doc
}

// New builds a Builder. The encryption hooks are optional.
func New(store storage.Store, reg *registry.Registry, hooks types.EncryptionHooks, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{store: store, reg: reg, hooks: hooks, logger: logger.Named("docbuilder")}
}

// Build assembles the document for one record. found is false when the base
// row does not exist; the caller then removes any index row for the record.
func (b *Builder) Build(ctx context.Context, entity types.EntityType, recordID string, scope types.Scope) (types.Doc, bool, error) {
	cfg, err := b.reg.Resolve(entity)
	if err != nil {
		return nil, false, err
	}

	row, err := b.store.GetBaseRow(ctx, cfg.BaseRef(), recordID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load base row: %w", err)
	}

	doc := b.layerParent(ctx, cfg, recordID, row)

	// Custom-field and translation failures skip their layer; a document
	// without them is still worth indexing.
	values, err := b.store.GetFieldValues(ctx, entity, recordID, scope)
	if err != nil {
		b.warnLayer(entity, recordID, "custom fields", err)
	} else {
		layerCustomFields(doc, values)
	}

	translations, err := b.store.GetTranslations(ctx, entity, recordID)
	if err != nil {
		b.warnLayer(entity, recordID, "translations", err)
	} else {
		layerTranslations(doc, translations)
	}

	return b.encrypt(entity, recordID, doc), true, nil
}

// BuildBatch assembles documents for many records, batching the custom-field,
// parent and translation reads. Records whose base row is missing are absent
// from the result.
func (b *Builder) BuildBatch(ctx context.Context, entity types.EntityType, inputs []Input) (map[string]types.Doc, error) {
	cfg, err := b.reg.Resolve(entity)
	if err != nil {
		return nil, err
	}
	out := make(map[string]types.Doc, len(inputs))
	if len(inputs) == 0 {
		return out, nil
	}

	// Fetch any rows the caller did not scan.
	var missingIDs []string
	for _, in := range inputs {
		if in.Row == nil {
			missingIDs = append(missingIDs, in.RecordID)
		}
	}
	fetched := map[string]types.Doc{}
	if len(missingIDs) > 0 {
		if fetched, err = b.store.GetBaseRowsByIDs(ctx, cfg.BaseRef(), missingIDs); err != nil {
			return nil, fmt.Errorf("load base rows: %w", err)
		}
	}

	rows := make(map[string]types.Doc, len(inputs))
	ids := make([]string, 0, len(inputs))
	for _, in := range inputs {
		row := in.Row
		if row == nil {
			row = fetched[in.RecordID]
		}
		if row == nil {
			continue
		}
		rows[in.RecordID] = row
		ids = append(ids, in.RecordID)
	}
	if len(ids) == 0 {
		return out, nil
	}

	parents := b.fetchParents(ctx, cfg, rows)

	// Custom-field visibility depends on the record's scope, so batch one
	// query per distinct scope.
	valuesByRecord := make(map[string]map[string][]any, len(ids))
	for _, group := range groupByScope(inputs, rows) {
		batch, err := b.store.GetFieldValuesBatch(ctx, entity, group.ids, group.scope)
		if err != nil {
			b.warnLayer(entity, fmt.Sprintf("%d records", len(group.ids)), "custom fields", err)
			continue
		}
		for id, values := range batch {
			valuesByRecord[id] = values
		}
	}

	translationsByRecord, err := b.store.GetTranslationsBatch(ctx, entity, ids)
	if err != nil {
		b.warnLayer(entity, fmt.Sprintf("%d records", len(ids)), "translations", err)
		translationsByRecord = nil
	}

	for _, in := range inputs {
		row, ok := rows[in.RecordID]
		if !ok {
			continue
		}
		doc := composeBase(cfg, row, parents)
		layerCustomFields(doc, valuesByRecord[in.RecordID])
		layerTranslations(doc, translationsByRecord[in.RecordID])
		out[in.RecordID] = b.encrypt(entity, in.RecordID, doc)
	}
	return out, nil
}

// layerParent merges the composite parent underneath the record's own
// columns for single builds.
func (b *Builder) layerParent(ctx context.Context, cfg *registry.EntityConfig, recordID string, row types.Doc) types.Doc {
	if cfg.Parent == nil {
		return row.Clone()
	}
	parentID, _ := row.GetString(cfg.Parent.ForeignKeyColumn)
	if parentID == "" {
		return row.Clone()
	}
	parent, err := b.store.GetBaseRow(ctx, storage.BaseRef{Table: cfg.Parent.Table}, parentID)
	if errors.Is(err, storage.ErrNotFound) {
		return row.Clone()
	}
	if err != nil {
		b.warnLayer(cfg.EntityType, recordID, "parent row", err)
		return row.Clone()
	}
	doc := parent.Clone()
	doc.Merge(row)
	return doc
}

// fetchParents pre-loads every referenced parent row for a batch. Failures
// degrade to building without the parent layer.
func (b *Builder) fetchParents(ctx context.Context, cfg *registry.EntityConfig, rows map[string]types.Doc) map[string]types.Doc {
	if cfg.Parent == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var parentIDs []string
	for _, row := range rows {
		if id, _ := row.GetString(cfg.Parent.ForeignKeyColumn); id != "" {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				parentIDs = append(parentIDs, id)
			}
		}
	}
	if len(parentIDs) == 0 {
		return nil
	}
	parents, err := b.store.GetBaseRowsByIDs(ctx, storage.BaseRef{Table: cfg.Parent.Table}, parentIDs)
	if err != nil {
		b.warnLayer(cfg.EntityType, fmt.Sprintf("%d parents", len(parentIDs)), "parent rows", err)
		return nil
	}
	return parents
}

func composeBase(cfg *registry.EntityConfig, row types.Doc, parents map[string]types.Doc) types.Doc {
	if cfg.Parent == nil {
		return row.Clone()
	}
	parentID, _ := row.GetString(cfg.Parent.ForeignKeyColumn)
	parent, ok := parents[parentID]
	if !ok {
		return row.Clone()
	}
	doc := parent.Clone()
	doc.Merge(row)
	return doc
}

// layerCustomFields adds cf:<key> entries: one value stays scalar, several
// become an ordered array.
func layerCustomFields(doc types.Doc, values map[string][]any) {
	for key, list := range values {
		switch len(list) {
		case 0:
		case 1:
			doc[types.CFPrefix+key] = list[0]
		default:
			doc[types.CFPrefix+key] = append([]any(nil), list...)
		}
	}
}

// layerTranslations adds l10n:<locale>:<field> entries.
func layerTranslations(doc types.Doc, translations []types.Translation) {
	for _, t := range translations {
		doc[types.L10nPrefix+t.Locale+":"+t.Field] = t.Value
	}
}

// encrypt applies the optional storage-encrypt hook. A failing hook keeps
// the plaintext document so indexing stays available without the encryption
// service.
func (b *Builder) encrypt(entity types.EntityType, recordID string, doc types.Doc) types.Doc {
	if b.hooks.EncryptDoc == nil {
		return doc
	}
	encrypted, err := b.hooks.EncryptDoc(entity, recordID, doc)
	if err != nil {
		b.logger.Warn("encrypt hook failed, storing plaintext",
			zap.String("entity", string(entity)),
			zap.String("record", recordID),
			zap.Error(err))
		return doc
	}
	return encrypted
}

func (b *Builder) warnLayer(entity types.EntityType, what, layer string, err error) {
	b.logger.Warn("document layer skipped",
		zap.String("entity", string(entity)),
		zap.String("record", what),
		zap.String("layer", layer),
		zap.Error(err))
}

// scopeGroup is one batch of record ids sharing a custom-field scope.
type scopeGroup struct {
	scope types.Scope
	ids   []string
}

func groupByScope(inputs []Input, rows map[string]types.Doc) []scopeGroup {
	index := make(map[string]int)
	var groups []scopeGroup
	for _, in := range inputs {
		if _, ok := rows[in.RecordID]; !ok {
			continue
		}
		key := in.Scope.Key()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, scopeGroup{scope: in.Scope})
		}
		groups[i].ids = append(groups[i].ids, in.RecordID)
	}
	return groups
}
