package indexer

import (
	"context"

	"go.uber.org/zap"

	"github.com/open-mercato/queryindex/internal/docbuilder"
	"github.com/open-mercato/queryindex/internal/registry"
	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/tokens"
	"github.com/open-mercato/queryindex/internal/types"
)

// ScopeOverride forces parts of the effective scope for a whole batch. A nil
// field defers to the registry's organization deriver and then to the row's
// own tenant_id / organization_id columns.
type ScopeOverride struct {
	TenantID       *string
	OrganizationID *string
}

// BatchUpsert builds and writes index rows for a chunk of base records in
// one statement (or one transaction on the fallback path). Rows whose
// effective scope cannot be resolved are skipped with a warning rather than
// failing the chunk. Returns the number of rows written.
func (ix *Indexer) BatchUpsert(ctx context.Context, entity types.EntityType, records []storage.BaseRecord, override ScopeOverride) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	cfg, err := ix.reg.Resolve(entity)
	if err != nil {
		return 0, err
	}

	inputs := make([]docbuilder.Input, 0, len(records))
	for _, rec := range records {
		scope, err := ix.effectiveScope(cfg, rec.Row, override)
		if err != nil {
			ix.logger.Warn("skipping row without resolvable scope",
				zap.String("entity", string(entity)),
				zap.String("record", rec.ID),
				zap.Error(err))
			continue
		}
		inputs = append(inputs, docbuilder.Input{RecordID: rec.ID, Scope: scope, Row: rec.Row})
	}
	if len(inputs) == 0 {
		return 0, nil
	}

	docs, err := ix.builder.BuildBatch(ctx, entity, inputs)
	if err != nil {
		return 0, err
	}

	upserts := make([]storage.IndexUpsert, 0, len(docs))
	tokenRecs := make([]tokens.RecordDoc, 0, len(docs))
	for _, in := range inputs {
		doc, ok := docs[in.RecordID]
		if !ok {
			continue
		}
		upserts = append(upserts, storage.IndexUpsert{RecordID: in.RecordID, Scope: in.Scope, Doc: doc})
		tokenRecs = append(tokenRecs, tokens.RecordDoc{
			RecordID: in.RecordID,
			Scope:    in.Scope,
			Doc:      ix.searchable(entity, in.RecordID, doc),
		})
	}
	if len(upserts) == 0 {
		return 0, nil
	}

	written, err := ix.store.UpsertIndexRows(ctx, entity, upserts)
	if err != nil {
		return 0, err
	}
	if err := ix.tokens.ReplaceForBatch(ctx, entity, tokenRecs); err != nil {
		ix.logger.Warn("batch token replacement failed",
			zap.String("entity", string(entity)),
			zap.Int("records", len(tokenRecs)),
			zap.Error(err))
	}
	return written, nil
}

// ResolveScope computes the effective scope for one base row under an
// override, the same resolution BatchUpsert applies per row. The reindexer
// uses it to bucket chunk rows for coverage deltas.
func (ix *Indexer) ResolveScope(entity types.EntityType, row types.Doc, override ScopeOverride) (types.Scope, error) {
	cfg, err := ix.reg.Resolve(entity)
	if err != nil {
		return types.Scope{}, err
	}
	return ix.effectiveScope(cfg, row, override)
}

// effectiveScope resolves a row's tenant and organization: override first,
// then the registry deriver for the organization, then the row columns.
func (ix *Indexer) effectiveScope(cfg *registry.EntityConfig, row types.Doc, override ScopeOverride) (types.Scope, error) {
	var scope types.Scope
	if override.TenantID != nil {
		scope.TenantID = *override.TenantID
	} else {
		scope.TenantID, _ = row.GetString("tenant_id")
	}

	switch {
	case override.OrganizationID != nil:
		scope.OrganizationID = override.OrganizationID
	case cfg.DeriveOrganization != nil:
		scope.OrganizationID = cfg.DeriveOrganization(row)
	default:
		if org, ok := row.GetString("organization_id"); ok && org != "" {
			scope.OrganizationID = &org
		}
	}

	if err := scope.Validate(); err != nil {
		return types.Scope{}, err
	}
	return scope, nil
}
