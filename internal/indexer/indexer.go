// Package indexer writes index rows and search tokens for single records and
// batches. It sits between the event handlers / reindexer and the store: the
// document builder assembles what to write, the indexer decides row life
// cycle and reports the transition flags the coverage accountant consumes.
package indexer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/open-mercato/queryindex/internal/docbuilder"
	"github.com/open-mercato/queryindex/internal/registry"
	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/tokens"
	"github.com/open-mercato/queryindex/internal/types"
)

// Indexer maintains entity_indexes and search_tokens for one registry.
type Indexer struct {
	store   storage.Store
	reg     *registry.Registry
	builder *docbuilder.Builder
	tokens  *tokens.Extractor
	hooks   types.EncryptionHooks
	logger  *zap.Logger
}

// New wires an indexer. The encryption hooks are the same pair handed to the
// document builder; DecryptDoc feeds token extraction.
func New(store storage.Store, reg *registry.Registry, builder *docbuilder.Builder, extractor *tokens.Extractor, hooks types.EncryptionHooks, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		store:   store,
		reg:     reg,
		builder: builder,
		tokens:  extractor,
		hooks:   hooks,
		logger:  logger.Named("indexer"),
	}
}

// UpsertRecord rebuilds and writes the index row for one record. When the
// base row is gone the index row and its tokens are removed instead; the
// returned flags describe the transition either way.
func (ix *Indexer) UpsertRecord(ctx context.Context, entity types.EntityType, recordID string, scope types.Scope) (types.UpsertResult, error) {
	if err := scope.Validate(); err != nil {
		return types.UpsertResult{}, fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}

	doc, found, err := ix.builder.Build(ctx, entity, recordID, scope)
	if err != nil {
		return types.UpsertResult{}, err
	}
	if !found {
		del, err := ix.store.DeleteIndexRow(ctx, entity, recordID, scope.OrgKey())
		if err != nil {
			return types.UpsertResult{}, err
		}
		return types.UpsertResult{Existed: del.Existed, WasDeleted: del.WasDeleted}, nil
	}

	res, err := ix.store.UpsertIndexRow(ctx, entity, recordID, scope, doc)
	if err != nil {
		return types.UpsertResult{}, err
	}

	// Token drift is repaired by the next write or reindex; the row itself
	// is already committed.
	if err := ix.tokens.ReplaceForRecord(ctx, entity, recordID, scope, ix.searchable(entity, recordID, doc)); err != nil {
		ix.logger.Warn("token replacement failed",
			zap.String("entity", string(entity)),
			zap.String("record", recordID),
			zap.Error(err))
	}
	return res, nil
}

// MarkDeleted physically removes the record's index row and tokens. WasActive
// tells the accountant whether the indexed count shrank.
func (ix *Indexer) MarkDeleted(ctx context.Context, entity types.EntityType, recordID string, scope types.Scope) (types.DeleteResult, error) {
	if err := scope.Validate(); err != nil {
		return types.DeleteResult{}, fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}
	return ix.store.DeleteIndexRow(ctx, entity, recordID, scope.OrgKey())
}

// searchable returns the document token extraction should read. The stored
// document may be encrypted; the decrypt hook failing falls back to the
// stored form.
func (ix *Indexer) searchable(entity types.EntityType, recordID string, doc types.Doc) types.Doc {
	if ix.hooks.DecryptDoc == nil {
		return doc
	}
	decrypted, err := ix.hooks.DecryptDoc(entity, recordID, doc)
	if err != nil {
		ix.logger.Warn("decrypt hook failed, tokenizing stored document",
			zap.String("entity", string(entity)),
			zap.String("record", recordID),
			zap.Error(err))
		return doc
	}
	return decrypted
}
