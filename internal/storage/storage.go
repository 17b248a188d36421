// Package storage provides shared types for query-index storage.
//
// The concrete implementation lives in the postgres sub-package. This package
// holds the interface and value types referenced by both the implementation
// and its consumers (indexer, planner, reindexer, cmd/qx).
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/open-mercato/queryindex/internal/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidArgument is returned for malformed inputs before any side effect.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrJobActive is returned when a non-forced job would collide with an
// unfinished job on the same scope.
var ErrJobActive = errors.New("job already active for scope")

// Querier is the sqlx subset handed to SQL-building consumers (the query
// planner and the naive engine). The concrete store, a transaction, and
// sqlmock-backed fakes all satisfy it.
type Querier interface {
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
}

// Partition locates one slice of a hash-partitioned pass.
// A row belongs to partition mod(abs(hashtext(id::text)), Count).
type Partition struct {
	Index int
	Count int
}

// BaseRef names a base table and its primary-key column. The registry
// supplies both; IDColumn defaults to "id" there. Custom entities share one
// storage table: EntityFilter narrows rows to the entity and DocColumn names
// the jsonb column holding the record body instead of the row columns.
type BaseRef struct {
	Table        string
	IDColumn     string
	EntityFilter string
	DocColumn    string
}

// BaseScope restricts base-table reads. Nil fields mean "any". The store
// applies each clause only when the base table actually has the column.
type BaseScope struct {
	TenantID       *string
	OrganizationID *string
	IncludeDeleted bool
	Partition      *Partition
}

// BaseBucket is one grouped base count, keyed by the scope column values
// observed in the table. Nil keys appear when the column is absent or null.
type BaseBucket struct {
	TenantID       *string
	OrganizationID *string
	Count          int64
}

// BaseRecord is one scanned base row with every column, keyed by column name.
type BaseRecord struct {
	ID  string
	Row types.Doc
}

// IndexUpsert is one row of a batch upsert with its effective scope already
// resolved.
type IndexUpsert struct {
	RecordID string
	Scope    types.Scope
	Doc      types.Doc
}

// TokenReplacement swaps a record's search tokens inside one transaction.
// Only the (recordId, field) pairs named in Fields are replaced, so a partial
// document update leaves untouched fields alone. DeleteAll drops every token
// for the record at the scope instead, for empty documents.
type TokenReplacement struct {
	RecordID  string
	Scope     types.Scope
	Fields    []string
	Tokens    []types.SearchToken
	DeleteAll bool
}

// OrphanScope restricts the post-reindex orphan sweep.
type OrphanScope struct {
	TenantID       *string
	OrganizationID *string
	Partition      *Partition
}

// Store is the interface satisfied by *postgres.Store. Consumers depend on
// this interface rather than on the concrete type so fakes can be substituted
// in handler and aggregator tests.
type Store interface {
	// Index rows
	GetIndexRow(ctx context.Context, entity types.EntityType, recordID, orgKey string) (*types.IndexRow, error)
	UpsertIndexRow(ctx context.Context, entity types.EntityType, recordID string, scope types.Scope, doc types.Doc) (types.UpsertResult, error)
	UpsertIndexRows(ctx context.Context, entity types.EntityType, rows []IndexUpsert) (int, error)
	DeleteIndexRow(ctx context.Context, entity types.EntityType, recordID, orgKey string) (types.DeleteResult, error)
	CountIndexRows(ctx context.Context, entity types.EntityType, scope types.Scope) (int64, error)
	CountIndexRowsInScope(ctx context.Context, entity types.EntityType, tenantID, organizationID *string) (int64, error)
	HasIndexRows(ctx context.Context, entity types.EntityType, tenantID string) (bool, error)
	DeleteIndexRowsInScope(ctx context.Context, entity types.EntityType, tenantID, organizationID *string) (int64, error)
	SoftDeleteIndexRowsInScope(ctx context.Context, entity types.EntityType, tenantID, organizationID *string) (int64, error)
	DeleteOrphanIndexRows(ctx context.Context, entity types.EntityType, base BaseRef, scope OrphanScope, olderThan time.Time) (int64, error)

	// Search tokens
	ReplaceTokens(ctx context.Context, entity types.EntityType, batch []TokenReplacement) error

	// Coverage
	GetCoverage(ctx context.Context, entity types.EntityType, scope types.Scope) (*types.CoverageRow, error)
	WriteCoverage(ctx context.Context, entity types.EntityType, scope types.Scope, counts types.CoverageCounts) error
	AdjustCoverage(ctx context.Context, adjustments []types.CoverageAdjustment) error

	// Job ledger
	PrepareJob(ctx context.Context, scope types.JobScope, status types.JobStatus, totalCount int64) (*types.IndexJob, error)
	UpdateJobProgress(ctx context.Context, scope types.JobScope, delta int64) error
	FinalizeJob(ctx context.Context, scope types.JobScope) error
	GetActiveJob(ctx context.Context, scope types.JobScope) (*types.IndexJob, error)
	ListJobs(ctx context.Context, entity types.EntityType, tenantID *string) ([]types.IndexJob, error)

	// Base tables
	TableExists(ctx context.Context, table string) (bool, error)
	ColumnExists(ctx context.Context, table, column string) (bool, error)
	GetBaseRow(ctx context.Context, base BaseRef, recordID string) (types.Doc, error)
	GetBaseRowsByIDs(ctx context.Context, base BaseRef, ids []string) (map[string]types.Doc, error)
	CountBaseRows(ctx context.Context, base BaseRef, scope BaseScope) (int64, error)
	CountBaseBuckets(ctx context.Context, base BaseRef, scope BaseScope) ([]BaseBucket, error)
	ScanBaseChunk(ctx context.Context, base BaseRef, scope BaseScope, afterID string, limit int) ([]BaseRecord, error)

	// Custom fields
	ListActiveFieldKeys(ctx context.Context, entities []types.EntityType, scope types.Scope) ([]string, error)
	HasActiveFieldDefs(ctx context.Context, entity types.EntityType, scope types.Scope) (bool, error)
	GetFieldValues(ctx context.Context, entity types.EntityType, recordID string, scope types.Scope) (map[string][]any, error)
	GetFieldValuesBatch(ctx context.Context, entity types.EntityType, recordIDs []string, scope types.Scope) (map[string]map[string][]any, error)

	// Translations
	GetTranslations(ctx context.Context, entity types.EntityType, recordID string) ([]types.Translation, error)
	GetTranslationsBatch(ctx context.Context, entity types.EntityType, recordIDs []string) (map[string][]types.Translation, error)

	// Diagnostic logs
	RecordErrorLog(ctx context.Context, source, handler, message string, payload types.Doc) error
	RecordStatusLog(ctx context.Context, source, handler, message string, payload types.Doc) error
	ListErrorLogs(ctx context.Context, limit int) ([]types.LogEntry, error)
	ListStatusLogs(ctx context.Context, limit int) ([]types.LogEntry, error)

	// Querier exposes the raw connection for planner-built SQL.
	Querier() Querier

	// Lifecycle
	Close() error
}
