package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

const storeScopeName = "github.com/open-mercato/queryindex/internal/storage"

// InstrumentedStore wraps storage.Store with OTel tracing and metrics.
// Every method gets a span and is counted in qx.store.* metrics; the
// index-row, chunk-scan and coverage writes additionally feed the qx.index.*,
// qx.reindex.* and qx.coverage.* domain counters.
// Use WrapStore to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStore struct {
	inner  storage.Store
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter

	upserts   metric.Int64Counter
	deletes   metric.Int64Counter
	chunks    metric.Int64Counter
	refreshes metric.Int64Counter
}

// WrapStore returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStore(s storage.Store) storage.Store {
	if !Enabled() {
		return s
	}
	m := Meter(storeScopeName)
	ops, _ := m.Int64Counter("qx.store.operations",
		metric.WithDescription("Total store operations executed"),
	)
	dur, _ := m.Float64Histogram("qx.store.operation.duration",
		metric.WithDescription("Store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("qx.store.errors",
		metric.WithDescription("Total store operation errors"),
	)
	upserts, _ := m.Int64Counter("qx.index.upserts",
		metric.WithDescription("Index rows written"),
	)
	deletes, _ := m.Int64Counter("qx.index.deletes",
		metric.WithDescription("Index rows removed or soft-deleted"),
	)
	chunks, _ := m.Int64Counter("qx.reindex.chunks",
		metric.WithDescription("Base-table chunks scanned during reindex"),
	)
	refreshes, _ := m.Int64Counter("qx.coverage.refreshes",
		metric.WithDescription("Coverage snapshots written"),
	)
	return &InstrumentedStore{
		inner:     s,
		tracer:    Tracer(storeScopeName),
		ops:       ops,
		dur:       dur,
		errs:      errs,
		upserts:   upserts,
		deletes:   deletes,
		chunks:    chunks,
		refreshes: refreshes,
	}
}

var _ storage.Store = (*InstrumentedStore)(nil)

// op starts a span and records a metric for the named store operation.
func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "store."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func entityAttr(entity types.EntityType) attribute.KeyValue {
	return attribute.String("qx.entity", string(entity))
}

// ── Index rows ──────────────────────────────────────────────────────────────

func (s *InstrumentedStore) GetIndexRow(ctx context.Context, entity types.EntityType, recordID, orgKey string) (*types.IndexRow, error) {
	attrs := []attribute.KeyValue{entityAttr(entity), attribute.String("qx.record.id", recordID)}
	ctx, span, t := s.op(ctx, "GetIndexRow", attrs...)
	v, err := s.inner.GetIndexRow(ctx, entity, recordID, orgKey)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) UpsertIndexRow(ctx context.Context, entity types.EntityType, recordID string, scope types.Scope, doc types.Doc) (types.UpsertResult, error) {
	attrs := []attribute.KeyValue{entityAttr(entity), attribute.String("qx.record.id", recordID)}
	ctx, span, t := s.op(ctx, "UpsertIndexRow", attrs...)
	res, err := s.inner.UpsertIndexRow(ctx, entity, recordID, scope, doc)
	if err == nil {
		s.upserts.Add(ctx, 1, metric.WithAttributes(entityAttr(entity)))
	}
	s.done(ctx, span, t, err, attrs...)
	return res, err
}

func (s *InstrumentedStore) UpsertIndexRows(ctx context.Context, entity types.EntityType, rows []storage.IndexUpsert) (int, error) {
	attrs := []attribute.KeyValue{entityAttr(entity), attribute.Int("qx.row.count", len(rows))}
	ctx, span, t := s.op(ctx, "UpsertIndexRows", attrs...)
	n, err := s.inner.UpsertIndexRows(ctx, entity, rows)
	if err == nil && n > 0 {
		s.upserts.Add(ctx, int64(n), metric.WithAttributes(entityAttr(entity)))
	}
	s.done(ctx, span, t, err, attrs...)
	return n, err
}

func (s *InstrumentedStore) DeleteIndexRow(ctx context.Context, entity types.EntityType, recordID, orgKey string) (types.DeleteResult, error) {
	attrs := []attribute.KeyValue{entityAttr(entity), attribute.String("qx.record.id", recordID)}
	ctx, span, t := s.op(ctx, "DeleteIndexRow", attrs...)
	res, err := s.inner.DeleteIndexRow(ctx, entity, recordID, orgKey)
	if err == nil && res.Existed {
		s.deletes.Add(ctx, 1, metric.WithAttributes(entityAttr(entity)))
	}
	s.done(ctx, span, t, err, attrs...)
	return res, err
}

func (s *InstrumentedStore) CountIndexRows(ctx context.Context, entity types.EntityType, scope types.Scope) (int64, error) {
	attrs := []attribute.KeyValue{entityAttr(entity)}
	ctx, span, t := s.op(ctx, "CountIndexRows", attrs...)
	v, err := s.inner.CountIndexRows(ctx, entity, scope)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) CountIndexRowsInScope(ctx context.Context, entity types.EntityType, tenantID, organizationID *string) (int64, error) {
	attrs := []attribute.KeyValue{entityAttr(entity)}
	ctx, span, t := s.op(ctx, "CountIndexRowsInScope", attrs...)
	v, err := s.inner.CountIndexRowsInScope(ctx, entity, tenantID, organizationID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) HasIndexRows(ctx context.Context, entity types.EntityType, tenantID string) (bool, error) {
	attrs := []attribute.KeyValue{entityAttr(entity), attribute.String("qx.tenant", tenantID)}
	ctx, span, t := s.op(ctx, "HasIndexRows", attrs...)
	v, err := s.inner.HasIndexRows(ctx, entity, tenantID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) DeleteIndexRowsInScope(ctx context.Context, entity types.EntityType, tenantID, organizationID *string) (int64, error) {
	attrs := []attribute.KeyValue{entityAttr(entity)}
	ctx, span, t := s.op(ctx, "DeleteIndexRowsInScope", attrs...)
	n, err := s.inner.DeleteIndexRowsInScope(ctx, entity, tenantID, organizationID)
	if err == nil && n > 0 {
		s.deletes.Add(ctx, n, metric.WithAttributes(entityAttr(entity)))
	}
	s.done(ctx, span, t, err, attrs...)
	return n, err
}

func (s *InstrumentedStore) SoftDeleteIndexRowsInScope(ctx context.Context, entity types.EntityType, tenantID, organizationID *string) (int64, error) {
	attrs := []attribute.KeyValue{entityAttr(entity)}
	ctx, span, t := s.op(ctx, "SoftDeleteIndexRowsInScope", attrs...)
	n, err := s.inner.SoftDeleteIndexRowsInScope(ctx, entity, tenantID, organizationID)
	if err == nil && n > 0 {
		s.deletes.Add(ctx, n, metric.WithAttributes(entityAttr(entity)))
	}
	s.done(ctx, span, t, err, attrs...)
	return n, err
}

func (s *InstrumentedStore) DeleteOrphanIndexRows(ctx context.Context, entity types.EntityType, base storage.BaseRef, scope storage.OrphanScope, olderThan time.Time) (int64, error) {
	attrs := []attribute.KeyValue{entityAttr(entity)}
	ctx, span, t := s.op(ctx, "DeleteOrphanIndexRows", attrs...)
	n, err := s.inner.DeleteOrphanIndexRows(ctx, entity, base, scope, olderThan)
	if err == nil {
		span.SetAttributes(attribute.Int64("qx.orphan.count", n))
		if n > 0 {
			s.deletes.Add(ctx, n, metric.WithAttributes(entityAttr(entity)))
		}
	}
	s.done(ctx, span, t, err, attrs...)
	return n, err
}

// ── Search tokens ───────────────────────────────────────────────────────────

func (s *InstrumentedStore) ReplaceTokens(ctx context.Context, entity types.EntityType, batch []storage.TokenReplacement) error {
	attrs := []attribute.KeyValue{entityAttr(entity), attribute.Int("qx.record.count", len(batch))}
	ctx, span, t := s.op(ctx, "ReplaceTokens", attrs...)
	err := s.inner.ReplaceTokens(ctx, entity, batch)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Coverage ────────────────────────────────────────────────────────────────

func (s *InstrumentedStore) GetCoverage(ctx context.Context, entity types.EntityType, scope types.Scope) (*types.CoverageRow, error) {
	attrs := []attribute.KeyValue{entityAttr(entity), attribute.String("qx.tenant", scope.TenantID)}
	ctx, span, t := s.op(ctx, "GetCoverage", attrs...)
	v, err := s.inner.GetCoverage(ctx, entity, scope)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) WriteCoverage(ctx context.Context, entity types.EntityType, scope types.Scope, counts types.CoverageCounts) error {
	attrs := []attribute.KeyValue{entityAttr(entity), attribute.String("qx.tenant", scope.TenantID)}
	ctx, span, t := s.op(ctx, "WriteCoverage", attrs...)
	err := s.inner.WriteCoverage(ctx, entity, scope, counts)
	if err == nil {
		s.refreshes.Add(ctx, 1, metric.WithAttributes(entityAttr(entity)))
	}
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) AdjustCoverage(ctx context.Context, adjustments []types.CoverageAdjustment) error {
	attrs := []attribute.KeyValue{attribute.Int("qx.adjustment.count", len(adjustments))}
	ctx, span, t := s.op(ctx, "AdjustCoverage", attrs...)
	err := s.inner.AdjustCoverage(ctx, adjustments)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Job ledger ──────────────────────────────────────────────────────────────

func jobAttrs(scope types.JobScope) []attribute.KeyValue {
	attrs := []attribute.KeyValue{entityAttr(scope.EntityType)}
	if scope.PartitionIndex != nil {
		attrs = append(attrs, attribute.Int("qx.partition", *scope.PartitionIndex))
	}
	return attrs
}

func (s *InstrumentedStore) PrepareJob(ctx context.Context, scope types.JobScope, status types.JobStatus, totalCount int64) (*types.IndexJob, error) {
	attrs := append(jobAttrs(scope), attribute.String("qx.job.status", string(status)))
	ctx, span, t := s.op(ctx, "PrepareJob", attrs...)
	v, err := s.inner.PrepareJob(ctx, scope, status, totalCount)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) UpdateJobProgress(ctx context.Context, scope types.JobScope, delta int64) error {
	attrs := jobAttrs(scope)
	ctx, span, t := s.op(ctx, "UpdateJobProgress", attrs...)
	err := s.inner.UpdateJobProgress(ctx, scope, delta)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) FinalizeJob(ctx context.Context, scope types.JobScope) error {
	attrs := jobAttrs(scope)
	ctx, span, t := s.op(ctx, "FinalizeJob", attrs...)
	err := s.inner.FinalizeJob(ctx, scope)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) GetActiveJob(ctx context.Context, scope types.JobScope) (*types.IndexJob, error) {
	attrs := jobAttrs(scope)
	ctx, span, t := s.op(ctx, "GetActiveJob", attrs...)
	v, err := s.inner.GetActiveJob(ctx, scope)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ListJobs(ctx context.Context, entity types.EntityType, tenantID *string) ([]types.IndexJob, error) {
	attrs := []attribute.KeyValue{entityAttr(entity)}
	ctx, span, t := s.op(ctx, "ListJobs", attrs...)
	v, err := s.inner.ListJobs(ctx, entity, tenantID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Base tables ─────────────────────────────────────────────────────────────

func (s *InstrumentedStore) TableExists(ctx context.Context, table string) (bool, error) {
	attrs := []attribute.KeyValue{attribute.String("qx.table", table)}
	ctx, span, t := s.op(ctx, "TableExists", attrs...)
	v, err := s.inner.TableExists(ctx, table)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	attrs := []attribute.KeyValue{attribute.String("qx.table", table), attribute.String("qx.column", column)}
	ctx, span, t := s.op(ctx, "ColumnExists", attrs...)
	v, err := s.inner.ColumnExists(ctx, table, column)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) GetBaseRow(ctx context.Context, base storage.BaseRef, recordID string) (types.Doc, error) {
	attrs := []attribute.KeyValue{attribute.String("qx.table", base.Table), attribute.String("qx.record.id", recordID)}
	ctx, span, t := s.op(ctx, "GetBaseRow", attrs...)
	v, err := s.inner.GetBaseRow(ctx, base, recordID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) GetBaseRowsByIDs(ctx context.Context, base storage.BaseRef, ids []string) (map[string]types.Doc, error) {
	attrs := []attribute.KeyValue{attribute.String("qx.table", base.Table), attribute.Int("qx.record.count", len(ids))}
	ctx, span, t := s.op(ctx, "GetBaseRowsByIDs", attrs...)
	v, err := s.inner.GetBaseRowsByIDs(ctx, base, ids)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) CountBaseRows(ctx context.Context, base storage.BaseRef, scope storage.BaseScope) (int64, error) {
	attrs := []attribute.KeyValue{attribute.String("qx.table", base.Table)}
	ctx, span, t := s.op(ctx, "CountBaseRows", attrs...)
	v, err := s.inner.CountBaseRows(ctx, base, scope)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) CountBaseBuckets(ctx context.Context, base storage.BaseRef, scope storage.BaseScope) ([]storage.BaseBucket, error) {
	attrs := []attribute.KeyValue{attribute.String("qx.table", base.Table)}
	ctx, span, t := s.op(ctx, "CountBaseBuckets", attrs...)
	v, err := s.inner.CountBaseBuckets(ctx, base, scope)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ScanBaseChunk(ctx context.Context, base storage.BaseRef, scope storage.BaseScope, afterID string, limit int) ([]storage.BaseRecord, error) {
	attrs := []attribute.KeyValue{attribute.String("qx.table", base.Table), attribute.Int("qx.chunk.limit", limit)}
	ctx, span, t := s.op(ctx, "ScanBaseChunk", attrs...)
	v, err := s.inner.ScanBaseChunk(ctx, base, scope, afterID, limit)
	if err == nil {
		span.SetAttributes(attribute.Int("qx.chunk.size", len(v)))
		s.chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("qx.table", base.Table)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Custom fields ───────────────────────────────────────────────────────────

func (s *InstrumentedStore) ListActiveFieldKeys(ctx context.Context, entities []types.EntityType, scope types.Scope) ([]string, error) {
	attrs := []attribute.KeyValue{attribute.Int("qx.entity.count", len(entities)), attribute.String("qx.tenant", scope.TenantID)}
	ctx, span, t := s.op(ctx, "ListActiveFieldKeys", attrs...)
	v, err := s.inner.ListActiveFieldKeys(ctx, entities, scope)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) HasActiveFieldDefs(ctx context.Context, entity types.EntityType, scope types.Scope) (bool, error) {
	attrs := []attribute.KeyValue{entityAttr(entity), attribute.String("qx.tenant", scope.TenantID)}
	ctx, span, t := s.op(ctx, "HasActiveFieldDefs", attrs...)
	v, err := s.inner.HasActiveFieldDefs(ctx, entity, scope)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) GetFieldValues(ctx context.Context, entity types.EntityType, recordID string, scope types.Scope) (map[string][]any, error) {
	attrs := []attribute.KeyValue{entityAttr(entity), attribute.String("qx.record.id", recordID)}
	ctx, span, t := s.op(ctx, "GetFieldValues", attrs...)
	v, err := s.inner.GetFieldValues(ctx, entity, recordID, scope)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) GetFieldValuesBatch(ctx context.Context, entity types.EntityType, recordIDs []string, scope types.Scope) (map[string]map[string][]any, error) {
	attrs := []attribute.KeyValue{entityAttr(entity), attribute.Int("qx.record.count", len(recordIDs))}
	ctx, span, t := s.op(ctx, "GetFieldValuesBatch", attrs...)
	v, err := s.inner.GetFieldValuesBatch(ctx, entity, recordIDs, scope)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Translations ────────────────────────────────────────────────────────────

func (s *InstrumentedStore) GetTranslations(ctx context.Context, entity types.EntityType, recordID string) ([]types.Translation, error) {
	attrs := []attribute.KeyValue{entityAttr(entity), attribute.String("qx.record.id", recordID)}
	ctx, span, t := s.op(ctx, "GetTranslations", attrs...)
	v, err := s.inner.GetTranslations(ctx, entity, recordID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) GetTranslationsBatch(ctx context.Context, entity types.EntityType, recordIDs []string) (map[string][]types.Translation, error) {
	attrs := []attribute.KeyValue{entityAttr(entity), attribute.Int("qx.record.count", len(recordIDs))}
	ctx, span, t := s.op(ctx, "GetTranslationsBatch", attrs...)
	v, err := s.inner.GetTranslationsBatch(ctx, entity, recordIDs)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Diagnostic logs ─────────────────────────────────────────────────────────

func (s *InstrumentedStore) RecordErrorLog(ctx context.Context, source, handler, message string, payload types.Doc) error {
	attrs := []attribute.KeyValue{attribute.String("qx.handler", handler)}
	ctx, span, t := s.op(ctx, "RecordErrorLog", attrs...)
	err := s.inner.RecordErrorLog(ctx, source, handler, message, payload)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) RecordStatusLog(ctx context.Context, source, handler, message string, payload types.Doc) error {
	attrs := []attribute.KeyValue{attribute.String("qx.handler", handler)}
	ctx, span, t := s.op(ctx, "RecordStatusLog", attrs...)
	err := s.inner.RecordStatusLog(ctx, source, handler, message, payload)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) ListErrorLogs(ctx context.Context, limit int) ([]types.LogEntry, error) {
	ctx, span, t := s.op(ctx, "ListErrorLogs")
	v, err := s.inner.ListErrorLogs(ctx, limit)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) ListStatusLogs(ctx context.Context, limit int) ([]types.LogEntry, error) {
	ctx, span, t := s.op(ctx, "ListStatusLogs")
	v, err := s.inner.ListStatusLogs(ctx, limit)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Passthrough ─────────────────────────────────────────────────────────────

// Querier hands out the raw connection; planner-built SQL is not wrapped.
func (s *InstrumentedStore) Querier() storage.Querier {
	return s.inner.Querier()
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
