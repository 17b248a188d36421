// Package reindex rebuilds the index for a scope from the base tables.
//
// A pass scans ascending-id chunks, batch-upserts them, keeps the job ledger
// and coverage snapshots moving, sweeps orphans, and finishes with an
// authoritative recount. Passes can be hash-partitioned and run in parallel;
// each partition owns its own ledger row.
package reindex

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/open-mercato/queryindex/internal/coverage"
	"github.com/open-mercato/queryindex/internal/eventbus"
	"github.com/open-mercato/queryindex/internal/indexer"
	"github.com/open-mercato/queryindex/internal/registry"
	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
	"github.com/open-mercato/queryindex/internal/vector"
)

// Request describes one reindex pass.
type Request struct {
	EntityType     types.EntityType
	TenantID       *string
	OrganizationID *string

	// Force skips the active-job preflight and, with ResetCoverage, clears
	// existing rows physically.
	Force         bool
	ResetCoverage bool

	// BatchSize defaults to the configured chunk size.
	BatchSize int
	// PartitionCount/PartitionIndex slice the id space. Zero count means
	// unpartitioned.
	PartitionCount int
	PartitionIndex int

	// OnProgress, when set, observes (processed, total) after every chunk.
	OnProgress func(processed, total int64)
}

// Result summarizes a finished pass.
type Result struct {
	Processed int64
	Total     int64
	Orphans   int64
	// Skipped is true when an active job on the scope preempted the pass.
	Skipped bool
}

// Reindexer drives passes against one registry and store.
type Reindexer struct {
	store     storage.Store
	reg       *registry.Registry
	ix        *indexer.Indexer
	coverage  *coverage.Accountant
	bus       *eventbus.Bus
	vec       vector.Service
	logger    *zap.Logger
	batchSize int
	vectorize bool
}

// New wires a reindexer. bus may be nil (no vectorize events); vec may be
// vector.Noop.
func New(store storage.Store, reg *registry.Registry, ix *indexer.Indexer, acc *coverage.Accountant, bus *eventbus.Bus, vec vector.Service, batchSize int, vectorize bool, logger *zap.Logger) *Reindexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if vec == nil {
		vec = vector.Noop{}
	}
	if batchSize < 1 {
		batchSize = 500
	}
	return &Reindexer{
		store:     store,
		reg:       reg,
		ix:        ix,
		coverage:  acc,
		bus:       bus,
		vec:       vec,
		logger:    logger.Named("reindex"),
		batchSize: batchSize,
		vectorize: vectorize,
	}
}

// RunPartitioned executes one pass per partition concurrently and sums the
// results. partitions < 2 degrades to a single unpartitioned pass.
func (r *Reindexer) RunPartitioned(ctx context.Context, req Request, partitions int) (Result, error) {
	if partitions < 2 {
		return r.Run(ctx, req)
	}

	var processed, total, orphans atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < partitions; i++ {
		part := req
		part.PartitionCount = partitions
		part.PartitionIndex = i
		g.Go(func() error {
			res, err := r.Run(ctx, part)
			if err != nil {
				return err
			}
			processed.Add(res.Processed)
			total.Add(res.Total)
			orphans.Add(res.Orphans)
			return nil
		})
	}
	err := g.Wait()
	return Result{
		Processed: processed.Load(),
		Total:     total.Load(),
		Orphans:   orphans.Load(),
	}, err
}

// Run executes one pass for req's scope and partition.
func (r *Reindexer) Run(ctx context.Context, req Request) (Result, error) {
	if req.EntityType == "" {
		return Result{}, fmt.Errorf("%w: entity type required", storage.ErrInvalidArgument)
	}
	if req.PartitionCount > 1 && (req.PartitionIndex < 0 || req.PartitionIndex >= req.PartitionCount) {
		return Result{}, fmt.Errorf("%w: partition %d/%d", storage.ErrInvalidArgument, req.PartitionIndex, req.PartitionCount)
	}
	cfg, err := r.reg.Resolve(req.EntityType)
	if err != nil {
		return Result{}, err
	}

	jobScope := r.jobScope(req)

	if !req.Force {
		active, err := r.store.GetActiveJob(ctx, jobScope)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return Result{}, err
		}
		if active != nil {
			r.logger.Info("active job on scope, skipping",
				zap.String("entity", string(req.EntityType)),
				zap.Int64("job", active.ID))
			return Result{Skipped: true}, nil
		}
	}

	base := cfg.BaseRef()
	baseScope := storage.BaseScope{
		TenantID:       req.TenantID,
		OrganizationID: req.OrganizationID,
	}
	if req.PartitionCount > 1 {
		baseScope.Partition = &storage.Partition{Index: req.PartitionIndex, Count: req.PartitionCount}
	}

	buckets, total, err := r.countBuckets(ctx, req, base, baseScope)
	if err != nil {
		return Result{}, err
	}

	job, err := r.store.PrepareJob(ctx, jobScope, types.JobReindexing, total)
	if err != nil {
		return Result{}, err
	}
	jobStarted := job.StartedAt

	res := Result{Total: total}
	var runErr error
	defer func() {
		if err := r.store.FinalizeJob(context.WithoutCancel(ctx), jobScope); err != nil {
			r.logger.Warn("finalize job failed", zap.Error(err))
		}
	}()

	if req.ResetCoverage {
		if err := r.resetCoverage(ctx, req, buckets); err != nil {
			return res, err
		}
	}

	override := indexer.ScopeOverride{TenantID: req.TenantID, OrganizationID: req.OrganizationID}
	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		chunk, err := r.store.ScanBaseChunk(ctx, base, baseScope, afterID, r.chunkSize(req))
		if err != nil {
			runErr = err
			break
		}
		if len(chunk) == 0 {
			break
		}
		afterID = chunk[len(chunk)-1].ID

		written, err := r.ix.BatchUpsert(ctx, req.EntityType, chunk, override)
		if err != nil {
			runErr = err
			break
		}

		scoped := r.resolveChunk(req.EntityType, chunk, override)
		r.applyChunkDeltas(ctx, req.EntityType, scoped)
		r.vectorizeChunk(ctx, req.EntityType, scoped)

		if err := r.store.UpdateJobProgress(ctx, jobScope, int64(len(chunk))); err != nil {
			r.logger.Warn("job progress update failed", zap.Error(err))
		}
		res.Processed += int64(len(chunk))
		if req.OnProgress != nil {
			req.OnProgress(res.Processed, res.Total)
		}
		r.logger.Debug("chunk indexed",
			zap.String("entity", string(req.EntityType)),
			zap.Int("rows", len(chunk)),
			zap.Int("written", written),
			zap.Int64("processed", res.Processed))

		if len(chunk) < r.chunkSize(req) {
			break
		}
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			r.logger.Info("reindex pass cancelled",
				zap.String("entity", string(req.EntityType)),
				zap.Int64("processed", res.Processed))
		} else {
			r.logRunError(ctx, req, runErr)
		}
		return res, runErr
	}

	orphans, err := r.sweepOrphans(ctx, req, base, jobStarted)
	if err != nil {
		r.logRunError(ctx, req, err)
		return res, err
	}
	res.Orphans = orphans

	r.refreshBuckets(ctx, req, buckets)
	return res, nil
}

func (r *Reindexer) chunkSize(req Request) int {
	if req.BatchSize > 0 {
		return req.BatchSize
	}
	return r.batchSize
}

func (r *Reindexer) jobScope(req Request) types.JobScope {
	scope := types.JobScope{
		EntityType:     req.EntityType,
		OrganizationID: req.OrganizationID,
		TenantID:       req.TenantID,
	}
	if req.PartitionCount > 1 {
		idx, cnt := req.PartitionIndex, req.PartitionCount
		scope.PartitionIndex = &idx
		scope.PartitionCount = &cnt
	}
	return scope
}

// countBuckets sizes the pass. A fully pinned scope is one bucket; an "any
// tenant/org" pass is grouped per observed scope value so every coverage
// bucket the pass will touch is known up front.
func (r *Reindexer) countBuckets(ctx context.Context, req Request, base storage.BaseRef, baseScope storage.BaseScope) ([]storage.BaseBucket, int64, error) {
	if req.TenantID != nil && req.OrganizationID != nil {
		count, err := r.store.CountBaseRows(ctx, base, baseScope)
		if err != nil {
			return nil, 0, err
		}
		return []storage.BaseBucket{{TenantID: req.TenantID, OrganizationID: req.OrganizationID, Count: count}}, count, nil
	}

	buckets, err := r.store.CountBaseBuckets(ctx, base, baseScope)
	if err != nil {
		return nil, 0, err
	}
	var total int64
	for i := range buckets {
		// Pinned request fields win over observed column values.
		if req.TenantID != nil {
			buckets[i].TenantID = req.TenantID
		}
		if req.OrganizationID != nil {
			buckets[i].OrganizationID = req.OrganizationID
		}
		total += buckets[i].Count
	}
	return buckets, total, nil
}

// resetCoverage zeroes the snapshots the pass will rebuild. Forced passes
// also clear the indexed rows physically and tell the vector service to drop
// the scope.
func (r *Reindexer) resetCoverage(ctx context.Context, req Request, buckets []storage.BaseBucket) error {
	if req.Force {
		removed, err := r.store.DeleteIndexRowsInScope(ctx, req.EntityType, req.TenantID, req.OrganizationID)
		if err != nil {
			return err
		}
		r.logger.Info("cleared indexed rows for forced reindex",
			zap.String("entity", string(req.EntityType)),
			zap.Int64("removed", removed))
		if r.vectorize && r.bus != nil {
			payload := types.VectorizePurgePayload{
				EntityType:     req.EntityType,
				OrganizationID: req.OrganizationID,
				TenantID:       req.TenantID,
			}
			if err := r.bus.Emit(ctx, types.EventVectorizePurge, payload, eventbus.EmitOptions{}); err != nil {
				r.logger.Warn("vectorize purge emit failed", zap.Error(err))
			}
		}
	}

	for _, scope := range r.bucketScopes(req, buckets) {
		if _, err := r.coverage.ResetSnapshot(ctx, req.EntityType, scope, req.Force); err != nil {
			r.logger.Warn("coverage reset failed",
				zap.String("scope", scope.Key()),
				zap.Error(err))
		}
	}
	return nil
}

// scopedRecord pairs a scanned row with its resolved coverage scope.
type scopedRecord struct {
	id    string
	scope types.Scope
}

// resolveChunk computes each row's effective scope once; rows BatchUpsert
// skipped for lack of scope drop out here the same way.
func (r *Reindexer) resolveChunk(entity types.EntityType, chunk []storage.BaseRecord, override indexer.ScopeOverride) []scopedRecord {
	out := make([]scopedRecord, 0, len(chunk))
	for _, rec := range chunk {
		scope, err := r.ix.ResolveScope(entity, rec.Row, override)
		if err != nil {
			continue
		}
		out = append(out, scopedRecord{id: rec.ID, scope: scope})
	}
	return out
}

// applyChunkDeltas bumps indexed counts per coverage scope touched by the
// chunk. The final refresh replaces these with authoritative values; the
// deltas keep planner decisions honest mid-pass.
func (r *Reindexer) applyChunkDeltas(ctx context.Context, entity types.EntityType, scoped []scopedRecord) {
	perScope := make(map[string]*types.CoverageAdjustment)
	var order []string
	for _, rec := range scoped {
		key := rec.scope.Key()
		adj, ok := perScope[key]
		if !ok {
			adj = &types.CoverageAdjustment{EntityType: entity, Scope: rec.scope}
			perScope[key] = adj
			order = append(order, key)
		}
		adj.IndexDelta++
	}

	adjustments := make([]types.CoverageAdjustment, 0, len(order))
	for _, key := range order {
		adjustments = append(adjustments, *perScope[key])
	}
	if len(adjustments) == 0 {
		return
	}
	if err := r.coverage.ApplyAdjustments(ctx, adjustments); err != nil {
		r.logger.Warn("coverage delta failed", zap.Error(err))
	}
}

// vectorizeChunk emits one best-effort vectorize event per row.
func (r *Reindexer) vectorizeChunk(ctx context.Context, entity types.EntityType, scoped []scopedRecord) {
	if !r.vectorize || r.bus == nil {
		return
	}
	for _, rec := range scoped {
		tenant := rec.scope.TenantID
		payload := types.VectorizeOnePayload{
			EntityType:     entity,
			RecordID:       rec.id,
			OrganizationID: rec.scope.OrganizationID,
			TenantID:       &tenant,
		}
		if err := r.bus.Emit(ctx, types.EventVectorizeOne, payload, eventbus.EmitOptions{}); err != nil {
			r.logger.Warn("vectorize emit failed", zap.String("record", rec.id), zap.Error(err))
		}
	}
}

// sweepOrphans removes indexed rows the pass never touched: base row gone or
// updated_at older than the job start. The vector service prunes its side on
// the same clock.
func (r *Reindexer) sweepOrphans(ctx context.Context, req Request, base storage.BaseRef, jobStarted time.Time) (int64, error) {
	scope := storage.OrphanScope{TenantID: req.TenantID, OrganizationID: req.OrganizationID}
	if req.PartitionCount > 1 {
		scope.Partition = &storage.Partition{Index: req.PartitionIndex, Count: req.PartitionCount}
	}
	removed, err := r.store.DeleteOrphanIndexRows(ctx, req.EntityType, base, scope, jobStarted)
	if err != nil {
		return 0, err
	}

	if pruned, err := r.vec.RemoveOrphans(ctx, req.EntityType, req.TenantID, jobStarted); err == nil {
		if pruned > 0 {
			r.logger.Info("vector orphans pruned", zap.Int64("pruned", pruned))
		}
	} else if !errors.Is(err, vector.ErrDisabled) {
		r.logger.Warn("vector orphan prune failed", zap.Error(err))
	}
	return removed, nil
}

// refreshBuckets recounts every coverage scope the pass touched.
func (r *Reindexer) refreshBuckets(ctx context.Context, req Request, buckets []storage.BaseBucket) {
	for _, scope := range r.bucketScopes(req, buckets) {
		if _, err := r.coverage.RefreshSnapshot(ctx, req.EntityType, scope); err != nil {
			r.logger.Warn("coverage refresh failed",
				zap.String("scope", scope.Key()),
				zap.Error(err))
		}
	}
}

// bucketScopes maps count buckets to coverage scopes, dropping tenantless
// buckets (coverage rows require a tenant) and de-duplicating. The pass's
// own scope is included so the tenant-wide row refreshes alongside per-org
// buckets.
func (r *Reindexer) bucketScopes(req Request, buckets []storage.BaseBucket) []types.Scope {
	seen := make(map[string]struct{})
	var scopes []types.Scope
	add := func(scope types.Scope) {
		if scope.TenantID == "" {
			return
		}
		if _, dup := seen[scope.Key()]; dup {
			return
		}
		seen[scope.Key()] = struct{}{}
		scopes = append(scopes, scope)
	}

	for _, b := range buckets {
		scope := types.Scope{OrganizationID: b.OrganizationID}
		if b.TenantID != nil {
			scope.TenantID = *b.TenantID
		}
		add(scope)
	}
	if req.TenantID != nil {
		add(types.Scope{TenantID: *req.TenantID, OrganizationID: req.OrganizationID})
	}
	return scopes
}

func (r *Reindexer) logRunError(ctx context.Context, req Request, err error) {
	r.logger.Error("reindex pass failed",
		zap.String("entity", string(req.EntityType)),
		zap.Error(err))
	payload := types.Doc{"entityType": string(req.EntityType)}
	if req.TenantID != nil {
		payload["tenantId"] = *req.TenantID
	}
	if logErr := r.store.RecordErrorLog(context.WithoutCancel(ctx), "reindex", "run", err.Error(), payload); logErr != nil {
		r.logger.Warn("error log write failed", zap.Error(logErr))
	}
}
