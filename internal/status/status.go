// Package status assembles the administrative report: one line per
// registered entity with coverage counts and a cross-partition job roll-up.
// It is read-only apart from the optional coverage refresh on stale
// snapshots.
package status

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/open-mercato/queryindex/internal/config"
	"github.com/open-mercato/queryindex/internal/coverage"
	"github.com/open-mercato/queryindex/internal/registry"
	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

const defaultLogLimit = 20

// Aggregator builds status reports over one registry and store.
type Aggregator struct {
	store  storage.Store
	reg    *registry.Registry
	acc    *coverage.Accountant
	cfg    *config.Config
	logger *zap.Logger
}

// New wires an aggregator.
func New(store storage.Store, reg *registry.Registry, acc *coverage.Accountant, cfg *config.Config, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		store:  store,
		reg:    reg,
		acc:    acc,
		cfg:    cfg,
		logger: logger.Named("status"),
	}
}

// Options scopes one report.
type Options struct {
	TenantID       string
	OrganizationID *string
	// ForceRefresh recounts every entity's coverage before reporting.
	ForceRefresh bool
	// IncludeLogs attaches the newest error and status log entries.
	IncludeLogs bool
	// LogLimit bounds attached log entries. Zero means the default of 20.
	LogLimit int
}

// Report assembles the status of every registered entity within the scope.
// Coverage refresh failures degrade to the stored snapshot; the report never
// fails on a count.
func (a *Aggregator) Report(ctx context.Context, opts Options) (*types.StatusReport, error) {
	if opts.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", storage.ErrInvalidArgument)
	}
	scope := types.Scope{TenantID: opts.TenantID, OrganizationID: opts.OrganizationID}

	report := &types.StatusReport{Items: make([]types.StatusItem, 0, len(a.reg.All()))}
	for _, cfg := range a.reg.All() {
		item, err := a.entityStatus(ctx, cfg, scope, opts.ForceRefresh)
		if err != nil {
			return nil, err
		}
		if !item.OK {
			report.OutOfSync = true
		}
		report.Items = append(report.Items, item)
	}

	if opts.IncludeLogs {
		limit := opts.LogLimit
		if limit <= 0 {
			limit = defaultLogLimit
		}
		var err error
		if report.Errors, err = a.store.ListErrorLogs(ctx, limit); err != nil {
			return nil, err
		}
		if report.Logs, err = a.store.ListStatusLogs(ctx, limit); err != nil {
			return nil, err
		}
	}
	return report, nil
}

func (a *Aggregator) entityStatus(ctx context.Context, cfg *registry.EntityConfig, scope types.Scope, force bool) (types.StatusItem, error) {
	item := types.StatusItem{
		EntityID: string(cfg.EntityType),
		Label:    cfg.Label,
	}

	snap, err := a.acc.ReadSnapshot(ctx, cfg.EntityType, scope)
	if err != nil {
		return item, err
	}
	// OPTIMIZE_INDEX_COVERAGE_STATS suppresses on-read recounts; forceRefresh
	// overrides it.
	if force || (a.acc.IsStale(snap) && !a.cfg.OptimizeCoverageStats) {
		refreshed, err := a.acc.RefreshSnapshot(ctx, cfg.EntityType, scope)
		if err != nil {
			a.logger.Warn("status refresh failed, reporting stored snapshot",
				zap.String("entity", string(cfg.EntityType)),
				zap.String("scope", scope.Key()),
				zap.Error(err))
		} else {
			snap = refreshed
		}
	}
	if snap != nil {
		base, index, vec := snap.BaseCount, snap.IndexedCount, snap.VectorIndexedCount
		item.BaseCount, item.IndexCount, item.VectorCount = &base, &index, &vec
		item.OK = !snap.Partial()
	}

	jobs, err := a.store.ListJobs(ctx, cfg.EntityType, &scope.TenantID)
	if err != nil {
		return item, err
	}
	item.Job = a.summarize(jobs)
	return item, nil
}

// summarize rolls the latest ledger rows up: per-row state first, then
// precedence purging > reindexing > stalled > idle, with summed progress
// clamped to the summed total.
func (a *Aggregator) summarize(jobs []types.IndexJob) *types.JobSummary {
	if len(jobs) == 0 {
		return nil
	}

	now := time.Now()
	sum := &types.JobSummary{Status: "idle", Partitions: len(jobs)}
	var anyPurging, anyRunning, anyStalled bool
	allDone := true

	for i := range jobs {
		j := &jobs[i]
		sum.ProcessedCount += j.ProcessedCount
		sum.TotalCount += j.TotalCount

		if sum.StartedAt == nil || j.StartedAt.Before(*sum.StartedAt) {
			at := j.StartedAt
			sum.StartedAt = &at
		}
		if sum.HeartbeatAt == nil || j.HeartbeatAt.After(*sum.HeartbeatAt) {
			at := j.HeartbeatAt
			sum.HeartbeatAt = &at
		}

		if j.FinishedAt != nil {
			if sum.FinishedAt == nil || j.FinishedAt.After(*sum.FinishedAt) {
				sum.FinishedAt = j.FinishedAt
			}
			continue
		}
		allDone = false
		if now.Sub(j.HeartbeatAt) > a.cfg.HeartbeatStaleAfter {
			anyStalled = true
			continue
		}
		anyRunning = true
		if j.Status == types.JobPurging {
			anyPurging = true
		}
	}

	switch {
	case anyPurging:
		sum.Status = string(types.JobPurging)
	case anyRunning:
		sum.Status = string(types.JobReindexing)
	case anyStalled:
		sum.Status = "stalled"
	}
	if !allDone {
		sum.FinishedAt = nil
	}
	if sum.ProcessedCount > sum.TotalCount {
		sum.ProcessedCount = sum.TotalCount
	}
	return sum
}
