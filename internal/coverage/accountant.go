// Package coverage maintains the per-scope row counts the planner consults
// before trusting the index. The accountant is the only component doing
// read-modify-write on the counts; everything else observes snapshots.
package coverage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/open-mercato/queryindex/internal/config"
	"github.com/open-mercato/queryindex/internal/registry"
	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
	"github.com/open-mercato/queryindex/internal/vector"
)

// Accountant reads, refreshes and adjusts coverage snapshots.
type Accountant struct {
	store  storage.Store
	reg    *registry.Registry
	vec    vector.Service
	logger *zap.Logger

	staleAfter    time.Duration
	resetThrottle time.Duration

	// Concurrent refreshes of the same scope collapse into one count pass.
	refreshes singleflight.Group

	mu        sync.Mutex
	lastReset map[string]time.Time
}

// New wires an accountant. vec may be vector.Noop when no service is
// configured; its counts are then left untouched.
func New(store storage.Store, reg *registry.Registry, vec vector.Service, cfg *config.Config, logger *zap.Logger) *Accountant {
	if logger == nil {
		logger = zap.NewNop()
	}
	if vec == nil {
		vec = vector.Noop{}
	}
	return &Accountant{
		store:         store,
		reg:           reg,
		vec:           vec,
		logger:        logger.Named("coverage"),
		staleAfter:    cfg.CoverageStaleAfter,
		resetThrottle: cfg.CoverageRefreshThrottle,
		lastReset:     make(map[string]time.Time),
	}
}

// ReadSnapshot returns the stored snapshot, or nil when none exists yet.
func (a *Accountant) ReadSnapshot(ctx context.Context, entity types.EntityType, scope types.Scope) (*types.CoverageRow, error) {
	row, err := a.store.GetCoverage(ctx, entity, scope)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return row, err
}

// IsStale reports whether a snapshot is old enough that consumers must
// schedule a refresh. A missing snapshot is always stale.
func (a *Accountant) IsStale(row *types.CoverageRow) bool {
	if row == nil {
		return true
	}
	return time.Since(row.RefreshedAt) > a.staleAfter
}

// RefreshSnapshot recounts the scope authoritatively and stores the result.
// The base table count degrades to zero when the table does not exist; the
// vector count is skipped when no service is configured or it fails.
func (a *Accountant) RefreshSnapshot(ctx context.Context, entity types.EntityType, scope types.Scope) (*types.CoverageRow, error) {
	key := string(entity) + "|" + scope.Key()
	row, err, _ := a.refreshes.Do(key, func() (any, error) {
		return a.refresh(ctx, entity, scope)
	})
	if err != nil {
		return nil, err
	}
	return row.(*types.CoverageRow), nil
}

func (a *Accountant) refresh(ctx context.Context, entity types.EntityType, scope types.Scope) (*types.CoverageRow, error) {
	cfg, err := a.reg.Resolve(entity)
	if err != nil {
		return nil, err
	}

	var baseCount int64
	base := cfg.BaseRef()
	exists, err := a.store.TableExists(ctx, base.Table)
	if err != nil {
		return nil, fmt.Errorf("probe base table: %w", err)
	}
	if exists {
		baseCount, err = a.store.CountBaseRows(ctx, base, storage.BaseScope{
			TenantID:       &scope.TenantID,
			OrganizationID: scope.OrganizationID,
			IncludeDeleted: scope.WithDeleted,
		})
		if err != nil {
			return nil, fmt.Errorf("count base rows: %w", err)
		}
	}

	indexCount, err := a.store.CountIndexRows(ctx, entity, scope)
	if err != nil {
		return nil, fmt.Errorf("count index rows: %w", err)
	}

	counts := types.CoverageCounts{BaseCount: &baseCount, IndexCount: &indexCount}
	if vecCount, err := a.vec.CountIndexed(ctx, entity, scope.TenantID); err == nil {
		counts.VectorCount = &vecCount
	} else if !errors.Is(err, vector.ErrDisabled) {
		a.logger.Warn("vector count unavailable, keeping previous value",
			zap.String("entity", string(entity)),
			zap.String("tenant", scope.TenantID),
			zap.Error(err))
	}

	if err := a.store.WriteCoverage(ctx, entity, scope, counts); err != nil {
		return nil, err
	}
	return a.store.GetCoverage(ctx, entity, scope)
}

// ApplyAdjustments folds deltas into stored counts. Same-scope adjustments
// are aggregated and zero-sum entries dropped before any SQL runs.
func (a *Accountant) ApplyAdjustments(ctx context.Context, adjustments []types.CoverageAdjustment) error {
	return a.store.AdjustCoverage(ctx, adjustments)
}

// WriteCounts overwrites the named counts, keeping unnamed ones.
func (a *Accountant) WriteCounts(ctx context.Context, entity types.EntityType, scope types.Scope, counts types.CoverageCounts) error {
	return a.store.WriteCoverage(ctx, entity, scope, counts)
}

// ResetSnapshot zeroes a scope's counts at the start of a reindex pass.
// A per-scope throttle suppresses repeats within the throttle window unless
// force is set; the return value says whether the reset ran.
func (a *Accountant) ResetSnapshot(ctx context.Context, entity types.EntityType, scope types.Scope, force bool) (bool, error) {
	key := string(entity) + "|" + scope.Key()
	now := time.Now()

	a.mu.Lock()
	if last, ok := a.lastReset[key]; ok && !force && now.Sub(last) < a.resetThrottle {
		a.mu.Unlock()
		return false, nil
	}
	a.lastReset[key] = now
	a.mu.Unlock()

	zero := int64(0)
	err := a.store.WriteCoverage(ctx, entity, scope, types.CoverageCounts{
		BaseCount:   &zero,
		IndexCount:  &zero,
		VectorCount: &zero,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
