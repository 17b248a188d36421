// Package handlers binds the bus events onto the indexing components. Each
// handler is one short unit of work: decode, act, account. The CRUD bridge
// translates producer events into the internal ones; everything else consumes
// the query_index.* contract directly.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/open-mercato/queryindex/internal/config"
	"github.com/open-mercato/queryindex/internal/coverage"
	"github.com/open-mercato/queryindex/internal/eventbus"
	"github.com/open-mercato/queryindex/internal/indexer"
	"github.com/open-mercato/queryindex/internal/registry"
	"github.com/open-mercato/queryindex/internal/reindex"
	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

// logSource tags the diagnostic log rows this package writes.
const logSource = "query_index"

// Handlers owns every bus-facing unit of work plus the two pieces of handler
// state: the per-scope debounce timers for coverage refreshes and the
// per-entity warmup throttle.
type Handlers struct {
	store  storage.Store
	reg    *registry.Registry
	ix     *indexer.Indexer
	re     *reindex.Reindexer
	purger *reindex.Purger
	acc    *coverage.Accountant
	bus    *eventbus.Bus
	cfg    *config.Config
	logger *zap.Logger

	mu       sync.Mutex
	timers   map[string]*time.Timer
	warmupAt map[string]time.Time

	// refreshes tracks debounce timers in flight so Close and tests can wait
	// them out.
	refreshes sync.WaitGroup
}

// New wires the handler set. Register must be called to attach it to the bus.
func New(store storage.Store, reg *registry.Registry, ix *indexer.Indexer, re *reindex.Reindexer, purger *reindex.Purger, acc *coverage.Accountant, bus *eventbus.Bus, cfg *config.Config, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		store:    store,
		reg:      reg,
		ix:       ix,
		re:       re,
		purger:   purger,
		acc:      acc,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.Named("handlers"),
		timers:   make(map[string]*time.Timer),
		warmupAt: make(map[string]time.Time),
	}
}

// Register attaches the internal query_index.* handlers to the bus. CRUD
// bridges are registered separately, one per entity.
func (h *Handlers) Register() {
	h.bus.Register(eventbus.NewHandler("upsert_one", []string{types.EventUpsertOne}, h.handleUpsertOne))
	h.bus.Register(eventbus.NewHandler("delete_one", []string{types.EventDeleteOne}, h.handleDeleteOne))
	h.bus.Register(eventbus.NewHandler("reindex", []string{types.EventReindex}, h.handleReindex))
	h.bus.Register(eventbus.NewHandler("purge", []string{types.EventPurge}, h.handlePurge))
	h.bus.Register(eventbus.NewHandler("coverage_refresh", []string{types.EventCoverageRefresh}, h.handleCoverageRefresh))
	h.bus.Register(eventbus.NewHandler("coverage_warmup", []string{types.EventCoverageWarmup}, h.handleCoverageWarmup))
}

// Close stops pending debounce timers and waits for running refreshes.
func (h *Handlers) Close() {
	h.mu.Lock()
	for key, t := range h.timers {
		if t.Stop() {
			h.refreshes.Done()
		}
		delete(h.timers, key)
	}
	h.mu.Unlock()
	h.refreshes.Wait()
}

// resolveScope fills the gaps of a payload-supplied scope from the base row.
// found reports whether the base row still exists; when it does not, the
// payload fields are all there is.
func (h *Handlers) resolveScope(ctx context.Context, entity types.EntityType, recordID string, tenantID, organizationID *string) (types.Scope, bool, error) {
	cfg, err := h.reg.Resolve(entity)
	if err != nil {
		return types.Scope{}, false, err
	}

	row, err := h.store.GetBaseRow(ctx, cfg.BaseRef(), recordID)
	if errors.Is(err, storage.ErrNotFound) {
		scope := types.Scope{OrganizationID: organizationID}
		if tenantID != nil {
			scope.TenantID = *tenantID
		}
		return scope, false, nil
	}
	if err != nil {
		return types.Scope{}, false, err
	}

	scope, err := h.ix.ResolveScope(entity, row, indexer.ScopeOverride{
		TenantID:       tenantID,
		OrganizationID: organizationID,
	})
	if err != nil {
		return types.Scope{}, true, err
	}
	return scope, true, nil
}

func validateRecordRef(entity types.EntityType, recordID string) error {
	if err := entity.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}
	if recordID == "" {
		return fmt.Errorf("%w: record id is required", storage.ErrInvalidArgument)
	}
	return nil
}
