package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/open-mercato/queryindex/internal/eventbus"
	"github.com/open-mercato/queryindex/internal/types"
)

// warmupThrottle bounds how often a warmup may refresh the same entity for
// the same tenant.
const warmupThrottle = 5 * time.Minute

// handleCoverageRefresh debounces snapshot refreshes per scope. A zero delay
// refreshes inline; a positive delay arms a timer that later refreshes with a
// background context, and a re-emit for the same scope resets the timer.
func (h *Handlers) handleCoverageRefresh(ctx context.Context, evt *eventbus.Event) error {
	p, err := eventbus.Decode[types.CoverageRefreshPayload](evt)
	if err != nil {
		return err
	}
	if err := p.EntityType.Validate(); err != nil {
		return err
	}
	if p.TenantID == nil || *p.TenantID == "" {
		h.logger.Warn("coverage refresh without tenant",
			zap.String("entity", string(p.EntityType)))
		return nil
	}
	scope := types.Scope{
		TenantID:       *p.TenantID,
		OrganizationID: p.OrganizationID,
		WithDeleted:    p.WithDeleted,
	}

	var delay time.Duration
	if p.DelayMs != nil && *p.DelayMs > 0 {
		delay = time.Duration(*p.DelayMs) * time.Millisecond
	}
	if delay == 0 {
		h.refreshNow(ctx, p.EntityType, scope)
		return nil
	}

	key := types.ScopeKey(p.EntityType, scope)
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.timers[key]; ok && prev.Stop() {
		// The stopped callback never ran, so its WaitGroup slot carries over.
		h.refreshes.Done()
	}
	h.refreshes.Add(1)
	var tm *time.Timer
	tm = time.AfterFunc(delay, func() {
		defer h.refreshes.Done()
		h.mu.Lock()
		if h.timers[key] == tm {
			delete(h.timers, key)
		}
		h.mu.Unlock()
		// The dispatch context is gone by the time the timer fires.
		h.refreshNow(context.Background(), p.EntityType, scope)
	})
	h.timers[key] = tm
	return nil
}

func (h *Handlers) refreshNow(ctx context.Context, entity types.EntityType, scope types.Scope) {
	if _, err := h.acc.RefreshSnapshot(ctx, entity, scope); err != nil {
		h.logger.Warn("coverage refresh failed",
			zap.String("entity", string(entity)),
			zap.String("scope", scope.Key()),
			zap.Error(err))
	}
}

// handleCoverageWarmup fans one refresh per registered entity out for the
// given tenant. Warmups fire on startup and scope activation from every
// worker, so repeats inside the throttle window are dropped.
func (h *Handlers) handleCoverageWarmup(ctx context.Context, evt *eventbus.Event) error {
	p, err := eventbus.Decode[types.CoverageWarmupPayload](evt)
	if err != nil {
		return err
	}
	if p.TenantID == nil || *p.TenantID == "" {
		h.logger.Warn("coverage warmup without tenant")
		return nil
	}

	now := time.Now()
	for _, entity := range h.reg.EntityTypes() {
		key := string(entity) + "|" + *p.TenantID
		h.mu.Lock()
		last, seen := h.warmupAt[key]
		if seen && now.Sub(last) < warmupThrottle {
			h.mu.Unlock()
			continue
		}
		h.warmupAt[key] = now
		h.mu.Unlock()

		payload := types.CoverageRefreshPayload{EntityType: entity, TenantID: p.TenantID}
		if err := h.bus.Emit(ctx, types.EventCoverageRefresh, payload, eventbus.EmitOptions{}); err != nil {
			h.logger.Warn("warmup refresh emit failed",
				zap.String("entity", string(entity)),
				zap.Error(err))
		}
	}
	return nil
}
