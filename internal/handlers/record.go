package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/open-mercato/queryindex/internal/eventbus"
	"github.com/open-mercato/queryindex/internal/types"
)

// handleUpsertOne rebuilds one record's index row, accounts the coverage
// transition and forwards the record to vectorization. Coverage and emit
// failures degrade to warnings; the row write itself decides the handler
// outcome.
func (h *Handlers) handleUpsertOne(ctx context.Context, evt *eventbus.Event) error {
	p, err := eventbus.Decode[types.UpsertOnePayload](evt)
	if err != nil {
		return err
	}
	if err := validateRecordRef(p.EntityType, p.RecordID); err != nil {
		return err
	}

	scope, _, err := h.resolveScope(ctx, p.EntityType, p.RecordID, p.TenantID, p.OrganizationID)
	if err != nil {
		return err
	}

	res, err := h.ix.UpsertRecord(ctx, p.EntityType, p.RecordID, scope)
	if err != nil {
		return err
	}

	if !p.SuppressCoverage {
		h.accountUpsert(ctx, p, scope, res)
	}

	vp := types.VectorizeOnePayload{
		EntityType:     p.EntityType,
		RecordID:       p.RecordID,
		OrganizationID: scope.OrganizationID,
		TenantID:       &scope.TenantID,
	}
	if err := h.bus.Emit(ctx, types.EventVectorizeOne, vp, eventbus.EmitOptions{}); err != nil {
		h.logger.Warn("vectorize emit failed",
			zap.String("entity", string(p.EntityType)),
			zap.String("record", p.RecordID),
			zap.Error(err))
	}
	return nil
}

// accountUpsert applies the coverage movement implied by one upsert: the
// index delta from the transition flags, the base delta from the CRUD action,
// either overridden by explicit payload values. A delayed authoritative
// refresh is scheduled when the payload asks for one.
func (h *Handlers) accountUpsert(ctx context.Context, p types.UpsertOnePayload, scope types.Scope, res types.UpsertResult) {
	adj := types.CoverageAdjustment{
		EntityType: p.EntityType,
		Scope:      types.Scope{TenantID: scope.TenantID, OrganizationID: scope.OrganizationID},
		IndexDelta: res.IndexDelta(),
	}
	if p.CrudAction == types.ActionCreated {
		adj.BaseDelta = 1
	}
	if p.CoverageBaseDelta != nil {
		adj.BaseDelta = *p.CoverageBaseDelta
	}
	if p.CoverageIndexDelta != nil {
		adj.IndexDelta = *p.CoverageIndexDelta
	}

	if !adj.Zero() {
		if err := h.acc.ApplyAdjustments(ctx, []types.CoverageAdjustment{adj}); err != nil {
			h.logger.Warn("coverage adjustment failed",
				zap.String("entity", string(p.EntityType)),
				zap.String("record", p.RecordID),
				zap.Error(err))
		}
	}

	if p.CoverageDelayMs != nil {
		rp := types.CoverageRefreshPayload{
			EntityType:     p.EntityType,
			TenantID:       &scope.TenantID,
			OrganizationID: scope.OrganizationID,
			DelayMs:        p.CoverageDelayMs,
		}
		if err := h.bus.Emit(ctx, types.EventCoverageRefresh, rp, eventbus.EmitOptions{}); err != nil {
			h.logger.Warn("coverage refresh emit failed",
				zap.String("entity", string(p.EntityType)),
				zap.Error(err))
		}
	}
}

// handleDeleteOne removes one record's index row and tokens and, when the row
// was still active, shrinks the scope's indexed count by one. Row identity
// never involves the tenant, so a payload without one deletes through the
// store directly; coverage is tenant-keyed and re-converges on the next
// refresh in that case.
func (h *Handlers) handleDeleteOne(ctx context.Context, evt *eventbus.Event) error {
	p, err := eventbus.Decode[types.DeleteOnePayload](evt)
	if err != nil {
		return err
	}
	if err := validateRecordRef(p.EntityType, p.RecordID); err != nil {
		return err
	}

	scope := types.Scope{OrganizationID: p.OrganizationID}
	if p.TenantID != nil {
		scope.TenantID = *p.TenantID
	}
	if scope.TenantID == "" {
		_, err = h.store.DeleteIndexRow(ctx, p.EntityType, p.RecordID, scope.OrgKey())
		return err
	}
	del, err := h.ix.MarkDeleted(ctx, p.EntityType, p.RecordID, scope)
	if err != nil {
		return err
	}
	if del.WasActive {
		adj := types.CoverageAdjustment{
			EntityType: p.EntityType,
			Scope:      types.Scope{TenantID: scope.TenantID, OrganizationID: scope.OrganizationID},
			IndexDelta: -1,
		}
		if err := h.acc.ApplyAdjustments(ctx, []types.CoverageAdjustment{adj}); err != nil {
			h.logger.Warn("coverage adjustment failed",
				zap.String("entity", string(p.EntityType)),
				zap.String("record", p.RecordID),
				zap.Error(err))
		}
	}
	return nil
}
