package handlers

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/open-mercato/queryindex/internal/eventbus"
	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

// CrudEvents lists the producer event names the bridge consumes for one
// entity: "<module>.<entity>.created|updated|deleted".
func CrudEvents(entity types.EntityType) []string {
	prefix := entity.Module() + "." + entity.Entity() + "."
	return []string{
		prefix + types.ActionCreated,
		prefix + types.ActionUpdated,
		prefix + types.ActionDeleted,
	}
}

// RegisterCrudBridge attaches the producer-event translation for one
// registered entity. The bridge is idempotent: replayed or reordered events
// re-converge on the next upsert because the index row is rebuilt from the
// base row, not from the event.
func (h *Handlers) RegisterCrudBridge(entity types.EntityType) error {
	if _, err := h.reg.Resolve(entity); err != nil {
		return err
	}
	id := "crud_bridge:" + string(entity)
	h.bus.Register(eventbus.NewHandler(id, CrudEvents(entity), func(ctx context.Context, evt *eventbus.Event) error {
		return h.bridgeCrud(ctx, entity, evt)
	}))
	return nil
}

// RegisterCrudBridges attaches a bridge for every registered entity.
func (h *Handlers) RegisterCrudBridges() error {
	for _, entity := range h.reg.EntityTypes() {
		if err := h.RegisterCrudBridge(entity); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) bridgeCrud(ctx context.Context, entity types.EntityType, evt *eventbus.Event) error {
	p, err := eventbus.Decode[types.CrudPayload](evt)
	if err != nil {
		return err
	}
	if p.ID == "" {
		return fmt.Errorf("%w: %s event without id", storage.ErrInvalidArgument, evt.Name)
	}
	action := evt.Name[strings.LastIndexByte(evt.Name, '.')+1:]

	scope, _, err := h.resolveScope(ctx, entity, p.ID, p.TenantID, p.OrganizationID)
	if err != nil {
		return err
	}

	if action == types.ActionDeleted {
		out := types.DeleteOnePayload{
			EntityType:     entity,
			RecordID:       p.ID,
			OrganizationID: scope.OrganizationID,
		}
		if scope.TenantID != "" {
			out.TenantID = &scope.TenantID
		}
		return h.bus.Emit(ctx, types.EventDeleteOne, out, eventbus.EmitOptions{})
	}

	// Entities without active custom-field definitions at the scope are not
	// indexed; the base table alone answers their queries.
	has, err := h.store.HasActiveFieldDefs(ctx, entity, scope)
	if err != nil {
		return err
	}
	if !has {
		h.logger.Debug("skipping index upsert, no active field definitions",
			zap.String("entity", string(entity)),
			zap.String("record", p.ID),
			zap.String("tenant", scope.TenantID))
		return nil
	}

	out := types.UpsertOnePayload{
		EntityType:     entity,
		RecordID:       p.ID,
		OrganizationID: scope.OrganizationID,
		CrudAction:     action,
	}
	if scope.TenantID != "" {
		out.TenantID = &scope.TenantID
	}
	return h.bus.Emit(ctx, types.EventUpsertOne, out, eventbus.EmitOptions{})
}
