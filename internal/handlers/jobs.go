package handlers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/open-mercato/queryindex/internal/eventbus"
	"github.com/open-mercato/queryindex/internal/reindex"
	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

// handleReindex dispatches one reindex pass. A payload with partitionIndex is
// a worker slice addressed by a coordinator; a payload with only
// partitionCount fans out locally; everything else runs with the configured
// partitioning. Errors return to the bus for persistent redelivery.
func (h *Handlers) handleReindex(ctx context.Context, evt *eventbus.Event) error {
	p, err := eventbus.Decode[types.ReindexPayload](evt)
	if err != nil {
		return err
	}

	req := reindex.Request{
		EntityType:     p.EntityType,
		TenantID:       p.TenantID,
		OrganizationID: p.OrganizationID,
		Force:          p.Force,
		ResetCoverage:  p.ResetCoverage,
	}
	if p.BatchSize != nil {
		req.BatchSize = *p.BatchSize
	}

	var res reindex.Result
	switch {
	case p.PartitionIndex != nil:
		if p.PartitionCount == nil || *p.PartitionCount < 1 {
			return fmt.Errorf("%w: partitionIndex without partitionCount", storage.ErrInvalidArgument)
		}
		req.PartitionCount = *p.PartitionCount
		req.PartitionIndex = *p.PartitionIndex
		res, err = h.re.Run(ctx, req)
	default:
		partitions := h.cfg.ReindexPartitions
		if p.PartitionCount != nil {
			partitions = *p.PartitionCount
		}
		res, err = h.re.RunPartitioned(ctx, req, partitions)
	}
	if err != nil {
		return err
	}

	h.logger.Info("reindex pass finished",
		zap.String("entity", string(p.EntityType)),
		zap.Int64("processed", res.Processed),
		zap.Int64("total", res.Total),
		zap.Int64("orphans", res.Orphans),
		zap.Bool("skipped", res.Skipped))
	return nil
}

// handlePurge runs a scope-wide purge with status bookkeeping: a started log
// row, the purge itself, a post-purge coverage refresh and a completion log
// row. Failures are recorded to the error log and re-raised so the bus
// retries the event.
func (h *Handlers) handlePurge(ctx context.Context, evt *eventbus.Event) error {
	p, err := eventbus.Decode[types.PurgePayload](evt)
	if err != nil {
		return err
	}
	if err := p.EntityType.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}

	doc := purgeLogDoc(p)
	if err := h.store.RecordStatusLog(ctx, logSource, "purge", "purge started", doc); err != nil {
		h.logger.Warn("purge status log failed", zap.Error(err))
	}

	removed, err := h.purger.Purge(ctx, p.EntityType, p.TenantID, p.OrganizationID)
	if err != nil {
		h.logger.Warn("purge failed",
			zap.String("entity", string(p.EntityType)),
			zap.Error(err))
		if logErr := h.store.RecordErrorLog(ctx, logSource, "purge", err.Error(), doc); logErr != nil {
			h.logger.Warn("purge error log failed", zap.Error(logErr))
		}
		return err
	}

	// A tenant-less purge has no coverage row to refresh; the snapshots
	// converge on the next per-tenant refresh.
	if p.TenantID != nil && *p.TenantID != "" {
		scope := types.Scope{TenantID: *p.TenantID, OrganizationID: p.OrganizationID}
		h.refreshNow(ctx, p.EntityType, scope)
	}

	doc["removed"] = removed
	if err := h.store.RecordStatusLog(ctx, logSource, "purge", "purge completed", doc); err != nil {
		h.logger.Warn("purge status log failed", zap.Error(err))
	}
	h.logger.Info("purge finished",
		zap.String("entity", string(p.EntityType)),
		zap.Int64("removed", removed))
	return nil
}

func purgeLogDoc(p types.PurgePayload) types.Doc {
	doc := types.Doc{"entityType": string(p.EntityType)}
	if p.TenantID != nil {
		doc["tenantId"] = *p.TenantID
	}
	if p.OrganizationID != nil {
		doc["organizationId"] = *p.OrganizationID
	}
	return doc
}
