package reindex

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

// Purger soft-deletes a scope's indexed rows under a job ledger entry. The
// rows stay for audit; coverage is refreshed by the purge event handler
// afterwards, not here.
type Purger struct {
	store  storage.Store
	logger *zap.Logger
}

// NewPurger wires a purger.
func NewPurger(store storage.Store, logger *zap.Logger) *Purger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Purger{store: store, logger: logger.Named("purge")}
}

// Purge marks every live indexed row in the scope deleted and returns the
// affected count. Nil scope fields widen the purge.
func (p *Purger) Purge(ctx context.Context, entity types.EntityType, tenantID, organizationID *string) (int64, error) {
	if entity == "" {
		return 0, fmt.Errorf("%w: entity type required", storage.ErrInvalidArgument)
	}

	total, err := p.store.CountIndexRowsInScope(ctx, entity, tenantID, organizationID)
	if err != nil {
		return 0, err
	}

	jobScope := types.JobScope{EntityType: entity, OrganizationID: organizationID, TenantID: tenantID}
	if _, err := p.store.PrepareJob(ctx, jobScope, types.JobPurging, total); err != nil {
		return 0, err
	}
	defer func() {
		if err := p.store.FinalizeJob(context.WithoutCancel(ctx), jobScope); err != nil {
			p.logger.Warn("finalize purge job failed", zap.Error(err))
		}
	}()

	affected, err := p.store.SoftDeleteIndexRowsInScope(ctx, entity, tenantID, organizationID)
	if err != nil {
		return 0, err
	}
	if err := p.store.UpdateJobProgress(ctx, jobScope, affected); err != nil {
		p.logger.Warn("purge progress update failed", zap.Error(err))
	}

	p.logger.Info("purge completed",
		zap.String("entity", string(entity)),
		zap.Int64("affected", affected))
	return affected, nil
}
