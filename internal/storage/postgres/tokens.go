package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

// ReplaceTokens swaps the search tokens for a batch of records in one
// transaction. Only fields present in the new extraction are cleared, so a
// field dropped from the document keeps its old tokens until the record is
// deleted or reindexed with DeleteAll. An empty extraction clears everything
// for the record.
func (s *Store) ReplaceTokens(ctx context.Context, entity types.EntityType, batch []storage.TokenReplacement) error {
	if len(batch) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, r := range batch {
			if err := replaceRecordTokens(ctx, tx, entity, r); err != nil {
				return err
			}
		}
		return nil
	})
}

func replaceRecordTokens(ctx context.Context, tx *sqlx.Tx, entity types.EntityType, r storage.TokenReplacement) error {
	orgKey := r.Scope.OrgKey()

	if r.DeleteAll {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM search_tokens
			WHERE entity_type = $1 AND record_id = $2 AND `+coalescedOrgSQL+` = $3`,
			entity, r.RecordID, orgKey)
		if err != nil {
			return fmt.Errorf("clear tokens %s: %w", r.RecordID, err)
		}
	} else if len(r.Fields) > 0 {
		query, args, err := sqlx.In(`
			DELETE FROM search_tokens
			WHERE entity_type = ? AND record_id = ? AND coalesce(organization_id, `+sentinelOrgSQL+`) = ? AND field IN (?)`,
			entity, r.RecordID, orgKey, r.Fields)
		if err != nil {
			return fmt.Errorf("build token delete %s: %w", r.RecordID, err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("delete tokens %s: %w", r.RecordID, err)
		}
	}

	for _, t := range r.Tokens {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO search_tokens (entity_type, record_id, organization_id, tenant_id, field, token, token_hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT DO NOTHING`,
			entity, r.RecordID, r.Scope.OrganizationID, r.Scope.TenantID, t.Field, t.Token, t.TokenHash)
		if err != nil {
			return fmt.Errorf("insert token %s/%s: %w", r.RecordID, t.Field, err)
		}
	}
	return nil
}
