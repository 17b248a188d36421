package postgres

import (
	"context"
	"fmt"

	"github.com/open-mercato/queryindex/internal/storage"
)

// TableExists probes information_schema for a base table. Results are cached
// for the process lifetime.
func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	if err := storage.ValidateIdent(table); err != nil {
		return false, err
	}

	s.mu.Lock()
	if exists, ok := s.tableCache[table]; ok {
		s.mu.Unlock()
		return exists, nil
	}
	s.mu.Unlock()

	var exists bool
	err := s.getContext(ctx, &exists,
		`SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = $1
		)`, table)
	if err != nil {
		return false, fmt.Errorf("probe table %s: %w", table, err)
	}

	s.mu.Lock()
	s.tableCache[table] = exists
	s.mu.Unlock()
	return exists, nil
}

// ColumnExists probes information_schema for a column. Results are cached for
// the process lifetime; base tables are owned elsewhere but their scoping
// columns do not change underneath a running worker.
func (s *Store) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	if err := storage.ValidateIdent(table); err != nil {
		return false, err
	}
	if err := storage.ValidateIdent(column); err != nil {
		return false, err
	}

	key := table + "." + column
	s.mu.Lock()
	if exists, ok := s.columnCache[key]; ok {
		s.mu.Unlock()
		return exists, nil
	}
	s.mu.Unlock()

	var exists bool
	err := s.getContext(ctx, &exists,
		`SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2
		)`, table, column)
	if err != nil {
		return false, fmt.Errorf("probe column %s.%s: %w", table, column, err)
	}

	s.mu.Lock()
	s.columnCache[key] = exists
	s.mu.Unlock()
	return exists, nil
}

// scopeColumns reports which of the three scoping columns the table has.
type scopeColumns struct {
	hasTenant  bool
	hasOrg     bool
	hasDeleted bool
}

func (s *Store) probeScopeColumns(ctx context.Context, table string) (scopeColumns, error) {
	var cols scopeColumns
	var err error
	if cols.hasTenant, err = s.ColumnExists(ctx, table, "tenant_id"); err != nil {
		return cols, err
	}
	if cols.hasOrg, err = s.ColumnExists(ctx, table, "organization_id"); err != nil {
		return cols, err
	}
	if cols.hasDeleted, err = s.ColumnExists(ctx, table, "deleted_at"); err != nil {
		return cols, err
	}
	return cols, nil
}
