package postgres

import (
	"context"
	"fmt"

	"github.com/open-mercato/queryindex/internal/types"
)

// Diagnostic logs are append-only and best-effort: callers treat a failed
// write as a warning, never as a reason to fail the triggering operation.

func (s *Store) recordLog(ctx context.Context, table, source, handler, message string, payload types.Doc) error {
	var payloadJSON []byte
	if len(payload) > 0 {
		var err error
		if payloadJSON, err = types.MarshalDoc(payload); err != nil {
			return err
		}
	}
	_, err := s.execContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (source, handler, message, payload)
		VALUES ($1, $2, $3, $4)`, table),
		source, handler, message, payloadJSON)
	if err != nil {
		return fmt.Errorf("record %s: %w", table, err)
	}
	return nil
}

func (s *Store) listLogs(ctx context.Context, table string, limit int) ([]types.LogEntry, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.queryxContext(ctx, fmt.Sprintf(`
		SELECT id, source, handler, message, payload, occurred_at
		FROM %s ORDER BY id DESC LIMIT $1`, table), limit)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var out []types.LogEntry
	for rows.Next() {
		var entry types.LogEntry
		var raw []byte
		if err := rows.Scan(&entry.ID, &entry.Source, &entry.Handler, &entry.Message, &raw, &entry.OccurredAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if entry.Payload, err = types.UnmarshalDoc(raw); err != nil {
				return nil, err
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// RecordErrorLog appends one row to the error log.
func (s *Store) RecordErrorLog(ctx context.Context, source, handler, message string, payload types.Doc) error {
	return s.recordLog(ctx, "indexer_error_logs", source, handler, message, payload)
}

// RecordStatusLog appends one row to the status log.
func (s *Store) RecordStatusLog(ctx context.Context, source, handler, message string, payload types.Doc) error {
	return s.recordLog(ctx, "indexer_status_logs", source, handler, message, payload)
}

// ListErrorLogs returns the newest error entries.
func (s *Store) ListErrorLogs(ctx context.Context, limit int) ([]types.LogEntry, error) {
	return s.listLogs(ctx, "indexer_error_logs", limit)
}

// ListStatusLogs returns the newest status entries.
func (s *Store) ListStatusLogs(ctx context.Context, limit int) ([]types.LogEntry, error) {
	return s.listLogs(ctx, "indexer_status_logs", limit)
}
