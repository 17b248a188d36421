package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// DefaultBatchSize is the maximum number of ids per IN clause. Oversized IN
// lists defeat the planner's index selection on the token and value tables.
const DefaultBatchSize = 500

// BatchIN executes a batched SELECT with an IN clause, splitting ids into
// chunks of batchSize so no single query carries an unbounded parameter list.
//
// queryTemplate must contain exactly one %s placeholder for the IN list, e.g.
// "SELECT record_id, field_key FROM vals WHERE entity_type = $1 AND record_id IN (%s)".
// fixedArgs bind the numbered placeholders before the list; list placeholders
// continue the numbering.
//
// scanRow is called per result row and returns a key and value to accumulate
// into the result map.
func BatchIN[K comparable, V any](
	ctx context.Context,
	q Querier,
	ids []string,
	batchSize int,
	queryTemplate string,
	fixedArgs []any,
	scanRow func(*sqlx.Rows) (K, V, error),
) (map[K][]V, error) {
	result := make(map[K][]V)
	if len(ids) == 0 {
		return result, nil
	}
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}

	for i := 0; i < len(ids); i += batchSize {
		end := i + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[i:end]

		placeholders := make([]string, len(batch))
		args := make([]any, 0, len(fixedArgs)+len(batch))
		args = append(args, fixedArgs...)
		for j, id := range batch {
			placeholders[j] = fmt.Sprintf("$%d", len(fixedArgs)+j+1)
			args = append(args, id)
		}

		query := fmt.Sprintf(queryTemplate, strings.Join(placeholders, ","))

		rows, err := q.QueryxContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			key, val, scanErr := scanRow(rows)
			if scanErr != nil {
				rows.Close()
				return nil, scanErr
			}
			result[key] = append(result[key], val)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return result, nil
}
