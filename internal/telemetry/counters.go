package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const plannerScopeName = "github.com/open-mercato/queryindex/internal/planner"

var (
	plannerOnce      sync.Once
	plannerFallbacks metric.Int64Counter
)

// CountPlannerFallback records one read answered by the naive engine instead
// of the hybrid index join. reason names the cause: "cold_index",
// "partial_coverage" or "no_base_table".
func CountPlannerFallback(ctx context.Context, entity, reason string) {
	if !Enabled() {
		return
	}
	plannerOnce.Do(func() {
		plannerFallbacks, _ = Meter(plannerScopeName).Int64Counter("qx.planner.fallbacks",
			metric.WithDescription("Reads answered by the naive engine instead of the index join"),
		)
	})
	if plannerFallbacks == nil {
		return
	}
	plannerFallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("qx.entity", entity),
		attribute.String("qx.reason", reason),
	))
}
