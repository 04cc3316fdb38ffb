package otelinit

import (
	"context"
	"testing"
)

func TestInitMetricsNoExporter(t *testing.T) {
	ctx := context.Background()
	shutdown, _, m := InitMetrics(ctx, "test-service")
	// Should provide counters that can increment without panic, even when
	// no OTLP collector is reachable at the configured endpoint.
	m.TasksProcessed.Add(ctx, 1)
	m.TasksFailed.Add(ctx, 1)
	m.TasksRetried.Add(ctx, 1)
	_ = shutdown(ctx)
}
