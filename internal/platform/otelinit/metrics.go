package otelinit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Instruments holds the control plane's cross-cutting counters, exported
// through the metrics provider. The Dispatch Engine increments them next to
// its own atomic counters; GetSystemStatus (spec §4.9) reads those atomics
// (dispatch.Engine.Stats), not these instruments.
type Instruments struct {
	TasksProcessed metric.Int64Counter
	TasksFailed    metric.Int64Counter
	TasksRetried   metric.Int64Counter
}

// InitMetrics sets up a global OTLP metrics exporter (push). Returns a
// shutdown func, an optional Prometheus handler (nil here; the teacher's
// promHandler slot is kept for parity but this module pushes via OTLP
// only), and the common Instruments.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, promHandler any, instruments Instruments) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, nil, commonInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, nil, commonInstruments()
}

func commonInstruments() Instruments {
	meter := otel.Meter("controlplane")
	processed, _ := meter.Int64Counter("controlplane_tasks_processed_total")
	failed, _ := meter.Int64Counter("controlplane_tasks_failed_total")
	retried, _ := meter.Int64Counter("controlplane_tasks_retried_total")
	return Instruments{TasksProcessed: processed, TasksFailed: failed, TasksRetried: retried}
}
