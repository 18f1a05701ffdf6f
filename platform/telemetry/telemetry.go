// Package telemetry configures OpenTelemetry tracing.
// This is part of the platform layer and contains no business logic.
package telemetry

import (
	"context"
	"fmt"

	"pipeline_backend/platform/config"
	"pipeline_backend/platform/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer used by pipeline components.
const InstrumentationName = "pipeline_backend"

// Init installs a global tracer provider. Without an OTLP endpoint tracing stays
// on the default no-op provider. The returned function flushes and stops the exporter.
func Init(ctx context.Context, cfg config.TelemetryConfig, log *logger.Logger) (func(context.Context) error, error) {
	if cfg.GetOTLPEndpoint() == "" {
		log.Info("opentelemetry disabled")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.GetOTLPEndpoint()),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res := resource.NewSchemaless(attribute.String("service.name", cfg.GetServiceName()))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info("opentelemetry tracing initialized", "endpoint", cfg.GetOTLPEndpoint(), "service", cfg.GetServiceName())
	return tp.Shutdown, nil
}

// Tracer returns the tracer for pipeline components.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}
