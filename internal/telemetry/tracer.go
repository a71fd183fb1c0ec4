// Package telemetry wires OpenTelemetry tracing for the engine. Spans cover
// each runtime cycle and the status server; the stdout exporter keeps local
// runs inspectable without a collector.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "multichannel-engine"

// InitTracer installs a global tracer provider for serviceName and returns
// its shutdown function.
func InitTracer(serviceName string, logger *slog.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	logger.Info("tracing initialized", slog.String("service", serviceName))
	return provider.Shutdown, nil
}

// Tracer returns the engine tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
