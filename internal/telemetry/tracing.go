// Package telemetry configures OpenTelemetry tracing for the vertiport
// controller.
//
// Custom span attributes use the `vertiport.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/marcus-qen/vertiport"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("vertiportd"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartScanSpan creates the parent span for one subnet sweep.
func StartScanSpan(ctx context.Context, scanID, subnet string, port int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "discovery.scan",
		trace.WithAttributes(
			attribute.String("vertiport.scan_id", scanID),
			attribute.String("vertiport.subnet", subnet),
			attribute.Int("vertiport.port", port),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndScanSpan enriches the scan span with its outcome.
func EndScanSpan(span trace.Span, discovered int, err error) {
	span.SetAttributes(
		attribute.Int("vertiport.discovered", discovered),
		attribute.Bool("vertiport.found", discovered > 0),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartConnectSpan creates a span for one device connect attempt.
func StartConnectSpan(ctx context.Context, address, trigger string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "session.connect",
		trace.WithAttributes(
			attribute.String("vertiport.address", address),
			attribute.String("vertiport.trigger", trigger),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndConnectSpan closes a connect span, marking failures.
func EndConnectSpan(span trace.Span, err error) {
	span.SetAttributes(attribute.Bool("vertiport.connected", err == nil))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
