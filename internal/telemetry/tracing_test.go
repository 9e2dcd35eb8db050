package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTestTracer installs an in-memory span exporter for test assertions.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(
		trace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestInitTraceProviderNoopWhenEmpty(t *testing.T) {
	shutdown, err := InitTraceProvider(context.Background(), "", "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestScanSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartScanSpan(context.Background(), "scan-1", "192.168.1.0/24", 502)
	EndScanSpan(span, 1, nil)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "discovery.scan" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "discovery.scan")
	}

	foundSubnet := false
	foundCount := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "vertiport.subnet" && a.Value.AsString() == "192.168.1.0/24" {
			foundSubnet = true
		}
		if string(a.Key) == "vertiport.discovered" && a.Value.AsInt64() == 1 {
			foundCount = true
		}
	}
	if !foundSubnet {
		t.Error("missing vertiport.subnet attribute")
	}
	if !foundCount {
		t.Error("missing vertiport.discovered attribute")
	}
}

func TestConnectSpanFailureStatus(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartConnectSpan(context.Background(), "192.168.1.42:502", "timer")
	EndConnectSpan(span, errors.New("connection refused"))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status.Code)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected the error to be recorded as a span event")
	}
}

func TestConnectSpanNestsUnderScan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, scanSpan := StartScanSpan(context.Background(), "scan-2", "10.0.0.0/24", 502)
	_, connSpan := StartConnectSpan(ctx, "10.0.0.7:502", "open")
	EndConnectSpan(connSpan, nil)
	EndScanSpan(scanSpan, 1, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}

	connStub := spans[0]
	scanStub := spans[1]
	if connStub.Parent.TraceID() != scanStub.SpanContext.TraceID() {
		t.Error("connect span should share trace ID with scan span")
	}
	if !connStub.Parent.SpanID().IsValid() {
		t.Error("connect span should have a valid parent span ID")
	}
}
