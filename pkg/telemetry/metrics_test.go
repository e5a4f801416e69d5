package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/vastar/connector-runtime/pkg/protocol"
)

func TestRecordRequestMetrics(t *testing.T) {
	t.Helper()

	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
	})

	ResetMetricsForTest()

	RecordRequestMetrics(ctx, RequestMetrics{
		Host:        "api.example.com",
		Method:      "POST",
		TenantID:    "tenant-a",
		WorkspaceID: "ws-1",
		Class:       protocol.ErrTimeout,
		Duration:    150 * time.Millisecond,
		Retries:     1,
	})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}

	sumExec, ok := metrics["runtime.request.executions_total"]
	if !ok {
		t.Fatalf("missing executions metric")
	}
	execData, ok := sumExec.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for executions metric")
	}
	if len(execData.DataPoints) != 1 {
		t.Fatalf("expected 1 datapoint, got %d", len(execData.DataPoints))
	}
	if execData.DataPoints[0].Value != 1 {
		t.Fatalf("expected executions count 1, got %d", execData.DataPoints[0].Value)
	}
	if value, ok := execData.DataPoints[0].Attributes.Value(attribute.Key("upstream.host")); !ok || value.AsString() != "api.example.com" {
		t.Fatalf("expected upstream.host attribute to be api.example.com, got %v", value)
	}
	if value, ok := execData.DataPoints[0].Attributes.Value(attribute.Key("request.class")); !ok || value.AsString() != "TIMEOUT" {
		t.Fatalf("expected request.class attribute to be TIMEOUT, got %v", value)
	}

	sumRetry, ok := metrics["runtime.request.retries_total"]
	if !ok {
		t.Fatalf("missing retries metric")
	}
	retryData := sumRetry.Data.(metricdata.Sum[int64])
	if retryData.DataPoints[0].Value != 1 {
		t.Fatalf("expected retry count 1, got %d", retryData.DataPoints[0].Value)
	}

	sumTimeout, ok := metrics["runtime.request.timeout_total"]
	if !ok {
		t.Fatalf("missing timeout metric")
	}
	timeoutData := sumTimeout.Data.(metricdata.Sum[int64])
	if timeoutData.DataPoints[0].Value != 1 {
		t.Fatalf("expected timeout count 1, got %d", timeoutData.DataPoints[0].Value)
	}

	hist, ok := metrics["runtime.request.duration_ms"]
	if !ok {
		t.Fatalf("missing duration_ms metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if histData.DataPoints[0].Count != 1 {
		t.Fatalf("expected histogram count 1, got %d", histData.DataPoints[0].Count)
	}
	if histData.DataPoints[0].Sum != 150 {
		t.Fatalf("expected histogram sum 150, got %v", histData.DataPoints[0].Sum)
	}
}

func TestRecordRequestMetricsCircuitOpen(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
	})

	ResetMetricsForTest()

	RecordRequestMetrics(ctx, RequestMetrics{
		Host:        "api.example.com",
		Method:      "GET",
		TenantID:    "default",
		Class:       protocol.ErrTransient,
		CircuitOpen: true,
	})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}

	sumOpen, ok := metrics["runtime.request.circuit_open_total"]
	if !ok {
		t.Fatalf("missing circuit_open metric")
	}
	openData := sumOpen.Data.(metricdata.Sum[int64])
	if openData.DataPoints[0].Value != 1 {
		t.Fatalf("expected circuit open count 1, got %d", openData.DataPoints[0].Value)
	}
}
