package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/vastar/connector-runtime/pkg/protocol"
)

var (
	metricsOnce             sync.Once
	metricsInitErr          error
	requestCounter          metric.Int64Counter
	requestRetryCounter     metric.Int64Counter
	circuitOpenCounter      metric.Int64Counter
	rateLimitedCounter      metric.Int64Counter
	requestTimeoutCounter   metric.Int64Counter
	requestLatencyHistogram metric.Float64Histogram
)

// RequestMetrics captures the fields needed to record request execution telemetry.
type RequestMetrics struct {
	Host        string
	Method      string
	TenantID    string
	WorkspaceID string
	Class       protocol.ErrorClass
	CircuitOpen bool
	Duration    time.Duration
	Retries     int
}

// RecordRequestMetrics emits counters and histograms that describe request execution behaviour.
func RecordRequestMetrics(ctx context.Context, m RequestMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("upstream.host", m.Host),
		attribute.String("http.method", m.Method),
		attribute.String("tenant.id", m.TenantID),
		attribute.String("workspace.id", m.WorkspaceID),
		attribute.String("request.class", m.Class.String()),
	}

	requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		requestLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if m.Retries > 0 {
		requestRetryCounter.Add(ctx, int64(m.Retries), metric.WithAttributes(attrs...))
	}

	if m.CircuitOpen {
		circuitOpenCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	switch m.Class {
	case protocol.ErrRateLimited:
		rateLimitedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	case protocol.ErrTimeout:
		requestTimeoutCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("vastar.runtime")

		requestCounter, metricsInitErr = meter.Int64Counter(
			"runtime.request.executions_total",
			metric.WithDescription("Request executions partitioned by error class"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		requestRetryCounter, metricsInitErr = meter.Int64Counter(
			"runtime.request.retries_total",
			metric.WithDescription("Retry attempts performed during request execution"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		circuitOpenCounter, metricsInitErr = meter.Int64Counter(
			"runtime.request.circuit_open_total",
			metric.WithDescription("Requests rejected by an open circuit breaker"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		rateLimitedCounter, metricsInitErr = meter.Int64Counter(
			"runtime.request.rate_limited_total",
			metric.WithDescription("Rate limited outcomes returned by upstream services"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		requestTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"runtime.request.timeout_total",
			metric.WithDescription("Timeout outcomes observed during request execution"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		requestLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"runtime.request.duration_ms",
			metric.WithDescription("Observed request execution latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
