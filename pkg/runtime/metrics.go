package runtime

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the runtime daemon.
type Metrics struct {
	// Request metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestRetries  prometheus.Counter

	// Session metrics
	sessionsActive  prometheus.Gauge
	sessionsTotal   *prometheus.CounterVec
	sessionDuration prometheus.Histogram

	// Frame metrics
	framesTotal  *prometheus.CounterVec
	frameErrors  *prometheus.CounterVec
	streamChunks prometheus.Counter

	// Circuit breaker metrics
	circuitRejections *prometheus.CounterVec

	// Configuration reload metrics
	configReloads *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance with all runtime metrics
// registered against a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runtime_requests_total",
				Help: "Total number of executed requests by method and error class",
			},
			[]string{"method", "class"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runtime_request_duration_seconds",
				Help:    "Request execution latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		requestRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "runtime_request_retries_total",
				Help: "Total number of retry attempts across all requests",
			},
		),

		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "runtime_sessions_active",
				Help: "Number of currently connected client sessions",
			},
		),

		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runtime_sessions_total",
				Help: "Total number of client sessions accepted",
			},
			[]string{"transport"},
		),

		sessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "runtime_session_duration_seconds",
				Help:    "Session lifetime in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
			},
		),

		framesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runtime_frames_total",
				Help: "Total number of frames processed by direction and kind",
			},
			[]string{"direction", "kind"},
		),

		frameErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runtime_frame_errors_total",
				Help: "Total number of frame decode and write errors",
			},
			[]string{"reason"},
		),

		streamChunks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "runtime_stream_chunks_total",
				Help: "Total number of stream chunks relayed to clients",
			},
		),

		circuitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runtime_circuit_rejections_total",
				Help: "Total number of requests rejected by an open circuit breaker",
			},
			[]string{"host"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runtime_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.requestRetries,
		m.sessionsActive,
		m.sessionsTotal,
		m.sessionDuration,
		m.framesTotal,
		m.frameErrors,
		m.streamChunks,
		m.circuitRejections,
		m.configReloads,
	)

	return m
}

// RecordRequest records metrics for one completed request.
func (m *Metrics) RecordRequest(method, class string, duration time.Duration, retries int) {
	m.requestsTotal.WithLabelValues(method, class).Inc()
	m.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
	if retries > 0 {
		m.requestRetries.Add(float64(retries))
	}
}

// RecordSessionOpened records a newly accepted session.
func (m *Metrics) RecordSessionOpened(transport string) {
	m.sessionsTotal.WithLabelValues(transport).Inc()
	m.sessionsActive.Inc()
}

// RecordSessionClosed records a session closure.
func (m *Metrics) RecordSessionClosed(duration time.Duration) {
	m.sessionsActive.Dec()
	m.sessionDuration.Observe(duration.Seconds())
}

// RecordFrame records a processed frame.
func (m *Metrics) RecordFrame(direction, kind string) {
	m.framesTotal.WithLabelValues(direction, kind).Inc()
}

// RecordFrameError records a frame decode or write error.
func (m *Metrics) RecordFrameError(reason string) {
	m.frameErrors.WithLabelValues(reason).Inc()
}

// RecordStreamChunk records one relayed stream chunk.
func (m *Metrics) RecordStreamChunk() {
	m.streamChunks.Inc()
}

// RecordCircuitRejection records a fail-fast rejection for a host.
func (m *Metrics) RecordCircuitRejection(host string) {
	m.circuitRejections.WithLabelValues(host).Inc()
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
