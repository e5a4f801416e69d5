package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vastar/connector-runtime/internal/policy"
	"github.com/vastar/connector-runtime/internal/pool"
	"github.com/vastar/connector-runtime/internal/resilience"
	"github.com/vastar/connector-runtime/pkg/protocol"
	"github.com/vastar/connector-runtime/pkg/sse"
	"github.com/vastar/connector-runtime/pkg/telemetry"
)

// ChunkEmitter delivers one decoded stream event to the client. Emitters are
// called in event arrival order; an error aborts the stream.
type ChunkEmitter func(chunk protocol.StreamChunk) error

// ExecutorConfig holds execution defaults owned by the configuration surface.
type ExecutorConfig struct {
	// DefaultTimeout applies when the request carries no timeout of its own.
	DefaultTimeout time.Duration
	// MaxBodyBytes bounds a buffered response body.
	MaxBodyBytes int64
}

// Executor runs one execution request to completion: validation, policy and
// circuit gates, pooled HTTP attempt, classification, and the retry loop.
type Executor struct {
	config   ExecutorConfig
	pool     *pool.Pool
	breakers *resilience.BreakerManager
	retry    *resilience.RetryPolicy
	gate     atomic.Pointer[policy.Gate]
	metrics  *Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewExecutor wires an executor from its collaborators. gate may be nil,
// which disables policy evaluation.
func NewExecutor(config ExecutorConfig, connPool *pool.Pool, breakers *resilience.BreakerManager, retry *resilience.RetryPolicy, gate *policy.Gate, metrics *Metrics, logger *slog.Logger) *Executor {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 60 * time.Second
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = protocol.MaxPayloadSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		config:   config,
		pool:     connPool,
		breakers: breakers,
		retry:    retry,
		metrics:  metrics,
		logger:   logger,
		tracer:   otel.Tracer("vastar.runtime"),
	}
	e.gate.Store(gate)
	return e
}

// SetGate swaps the egress policy gate, for configuration reloads. Safe to
// call concurrently with in-flight requests.
func (e *Executor) SetGate(gate *policy.Gate) {
	e.gate.Store(gate)
}

// attemptResult captures the outcome of one network attempt.
type attemptResult struct {
	status      int
	headers     map[string]string
	body        []byte
	class       protocol.ErrorClass
	message     string
	hint        time.Duration
	circuitOpen bool
	cancelled   bool
	emitted     int
}

// Execute runs req to completion and returns the response frame payload.
// emit is consulted only when req.Stream is set; with a nil emit the stream
// is buffered regardless. Execute never panics: an internal fault is
// surfaced as a PERMANENT response so other in-flight requests are unharmed.
func (e *Executor) Execute(ctx context.Context, req *protocol.ExecuteRequest, emit ChunkEmitter) (resp *protocol.ExecuteResponse) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("request execution panicked", "request_id", req.RequestID, "panic", fmt.Sprint(r))
			resp = e.failure(req, start, protocol.ErrPermanent, fmt.Sprintf("internal fault: %v", r))
		}
	}()

	ctx, span := e.tracer.Start(ctx, "runtime.execute",
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("tenant.id", req.TenantID),
			attribute.Bool("request.stream", req.Stream),
		))
	defer span.End()

	target, err := e.validate(req)
	if err != nil {
		span.SetAttributes(attribute.String("request.class", protocol.ErrInvalidRequest.String()))
		return e.finish(ctx, req, "", start, &attemptResult{
			class:   protocol.ErrInvalidRequest,
			message: err.Error(),
		}, 0)
	}
	host := target.Host
	span.SetAttributes(attribute.String("upstream.host", host))

	if gate := e.gate.Load(); gate != nil {
		allowed, gateErr := gate.Allow(ctx, policy.Input{
			Host:        host,
			Method:      req.Method,
			TenantID:    req.TenantID,
			WorkspaceID: req.WorkspaceID,
		})
		if gateErr != nil {
			e.logger.Error("egress policy evaluation failed", "request_id", req.RequestID, "host", host, "error", gateErr)
			return e.finish(ctx, req, host, start, &attemptResult{
				class:   protocol.ErrPermanent,
				message: "egress policy evaluation failed",
			}, 0)
		}
		if !allowed {
			return e.finish(ctx, req, host, start, &attemptResult{
				class:   protocol.ErrPermanent,
				message: "egress denied by policy for host " + host,
			}, 0)
		}
	}

	timeout := req.Timeout()
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}

	retries := 0
	var result *attemptResult
	for attempt := 0; ; attempt++ {
		result = e.attempt(ctx, req, target, timeout, emit)
		if result.cancelled {
			return e.finish(ctx, req, host, start, result, retries)
		}
		if result.class == protocol.ErrSuccess {
			break
		}
		// A stream that already delivered chunks cannot be transparently
		// replayed; the failure stands.
		if result.emitted > 0 {
			break
		}
		// An open circuit fails fast. Sleeping out the backoff schedule here
		// would hold the request for exactly the time the breaker exists to
		// save.
		if result.circuitOpen {
			break
		}
		if !e.retry.ShouldRetry(result.class, attempt) {
			break
		}
		if err := e.retry.Wait(ctx, attempt, result.hint); err != nil {
			result.cancelled = ctx.Err() == context.Canceled
			break
		}
		retries++
		e.logger.Debug("retrying request", "request_id", req.RequestID, "host", host, "attempt", attempt+1, "class", result.class.String())
	}

	span.SetAttributes(
		attribute.String("request.class", result.class.String()),
		attribute.Int("request.retries", retries),
	)
	return e.finish(ctx, req, host, start, result, retries)
}

// attempt performs one gated network attempt. The request timeout bounds the
// whole attempt: pool checkout, the HTTP call, and the body read.
func (e *Executor) attempt(ctx context.Context, req *protocol.ExecuteRequest, target *url.URL, timeout time.Duration, emit ChunkEmitter) *attemptResult {
	host := target.Host
	breaker := e.breakers.Get(host)

	if err := breaker.Allow(); err != nil {
		if e.metrics != nil {
			e.metrics.RecordCircuitRejection(host)
		}
		return &attemptResult{
			class:       protocol.ErrTransient,
			message:     "circuit breaker open for host " + host,
			circuitOpen: true,
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := e.pool.Checkout(attemptCtx, host)
	if err != nil {
		result := &attemptResult{}
		if errors.Is(err, context.Canceled) {
			breaker.Abandon()
			result.cancelled = true
			result.class = protocol.ErrTransient
			result.message = "request cancelled"
			return result
		}
		result.class = protocol.ErrTimeout
		result.message = "timed out waiting for a pooled connection"
		breaker.Record(true)
		return result
	}

	// Deferred so a panicking stream consumer cannot leak the pool slot. The
	// connection is poisoned first: its body may be half-read.
	defer e.pool.Release(conn)
	defer func() {
		if r := recover(); r != nil {
			conn.MarkUnusable()
			panic(r)
		}
	}()

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, target.String(), bytes.NewReader(req.Body))
	if err != nil {
		return &attemptResult{class: protocol.ErrInvalidRequest, message: "build request: " + err.Error()}
	}
	// Only caller-supplied headers go on the wire; the transport adds what
	// HTTP itself requires (Host, Content-Length).
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := conn.Do(httpReq)
	if err != nil {
		conn.MarkUnusable()
		result := &attemptResult{}
		if ctx.Err() == context.Canceled {
			breaker.Abandon()
			result.cancelled = true
			result.class = protocol.ErrTransient
			result.message = "request cancelled"
			return result
		}
		result.class, result.message = resilience.Classify(0, err)
		breaker.Record(result.class == protocol.ErrTransient || result.class == protocol.ErrTimeout)
		return result
	}

	result := e.consumeResponse(attemptCtx, req, conn, httpResp, emit)

	if ctx.Err() == context.Canceled {
		breaker.Abandon()
		result.cancelled = true
		return result
	}
	breaker.Record(result.class == protocol.ErrTransient || result.class == protocol.ErrTimeout)
	return result
}

// consumeResponse reads or relays the response body and classifies the
// attempt. The connection is marked unusable when the body is abandoned
// mid-read.
func (e *Executor) consumeResponse(ctx context.Context, req *protocol.ExecuteRequest, conn *pool.Conn, httpResp *http.Response, emit ChunkEmitter) *attemptResult {
	defer httpResp.Body.Close()

	result := &attemptResult{
		status:  httpResp.StatusCode,
		headers: flattenHeaders(httpResp.Header),
	}

	result.class, result.message = resilience.Classify(httpResp.StatusCode, nil)
	if result.class != protocol.ErrSuccess {
		// Failure statuses still drain a bounded slice of the body so the
		// caller sees the upstream error payload.
		body, readErr := io.ReadAll(io.LimitReader(httpResp.Body, e.config.MaxBodyBytes))
		if readErr == nil {
			result.body = body
		} else {
			conn.MarkUnusable()
		}
		if result.class == protocol.ErrRateLimited {
			result.hint = resilience.RetryAfterHint(httpResp.Header)
		}
		return result
	}

	if isEventStream(httpResp.Header.Get("Content-Type")) {
		return e.consumeStream(ctx, req, conn, httpResp.Body, emit, result)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, e.config.MaxBodyBytes))
	if err != nil {
		conn.MarkUnusable()
		result.class, result.message = resilience.Classify(0, err)
		result.status = 0
		result.headers = nil
		return result
	}
	result.body = body
	return result
}

// consumeStream hands the body to the SSE relay, incrementally when the
// client opted in and buffered otherwise.
func (e *Executor) consumeStream(ctx context.Context, req *protocol.ExecuteRequest, conn *pool.Conn, body io.Reader, emit ChunkEmitter, result *attemptResult) *attemptResult {
	relay := &sse.Relay{Coalesce: true, MaxBody: e.config.MaxBodyBytes}

	if req.Stream && emit != nil {
		var seq uint64
		_, err := relay.Incremental(ctx, body, func(data []byte) error {
			chunk := protocol.StreamChunk{RequestID: req.RequestID, Seq: seq, Data: data}
			seq++
			if emitErr := emit(chunk); emitErr != nil {
				return emitErr
			}
			result.emitted++
			return nil
		})
		if err != nil {
			conn.MarkUnusable()
			e.classifyStreamError(err, result)
			return result
		}
		if emitErr := emit(protocol.StreamChunk{RequestID: req.RequestID, Seq: seq, Done: true}); emitErr != nil {
			conn.MarkUnusable()
			result.class, result.message = protocol.ErrTransient, "stream consumer failed: "+emitErr.Error()
			return result
		}
		return result
	}

	buffered, _, err := relay.Buffered(ctx, body)
	if err != nil {
		conn.MarkUnusable()
		e.classifyStreamError(err, result)
		return result
	}
	result.body = buffered
	return result
}

func (e *Executor) classifyStreamError(err error, result *attemptResult) {
	switch {
	case errors.Is(err, sse.ErrNoEvents):
		result.class, result.message = protocol.ErrTransient, err.Error()
	case errors.Is(err, sse.ErrBodyLimit):
		result.class, result.message = protocol.ErrPermanent, err.Error()
	default:
		result.class, result.message = resilience.Classify(0, err)
	}
	result.status = 0
	result.headers = nil
}

// finish assembles the response frame and records telemetry for the request.
// A cancelled request yields a nil response: the dispatcher writes nothing.
func (e *Executor) finish(ctx context.Context, req *protocol.ExecuteRequest, host string, start time.Time, result *attemptResult, retries int) *protocol.ExecuteResponse {
	duration := time.Since(start)

	if result.cancelled {
		e.logger.Debug("request cancelled", "request_id", req.RequestID, "host", host, "duration_ms", duration.Milliseconds())
		return nil
	}

	if e.metrics != nil {
		e.metrics.RecordRequest(req.Method, result.class.String(), duration, retries)
	}
	telemetry.RecordRequestMetrics(ctx, telemetry.RequestMetrics{
		Host:        host,
		Method:      req.Method,
		TenantID:    req.TenantID,
		WorkspaceID: req.WorkspaceID,
		Class:       result.class,
		CircuitOpen: result.circuitOpen,
		Duration:    duration,
		Retries:     retries,
	})

	level := slog.LevelInfo
	if result.class != protocol.ErrSuccess {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "request completed",
		"request_id", req.RequestID,
		"host", host,
		"method", req.Method,
		"tenant_id", req.TenantID,
		"status", result.status,
		"class", result.class.String(),
		"retries", retries,
		"duration_ms", duration.Milliseconds(),
	)

	return &protocol.ExecuteResponse{
		RequestID:    req.RequestID,
		StatusCode:   result.status,
		Headers:      result.headers,
		Body:         result.body,
		DurationMs:   float64(duration) / float64(time.Millisecond),
		ErrorClass:   result.class,
		ErrorMessage: result.message,
	}
}

func (e *Executor) failure(req *protocol.ExecuteRequest, start time.Time, class protocol.ErrorClass, message string) *protocol.ExecuteResponse {
	return &protocol.ExecuteResponse{
		RequestID:    req.RequestID,
		DurationMs:   float64(time.Since(start)) / float64(time.Millisecond),
		ErrorClass:   class,
		ErrorMessage: message,
	}
}

var knownMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodPatch:   {},
	http.MethodDelete:  {},
	http.MethodOptions: {},
	http.MethodTrace:   {},
}

// validate rejects malformed requests before any network I/O.
func (e *Executor) validate(req *protocol.ExecuteRequest) (*url.URL, error) {
	if _, ok := knownMethods[req.Method]; !ok {
		return nil, fmt.Errorf("unknown HTTP method %q", req.Method)
	}

	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", target.Scheme)
	}
	if target.Host == "" {
		return nil, errors.New("url has no host")
	}

	for name, value := range req.Headers {
		if name == "" {
			return nil, errors.New("empty header name")
		}
		if strings.ContainsFunc(name, isHeaderControl) {
			return nil, fmt.Errorf("header name %q contains control characters", name)
		}
		if strings.ContainsFunc(value, isValueControl) {
			return nil, fmt.Errorf("header %q value contains control characters", name)
		}
	}

	return target, nil
}

func isHeaderControl(r rune) bool {
	return r < 0x20 || r == 0x7f || r == ' '
}

// Horizontal tab is the one control character the field-value grammar admits.
func isValueControl(r rune) bool {
	return (r < 0x20 && r != '\t') || r == 0x7f
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, values := range h {
		if len(values) > 0 {
			out[k] = values[0]
		}
	}
	return out
}

func isEventStream(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(contentType), "text/event-stream")
	}
	return mediaType == "text/event-stream"
}
