package protocol

import (
	"fmt"
	"strings"
	"time"
)

// MessageKind tags the payload carried by a frame.
type MessageKind byte

const (
	// KindExecuteRequest asks the runtime to execute an HTTP call.
	KindExecuteRequest MessageKind = 0x00
	// KindExecuteResponse carries the final outcome of an execute request.
	KindExecuteResponse MessageKind = 0x01
	// KindStreamChunk carries one incremental SSE event for a streaming request.
	KindStreamChunk MessageKind = 0x02
	// KindCancel aborts a single in-flight request identified by request ID.
	KindCancel MessageKind = 0x03
)

// String returns a human-readable name for logging.
func (k MessageKind) String() string {
	switch k {
	case KindExecuteRequest:
		return "execute_request"
	case KindExecuteResponse:
		return "execute_response"
	case KindStreamChunk:
		return "stream_chunk"
	case KindCancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(k))
	}
}

// ErrorClass classifies the outcome of a connector operation. Exactly one
// class is attached to every completed or failed call. The numeric values are
// part of the wire contract and must not be reordered.
type ErrorClass uint8

const (
	// ErrSuccess indicates a fully read or relayed response.
	ErrSuccess ErrorClass = 0
	// ErrTransient indicates a failure where a retry may help (connection
	// refused/reset, DNS failure, circuit fail-fast, dead stream).
	ErrTransient ErrorClass = 1
	// ErrPermanent indicates a failure a retry will not fix.
	ErrPermanent ErrorClass = 2
	// ErrRateLimited indicates the upstream signalled backpressure.
	ErrRateLimited ErrorClass = 3
	// ErrTimeout indicates a deadline expired at some suspension point.
	ErrTimeout ErrorClass = 4
	// ErrInvalidRequest indicates malformed input that was never sent.
	ErrInvalidRequest ErrorClass = 5
)

// String returns the canonical upper-case name of the class.
func (c ErrorClass) String() string {
	switch c {
	case ErrSuccess:
		return "SUCCESS"
	case ErrTransient:
		return "TRANSIENT"
	case ErrPermanent:
		return "PERMANENT"
	case ErrRateLimited:
		return "RATE_LIMITED"
	case ErrTimeout:
		return "TIMEOUT"
	case ErrInvalidRequest:
		return "INVALID_REQUEST"
	default:
		return fmt.Sprintf("ERROR_CLASS(%d)", uint8(c))
	}
}

// Retryable reports whether a retry attempt is eligible for this class.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrTransient, ErrRateLimited, ErrTimeout:
		return true
	default:
		return false
	}
}

// DefaultTenantID is applied when a request omits its tenant.
const DefaultTenantID = "default"

// ExecuteRequest is the decoded form of an execute-request frame.
type ExecuteRequest struct {
	RequestID   uint64            `json:"request_id"`
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body,omitempty"`
	TimeoutMs   int64             `json:"timeout_ms,omitempty"`
	TenantID    string            `json:"tenant_id,omitempty"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	TraceID     string            `json:"trace_id,omitempty"`
	// Stream opts the client into incremental delivery: decoded SSE events are
	// forwarded as stream-chunk frames instead of one buffered body.
	Stream bool `json:"stream,omitempty"`
}

// Timeout returns the request timeout, or zero when the channel default applies.
func (r *ExecuteRequest) Timeout() time.Duration {
	if r.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// Header performs a case-insensitive header lookup.
func (r *ExecuteRequest) Header(name string) (string, bool) {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// Normalize applies decode-time defaults and collapses header names that
// differ only by case, keeping the first spelling seen for a name. Requests
// decoded from the wire resolve duplicates in document order before this
// runs; a hand-built map has no order for the merge to honor.
func (r *ExecuteRequest) Normalize() {
	if r.TenantID == "" {
		r.TenantID = DefaultTenantID
	}
	if len(r.Headers) == 0 {
		return
	}
	merged := make(map[string]string, len(r.Headers))
	spelling := make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		lower := strings.ToLower(k)
		if prior, ok := spelling[lower]; ok {
			merged[prior] = v
			continue
		}
		spelling[lower] = k
		merged[k] = v
	}
	r.Headers = merged
}

// ExecuteResponse is the payload of an execute-response frame. StatusCode 0
// means no HTTP response was received (transport-level failure).
type ExecuteResponse struct {
	RequestID    uint64            `json:"request_id"`
	StatusCode   int               `json:"status_code"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         []byte            `json:"body,omitempty"`
	DurationMs   float64           `json:"duration_ms"`
	ErrorClass   ErrorClass        `json:"error_class"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// StreamChunk is one incremental SSE event relayed to the client. Seq is
// monotonically increasing per request so order violations are detectable.
// The terminal chunk has Done set and carries no data.
type StreamChunk struct {
	RequestID uint64 `json:"request_id"`
	Seq       uint64 `json:"seq"`
	Data      []byte `json:"data,omitempty"`
	Done      bool   `json:"done,omitempty"`
}

// Cancel aborts the in-flight request with the given ID. It is never
// acknowledged; a cancelled request produces no response frame.
type Cancel struct {
	RequestID uint64 `json:"request_id"`
}
