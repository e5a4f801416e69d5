package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vastar/connector-runtime/internal/resilience"
	"github.com/vastar/connector-runtime/pkg/protocol"
)

type sessionHarness struct {
	client net.Conn
	writer *protocol.FrameWriter
	reader *protocol.FrameReader
	done   chan struct{}
	cancel context.CancelFunc
}

func newSessionHarness(t *testing.T, executor *Executor) *sessionHarness {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	session := NewSession(serverConn, "unix", executor, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		session.Run(ctx)
	}()

	sh := &sessionHarness{
		client: clientConn,
		writer: protocol.NewFrameWriter(clientConn),
		reader: protocol.NewFrameReader(clientConn),
		done:   done,
		cancel: cancel,
	}
	t.Cleanup(func() {
		cancel()
		_ = clientConn.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop")
		}
	})
	return sh
}

func (sh *sessionHarness) sendExecute(t *testing.T, req *protocol.ExecuteRequest) {
	t.Helper()
	require.NoError(t, sh.writer.WriteMessage(protocol.KindExecuteRequest, req))
}

func (sh *sessionHarness) sendCancel(t *testing.T, id uint64) {
	t.Helper()
	require.NoError(t, sh.writer.WriteMessage(protocol.KindCancel, protocol.Cancel{RequestID: id}))
}

func (sh *sessionHarness) readFrame(t *testing.T, timeout time.Duration) protocol.Frame {
	t.Helper()
	require.NoError(t, sh.client.SetReadDeadline(time.Now().Add(timeout)))
	frame, err := sh.reader.Read()
	require.NoError(t, err)
	require.NoError(t, sh.client.SetReadDeadline(time.Time{}))
	return frame
}

func (sh *sessionHarness) readResponse(t *testing.T, timeout time.Duration) *protocol.ExecuteResponse {
	t.Helper()
	frame := sh.readFrame(t, timeout)
	require.Equal(t, protocol.KindExecuteResponse, frame.Kind)
	var resp protocol.ExecuteResponse
	require.NoError(t, json.Unmarshal(frame.Payload, &resp))
	return &resp
}

func TestSessionRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pong"))
	}))
	defer server.Close()

	h := newExecutorHarness(t, noRetries(), resilience.DefaultCircuitBreakerConfig())
	sh := newSessionHarness(t, h.executor)

	sh.sendExecute(t, &protocol.ExecuteRequest{RequestID: 42, Method: http.MethodGet, URL: server.URL})

	resp := sh.readResponse(t, 2*time.Second)
	assert.EqualValues(t, 42, resp.RequestID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte("pong"), resp.Body)
	assert.Equal(t, protocol.ErrSuccess, resp.ErrorClass)
}

func TestSessionOutOfOrderCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			time.Sleep(200 * time.Millisecond)
		}
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer server.Close()

	h := newExecutorHarness(t, noRetries(), resilience.DefaultCircuitBreakerConfig())
	sh := newSessionHarness(t, h.executor)

	sh.sendExecute(t, &protocol.ExecuteRequest{RequestID: 1, Method: http.MethodGet, URL: server.URL + "/slow"})
	sh.sendExecute(t, &protocol.ExecuteRequest{RequestID: 2, Method: http.MethodGet, URL: server.URL + "/fast"})

	first := sh.readResponse(t, 2*time.Second)
	second := sh.readResponse(t, 2*time.Second)

	// Responses come back in completion order, not submission order.
	assert.EqualValues(t, 2, first.RequestID)
	assert.EqualValues(t, 1, second.RequestID)
}

func TestSessionDuplicateInflightID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte("done"))
	}))
	defer server.Close()

	h := newExecutorHarness(t, noRetries(), resilience.DefaultCircuitBreakerConfig())
	sh := newSessionHarness(t, h.executor)

	req := &protocol.ExecuteRequest{RequestID: 7, Method: http.MethodGet, URL: server.URL}
	sh.sendExecute(t, req)
	sh.sendExecute(t, req)

	// The duplicate is rejected without execution; the original still runs.
	first := sh.readResponse(t, 2*time.Second)
	assert.EqualValues(t, 7, first.RequestID)
	assert.Equal(t, protocol.ErrInvalidRequest, first.ErrorClass)
	assert.Contains(t, first.ErrorMessage, "duplicate")

	second := sh.readResponse(t, 2*time.Second)
	assert.EqualValues(t, 7, second.RequestID)
	assert.Equal(t, protocol.ErrSuccess, second.ErrorClass)
	assert.Equal(t, []byte("done"), second.Body)
}

func TestSessionCancelSuppressesResponse(t *testing.T) {
	started := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	h := newExecutorHarness(t, noRetries(), resilience.DefaultCircuitBreakerConfig())
	sh := newSessionHarness(t, h.executor)

	sh.sendExecute(t, &protocol.ExecuteRequest{RequestID: 3, Method: http.MethodGet, URL: server.URL})
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the upstream")
	}
	sh.sendCancel(t, 3)

	// A cancelled request produces no response frame at all.
	require.NoError(t, sh.client.SetReadDeadline(time.Now().Add(500*time.Millisecond)))
	_, err := sh.reader.Read()
	assert.Error(t, err, "expected no frame after cancellation")
}

func TestSessionMalformedExecutePayload(t *testing.T) {
	h := newExecutorHarness(t, noRetries(), resilience.DefaultCircuitBreakerConfig())
	sh := newSessionHarness(t, h.executor)

	require.NoError(t, sh.writer.Write(protocol.KindExecuteRequest, []byte("{not json")))

	resp := sh.readResponse(t, 2*time.Second)
	assert.Equal(t, protocol.ErrInvalidRequest, resp.ErrorClass)
}

func TestSessionUnknownFrameKindIgnored(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	h := newExecutorHarness(t, noRetries(), resilience.DefaultCircuitBreakerConfig())
	sh := newSessionHarness(t, h.executor)

	require.NoError(t, sh.writer.Write(protocol.MessageKind(0x7f), []byte("{}")))
	sh.sendExecute(t, &protocol.ExecuteRequest{RequestID: 9, Method: http.MethodGet, URL: server.URL})

	resp := sh.readResponse(t, 2*time.Second)
	assert.EqualValues(t, 9, resp.RequestID)
	assert.Equal(t, protocol.ErrSuccess, resp.ErrorClass)
}

func TestSessionStreamChunksInOrder(t *testing.T) {
	server := httptest.NewServer(sseHandler(
		"data: {\"v\":1}\n\n",
		"data: {\"v\":2}\n\n",
		"data: [DONE]\n\n",
	))
	defer server.Close()

	h := newExecutorHarness(t, noRetries(), resilience.DefaultCircuitBreakerConfig())
	sh := newSessionHarness(t, h.executor)

	sh.sendExecute(t, &protocol.ExecuteRequest{RequestID: 11, Method: http.MethodGet, URL: server.URL, Stream: true})

	var chunks []protocol.StreamChunk
	for {
		frame := sh.readFrame(t, 2*time.Second)
		if frame.Kind == protocol.KindExecuteResponse {
			var resp protocol.ExecuteResponse
			require.NoError(t, json.Unmarshal(frame.Payload, &resp))
			assert.Equal(t, protocol.ErrSuccess, resp.ErrorClass)
			break
		}
		require.Equal(t, protocol.KindStreamChunk, frame.Kind)
		var chunk protocol.StreamChunk
		require.NoError(t, json.Unmarshal(frame.Payload, &chunk))
		chunks = append(chunks, chunk)
	}

	require.Len(t, chunks, 3)
	assert.Equal(t, `{"v":1}`, string(chunks[0].Data))
	assert.Equal(t, `{"v":2}`, string(chunks[1].Data))
	assert.True(t, chunks[2].Done)
}

func TestSessionCloseCancelsInflight(t *testing.T) {
	released := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		close(released)
	}))
	defer server.Close()

	h := newExecutorHarness(t, noRetries(), resilience.DefaultCircuitBreakerConfig())
	sh := newSessionHarness(t, h.executor)

	sh.sendExecute(t, &protocol.ExecuteRequest{RequestID: 5, Method: http.MethodGet, URL: server.URL})
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, sh.client.Close())

	select {
	case <-sh.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not shut down after channel close")
	}
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight upstream call was not cancelled")
	}
}
