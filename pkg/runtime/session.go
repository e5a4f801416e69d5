package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vastar/connector-runtime/pkg/protocol"
)

// Session owns one transport channel to a connected client. It decodes
// inbound frames, fans each execute request out to its own goroutine, and
// fans completed responses back in whatever order they finish. The read loop
// itself never blocks on request execution.
type Session struct {
	id        string
	transport string
	conn      net.Conn
	reader    *protocol.FrameReader
	writer    *protocol.FrameWriter
	executor  *Executor
	metrics   *Metrics
	logger    *slog.Logger

	// writeMu serializes response and chunk frames from concurrent request
	// goroutines onto the single channel.
	writeMu sync.Mutex

	mu       sync.Mutex
	inflight map[uint64]context.CancelFunc

	wg      sync.WaitGroup
	started time.Time
}

// NewSession wraps an accepted connection. transport labels the listener
// ("unix" or "tcp") for metrics.
func NewSession(conn net.Conn, transport string, executor *Executor, metrics *Metrics, logger *slog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:        id,
		transport: transport,
		conn:      conn,
		reader:    protocol.NewFrameReader(conn),
		writer:    protocol.NewFrameWriter(conn),
		executor:  executor,
		metrics:   metrics,
		logger:    logger.With("session_id", id, "transport", transport),
		inflight:  make(map[uint64]context.CancelFunc),
		started:   time.Now(),
	}
}

// Run drives the session read loop until the channel closes or ctx is
// cancelled. On return every in-flight request has been cancelled and its
// goroutine has exited; abandoned requests produce no response frames.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	if s.metrics != nil {
		s.metrics.RecordSessionOpened(s.transport)
	}
	s.logger.Info("session opened")

	defer func() {
		cancel()
		_ = s.conn.Close()
		s.wg.Wait()
		if s.metrics != nil {
			s.metrics.RecordSessionClosed(time.Since(s.started))
		}
		s.logger.Info("session closed", "duration_ms", time.Since(s.started).Milliseconds())
	}()

	// Unblock the read loop when the server shuts down.
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	for {
		frame, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				// The channel cannot be resynchronized past an oversized
				// frame; drop the client.
				s.recordFrameError("frame_too_large")
				s.logger.Warn("oversized frame, closing session")
				return
			}
			s.recordFrameError("read")
			s.logger.Warn("frame read failed, closing session", "error", err)
			return
		}

		switch frame.Kind {
		case protocol.KindExecuteRequest:
			s.recordFrame("inbound", frame.Kind.String())
			s.dispatch(ctx, frame.Payload)
		case protocol.KindCancel:
			s.recordFrame("inbound", frame.Kind.String())
			c, err := protocol.DecodeCancel(frame.Payload)
			if err != nil {
				s.recordFrameError("decode")
				s.logger.Warn("malformed cancel frame", "error", err)
				continue
			}
			s.cancelRequest(c.RequestID)
		default:
			s.recordFrameError("unexpected_kind")
			s.logger.Warn("unexpected frame kind", "kind", frame.Kind.String())
		}
	}
}

// dispatch decodes one execute-request payload and hands it to a fresh
// goroutine. Protocol violations are answered inline without executing.
func (s *Session) dispatch(ctx context.Context, payload []byte) {
	req, err := protocol.DecodeExecuteRequest(payload)
	if err != nil {
		s.recordFrameError("decode")
		s.logger.Warn("malformed execute request", "error", err)
		s.writeResponse(&protocol.ExecuteResponse{
			ErrorClass:   protocol.ErrInvalidRequest,
			ErrorMessage: "malformed execute request payload",
		})
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if _, exists := s.inflight[req.RequestID]; exists {
		s.mu.Unlock()
		cancel()
		// Same request_id while the first is still in flight: reject the
		// newcomer, leave the original untouched.
		s.logger.Warn("duplicate in-flight request id", "request_id", req.RequestID)
		s.writeResponse(&protocol.ExecuteResponse{
			RequestID:    req.RequestID,
			ErrorClass:   protocol.ErrInvalidRequest,
			ErrorMessage: "duplicate in-flight request_id",
		})
		return
	}
	s.inflight[req.RequestID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.handle(reqCtx, req)
}

func (s *Session) handle(ctx context.Context, req *protocol.ExecuteRequest) {
	defer s.wg.Done()
	defer s.finishRequest(req.RequestID)

	emit := func(chunk protocol.StreamChunk) error {
		if s.metrics != nil {
			s.metrics.RecordStreamChunk()
		}
		return s.writeMessage(protocol.KindStreamChunk, chunk)
	}

	resp := s.executor.Execute(ctx, req, emit)
	if resp == nil || ctx.Err() != nil {
		return
	}
	s.writeResponse(resp)
}

// cancelRequest aborts one in-flight request. Cancels for unknown or already
// completed ids are ignored; cancellation is never acknowledged.
func (s *Session) cancelRequest(id uint64) {
	s.mu.Lock()
	cancel, ok := s.inflight[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.logger.Debug("cancelling request", "request_id", id)
	cancel()
}

func (s *Session) finishRequest(id uint64) {
	s.mu.Lock()
	cancel, ok := s.inflight[id]
	delete(s.inflight, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Session) writeResponse(resp *protocol.ExecuteResponse) {
	if err := s.writeMessage(protocol.KindExecuteResponse, resp); err != nil {
		s.logger.Warn("response write failed", "request_id", resp.RequestID, "error", err)
	}
}

func (s *Session) writeMessage(kind protocol.MessageKind, v any) error {
	s.writeMu.Lock()
	err := s.writer.WriteMessage(kind, v)
	s.writeMu.Unlock()
	if err != nil {
		s.recordFrameError("write")
		return err
	}
	s.recordFrame("outbound", kind.String())
	return nil
}

func (s *Session) recordFrame(direction, kind string) {
	if s.metrics != nil {
		s.metrics.RecordFrame(direction, kind)
	}
}

func (s *Session) recordFrameError(reason string) {
	if s.metrics != nil {
		s.metrics.RecordFrameError(reason)
	}
}
