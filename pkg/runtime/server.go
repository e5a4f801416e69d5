package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/vastar/connector-runtime/internal/resilience"
	"github.com/vastar/connector-runtime/pkg/config"
)

// Server accepts transport channels on a unix socket and an optional
// loopback TCP listener, and serves the admin surface.
type Server struct {
	config   config.ServerConfig
	executor *Executor
	breakers *resilience.BreakerManager
	metrics  *Metrics
	logger   *slog.Logger

	mu        sync.Mutex
	listeners []net.Listener
	admin     *http.Server
	wg        sync.WaitGroup
}

// NewServer wires a server from its collaborators.
func NewServer(cfg config.ServerConfig, executor *Executor, breakers *resilience.BreakerManager, metrics *Metrics, logger *slog.Logger) *Server {
	return &Server{
		config:   cfg,
		executor: executor,
		breakers: breakers,
		metrics:  metrics,
		logger:   logger,
	}
}

// Run starts the listeners and blocks until ctx is cancelled, then shuts
// down gracefully: listeners close, open sessions are cancelled, and their
// goroutines are awaited.
func (s *Server) Run(ctx context.Context) error {
	// A stale socket file from an unclean shutdown blocks the bind.
	if err := removeStaleSocket(s.config.SocketPath); err != nil {
		return err
	}

	unixLn, err := net.Listen("unix", s.config.SocketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.config.SocketPath, err)
	}
	s.track(unixLn)
	s.logger.Info("listening", "transport", "unix", "address", s.config.SocketPath)

	if s.config.TCPAddress != "" {
		tcpLn, err := net.Listen("tcp", s.config.TCPAddress)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen tcp %s: %w", s.config.TCPAddress, err)
		}
		s.track(tcpLn)
		s.logger.Info("listening", "transport", "tcp", "address", s.config.TCPAddress)
	}

	if s.config.AdminAddress != "" {
		s.startAdmin()
	}

	s.mu.Lock()
	listeners := make([]net.Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, ln := range listeners {
		s.wg.Add(1)
		go s.acceptLoop(ctx, ln)
	}

	<-ctx.Done()
	s.logger.Info("shutting down")
	s.closeListeners()
	s.stopAdmin()
	s.wg.Wait()
	_ = os.Remove(s.config.SocketPath)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()

	transport := "tcp"
	if ln.Addr().Network() == "unix" {
		transport = "unix"
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "transport", transport, "error", err)
			continue
		}

		session := NewSession(conn, transport, s.executor, s.metrics, s.logger)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			session.Run(ctx)
		}()
	}
}

func (s *Server) track(ln net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	s.listeners = nil
	s.mu.Unlock()
}

func (s *Server) startAdmin() {
	mux := http.NewServeMux()
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/circuits", s.handleCircuits)

	s.admin = &http.Server{
		Addr:              s.config.AdminAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("admin surface listening", "address", s.config.AdminAddress)
	go func() {
		if err := s.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server failed", "error", err)
		}
	}()
}

func (s *Server) stopAdmin() {
	if s.admin == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.admin.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.breakers.Stats())
}

func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat socket path: %w", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("socket path %s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}
