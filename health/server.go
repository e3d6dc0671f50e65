package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// Server exposes a Monitor over HTTP. GET /healthz returns the aggregated
// status (503 when unhealthy), GET /healthz/components the per-component map.
type Server struct {
	port       int
	systemName string
	monitor    *Monitor
	logger     *slog.Logger

	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a health HTTP server for the given monitor.
func NewServer(port int, systemName string, monitor *Monitor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default().With("component", "health-server")
	}
	return &Server{
		port:       port,
		systemName: systemName,
		monitor:    monitor,
		logger:     logger,
	}
}

// Start binds the listener and begins serving health requests.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleAggregate)
	mux.HandleFunc("GET /healthz/components", s.handleComponents)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("health server listen failed: %w", err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server stopped", "error", err)
		}
	}()

	s.running.Store(true)
	s.logger.Info("health server started", "addr", listener.Addr().String())
	return nil
}

// Stop shuts the server down within the timeout.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Addr returns the bound listener address, useful when port 0 was requested.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleAggregate(w http.ResponseWriter, _ *http.Request) {
	status := s.monitor.AggregateHealth(s.systemName)

	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleComponents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.GetAll())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
