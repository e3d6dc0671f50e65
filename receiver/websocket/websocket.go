// Package websocket provides a WebSocket receiver. Devices connect to the
// configured endpoint and push raw event payloads as binary or text frames.
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicestreams/component"
	"github.com/c360/devicestreams/errors"
	"github.com/c360/devicestreams/metric"
	"github.com/c360/devicestreams/receiver"
)

const (
	defaultPath         = "/events"
	defaultMaxFrameSize = 1 << 20
	readTimeout         = 60 * time.Second
)

// Config holds configuration for the WebSocket receiver.
type Config struct {
	Bind         string `json:"bind"`
	Port         int    `json:"port"`
	Path         string `json:"path,omitempty"`
	MaxFrameSize int64  `json:"max_frame_size,omitempty"`
}

// Validate checks the receiver configuration.
func (c *Config) Validate() error {
	// 0 is allowed for OS auto-assignment
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("%w: invalid port %d", errors.ErrInvalidConfig, c.Port),
			"websocket-receiver", "Validate", "port check")
	}
	if c.Path != "" && !strings.HasPrefix(c.Path, "/") {
		return errors.WrapInvalid(fmt.Errorf("%w: path must start with /", errors.ErrInvalidConfig),
			"websocket-receiver", "Validate", "path check")
	}
	return nil
}

// Metrics holds Prometheus metrics for the WebSocket receiver.
type Metrics struct {
	messagesReceived  prometheus.Counter
	bytesReceived     prometheus.Counter
	sinkErrors        prometheus.Counter
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry, name string) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "websocket_receiver",
			Name:      "messages_received_total",
			Help:      "Total WebSocket frames received",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "websocket_receiver",
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received over WebSocket",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		sinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "websocket_receiver",
			Name:      "sink_errors_total",
			Help:      "Payloads the event source failed to accept",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devicestreams",
			Subsystem: "websocket_receiver",
			Name:      "connections_active",
			Help:      "Currently open WebSocket connections",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "websocket_receiver",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted",
			ConstLabels: prometheus.Labels{"component": name},
		}),
	}

	_ = registry.RegisterCounter(name, "messages_received", m.messagesReceived)
	_ = registry.RegisterCounter(name, "bytes_received", m.bytesReceived)
	_ = registry.RegisterCounter(name, "sink_errors", m.sinkErrors)
	_ = registry.RegisterGauge(name, "connections_active", m.connectionsActive)
	_ = registry.RegisterCounter(name, "connections_total", m.connectionsTotal)

	return m
}

// Deps holds runtime dependencies for the WebSocket receiver.
type Deps struct {
	Name            string
	Config          Config
	Sink            receiver.Sink
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Receiver runs an HTTP server that upgrades connections to WebSocket and
// feeds every received frame into the sink.
type Receiver struct {
	name   string
	config Config
	sink   receiver.Sink
	logger *slog.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener

	conns   map[*websocket.Conn]struct{}
	connsMu sync.Mutex

	mu        sync.RWMutex
	ctx       context.Context
	wg        sync.WaitGroup
	running   atomic.Bool
	startTime time.Time

	messagesReceived  atomic.Int64
	bytesReceived     atomic.Int64
	errorCount        atomic.Int64
	connectionsActive atomic.Int64
	lastActivity      atomic.Value // time.Time

	metrics *Metrics
}

var _ receiver.EventReceiver = (*Receiver)(nil)

// New creates a WebSocket receiver.
func New(deps Deps) *Receiver {
	cfg := deps.Config
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = defaultMaxFrameSize
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "websocket-receiver")
	}

	r := &Receiver{
		name:   deps.Name,
		config: cfg,
		sink:   deps.Sink,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Device credentials are checked at the network layer, not here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:     make(map[*websocket.Conn]struct{}),
		startTime: time.Now(),
		metrics:   newMetrics(deps.MetricsRegistry, deps.Name),
	}
	r.lastActivity.Store(time.Time{})
	return r
}

// Meta implements component.Discoverable.
func (r *Receiver) Meta() component.Metadata {
	name := r.name
	if name == "" {
		name = "websocket-receiver"
	}
	return component.Metadata{
		Name:        name,
		Type:        "receiver",
		Description: fmt.Sprintf("WebSocket receiver on %s:%d%s", r.config.Bind, r.config.Port, r.config.Path),
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable.
func (r *Receiver) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:    r.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(r.errorCount.Load()),
		Uptime:     time.Since(r.startTime),
	}
}

// DataFlow implements component.Discoverable.
func (r *Receiver) DataFlow() component.FlowMetrics {
	messages := r.messagesReceived.Load()
	bytes := r.bytesReceived.Load()
	errorCount := r.errorCount.Load()
	lastActivity, _ := r.lastActivity.Load().(time.Time)

	var perSecond, bytesPerSecond, errorRate float64
	if uptime := time.Since(r.startTime).Seconds(); uptime > 0 {
		perSecond = float64(messages) / uptime
		bytesPerSecond = float64(bytes) / uptime
	}
	if messages > 0 {
		errorRate = float64(errorCount) / float64(messages)
	}

	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates configuration and dependencies.
func (r *Receiver) Initialize() error {
	if err := r.config.Validate(); err != nil {
		return err
	}
	if r.sink == nil {
		return errors.WrapInvalid(fmt.Errorf("nil sink"),
			"websocket-receiver", "Initialize", "sink validation")
	}
	return nil
}

// Start binds the listen socket and begins serving upgrade requests.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return nil
	}
	r.ctx = ctx

	addr := fmt.Sprintf("%s:%d", r.config.Bind, r.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapTransient(err, "websocket-receiver", "Start", "socket binding")
	}
	r.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(r.config.Path, r.handleUpgrade)
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	r.running.Store(true)
	r.startTime = time.Now()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			r.errorCount.Add(1)
			r.logger.Error("WebSocket server exited", "error", err)
		}
	}()

	r.logger.Info("WebSocket receiver listening", "addr", addr, "path", r.config.Path)
	return nil
}

func (r *Receiver) handleUpgrade(w http.ResponseWriter, req *http.Request) {
	if !r.running.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.errorCount.Add(1)
		r.logger.Warn("WebSocket upgrade failed",
			"remote", req.RemoteAddr, "error", err)
		return
	}

	r.connsMu.Lock()
	r.conns[conn] = struct{}{}
	r.connsMu.Unlock()

	r.connectionsActive.Add(1)
	if r.metrics != nil {
		r.metrics.connectionsActive.Inc()
		r.metrics.connectionsTotal.Inc()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.connsMu.Lock()
			delete(r.conns, conn)
			r.connsMu.Unlock()
			r.connectionsActive.Add(-1)
			if r.metrics != nil {
				r.metrics.connectionsActive.Dec()
			}
			_ = conn.Close()
		}()
		r.readLoop(conn)
	}()
}

func (r *Receiver) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(r.config.MaxFrameSize)
	remote := conn.RemoteAddr().String()

	for r.running.Load() {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.errorCount.Add(1)
				r.logger.Debug("WebSocket read failed", "remote", remote, "error", err)
			}
			return
		}

		n := len(data)
		now := time.Now()
		r.messagesReceived.Add(1)
		r.bytesReceived.Add(int64(n))
		r.lastActivity.Store(now)
		if r.metrics != nil {
			r.metrics.messagesReceived.Inc()
			r.metrics.bytesReceived.Add(float64(n))
		}

		metadata := map[string]string{
			receiver.MetaTransport:  "websocket",
			receiver.MetaRemoteAddr: remote,
		}

		r.mu.RLock()
		ctx := r.ctx
		r.mu.RUnlock()
		if ctx == nil {
			ctx = context.Background()
		}

		if err := r.sink(ctx, data, metadata); err != nil {
			r.errorCount.Add(1)
			if r.metrics != nil {
				r.metrics.sinkErrors.Inc()
			}
			r.logger.Warn("payload rejected by event source",
				"remote", remote, "error", err)
		}
	}
}

// Addr returns the bound listen address, or nil before Start.
func (r *Receiver) Addr() net.Addr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Stop shuts down the HTTP server and waits for connection goroutines.
func (r *Receiver) Stop(timeout time.Duration) error {
	if !r.running.Load() {
		return nil
	}
	r.running.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	r.mu.Lock()
	server := r.httpServer
	r.mu.Unlock()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
		}
	}

	// Upgraded connections are not covered by server.Shutdown; close them
	// to unblock the read loops.
	r.connsMu.Lock()
	for conn := range r.conns {
		_ = conn.Close()
	}
	r.connsMu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-shutdownCtx.Done():
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"websocket-receiver", "Stop", "graceful shutdown")
	}
}
