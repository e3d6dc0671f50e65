// Package tcp provides a TCP receiver for devices that speak a raw socket
// protocol. Payloads are length-prefixed: a 4-byte big-endian length followed
// by that many payload bytes, any number of frames per connection.
package tcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicestreams/component"
	"github.com/c360/devicestreams/errors"
	"github.com/c360/devicestreams/metric"
	"github.com/c360/devicestreams/receiver"
)

const (
	defaultMaxFrameSize = 1 << 20
	readTimeout         = 60 * time.Second
	acceptRetryDelay    = 100 * time.Millisecond
)

// Config holds configuration for the TCP receiver.
type Config struct {
	Bind         string `json:"bind"`
	Port         int    `json:"port"`
	MaxFrameSize uint32 `json:"max_frame_size,omitempty"`
}

// Validate checks the receiver configuration.
func (c *Config) Validate() error {
	// 0 is allowed for OS auto-assignment
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("%w: invalid port %d", errors.ErrInvalidConfig, c.Port),
			"tcp-receiver", "Validate", "port check")
	}
	return nil
}

// Metrics holds Prometheus metrics for the TCP receiver.
type Metrics struct {
	framesReceived    prometheus.Counter
	bytesReceived     prometheus.Counter
	framingErrors     prometheus.Counter
	sinkErrors        prometheus.Counter
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry, name string) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "tcp_receiver",
			Name:      "frames_received_total",
			Help:      "Total framed payloads received",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "tcp_receiver",
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received over TCP",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		framingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "tcp_receiver",
			Name:      "framing_errors_total",
			Help:      "Connections dropped due to framing violations",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		sinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "tcp_receiver",
			Name:      "sink_errors_total",
			Help:      "Payloads the event source failed to accept",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devicestreams",
			Subsystem: "tcp_receiver",
			Name:      "connections_active",
			Help:      "Currently open TCP connections",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "tcp_receiver",
			Name:      "connections_total",
			Help:      "Total TCP connections accepted",
			ConstLabels: prometheus.Labels{"component": name},
		}),
	}

	_ = registry.RegisterCounter(name, "frames_received", m.framesReceived)
	_ = registry.RegisterCounter(name, "bytes_received", m.bytesReceived)
	_ = registry.RegisterCounter(name, "framing_errors", m.framingErrors)
	_ = registry.RegisterCounter(name, "sink_errors", m.sinkErrors)
	_ = registry.RegisterGauge(name, "connections_active", m.connectionsActive)
	_ = registry.RegisterCounter(name, "connections_total", m.connectionsTotal)

	return m
}

// Deps holds runtime dependencies for the TCP receiver.
type Deps struct {
	Name            string
	Config          Config
	Sink            receiver.Sink
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Receiver accepts TCP connections and feeds every framed payload into the
// sink. A framing violation closes the offending connection; other
// connections are unaffected.
type Receiver struct {
	name   string
	config Config
	sink   receiver.Sink
	logger *slog.Logger

	listener net.Listener
	conns    map[net.Conn]struct{}
	connsMu  sync.Mutex

	mu        sync.RWMutex
	ctx       context.Context
	wg        sync.WaitGroup
	running   atomic.Bool
	startTime time.Time

	framesReceived atomic.Int64
	bytesReceived  atomic.Int64
	errorCount     atomic.Int64
	lastActivity   atomic.Value // time.Time

	metrics *Metrics
}

var _ receiver.EventReceiver = (*Receiver)(nil)

// New creates a TCP receiver.
func New(deps Deps) *Receiver {
	cfg := deps.Config
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = defaultMaxFrameSize
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "tcp-receiver")
	}

	r := &Receiver{
		name:      deps.Name,
		config:    cfg,
		sink:      deps.Sink,
		logger:    logger,
		conns:     make(map[net.Conn]struct{}),
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
		name = fmt.Sprintf("tcp-receiver-%d", r.config.Port)
	}
	return component.Metadata{
		Name:        name,
		Type:        "receiver",
		Description: fmt.Sprintf("TCP receiver on %s:%d", r.config.Bind, r.config.Port),
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable.
func (r *Receiver) Health() component.HealthStatus {
	r.mu.RLock()
	listening := r.listener != nil
	r.mu.RUnlock()

	return component.HealthStatus{
		Healthy:    r.running.Load() && listening,
		LastCheck:  time.Now(),
		ErrorCount: int(r.errorCount.Load()),
		Uptime:     time.Since(r.startTime),
	}
}

// DataFlow implements component.Discoverable.
func (r *Receiver) DataFlow() component.FlowMetrics {
	frames := r.framesReceived.Load()
	bytes := r.bytesReceived.Load()
	errorCount := r.errorCount.Load()
	lastActivity, _ := r.lastActivity.Load().(time.Time)

	var perSecond, bytesPerSecond, errorRate float64
	if uptime := time.Since(r.startTime).Seconds(); uptime > 0 {
		perSecond = float64(frames) / uptime
		bytesPerSecond = float64(bytes) / uptime
	}
	if frames > 0 {
		errorRate = float64(errorCount) / float64(frames)
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
			"tcp-receiver", "Initialize", "sink validation")
	}
	return nil
}

// Start binds the listen socket and begins accepting connections.
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
		return errors.WrapTransient(err, "tcp-receiver", "Start", "socket binding")
	}
	r.listener = listener

	r.running.Store(true)
	r.startTime = time.Now()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.acceptLoop(ctx, listener)
	}()

	r.logger.Info("TCP receiver listening", "addr", addr)
	return nil
}

func (r *Receiver) acceptLoop(ctx context.Context, listener net.Listener) {
	for r.running.Load() {
		conn, err := listener.Accept()
		if err != nil {
			if !r.running.Load() || ctx.Err() != nil {
				return
			}
			r.errorCount.Add(1)
			time.Sleep(acceptRetryDelay)
			continue
		}

		r.connsMu.Lock()
		r.conns[conn] = struct{}{}
		r.connsMu.Unlock()

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
				if r.metrics != nil {
					r.metrics.connectionsActive.Dec()
				}
				_ = conn.Close()
			}()
			r.readLoop(ctx, conn)
		}()
	}
}

func (r *Receiver) readLoop(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	header := make([]byte, 4)

	for r.running.Load() {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		if _, err := io.ReadFull(conn, header); err != nil {
			if err != io.EOF {
				if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
					r.errorCount.Add(1)
				}
			}
			return
		}

		frameLen := binary.BigEndian.Uint32(header)
		if frameLen == 0 || frameLen > r.config.MaxFrameSize {
			r.errorCount.Add(1)
			if r.metrics != nil {
				r.metrics.framingErrors.Inc()
			}
			r.logger.Warn("closing connection on framing violation",
				"remote", remote, "frame_len", frameLen)
			return
		}

		data := make([]byte, frameLen)
		if _, err := io.ReadFull(conn, data); err != nil {
			r.errorCount.Add(1)
			return
		}

		now := time.Now()
		r.framesReceived.Add(1)
		r.bytesReceived.Add(int64(frameLen))
		r.lastActivity.Store(now)
		if r.metrics != nil {
			r.metrics.framesReceived.Inc()
			r.metrics.bytesReceived.Add(float64(frameLen))
		}

		metadata := map[string]string{
			receiver.MetaTransport:  "tcp",
			receiver.MetaRemoteAddr: remote,
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

// Stop closes the listener and all open connections.
func (r *Receiver) Stop(timeout time.Duration) error {
	if !r.running.Load() {
		return nil
	}
	r.running.Store(false)

	r.mu.Lock()
	if r.listener != nil {
		_ = r.listener.Close()
		r.listener = nil
	}
	r.mu.Unlock()

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
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"tcp-receiver", "Stop", "graceful shutdown")
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

// EncodeFrame prefixes a payload with its length for the TCP wire format.
// Device simulators and tests use it to produce valid frames.
func EncodeFrame(payload []byte) []byte {
	frame := make([]byte, 0, 4+len(payload))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
	return append(frame, payload...)
}
