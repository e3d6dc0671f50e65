// Package coap provides a CoAP receiver for constrained devices. Devices
// POST event payloads to the configured resource path over UDP.
package coap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	udpserver "github.com/plgd-dev/go-coap/v3/udp/server"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicestreams/component"
	"github.com/c360/devicestreams/errors"
	"github.com/c360/devicestreams/metric"
	"github.com/c360/devicestreams/receiver"
)

const defaultPath = "/events"

// Config holds configuration for the CoAP receiver.
type Config struct {
	Bind string `json:"bind"`
	Port int    `json:"port"`
	Path string `json:"path,omitempty"`
}

// Validate checks the receiver configuration.
func (c *Config) Validate() error {
	// 0 is allowed for OS auto-assignment
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("%w: invalid port %d", errors.ErrInvalidConfig, c.Port),
			"coap-receiver", "Validate", "port check")
	}
	return nil
}

// Metrics holds Prometheus metrics for the CoAP receiver.
type Metrics struct {
	messagesReceived prometheus.Counter
	bytesReceived    prometheus.Counter
	rejected         prometheus.Counter
	sinkErrors       prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry, name string) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "coap_receiver",
			Name:      "messages_received_total",
			Help:      "Total CoAP requests received",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "coap_receiver",
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received over CoAP",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "coap_receiver",
			Name:      "rejected_total",
			Help:      "Requests rejected before reaching the event source",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		sinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "coap_receiver",
			Name:      "sink_errors_total",
			Help:      "Payloads the event source failed to accept",
			ConstLabels: prometheus.Labels{"component": name},
		}),
	}

	_ = registry.RegisterCounter(name, "messages_received", m.messagesReceived)
	_ = registry.RegisterCounter(name, "bytes_received", m.bytesReceived)
	_ = registry.RegisterCounter(name, "rejected", m.rejected)
	_ = registry.RegisterCounter(name, "sink_errors", m.sinkErrors)

	return m
}

// Deps holds runtime dependencies for the CoAP receiver.
type Deps struct {
	Name            string
	Config          Config
	Sink            receiver.Sink
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Receiver serves a CoAP resource over UDP and feeds every POSTed payload
// into the sink.
type Receiver struct {
	name   string
	config Config
	sink   receiver.Sink
	logger *slog.Logger

	server   *udpserver.Server
	listener *coapnet.UDPConn

	mu        sync.RWMutex
	wg        sync.WaitGroup
	running   atomic.Bool
	startTime time.Time

	messagesReceived atomic.Int64
	bytesReceived    atomic.Int64
	errorCount       atomic.Int64
	lastActivity     atomic.Value // time.Time

	metrics *Metrics
}

var _ receiver.EventReceiver = (*Receiver)(nil)

// New creates a CoAP receiver.
func New(deps Deps) *Receiver {
	cfg := deps.Config
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "coap-receiver")
	}

	r := &Receiver{
		name:      deps.Name,
		config:    cfg,
		sink:      deps.Sink,
		logger:    logger,
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
		name = "coap-receiver"
	}
	return component.Metadata{
		Name:        name,
		Type:        "receiver",
		Description: fmt.Sprintf("CoAP receiver on %s:%d%s", r.config.Bind, r.config.Port, r.config.Path),
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
			"coap-receiver", "Initialize", "sink validation")
	}
	return nil
}

// Start binds the UDP socket and begins serving CoAP requests.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", r.config.Bind, r.config.Port)
	listener, err := coapnet.NewListenUDP("udp", addr)
	if err != nil {
		return errors.WrapTransient(err, "coap-receiver", "Start", "socket binding")
	}
	r.listener = listener

	router := mux.NewRouter()
	if err := router.Handle(r.config.Path, mux.HandlerFunc(r.handleRequest(ctx))); err != nil {
		_ = listener.Close()
		return errors.WrapFatal(err, "coap-receiver", "Start", "route registration")
	}

	srv := udp.NewServer(options.WithMux(router), options.WithContext(ctx))
	r.server = srv

	r.running.Store(true)
	r.startTime = time.Now()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(listener); err != nil && r.running.Load() {
			r.errorCount.Add(1)
			r.logger.Error("CoAP server exited", "error", err)
		}
	}()

	r.logger.Info("CoAP receiver listening", "addr", addr, "path", r.config.Path)
	return nil
}

func (r *Receiver) handleRequest(ctx context.Context) func(w mux.ResponseWriter, req *mux.Message) {
	return func(w mux.ResponseWriter, req *mux.Message) {
		if req.Code() != codes.POST {
			if r.metrics != nil {
				r.metrics.rejected.Inc()
			}
			_ = w.SetResponse(codes.MethodNotAllowed, message.TextPlain, nil)
			return
		}

		payload, err := req.ReadBody()
		if err != nil || len(payload) == 0 {
			r.errorCount.Add(1)
			if r.metrics != nil {
				r.metrics.rejected.Inc()
			}
			_ = w.SetResponse(codes.BadRequest, message.TextPlain, nil)
			return
		}

		n := len(payload)
		now := time.Now()
		r.messagesReceived.Add(1)
		r.bytesReceived.Add(int64(n))
		r.lastActivity.Store(now)
		if r.metrics != nil {
			r.metrics.messagesReceived.Inc()
			r.metrics.bytesReceived.Add(float64(n))
		}

		metadata := map[string]string{
			receiver.MetaTransport:  "coap",
			receiver.MetaRemoteAddr: w.Conn().RemoteAddr().String(),
			receiver.MetaPath:       r.config.Path,
		}

		if err := r.sink(ctx, payload, metadata); err != nil {
			r.errorCount.Add(1)
			if r.metrics != nil {
				r.metrics.sinkErrors.Inc()
			}
			// The payload is on the durable path or rejected for good;
			// either way the device gets a terminal response.
			_ = w.SetResponse(codes.InternalServerError, message.TextPlain, nil)
			return
		}

		_ = w.SetResponse(codes.Changed, message.TextPlain, nil)
	}
}

// Stop shuts down the CoAP server and closes the socket.
func (r *Receiver) Stop(timeout time.Duration) error {
	if !r.running.Load() {
		return nil
	}
	r.running.Store(false)

	r.mu.Lock()
	if r.server != nil {
		r.server.Stop()
		r.server = nil
	}
	if r.listener != nil {
		_ = r.listener.Close()
		r.listener = nil
	}
	r.mu.Unlock()

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
			"coap-receiver", "Stop", "graceful shutdown")
	}
}
