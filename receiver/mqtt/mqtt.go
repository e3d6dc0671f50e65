// Package mqtt provides an MQTT receiver that subscribes to a broker topic
// and feeds received payloads into an event source.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicestreams/component"
	"github.com/c360/devicestreams/errors"
	"github.com/c360/devicestreams/metric"
	"github.com/c360/devicestreams/receiver"
)

const (
	defaultQoS            = 1
	defaultConnectTimeout = 10 * time.Second
	disconnectQuiesceMS   = 250
)

// Config holds configuration for the MQTT receiver.
type Config struct {
	BrokerURL      string        `json:"broker_url"`
	Topic          string        `json:"topic"`
	QoS            byte          `json:"qos"`
	ClientID       string        `json:"client_id,omitempty"`
	Username       string        `json:"username,omitempty"`
	Password       string        `json:"password,omitempty"`
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
}

// Validate checks the receiver configuration.
func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: empty broker URL", errors.ErrInvalidConfig),
			"mqtt-receiver", "Validate", "broker check")
	}
	if c.Topic == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: empty topic", errors.ErrInvalidConfig),
			"mqtt-receiver", "Validate", "topic check")
	}
	if c.QoS > 2 {
		return errors.WrapInvalid(fmt.Errorf("%w: QoS %d out of range", errors.ErrInvalidConfig, c.QoS),
			"mqtt-receiver", "Validate", "qos check")
	}
	return nil
}

// DefaultConfig returns sensible defaults for the MQTT receiver.
func DefaultConfig() Config {
	return Config{
		QoS:            defaultQoS,
		ConnectTimeout: defaultConnectTimeout,
	}
}

// Metrics holds Prometheus metrics for the MQTT receiver.
type Metrics struct {
	messagesReceived prometheus.Counter
	bytesReceived    prometheus.Counter
	sinkErrors       prometheus.Counter
	connected        prometheus.Gauge
}

func newMetrics(registry *metric.MetricsRegistry, name string) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "mqtt_receiver",
			Name:      "messages_received_total",
			Help:      "Total MQTT messages received",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "mqtt_receiver",
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received from MQTT",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		sinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "mqtt_receiver",
			Name:      "sink_errors_total",
			Help:      "Payloads the event source failed to accept",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devicestreams",
			Subsystem: "mqtt_receiver",
			Name:      "connected",
			Help:      "Broker connection state (1 connected, 0 disconnected)",
			ConstLabels: prometheus.Labels{"component": name},
		}),
	}

	_ = registry.RegisterCounter(name, "messages_received", m.messagesReceived)
	_ = registry.RegisterCounter(name, "bytes_received", m.bytesReceived)
	_ = registry.RegisterCounter(name, "sink_errors", m.sinkErrors)
	_ = registry.RegisterGauge(name, "connected", m.connected)

	return m
}

// Deps holds runtime dependencies for the MQTT receiver.
type Deps struct {
	Name            string
	Config          Config
	Sink            receiver.Sink
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Receiver subscribes to an MQTT topic and hands every message to the sink.
// Reconnection and re-subscription are delegated to the paho client.
type Receiver struct {
	name   string
	config Config
	sink   receiver.Sink
	logger *slog.Logger

	client pahomqtt.Client

	mu        sync.RWMutex
	ctx       context.Context
	running   atomic.Bool
	startTime time.Time

	messagesReceived atomic.Int64
	bytesReceived    atomic.Int64
	errorCount       atomic.Int64
	lastActivity     atomic.Value // time.Time

	metrics *Metrics
}

var _ receiver.EventReceiver = (*Receiver)(nil)

// New creates an MQTT receiver.
func New(deps Deps) *Receiver {
	cfg := deps.Config
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "devicestreams-" + uuid.NewString()
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "mqtt-receiver")
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
		name = "mqtt-receiver"
	}
	return component.Metadata{
		Name:        name,
		Type:        "receiver",
		Description: fmt.Sprintf("MQTT receiver for %s on %s", r.config.Topic, r.config.BrokerURL),
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable.
func (r *Receiver) Health() component.HealthStatus {
	r.mu.RLock()
	connected := r.client != nil && r.client.IsConnected()
	r.mu.RUnlock()

	return component.HealthStatus{
		Healthy:    r.running.Load() && connected,
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
			"mqtt-receiver", "Initialize", "sink validation")
	}
	return nil
}

// Start connects to the broker and subscribes to the configured topic.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return nil
	}
	r.ctx = ctx

	opts := pahomqtt.NewClientOptions().
		AddBroker(r.config.BrokerURL).
		SetClientID(r.config.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(false).
		SetConnectTimeout(r.config.ConnectTimeout).
		SetOrderMatters(false)

	if r.config.Username != "" {
		opts.SetUsername(r.config.Username)
		opts.SetPassword(r.config.Password)
	}

	opts.SetOnConnectHandler(func(client pahomqtt.Client) {
		if r.metrics != nil {
			r.metrics.connected.Set(1)
		}
		// Subscribe inside the connect handler so the subscription is
		// restored after every reconnect.
		token := client.Subscribe(r.config.Topic, r.config.QoS, r.handleMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			r.errorCount.Add(1)
			r.logger.Error("MQTT subscribe failed",
				"topic", r.config.Topic, "error", err)
			return
		}
		r.logger.Info("MQTT receiver subscribed",
			"topic", r.config.Topic, "qos", r.config.QoS)
	})

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		if r.metrics != nil {
			r.metrics.connected.Set(0)
		}
		r.errorCount.Add(1)
		r.logger.Warn("MQTT connection lost", "error", err)
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(r.config.ConnectTimeout) {
		return errors.WrapTransient(
			fmt.Errorf("%w: connect timeout after %v", errors.ErrConnectionTimeout, r.config.ConnectTimeout),
			"mqtt-receiver", "Start", "broker connection")
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "mqtt-receiver", "Start", "broker connection")
	}

	r.client = client
	r.running.Store(true)
	r.startTime = time.Now()
	return nil
}

// handleMessage runs on a paho goroutine for each received message.
func (r *Receiver) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	if !r.running.Load() {
		return
	}

	payload := msg.Payload()
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
		receiver.MetaTransport: "mqtt",
		receiver.MetaTopic:     msg.Topic(),
		receiver.MetaClientID:  r.config.ClientID,
	}

	// Copy: paho may reuse the payload buffer after the handler returns.
	data := make([]byte, n)
	copy(data, payload)

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
			"topic", msg.Topic(), "error", err)
	}
}

// Stop unsubscribes and disconnects from the broker.
func (r *Receiver) Stop(timeout time.Duration) error {
	if !r.running.Load() {
		return nil
	}
	r.running.Store(false)

	r.mu.Lock()
	client := r.client
	r.client = nil
	r.mu.Unlock()

	if client != nil && client.IsConnected() {
		token := client.Unsubscribe(r.config.Topic)
		if !token.WaitTimeout(timeout) {
			r.logger.Warn("MQTT unsubscribe timed out", "topic", r.config.Topic)
		}
		client.Disconnect(disconnectQuiesceMS)
	}
	if r.metrics != nil {
		r.metrics.connected.Set(0)
	}
	return nil
}
