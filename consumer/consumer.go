// Package consumer drains the tenant's unregistered-events stream and
// dispatches each record to the registration manager through a bounded
// worker pool. The consume callback never does registration work inline:
// it deserializes, dispatches, and acknowledges.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicestreams/component"
	"github.com/c360/devicestreams/errors"
	"github.com/c360/devicestreams/event"
	"github.com/c360/devicestreams/metric"
	"github.com/c360/devicestreams/pkg/worker"
	"github.com/c360/devicestreams/registration"
	"github.com/c360/devicestreams/stream"
)

const (
	defaultWorkers       = 10
	defaultQueueSize     = 1000
	defaultShutdownGrace = 10 * time.Second
)

// Config holds configuration for the unregistered-events consumer.
type Config struct {
	Workers       int           `json:"workers,omitempty"`
	QueueSize     int           `json:"queue_size,omitempty"`
	ShutdownGrace time.Duration `json:"shutdown_grace,omitempty"`
}

// Validate checks the consumer configuration.
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: negative worker count", errors.ErrInvalidConfig),
			"consumer.Config", "Validate", "workers check")
	}
	if c.QueueSize < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: negative queue size", errors.ErrInvalidConfig),
			"consumer.Config", "Validate", "queue size check")
	}
	if c.ShutdownGrace < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: negative shutdown grace", errors.ErrInvalidConfig),
			"consumer.Config", "Validate", "shutdown grace check")
	}
	return nil
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.Workers == 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	return c
}

// streamMsg is the slice of jetstream.Msg the consume path needs. Narrow on
// purpose: tests drive the acknowledgment logic without a live stream.
type streamMsg interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

// subscriber is the slice of natsclient.Client the consumer needs.
type subscriber interface {
	Consume(ctx context.Context, streamName, durable, filterSubject string, handler func(jetstream.Msg)) error
	StopConsumer(streamName, durable string)
}

// Metrics holds Prometheus metrics for the consumer.
type Metrics struct {
	received   prometheus.Counter
	malformed  prometheus.Counter
	redelivery prometheus.Counter
	handled    prometheus.Counter
	failed     prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry, name string) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "consumer",
			Name:      "records_received_total",
			Help:      "Records read off the unregistered-events stream",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "consumer",
			Name:      "records_malformed_total",
			Help:      "Records terminated because the envelope would not deserialize",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		redelivery: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "consumer",
			Name:      "records_redelivered_total",
			Help:      "Records returned to the stream because the pool queue was full",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		handled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "consumer",
			Name:      "records_handled_total",
			Help:      "Records the registration manager processed to a terminal state",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "consumer",
			Name:      "records_failed_total",
			Help:      "Records whose registration handling failed",
			ConstLabels: prometheus.Labels{"component": name},
		}),
	}

	_ = registry.RegisterCounter(name, "records_received", m.received)
	_ = registry.RegisterCounter(name, "records_malformed", m.malformed)
	_ = registry.RegisterCounter(name, "records_redelivered", m.redelivery)
	_ = registry.RegisterCounter(name, "records_handled", m.handled)
	_ = registry.RegisterCounter(name, "records_failed", m.failed)

	return m
}

// Deps holds runtime dependencies for the consumer.
type Deps struct {
	Tenant  string
	Config  Config
	NATS    subscriber
	Manager *registration.Manager

	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Consumer owns the durable consumer on the unregistered-events stream and
// the worker pool that fans records out to the registration manager.
type Consumer struct {
	tenant  string
	config  Config
	nats    subscriber
	manager *registration.Manager
	logger  *slog.Logger

	pool *worker.Pool[*event.InboundEventPayload]

	running   atomic.Bool
	startTime time.Time

	received     atomic.Int64
	bytesHandled atomic.Int64
	errorCount   atomic.Int64
	lastActivity atomic.Value // time.Time

	metrics *Metrics
}

var _ component.LifecycleComponent = (*Consumer)(nil)

// New creates an unregistered-events consumer.
func New(deps Deps) *Consumer {
	cfg := deps.Config.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "unregistered-consumer", "tenant", deps.Tenant)
	}

	c := &Consumer{
		tenant:    deps.Tenant,
		config:    cfg,
		nats:      deps.NATS,
		manager:   deps.Manager,
		logger:    logger,
		startTime: time.Now(),
		metrics:   newMetrics(deps.MetricsRegistry, deps.Tenant+"-unregistered-consumer"),
	}
	c.lastActivity.Store(time.Time{})

	poolOpts := []worker.Option[*event.InboundEventPayload]{
		worker.WithLogger[*event.InboundEventPayload](logger),
	}
	if deps.MetricsRegistry != nil {
		poolOpts = append(poolOpts,
			worker.WithMetrics[*event.InboundEventPayload](deps.MetricsRegistry, deps.Tenant+"-unregistered-consumer"))
	}
	c.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, c.process, poolOpts...)

	return c
}

// Meta implements component.Discoverable.
func (c *Consumer) Meta() component.Metadata {
	return component.Metadata{
		Name:        c.tenant + "-unregistered-consumer",
		Type:        "consumer",
		Description: fmt.Sprintf("unregistered-events consumer for tenant %s (%d workers)", c.tenant, c.config.Workers),
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable.
func (c *Consumer) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:    c.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(c.errorCount.Load()),
		Uptime:     time.Since(c.startTime),
	}
}

// DataFlow implements component.Discoverable.
func (c *Consumer) DataFlow() component.FlowMetrics {
	records := c.received.Load()
	bytes := c.bytesHandled.Load()
	errorCount := c.errorCount.Load()
	lastActivity, _ := c.lastActivity.Load().(time.Time)

	var perSecond, bytesPerSecond, errorRate float64
	if uptime := time.Since(c.startTime).Seconds(); uptime > 0 {
		perSecond = float64(records) / uptime
		bytesPerSecond = float64(bytes) / uptime
	}
	if records > 0 {
		errorRate = float64(errorCount) / float64(records)
	}

	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates configuration and dependencies.
func (c *Consumer) Initialize() error {
	if err := c.config.Validate(); err != nil {
		return err
	}
	if c.tenant == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: empty tenant", errors.ErrInvalidConfig),
			"unregistered-consumer", "Initialize", "tenant check")
	}
	if c.nats == nil {
		return errors.WrapInvalid(fmt.Errorf("nil NATS client"),
			"unregistered-consumer", "Initialize", "NATS client validation")
	}
	if c.manager == nil {
		return errors.WrapInvalid(fmt.Errorf("nil registration manager"),
			"unregistered-consumer", "Initialize", "manager validation")
	}
	return nil
}

// Start launches the worker pool and attaches the durable consumer.
func (c *Consumer) Start(ctx context.Context) error {
	if c.running.Load() {
		return nil
	}

	if err := c.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "unregistered-consumer", "Start", "pool start")
	}

	err := c.nats.Consume(ctx,
		stream.Name(c.tenant),
		stream.UnregisteredDurable(c.tenant),
		stream.UnregisteredFilter(c.tenant),
		func(msg jetstream.Msg) { c.handleMessage(msg) })
	if err != nil {
		_ = c.pool.Stop(time.Second)
		return errors.Wrap(err, "unregistered-consumer", "Start", "consumer attach")
	}

	c.running.Store(true)
	c.startTime = time.Now()
	c.logger.Info("unregistered-events consumer started",
		"workers", c.config.Workers, "queue_size", c.config.QueueSize)
	return nil
}

// handleMessage deserializes one record and hands it to the pool.
// Acknowledgment semantics: Term for malformed envelopes (redelivery can
// never help), Nak when the queue is full (the stream redelivers later),
// Ack once the pool owns the record.
func (c *Consumer) handleMessage(msg streamMsg) {
	data := msg.Data()
	c.received.Add(1)
	c.bytesHandled.Add(int64(len(data)))
	c.lastActivity.Store(time.Now())
	if c.metrics != nil {
		c.metrics.received.Inc()
	}

	payload, err := event.DecodeInboundEventPayload(data)
	if err != nil {
		c.errorCount.Add(1)
		if c.metrics != nil {
			c.metrics.malformed.Inc()
		}
		c.logger.Error("dropping malformed unregistered-event record",
			"bytes", len(data), "error", err)
		_ = msg.Term()
		return
	}

	if err := c.pool.Submit(payload); err != nil {
		if errors.Is(err, worker.ErrQueueFull) {
			if c.metrics != nil {
				c.metrics.redelivery.Inc()
			}
			_ = msg.Nak()
			return
		}
		// Pool stopped: shutdown is in progress, leave the record for
		// the next run.
		_ = msg.Nak()
		return
	}

	_ = msg.Ack()
}

// process runs on a pool worker: one record, one registration decision.
func (c *Consumer) process(ctx context.Context, payload *event.InboundEventPayload) error {
	err := c.manager.HandleUnregisteredDeviceEvent(ctx, payload)
	if err != nil {
		c.errorCount.Add(1)
		if c.metrics != nil {
			c.metrics.failed.Inc()
		}
		c.logger.Error("unregistered-event handling failed",
			"device_token", payload.DeviceToken(),
			"source_id", payload.SourceID(),
			"error", err)
		return err
	}
	if c.metrics != nil {
		c.metrics.handled.Inc()
	}
	return nil
}

// Stop detaches the durable consumer, then drains the pool with the
// configured grace period. Workers still busy past the grace are abandoned;
// their records were already acked and will not be redelivered.
func (c *Consumer) Stop(timeout time.Duration) error {
	if !c.running.Load() {
		return nil
	}
	c.running.Store(false)

	c.nats.StopConsumer(stream.Name(c.tenant), stream.UnregisteredDurable(c.tenant))

	grace := c.config.ShutdownGrace
	if timeout > 0 && timeout < grace {
		grace = timeout
	}
	if err := c.pool.Stop(grace); err != nil {
		c.logger.Warn("worker pool stop exceeded grace period",
			"grace", grace, "error", err)
		return errors.WrapTransient(err, "unregistered-consumer", "Stop", "pool drain")
	}
	return nil
}

// PoolStats exposes worker pool statistics for health reporting.
func (c *Consumer) PoolStats() worker.PoolStats {
	return c.pool.Stats()
}
