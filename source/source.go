// Package source implements the event source: the junction where raw
// transport payloads are decoded, attributed to a device, and routed onto
// the tenant's durable stream.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicestreams/component"
	"github.com/c360/devicestreams/decoder"
	"github.com/c360/devicestreams/devicemgmt"
	"github.com/c360/devicestreams/errors"
	"github.com/c360/devicestreams/event"
	"github.com/c360/devicestreams/metric"
	"github.com/c360/devicestreams/pkg/cache"
	"github.com/c360/devicestreams/pkg/retry"
	"github.com/c360/devicestreams/receiver"
	"github.com/c360/devicestreams/stream"
)

// Metrics holds Prometheus metrics for an event source.
type Metrics struct {
	payloadsReceived      prometheus.Counter
	eventsDecoded         prometheus.Counter
	decodeFailures        prometheus.Counter
	inboundPublished      prometheus.Counter
	unregisteredPublished prometheus.Counter
	lookupFailures        prometheus.Counter
	decodeLatency         prometheus.Histogram
}

func newMetrics(registry *metric.MetricsRegistry, name string) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		payloadsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "source",
			Name:      "payloads_received_total",
			Help:      "Raw payloads handed over by receivers",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		eventsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "source",
			Name:      "events_decoded_total",
			Help:      "Decoded requests produced from payloads",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "source",
			Name:      "decode_failures_total",
			Help:      "Payloads routed to the failed-decode stream",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		inboundPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "source",
			Name:      "inbound_published_total",
			Help:      "Payloads published for registered devices",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		unregisteredPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "source",
			Name:      "unregistered_published_total",
			Help:      "Payloads published for unregistered devices",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		lookupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "source",
			Name:      "lookup_failures_total",
			Help:      "Device lookups that stayed unavailable after retries",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		decodeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "devicestreams",
			Subsystem: "source",
			Name:      "decode_duration_seconds",
			Help:      "Time spent decoding one payload",
			ConstLabels: prometheus.Labels{"component": name},
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
	}

	_ = registry.RegisterCounter(name, "payloads_received", m.payloadsReceived)
	_ = registry.RegisterCounter(name, "events_decoded", m.eventsDecoded)
	_ = registry.RegisterCounter(name, "decode_failures", m.decodeFailures)
	_ = registry.RegisterCounter(name, "inbound_published", m.inboundPublished)
	_ = registry.RegisterCounter(name, "unregistered_published", m.unregisteredPublished)
	_ = registry.RegisterCounter(name, "lookup_failures", m.lookupFailures)
	_ = registry.RegisterHistogram(name, "decode_latency", m.decodeLatency)

	return m
}

// Deps holds runtime dependencies for an event source.
type Deps struct {
	// SourceID identifies this source on decode-failure records and
	// payload envelopes.
	SourceID string

	Decoder      decoder.Decoder
	Devices      devicemgmt.DeviceManagement
	Inbound      stream.InboundPublisher
	Unregistered stream.UnregisteredPublisher
	Failures     stream.DecodeFailurePublisher

	// LookupRetry bounds the existence-lookup retries. Zero value falls
	// back to retry.DefaultConfig.
	LookupRetry retry.Config

	// LookupCacheTTL enables caching of positive lookup results for the
	// given duration. Only "registered" answers are cached; an absent
	// device must stay re-checkable on every event. Zero disables.
	LookupCacheTTL time.Duration

	// Receivers owned by this source; started and stopped with it.
	Receivers []receiver.EventReceiver

	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Source decodes raw payloads and routes every decoded request by device
// registration state. Receivers push into it through Sink.
type Source struct {
	id           string
	decoder      decoder.Decoder
	devices      devicemgmt.DeviceManagement
	inbound      stream.InboundPublisher
	unregistered stream.UnregisteredPublisher
	failures     stream.DecodeFailurePublisher
	lookupRetry  retry.Config
	receivers    []receiver.EventReceiver
	logger       *slog.Logger

	lookupCacheTTL time.Duration
	lookupCache    cache.Cache[struct{}]
	registry       *metric.MetricsRegistry

	running   atomic.Bool
	startTime time.Time

	payloadsReceived atomic.Int64
	bytesReceived    atomic.Int64
	errorCount       atomic.Int64
	lastActivity     atomic.Value // time.Time

	metrics *Metrics
}

var _ component.LifecycleComponent = (*Source)(nil)

// New creates an event source.
func New(deps Deps) *Source {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "event-source", "source_id", deps.SourceID)
	}

	lookupRetry := deps.LookupRetry
	if lookupRetry.MaxAttempts == 0 {
		lookupRetry = retry.DefaultConfig()
	}

	s := &Source{
		id:           deps.SourceID,
		decoder:      deps.Decoder,
		devices:      deps.Devices,
		inbound:      deps.Inbound,
		unregistered: deps.Unregistered,
		failures:     deps.Failures,
		lookupRetry:  lookupRetry,
		receivers:    deps.Receivers,
		logger:       logger,

		lookupCacheTTL: deps.LookupCacheTTL,
		lookupCache:    cache.NewNoop[struct{}](),
		registry:       deps.MetricsRegistry,

		startTime: time.Now(),
		metrics:   newMetrics(deps.MetricsRegistry, deps.SourceID),
	}
	s.lastActivity.Store(time.Time{})
	return s
}

// Sink returns the callback receivers push payloads into.
func (s *Source) Sink() receiver.Sink {
	return s.OnEventPayloadReceived
}

// Meta implements component.Discoverable.
func (s *Source) Meta() component.Metadata {
	return component.Metadata{
		Name:        s.id,
		Type:        "source",
		Description: fmt.Sprintf("event source %s with %d receivers", s.id, len(s.receivers)),
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable.
func (s *Source) Health() component.HealthStatus {
	healthy := s.running.Load()
	for _, r := range s.receivers {
		if !r.Health().Healthy {
			healthy = false
			break
		}
	}
	return component.HealthStatus{
		Healthy:    healthy,
		LastCheck:  time.Now(),
		ErrorCount: int(s.errorCount.Load()),
		Uptime:     time.Since(s.startTime),
	}
}

// DataFlow implements component.Discoverable.
func (s *Source) DataFlow() component.FlowMetrics {
	payloads := s.payloadsReceived.Load()
	bytes := s.bytesReceived.Load()
	errorCount := s.errorCount.Load()
	lastActivity, _ := s.lastActivity.Load().(time.Time)

	var perSecond, bytesPerSecond, errorRate float64
	if uptime := time.Since(s.startTime).Seconds(); uptime > 0 {
		perSecond = float64(payloads) / uptime
		bytesPerSecond = float64(bytes) / uptime
	}
	if payloads > 0 {
		errorRate = float64(errorCount) / float64(payloads)
	}

	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates dependencies and initializes owned receivers.
func (s *Source) Initialize() error {
	if s.id == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: empty source id", errors.ErrInvalidConfig),
			"event-source", "Initialize", "source id check")
	}
	if s.decoder == nil {
		return errors.WrapInvalid(fmt.Errorf("nil decoder"),
			"event-source", "Initialize", "decoder validation")
	}
	if s.devices == nil {
		return errors.WrapInvalid(fmt.Errorf("nil device management"),
			"event-source", "Initialize", "device management validation")
	}
	if s.inbound == nil || s.unregistered == nil || s.failures == nil {
		return errors.WrapInvalid(fmt.Errorf("nil publisher"),
			"event-source", "Initialize", "publisher validation")
	}
	for _, r := range s.receivers {
		if err := r.Initialize(); err != nil {
			return err
		}
	}
	return nil
}

// Start starts the owned receivers. A receiver that fails to start aborts
// the whole source; receivers already started are stopped again.
func (s *Source) Start(ctx context.Context) error {
	if s.running.Load() {
		return nil
	}

	if s.lookupCacheTTL > 0 {
		var cacheOpts []cache.Option[struct{}]
		if s.registry != nil {
			cacheOpts = append(cacheOpts, cache.WithMetrics[struct{}](s.registry, s.id+"-lookup"))
		}
		lookupCache, err := cache.NewTTL[struct{}](ctx, s.lookupCacheTTL, s.lookupCacheTTL, cacheOpts...)
		if err != nil {
			return errors.WrapInvalid(err, "event-source", "Start", "lookup cache")
		}
		s.lookupCache = lookupCache
	}

	for i, r := range s.receivers {
		if err := r.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = s.receivers[j].Stop(time.Second)
			}
			_ = s.lookupCache.Close()
			return errors.Wrap(err, "event-source", "Start",
				fmt.Sprintf("starting receiver %s", r.Meta().Name))
		}
	}

	s.running.Store(true)
	s.startTime = time.Now()
	s.logger.Info("event source started", "receivers", len(s.receivers))
	return nil
}

// Stop stops the owned receivers in reverse start order.
func (s *Source) Stop(timeout time.Duration) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)

	var firstErr error
	for i := len(s.receivers) - 1; i >= 0; i-- {
		if err := s.receivers[i].Stop(timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	_ = s.lookupCache.Close()
	return firstErr
}

// OnEventPayloadReceived is the receiver sink: decode the payload, then
// route every decoded request by device registration state.
//
// A decode failure is terminal for the payload: it goes to the failed-decode
// stream and the transport sees success. Only infrastructure failures (the
// durable publish itself, or a lookup that stayed unavailable through
// retries) surface as errors.
func (s *Source) OnEventPayloadReceived(ctx context.Context, payload []byte, metadata map[string]string) error {
	now := time.Now()
	s.payloadsReceived.Add(1)
	s.bytesReceived.Add(int64(len(payload)))
	s.lastActivity.Store(now)
	if s.metrics != nil {
		s.metrics.payloadsReceived.Inc()
	}

	decodeStart := time.Now()
	requests, err := s.decoder.Decode(ctx, payload, metadata)
	if s.metrics != nil {
		s.metrics.decodeLatency.Observe(time.Since(decodeStart).Seconds())
	}
	if err != nil {
		return s.handleDecodeFailure(ctx, payload, metadata, err)
	}
	if s.metrics != nil {
		s.metrics.eventsDecoded.Add(float64(len(requests)))
	}

	for _, request := range requests {
		if err := s.routeRequest(ctx, request, metadata); err != nil {
			s.errorCount.Add(1)
			return err
		}
	}
	return nil
}

func (s *Source) handleDecodeFailure(ctx context.Context, payload []byte, metadata map[string]string, decodeErr error) error {
	s.errorCount.Add(1)
	if s.metrics != nil {
		s.metrics.decodeFailures.Inc()
	}
	s.logger.Warn("payload decode failed",
		"payload_bytes", len(payload), "error", decodeErr)

	failure := stream.DecodeFailure{
		SourceID:   s.id,
		Payload:    payload,
		Metadata:   metadata,
		Error:      decodeErr.Error(),
		OccurredAt: time.Now(),
	}
	if err := s.failures.PublishDecodeFailure(ctx, failure); err != nil {
		return errors.Wrap(err, "event-source", "OnEventPayloadReceived",
			"decode failure publish")
	}
	return nil
}

// routeRequest publishes one decoded request onto the inbound or
// unregistered stream depending on device registration state.
func (s *Source) routeRequest(ctx context.Context, request event.DecodedRequest, metadata map[string]string) error {
	payload, err := event.NewInboundEventPayload(s.id, request, metadata)
	if err != nil {
		// Decoder output failed envelope validation; terminal for this
		// request, recorded like a decode failure.
		if s.metrics != nil {
			s.metrics.decodeFailures.Inc()
		}
		raw, _ := request.MarshalJSON()
		return s.handleDecodeFailure(ctx, raw, metadata, err)
	}

	registered, err := s.deviceRegistered(ctx, request.DeviceToken())
	if err != nil {
		// Unavailability is not "not found". The payload is neither
		// routed nor dropped; the error propagates so the transport's
		// at-least-once delivery can bring it back.
		if s.metrics != nil {
			s.metrics.lookupFailures.Inc()
		}
		return err
	}

	if registered {
		if err := s.inbound.PublishInbound(ctx, payload); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.inboundPublished.Inc()
		}
		return nil
	}

	if err := s.unregistered.PublishUnregistered(ctx, payload); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.unregisteredPublished.Inc()
	}
	s.logger.Debug("event from unregistered device queued",
		"device_token", request.DeviceToken())
	return nil
}

// deviceRegistered checks device existence, retrying transient lookup
// failures with backoff.
func (s *Source) deviceRegistered(ctx context.Context, deviceToken string) (bool, error) {
	if _, ok := s.lookupCache.Get(deviceToken); ok {
		return true, nil
	}

	var registered bool
	lookup := func() error {
		_, err := s.devices.GetDeviceByToken(ctx, deviceToken)
		if err != nil {
			if errors.Is(err, errors.ErrDeviceNotFound) {
				registered = false
				return nil
			}
			if errors.IsInvalid(err) || errors.IsFatal(err) {
				return retry.NonRetryable(err)
			}
			return err
		}
		registered = true
		return nil
	}

	if err := retry.Do(ctx, s.lookupRetry, lookup); err != nil {
		if errors.IsInvalid(err) || errors.IsFatal(err) {
			return false, err
		}
		return false, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrLookupUnavailable, err),
			"event-source", "deviceRegistered", "device lookup")
	}
	if registered {
		_, _ = s.lookupCache.Set(deviceToken, struct{}{})
	}
	return registered, nil
}
