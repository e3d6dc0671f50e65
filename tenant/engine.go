// Package tenant assembles one tenant's event pipeline from configuration:
// the durable event stream, the sources with their receivers and decoders,
// the unregistered-events consumer, and the registration manager behind it.
package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/devicestreams/component"
	"github.com/c360/devicestreams/config"
	"github.com/c360/devicestreams/consumer"
	"github.com/c360/devicestreams/decoder"
	"github.com/c360/devicestreams/devicemgmt"
	"github.com/c360/devicestreams/errors"
	"github.com/c360/devicestreams/health"
	"github.com/c360/devicestreams/metric"
	"github.com/c360/devicestreams/natsclient"
	"github.com/c360/devicestreams/pkg/retry"
	"github.com/c360/devicestreams/receiver"
	"github.com/c360/devicestreams/receiver/coap"
	"github.com/c360/devicestreams/receiver/mqtt"
	"github.com/c360/devicestreams/receiver/tcp"
	"github.com/c360/devicestreams/receiver/websocket"
	"github.com/c360/devicestreams/registration"
	"github.com/c360/devicestreams/source"
	"github.com/c360/devicestreams/stream"
)

// Deps holds what an Engine needs beyond its tenant configuration.
type Deps struct {
	Config config.TenantConfig
	NATS   *natsclient.Client

	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Engine owns one tenant's pipeline components. Start order is consumer
// before sources so the drain side is attached before events can arrive;
// Stop runs the reverse.
type Engine struct {
	tenant   string
	nats     *natsclient.Client
	logger   *slog.Logger
	consumer *consumer.Consumer
	sources  []*source.Source

	running bool
}

// New builds a tenant engine from configuration. The configuration must
// already have passed config.Validate; receiver settings are decoded here
// because their shape depends on the receiver type.
func New(deps Deps) (*Engine, error) {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("tenant", cfg.ID)

	publisher := stream.NewPublisher(deps.NATS, cfg.ID, logger)
	devices := devicemgmt.NewClient(deps.NATS, cfg.ID, logger)

	manager, err := registration.NewManager(registration.Deps{
		Tenant:          cfg.ID,
		Config:          cfg.Registration,
		Devices:         devices,
		Events:          devices,
		Inbound:         publisher,
		MetricsRegistry: deps.MetricsRegistry,
		Logger:          logger.With("component", "registration-manager"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "tenant.Engine", "New", "registration manager")
	}

	cons := consumer.New(consumer.Deps{
		Tenant:          cfg.ID,
		Config:          cfg.Consumer,
		NATS:            deps.NATS,
		Manager:         manager,
		MetricsRegistry: deps.MetricsRegistry,
		Logger:          logger.With("component", "unregistered-consumer"),
	})

	e := &Engine{
		tenant:   cfg.ID,
		nats:     deps.NATS,
		logger:   logger,
		consumer: cons,
	}

	for _, sourceCfg := range cfg.Sources {
		src, err := e.buildSource(sourceCfg, publisher, devices, deps.MetricsRegistry)
		if err != nil {
			return nil, errors.WrapInvalid(err, "tenant.Engine", "New",
				fmt.Sprintf("source %s", sourceCfg.ID))
		}
		e.sources = append(e.sources, src)
	}

	return e, nil
}

func (e *Engine) buildSource(
	cfg config.SourceConfig,
	publisher *stream.Publisher,
	devices devicemgmt.DeviceManagement,
	registry *metric.MetricsRegistry,
) (*source.Source, error) {
	logger := e.logger.With("component", "event-source", "source_id", cfg.ID)

	dec, err := buildDecoder(cfg.Decoder, logger)
	if err != nil {
		return nil, err
	}

	lookupRetry := retry.DefaultConfig()
	if cfg.LookupRetry != nil {
		lookupRetry = *cfg.LookupRetry
	}

	// The source and its receivers reference each other: receivers push
	// into the source's sink, the source starts and stops its receivers.
	// The indirection through src lets the receivers be built first.
	var src *source.Source
	sink := receiver.Sink(func(ctx context.Context, payload []byte, metadata map[string]string) error {
		return src.OnEventPayloadReceived(ctx, payload, metadata)
	})

	receivers := make([]receiver.EventReceiver, 0, len(cfg.Receivers))
	for i, rc := range cfg.Receivers {
		name := fmt.Sprintf("%s-%s-%d", cfg.ID, rc.Type, i)
		r, err := buildReceiver(rc, name, sink, registry, logger)
		if err != nil {
			return nil, err
		}
		receivers = append(receivers, r)
	}

	src = source.New(source.Deps{
		SourceID:        e.tenant + "-" + cfg.ID,
		Decoder:         dec,
		Devices:         devices,
		Inbound:         publisher,
		Unregistered:    publisher,
		Failures:        publisher,
		LookupRetry:     lookupRetry,
		LookupCacheTTL:  cfg.LookupCacheTTL,
		Receivers:       receivers,
		MetricsRegistry: registry,
		Logger:          logger,
	})
	return src, nil
}

func buildDecoder(cfg config.DecoderConfig, logger *slog.Logger) (decoder.Decoder, error) {
	switch cfg.Type {
	case config.DecoderJSON:
		return decoder.NewJSON(), nil
	case config.DecoderBinary:
		return decoder.NewBinary(), nil
	case config.DecoderScript:
		if cfg.Script == nil {
			return nil, fmt.Errorf("script decoder requires script settings")
		}
		return decoder.NewScript(*cfg.Script, logger)
	default:
		return nil, fmt.Errorf("unknown decoder type %q", cfg.Type)
	}
}

func buildReceiver(
	cfg config.ReceiverConfig,
	name string,
	sink receiver.Sink,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (receiver.EventReceiver, error) {
	settings := cfg.Settings
	if len(settings) == 0 {
		settings = []byte("{}")
	}
	logger = logger.With("receiver", name)

	switch cfg.Type {
	case config.ReceiverMQTT:
		var rc mqtt.Config
		if err := json.Unmarshal(settings, &rc); err != nil {
			return nil, fmt.Errorf("mqtt receiver settings: %w", err)
		}
		return mqtt.New(mqtt.Deps{Name: name, Config: rc, Sink: sink,
			MetricsRegistry: registry, Logger: logger}), nil
	case config.ReceiverWebSocket:
		var rc websocket.Config
		if err := json.Unmarshal(settings, &rc); err != nil {
			return nil, fmt.Errorf("websocket receiver settings: %w", err)
		}
		return websocket.New(websocket.Deps{Name: name, Config: rc, Sink: sink,
			MetricsRegistry: registry, Logger: logger}), nil
	case config.ReceiverTCP:
		var rc tcp.Config
		if err := json.Unmarshal(settings, &rc); err != nil {
			return nil, fmt.Errorf("tcp receiver settings: %w", err)
		}
		return tcp.New(tcp.Deps{Name: name, Config: rc, Sink: sink,
			MetricsRegistry: registry, Logger: logger}), nil
	case config.ReceiverCoAP:
		var rc coap.Config
		if err := json.Unmarshal(settings, &rc); err != nil {
			return nil, fmt.Errorf("coap receiver settings: %w", err)
		}
		return coap.New(coap.Deps{Name: name, Config: rc, Sink: sink,
			MetricsRegistry: registry, Logger: logger}), nil
	default:
		return nil, fmt.Errorf("unknown receiver type %q", cfg.Type)
	}
}

// Tenant returns the tenant identifier this engine serves.
func (e *Engine) Tenant() string { return e.tenant }

// Initialize validates all pipeline components.
func (e *Engine) Initialize() error {
	if err := e.consumer.Initialize(); err != nil {
		return err
	}
	for _, src := range e.sources {
		if err := src.Initialize(); err != nil {
			return err
		}
	}
	return nil
}

// Start ensures the tenant's stream exists, attaches the consumer, then
// starts the sources. A failed source start rolls everything back.
func (e *Engine) Start(ctx context.Context) error {
	if e.running {
		return nil
	}

	if _, err := e.nats.EnsureStream(ctx, stream.Config(e.tenant)); err != nil {
		return errors.WrapTransient(err, "tenant.Engine", "Start", "ensure stream")
	}

	if err := e.consumer.Start(ctx); err != nil {
		return errors.Wrap(err, "tenant.Engine", "Start", "consumer start")
	}

	for i, src := range e.sources {
		if err := src.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = e.sources[j].Stop(5 * time.Second)
			}
			_ = e.consumer.Stop(5 * time.Second)
			return errors.Wrap(err, "tenant.Engine", "Start",
				fmt.Sprintf("source %s start", src.Meta().Name))
		}
	}

	e.running = true
	e.logger.Info("tenant pipeline started", "sources", len(e.sources))
	return nil
}

// Stop shuts the pipeline down in reverse start order: sources first so no
// new events arrive, then the consumer with the remaining time budget.
func (e *Engine) Stop(timeout time.Duration) error {
	if !e.running {
		return nil
	}
	e.running = false

	deadline := time.Now().Add(timeout)
	var firstErr error
	for i := len(e.sources) - 1; i >= 0; i-- {
		if err := e.sources[i].Stop(time.Until(deadline)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.consumer.Stop(time.Until(deadline)); err != nil && firstErr == nil {
		firstErr = err
	}

	e.logger.Info("tenant pipeline stopped")
	return firstErr
}

// UpdateHealth pushes the health of every pipeline component into the
// monitor, prefixed with the tenant id.
func (e *Engine) UpdateHealth(monitor *health.Monitor) {
	monitor.Update(e.consumer.Meta().Name,
		health.FromComponentHealth(e.consumer.Meta().Name, e.consumer.Health()))
	for _, src := range e.sources {
		name := src.Meta().Name
		monitor.Update(name, health.FromComponentHealth(name, src.Health()))
	}
}

// Components returns the engine's discoverable components.
func (e *Engine) Components() []component.Discoverable {
	comps := make([]component.Discoverable, 0, len(e.sources)+1)
	comps = append(comps, e.consumer)
	for _, src := range e.sources {
		comps = append(comps, src)
	}
	return comps
}
