// Package registration decides what happens to events from unregistered
// devices: re-submit if the device appeared in the meantime, auto-register
// it when policy allows, or drop the event with a warning when it does not.
package registration

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicestreams/devicemgmt"
	"github.com/c360/devicestreams/errors"
	"github.com/c360/devicestreams/event"
	"github.com/c360/devicestreams/metric"
	"github.com/c360/devicestreams/stream"
)

// PolicyType enumerates the auto-registration policies.
type PolicyType string

const (
	// PolicyAllowAll auto-registers every unknown device.
	PolicyAllowAll PolicyType = "allow-all"
	// PolicyAllowList auto-registers only devices whose device type is
	// on the configured list.
	PolicyAllowList PolicyType = "allow-list"
	// PolicyRejectAll never auto-registers; events from unknown devices
	// are dropped with a warning.
	PolicyRejectAll PolicyType = "reject-all"
)

// MetaDeviceType is the payload metadata key carrying a device-type hint
// for events that are not registration requests.
const MetaDeviceType = "device_type"

// Config holds the registration policy for one tenant.
type Config struct {
	Policy PolicyType `json:"policy"`

	// AllowedDeviceTypes is consulted by the allow-list policy.
	AllowedDeviceTypes []string `json:"allowed_device_types,omitempty"`

	// DefaultDeviceType is used when the payload carries no device-type
	// hint of its own.
	DefaultDeviceType string `json:"default_device_type,omitempty"`
}

// Validate checks the policy configuration.
func (c *Config) Validate() error {
	switch c.Policy {
	case PolicyAllowAll, PolicyRejectAll:
		return nil
	case PolicyAllowList:
		if len(c.AllowedDeviceTypes) == 0 {
			return errors.WrapInvalid(
				fmt.Errorf("%w: allow-list policy with empty allow list", errors.ErrInvalidConfig),
				"registration.Config", "Validate", "allow list check")
		}
		return nil
	case "":
		return errors.WrapInvalid(
			fmt.Errorf("%w: registration policy not set", errors.ErrMissingConfig),
			"registration.Config", "Validate", "policy check")
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown registration policy %q", errors.ErrInvalidConfig, c.Policy),
			"registration.Config", "Validate", "policy check")
	}
}

// Metrics holds Prometheus metrics for the registration manager.
type Metrics struct {
	resubmittedDirect prometheus.Counter
	devicesCreated    prometheus.Counter
	createRaces       prometheus.Counter
	policyRejections  prometheus.Counter
	failures          prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry, name string) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		resubmittedDirect: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "registration",
			Name:      "resubmitted_direct_total",
			Help:      "Events whose device turned out to be registered on re-check",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		devicesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "registration",
			Name:      "devices_created_total",
			Help:      "Devices auto-registered",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		createRaces: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "registration",
			Name:      "create_races_total",
			Help:      "Creates that lost a race and converged on an existing device",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		policyRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "registration",
			Name:      "policy_rejections_total",
			Help:      "Events dropped because policy disallowed registration",
			ConstLabels: prometheus.Labels{"component": name},
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicestreams",
			Subsystem: "registration",
			Name:      "failures_total",
			Help:      "Unregistered events that failed processing",
			ConstLabels: prometheus.Labels{"component": name},
		}),
	}

	_ = registry.RegisterCounter(name, "resubmitted_direct", m.resubmittedDirect)
	_ = registry.RegisterCounter(name, "devices_created", m.devicesCreated)
	_ = registry.RegisterCounter(name, "create_races", m.createRaces)
	_ = registry.RegisterCounter(name, "policy_rejections", m.policyRejections)
	_ = registry.RegisterCounter(name, "failures", m.failures)

	return m
}

// Deps holds runtime dependencies for the registration manager.
type Deps struct {
	// Tenant scopes log and metric names when several tenant engines
	// share one process.
	Tenant string

	Config  Config
	Devices devicemgmt.DeviceManagement
	Events  devicemgmt.DeviceEventManagement
	Inbound stream.InboundPublisher

	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Manager is a stateless decision function over external device existence.
// Safe for concurrent use from the consumer's worker pool.
type Manager struct {
	config  Config
	devices devicemgmt.DeviceManagement
	events  devicemgmt.DeviceEventManagement
	inbound stream.InboundPublisher
	logger  *slog.Logger
	allowed map[string]struct{}
	metrics *Metrics
}

// NewManager creates a registration manager.
func NewManager(deps Deps) (*Manager, error) {
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}
	if deps.Devices == nil || deps.Events == nil || deps.Inbound == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil collaborator"),
			"registration-manager", "NewManager", "dependency validation")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "registration-manager", "tenant", deps.Tenant)
	}

	metricsName := "registration-manager"
	if deps.Tenant != "" {
		metricsName = deps.Tenant + "-registration-manager"
	}

	allowed := make(map[string]struct{}, len(deps.Config.AllowedDeviceTypes))
	for _, deviceType := range deps.Config.AllowedDeviceTypes {
		allowed[deviceType] = struct{}{}
	}

	return &Manager{
		config:  deps.Config,
		devices: deps.Devices,
		events:  deps.Events,
		inbound: deps.Inbound,
		logger:  logger,
		allowed: allowed,
		metrics: newMetrics(deps.MetricsRegistry, metricsName),
	}, nil
}

// HandleUnregisteredDeviceEvent processes one event from the unregistered
// stream. A nil return means the event reached a terminal state: re-submitted
// or dropped by policy. Errors mean the outcome is unknown and the caller
// decides on redelivery.
func (m *Manager) HandleUnregisteredDeviceEvent(ctx context.Context, payload *event.InboundEventPayload) error {
	if payload == nil {
		return errors.WrapInvalid(fmt.Errorf("nil payload"),
			"registration-manager", "HandleUnregisteredDeviceEvent", "payload check")
	}
	deviceToken := payload.DeviceToken()

	// A stale unregistered classification is possible: the device may have
	// been registered since the event was queued. Re-verify.
	_, err := m.devices.GetDeviceByToken(ctx, deviceToken)
	switch {
	case err == nil:
		if m.metrics != nil {
			m.metrics.resubmittedDirect.Inc()
		}
		return m.resubmit(ctx, payload)
	case errors.Is(err, errors.ErrDeviceNotFound):
		// Proceed to policy.
	default:
		if m.metrics != nil {
			m.metrics.failures.Inc()
		}
		return err
	}

	deviceType := m.deviceTypeFor(payload)
	if !m.registrationAllowed(deviceType) {
		if m.metrics != nil {
			m.metrics.policyRejections.Inc()
		}
		m.logger.Warn("dropping event from unregistered device per policy",
			"device_token", deviceToken,
			"device_type", deviceType,
			"policy", string(m.config.Policy))
		return nil
	}

	if err := m.createDevice(ctx, payload, deviceType); err != nil {
		if m.metrics != nil {
			m.metrics.failures.Inc()
		}
		return err
	}
	return m.resubmit(ctx, payload)
}

// deviceTypeFor resolves the device-type hint: the registration request's
// own token first, then payload metadata, then the configured default.
func (m *Manager) deviceTypeFor(payload *event.InboundEventPayload) string {
	if reg, ok := payload.Request().Request().(*event.RegistrationCreateRequest); ok && reg.DeviceTypeToken != "" {
		return reg.DeviceTypeToken
	}
	if hint := payload.Metadata()[MetaDeviceType]; hint != "" {
		return hint
	}
	return m.config.DefaultDeviceType
}

func (m *Manager) registrationAllowed(deviceType string) bool {
	switch m.config.Policy {
	case PolicyAllowAll:
		return true
	case PolicyAllowList:
		_, ok := m.allowed[deviceType]
		return ok
	default:
		return false
	}
}

// createDevice issues the creation request. A duplicate-create outcome is
// success: another worker won the race, and "device exists" is the goal.
func (m *Manager) createDevice(ctx context.Context, payload *event.InboundEventPayload, deviceType string) error {
	req := devicemgmt.CreateDeviceRequest{
		Token:           payload.DeviceToken(),
		DeviceTypeToken: deviceType,
		Metadata:        payload.Metadata(),
	}
	if reg, ok := payload.Request().Request().(*event.RegistrationCreateRequest); ok {
		req.AreaToken = reg.AreaToken
	}

	_, err := m.devices.CreateDevice(ctx, req)
	if err != nil {
		if errors.Is(err, errors.ErrDeviceAlreadyExists) {
			if m.metrics != nil {
				m.metrics.createRaces.Inc()
			}
			m.logger.Debug("device created concurrently elsewhere",
				"device_token", payload.DeviceToken())
			return nil
		}
		return errors.Wrap(err, "registration-manager", "createDevice", "device creation")
	}

	if m.metrics != nil {
		m.metrics.devicesCreated.Inc()
	}
	m.logger.Info("device auto-registered",
		"device_token", payload.DeviceToken(), "device_type", deviceType)
	return nil
}

// resubmit pushes the delayed event through the normal inbound path: record
// it with device event management and publish it on the enriched stream.
func (m *Manager) resubmit(ctx context.Context, payload *event.InboundEventPayload) error {
	if err := m.events.AddDeviceEvents(ctx, payload); err != nil {
		if m.metrics != nil {
			m.metrics.failures.Inc()
		}
		return errors.Wrap(err, "registration-manager", "resubmit", "event recording")
	}
	if err := m.inbound.PublishInbound(ctx, payload); err != nil {
		if m.metrics != nil {
			m.metrics.failures.Inc()
		}
		return errors.Wrap(err, "registration-manager", "resubmit", "enriched publish")
	}
	return nil
}
