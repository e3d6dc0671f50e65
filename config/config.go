// Package config loads and validates the devicestreams application
// configuration. Configuration is JSON with environment variable overrides
// for deployment-specific values.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/c360/devicestreams/consumer"
	"github.com/c360/devicestreams/decoder"
	"github.com/c360/devicestreams/pkg/retry"
	"github.com/c360/devicestreams/registration"
)

// Decoder type constants
const (
	DecoderJSON   = "json"
	DecoderBinary = "binary"
	DecoderScript = "script"
)

// Receiver type constants
const (
	ReceiverMQTT      = "mqtt"
	ReceiverWebSocket = "websocket"
	ReceiverTCP       = "tcp"
	ReceiverCoAP      = "coap"
)

// Config represents the complete application configuration.
type Config struct {
	Version string         `json:"version"`
	NATS    NATSConfig     `json:"nats"`
	Metrics MetricsConfig  `json:"metrics,omitempty"`
	Health  HealthConfig   `json:"health,omitempty"`
	Tenants []TenantConfig `json:"tenants"`
}

// NATSConfig defines NATS connection settings.
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
}

// MetricsConfig defines the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// HealthConfig defines the health HTTP endpoint.
type HealthConfig struct {
	Enabled bool `json:"enabled,omitempty"`
	Port    int  `json:"port,omitempty"`
}

// TenantConfig defines one tenant's event pipeline: its sources, its
// registration policy, and its unregistered-events consumer.
type TenantConfig struct {
	ID           string              `json:"id"`
	Registration registration.Config `json:"registration"`
	Consumer     consumer.Config     `json:"consumer,omitempty"`
	Sources      []SourceConfig      `json:"sources"`
}

// SourceConfig defines one event source: a decoder plus its receivers.
type SourceConfig struct {
	ID          string           `json:"id"`
	Decoder     DecoderConfig    `json:"decoder"`
	Receivers   []ReceiverConfig `json:"receivers"`
	LookupRetry *retry.Config    `json:"lookup_retry,omitempty"`

	// LookupCacheTTL caches positive device lookups for this long.
	// Zero disables the cache.
	LookupCacheTTL time.Duration `json:"lookup_cache_ttl,omitempty"`
}

// DecoderConfig selects and configures a payload decoder.
type DecoderConfig struct {
	Type   string                `json:"type"`
	Script *decoder.ScriptConfig `json:"script,omitempty"`
}

// ReceiverConfig selects a transport receiver. Settings stays raw JSON;
// the tenant engine decodes it against the receiver's own config type.
type ReceiverConfig struct {
	Type     string          `json:"type"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// getDefaults returns the baseline configuration before any file or
// environment layer is applied.
func getDefaults() *Config {
	return &Config{
		Version: "1.0.0",
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    8086,
		},
	}
}

// Loader loads configuration from a file with environment overrides.
type Loader struct {
	envPrefix string
}

// NewLoader creates a configuration loader with the standard env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "DEVICESTREAMS"}
}

// LoadFile loads, overrides, and validates configuration from path.
// An empty path yields the defaults plus environment overrides, which
// still must pass validation.
func (l *Loader) LoadFile(path string) (*Config, error) {
	cfg := getDefaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	l.applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides for
// deployment-specific values. Tenant structure only comes from the file.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_NATS_URLS"); val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val := os.Getenv(l.envPrefix + "_NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}
	if val := os.Getenv(l.envPrefix + "_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Metrics.Port = port
		}
	}
	if val := os.Getenv(l.envPrefix + "_HEALTH_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Health.Port = port
		}
	}
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	if len(c.NATS.URLs) == 0 {
		return errors.New("nats.urls is required")
	}
	if len(c.Tenants) == 0 {
		return errors.New("at least one tenant is required")
	}

	tenantIDs := make(map[string]bool, len(c.Tenants))
	for i := range c.Tenants {
		tenant := &c.Tenants[i]
		if tenant.ID == "" {
			return fmt.Errorf("tenants[%d]: id is required", i)
		}

		// Tenant IDs become NATS subject tokens; normalize and check.
		tenant.ID = strings.ToLower(tenant.ID)
		if !isValidSubjectToken(tenant.ID) {
			return fmt.Errorf(
				"tenant %q: id is not valid for NATS subjects (alphanumeric, dashes, underscores)",
				tenant.ID)
		}
		if tenantIDs[tenant.ID] {
			return fmt.Errorf("tenant %q: duplicate id", tenant.ID)
		}
		tenantIDs[tenant.ID] = true

		if err := tenant.Registration.Validate(); err != nil {
			return fmt.Errorf("tenant %q: registration: %w", tenant.ID, err)
		}
		if err := tenant.Consumer.Validate(); err != nil {
			return fmt.Errorf("tenant %q: consumer: %w", tenant.ID, err)
		}

		if len(tenant.Sources) == 0 {
			return fmt.Errorf("tenant %q: at least one source is required", tenant.ID)
		}
		sourceIDs := make(map[string]bool, len(tenant.Sources))
		for j, source := range tenant.Sources {
			if err := validateSource(source); err != nil {
				return fmt.Errorf("tenant %q: sources[%d]: %w", tenant.ID, j, err)
			}
			if sourceIDs[source.ID] {
				return fmt.Errorf("tenant %q: source %q: duplicate id", tenant.ID, source.ID)
			}
			sourceIDs[source.ID] = true
		}
	}
	return nil
}

func validateSource(source SourceConfig) error {
	if source.ID == "" {
		return errors.New("id is required")
	}

	switch source.Decoder.Type {
	case DecoderJSON, DecoderBinary:
	case DecoderScript:
		if source.Decoder.Script == nil {
			return fmt.Errorf("source %q: decoder script settings are required", source.ID)
		}
		if err := source.Decoder.Script.Validate(); err != nil {
			return fmt.Errorf("source %q: decoder: %w", source.ID, err)
		}
	case "":
		return fmt.Errorf("source %q: decoder type is required", source.ID)
	default:
		return fmt.Errorf("source %q: unknown decoder type %q", source.ID, source.Decoder.Type)
	}

	if len(source.Receivers) == 0 {
		return fmt.Errorf("source %q: at least one receiver is required", source.ID)
	}
	for _, r := range source.Receivers {
		switch r.Type {
		case ReceiverMQTT, ReceiverWebSocket, ReceiverTCP, ReceiverCoAP:
		case "":
			return fmt.Errorf("source %q: receiver type is required", source.ID)
		default:
			return fmt.Errorf("source %q: unknown receiver type %q", source.ID, r.Type)
		}
	}

	if source.LookupRetry != nil && source.LookupRetry.MaxAttempts < 0 {
		return fmt.Errorf("source %q: lookup_retry.max_attempts cannot be negative", source.ID)
	}
	if source.LookupCacheTTL < 0 {
		return fmt.Errorf("source %q: lookup_cache_ttl cannot be negative", source.ID)
	}
	return nil
}

// isValidSubjectToken checks that a string is a single valid NATS subject
// token. Dots are excluded: they would change the subject depth.
func isValidSubjectToken(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}
