package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devicestreams/registration"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validConfig = `{
	"version": "1.0.0",
	"nats": {"urls": ["nats://nats-1:4222", "nats://nats-2:4222"]},
	"tenants": [{
		"id": "Acme",
		"registration": {"policy": "allow-all"},
		"sources": [{
			"id": "mqtt-main",
			"decoder": {"type": "json"},
			"receivers": [{"type": "mqtt", "settings": {"broker_url": "tcp://broker:1883", "topic": "devices/+/events"}}]
		}]
	}]
}`

func TestLoadFile(t *testing.T) {
	cfg, err := NewLoader().LoadFile(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://nats-1:4222", "nats://nats-2:4222"}, cfg.NATS.URLs)
	require.Len(t, cfg.Tenants, 1)
	// Tenant IDs are normalized to lowercase for subject use.
	assert.Equal(t, "acme", cfg.Tenants[0].ID)
	assert.Equal(t, registration.PolicyAllowAll, cfg.Tenants[0].Registration.Policy)
	require.Len(t, cfg.Tenants[0].Sources, 1)
	assert.Equal(t, DecoderJSON, cfg.Tenants[0].Sources[0].Decoder.Type)

	// File did not set metrics; defaults survive the merge.
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := NewLoader().LoadFile("/does/not/exist.json")
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DEVICESTREAMS_NATS_URLS", "nats://override:4222")
	t.Setenv("DEVICESTREAMS_NATS_TOKEN", "s3cret")
	t.Setenv("DEVICESTREAMS_METRICS_PORT", "9191")

	cfg, err := NewLoader().LoadFile(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://override:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "s3cret", cfg.NATS.Token)
	assert.Equal(t, 9191, cfg.Metrics.Port)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			NATS: NATSConfig{URLs: []string{"nats://localhost:4222"}},
			Tenants: []TenantConfig{{
				ID:           "acme",
				Registration: registration.Config{Policy: registration.PolicyAllowAll},
				Sources: []SourceConfig{{
					ID:        "src-1",
					Decoder:   DecoderConfig{Type: DecoderJSON},
					Receivers: []ReceiverConfig{{Type: ReceiverTCP}},
				}},
			}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no nats urls", func(c *Config) { c.NATS.URLs = nil }, "nats.urls"},
		{"no tenants", func(c *Config) { c.Tenants = nil }, "at least one tenant"},
		{"empty tenant id", func(c *Config) { c.Tenants[0].ID = "" }, "id is required"},
		{"dotted tenant id", func(c *Config) { c.Tenants[0].ID = "acme.prod" }, "not valid for NATS subjects"},
		{"duplicate tenant", func(c *Config) {
			c.Tenants = append(c.Tenants, c.Tenants[0])
		}, "duplicate id"},
		{"bad policy", func(c *Config) {
			c.Tenants[0].Registration.Policy = "maybe"
		}, "registration"},
		{"no sources", func(c *Config) { c.Tenants[0].Sources = nil }, "at least one source"},
		{"duplicate source", func(c *Config) {
			c.Tenants[0].Sources = append(c.Tenants[0].Sources, c.Tenants[0].Sources[0])
		}, "duplicate id"},
		{"unknown decoder", func(c *Config) {
			c.Tenants[0].Sources[0].Decoder.Type = "xml"
		}, "unknown decoder type"},
		{"script without settings", func(c *Config) {
			c.Tenants[0].Sources[0].Decoder = DecoderConfig{Type: DecoderScript}
		}, "script settings are required"},
		{"no receivers", func(c *Config) {
			c.Tenants[0].Sources[0].Receivers = nil
		}, "at least one receiver"},
		{"unknown receiver", func(c *Config) {
			c.Tenants[0].Sources[0].Receivers[0].Type = "carrier-pigeon"
		}, "unknown receiver type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDefaultsWithoutFile(t *testing.T) {
	// No tenants configured, so validation must fail even though the
	// defaults themselves are well formed.
	_, err := NewLoader().LoadFile("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one tenant")
}
