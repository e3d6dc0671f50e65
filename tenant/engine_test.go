package tenant

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devicestreams/config"
	"github.com/c360/devicestreams/natsclient"
	"github.com/c360/devicestreams/registration"
)

func testNATS(t *testing.T) *natsclient.Client {
	t.Helper()
	client, err := natsclient.NewClient("nats://localhost:4222")
	require.NoError(t, err)
	return client
}

func tenantConfig() config.TenantConfig {
	return config.TenantConfig{
		ID:           "acme",
		Registration: registration.Config{Policy: registration.PolicyAllowAll},
		Sources: []config.SourceConfig{{
			ID:      "field-units",
			Decoder: config.DecoderConfig{Type: config.DecoderJSON},
			Receivers: []config.ReceiverConfig{
				{Type: config.ReceiverTCP, Settings: json.RawMessage(`{"port": 0}`)},
				{Type: config.ReceiverWebSocket, Settings: json.RawMessage(`{"port": 0}`)},
			},
		}},
	}
}

func TestNewBuildsPipeline(t *testing.T) {
	engine, err := New(Deps{Config: tenantConfig(), NATS: testNATS(t)})
	require.NoError(t, err)

	assert.Equal(t, "acme", engine.Tenant())
	require.NoError(t, engine.Initialize())

	// Consumer plus one source.
	assert.Len(t, engine.Components(), 2)
}

func TestNewRejectsBadReceiverSettings(t *testing.T) {
	cfg := tenantConfig()
	cfg.Sources[0].Receivers[0].Settings = json.RawMessage(`{"port": "not a number"}`)

	_, err := New(Deps{Config: cfg, NATS: testNATS(t)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tcp receiver settings")
}

func TestNewRejectsBadScript(t *testing.T) {
	cfg := tenantConfig()
	cfg.Sources[0].Decoder = config.DecoderConfig{Type: config.DecoderScript}

	_, err := New(Deps{Config: cfg, NATS: testNATS(t)})
	assert.Error(t, err)
}

func TestNewRejectsBadPolicy(t *testing.T) {
	cfg := tenantConfig()
	cfg.Registration = registration.Config{Policy: "sometimes"}

	_, err := New(Deps{Config: cfg, NATS: testNATS(t)})
	assert.Error(t, err)
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	engine, err := New(Deps{Config: tenantConfig(), NATS: testNATS(t)})
	require.NoError(t, err)
	assert.NoError(t, engine.Stop(0))
}
