package natsclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
}

func TestNewClientEmptyURL(t *testing.T) {
	_, err := NewClient("")
	require.Error(t, err)
}

func TestClientOptions(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithName("devicestreams-test"),
		WithCredentials("user", "pass"),
		WithMaxReconnects(5),
		WithReconnectWait(time.Second),
		WithRequestTimeout(2*time.Second),
	)
	require.NoError(t, err)
	assert.Equal(t, "devicestreams-test", c.clientName)
	assert.Equal(t, 5, c.maxReconnects)
	assert.Equal(t, 2*time.Second, c.requestTimeout)
}

func TestInvalidOptions(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithReconnectWait(0))
	assert.Error(t, err)

	_, err = NewClient("nats://localhost:4222", WithRequestTimeout(-time.Second))
	assert.Error(t, err)

	_, err = NewClient("nats://localhost:4222", WithLogger(nil))
	assert.Error(t, err)
}

func TestOperationsRequireConnection(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.ErrorIs(t, c.Publish("subject", []byte("data")), ErrNotConnected)

	_, err = c.JetStream()
	assert.Error(t, err)
}

func TestConnectionStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
}
