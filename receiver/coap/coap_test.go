package coap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopSink(context.Context, []byte, map[string]string) error { return nil }

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"valid", Config{Bind: "0.0.0.0", Port: 5683}, false},
		{"auto-assign port", Config{Port: 0}, false},
		{"negative port", Config{Port: -1}, true},
		{"port too large", Config{Port: 70000}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestReceiverLifecycle(t *testing.T) {
	r := New(Deps{
		Name:   "coap-test",
		Config: Config{Bind: "127.0.0.1", Port: 0},
		Sink:   noopSink,
	})
	require.NoError(t, r.Initialize())
	require.NoError(t, r.Start(context.Background()))

	assert.True(t, r.Health().Healthy)
	assert.Equal(t, "receiver", r.Meta().Type)
	assert.Equal(t, defaultPath, r.config.Path)

	require.NoError(t, r.Stop(2*time.Second))
	assert.False(t, r.Health().Healthy)
	require.NoError(t, r.Stop(2*time.Second))
}

func TestInitializeRequiresSink(t *testing.T) {
	r := New(Deps{Config: Config{Port: 0}})
	assert.Error(t, r.Initialize())
}
