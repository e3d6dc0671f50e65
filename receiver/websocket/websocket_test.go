package websocket

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devicestreams/receiver"
)

type capturedPayload struct {
	data     []byte
	metadata map[string]string
}

type captureSink struct {
	mu       sync.Mutex
	payloads []capturedPayload
	notify   chan struct{}
}

func newCaptureSink() *captureSink {
	return &captureSink{notify: make(chan struct{}, 64)}
}

func (s *captureSink) sink(_ context.Context, payload []byte, metadata map[string]string) error {
	s.mu.Lock()
	s.payloads = append(s.payloads, capturedPayload{data: payload, metadata: metadata})
	s.mu.Unlock()
	s.notify <- struct{}{}
	return nil
}

func (s *captureSink) wait(t *testing.T, n int) []capturedPayload {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		s.mu.Lock()
		count := len(s.payloads)
		s.mu.Unlock()
		if count >= n {
			break
		}
		select {
		case <-s.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d payloads, got %d", n, count)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capturedPayload(nil), s.payloads...)
}

func startReceiver(t *testing.T, sink receiver.Sink) *Receiver {
	t.Helper()
	r := New(Deps{
		Name:   "ws-test",
		Config: Config{Bind: "127.0.0.1", Port: 0},
		Sink:   sink,
	})
	require.NoError(t, r.Initialize())
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(2 * time.Second) })
	return r
}

func TestReceiverDeliversFrames(t *testing.T) {
	sink := newCaptureSink()
	r := startReceiver(t, sink.sink)

	url := fmt.Sprintf("ws://%s/events", r.Addr().String())
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("binary payload")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"device_token":"d"}`)))

	payloads := sink.wait(t, 2)
	assert.Equal(t, []byte("binary payload"), payloads[0].data)
	assert.Equal(t, "websocket", payloads[0].metadata[receiver.MetaTransport])
	assert.NotEmpty(t, payloads[0].metadata[receiver.MetaRemoteAddr])
}

func TestReceiverStopClosesConnections(t *testing.T) {
	sink := newCaptureSink()
	r := startReceiver(t, sink.sink)

	url := fmt.Sprintf("ws://%s/events", r.Addr().String())
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, r.Stop(2*time.Second))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, readErr := conn.ReadMessage()
	assert.Error(t, readErr, "server should close open connections on stop")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"valid", Config{Port: 8080, Path: "/events"}, false},
		{"auto-assign port", Config{Port: 0}, false},
		{"negative port", Config{Port: -1}, true},
		{"relative path", Config{Port: 8080, Path: "events"}, true},
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

func TestInitializeRequiresSink(t *testing.T) {
	r := New(Deps{Config: Config{Port: 0}})
	assert.Error(t, r.Initialize())
}
