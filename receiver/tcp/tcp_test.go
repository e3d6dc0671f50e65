package tcp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devicestreams/receiver"
)

type capturedPayload struct {
	data     []byte
	metadata map[string]string
}

// captureSink collects delivered payloads for assertions.
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
		Name:   "tcp-test",
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

	conn, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(EncodeFrame([]byte("first payload")))
	require.NoError(t, err)
	_, err = conn.Write(EncodeFrame([]byte("second payload")))
	require.NoError(t, err)

	payloads := sink.wait(t, 2)
	assert.Equal(t, []byte("first payload"), payloads[0].data)
	assert.Equal(t, []byte("second payload"), payloads[1].data)
	assert.Equal(t, "tcp", payloads[0].metadata[receiver.MetaTransport])
	assert.NotEmpty(t, payloads[0].metadata[receiver.MetaRemoteAddr])
}

func TestReceiverClosesConnectionOnFramingViolation(t *testing.T) {
	sink := newCaptureSink()
	r := New(Deps{
		Name:   "tcp-test",
		Config: Config{Bind: "127.0.0.1", Port: 0, MaxFrameSize: 64},
		Sink:   sink.sink,
	})
	require.NoError(t, r.Initialize())
	require.NoError(t, r.Start(context.Background()))
	defer func() { _ = r.Stop(2 * time.Second) }()

	// Oversized length header forces a close.
	bad, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	defer bad.Close()
	_, err = bad.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)

	buf := make([]byte, 1)
	_ = bad.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, readErr := bad.Read(buf)
	assert.Error(t, readErr, "connection should be closed by the receiver")

	// A well-behaved connection still gets through.
	good, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	defer good.Close()
	_, err = good.Write(EncodeFrame([]byte("still serving")))
	require.NoError(t, err)

	payloads := sink.wait(t, 1)
	assert.Equal(t, []byte("still serving"), payloads[0].data)
}

func TestReceiverLifecycle(t *testing.T) {
	sink := newCaptureSink()
	r := startReceiver(t, sink.sink)

	assert.True(t, r.Health().Healthy)
	assert.Equal(t, "receiver", r.Meta().Type)

	require.NoError(t, r.Stop(2*time.Second))
	assert.False(t, r.Health().Healthy)

	// Stop is idempotent.
	require.NoError(t, r.Stop(2*time.Second))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"valid", Config{Bind: "127.0.0.1", Port: 7000}, false},
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

func TestInitializeRequiresSink(t *testing.T) {
	r := New(Deps{Config: Config{Port: 0}})
	assert.Error(t, r.Initialize())
}
