package natsclient

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startNATSContainer starts a JetStream-enabled NATS server in a container
// and returns its client URL.
func startNATSContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "nats:latest",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp"),
		Cmd:          []string{"-js"},
	}

	natsContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := natsContainer.Host(ctx)
	require.NoError(t, err)
	port, err := natsContainer.MappedPort(ctx, "4222")
	require.NoError(t, err)

	// Give the server a beat to finish JetStream initialization.
	time.Sleep(200 * time.Millisecond)

	return natsContainer, fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestIntegrationConnect(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test requires Docker")
	}
	ctx := context.Background()

	container, url := startNATSContainer(ctx, t)
	defer func() { _ = container.Terminate(ctx) }()

	client, err := NewClient(url)
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer func() { _ = client.Close(ctx) }()

	assert.True(t, client.IsHealthy())
	assert.Equal(t, StatusConnected, client.Status())
}

func TestIntegrationStreamPublishConsume(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test requires Docker")
	}
	ctx := context.Background()

	container, url := startNATSContainer(ctx, t)
	defer func() { _ = container.Terminate(ctx) }()

	client, err := NewClient(url)
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer func() { _ = client.Close(ctx) }()

	_, err = client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     "EVENTS_TEST",
		Subjects: []string{"events-test.>"},
		Storage:  jetstream.MemoryStorage,
	})
	require.NoError(t, err)

	var received atomic.Int64
	err = client.Consume(ctx, "EVENTS_TEST", "events-test-durable", "events-test.>",
		func(msg jetstream.Msg) {
			received.Add(1)
			_ = msg.Ack()
		})
	require.NoError(t, err)
	defer client.StopConsumer("EVENTS_TEST", "events-test-durable")

	for i := 0; i < 5; i++ {
		require.NoError(t, client.PublishToStream(ctx,
			fmt.Sprintf("events-test.device-%d", i), []byte(`{"n":1}`)))
	}

	require.Eventually(t, func() bool {
		return received.Load() == 5
	}, 10*time.Second, 50*time.Millisecond)
}

// A nak'd delivery must come back; the durable log may not drop it.
func TestIntegrationNakRedelivers(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test requires Docker")
	}
	ctx := context.Background()

	container, url := startNATSContainer(ctx, t)
	defer func() { _ = container.Terminate(ctx) }()

	client, err := NewClient(url)
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer func() { _ = client.Close(ctx) }()

	_, err = client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     "REDELIVERY_TEST",
		Subjects: []string{"redelivery-test.>"},
		Storage:  jetstream.MemoryStorage,
	})
	require.NoError(t, err)

	var deliveries atomic.Int64
	err = client.Consume(ctx, "REDELIVERY_TEST", "redelivery-durable", "redelivery-test.>",
		func(msg jetstream.Msg) {
			if deliveries.Add(1) == 1 {
				_ = msg.Nak()
				return
			}
			_ = msg.Ack()
		})
	require.NoError(t, err)
	defer client.StopConsumer("REDELIVERY_TEST", "redelivery-durable")

	require.NoError(t, client.PublishToStream(ctx, "redelivery-test.dev", []byte(`{"n":1}`)))

	require.Eventually(t, func() bool {
		return deliveries.Load() >= 2
	}, 10*time.Second, 50*time.Millisecond)
}
