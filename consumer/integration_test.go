package consumer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/c360/devicestreams/event"
	"github.com/c360/devicestreams/natsclient"
	"github.com/c360/devicestreams/registration"
	"github.com/c360/devicestreams/stream"
	"github.com/c360/devicestreams/testutil"
)

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

	time.Sleep(200 * time.Millisecond)

	return natsContainer, fmt.Sprintf("nats://%s:%s", host, port.Port())
}

// End to end over a real JetStream: unregistered payloads published onto the
// tenant stream reach the registration manager through the durable consumer,
// and a garbage record in between is terminated without stalling the rest.
func TestIntegrationUnregisteredEventFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test requires Docker")
	}
	ctx := context.Background()

	container, url := startNATSContainer(ctx, t)
	defer func() { _ = container.Terminate(ctx) }()

	client, err := natsclient.NewClient(url)
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer func() { _ = client.Close(ctx) }()

	const tenant = "acme"
	_, err = client.EnsureStream(ctx, stream.Config(tenant))
	require.NoError(t, err)

	devices := testutil.NewFakeDeviceManagement()
	events := testutil.NewFakeEventManagement()
	capture := testutil.NewCaptureStream()
	manager, err := registration.NewManager(registration.Deps{
		Config:  registration.Config{Policy: registration.PolicyAllowAll},
		Devices: devices,
		Events:  events,
		Inbound: capture,
	})
	require.NoError(t, err)

	c := New(Deps{Tenant: tenant, NATS: client, Manager: manager})
	require.NoError(t, c.Initialize())
	require.NoError(t, c.Start(ctx))
	defer func() { _ = c.Stop(5 * time.Second) }()

	publisher := stream.NewPublisher(client, tenant, nil)
	publish := func(deviceToken string) {
		req, err := event.NewDecodedRequest(deviceToken, "",
			&event.LocationCreateRequest{Latitude: 10, Longitude: 20})
		require.NoError(t, err)
		payload, err := event.NewInboundEventPayload("integration-source", req, nil)
		require.NoError(t, err)
		require.NoError(t, publisher.PublishUnregistered(ctx, payload))
	}

	publish("dev-001")
	// Garbage on the unregistered subject: terminated, never retried.
	require.NoError(t, client.PublishToStream(ctx,
		stream.UnregisteredSubject(tenant, "junk-dev"), []byte("not an envelope")))
	publish("dev-002")

	require.Eventually(t, func() bool {
		return devices.DeviceCount() == 2 && len(capture.Inbound()) == 2
	}, 10*time.Second, 50*time.Millisecond)

	stats := c.PoolStats()
	require.Equal(t, int64(2), stats.Processed)
}
