package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devicestreams/decoder"
	"github.com/c360/devicestreams/devicemgmt"
	"github.com/c360/devicestreams/errors"
	"github.com/c360/devicestreams/event"
	"github.com/c360/devicestreams/pkg/retry"
	"github.com/c360/devicestreams/testutil"
)

func quickRetry() retry.Config {
	return retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

type fixture struct {
	source  *Source
	devices *testutil.FakeDeviceManagement
	capture *testutil.CaptureStream
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	devices := testutil.NewFakeDeviceManagement()
	capture := testutil.NewCaptureStream()

	s := New(Deps{
		SourceID:     "test-source",
		Decoder:      decoder.NewJSON(),
		Devices:      devices,
		Inbound:      capture,
		Unregistered: capture,
		Failures:     capture,
		LookupRetry:  quickRetry(),
	})
	require.NoError(t, s.Initialize())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(time.Second) })

	return &fixture{source: s, devices: devices, capture: capture}
}

func measurementPayload(deviceToken string) []byte {
	return []byte(`{
		"device_token": "` + deviceToken + `",
		"events": [{"type": "measurements", "request": {"name": "temp.celsius", "value": 20.5}}]
	}`)
}

func TestRegisteredDeviceRoutesInbound(t *testing.T) {
	f := newFixture(t)
	f.devices.Seed(&devicemgmt.Device{Token: "sensor-1", DeviceTypeToken: "thermometer"})

	err := f.source.OnEventPayloadReceived(context.Background(),
		measurementPayload("sensor-1"), map[string]string{"transport": "tcp"})
	require.NoError(t, err)

	inbound := f.capture.Inbound()
	require.Len(t, inbound, 1)
	assert.Equal(t, "sensor-1", inbound[0].DeviceToken())
	assert.Equal(t, "test-source", inbound[0].SourceID())
	assert.Equal(t, "tcp", inbound[0].Metadata()["transport"])
	assert.Empty(t, f.capture.Unregistered())
	assert.Empty(t, f.capture.DecodeFailures())
}

func TestUnregisteredDeviceRoutesToUnregisteredStream(t *testing.T) {
	f := newFixture(t)

	err := f.source.OnEventPayloadReceived(context.Background(),
		measurementPayload("ghost-device"), nil)
	require.NoError(t, err)

	unregistered := f.capture.Unregistered()
	require.Len(t, unregistered, 1)
	assert.Equal(t, "ghost-device", unregistered[0].DeviceToken())
	assert.Empty(t, f.capture.Inbound())
}

func TestDecodeFailureGoesToFailedDecodeStream(t *testing.T) {
	f := newFixture(t)

	err := f.source.OnEventPayloadReceived(context.Background(),
		[]byte("not json"), map[string]string{"transport": "mqtt"})
	require.NoError(t, err, "decode failure is terminal, not a transport error")

	failures := f.capture.DecodeFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, "test-source", failures[0].SourceID)
	assert.Equal(t, []byte("not json"), failures[0].Payload)
	assert.NotEmpty(t, failures[0].Error)
	assert.Empty(t, f.capture.Inbound())
	assert.Empty(t, f.capture.Unregistered())
}

// A bad event anywhere in the batch voids the whole payload.
func TestPartialBatchNeverRouted(t *testing.T) {
	f := newFixture(t)
	f.devices.Seed(&devicemgmt.Device{Token: "sensor-1"})

	payload := []byte(`{
		"device_token": "sensor-1",
		"events": [
			{"type": "measurements", "request": {"name": "temp.celsius", "value": 20.5}},
			{"type": "telepathy", "request": {}}
		]
	}`)
	err := f.source.OnEventPayloadReceived(context.Background(), payload, nil)
	require.NoError(t, err)

	assert.Empty(t, f.capture.Inbound())
	assert.Len(t, f.capture.DecodeFailures(), 1)
}

func TestLookupOutageIsNotNotFound(t *testing.T) {
	f := newFixture(t)
	f.devices.Seed(&devicemgmt.Device{Token: "sensor-1"})
	f.devices.FailLookups = true

	err := f.source.OnEventPayloadReceived(context.Background(),
		measurementPayload("sensor-1"), nil)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, errors.ErrLookupUnavailable)

	// Nothing was routed anywhere; the payload is neither lost nor
	// misfiled as unregistered.
	assert.Empty(t, f.capture.Inbound())
	assert.Empty(t, f.capture.Unregistered())
	assert.Greater(t, f.devices.Lookups(), 1, "lookup should be retried")
}

func TestLookupRecoversWithinRetries(t *testing.T) {
	f := newFixture(t)
	f.devices.Seed(&devicemgmt.Device{Token: "sensor-1"})
	f.devices.FailNextLookups = 2

	err := f.source.OnEventPayloadReceived(context.Background(),
		measurementPayload("sensor-1"), nil)
	require.NoError(t, err)
	require.Len(t, f.capture.Inbound(), 1)
	assert.Equal(t, 3, f.devices.Lookups())
}

func TestMultiEventBatchRoutesEachRequest(t *testing.T) {
	f := newFixture(t)
	f.devices.Seed(&devicemgmt.Device{Token: "sensor-1"})

	payload := []byte(`{
		"device_token": "sensor-1",
		"events": [
			{"type": "measurements", "request": {"name": "temp.celsius", "value": 20.5}},
			{"type": "location", "request": {"latitude": 10.0, "longitude": 20.0}}
		]
	}`)
	err := f.source.OnEventPayloadReceived(context.Background(), payload, nil)
	require.NoError(t, err)

	inbound := f.capture.Inbound()
	require.Len(t, inbound, 2)
	assert.Equal(t, event.TypeMeasurements, inbound[0].Request().Request().EventType())
	assert.Equal(t, event.TypeLocation, inbound[1].Request().Request().EventType())
}

func TestPositiveLookupsAreCached(t *testing.T) {
	devices := testutil.NewFakeDeviceManagement()
	capture := testutil.NewCaptureStream()
	devices.Seed(&devicemgmt.Device{Token: "sensor-1", DeviceTypeToken: "thermometer"})

	s := New(Deps{
		SourceID:       "test-source",
		Decoder:        decoder.NewJSON(),
		Devices:        devices,
		Inbound:        capture,
		Unregistered:   capture,
		Failures:       capture,
		LookupRetry:    quickRetry(),
		LookupCacheTTL: time.Minute,
	})
	require.NoError(t, s.Initialize())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(time.Second) })

	for i := 0; i < 3; i++ {
		require.NoError(t, s.OnEventPayloadReceived(context.Background(),
			measurementPayload("sensor-1"), nil))
	}

	assert.Equal(t, 1, devices.Lookups())
	assert.Len(t, capture.Inbound(), 3)
}

func TestUnregisteredAnswersAreNotCached(t *testing.T) {
	devices := testutil.NewFakeDeviceManagement()
	capture := testutil.NewCaptureStream()

	s := New(Deps{
		SourceID:       "test-source",
		Decoder:        decoder.NewJSON(),
		Devices:        devices,
		Inbound:        capture,
		Unregistered:   capture,
		Failures:       capture,
		LookupRetry:    quickRetry(),
		LookupCacheTTL: time.Minute,
	})
	require.NoError(t, s.Initialize())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(time.Second) })

	require.NoError(t, s.OnEventPayloadReceived(context.Background(),
		measurementPayload("sensor-2"), nil))

	// The device registers between events; the next event must see it.
	devices.Seed(&devicemgmt.Device{Token: "sensor-2", DeviceTypeToken: "thermometer"})
	require.NoError(t, s.OnEventPayloadReceived(context.Background(),
		measurementPayload("sensor-2"), nil))

	assert.Equal(t, 2, devices.Lookups())
	assert.Len(t, capture.Unregistered(), 1)
	assert.Len(t, capture.Inbound(), 1)
}

func TestInitializeValidatesDependencies(t *testing.T) {
	s := New(Deps{SourceID: "s"})
	assert.Error(t, s.Initialize())

	s = New(Deps{
		Decoder:      decoder.NewJSON(),
		Devices:      testutil.NewFakeDeviceManagement(),
		Inbound:      testutil.NewCaptureStream(),
		Unregistered: testutil.NewCaptureStream(),
		Failures:     testutil.NewCaptureStream(),
	})
	assert.Error(t, s.Initialize(), "empty source id rejected")
}
