package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devicestreams/errors"
)

func locationRequest(t *testing.T) DecodedRequest {
	t.Helper()
	req, err := NewDecodedRequest("dev-001", "cmd-42", &LocationCreateRequest{
		Latitude:  33.75,
		Longitude: -84.39,
		Elevation: 305.1,
		EventDate: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		Metadata:  map[string]string{"fix": "gps"},
	})
	require.NoError(t, err)
	return req
}

func TestEnvelopeRoundTrip(t *testing.T) {
	payload, err := NewInboundEventPayload("mqtt-source-1", locationRequest(t), map[string]string{
		"transport": "mqtt",
		"topic-id":  "devices_inbound",
	})
	require.NoError(t, err)

	data, err := payload.Encode()
	require.NoError(t, err)

	decoded, err := DecodeInboundEventPayload(data)
	require.NoError(t, err)

	assert.Equal(t, payload.SourceID(), decoded.SourceID())
	assert.Equal(t, payload.DeviceToken(), decoded.DeviceToken())
	assert.Equal(t, payload.Metadata(), decoded.Metadata())
	assert.Equal(t, payload.Request().Originator(), decoded.Request().Originator())
	assert.Equal(t, payload.Request().Request(), decoded.Request().Request())
}

func TestRoundTripAllRequestTypes(t *testing.T) {
	requests := []EventRequest{
		&LocationCreateRequest{Latitude: 1, Longitude: 2},
		&AlertCreateRequest{Type: "overheat", Message: "engine temp high", Level: "warning"},
		&MeasurementsCreateRequest{Name: "fuel.level", Value: 81.5},
		&StreamDataCreateRequest{StreamID: "video-1", SequenceNumber: 7, Data: []byte{0x01, 0x02}},
		&RegistrationCreateRequest{DeviceTypeToken: "tracker-v2", AreaToken: "yard-1"},
	}

	for _, req := range requests {
		t.Run(string(req.EventType()), func(t *testing.T) {
			decoded, err := NewDecodedRequest("dev-rt", "", req)
			require.NoError(t, err)

			payload, err := NewInboundEventPayload("src", decoded, nil)
			require.NoError(t, err)

			data, err := payload.Encode()
			require.NoError(t, err)

			got, err := DecodeInboundEventPayload(data)
			require.NoError(t, err)
			assert.Equal(t, req, got.Request().Request())
		})
	}
}

func TestMetadataKeyValidation(t *testing.T) {
	valid := map[string]string{"device-type": "tracker", "fw_rev": "1.2", "slot9": "a"}
	assert.NoError(t, ValidateMetadata(valid))

	for _, key := range []string{"bad key", "semi;colon", "dot.ted", "", "a/b"} {
		err := ValidateMetadata(map[string]string{key: "v"})
		require.Error(t, err, "key %q should be rejected", key)
		assert.True(t, errors.IsInvalid(err))
	}
}

func TestEnvelopeRejectsBadMetadata(t *testing.T) {
	_, err := NewInboundEventPayload("src", locationRequest(t), map[string]string{"bad key": "v"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestEnvelopeRejectsEmptySource(t *testing.T) {
	_, err := NewInboundEventPayload("", locationRequest(t), nil)
	assert.Error(t, err)
}

func TestDecodedRequestRequiresToken(t *testing.T) {
	_, err := NewDecodedRequest("", "", &LocationCreateRequest{Latitude: 1, Longitude: 2})
	assert.Error(t, err)
}

func TestDecodedRequestValidatesRequest(t *testing.T) {
	_, err := NewDecodedRequest("dev-001", "", &LocationCreateRequest{Latitude: 400, Longitude: 0})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewDecodedRequest("dev-001", "", &RegistrationCreateRequest{})
	assert.Error(t, err)
}

func TestDecodeRejectsUnknownEventType(t *testing.T) {
	_, err := DecodeInboundEventPayload([]byte(`{
		"source_id": "src",
		"request": {"device_token": "dev-1", "event_type": "bogus", "request": {}}
	}`))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestDecodeRejectsMalformedWireData(t *testing.T) {
	_, err := DecodeInboundEventPayload([]byte("not json"))
	assert.Error(t, err)
}

func TestMetadataIsCopied(t *testing.T) {
	md := map[string]string{"transport": "mqtt"}
	payload, err := NewInboundEventPayload("src", locationRequest(t), md)
	require.NoError(t, err)

	md["transport"] = "mutated"
	assert.Equal(t, "mqtt", payload.Metadata()["transport"])

	got := payload.Metadata()
	got["transport"] = "mutated-again"
	assert.Equal(t, "mqtt", payload.Metadata()["transport"])
}

func TestDecodedMetadataIsCopied(t *testing.T) {
	payload, err := NewInboundEventPayload("src", locationRequest(t), map[string]string{"transport": "mqtt"})
	require.NoError(t, err)
	data, err := payload.Encode()
	require.NoError(t, err)

	// A decoded envelope must be as isolated from caller maps as a
	// constructed one.
	var decoded InboundEventPayload
	require.NoError(t, decoded.UnmarshalJSON(data))
	got := decoded.Metadata()
	got["transport"] = "mutated"
	assert.Equal(t, "mqtt", decoded.Metadata()["transport"])
}
