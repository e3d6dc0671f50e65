package decoder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devicestreams/errors"
	"github.com/c360/devicestreams/event"
)

func TestJSONDecodeBatch(t *testing.T) {
	payload := []byte(`{
		"device_token": "sensor-17",
		"originator": "gateway-2",
		"events": [
			{"type": "measurements", "request": {"name": "temp.celsius", "value": 21.5}},
			{"type": "location", "request": {"latitude": 33.75, "longitude": -84.39}},
			{"type": "alert", "request": {"type": "overheat", "message": "temp above threshold"}}
		]
	}`)

	requests, err := NewJSON().Decode(context.Background(), payload, nil)
	require.NoError(t, err)
	require.Len(t, requests, 3)

	for _, r := range requests {
		assert.Equal(t, "sensor-17", r.DeviceToken())
		assert.Equal(t, "gateway-2", r.Originator())
	}
	assert.Equal(t, event.TypeMeasurements, requests[0].Request().EventType())
	assert.Equal(t, event.TypeLocation, requests[1].Request().EventType())
	assert.Equal(t, event.TypeAlert, requests[2].Request().EventType())

	m, ok := requests[0].Request().(*event.MeasurementsCreateRequest)
	require.True(t, ok)
	assert.Equal(t, "temp.celsius", m.Name)
	assert.Equal(t, 21.5, m.Value)
}

func TestJSONDecodeRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `not json at all`},
		{"missing device token", `{"events": [{"type": "location", "request": {"latitude": 1, "longitude": 2}}]}`},
		{"empty batch", `{"device_token": "sensor-17", "events": []}`},
		{"unknown event type", `{"device_token": "sensor-17", "events": [{"type": "telepathy", "request": {}}]}`},
		{"invalid request body", `{"device_token": "sensor-17", "events": [{"type": "alert", "request": {"message": "no type"}}]}`},
	}

	d := NewJSON()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requests, err := d.Decode(context.Background(), []byte(tt.payload), nil)
			require.Error(t, err)
			assert.Nil(t, requests)
			assert.True(t, errors.IsInvalid(err))
			assert.ErrorIs(t, err, errors.ErrDecodeFailed)
		})
	}
}

// A bad entry anywhere in the batch voids the entire payload; no partial
// result escapes.
func TestJSONDecodeAllOrNothing(t *testing.T) {
	payload := []byte(`{
		"device_token": "sensor-17",
		"events": [
			{"type": "measurements", "request": {"name": "temp.celsius", "value": 21.5}},
			{"type": "measurements", "request": {"value": 3.0}}
		]
	}`)

	requests, err := NewJSON().Decode(context.Background(), payload, nil)
	require.Error(t, err)
	assert.Nil(t, requests)
}
