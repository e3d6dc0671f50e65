package decoder

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devicestreams/errors"
	"github.com/c360/devicestreams/event"
)

func TestBinaryDecodeSingleFrame(t *testing.T) {
	frame, err := EncodeFrame(event.TypeMeasurements, "sensor-9",
		[]byte(`{"name": "humidity.percent", "value": 54.2}`))
	require.NoError(t, err)

	requests, err := NewBinary().Decode(context.Background(), frame, nil)
	require.NoError(t, err)
	require.Len(t, requests, 1)

	assert.Equal(t, "sensor-9", requests[0].DeviceToken())
	assert.Empty(t, requests[0].Originator())

	m, ok := requests[0].Request().(*event.MeasurementsCreateRequest)
	require.True(t, ok)
	assert.Equal(t, "humidity.percent", m.Name)
	assert.Equal(t, 54.2, m.Value)
}

func TestBinaryDecodeMultipleFrames(t *testing.T) {
	first, err := EncodeFrame(event.TypeLocation, "tracker-4",
		[]byte(`{"latitude": 51.5, "longitude": -0.12}`))
	require.NoError(t, err)
	second, err := EncodeFrame(event.TypeRegistration, "tracker-4",
		[]byte(`{"device_type_token": "gps-tracker"}`))
	require.NoError(t, err)

	requests, err := NewBinary().Decode(context.Background(), append(first, second...), nil)
	require.NoError(t, err)
	require.Len(t, requests, 2)
	assert.Equal(t, event.TypeLocation, requests[0].Request().EventType())
	assert.Equal(t, event.TypeRegistration, requests[1].Request().EventType())
}

func TestBinaryDecodeRejects(t *testing.T) {
	valid, err := EncodeFrame(event.TypeAlert, "sensor-9",
		[]byte(`{"type": "tamper", "message": "case opened"}`))
	require.NoError(t, err)

	badMagic := append([]byte(nil), valid...)
	badMagic[0] = 0xFF

	badVersion := append([]byte(nil), valid...)
	badVersion[1] = 0x02

	badCode := append([]byte(nil), valid...)
	badCode[2] = 0x7F

	oversizedBody := append([]byte(nil), valid...)
	binary.BigEndian.PutUint32(oversizedBody[5+len("sensor-9"):], maxBodyLen+1)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty payload", nil},
		{"truncated header", valid[:3]},
		{"truncated body", valid[:len(valid)-4]},
		{"bad magic", badMagic},
		{"unsupported version", badVersion},
		{"unknown type code", badCode},
		{"oversized body length", oversizedBody},
	}

	d := NewBinary()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requests, err := d.Decode(context.Background(), tt.payload, nil)
			require.Error(t, err)
			assert.Nil(t, requests)
			assert.True(t, errors.IsInvalid(err))
			assert.ErrorIs(t, err, errors.ErrDecodeFailed)
		})
	}
}

// One bad frame voids the whole payload, including frames already parsed.
func TestBinaryDecodeAllOrNothing(t *testing.T) {
	good, err := EncodeFrame(event.TypeMeasurements, "sensor-9",
		[]byte(`{"name": "temp.celsius", "value": 20}`))
	require.NoError(t, err)

	requests, err := NewBinary().Decode(context.Background(),
		append(good, 0xDE, 0xAD), nil)
	require.Error(t, err)
	assert.Nil(t, requests)
}
