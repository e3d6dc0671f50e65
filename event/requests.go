// Package event defines the typed device-event model: the create requests a
// decoder can produce, the immutable DecodedRequest wrapper, and the
// InboundEventPayload envelope stored on the durable streams.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/devicestreams/errors"
)

// EventType identifies the kind of device event a request creates
type EventType string

// Supported event types
const (
	TypeLocation     EventType = "location"
	TypeAlert        EventType = "alert"
	TypeMeasurements EventType = "measurements"
	TypeStreamData   EventType = "streamdata"
	TypeRegistration EventType = "registration"
)

// EventRequest is the contract for typed event-creation payloads. Requests
// validate themselves and serialize deterministically so the envelope
// round-trip through the durable log is lossless.
//
// Example implementation:
//
//	type LocationCreateRequest struct {
//	    Latitude  float64 `json:"latitude"`
//	    Longitude float64 `json:"longitude"`
//	}
//
//	func (r *LocationCreateRequest) EventType() EventType { return TypeLocation }
//	func (r *LocationCreateRequest) Validate() error      { ... }
type EventRequest interface {
	// EventType returns the discriminator used on the wire
	EventType() EventType

	// Validate checks the request for correctness:
	//   - Required fields are present
	//   - Values are within acceptable ranges
	Validate() error
}

// LocationCreateRequest creates a device location event
type LocationCreateRequest struct {
	Latitude  float64           `json:"latitude"`
	Longitude float64           `json:"longitude"`
	Elevation float64           `json:"elevation,omitempty"`
	EventDate time.Time         `json:"event_date,omitzero"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// EventType implements EventRequest
func (r *LocationCreateRequest) EventType() EventType { return TypeLocation }

// Validate implements EventRequest
func (r *LocationCreateRequest) Validate() error {
	if r.Latitude < -90 || r.Latitude > 90 {
		return errors.WrapInvalid(
			fmt.Errorf("latitude %f out of range", r.Latitude),
			"LocationCreateRequest", "Validate", "latitude check")
	}
	if r.Longitude < -180 || r.Longitude > 180 {
		return errors.WrapInvalid(
			fmt.Errorf("longitude %f out of range", r.Longitude),
			"LocationCreateRequest", "Validate", "longitude check")
	}
	return ValidateMetadata(r.Metadata)
}

// AlertCreateRequest creates a device alert event
type AlertCreateRequest struct {
	Source    string            `json:"source,omitempty"`
	Level     string            `json:"level,omitempty"`
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	EventDate time.Time         `json:"event_date,omitzero"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// EventType implements EventRequest
func (r *AlertCreateRequest) EventType() EventType { return TypeAlert }

// Validate implements EventRequest
func (r *AlertCreateRequest) Validate() error {
	if r.Type == "" {
		return errors.WrapInvalid(
			fmt.Errorf("empty alert type"),
			"AlertCreateRequest", "Validate", "type check")
	}
	return ValidateMetadata(r.Metadata)
}

// MeasurementsCreateRequest creates a device measurement event
type MeasurementsCreateRequest struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	EventDate time.Time         `json:"event_date,omitzero"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// EventType implements EventRequest
func (r *MeasurementsCreateRequest) EventType() EventType { return TypeMeasurements }

// Validate implements EventRequest
func (r *MeasurementsCreateRequest) Validate() error {
	if r.Name == "" {
		return errors.WrapInvalid(
			fmt.Errorf("empty measurement name"),
			"MeasurementsCreateRequest", "Validate", "name check")
	}
	return ValidateMetadata(r.Metadata)
}

// StreamDataCreateRequest appends a chunk to a device data stream
type StreamDataCreateRequest struct {
	StreamID       string            `json:"stream_id"`
	SequenceNumber int64             `json:"sequence_number"`
	Data           []byte            `json:"data"`
	EventDate      time.Time         `json:"event_date,omitzero"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// EventType implements EventRequest
func (r *StreamDataCreateRequest) EventType() EventType { return TypeStreamData }

// Validate implements EventRequest
func (r *StreamDataCreateRequest) Validate() error {
	if r.StreamID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("empty stream id"),
			"StreamDataCreateRequest", "Validate", "stream id check")
	}
	if r.SequenceNumber < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("negative sequence number %d", r.SequenceNumber),
			"StreamDataCreateRequest", "Validate", "sequence check")
	}
	return ValidateMetadata(r.Metadata)
}

// RegistrationCreateRequest asks for the originating device to be registered.
// DeviceTypeToken carries the device-type hint the registration manager uses
// when creating the device record.
type RegistrationCreateRequest struct {
	DeviceTypeToken string            `json:"device_type_token"`
	AreaToken       string            `json:"area_token,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// EventType implements EventRequest
func (r *RegistrationCreateRequest) EventType() EventType { return TypeRegistration }

// Validate implements EventRequest
func (r *RegistrationCreateRequest) Validate() error {
	if r.DeviceTypeToken == "" {
		return errors.WrapInvalid(
			fmt.Errorf("empty device type token"),
			"RegistrationCreateRequest", "Validate", "device type check")
	}
	return ValidateMetadata(r.Metadata)
}

// newRequestForType returns a zero value of the concrete request type for a
// wire discriminator.
func newRequestForType(t EventType) (EventRequest, error) {
	switch t {
	case TypeLocation:
		return &LocationCreateRequest{}, nil
	case TypeAlert:
		return &AlertCreateRequest{}, nil
	case TypeMeasurements:
		return &MeasurementsCreateRequest{}, nil
	case TypeStreamData:
		return &StreamDataCreateRequest{}, nil
	case TypeRegistration:
		return &RegistrationCreateRequest{}, nil
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown event type %q", t),
			"event", "newRequestForType", "type lookup")
	}
}

// ParseRequest decodes a typed event request from its wire discriminator and
// raw JSON body, validating the result.
func ParseRequest(t EventType, raw json.RawMessage) (EventRequest, error) {
	req, err := newRequestForType(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, req); err != nil {
		return nil, errors.WrapInvalid(err, "event", "ParseRequest", "request unmarshal")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}
