package event

import (
	"encoding/json"
	"fmt"

	"github.com/c360/devicestreams/errors"
)

// DecodedRequest pairs a device token with a typed event-creation request.
// Produced exclusively by decoders and immutable afterwards: the unregistered
// path serializes it onto the durable log and the consumer reconstructs a new
// value with identical semantic content.
type DecodedRequest struct {
	deviceToken string
	originator  string
	request     EventRequest
}

// NewDecodedRequest constructs a DecodedRequest, validating the token and the
// request payload.
func NewDecodedRequest(deviceToken, originator string, request EventRequest) (DecodedRequest, error) {
	if deviceToken == "" {
		return DecodedRequest{}, errors.WrapInvalid(
			fmt.Errorf("%w: empty device token", errors.ErrInvalidPayload),
			"DecodedRequest", "NewDecodedRequest", "device token check")
	}
	if request == nil {
		return DecodedRequest{}, errors.WrapInvalid(
			fmt.Errorf("%w: nil request", errors.ErrInvalidPayload),
			"DecodedRequest", "NewDecodedRequest", "request check")
	}
	if err := request.Validate(); err != nil {
		return DecodedRequest{}, err
	}
	return DecodedRequest{
		deviceToken: deviceToken,
		originator:  originator,
		request:     request,
	}, nil
}

// DeviceToken returns the device token the request is attributed to
func (d DecodedRequest) DeviceToken() string { return d.deviceToken }

// Originator correlates async replies to a prior command invocation; empty
// when the event was not solicited.
func (d DecodedRequest) Originator() string { return d.originator }

// Request returns the typed event-creation payload
func (d DecodedRequest) Request() EventRequest { return d.request }

// decodedRequestWire is the JSON shape of a DecodedRequest with its type
// discriminator.
type decodedRequestWire struct {
	DeviceToken string          `json:"device_token"`
	Originator  string          `json:"originator,omitempty"`
	EventType   EventType       `json:"event_type"`
	Request     json.RawMessage `json:"request"`
}

// MarshalJSON implements json.Marshaler
func (d DecodedRequest) MarshalJSON() ([]byte, error) {
	if d.request == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: nil request", errors.ErrInvalidPayload),
			"DecodedRequest", "MarshalJSON", "request check")
	}
	raw, err := json.Marshal(d.request)
	if err != nil {
		return nil, errors.WrapInvalid(err, "DecodedRequest", "MarshalJSON", "request marshal")
	}
	return json.Marshal(decodedRequestWire{
		DeviceToken: d.deviceToken,
		Originator:  d.originator,
		EventType:   d.request.EventType(),
		Request:     raw,
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (d *DecodedRequest) UnmarshalJSON(data []byte) error {
	var wire decodedRequestWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return errors.WrapInvalid(err, "DecodedRequest", "UnmarshalJSON", "wire unmarshal")
	}
	if wire.DeviceToken == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: empty device token", errors.ErrInvalidPayload),
			"DecodedRequest", "UnmarshalJSON", "device token check")
	}
	req, err := ParseRequest(wire.EventType, wire.Request)
	if err != nil {
		return err
	}
	d.deviceToken = wire.DeviceToken
	d.originator = wire.Originator
	d.request = req
	return nil
}
