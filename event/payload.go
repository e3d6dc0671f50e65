package event

import (
	"encoding/json"
	"fmt"

	"github.com/c360/devicestreams/errors"
)

// InboundEventPayload is the wire-level envelope stored on the unregistered
// and enriched streams: a decoded request plus the source that received it
// and arbitrary receipt metadata. The device token is always non-empty and
// metadata keys satisfy the system-wide naming contract; both are enforced
// at construction so invalid envelopes never reach a stream.
type InboundEventPayload struct {
	sourceID string
	request  DecodedRequest
	metadata map[string]string
}

// NewInboundEventPayload constructs a validated envelope.
func NewInboundEventPayload(sourceID string, request DecodedRequest, metadata map[string]string) (*InboundEventPayload, error) {
	if sourceID == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: empty source id", errors.ErrInvalidPayload),
			"InboundEventPayload", "NewInboundEventPayload", "source id check")
	}
	if request.DeviceToken() == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: empty device token", errors.ErrInvalidPayload),
			"InboundEventPayload", "NewInboundEventPayload", "device token check")
	}
	if err := ValidateMetadata(metadata); err != nil {
		return nil, err
	}
	return &InboundEventPayload{
		sourceID: sourceID,
		request:  request,
		metadata: copyMetadata(metadata),
	}, nil
}

// SourceID returns the identifier of the event source that received the
// original payload.
func (p *InboundEventPayload) SourceID() string { return p.sourceID }

// DeviceToken returns the device token the envelope is keyed by
func (p *InboundEventPayload) DeviceToken() string { return p.request.DeviceToken() }

// Request returns the decoded request carried by the envelope
func (p *InboundEventPayload) Request() DecodedRequest { return p.request }

// Metadata returns a copy of the receipt metadata
func (p *InboundEventPayload) Metadata() map[string]string {
	return copyMetadata(p.metadata)
}

type inboundEventPayloadWire struct {
	SourceID string            `json:"source_id"`
	Request  DecodedRequest    `json:"request"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (p *InboundEventPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(inboundEventPayloadWire{
		SourceID: p.sourceID,
		Request:  p.request,
		Metadata: p.metadata,
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (p *InboundEventPayload) UnmarshalJSON(data []byte) error {
	var wire inboundEventPayloadWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return errors.WrapInvalid(err, "InboundEventPayload", "UnmarshalJSON", "wire unmarshal")
	}
	if wire.SourceID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: empty source id", errors.ErrInvalidPayload),
			"InboundEventPayload", "UnmarshalJSON", "source id check")
	}
	if err := ValidateMetadata(wire.Metadata); err != nil {
		return err
	}
	p.sourceID = wire.SourceID
	p.request = wire.Request
	p.metadata = copyMetadata(wire.Metadata)
	return nil
}

// Encode serializes the envelope for the durable log.
func (p *InboundEventPayload) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.WrapInvalid(err, "InboundEventPayload", "Encode", "envelope marshal")
	}
	return data, nil
}

// DecodeInboundEventPayload reconstructs an envelope from its wire form.
// The result is a new in-memory value with semantic content identical to the
// one that was encoded.
func DecodeInboundEventPayload(data []byte) (*InboundEventPayload, error) {
	var p InboundEventPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
