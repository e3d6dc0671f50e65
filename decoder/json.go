package decoder

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360/devicestreams/errors"
	"github.com/c360/devicestreams/event"
)

// jsonBatch is the fixed JSON wire format: one device, one optional
// originator, and a batch of typed events.
type jsonBatch struct {
	DeviceToken string      `json:"device_token"`
	Originator  string      `json:"originator,omitempty"`
	Events      []jsonEvent `json:"events"`
}

type jsonEvent struct {
	Type    event.EventType `json:"type"`
	Request json.RawMessage `json:"request"`
}

// JSON decodes the fixed-format JSON batch envelope.
type JSON struct{}

// NewJSON creates a fixed-format JSON decoder.
func NewJSON() *JSON {
	return &JSON{}
}

var _ Decoder = (*JSON)(nil)

// Decode implements Decoder.
func (d *JSON) Decode(_ context.Context, payload []byte, _ map[string]string) ([]event.DecodedRequest, error) {
	var batch jsonBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrDecodeFailed, err),
			"json-decoder", "Decode", "batch unmarshal")
	}
	if batch.DeviceToken == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: missing device_token", errors.ErrDecodeFailed),
			"json-decoder", "Decode", "device token check")
	}
	if len(batch.Events) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: empty events batch", errors.ErrDecodeFailed),
			"json-decoder", "Decode", "events check")
	}

	// Build the full list before returning anything so a bad entry voids
	// the whole payload.
	requests := make([]event.DecodedRequest, 0, len(batch.Events))
	for i, je := range batch.Events {
		req, err := event.ParseRequest(je.Type, je.Request)
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: event %d: %w", errors.ErrDecodeFailed, i, err),
				"json-decoder", "Decode", "event parsing")
		}
		decoded, err := event.NewDecodedRequest(batch.DeviceToken, batch.Originator, req)
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: event %d: %w", errors.ErrDecodeFailed, i, err),
				"json-decoder", "Decode", "request construction")
		}
		requests = append(requests, decoded)
	}
	return requests, nil
}
