// Package decoder turns raw transport payloads into typed device-event
// requests. Decoders are pure with respect to system state: the same payload
// and metadata always yield the same requests, and a failed decode never
// leaks partial results.
package decoder

import (
	"context"

	"github.com/c360/devicestreams/event"
)

// Decoder decodes a raw payload into zero or more device-event requests.
//
// Implementations must be safe for concurrent use and must be all-or-nothing:
// either the full list of requests is returned, or an error wrapping
// errors.ErrDecodeFailed propagates and the payload counts as undecoded.
type Decoder interface {
	// Decode parses payload in the context of its receipt metadata.
	Decode(ctx context.Context, payload []byte, metadata map[string]string) ([]event.DecodedRequest, error)
}
