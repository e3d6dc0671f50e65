// Package receiver defines the contract shared by transport listeners that
// feed raw device payloads into an event source.
package receiver

import (
	"context"

	"github.com/c360/devicestreams/component"
)

// Metadata keys populated by receivers. Keys must satisfy the event
// metadata pattern so payloads survive validation downstream.
const (
	MetaTransport  = "transport"
	MetaRemoteAddr = "remote_addr"
	MetaTopic      = "mqtt_topic"
	MetaClientID   = "client_id"
	MetaPath       = "coap_path"
)

// Sink accepts one raw payload plus transport metadata. The payload slice is
// owned by the sink after the call returns. Errors are for the receiver's
// accounting only; the transport never reports decode failures back to the
// device.
type Sink func(ctx context.Context, payload []byte, metadata map[string]string) error

// EventReceiver is a transport listener bound to an event source. Receivers
// follow the standard component lifecycle and report health and flow like
// every other pipeline component.
type EventReceiver interface {
	component.LifecycleComponent
}
