package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/devicestreams/errors"
	"github.com/c360/devicestreams/event"
	"github.com/c360/devicestreams/stream"
)

// CaptureStream captures everything the pipeline publishes, standing in for
// the tenant's durable stream.
type CaptureStream struct {
	mu             sync.Mutex
	inbound        []*event.InboundEventPayload
	unregistered   []*event.InboundEventPayload
	decodeFailures []stream.DecodeFailure

	// FailPublishes makes every publish return a transient error.
	FailPublishes bool
}

var (
	_ stream.InboundPublisher       = (*CaptureStream)(nil)
	_ stream.UnregisteredPublisher  = (*CaptureStream)(nil)
	_ stream.DecodeFailurePublisher = (*CaptureStream)(nil)
)

// NewCaptureStream creates an empty capture stream.
func NewCaptureStream() *CaptureStream {
	return &CaptureStream{}
}

// PublishInbound implements stream.InboundPublisher.
func (c *CaptureStream) PublishInbound(_ context.Context, payload *event.InboundEventPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailPublishes {
		return errors.WrapTransient(fmt.Errorf("fake publish outage"),
			"capture-stream", "PublishInbound", "stream publish")
	}
	c.inbound = append(c.inbound, payload)
	return nil
}

// PublishUnregistered implements stream.UnregisteredPublisher.
func (c *CaptureStream) PublishUnregistered(_ context.Context, payload *event.InboundEventPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailPublishes {
		return errors.WrapTransient(fmt.Errorf("fake publish outage"),
			"capture-stream", "PublishUnregistered", "stream publish")
	}
	c.unregistered = append(c.unregistered, payload)
	return nil
}

// PublishDecodeFailure implements stream.DecodeFailurePublisher.
func (c *CaptureStream) PublishDecodeFailure(_ context.Context, failure stream.DecodeFailure) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailPublishes {
		return errors.WrapTransient(fmt.Errorf("fake publish outage"),
			"capture-stream", "PublishDecodeFailure", "stream publish")
	}
	c.decodeFailures = append(c.decodeFailures, failure)
	return nil
}

// Inbound returns a copy of captured enriched payloads.
func (c *CaptureStream) Inbound() []*event.InboundEventPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*event.InboundEventPayload(nil), c.inbound...)
}

// Unregistered returns a copy of captured unregistered payloads.
func (c *CaptureStream) Unregistered() []*event.InboundEventPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*event.InboundEventPayload(nil), c.unregistered...)
}

// DecodeFailures returns a copy of captured decode failures.
func (c *CaptureStream) DecodeFailures() []stream.DecodeFailure {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]stream.DecodeFailure(nil), c.decodeFailures...)
}
