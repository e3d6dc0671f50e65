package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/devicestreams/errors"
	"github.com/c360/devicestreams/event"
	"github.com/c360/devicestreams/natsclient"
)

// InboundPublisher publishes enriched payloads for registered devices.
type InboundPublisher interface {
	PublishInbound(ctx context.Context, payload *event.InboundEventPayload) error
}

// UnregisteredPublisher publishes payloads whose device is not registered.
type UnregisteredPublisher interface {
	PublishUnregistered(ctx context.Context, payload *event.InboundEventPayload) error
}

// DecodeFailurePublisher publishes payloads that failed to decode.
type DecodeFailurePublisher interface {
	PublishDecodeFailure(ctx context.Context, failure DecodeFailure) error
}

// DecodeFailure records one undecodable payload for offline inspection.
type DecodeFailure struct {
	SourceID   string            `json:"source_id"`
	Payload    []byte            `json:"payload"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Error      string            `json:"error"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Publisher publishes onto the tenant's durable stream. Every publish waits
// for the JetStream acknowledgment, so nothing is silently lost.
type Publisher struct {
	nats   *natsclient.Client
	tenant string
	logger *slog.Logger
}

var (
	_ InboundPublisher       = (*Publisher)(nil)
	_ UnregisteredPublisher  = (*Publisher)(nil)
	_ DecodeFailurePublisher = (*Publisher)(nil)
)

// NewPublisher creates a publisher for one tenant's stream.
func NewPublisher(nats *natsclient.Client, tenant string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default().With("component", "stream-publisher", "tenant", tenant)
	}
	return &Publisher{
		nats:   nats,
		tenant: tenant,
		logger: logger,
	}
}

// PublishInbound implements InboundPublisher.
func (p *Publisher) PublishInbound(ctx context.Context, payload *event.InboundEventPayload) error {
	data, err := payload.Encode()
	if err != nil {
		return errors.WrapInvalid(err, "stream-publisher", "PublishInbound", "payload encode")
	}
	subject := InboundSubject(p.tenant, payload.DeviceToken())
	if err := p.nats.PublishToStream(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "stream-publisher", "PublishInbound", "stream publish")
	}
	return nil
}

// PublishUnregistered implements UnregisteredPublisher.
func (p *Publisher) PublishUnregistered(ctx context.Context, payload *event.InboundEventPayload) error {
	data, err := payload.Encode()
	if err != nil {
		return errors.WrapInvalid(err, "stream-publisher", "PublishUnregistered", "payload encode")
	}
	subject := UnregisteredSubject(p.tenant, payload.DeviceToken())
	if err := p.nats.PublishToStream(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "stream-publisher", "PublishUnregistered", "stream publish")
	}
	return nil
}

// PublishDecodeFailure implements DecodeFailurePublisher.
func (p *Publisher) PublishDecodeFailure(ctx context.Context, failure DecodeFailure) error {
	if failure.SourceID == "" {
		return errors.WrapInvalid(fmt.Errorf("empty source id"),
			"stream-publisher", "PublishDecodeFailure", "failure validation")
	}
	if failure.OccurredAt.IsZero() {
		failure.OccurredAt = time.Now()
	}
	data, err := json.Marshal(failure)
	if err != nil {
		return errors.WrapInvalid(err, "stream-publisher", "PublishDecodeFailure", "failure encode")
	}
	subject := DecodeFailedSubject(p.tenant, failure.SourceID)
	if err := p.nats.PublishToStream(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "stream-publisher", "PublishDecodeFailure", "stream publish")
	}
	return nil
}
