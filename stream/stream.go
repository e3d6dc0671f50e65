// Package stream owns the durable log layout: one JetStream stream per
// tenant covering every pipeline subject, with per-device subjects so
// ordering is preserved per device.
package stream

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	streamPrefix = "DEVICESTREAMS_"

	defaultMaxAge = 7 * 24 * time.Hour
)

// Name returns the tenant's stream name.
func Name(tenant string) string {
	return streamPrefix + strings.ToUpper(subjectToken(tenant))
}

// Root returns the wildcard covering every pipeline subject for a tenant.
func Root(tenant string) string {
	return fmt.Sprintf("%s.events.>", subjectToken(tenant))
}

// InboundSubject carries enriched payloads for registered devices.
func InboundSubject(tenant, deviceToken string) string {
	return fmt.Sprintf("%s.events.inbound.%s", subjectToken(tenant), subjectToken(deviceToken))
}

// UnregisteredSubject carries payloads whose device is not yet registered.
func UnregisteredSubject(tenant, deviceToken string) string {
	return fmt.Sprintf("%s.events.unregistered.%s", subjectToken(tenant), subjectToken(deviceToken))
}

// UnregisteredFilter matches every unregistered-event subject for a tenant.
func UnregisteredFilter(tenant string) string {
	return fmt.Sprintf("%s.events.unregistered.>", subjectToken(tenant))
}

// DecodeFailedSubject carries payloads that could not be decoded.
func DecodeFailedSubject(tenant, sourceID string) string {
	return fmt.Sprintf("%s.events.decodefailed.%s", subjectToken(tenant), subjectToken(sourceID))
}

// UnregisteredDurable names the tenant's unregistered-events consumer.
func UnregisteredDurable(tenant string) string {
	return subjectToken(tenant) + "-unregistered"
}

// Config returns the tenant's stream configuration.
func Config(tenant string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      Name(tenant),
		Subjects:  []string{Root(tenant)},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    defaultMaxAge,
	}
}

// subjectToken makes a value safe for use as one NATS subject token.
// Dots, wildcards, and whitespace would change subject semantics.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		default:
			return r
		}
	}, s)
}
