// Package devicestreams ingests device events at the edge of an IoT
// platform. Transport receivers (MQTT, WebSocket, TCP, CoAP) hand raw
// payloads to per-tenant sources, which decode them and route every event
// by device registration state onto a durable NATS JetStream stream.
// Events from unknown devices flow through a bounded-concurrency consumer
// into a registration manager that applies the tenant's onboarding policy
// and resubmits the triggering event once the device exists.
//
// The runnable entry point lives in cmd/devicestreams. The pipeline for
// one tenant is assembled by the tenant package from a validated
// config.Config.
package devicestreams
