// Package devicemgmt defines the device-management collaborators the
// pipeline depends on: device lookup and creation, and event recording.
// The pipeline only sees these interfaces; the production implementation
// talks to the device-management service over NATS request/reply.
package devicemgmt

import (
	"context"
	"time"

	"github.com/c360/devicestreams/event"
)

// Device is the device record as the pipeline sees it.
type Device struct {
	Token           string            `json:"token"`
	DeviceTypeToken string            `json:"device_type_token"`
	AreaToken       string            `json:"area_token,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at,omitzero"`
}

// CreateDeviceRequest asks device management to create a device record.
type CreateDeviceRequest struct {
	Token           string            `json:"token"`
	DeviceTypeToken string            `json:"device_type_token"`
	AreaToken       string            `json:"area_token,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// DeviceManagement is the device registry collaborator.
type DeviceManagement interface {
	// GetDeviceByToken returns the device record for a token.
	// Returns errors.ErrDeviceNotFound when no such device exists;
	// transient errors mean existence could not be determined.
	GetDeviceByToken(ctx context.Context, token string) (*Device, error)

	// CreateDevice creates a device record. Returns
	// errors.ErrDeviceAlreadyExists when the token is already registered;
	// callers racing to register the same device treat that as success.
	CreateDevice(ctx context.Context, req CreateDeviceRequest) (*Device, error)
}

// DeviceEventManagement records decoded events against registered devices.
type DeviceEventManagement interface {
	AddDeviceEvents(ctx context.Context, payload *event.InboundEventPayload) error
}
