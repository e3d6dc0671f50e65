package devicemgmt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360/devicestreams/errors"
	"github.com/c360/devicestreams/event"
	"github.com/c360/devicestreams/natsclient"
)

// Reply error codes on the device-management wire.
const (
	codeNotFound      = "not_found"
	codeAlreadyExists = "already_exists"
	codeRejected      = "rejected"
)

// getDeviceRequest is the wire form of a lookup.
type getDeviceRequest struct {
	Token string `json:"token"`
}

// deviceReply is the wire form of lookup and create replies.
type deviceReply struct {
	OK        bool    `json:"ok"`
	ErrorCode string  `json:"error_code,omitempty"`
	Error     string  `json:"error,omitempty"`
	Device    *Device `json:"device,omitempty"`
}

// addEventsReply is the wire form of an event-recording reply.
type addEventsReply struct {
	OK        bool   `json:"ok"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Client implements the device-management collaborators over NATS
// request/reply. Request timeouts are bounded by the NATS client, so a hung
// device-management service cannot stall the pipeline.
type Client struct {
	nats   *natsclient.Client
	tenant string
	logger *slog.Logger
}

var (
	_ DeviceManagement      = (*Client)(nil)
	_ DeviceEventManagement = (*Client)(nil)
)

// NewClient creates a device-management client for one tenant.
func NewClient(nats *natsclient.Client, tenant string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default().With("component", "devicemgmt-client", "tenant", tenant)
	}
	return &Client{
		nats:   nats,
		tenant: tenant,
		logger: logger,
	}
}

func (c *Client) subject(op string) string {
	return fmt.Sprintf("%s.devicemgmt.%s", c.tenant, op)
}

// GetDeviceByToken implements DeviceManagement.
func (c *Client) GetDeviceByToken(ctx context.Context, token string) (*Device, error) {
	if token == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("empty device token"),
			"devicemgmt-client", "GetDeviceByToken", "token check")
	}

	data, err := json.Marshal(getDeviceRequest{Token: token})
	if err != nil {
		return nil, errors.WrapInvalid(err,
			"devicemgmt-client", "GetDeviceByToken", "request marshal")
	}

	replyData, err := c.nats.Request(ctx, c.subject("device.get"), data)
	if err != nil {
		// Request failures are transport problems, not proof of absence.
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrLookupUnavailable, err),
			"devicemgmt-client", "GetDeviceByToken", "device lookup")
	}

	var reply deviceReply
	if err := json.Unmarshal(replyData, &reply); err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: malformed reply: %w", errors.ErrLookupUnavailable, err),
			"devicemgmt-client", "GetDeviceByToken", "reply unmarshal")
	}

	if !reply.OK {
		if reply.ErrorCode == codeNotFound {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %s", errors.ErrDeviceNotFound, token),
				"devicemgmt-client", "GetDeviceByToken", "device lookup")
		}
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrLookupUnavailable, reply.Error),
			"devicemgmt-client", "GetDeviceByToken", "device lookup")
	}
	if reply.Device == nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: reply missing device", errors.ErrLookupUnavailable),
			"devicemgmt-client", "GetDeviceByToken", "reply validation")
	}
	return reply.Device, nil
}

// CreateDevice implements DeviceManagement.
func (c *Client) CreateDevice(ctx context.Context, req CreateDeviceRequest) (*Device, error) {
	if req.Token == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("empty device token"),
			"devicemgmt-client", "CreateDevice", "token check")
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.WrapInvalid(err,
			"devicemgmt-client", "CreateDevice", "request marshal")
	}

	replyData, err := c.nats.Request(ctx, c.subject("device.create"), data)
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrLookupUnavailable, err),
			"devicemgmt-client", "CreateDevice", "device creation")
	}

	var reply deviceReply
	if err := json.Unmarshal(replyData, &reply); err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: malformed reply: %w", errors.ErrLookupUnavailable, err),
			"devicemgmt-client", "CreateDevice", "reply unmarshal")
	}

	if !reply.OK {
		switch reply.ErrorCode {
		case codeAlreadyExists:
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %s", errors.ErrDeviceAlreadyExists, req.Token),
				"devicemgmt-client", "CreateDevice", "device creation")
		case codeRejected:
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %s", errors.ErrRegistrationRejected, reply.Error),
				"devicemgmt-client", "CreateDevice", "device creation")
		default:
			return nil, errors.WrapTransient(
				fmt.Errorf("%w: %s", errors.ErrLookupUnavailable, reply.Error),
				"devicemgmt-client", "CreateDevice", "device creation")
		}
	}
	if reply.Device == nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: reply missing device", errors.ErrLookupUnavailable),
			"devicemgmt-client", "CreateDevice", "reply validation")
	}
	return reply.Device, nil
}

// AddDeviceEvents implements DeviceEventManagement.
func (c *Client) AddDeviceEvents(ctx context.Context, payload *event.InboundEventPayload) error {
	if payload == nil {
		return errors.WrapInvalid(fmt.Errorf("nil payload"),
			"devicemgmt-client", "AddDeviceEvents", "payload check")
	}

	data, err := payload.Encode()
	if err != nil {
		return errors.WrapInvalid(err,
			"devicemgmt-client", "AddDeviceEvents", "payload encode")
	}

	replyData, err := c.nats.Request(ctx, c.subject("events.add"), data)
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrEventManagementFailed, err),
			"devicemgmt-client", "AddDeviceEvents", "event recording")
	}

	var reply addEventsReply
	if err := json.Unmarshal(replyData, &reply); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: malformed reply: %w", errors.ErrEventManagementFailed, err),
			"devicemgmt-client", "AddDeviceEvents", "reply unmarshal")
	}
	if !reply.OK {
		return errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrEventManagementFailed, reply.Error),
			"devicemgmt-client", "AddDeviceEvents", "event recording")
	}
	return nil
}
