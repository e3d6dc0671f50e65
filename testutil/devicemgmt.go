// Package testutil provides in-memory fakes for tests: device management
// collaborators and stream publishers that capture what the pipeline emits.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/devicestreams/devicemgmt"
	"github.com/c360/devicestreams/errors"
	"github.com/c360/devicestreams/event"
)

// FakeDeviceManagement is an in-memory device registry. The zero value is
// not usable; construct with NewFakeDeviceManagement.
type FakeDeviceManagement struct {
	mu      sync.Mutex
	devices map[string]*devicemgmt.Device

	// FailLookups makes GetDeviceByToken return a transient error,
	// simulating an unreachable device-management service.
	FailLookups bool

	// FailNextLookups fails that many lookups, then recovers.
	FailNextLookups int

	// FailCreates makes CreateDevice return a transient error.
	FailCreates bool

	lookups int
	creates int
}

var _ devicemgmt.DeviceManagement = (*FakeDeviceManagement)(nil)

// NewFakeDeviceManagement creates an empty in-memory registry.
func NewFakeDeviceManagement() *FakeDeviceManagement {
	return &FakeDeviceManagement{devices: make(map[string]*devicemgmt.Device)}
}

// Seed registers a device directly, bypassing CreateDevice accounting.
func (f *FakeDeviceManagement) Seed(device *devicemgmt.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[device.Token] = device
}

// GetDeviceByToken implements devicemgmt.DeviceManagement.
func (f *FakeDeviceManagement) GetDeviceByToken(_ context.Context, token string) (*devicemgmt.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++

	if f.FailLookups || f.FailNextLookups > 0 {
		if f.FailNextLookups > 0 {
			f.FailNextLookups--
		}
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: fake outage", errors.ErrLookupUnavailable),
			"fake-devicemgmt", "GetDeviceByToken", "device lookup")
	}
	device, ok := f.devices[token]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrDeviceNotFound, token),
			"fake-devicemgmt", "GetDeviceByToken", "device lookup")
	}
	return device, nil
}

// CreateDevice implements devicemgmt.DeviceManagement.
func (f *FakeDeviceManagement) CreateDevice(_ context.Context, req devicemgmt.CreateDeviceRequest) (*devicemgmt.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++

	if f.FailCreates {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: fake outage", errors.ErrLookupUnavailable),
			"fake-devicemgmt", "CreateDevice", "device creation")
	}
	if _, ok := f.devices[req.Token]; ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrDeviceAlreadyExists, req.Token),
			"fake-devicemgmt", "CreateDevice", "device creation")
	}

	device := &devicemgmt.Device{
		Token:           req.Token,
		DeviceTypeToken: req.DeviceTypeToken,
		AreaToken:       req.AreaToken,
		Metadata:        req.Metadata,
		CreatedAt:       time.Now(),
	}
	f.devices[req.Token] = device
	return device, nil
}

// Lookups returns the number of GetDeviceByToken calls.
func (f *FakeDeviceManagement) Lookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

// Creates returns the number of CreateDevice calls.
func (f *FakeDeviceManagement) Creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

// DeviceCount returns the number of registered devices.
func (f *FakeDeviceManagement) DeviceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.devices)
}

// FakeEventManagement records payloads handed to AddDeviceEvents.
type FakeEventManagement struct {
	mu       sync.Mutex
	payloads []*event.InboundEventPayload

	// Fail makes AddDeviceEvents return a transient error.
	Fail bool
}

var _ devicemgmt.DeviceEventManagement = (*FakeEventManagement)(nil)

// NewFakeEventManagement creates an empty event recorder.
func NewFakeEventManagement() *FakeEventManagement {
	return &FakeEventManagement{}
}

// AddDeviceEvents implements devicemgmt.DeviceEventManagement.
func (f *FakeEventManagement) AddDeviceEvents(_ context.Context, payload *event.InboundEventPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Fail {
		return errors.WrapTransient(
			fmt.Errorf("%w: fake outage", errors.ErrEventManagementFailed),
			"fake-eventmgmt", "AddDeviceEvents", "event recording")
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

// Recorded returns a copy of all recorded payloads.
func (f *FakeEventManagement) Recorded() []*event.InboundEventPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*event.InboundEventPayload(nil), f.payloads...)
}
