package pairing

import (
	"context"
	"errors"
	"fmt"
)

// AdapterService exposes the local radio
type AdapterService interface {
	// IsEnabled reports whether the adapter is powered on
	IsEnabled(ctx context.Context) (bool, error)

	// RequestEnable asks the user to allow powering on the adapter and, if allowed, powers it on.
	// It blocks until the user answered or ctx is done.
	RequestEnable(ctx context.Context) (EnableResult, error)

	// BondedDevices returns the devices the platform has already bonded with
	BondedDevices(ctx context.Context) ([]Device, error)
}

// DiscoveryService finds nearby devices matching a request.
// Associate blocks until at least one candidate is found or discovery failed.
// A failure reported by the platform should be returned as a *DiscoveryError.
type DiscoveryService interface {
	Associate(ctx context.Context, req PairingRequest) (Chooser, error)
}

// Chooser is the disambiguation surface presented once candidates are found
type Chooser interface {
	// Devices lists the candidates shown to the user
	Devices() []Device

	// Choose blocks until the user picked a device, cancelled (ErrChooserCanceled) or ctx is done
	Choose(ctx context.Context) (Device, error)
}

// BondingService starts platform bonding. The request is fire-and-forget: the outcome is never
// reported back.
type BondingService interface {
	CreateBond(d Device)
}

// StateListener receives adapter power-state broadcasts
type StateListener interface {
	OnStateChanged(state AdapterState)
}

// StateBroadcast delivers adapter state changes to registered listeners.
// Registering twice or unregistering an unknown listener must be a no-op.
type StateBroadcast interface {
	Register(l StateListener)
	Unregister(l StateListener)
}

// Picker resolves a chooser by selecting one of the given devices
type Picker interface {
	Pick(ctx context.Context, devices []Device) (Device, error)
}

// Consent asks the user a yes/no question, such as whether to power on the adapter
type Consent interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// ErrChooserCanceled is returned by a Chooser when the user dismissed it
var ErrChooserCanceled = errors.New("chooser canceled")

// ErrEnableDenied is reported when the user refused to power on the adapter
var ErrEnableDenied = errors.New("Permission Denied")

// ErrBondResultIgnored marks the known gap that bonding outcomes are not observed by the controller.
// It is never returned by the controller; backends log it alongside the dropped bond reply.
var ErrBondResultIgnored = errors.New("bond result ignored")

// DiscoveryError carries the platform-supplied failure message
type DiscoveryError struct {
	Message string
	Err     error
}

func (e *DiscoveryError) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// failureMessage extracts the user-visible text for a discovery failure
func failureMessage(err error) string {
	var de *DiscoveryError
	if errors.As(err, &de) {
		return de.Error()
	}
	return err.Error()
}

// ListChooser presents a fixed candidate list through a Picker
type ListChooser struct {
	devices []Device
	picker  Picker
}

// NewListChooser creates a chooser over a snapshot of devices
func NewListChooser(devices []Device, picker Picker) *ListChooser {
	snapshot := make([]Device, len(devices))
	copy(snapshot, devices)
	return &ListChooser{devices: snapshot, picker: picker}
}

// Devices returns a copy of the candidate list
func (c *ListChooser) Devices() []Device {
	out := make([]Device, len(c.devices))
	copy(out, c.devices)
	return out
}

// Choose delegates to the picker and checks the answer is one of the candidates
func (c *ListChooser) Choose(ctx context.Context) (Device, error) {
	if c.picker == nil {
		return Device{}, ErrChooserCanceled
	}
	d, err := c.picker.Pick(ctx, c.Devices())
	if err != nil {
		return Device{}, err
	}
	for _, candidate := range c.devices {
		if NormalizeAddress(candidate.Address) == NormalizeAddress(d.Address) {
			return candidate, nil
		}
	}
	return Device{}, fmt.Errorf("chosen device %s was not offered", d.Address)
}
