//go:build !linux

package bluetooth

import (
	"context"

	"github.com/fh/btpair/pkg/pairing"
	log "github.com/sirupsen/logrus"
)

// Backend is a stub for non-Linux platforms. The controller is always reported off.
type Backend struct {
	listeners pairing.ListenerSet
}

var _ pairing.AdapterService = &Backend{}
var _ pairing.DiscoveryService = &Backend{}
var _ pairing.BondingService = &Backend{}
var _ pairing.StateBroadcast = &Backend{}

// New creates a stub backend
func New(opts Options) (*Backend, error) {
	if _, err := deviceIndex(opts.AdapterID); err != nil {
		return nil, err
	}
	log.Warn("Bluetooth over HCI is only supported on Linux. Creating stub backend.")
	return &Backend{}, nil
}

// IsEnabled is always false on non-Linux
func (b *Backend) IsEnabled(ctx context.Context) (bool, error) {
	return false, nil
}

// RequestEnable is always denied on non-Linux
func (b *Backend) RequestEnable(ctx context.Context) (pairing.EnableResult, error) {
	log.Debug("RequestEnable called on non-Linux platform (no-op)")
	return pairing.EnableDenied, nil
}

// BondedDevices is always empty on non-Linux
func (b *Backend) BondedDevices(ctx context.Context) ([]pairing.Device, error) {
	return nil, nil
}

// Associate always fails on non-Linux
func (b *Backend) Associate(ctx context.Context, req pairing.PairingRequest) (pairing.Chooser, error) {
	return nil, &pairing.DiscoveryError{Message: "Bluetooth over HCI is not supported on this platform"}
}

// CreateBond is a no-op on non-Linux
func (b *Backend) CreateBond(d pairing.Device) {
	log.Debugf("CreateBond(%s) called on non-Linux platform (no-op)", d)
}

// Register adds a state listener; no state is ever broadcast
func (b *Backend) Register(l pairing.StateListener) {
	b.listeners.Register(l)
}

// Unregister removes a state listener
func (b *Backend) Unregister(l pairing.StateListener) {
	b.listeners.Unregister(l)
}

// Close is a no-op
func (b *Backend) Close() error {
	return nil
}
