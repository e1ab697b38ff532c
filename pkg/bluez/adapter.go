package bluez

import (
	"context"
	"fmt"

	"github.com/fh/btpair/pkg/pairing"
	dbus "github.com/godbus/dbus/v5"

	log "github.com/sirupsen/logrus"
)

const enablePrompt = "Bluetooth is turned off. Allow turning it on?"

// IsEnabled reads Adapter1.Powered
func (b *Backend) IsEnabled(ctx context.Context) (bool, error) {
	if err := b.checkOpen(); err != nil {
		return false, err
	}
	v, err := b.adapter().GetProperty(adapterIface + ".Powered")
	if err != nil {
		return false, fmt.Errorf("bluez: read Powered: %w", err)
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("bluez: Powered has unexpected type %T", v.Value())
	}
	return powered, nil
}

// RequestEnable asks for consent and powers the adapter on
func (b *Backend) RequestEnable(ctx context.Context) (pairing.EnableResult, error) {
	if err := b.checkOpen(); err != nil {
		return pairing.EnableDenied, err
	}
	if b.consent == nil {
		log.Info("pkg bluez; no consent prompt configured, not powering on")
		return pairing.EnableDenied, nil
	}

	ok, err := b.consent.Confirm(ctx, enablePrompt)
	if err != nil {
		return pairing.EnableDenied, fmt.Errorf("bluez: enable prompt: %w", err)
	}
	if !ok {
		return pairing.EnableDenied, nil
	}

	if err := b.adapter().SetProperty(adapterIface+".Powered", dbus.MakeVariant(true)); err != nil {
		return pairing.EnableDenied, fmt.Errorf("bluez: power on %s: %w", b.adapterID, err)
	}
	log.Infof("pkg bluez; powered on %s", b.adapterID)
	return pairing.EnableGranted, nil
}

// BondedDevices lists the adapter's paired devices
func (b *Backend) BondedDevices(ctx context.Context) ([]pairing.Device, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	objs, err := b.managedObjects()
	if err != nil {
		return nil, err
	}
	return bondedFromObjects(b.path, objs), nil
}
