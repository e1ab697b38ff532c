package btctl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fh/btpair/pkg/pairing"

	log "github.com/sirupsen/logrus"
)

const enablePrompt = "Bluetooth is turned off. Allow turning it on?"

// IsEnabled runs `show`
func (b *Backend) IsEnabled(ctx context.Context) (bool, error) {
	state, err := b.adapterState()
	if err != nil {
		return false, err
	}
	return state == pairing.AdapterOn, nil
}

func (b *Backend) adapterState() (pairing.AdapterState, error) {
	out, err := b.run("show")
	if err != nil {
		return pairing.AdapterOff, err
	}
	if line, bad := failed(out); bad {
		return pairing.AdapterOff, fmt.Errorf("btctl: show: %s", line)
	}
	state, ok := parsePowerState(out)
	if !ok {
		return pairing.AdapterOff, fmt.Errorf("btctl: show: no power state in output")
	}
	return state, nil
}

// RequestEnable asks for consent and runs `power on`
func (b *Backend) RequestEnable(ctx context.Context) (pairing.EnableResult, error) {
	if b.consent == nil {
		log.Info("pkg btctl; no consent prompt configured, not powering on")
		return pairing.EnableDenied, nil
	}
	ok, err := b.consent.Confirm(ctx, enablePrompt)
	if err != nil {
		return pairing.EnableDenied, fmt.Errorf("btctl: enable prompt: %w", err)
	}
	if !ok {
		return pairing.EnableDenied, nil
	}

	out, err := b.run("power on")
	if err != nil {
		return pairing.EnableDenied, err
	}
	if line, bad := failed(out); bad {
		return pairing.EnableDenied, fmt.Errorf("btctl: power on: %s", line)
	}
	log.Info("pkg btctl; powered on")
	return pairing.EnableGranted, nil
}

// BondedDevices lists paired devices. Older bluetoothctl only knows `paired-devices`.
func (b *Backend) BondedDevices(ctx context.Context) ([]pairing.Device, error) {
	out, err := b.run("devices Paired")
	if err != nil {
		return nil, err
	}
	if _, bad := failed(out); bad {
		if out, err = b.run("paired-devices"); err != nil {
			return nil, err
		}
	}
	return parseDevices(out), nil
}

// Associate runs `scan on` for the scan window, polling `devices` so a single-device request can
// return early, then returns a chooser over the devices matching the filter
func (b *Backend) Associate(ctx context.Context, req pairing.PairingRequest) (pairing.Chooser, error) {
	out, err := b.run("scan on")
	if err != nil {
		return nil, &pairing.DiscoveryError{Message: err.Error(), Err: err}
	}
	if line, bad := failed(out); bad {
		return nil, &pairing.DiscoveryError{Message: line}
	}
	defer func() {
		if _, err := b.run("scan off"); err != nil {
			log.Debugf("pkg btctl; scan off: %v", err)
		}
	}()
	log.Infof("pkg btctl; scanning for %s (%s)", b.scanWindow, req.Filter)

	interval := time.Second
	if b.scanWindow < interval {
		interval = b.scanWindow
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(b.scanWindow)
	defer deadline.Stop()

	checked := make(map[string]bool)
	var found []pairing.Device
	collect := func() error {
		out, err := b.run("devices")
		if err != nil {
			return err
		}
		for _, d := range parseDevices(out) {
			if checked[d.Address] {
				continue
			}
			checked[d.Address] = true
			if b.matches(req.Filter, d) {
				log.Debugf("pkg btctl; candidate %s", d)
				found = append(found, d)
			}
		}
		return nil
	}

loop:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			break loop
		case <-ticker.C:
			if err := collect(); err != nil {
				return nil, &pairing.DiscoveryError{Message: err.Error(), Err: err}
			}
			if req.SingleDevice && len(found) > 0 {
				break loop
			}
		}
	}
	if len(found) == 0 {
		if err := collect(); err != nil {
			return nil, &pairing.DiscoveryError{Message: err.Error(), Err: err}
		}
	}

	if len(found) == 0 {
		return nil, &pairing.DiscoveryError{Message: "No devices found"}
	}
	if req.SingleDevice {
		found = found[:1]
	}
	return pairing.NewListChooser(found, b.picker), nil
}

// matches applies the filter; the service check needs `info <address>`
func (b *Backend) matches(f *pairing.DiscoveryFilter, d pairing.Device) bool {
	if _, hasService := f.ServiceUUID(); !hasService {
		return f.Matches(d, nil)
	}
	out, err := b.run("info " + d.Address)
	if err != nil {
		log.Debugf("pkg btctl; info %s: %v", d.Address, err)
		return false
	}
	services, _ := parseInfo(out)
	return f.Matches(d, services)
}

// CreateBond sends `pair <address>` in the background and only logs what bluetoothctl answered
func (b *Backend) CreateBond(d pairing.Device) {
	go func() {
		out, err := b.run("pair " + d.Address)
		if err != nil {
			log.Warnf("pkg btctl; pair %s: %v", d, err)
			return
		}
		if line, bad := failed(out); bad {
			log.Debugf("pkg btctl; pair %s: %s (%v)", d, line, pairing.ErrBondResultIgnored)
			return
		}
		for _, line := range strings.Split(clean(out), "\n") {
			if strings.Contains(line, "Attempting to pair") {
				log.Infof("pkg btctl; %s", strings.TrimSpace(line))
			}
		}
	}()
}
