package bluez

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fh/btpair/pkg/pairing"
	dbus "github.com/godbus/dbus/v5"

	log "github.com/sirupsen/logrus"
)

// Associate scans for the configured window and returns a chooser over the matching devices.
// With SingleDevice it returns as soon as the first match shows up.
func (b *Backend) Associate(ctx context.Context, req pairing.PairingRequest) (pairing.Chooser, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	adapter := b.adapter()

	if call := adapter.Call(adapterIface+".SetDiscoveryFilter", 0, discoveryFilterArgs(req)); call.Err != nil {
		return nil, &pairing.DiscoveryError{Message: "Failed to set discovery filter: " + call.Err.Error(), Err: call.Err}
	}

	// Subscribe before starting discovery so no InterfacesAdded is missed
	sigCh := make(chan *dbus.Signal, 32)
	b.bus.Signal(sigCh)
	defer b.bus.RemoveSignal(sigCh)
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	if err := b.bus.AddMatchSignal(match...); err != nil {
		return nil, &pairing.DiscoveryError{Message: "Failed to watch for devices: " + err.Error(), Err: err}
	}
	defer func() {
		_ = b.bus.RemoveMatchSignal(match...)
	}()

	if call := adapter.Call(adapterIface+".StartDiscovery", 0); call.Err != nil {
		return nil, &pairing.DiscoveryError{Message: "Failed to start discovery: " + call.Err.Error(), Err: call.Err}
	}
	defer func() {
		if call := adapter.Call(adapterIface+".StopDiscovery", 0); call.Err != nil {
			log.Debugf("pkg bluez; StopDiscovery: %v", call.Err)
		}
	}()
	log.Infof("pkg bluez; discovering on %s for %s (%s)", b.adapterID, b.scanWindow, req.Filter)

	found := make(map[string]pairing.Device)
	consider := func(path dbus.ObjectPath, props map[string]dbus.Variant) {
		if !underAdapter(b.path, path) {
			return
		}
		info := deviceFromProps(path, props)
		if info.device.Address == "" || !req.Filter.Matches(info.device, info.services) {
			return
		}
		if _, seen := found[info.device.Address]; !seen {
			log.Debugf("pkg bluez; candidate %s", info.device)
		}
		found[info.device.Address] = info.device
	}

	// devices BlueZ already knows about
	objs, err := b.managedObjects()
	if err != nil {
		return nil, &pairing.DiscoveryError{Message: err.Error(), Err: err}
	}
	for path, ifaces := range objs {
		if props, ok := ifaces[deviceIface]; ok {
			consider(path, props)
		}
	}

	window := time.NewTimer(b.scanWindow)
	defer window.Stop()

loop:
	for !(req.SingleDevice && len(found) > 0) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-window.C:
			break loop
		case sig := <-sigCh:
			path, ifaces, ok := interfacesAdded(sig)
			if !ok {
				continue
			}
			if props, ok := ifaces[deviceIface]; ok {
				consider(path, props)
			}
		}
	}

	devices := sortedDevices(found)
	if len(devices) == 0 {
		return nil, &pairing.DiscoveryError{Message: "No devices found"}
	}
	if req.SingleDevice {
		devices = devices[:1]
	}
	return pairing.NewListChooser(devices, b.picker), nil
}

func interfacesAdded(sig *dbus.Signal) (dbus.ObjectPath, map[string]map[string]dbus.Variant, bool) {
	if sig == nil || sig.Name != objManagerIface+".InterfacesAdded" || len(sig.Body) < 2 {
		return "", nil, false
	}
	path, _ := sig.Body[0].(dbus.ObjectPath)
	ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
	if path == "" || ifaces == nil {
		return "", nil, false
	}
	return path, ifaces, true
}

func sortedDevices(found map[string]pairing.Device) []pairing.Device {
	out := make([]pairing.Device, 0, len(found))
	for _, d := range found {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// String describes the backend for logs
func (b *Backend) String() string {
	return fmt.Sprintf("bluez(%s)", b.adapterID)
}
