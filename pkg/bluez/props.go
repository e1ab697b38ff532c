package bluez

import (
	"sort"
	"strings"

	"github.com/fh/btpair/pkg/pairing"
	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

func adapterPath(adapterID string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapterID)
}

func devicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	addr := strings.ReplaceAll(pairing.NormalizeAddress(address), ":", "_")
	return dbus.ObjectPath(string(adapter) + "/dev_" + addr)
}

// addressFromPath extracts the address from .../dev_XX_XX_XX_XX_XX_XX
func addressFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return pairing.NormalizeAddress(s[idx+5:])
}

// underAdapter reports whether p is a direct child of adapter
func underAdapter(adapter, p dbus.ObjectPath) bool {
	prefix := string(adapter) + "/"
	return strings.HasPrefix(string(p), prefix) && !strings.Contains(string(p)[len(prefix):], "/")
}

// deviceInfo is what discovery and bonded listing need from a Device1 object
type deviceInfo struct {
	device   pairing.Device
	services []uuid.UUID
	paired   bool
}

func deviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) deviceInfo {
	var info deviceInfo

	if v, ok := props["Address"]; ok {
		addr, _ := v.Value().(string)
		info.device.Address = pairing.NormalizeAddress(addr)
	}
	if info.device.Address == "" {
		info.device.Address = addressFromPath(path)
	}

	// Alias falls back to the address when the device has no name, so prefer Name
	if v, ok := props["Name"]; ok {
		info.device.Name, _ = v.Value().(string)
	}
	if info.device.Name == "" {
		if v, ok := props["Alias"]; ok {
			info.device.Name, _ = v.Value().(string)
		}
	}

	if v, ok := props["UUIDs"]; ok {
		list, _ := v.Value().([]string)
		for _, s := range list {
			if u, err := uuid.Parse(s); err == nil {
				info.services = append(info.services, u)
			}
		}
	}

	for _, key := range []string{"Paired", "Bonded"} {
		if v, ok := props[key]; ok {
			if b, _ := v.Value().(bool); b {
				info.paired = true
			}
		}
	}
	return info
}

// bondedFromObjects lists the paired devices of adapter, unique by address and sorted
func bondedFromObjects(adapter dbus.ObjectPath, objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant) []pairing.Device {
	var out []pairing.Device
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !underAdapter(adapter, path) {
			continue
		}
		info := deviceFromProps(path, props)
		if info.paired {
			out = append(out, info.device)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return pairing.UniqueByAddress(out)
}

// stateFromChanged decodes an Adapter1 PropertiesChanged payload.
// PowerState carries the transitional states and wins over Powered.
func stateFromChanged(changed map[string]dbus.Variant) (pairing.AdapterState, bool) {
	if v, ok := changed["PowerState"]; ok {
		s, _ := v.Value().(string)
		switch s {
		case "on":
			return pairing.AdapterOn, true
		case "off", "off-blocked":
			return pairing.AdapterOff, true
		case "off-enabling":
			return pairing.AdapterTurningOn, true
		case "on-disabling":
			return pairing.AdapterTurningOff, true
		}
	}
	if v, ok := changed["Powered"]; ok {
		if powered, isBool := v.Value().(bool); isBool {
			if powered {
				return pairing.AdapterOn, true
			}
			return pairing.AdapterOff, true
		}
	}
	return pairing.AdapterOff, false
}

// discoveryFilterArgs builds the SetDiscoveryFilter dictionary for a request.
// Name patterns are applied locally since BlueZ only supports prefix matching.
func discoveryFilterArgs(req pairing.PairingRequest) map[string]dbus.Variant {
	args := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("auto"),
		"DuplicateData": dbus.MakeVariant(false),
	}
	if u, ok := req.Filter.ServiceUUID(); ok {
		args["UUIDs"] = dbus.MakeVariant([]string{u.String()})
	}
	return args
}
