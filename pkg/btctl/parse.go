package btctl

import (
	"regexp"
	"strings"

	"github.com/fh/btpair/pkg/pairing"
	"github.com/google/uuid"
)

var (
	ansiRe       = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]|[\x01\x02\r]`)
	deviceRe     = regexp.MustCompile(`(?m)^(?:.*\[(NEW|CHG|DEL)\]\s+)?Device\s+([0-9A-Fa-f]{2}(?::[0-9A-Fa-f]{2}){5})\s*(.*)$`)
	powerStateRe = regexp.MustCompile(`(?m)^\s*PowerState:\s*(\S+)`)
	poweredRe    = regexp.MustCompile(`(?m)^\s*Powered:\s*(yes|no)`)
	pairedRe     = regexp.MustCompile(`(?m)^\s*(?:Paired|Bonded):\s*yes`)
	serviceRe    = regexp.MustCompile(`(?m)^\s*UUID:.*\(([0-9a-fA-F-]{36})\)`)
)

// clean strips terminal escapes and readline markers from bluetoothctl output
func clean(out string) string {
	return ansiRe.ReplaceAllString(out, "")
}

// parsePowerState reads the adapter state from `show` output.
// PowerState is only printed by newer BlueZ and carries the transitional states.
func parsePowerState(out string) (pairing.AdapterState, bool) {
	out = clean(out)
	if m := powerStateRe.FindStringSubmatch(out); m != nil {
		switch m[1] {
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
	if m := poweredRe.FindStringSubmatch(out); m != nil {
		if m[1] == "yes" {
			return pairing.AdapterOn, true
		}
		return pairing.AdapterOff, true
	}
	return pairing.AdapterOff, false
}

// parseDevices reads `devices` listings and [NEW] Device events.
// Property changes and removals are skipped. The last name seen for an address wins.
func parseDevices(out string) []pairing.Device {
	var devices []pairing.Device
	index := make(map[string]int)
	for _, m := range deviceRe.FindAllStringSubmatch(clean(out), -1) {
		tag, addr, name := m[1], pairing.NormalizeAddress(m[2]), strings.TrimSpace(m[3])
		if tag == "CHG" || tag == "DEL" {
			continue
		}
		// bluetoothctl prints the address with dashes when the device has no name
		if strings.EqualFold(strings.ReplaceAll(name, "-", ":"), addr) {
			name = ""
		}
		if i, ok := index[addr]; ok {
			if name != "" {
				devices[i].Name = name
			}
			continue
		}
		index[addr] = len(devices)
		devices = append(devices, pairing.Device{Name: name, Address: addr})
	}
	return devices
}

// parseInfo reads the advertised services and bond flag from `info <address>` output
func parseInfo(out string) ([]uuid.UUID, bool) {
	out = clean(out)
	var services []uuid.UUID
	for _, m := range serviceRe.FindAllStringSubmatch(out, -1) {
		if u, err := uuid.Parse(m[1]); err == nil {
			services = append(services, u)
		}
	}
	return services, pairedRe.MatchString(out)
}

// failed reports the first failure line bluetoothctl printed, if any
func failed(out string) (string, bool) {
	for _, line := range strings.Split(clean(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Failed") || strings.Contains(line, "Invalid command") ||
			strings.HasPrefix(line, "No default controller") || strings.Contains(line, "org.bluez.Error") {
			return line, true
		}
	}
	return "", false
}
