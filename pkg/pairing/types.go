package pairing

import (
	"fmt"
	"strings"
)

// AdapterState is the power state of the local Bluetooth radio as reported by the platform
type AdapterState int

const (
	AdapterOff AdapterState = iota
	AdapterTurningOn
	AdapterOn
	AdapterTurningOff
)

func (s AdapterState) String() string {
	switch s {
	case AdapterOff:
		return "OFF"
	case AdapterTurningOn:
		return "TURNING_ON"
	case AdapterOn:
		return "ON"
	case AdapterTurningOff:
		return "TURNING_OFF"
	default:
		return fmt.Sprintf("AdapterState(%d)", int(s))
	}
}

// SessionState is the controller's position in the pairing flow
type SessionState int

const (
	StateInitializing SessionState = iota
	StateAwaitingAdapterEnable
	StateDiscovering
	StateAwaitingUserChoice
	StateBonding
	StateIdle
)

func (s SessionState) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateAwaitingAdapterEnable:
		return "AwaitingAdapterEnable"
	case StateDiscovering:
		return "Discovering"
	case StateAwaitingUserChoice:
		return "AwaitingUserChoice"
	case StateBonding:
		return "Bonding"
	case StateIdle:
		return "Idle"
	default:
		return "Unknown"
	}
}

// EnableResult is the outcome of asking the user to power on the adapter
type EnableResult int

const (
	EnableDenied EnableResult = iota
	EnableGranted
)

func (r EnableResult) String() string {
	if r == EnableGranted {
		return "Enabled"
	}
	return "Denied"
}

// Device is a nearby or bonded Bluetooth device
type Device struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

func (d Device) String() string {
	if d.Name == "" {
		return d.Address
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.Address)
}

// NormalizeAddress converts BlueZ path style (AA_BB_...) and lower-case addresses to AA:BB:CC:DD:EE:FF
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.NewReplacer("_", ":", "-", ":").Replace(addr)
	return strings.ToUpper(addr)
}

// UniqueByAddress drops later duplicates of the same hardware address, keeping order
func UniqueByAddress(devices []Device) []Device {
	seen := make(map[string]bool, len(devices))
	out := make([]Device, 0, len(devices))
	for _, d := range devices {
		key := NormalizeAddress(d.Address)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	return out
}
