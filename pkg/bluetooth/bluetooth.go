// Package bluetooth is the raw HCI backend built on paypal/gatt. It owns the controller directly,
// so it can scan and follow power state but cannot power the controller on or bond; those
// requests are refused and logged.
package bluetooth

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fh/btpair/pkg/pairing"
	"github.com/google/uuid"
)

// DefaultScanWindow is how long a scan collects advertisements
const DefaultScanWindow = 10 * time.Second

// baseUUIDSuffix completes 16 and 32 bit Bluetooth SIG UUIDs
const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// Options configures the HCI backend
type Options struct {
	// AdapterID is "hciN"; empty picks the first usable controller
	AdapterID string
	// Picker resolves the chooser built from scan results
	Picker pairing.Picker
	// ScanWindow defaults to DefaultScanWindow
	ScanWindow time.Duration
}

// deviceIndex converts "hci0" to 0. Empty means any controller (-1).
func deviceIndex(adapterID string) (int, error) {
	if adapterID == "" {
		return -1, nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(adapterID, "hci"))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid adapter id %q, expected hciN", adapterID)
	}
	return n, nil
}

// adapterStateFromName maps gatt state names onto adapter states.
// Anything but PoweredOn means the controller cannot be used.
func adapterStateFromName(name string) pairing.AdapterState {
	if name == "PoweredOn" {
		return pairing.AdapterOn
	}
	return pairing.AdapterOff
}

// expandUUID parses the hex form gatt prints for 16, 32 and 128 bit UUIDs
func expandUUID(s string) (uuid.UUID, error) {
	s = strings.ToLower(strings.ReplaceAll(s, "-", ""))
	switch len(s) {
	case 4:
		return uuid.Parse("0000" + s + baseUUIDSuffix)
	case 8:
		return uuid.Parse(s + baseUUIDSuffix)
	default:
		return uuid.Parse(s)
	}
}

// scanSession collects the advertisements of one Associate call
type scanSession struct {
	req   pairing.PairingRequest
	first chan struct{}

	mtx   sync.Mutex
	found map[string]pairing.Device
	order []string
}

func newScanSession(req pairing.PairingRequest) *scanSession {
	return &scanSession{
		req:   req,
		first: make(chan struct{}),
		found: make(map[string]pairing.Device),
	}
}

// add records d if it passes the request filter. A later advertisement may fill in a missing name.
func (s *scanSession) add(d pairing.Device, services []uuid.UUID) {
	if d.Address == "" || !s.req.Filter.Matches(d, services) {
		return
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	if existing, ok := s.found[d.Address]; ok {
		if existing.Name == "" && d.Name != "" {
			s.found[d.Address] = d
		}
		return
	}
	s.found[d.Address] = d
	s.order = append(s.order, d.Address)
	if len(s.order) == 1 {
		close(s.first)
	}
}

// devices returns the matches in discovery order
func (s *scanSession) devices() []pairing.Device {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]pairing.Device, 0, len(s.order))
	for _, addr := range s.order {
		out = append(out, s.found[addr])
	}
	return out
}

// result builds the Associate outcome from what was collected
func (s *scanSession) result(picker pairing.Picker) (pairing.Chooser, error) {
	devices := s.devices()
	if len(devices) == 0 {
		return nil, &pairing.DiscoveryError{Message: "No devices found"}
	}
	if s.req.SingleDevice {
		devices = devices[:1]
	}
	return pairing.NewListChooser(devices, picker), nil
}
