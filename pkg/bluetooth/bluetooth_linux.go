//go:build linux

package bluetooth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fh/btpair/pkg/pairing"
	"github.com/google/uuid"
	"github.com/paypal/gatt"
	log "github.com/sirupsen/logrus"
)

// defaultReadyTimeout bounds the wait for gatt's initial state report
const defaultReadyTimeout = 3 * time.Second

// Backend scans through a gatt client device
type Backend struct {
	device     gatt.Device
	picker     pairing.Picker
	scanWindow time.Duration

	listeners pairing.ListenerSet

	// closed once gatt reported the controller's initial state
	ready        chan struct{}
	readyOnce    sync.Once
	readyTimeout time.Duration

	mtx       sync.Mutex
	state     pairing.AdapterState
	haveState bool
	scan      *scanSession
	closed    bool
}

var _ pairing.AdapterService = &Backend{}
var _ pairing.DiscoveryService = &Backend{}
var _ pairing.BondingService = &Backend{}
var _ pairing.StateBroadcast = &Backend{}

// New opens the HCI device and starts following its state
func New(opts Options) (*Backend, error) {
	index, err := deviceIndex(opts.AdapterID)
	if err != nil {
		return nil, err
	}

	d, err := gatt.NewDevice(
		gatt.LnxMaxConnections(1),
		gatt.LnxDeviceID(index, true),
	)
	if err != nil {
		return nil, fmt.Errorf("pkg bluetooth; failed to open device: %w", err)
	}

	b := newBackend(d, opts)

	d.Handle(gatt.PeripheralDiscovered(b.onPeripheralDiscovered))

	if err := d.Init(b.onStateChanged); err != nil {
		return nil, fmt.Errorf("pkg bluetooth; could not init bluetooth: %w", err)
	}

	// gatt reports the first state from a goroutine after Init returns
	if !b.waitReady(context.Background()) {
		log.Warnf("pkg bluetooth; no controller state after %s, assuming off", b.readyTimeout)
	}
	return b, nil
}

func newBackend(d gatt.Device, opts Options) *Backend {
	if opts.ScanWindow <= 0 {
		opts.ScanWindow = DefaultScanWindow
	}
	return &Backend{
		device:       d,
		picker:       opts.Picker,
		scanWindow:   opts.ScanWindow,
		ready:        make(chan struct{}),
		readyTimeout: defaultReadyTimeout,
	}
}

// waitReady blocks until the initial state is known, the timeout passes or ctx is done
func (b *Backend) waitReady(ctx context.Context) bool {
	timer := time.NewTimer(b.readyTimeout)
	defer timer.Stop()

	select {
	case <-b.ready:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}
	return false
}

func (b *Backend) onStateChanged(d gatt.Device, s gatt.State) {
	state := adapterStateFromName(s.String())

	b.mtx.Lock()
	if b.closed || (b.haveState && b.state == state) {
		b.mtx.Unlock()
		return
	}
	initial := !b.haveState
	b.state = state
	b.haveState = true
	b.mtx.Unlock()

	if initial {
		// the initial report is a baseline, not a transition
		log.Infof("pkg bluetooth; controller state %s (%s)", s, state)
		b.readyOnce.Do(func() { close(b.ready) })
		return
	}

	log.Infof("pkg bluetooth; controller state changed to %s (%s)", s, state)
	b.listeners.Broadcast(state)
}

func (b *Backend) onPeripheralDiscovered(p gatt.Peripheral, a *gatt.Advertisement, rssi int) {
	b.mtx.Lock()
	s := b.scan
	b.mtx.Unlock()
	if s == nil {
		return
	}

	name := a.LocalName
	if name == "" {
		name = p.Name()
	}
	d := pairing.Device{Name: name, Address: pairing.NormalizeAddress(p.ID())}

	var services []uuid.UUID
	for _, u := range a.Services {
		if parsed, err := expandUUID(u.String()); err == nil {
			services = append(services, parsed)
		}
	}
	log.Tracef("pkg bluetooth; advertisement from %s rssi=%d services=%v", d, rssi, services)
	s.add(d, services)
}

// IsEnabled reports whether the controller is powered on.
// It waits for gatt's initial state report if that has not arrived yet.
func (b *Backend) IsEnabled(ctx context.Context) (bool, error) {
	b.waitReady(ctx)

	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.haveState && b.state == pairing.AdapterOn, nil
}

// RequestEnable is refused: the HCI socket cannot change the controller's power
func (b *Backend) RequestEnable(ctx context.Context) (pairing.EnableResult, error) {
	log.Warn("pkg bluetooth; cannot power on the controller over raw HCI, power it on with rfkill or bluetoothctl")
	return pairing.EnableDenied, nil
}

// BondedDevices is always empty; the bond database belongs to the host stack
func (b *Backend) BondedDevices(ctx context.Context) ([]pairing.Device, error) {
	return nil, nil
}

// Associate scans for the scan window and returns a chooser over the matching advertisers
func (b *Backend) Associate(ctx context.Context, req pairing.PairingRequest) (pairing.Chooser, error) {
	if on, _ := b.IsEnabled(ctx); !on {
		return nil, &pairing.DiscoveryError{Message: "Bluetooth controller is not powered on"}
	}

	s := newScanSession(req)
	b.mtx.Lock()
	if b.closed {
		b.mtx.Unlock()
		return nil, fmt.Errorf("pkg bluetooth; closed")
	}
	b.scan = s
	b.mtx.Unlock()

	log.Infof("pkg bluetooth; scanning for %s (%s)", b.scanWindow, req.Filter)
	b.device.Scan([]gatt.UUID{}, false)
	defer func() {
		b.mtx.Lock()
		current := b.scan == s
		if current {
			b.scan = nil
		}
		b.mtx.Unlock()
		// a newer scan owns the controller now
		if current {
			b.device.StopScanning()
		}
	}()

	var first <-chan struct{}
	if req.SingleDevice {
		first = s.first
	}
	window := time.NewTimer(b.scanWindow)
	defer window.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-window.C:
	case <-first:
	}
	return s.result(b.picker)
}

// CreateBond only logs; bonding needs the host stack's security manager
func (b *Backend) CreateBond(d pairing.Device) {
	log.Warnf("pkg bluetooth; bonding over raw HCI is not supported, ignoring %s (%v)", d, pairing.ErrBondResultIgnored)
}

// Register adds a state listener
func (b *Backend) Register(l pairing.StateListener) {
	b.listeners.Register(l)
}

// Unregister removes a state listener
func (b *Backend) Unregister(l pairing.StateListener) {
	b.listeners.Unregister(l)
}

// Close stops any scan and releases the HCI device
func (b *Backend) Close() error {
	b.mtx.Lock()
	if b.closed {
		b.mtx.Unlock()
		return nil
	}
	b.closed = true
	scanning := b.scan != nil
	b.scan = nil
	b.mtx.Unlock()

	if b.device == nil {
		return nil
	}
	if scanning {
		b.device.StopScanning()
	}
	// gatt.Device does not declare Stop; the linux device implements it.
	if s, ok := b.device.(interface{ Stop() error }); ok {
		if err := s.Stop(); err != nil {
			return fmt.Errorf("pkg bluetooth; failed to stop device: %w", err)
		}
	}
	return nil
}
