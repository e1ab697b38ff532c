// Package bluez implements the pairing collaborators on top of BlueZ over the D-Bus system bus:
// adapter power, discovery, bonding and adapter state broadcasts for a single adapter.
//
// Close is safe to call concurrently and is idempotent. After Close every other method fails.
package bluez

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fh/btpair/pkg/pairing"
	dbus "github.com/godbus/dbus/v5"

	log "github.com/sirupsen/logrus"
)

const (
	bluezService    = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface      = "org.freedesktop.DBus.Properties"

	// DefaultScanWindow is how long discovery collects devices before presenting them
	DefaultScanWindow = 10 * time.Second
)

var errClosed = errors.New("bluez: closed")

// Options configures the backend
type Options struct {
	// AdapterID is the adapter name, e.g. "hci0"
	AdapterID string
	// Consent is asked before powering on the adapter; nil denies
	Consent pairing.Consent
	// Picker resolves the chooser built from discovery results
	Picker pairing.Picker
	// ScanWindow defaults to DefaultScanWindow
	ScanWindow time.Duration
}

// Backend talks to one BlueZ adapter.
// It implements pairing.AdapterService, pairing.DiscoveryService, pairing.BondingService and
// pairing.StateBroadcast.
type Backend struct {
	bus        *dbus.Conn
	adapterID  string
	path       dbus.ObjectPath
	consent    pairing.Consent
	picker     pairing.Picker
	scanWindow time.Duration

	listeners pairing.ListenerSet

	mu        sync.Mutex
	closed    bool
	watch     *stateWatch
	lastState pairing.AdapterState
	haveState bool
}

var _ pairing.AdapterService = &Backend{}
var _ pairing.DiscoveryService = &Backend{}
var _ pairing.BondingService = &Backend{}
var _ pairing.StateBroadcast = &Backend{}

// New connects to the system bus and checks the adapter exists
func New(opts Options) (*Backend, error) {
	if opts.AdapterID == "" {
		return nil, errors.New("bluez: adapter id required")
	}
	if opts.ScanWindow <= 0 {
		opts.ScanWindow = DefaultScanWindow
	}

	// private connection so Close does not tear down the process-wide shared bus
	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}

	b := &Backend{
		bus:        bus,
		adapterID:  opts.AdapterID,
		path:       adapterPath(opts.AdapterID),
		consent:    opts.Consent,
		picker:     opts.Picker,
		scanWindow: opts.ScanWindow,
	}

	objs, err := b.managedObjects()
	if err != nil {
		bus.Close()
		return nil, err
	}
	if _, ok := objs[b.path][adapterIface]; !ok {
		bus.Close()
		return nil, fmt.Errorf("bluez: adapter %s not found", opts.AdapterID)
	}

	log.Infof("pkg bluez; using adapter %s", b.path)
	return b, nil
}

// Close stops the state watch and closes the bus connection
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	w := b.watch
	b.watch = nil
	b.mu.Unlock()

	if w != nil {
		w.stop()
	}
	return b.bus.Close()
}

func (b *Backend) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed
	}
	return nil
}

func (b *Backend) adapter() dbus.BusObject {
	return b.bus.Object(bluezService, b.path)
}

func (b *Backend) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := b.bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if call := obj.Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}
