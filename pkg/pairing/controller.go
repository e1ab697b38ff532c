package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// User-visible messages
const (
	MsgPermissionDenied  = "Permission Denied"
	MsgBluetoothEnabled  = "Bluetooth Is Enabled"
	MsgBluetoothDisabled = "Bluetooth Is Disabled"
)

// ErrClosed is returned by operations on a closed controller
var ErrClosed = errors.New("pairing: controller closed")

// Config holds everything a session needs. It is built once at startup and handed to New.
type Config struct {
	Adapter   AdapterService
	Discovery DiscoveryService
	Bonding   BondingService
	Broadcast StateBroadcast

	// Notifier defaults to LogNotifier
	Notifier Notifier
	// Observer defaults to NoOpObserver
	Observer Observer

	// Filter defaults to MatchAll
	Filter       *DiscoveryFilter
	SingleDevice bool
}

// attempt identifies one enable request or discovery attempt.
// Results carrying a generation other than the controller's current one are stale.
type attempt struct {
	gen uint64
	ctx context.Context
}

// Controller orchestrates a pairing session: adapter enable, discovery, chooser and bonding.
//
// Every operation is safe for concurrent use. Blocking collaborator calls run on background
// goroutines; their results are applied only while the attempt that started them is current.
// A new discovery attempt cancels the previous one (last wins).
type Controller struct {
	adapter      AdapterService
	discovery    DiscoveryService
	bonding      BondingService
	broadcast    StateBroadcast
	notifier     Notifier
	observer     Observer
	filter       *DiscoveryFilter
	singleDevice bool

	// held for the controller's lifetime so Register/Unregister always see the same listener
	receiver *adapterStateReceiver

	ctx    context.Context
	cancel context.CancelFunc

	// serializes Show/Hide so register/unregister calls stay balanced
	visMtx  sync.Mutex
	visible bool

	mtx           sync.Mutex
	state         SessionState
	generation    uint64
	cancelAttempt context.CancelFunc
	closed        bool

	wg sync.WaitGroup
}

// New creates a controller in the Initializing state
func New(cfg Config) (*Controller, error) {
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("pairing: adapter service is required")
	}
	if cfg.Discovery == nil {
		return nil, fmt.Errorf("pairing: discovery service is required")
	}
	if cfg.Bonding == nil {
		return nil, fmt.Errorf("pairing: bonding service is required")
	}
	if cfg.Broadcast == nil {
		return nil, fmt.Errorf("pairing: state broadcast is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = LogNotifier{}
	}
	if cfg.Observer == nil {
		cfg.Observer = NoOpObserver{}
	}
	if cfg.Filter == nil {
		cfg.Filter = MatchAll()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		adapter:      cfg.Adapter,
		discovery:    cfg.Discovery,
		bonding:      cfg.Bonding,
		broadcast:    cfg.Broadcast,
		notifier:     cfg.Notifier,
		observer:     cfg.Observer,
		filter:       cfg.Filter,
		singleDevice: cfg.SingleDevice,
		ctx:          ctx,
		cancel:       cancel,
		state:        StateInitializing,
	}
	c.receiver = &adapterStateReceiver{controller: c}
	return c, nil
}

// State returns the current session state
func (c *Controller) State() SessionState {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

// Start begins the session: logs the bonded devices, then either starts discovery right away
// (adapter on) or asks the user to enable the adapter first.
func (c *Controller) Start(ctx context.Context) error {
	c.logBondedDevices(ctx)

	enabled, err := c.adapter.IsEnabled(ctx)
	if err != nil {
		return fmt.Errorf("pairing: query adapter state: %w", err)
	}

	if enabled {
		log.Info("pkg pairing; adapter is on")
		if !c.startDiscovery(nil) {
			return ErrClosed
		}
		return nil
	}

	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return ErrClosed
	}
	a, prev := c.beginAttemptLocked(StateAwaitingAdapterEnable)
	c.wg.Add(1)
	c.mtx.Unlock()
	c.observer.SessionStateChanged(prev, StateAwaitingAdapterEnable)

	log.Info("pkg pairing; adapter is off, requesting enable")
	go func() {
		defer c.wg.Done()
		c.requestEnable(a)
	}()
	return nil
}

func (c *Controller) requestEnable(a attempt) {
	result, err := c.adapter.RequestEnable(a.ctx)
	if err != nil {
		if !c.advance(a, StateAwaitingAdapterEnable, StateIdle) {
			log.Debugf("pkg pairing; dropping enable error of superseded attempt %d: %v", a.gen, err)
			return
		}
		log.Warnf("pkg pairing; enable request failed: %v", err)
		c.notifier.Notify(Notification{Kind: Toast, Message: err.Error()})
		return
	}

	if result != EnableGranted {
		if !c.advance(a, StateAwaitingAdapterEnable, StateIdle) {
			log.Debugf("pkg pairing; dropping enable denial of superseded attempt %d", a.gen)
			return
		}
		log.Infof("pkg pairing; %v", ErrEnableDenied)
		c.notifier.Notify(Notification{Kind: Toast, Message: MsgPermissionDenied})
		return
	}

	log.Info("pkg pairing; adapter enable granted")
	if !c.startDiscovery(&a) {
		log.Debugf("pkg pairing; dropping enable grant of superseded attempt %d", a.gen)
	}
}

// StartDiscovery starts a new discovery attempt from any state, superseding the one in flight.
// The outcome arrives asynchronously: a chooser on success, a toast on failure.
func (c *Controller) StartDiscovery() {
	c.startDiscovery(nil)
}

// startDiscovery begins an attempt. With a non-nil guard it only proceeds while guard is the
// current enable request.
func (c *Controller) startDiscovery(guard *attempt) bool {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return false
	}
	if guard != nil && (guard.gen != c.generation || c.state != StateAwaitingAdapterEnable) {
		c.mtx.Unlock()
		return false
	}
	a, prev := c.beginAttemptLocked(StateDiscovering)
	c.wg.Add(1)
	c.mtx.Unlock()
	c.observer.SessionStateChanged(prev, StateDiscovering)

	req := NewPairingRequest(c.filter, c.singleDevice)
	log.Infof("pkg pairing; discovery attempt %d: request=%s %s singleDevice=%v",
		a.gen, req.ID, req.Filter, req.SingleDevice)

	h := &associationHandler{controller: c, attempt: a, request: req}
	go func() {
		defer c.wg.Done()
		chooser, err := c.discovery.Associate(a.ctx, req)
		if err != nil {
			h.OnFailure(err)
			return
		}
		h.OnDeviceFound(chooser)
	}()
	return true
}

// OnDeviceChosen issues a bond request for d and moves to Bonding.
// It does not wait for, or check, the bonding outcome.
func (c *Controller) OnDeviceChosen(d Device) {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return
	}
	prev := c.state
	c.state = StateBonding
	c.endAttemptLocked()
	c.mtx.Unlock()
	c.observer.SessionStateChanged(prev, StateBonding)

	c.bond(d)
}

func (c *Controller) bond(d Device) {
	log.Infof("pkg pairing; requesting bond with %s", d)
	c.bonding.CreateBond(d)
	c.observer.BondRequested(d)
}

// OnAdapterStateChanged reacts to an adapter power-state broadcast
func (c *Controller) OnAdapterStateChanged(state AdapterState) {
	c.mtx.Lock()
	closed := c.closed
	c.mtx.Unlock()
	if closed {
		return
	}

	switch state {
	case AdapterOn:
		c.notifier.Notify(Notification{Kind: Snackbar, Message: MsgBluetoothEnabled})
		c.StartDiscovery()
	case AdapterOff:
		c.notifier.Notify(Notification{Kind: Snackbar, Message: MsgBluetoothDisabled})
	default:
		log.Debugf("pkg pairing; adapter state %s", state)
	}
}

// ListBondedDevices returns the platform's bonded-device set as is
func (c *Controller) ListBondedDevices(ctx context.Context) ([]Device, error) {
	return c.adapter.BondedDevices(ctx)
}

func (c *Controller) logBondedDevices(ctx context.Context) {
	devices, err := c.ListBondedDevices(ctx)
	if err != nil {
		log.Warnf("pkg pairing; could not list bonded devices: %v", err)
		return
	}
	for _, d := range devices {
		log.Infof("pkg pairing; bonded device: %s,%s", d.Name, d.Address)
	}
}

// Show marks the session visible and registers the adapter state listener once
func (c *Controller) Show() {
	c.visMtx.Lock()
	defer c.visMtx.Unlock()

	c.mtx.Lock()
	closed := c.closed
	c.mtx.Unlock()
	if c.visible || closed {
		return
	}
	c.visible = true
	c.broadcast.Register(c.receiver)
	log.Debug("pkg pairing; session visible, state listener registered")
}

// Hide marks the session hidden and unregisters the adapter state listener once
func (c *Controller) Hide() {
	c.visMtx.Lock()
	defer c.visMtx.Unlock()

	if !c.visible {
		return
	}
	c.visible = false
	c.broadcast.Unregister(c.receiver)
	log.Debug("pkg pairing; session hidden, state listener unregistered")
}

// Visible reports whether the session is currently visible
func (c *Controller) Visible() bool {
	c.visMtx.Lock()
	defer c.visMtx.Unlock()
	return c.visible
}

// Close hides the session, cancels in-flight work and waits for background goroutines
func (c *Controller) Close() {
	// closed must be set before Hide so a racing Show cannot register again
	c.mtx.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.endAttemptLocked()
	c.mtx.Unlock()

	c.Hide()
	if alreadyClosed {
		return
	}

	c.cancel()
	c.wg.Wait()
}

// beginAttemptLocked supersedes the current attempt and enters next (must hold mtx)
func (c *Controller) beginAttemptLocked(next SessionState) (attempt, SessionState) {
	c.endAttemptLocked()
	ctx, cancel := context.WithCancel(c.ctx)
	c.generation++
	c.cancelAttempt = cancel
	prev := c.state
	c.state = next
	return attempt{gen: c.generation, ctx: ctx}, prev
}

// endAttemptLocked cancels the current attempt's context (must hold mtx)
func (c *Controller) endAttemptLocked() {
	if c.cancelAttempt != nil {
		c.cancelAttempt()
		c.cancelAttempt = nil
	}
}

// advance moves from expect to next if a is still the current attempt and the session is in
// expect. Terminal states end the attempt.
func (c *Controller) advance(a attempt, expect, next SessionState) bool {
	c.mtx.Lock()
	if c.closed || a.gen != c.generation || c.state != expect {
		c.mtx.Unlock()
		return false
	}
	c.state = next
	if next == StateIdle || next == StateBonding {
		c.endAttemptLocked()
	}
	c.mtx.Unlock()

	c.observer.SessionStateChanged(expect, next)
	return true
}
