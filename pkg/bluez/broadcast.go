package bluez

import (
	"fmt"

	"github.com/fh/btpair/pkg/pairing"
	dbus "github.com/godbus/dbus/v5"

	log "github.com/sirupsen/logrus"
)

// stateWatch follows PropertiesChanged on the adapter while at least one listener is registered
type stateWatch struct {
	bus   *dbus.Conn
	match []dbus.MatchOption
	sigCh chan *dbus.Signal
	done  chan struct{}
	exit  chan struct{}
}

// Register adds a state listener; the first one starts watching the adapter
func (b *Backend) Register(l pairing.StateListener) {
	if !b.listeners.Register(l) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.watch != nil {
		return
	}
	w, err := b.startWatch()
	if err != nil {
		log.Warnf("pkg bluez; adapter state watch unavailable: %v", err)
		return
	}
	b.watch = w
}

// Unregister removes a state listener; the last one stops the watch
func (b *Backend) Unregister(l pairing.StateListener) {
	if !b.listeners.Unregister(l) || b.listeners.Len() > 0 {
		return
	}

	b.mu.Lock()
	w := b.watch
	b.watch = nil
	b.mu.Unlock()

	if w != nil {
		w.stop()
	}
}

func (b *Backend) startWatch() (*stateWatch, error) {
	w := &stateWatch{
		bus: b.bus,
		match: []dbus.MatchOption{
			dbus.WithMatchObjectPath(b.path),
			dbus.WithMatchInterface(propsIface),
			dbus.WithMatchMember("PropertiesChanged"),
		},
		sigCh: make(chan *dbus.Signal, 16),
		done:  make(chan struct{}),
		exit:  make(chan struct{}),
	}
	if err := b.bus.AddMatchSignal(w.match...); err != nil {
		return nil, fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}
	b.bus.Signal(w.sigCh)

	go func() {
		defer close(w.exit)
		for {
			select {
			case <-w.done:
				return
			case sig := <-w.sigCh:
				if state, ok := b.adapterStateFromSignal(sig); ok {
					b.deliver(state)
				}
			}
		}
	}()
	log.Debugf("pkg bluez; watching %s power state", b.path)
	return w, nil
}

func (w *stateWatch) stop() {
	_ = w.bus.RemoveMatchSignal(w.match...)
	w.bus.RemoveSignal(w.sigCh)
	close(w.done)
	<-w.exit
}

func (b *Backend) adapterStateFromSignal(sig *dbus.Signal) (pairing.AdapterState, bool) {
	if sig == nil || sig.Path != b.path || sig.Name != propsIface+".PropertiesChanged" || len(sig.Body) < 2 {
		return pairing.AdapterOff, false
	}
	if iface, _ := sig.Body[0].(string); iface != adapterIface {
		return pairing.AdapterOff, false
	}
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	return stateFromChanged(changed)
}

// deliver broadcasts state changes only; BlueZ reports Powered and PowerState separately
func (b *Backend) deliver(state pairing.AdapterState) {
	b.mu.Lock()
	if b.haveState && b.lastState == state {
		b.mu.Unlock()
		return
	}
	b.lastState = state
	b.haveState = true
	b.mu.Unlock()

	log.Infof("pkg bluez; adapter %s is %s", b.adapterID, state)
	b.listeners.Broadcast(state)
}
