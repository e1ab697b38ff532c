package btctl

import (
	"sync"
	"time"

	"github.com/fh/btpair/pkg/pairing"

	log "github.com/sirupsen/logrus"
)

// poller turns changes in `show` output into adapter state broadcasts
type poller struct {
	backend        *Backend
	running        bool
	stopChan       chan bool
	ticker         *time.Ticker
	updateInterval time.Duration
	last           pairing.AdapterState
	haveLast       bool
	mutex          sync.Mutex
}

func newPoller(b *Backend, updateInterval time.Duration) *poller {
	return &poller{
		backend:        b,
		updateInterval: updateInterval,
	}
}

// Start begins polling; it is a no-op when already running
func (p *poller) Start() {
	p.mutex.Lock()
	if p.running {
		p.mutex.Unlock()
		return
	}
	p.running = true
	p.haveLast = false
	p.ticker = time.NewTicker(p.updateInterval)
	p.stopChan = make(chan bool)
	ticker, stop := p.ticker, p.stopChan
	p.mutex.Unlock()

	log.Debugf("pkg btctl; polling adapter state every %v", p.updateInterval)

	go p.pollLoop(ticker, stop)
}

// Stop halts polling
func (p *poller) Stop() {
	p.mutex.Lock()
	if !p.running {
		p.mutex.Unlock()
		return
	}
	p.running = false
	p.ticker.Stop()
	stop := p.stopChan
	p.mutex.Unlock()

	// the loop takes the mutex in update, so signal it unlocked
	stop <- true
}

func (p *poller) pollLoop(ticker *time.Ticker, stop chan bool) {
	for {
		select {
		case <-ticker.C:
			p.update()
		case <-stop:
			return
		}
	}
}

func (p *poller) update() {
	state, err := p.backend.adapterState()
	if err != nil {
		log.Debugf("pkg btctl; poll: %v", err)
		return
	}
	if !p.changed(state) {
		return
	}
	log.Infof("pkg btctl; adapter is %s", state)
	p.backend.listeners.Broadcast(state)
}

// changed records state and reports whether it differs from the last poll.
// The first poll only records the baseline.
func (p *poller) changed(state pairing.AdapterState) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if !p.haveLast {
		p.last = state
		p.haveLast = true
		return false
	}
	if p.last == state {
		return false
	}
	p.last = state
	return true
}

// Register adds a state listener; the first one starts the poller
func (b *Backend) Register(l pairing.StateListener) {
	if b.listeners.Register(l) {
		b.poller.Start()
	}
}

// Unregister removes a state listener; the last one stops the poller
func (b *Backend) Unregister(l pairing.StateListener) {
	if b.listeners.Unregister(l) && b.listeners.Len() == 0 {
		b.poller.Stop()
	}
}
