package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/fh/btpair/pkg/pairing"

	log "github.com/sirupsen/logrus"
)

var errNoChoicePending = errors.New("no choice pending")

type choiceResult struct {
	device pairing.Device
	err    error
}

// pendingChoice is a Pick waiting for a websocket client
type pendingChoice struct {
	devices []pairing.Device
	result  chan choiceResult
}

// Pick asks websocket clients to choose among devices. It blocks until a client sends choose or
// cancel, a newer Pick replaces this one, or ctx is done.
func (s *Server) Pick(ctx context.Context, devices []pairing.Device) (pairing.Device, error) {
	p := &pendingChoice{
		devices: devices,
		result:  make(chan choiceResult, 1),
	}

	s.pickMtx.Lock()
	previous := s.pending
	s.pending = p
	s.pickMtx.Unlock()

	if previous != nil {
		previous.result <- choiceResult{err: pairing.ErrChooserCanceled}
	}

	s.SendEvent(Event{Type: "choose", Devices: devices})

	select {
	case r := <-p.result:
		return r.device, r.err
	case <-ctx.Done():
		s.pickMtx.Lock()
		if s.pending == p {
			s.pending = nil
		}
		s.pickMtx.Unlock()
		return pairing.Device{}, ctx.Err()
	}
}

// choose resolves the pending Pick with the device at address
func (s *Server) choose(address string) error {
	addr := pairing.NormalizeAddress(address)

	s.pickMtx.Lock()
	p := s.pending
	if p == nil {
		s.pickMtx.Unlock()
		return errNoChoicePending
	}
	for _, d := range p.devices {
		if d.Address == addr {
			s.pending = nil
			s.pickMtx.Unlock()
			log.Infof("pkg api; remote choice %s", d)
			p.result <- choiceResult{device: d}
			return nil
		}
	}
	s.pickMtx.Unlock()
	return fmt.Errorf("device %s was not offered", address)
}

// cancel dismisses the pending Pick
func (s *Server) cancel() error {
	s.pickMtx.Lock()
	p := s.pending
	s.pending = nil
	s.pickMtx.Unlock()

	if p == nil {
		return errNoChoicePending
	}
	log.Info("pkg api; remote choice canceled")
	p.result <- choiceResult{err: pairing.ErrChooserCanceled}
	return nil
}

// cancelPending dismisses a pending Pick, if any
func (s *Server) cancelPending() {
	if err := s.cancel(); err != nil && !errors.Is(err, errNoChoicePending) {
		log.Debugf("pkg api; cancel pending choice: %v", err)
	}
}

func (s *Server) pendingDevices() []pairing.Device {
	s.pickMtx.Lock()
	defer s.pickMtx.Unlock()
	if s.pending == nil {
		return nil
	}
	out := make([]pairing.Device, len(s.pending.devices))
	copy(out, s.pending.devices)
	return out
}
