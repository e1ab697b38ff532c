package pairing

import (
	"errors"

	log "github.com/sirupsen/logrus"
)

// associationHandler receives the outcome of one discovery attempt
type associationHandler struct {
	controller *Controller
	attempt    attempt
	request    PairingRequest
}

// OnDeviceFound presents the chooser and bonds with the picked device
func (h *associationHandler) OnDeviceFound(chooser Chooser) {
	c := h.controller
	if !c.advance(h.attempt, StateDiscovering, StateAwaitingUserChoice) {
		log.Debugf("pkg pairing; discarding devices of superseded attempt %d", h.attempt.gen)
		return
	}

	devices := chooser.Devices()
	log.Infof("pkg pairing; attempt %d found %d device(s)", h.attempt.gen, len(devices))
	c.observer.DevicesDiscovered(h.request.ID, devices)

	d, err := chooser.Choose(h.attempt.ctx)
	if err != nil {
		if !c.advance(h.attempt, StateAwaitingUserChoice, StateIdle) {
			log.Debugf("pkg pairing; discarding chooser result of superseded attempt %d", h.attempt.gen)
			return
		}
		if errors.Is(err, ErrChooserCanceled) {
			log.Info("pkg pairing; chooser dismissed")
		} else {
			log.Warnf("pkg pairing; chooser failed: %v", err)
		}
		return
	}

	if !c.advance(h.attempt, StateAwaitingUserChoice, StateBonding) {
		log.Debugf("pkg pairing; discarding pick %s of superseded attempt %d", d, h.attempt.gen)
		return
	}
	c.bond(d)
}

// OnFailure ends the attempt and shows the platform's message
func (h *associationHandler) OnFailure(err error) {
	c := h.controller
	if !c.advance(h.attempt, StateDiscovering, StateIdle) {
		log.Debugf("pkg pairing; discarding failure of superseded attempt %d: %v", h.attempt.gen, err)
		return
	}

	msg := failureMessage(err)
	log.Infof("pkg pairing; onFailure: %s", msg)
	c.notifier.Notify(Notification{Kind: Toast, Message: msg})
}

// adapterStateReceiver forwards broadcasts to the controller
type adapterStateReceiver struct {
	controller *Controller
}

// OnStateChanged implements StateListener
func (r *adapterStateReceiver) OnStateChanged(state AdapterState) {
	r.controller.OnAdapterStateChanged(state)
}
