package bluez

import (
	"github.com/fh/btpair/pkg/pairing"
	dbus "github.com/godbus/dbus/v5"

	log "github.com/sirupsen/logrus"
)

// CreateBond sends Device1.Pair without waiting for it.
// Pairing prompts are handled by whichever BlueZ agent is registered. The reply is only logged.
func (b *Backend) CreateBond(d pairing.Device) {
	if err := b.checkOpen(); err != nil {
		log.Warnf("pkg bluez; not pairing %s: %v", d, err)
		return
	}

	path := devicePath(b.path, d.Address)
	done := make(chan *dbus.Call, 1)
	b.bus.Object(bluezService, path).Go(deviceIface+".Pair", 0, done)
	log.Infof("pkg bluez; pair requested for %s", path)

	go func() {
		call := <-done
		if call.Err != nil {
			log.Debugf("pkg bluez; pair reply for %s: %v (%v)", d, call.Err, pairing.ErrBondResultIgnored)
			return
		}
		log.Debugf("pkg bluez; pair reply for %s: ok (%v)", d, pairing.ErrBondResultIgnored)
	}()
}
