package zenroll

import (
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/golog"
	"log"
)

// WithGoLogger logs through a standard library logger. Devices added afterwards inherit it.
func (e *Engine) WithGoLogger(parentLogger *log.Logger) {
	e.WithLogWrapLogger(logwrap.New(golog.Wrap(parentLogger)))
}

func (e *Engine) WithLogWrapLogger(lw logwrap.Logger) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.logger = lw
}

// deviceLogger returns a logger which tags every line with the device address.
func (e *Engine) deviceLogger(d *Device) logwrap.Logger {
	e.lock.RLock()
	l := e.logger
	e.lock.RUnlock()

	l.AddOptionsToLogger(logwrap.Datum("IEEEAddress", d.Address.String()))
	return l
}
