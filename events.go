package zenroll

import (
	"context"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/zenroll/enrollment"
	"github.com/shimmeringbee/zenroll/host"
	"github.com/shimmeringbee/zigbee"
)

type DeviceAdded struct {
	Address zigbee.IEEEAddress
}

type DeviceRemoved struct {
	Address zigbee.IEEEAddress
}

type EnrollmentCompleted struct {
	Address zigbee.IEEEAddress
	Session enrollment.Session
}

type CapabilityAdded struct {
	Address    zigbee.IEEEAddress
	Capability string
}

type CapabilityRemoved struct {
	Address    zigbee.IEEEAddress
	Capability string
}

// AddCallback registers fn to be called with every event of the type its second parameter accepts, fn must have
// the signature func(context.Context, T) error. Callbacks run synchronously and may query the device.
func (e *Engine) AddCallback(fn any) {
	e.callbacks.Add(fn)
}

func (e *Engine) sendEvent(ctx context.Context, event any) {
	if err := e.callbacks.Call(ctx, event); err != nil {
		e.lock.RLock()
		l := e.logger
		e.lock.RUnlock()

		l.Warn(ctx, "Event callback failed.", logwrap.Datum("Event", event), logwrap.Err(err))
	}
}

// eventingHost passes capability changes through to the real host and announces those which succeed.
type eventingHost struct {
	host.Host
	address zigbee.IEEEAddress
	send    func(context.Context, any)
}

func (h *eventingHost) AddCapability(ctx context.Context, name string) error {
	if err := h.Host.AddCapability(ctx, name); err != nil {
		return err
	}

	h.send(ctx, CapabilityAdded{Address: h.address, Capability: name})
	return nil
}

func (h *eventingHost) RemoveCapability(ctx context.Context, name string) error {
	if err := h.Host.RemoveCapability(ctx, name); err != nil {
		return err
	}

	h.send(ctx, CapabilityRemoved{Address: h.address, Capability: name})
	return nil
}

var _ host.Host = (*eventingHost)(nil)
