package zenroll

import (
	"context"
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zenroll/admission"
	"github.com/shimmeringbee/zenroll/endpoint"
	"github.com/shimmeringbee/zenroll/enrollment"
	"github.com/shimmeringbee/zenroll/learning"
	"github.com/shimmeringbee/zenroll/profile"
	"github.com/shimmeringbee/zenroll/task"
	"github.com/shimmeringbee/zigbee"
	"sync"
)

// Device is a single admitted device, its enrollment and its capability learner.
type Device struct {
	// Immutable, no locking required.
	Address  zigbee.IEEEAddress
	Identity admission.Identity
	Profile  profile.Descriptor
	Match    admission.MatchResult

	endpoints   endpoint.Map
	coordinator *enrollment.Coordinator
	learner     *learning.Engine

	m       *sync.Mutex
	started bool
}

type Status struct {
	learning.Status
	Enrollment      enrollment.Session
	EnrollmentState enrollment.State
	Tasks           task.Status
}

// BeginEnrollment starts learning and runs phase 1, phase 2 follows asynchronously. Only the first call has any
// effect.
func (d *Device) BeginEnrollment(ctx context.Context) {
	d.m.Lock()
	if d.started {
		d.m.Unlock()
		return
	}
	d.started = true
	d.m.Unlock()

	d.learner.Start(ctx)
	d.coordinator.Begin(ctx, enrollment.Association{
		Identity:  d.Identity,
		Match:     d.Match,
		Profile:   d.Profile,
		Endpoints: d.endpoints,
	})
}

// RecordSample feeds a capability value into learning, returning true if it was valid and counted.
func (d *Device) RecordSample(ctx context.Context, capability string, value any, source string) bool {
	return d.learner.RecordSample(ctx, capability, value, source)
}

// RecordDatapoint feeds a datapoint report into learning, returning how many capabilities accepted it.
func (d *Device) RecordDatapoint(ctx context.Context, dp int, value any) int {
	return d.learner.RecordDatapoint(ctx, dp, value)
}

// RecordAttribute feeds a ZCL attribute report into learning, returning how many capabilities accepted it.
func (d *Device) RecordAttribute(ctx context.Context, cluster zigbee.ClusterID, attribute zcl.AttributeID, value any) int {
	return d.learner.RecordAttribute(ctx, cluster, attribute, value)
}

func (d *Device) ForceReevaluate(ctx context.Context, capability string) (learning.Outcome, error) {
	return d.learner.ForceReevaluate(ctx, capability)
}

func (d *Device) GetStatus() Status {
	return Status{
		Status:          d.learner.Status(),
		Enrollment:      d.coordinator.Session(),
		EnrollmentState: d.coordinator.State(),
		Tasks:           d.coordinator.Status(),
	}
}

func (d *Device) stop(ctx context.Context) {
	d.coordinator.Close(ctx)
	d.learner.Stop()
}
