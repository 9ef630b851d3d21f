// Package learning decides, from live data, which of a device's manageable capabilities are real.
//
// A device spends a bounded learning window after pairing collecting samples, a single adaptation pass then
// reconciles the host's capability set against what was confirmed, after which maintenance repeats that
// reconciliation hourly for the life of the device.
package learning

import (
	"context"
	"errors"
	"fmt"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/discard"
	"github.com/shimmeringbee/persistence"
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zenroll/dedup"
	"github.com/shimmeringbee/zenroll/host"
	"github.com/shimmeringbee/zenroll/metrics"
	"github.com/shimmeringbee/zenroll/profile"
	"github.com/shimmeringbee/zenroll/task"
	"github.com/shimmeringbee/zigbee"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrStopped = errors.New("learning engine stopped")

type Phase string

const (
	Idle        Phase = "idle"
	Learning    Phase = "learning"
	Adapting    Phase = "adaptation"
	Maintenance Phase = "maintenance"
	Stopped     Phase = "stopped"
)

type Outcome string

const (
	Added       Outcome = "added"
	NotDetected Outcome = "notDetected"
)

type Action string

const (
	Add    Action = "add"
	Remove Action = "remove"
)

// Adaptation is a change made to the host's capability set.
type Adaptation struct {
	Capability string
	Action     Action
}

type Config struct {
	MinSamples          int
	MinDistinct         int
	WindowSize          int
	LearningMin         time.Duration
	LearningMax         time.Duration
	FirstMaintenance    time.Duration
	MaintenanceInterval time.Duration
	Staleness           time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinSamples:          3,
		MinDistinct:         2,
		WindowSize:          20,
		LearningMin:         15 * time.Minute,
		LearningMax:         60 * time.Minute,
		FirstMaintenance:    5 * time.Minute,
		MaintenanceInterval: time.Hour,
		Staleness:           2 * time.Hour,
	}
}

// learningGrace extends the minimum learning window so late first reports are still counted.
const learningGrace = time.Minute

type Observation struct {
	Capability string
	Value      any
	Source     string
	Time       time.Time
}

// CapabilityProfile is the evidence gathered for a single capability on a single device.
type CapabilityProfile struct {
	SampleCount           int
	ValidSampleCount      int
	LastValue             any
	LastTime              time.Time
	Sources               map[string]bool
	Window                []Observation
	Confirmed             bool
	EverConfirmed         bool
	OverridesStaticConfig bool
}

func newCapabilityProfile() *CapabilityProfile {
	return &CapabilityProfile{Sources: map[string]bool{}}
}

func (p *CapabilityProfile) distinctValues() int {
	seen := map[string]bool{}

	for _, o := range p.Window {
		seen[fmt.Sprint(o.Value)] = true
	}

	return len(seen)
}

func (p *CapabilityProfile) copy() CapabilityProfile {
	c := *p

	c.Sources = make(map[string]bool, len(p.Sources))
	for k, v := range p.Sources {
		c.Sources[k] = v
	}

	c.Window = append([]Observation(nil), p.Window...)
	return c
}

type Status struct {
	IsLearning            bool
	Phase                 Phase
	ConfirmedCapabilities []string
	RemovedCapabilities   []string
	OverriddenConfigs     []string
}

type Option func(*Engine)

func WithLogger(l logwrap.Logger) Option {
	return func(e *Engine) {
		e.logger = &l
	}
}

func WithConfig(c Config) Option {
	return func(e *Engine) {
		e.config = c
	}
}

// WithClock replaces the wall clock and timers, the deduplicator follows the same clock.
func WithClock(now func() time.Time, af task.AfterFunc) Option {
	return func(e *Engine) {
		e.now = now
		e.afterFunc = af
	}
}

func WithDeduplicator(d *dedup.Deduplicator) Option {
	return func(e *Engine) {
		e.dedup = d
	}
}

// Engine is the capability learner for a single device.
type Engine struct {
	logger    *logwrap.Logger
	config    Config
	now       func() time.Time
	afterFunc task.AfterFunc
	dedup     *dedup.Deduplicator

	host        host.Host
	store       store
	catalog     *profile.Catalog
	descriptor  profile.Descriptor
	definitions []profile.CapabilityDefinition

	m                *sync.Mutex
	phase            Phase
	pairingTime      time.Time
	learningComplete bool
	profiles         map[string]*CapabilityProfile
	raw              map[string]any
	removed          map[string]bool
	timer            task.Timer
}

func New(h host.Host, s persistence.Section, c *profile.Catalog, d profile.Descriptor, opts ...Option) *Engine {
	l := logwrap.New(discard.Discard())

	e := &Engine{
		logger:      &l,
		config:      DefaultConfig(),
		now:         time.Now,
		afterFunc:   task.RealAfterFunc,
		host:        h,
		store:       store{s: s},
		catalog:     c,
		descriptor:  d,
		definitions: c.Manageable(d),
		m:           &sync.Mutex{},
		phase:       Idle,
		profiles:    map[string]*CapabilityProfile{},
		raw:         map[string]any{},
		removed:     map[string]bool{},
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.dedup == nil {
		e.dedup = dedup.New()
		e.dedup.Now = e.now
	}

	return e
}

// Start loads persisted learning state and enters the phase appropriate to the time since pairing. A device whose
// learning already completed resumes maintenance, one still inside the learning window resumes learning for the
// remainder, and one which never completed learning within the maximum window starts again.
func (e *Engine) Start(pctx context.Context) {
	ctx, end := e.logger.Segment(pctx, "Starting capability learning.", logwrap.Datum("Profile", e.descriptor.Name))
	defer end()

	e.m.Lock()
	defer e.m.Unlock()

	now := e.now()

	state := e.store.load()
	e.profiles = state.profiles
	e.raw = state.raw
	e.removed = state.removed
	e.learningComplete = state.learningComplete
	e.pairingTime = state.pairingTime

	if e.pairingTime.IsZero() {
		e.pairingTime = now
		e.store.savePairing(e.pairingTime, false)
	}

	elapsed := now.Sub(e.pairingTime)

	switch {
	case e.learningComplete:
		e.logger.Info(ctx, "Learning previously completed, resuming maintenance.")
		e.enterMaintenanceLocked(ctx)
	case elapsed < e.config.LearningMax:
		delay := e.learningDelay(elapsed)
		e.logger.Info(ctx, "Resuming learning.", logwrap.Datum("RemainingMs", delay.Milliseconds()))
		e.enterLearningLocked(ctx, delay)
	default:
		e.logger.Info(ctx, "Learning window expired without completing, restarting learning.")
		e.pairingTime = now
		e.store.savePairing(e.pairingTime, false)
		e.enterLearningLocked(ctx, e.learningDelay(0))
	}
}

// learningDelay is how much longer to learn for, given the time already spent.
func (e *Engine) learningDelay(elapsed time.Duration) time.Duration {
	remaining := e.config.LearningMin - elapsed
	if remaining < 0 {
		remaining = 0
	}

	total := remaining + learningGrace
	if total < e.config.LearningMin {
		total = e.config.LearningMin
	}
	if total > e.config.LearningMax {
		total = e.config.LearningMax
	}

	if delay := total - elapsed; delay > 0 {
		return delay
	}

	return 0
}

func (e *Engine) enterLearningLocked(ctx context.Context, delay time.Duration) {
	e.phase = Learning
	metrics.PhaseTransitions.WithLabelValues(string(Learning)).Inc()

	e.replaceTimerLocked(delay, func() {
		e.completeLearning(context.Background())
	})

	e.logger.Debug(ctx, "Learning phase scheduled.", logwrap.Datum("DelayMs", delay.Milliseconds()))
}

func (e *Engine) enterMaintenanceLocked(ctx context.Context) {
	e.phase = Maintenance
	metrics.PhaseTransitions.WithLabelValues(string(Maintenance)).Inc()

	e.scheduleMaintenanceLocked(ctx, e.config.FirstMaintenance)
}

func (e *Engine) scheduleMaintenanceLocked(ctx context.Context, delay time.Duration) {
	e.replaceTimerLocked(delay, func() {
		e.maintenanceTick(context.Background())
	})

	e.logger.Debug(ctx, "Maintenance scheduled.", logwrap.Datum("DelayMs", delay.Milliseconds()))
}

func (e *Engine) replaceTimerLocked(delay time.Duration, fn func()) {
	if e.timer != nil {
		e.timer.Stop()
	}

	e.timer = e.afterFunc(delay, fn)
}

func (e *Engine) completeLearning(pctx context.Context) {
	ctx, end := e.logger.Segment(pctx, "Learning complete, adapting capabilities.")
	defer end()

	e.m.Lock()

	if e.phase != Learning {
		e.m.Unlock()
		return
	}

	e.phase = Adapting
	metrics.PhaseTransitions.WithLabelValues(string(Adapting)).Inc()

	planned := e.reconcileLocked(ctx)

	e.learningComplete = true
	e.store.savePairing(e.pairingTime, true)

	e.enterMaintenanceLocked(ctx)
	e.m.Unlock()

	e.apply(ctx, planned)
}

func (e *Engine) maintenanceTick(ctx context.Context) {
	e.RunMaintenance(ctx)

	e.m.Lock()
	defer e.m.Unlock()

	if e.phase == Maintenance {
		e.scheduleMaintenanceLocked(ctx, e.config.MaintenanceInterval)
	}
}

// RunMaintenance downgrades confirmed capabilities which have gone quiet for longer than the staleness window and
// then reconciles the host's capabilities.
func (e *Engine) RunMaintenance(pctx context.Context) []Adaptation {
	ctx, end := e.logger.Segment(pctx, "Running capability maintenance.")
	defer end()

	e.m.Lock()

	if e.phase == Stopped || e.phase == Idle {
		e.m.Unlock()
		return nil
	}

	now := e.now()

	for name, p := range e.profiles {
		if p.Confirmed && now.Sub(p.LastTime) > e.config.Staleness {
			e.logger.Info(ctx, "Confirmed capability is stale, downgrading for re-evaluation.", logwrap.Datum("Capability", name), logwrap.Datum("LastSample", p.LastTime))
			p.Confirmed = false
			p.Window = nil
			e.store.saveProfile(name, p)
		}
	}

	planned := e.reconcileLocked(ctx)
	e.store.saveMaintenance(now)
	e.m.Unlock()

	return e.apply(ctx, planned)
}

// Reconcile compares the host's capabilities with the evidence and adds confirmed capabilities, or removes those
// which were never confirmed in the staleness window since pairing. Critical capabilities are never removed.
func (e *Engine) Reconcile(ctx context.Context) []Adaptation {
	e.m.Lock()
	planned := e.reconcileLocked(ctx)
	e.m.Unlock()

	return e.apply(ctx, planned)
}

// reconcileLocked decides which changes the host needs, it does not make them.
func (e *Engine) reconcileLocked(ctx context.Context) []Adaptation {
	var planned []Adaptation
	now := e.now()

	for _, def := range e.definitions {
		name := def.Name
		p := e.profiles[name]

		present := e.host.HasCapability(name)
		confirmed := p != nil && p.Confirmed
		everConfirmed := p != nil && p.EverConfirmed

		switch {
		case confirmed && !present:
			if e.descriptor.Blocks(name) {
				e.logger.Debug(ctx, "Confirmed capability is blocked by profile, not adding.", logwrap.Datum("Capability", name))
				continue
			}

			planned = append(planned, Adaptation{Capability: name, Action: Add})
		case present && !everConfirmed && !e.catalog.IsCritical(e.descriptor, name) && now.Sub(e.pairingTime) >= e.config.Staleness:
			planned = append(planned, Adaptation{Capability: name, Action: Remove})
		}
	}

	return planned
}

// apply makes the planned changes to the host, returning those which succeeded. It must be called without e.m
// held, as the host may call back into the engine.
func (e *Engine) apply(ctx context.Context, planned []Adaptation) []Adaptation {
	var applied []Adaptation

	for _, a := range planned {
		present := e.host.HasCapability(a.Capability)

		switch a.Action {
		case Add:
			if present {
				continue
			}

			if err := e.host.AddCapability(ctx, a.Capability); err != nil {
				e.logger.Warn(ctx, "Failed to add capability.", logwrap.Datum("Capability", a.Capability), logwrap.Err(err))
				continue
			}

			e.logger.Info(ctx, "Added capability confirmed by data.", logwrap.Datum("Capability", a.Capability))
		case Remove:
			if !present {
				continue
			}

			if err := e.host.RemoveCapability(ctx, a.Capability); err != nil {
				e.logger.Warn(ctx, "Failed to remove capability.", logwrap.Datum("Capability", a.Capability), logwrap.Err(err))
				continue
			}

			e.logger.Info(ctx, "Removed capability which never produced confirmed data.", logwrap.Datum("Capability", a.Capability))
		}

		metrics.Adaptations.WithLabelValues(string(a.Action)).Inc()
		applied = append(applied, a)
	}

	if len(applied) == 0 {
		return nil
	}

	e.m.Lock()
	defer e.m.Unlock()

	for _, a := range applied {
		switch a.Action {
		case Add:
			if e.removed[a.Capability] {
				delete(e.removed, a.Capability)
				e.store.saveRemoved(a.Capability, false)
			}
		case Remove:
			e.removed[a.Capability] = true
			e.store.saveRemoved(a.Capability, true)
		}
	}

	return applied
}

func (e *Engine) definition(capability string) (profile.CapabilityDefinition, bool) {
	for _, def := range e.definitions {
		if strings.EqualFold(def.Name, capability) {
			return def, true
		}
	}

	return profile.CapabilityDefinition{}, false
}

// RecordSample adds an observation to the capability's window. It returns true if the sample was valid and counted.
// Duplicates from another source within the dedup window are dropped before validation.
func (e *Engine) RecordSample(ctx context.Context, capability string, value any, source string) bool {
	def, found := e.definition(capability)
	if !found {
		e.logger.Debug(ctx, "Sample for unmanaged capability ignored.", logwrap.Datum("Capability", capability), logwrap.Datum("Source", source))
		return false
	}

	if e.dedup.Duplicate(def.Name, value) {
		metrics.DuplicatesSuppressed.Inc()
		return false
	}

	e.m.Lock()

	if e.phase == Stopped {
		e.m.Unlock()
		return false
	}

	valid, planned := e.recordLocked(ctx, def, value, source)
	e.m.Unlock()

	e.apply(ctx, planned)
	return valid
}

func (e *Engine) recordLocked(ctx context.Context, def profile.CapabilityDefinition, value any, source string) (bool, []Adaptation) {
	name := def.Name

	p, found := e.profiles[name]
	if !found {
		p = newCapabilityProfile()
		e.profiles[name] = p
	}

	p.SampleCount++

	normalised, valid := def.Normalise(value)
	if !valid {
		e.logger.Debug(ctx, "Invalid sample discarded.", logwrap.Datum("Capability", name), logwrap.Datum("Value", value), logwrap.Datum("Source", source))
		metrics.Samples.WithLabelValues(name, "false").Inc()
		e.store.saveProfile(name, p)
		return false, nil
	}

	metrics.Samples.WithLabelValues(name, "true").Inc()

	now := e.now()

	p.ValidSampleCount++
	p.LastValue = normalised
	p.LastTime = now
	p.Sources[source] = true
	p.Window = append(p.Window, Observation{Capability: name, Value: normalised, Source: source, Time: now})

	if over := len(p.Window) - e.config.WindowSize; over > 0 {
		p.Window = p.Window[over:]
	}

	if !p.Confirmed && p.ValidSampleCount >= e.config.MinSamples && p.distinctValues() >= e.config.MinDistinct {
		p.Confirmed = true
		p.EverConfirmed = true

		e.logger.Info(ctx, "Capability confirmed by data.", logwrap.Datum("Capability", name), logwrap.Datum("Samples", p.ValidSampleCount))

		if e.descriptor.AssumesAbsent(name) && !p.OverridesStaticConfig {
			p.OverridesStaticConfig = true
			e.logger.Info(ctx, "Data contradicts profile assumption of absence, overriding.", logwrap.Datum("Capability", name))
		}

		if e.removed[name] {
			delete(e.removed, name)
			e.store.saveRemoved(name, false)
		}
	}

	var planned []Adaptation
	if p.Confirmed && (e.phase == Maintenance || e.phase == Adapting) && !e.host.HasCapability(name) && !e.descriptor.Blocks(name) {
		planned = append(planned, Adaptation{Capability: name, Action: Add})
	}

	e.store.saveProfile(name, p)
	return true, planned
}

// RecordDatapoint routes a datapoint report to every capability which lists the datapoint, returning how many
// accepted the value.
func (e *Engine) RecordDatapoint(ctx context.Context, dp int, value any) int {
	source := fmt.Sprintf("dp_%d", dp)
	accepted := 0

	for _, def := range profile.DatapointCapabilities(e.definitions, dp) {
		e.storeRaw(def.Name, value)

		if e.RecordSample(ctx, def.Name, value, source) {
			accepted++
		}
	}

	return accepted
}

// RecordAttribute routes a ZCL attribute value to every capability sourced from it, applying the source's scale.
func (e *Engine) RecordAttribute(ctx context.Context, cluster zigbee.ClusterID, attribute zcl.AttributeID, value any) int {
	source := fmt.Sprintf("zcl_%04x", uint16(cluster))
	accepted := 0

	for _, match := range profile.AttributeCapabilities(e.definitions, cluster, attribute) {
		scaled := match.Source.Apply(value)
		e.storeRaw(match.Definition.Name, scaled)

		if e.RecordSample(ctx, match.Definition.Name, scaled, source) {
			accepted++
		}
	}

	return accepted
}

func (e *Engine) storeRaw(capability string, value any) {
	e.m.Lock()
	defer e.m.Unlock()

	e.raw[capability] = value
	e.store.saveRaw(capability, value)
}

// ForceReevaluate checks the capability against every evidence channel, the sample window, the last raw protocol
// value and the host's displayed value. Any valid evidence adds the capability.
func (e *Engine) ForceReevaluate(ctx context.Context, capability string) (Outcome, error) {
	def, found := e.definition(capability)
	if !found {
		return NotDetected, fmt.Errorf("%w: %s", profile.ErrUnknownCapability, capability)
	}

	e.m.Lock()

	if e.phase == Stopped {
		e.m.Unlock()
		return NotDetected, ErrStopped
	}

	name := def.Name
	realData := false

	if p, found := e.profiles[name]; found && p.ValidSampleCount > 0 && len(p.Window) > 0 {
		realData = true
	}

	if raw, found := e.raw[name]; !realData && found {
		_, realData = def.Normalise(raw)
	}

	if displayed, found := e.host.CapabilityValue(name); !realData && found {
		_, realData = def.Normalise(displayed)
	}

	e.logger.Info(ctx, "Capability re-evaluated on demand.", logwrap.Datum("Capability", name), logwrap.Datum("RealData", realData))

	if !realData || e.descriptor.Blocks(name) {
		e.m.Unlock()
		return NotDetected, nil
	}

	if e.descriptor.AssumesAbsent(name) {
		p, found := e.profiles[name]
		if !found {
			p = newCapabilityProfile()
			e.profiles[name] = p
		}

		p.OverridesStaticConfig = true
		e.store.saveProfile(name, p)
	}

	present := e.host.HasCapability(name)
	e.m.Unlock()

	if !present && len(e.apply(ctx, []Adaptation{{Capability: name, Action: Add}})) == 0 {
		return NotDetected, nil
	}

	return Added, nil
}

// Profile returns a copy of the evidence held for a capability.
func (e *Engine) Profile(capability string) (CapabilityProfile, bool) {
	e.m.Lock()
	defer e.m.Unlock()

	def, found := e.definition(capability)
	if !found {
		return CapabilityProfile{}, false
	}

	p, found := e.profiles[def.Name]
	if !found {
		return CapabilityProfile{}, false
	}

	return p.copy(), true
}

func (e *Engine) Phase() Phase {
	e.m.Lock()
	defer e.m.Unlock()

	return e.phase
}

func (e *Engine) Status() Status {
	e.m.Lock()
	defer e.m.Unlock()

	status := Status{IsLearning: e.phase == Learning, Phase: e.phase}

	for name, p := range e.profiles {
		if p.Confirmed {
			status.ConfirmedCapabilities = append(status.ConfirmedCapabilities, name)
		}

		if p.OverridesStaticConfig {
			status.OverriddenConfigs = append(status.OverriddenConfigs, name)
		}
	}

	for name := range e.removed {
		status.RemovedCapabilities = append(status.RemovedCapabilities, name)
	}

	sort.Strings(status.ConfirmedCapabilities)
	sort.Strings(status.OverriddenConfigs)
	sort.Strings(status.RemovedCapabilities)

	return status
}

// Stop clears the engine's timer, no further samples are accepted.
func (e *Engine) Stop() {
	e.m.Lock()
	defer e.m.Unlock()

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}

	e.phase = Stopped
}
