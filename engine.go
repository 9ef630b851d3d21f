// Package zenroll admits Zigbee devices against a catalog of device profiles, enrolls them in two phases and then
// learns, from the data they actually send, which capabilities they really have.
package zenroll

import (
	"context"
	"errors"
	"fmt"
	"github.com/shimmeringbee/callbacks"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/discard"
	"github.com/shimmeringbee/persistence"
	"github.com/shimmeringbee/zenroll/admission"
	"github.com/shimmeringbee/zenroll/dedup"
	"github.com/shimmeringbee/zenroll/endpoint"
	"github.com/shimmeringbee/zenroll/enrollment"
	"github.com/shimmeringbee/zenroll/host"
	"github.com/shimmeringbee/zenroll/learning"
	"github.com/shimmeringbee/zenroll/metrics"
	"github.com/shimmeringbee/zenroll/profile"
	"github.com/shimmeringbee/zenroll/radio"
	"github.com/shimmeringbee/zenroll/rules"
	"github.com/shimmeringbee/zenroll/task"
	"github.com/shimmeringbee/zigbee"
	"golang.org/x/sync/semaphore"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

var ErrUnknownDevice = errors.New("unknown device")
var ErrStopped = errors.New("engine stopped")

type Option func(*Engine)

// WithClock replaces the wall clock and timers used by every device.
func WithClock(now func() time.Time, af task.AfterFunc) Option {
	return func(e *Engine) {
		e.now = now
		e.afterFunc = af
	}
}

// WithCatalog uses an already loaded catalog in place of the configured one.
func WithCatalog(c *profile.Catalog) Option {
	return func(e *Engine) {
		e.catalog = c
	}
}

// WithRules uses an already compiled rule engine in place of the configured rules.
func WithRules(r *rules.Engine) Option {
	return func(e *Engine) {
		e.rules = r
	}
}

type Engine struct {
	config    Config
	section   persistence.Section
	catalog   *profile.Catalog
	rules     *rules.Engine
	limiter   *semaphore.Weighted
	callbacks callbacks.AdderCaller
	now       func() time.Time
	afterFunc task.AfterFunc

	lock    *sync.RWMutex
	logger  logwrap.Logger
	devices map[zigbee.IEEEAddress]*Device
	stopped bool
}

// New creates an engine persisting device state under s.
func New(s persistence.Section, cfg Config, opts ...Option) (*Engine, error) {
	cfg.setDefaults()

	e := &Engine{
		config:    cfg,
		section:   s,
		limiter:   semaphore.NewWeighted(int64(cfg.Enrollment.MaxConcurrentEnrichment)),
		callbacks: callbacks.Create(),
		now:       time.Now,
		afterFunc: task.RealAfterFunc,
		lock:      &sync.RWMutex{},
		logger:    logwrap.New(discard.Discard()),
		devices:   map[zigbee.IEEEAddress]*Device{},
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.catalog == nil {
		c, err := loadCatalog(cfg.Catalog)
		if err != nil {
			return nil, err
		}
		e.catalog = c
	}

	if e.rules == nil {
		r, err := loadRules(cfg.Rules)
		if err != nil {
			return nil, err
		}
		e.rules = r
	}

	return e, nil
}

func loadCatalog(cfg CatalogConfig) (*profile.Catalog, error) {
	if cfg.Path == "" {
		return profile.DefaultCatalog()
	}

	c, err := profile.LoadCatalog(os.DirFS(filepath.Dir(cfg.Path)), filepath.Base(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", cfg.Path, err)
	}

	return c, nil
}

func loadRules(cfg RulesConfig) (*rules.Engine, error) {
	r := rules.New()

	var err error
	if cfg.Directory == "" {
		err = r.LoadFS(rules.Embedded)
	} else {
		err = r.LoadFS(os.DirFS(cfg.Directory))
	}

	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	if err := r.CompileRules(); err != nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}

	return r, nil
}

// AdmitDevice chooses the profile for the identity, falling back to the catalog's generic profile. A device is
// never rejected.
func (e *Engine) AdmitDevice(identity admission.Identity) (profile.Descriptor, admission.MatchResult) {
	return admission.Admit(identity, e.catalog.Profiles, e.catalog.Generic())
}

// AddDevice admits the device on the channel and prepares its enrollment and learning. Adding a device which is
// already present returns the existing device.
func (e *Engine) AddDevice(ctx context.Context, identity admission.Identity, ch radio.Channel, h host.Host, endpoints endpoint.Map) (*Device, error) {
	addr := ch.Address()
	identity.Address = addr

	e.lock.RLock()
	existing, found := e.devices[addr]
	stopped := e.stopped
	e.lock.RUnlock()

	if stopped {
		return nil, ErrStopped
	}

	if found {
		return existing, nil
	}

	descriptor, match := e.AdmitDevice(identity)

	d := &Device{
		Address:   addr,
		Identity:  identity,
		Profile:   descriptor,
		Match:     match,
		endpoints: endpoints,
		m:         &sync.Mutex{},
	}

	l := e.deviceLogger(d)
	l.Info(ctx, "Device admitted.", logwrap.Datum("Vendor", identity.Vendor), logwrap.Datum("Model", identity.Model), logwrap.Datum("Profile", descriptor.Name), logwrap.Datum("MatchLevel", match.Level), logwrap.Datum("Confidence", match.Confidence))

	section := e.sectionForDevice(addr)
	eh := &eventingHost{Host: h, address: addr, send: e.sendEvent}

	dd := dedup.New()
	dd.Window = e.config.Dedup.Window
	dd.PurgeAfter = e.config.Dedup.PurgeAfter
	dd.PurgeEvery = e.config.Dedup.PurgeEvery
	dd.Now = e.now

	d.learner = learning.New(eh, section.Section(LearningSection), e.catalog, descriptor,
		learning.WithLogger(l),
		learning.WithConfig(e.config.learningConfig()),
		learning.WithClock(e.now, e.afterFunc),
		learning.WithDeduplicator(dd),
	)

	d.coordinator = enrollment.New(ch, eh, d.learner, section.Section(EnrollmentSection), e.catalog,
		enrollment.WithLogger(l),
		enrollment.WithConfig(e.config.enrollmentConfig()),
		enrollment.WithClock(e.now, e.afterFunc),
		enrollment.WithLimiter(e.limiter),
		enrollment.WithRules(e.rules),
		enrollment.WithCompletion(func(ctx context.Context, s enrollment.Session) {
			e.sendEvent(ctx, EnrollmentCompleted{Address: addr, Session: s})
		}),
	)

	e.lock.Lock()
	if existing, found := e.devices[addr]; found {
		e.lock.Unlock()
		return existing, nil
	}
	e.devices[addr] = d
	e.lock.Unlock()

	metrics.DevicesEnrolled.Inc()
	e.sendEvent(ctx, DeviceAdded{Address: addr})

	return d, nil
}

// Device returns the device with the address.
func (e *Engine) Device(addr zigbee.IEEEAddress) (*Device, error) {
	e.lock.RLock()
	defer e.lock.RUnlock()

	d, found := e.devices[addr]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}

	return d, nil
}

// Devices returns every device in address order.
func (e *Engine) Devices() []*Device {
	e.lock.RLock()
	defer e.lock.RUnlock()

	devices := make([]*Device, 0, len(e.devices))
	for _, d := range e.devices {
		devices = append(devices, d)
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Address < devices[j].Address
	})

	return devices
}

// Known returns the address of every device with persisted state, whether or not it has been added since start.
func (e *Engine) Known() []zigbee.IEEEAddress {
	return e.deviceListFromPersistence()
}

// RemoveDevice stops all of the device's scheduled work. Its persisted state is kept unless purge is set, so a
// device which returns resumes where it left off.
func (e *Engine) RemoveDevice(ctx context.Context, addr zigbee.IEEEAddress, purge bool) error {
	e.lock.Lock()
	d, found := e.devices[addr]
	if found {
		delete(e.devices, addr)
	}
	e.lock.Unlock()

	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}

	d.stop(ctx)

	if purge {
		e.sectionRemoveDevice(addr)
	}

	metrics.DevicesEnrolled.Dec()
	e.sendEvent(ctx, DeviceRemoved{Address: addr})

	return nil
}

// Stop stops every device, no further devices can be added.
func (e *Engine) Stop(ctx context.Context) {
	e.lock.Lock()
	e.stopped = true
	devices := e.devices
	e.devices = map[zigbee.IEEEAddress]*Device{}
	e.lock.Unlock()

	for _, d := range devices {
		d.stop(ctx)
		metrics.DevicesEnrolled.Dec()
	}
}
