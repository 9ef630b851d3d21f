// Package enrollment takes an admitted device from bare association to a fully characterised session.
//
// Phase 1 runs synchronously and never talks to the device, so the device is usable as soon as it is admitted.
// Phase 2 is deferred and retried indefinitely: it enumerates endpoints, synchronises the device clock, enrolls
// security zones, applies capability rules and reads attributes, feeding what it finds into learning.
package enrollment

import (
	"context"
	"fmt"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/discard"
	"github.com/shimmeringbee/persistence"
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zenroll/admission"
	"github.com/shimmeringbee/zenroll/attribute"
	"github.com/shimmeringbee/zenroll/endpoint"
	"github.com/shimmeringbee/zenroll/host"
	"github.com/shimmeringbee/zenroll/metrics"
	"github.com/shimmeringbee/zenroll/profile"
	"github.com/shimmeringbee/zenroll/radio"
	"github.com/shimmeringbee/zenroll/rules"
	"github.com/shimmeringbee/zenroll/task"
	"github.com/shimmeringbee/zenroll/timesync"
	"github.com/shimmeringbee/zigbee"
	"golang.org/x/sync/semaphore"
	"sync"
	"time"
)

type State string

const (
	Discovered         State = "discovered"
	Phase1Done         State = "phase1Done"
	EnrichmentPending  State = "enrichmentPending"
	EnrichmentRetrying State = "enrichmentRetrying"
	EnrichmentComplete State = "enrichmentComplete"
)

const (
	Phase2Task      = "phase2"
	Phase2RetryTask = "phase2-retry"
	ZoneEnrollTask  = "zone-enroll"
	ZonePollTask    = "zone-poll"
)

type Config struct {
	Phase2Delay       time.Duration
	Phase2RetryDelay  time.Duration
	AttemptTimeout    time.Duration
	ZoneEnrollRetries int
	ZoneEnrollDelay   time.Duration
	ZonePollInterval  time.Duration
	PreferDatapoint   bool
	ReportingMinimum  time.Duration
	ReportingMaximum  time.Duration
	PollInterval      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Phase2Delay:       3 * time.Second,
		Phase2RetryDelay:  10 * time.Second,
		AttemptTimeout:    task.DefaultAttemptTimeout,
		ZoneEnrollRetries: 5,
		ZoneEnrollDelay:   2 * time.Second,
		ZonePollInterval:  time.Minute,
		ReportingMinimum:  time.Minute,
		ReportingMaximum:  5 * time.Minute,
		PollInterval:      attribute.DefaultPollingInterval,
	}
}

// Association is what is known about a device when it is first admitted.
type Association struct {
	Identity admission.Identity
	Match    admission.MatchResult
	Profile  profile.Descriptor
	// Endpoints holds whatever endpoint descriptions are already visible, it may be empty.
	Endpoints endpoint.Map
}

// Learner receives attribute values discovered or reported during enrollment.
type Learner interface {
	RecordAttribute(ctx context.Context, cluster zigbee.ClusterID, attribute zcl.AttributeID, value any) int
}

type Option func(*Coordinator)

func WithLogger(l logwrap.Logger) Option {
	return func(c *Coordinator) {
		c.logger = &l
	}
}

func WithConfig(cfg Config) Option {
	return func(c *Coordinator) {
		c.config = cfg
	}
}

func WithClock(now func() time.Time, af task.AfterFunc) Option {
	return func(c *Coordinator) {
		c.now = now
		c.afterFunc = af
	}
}

// WithLimiter bounds how many devices may run phase 2 at once, the limiter is shared between coordinators.
func WithLimiter(sem *semaphore.Weighted) Option {
	return func(c *Coordinator) {
		c.limiter = sem
	}
}

func WithRules(r *rules.Engine) Option {
	return func(c *Coordinator) {
		c.rules = r
	}
}

// WithCompletion is called once phase 2 completes.
func WithCompletion(fn func(context.Context, Session)) Option {
	return func(c *Coordinator) {
		c.onComplete = fn
	}
}

func WithMonitorFactory(fn func() attribute.Monitor) Option {
	return func(c *Coordinator) {
		c.newMonitor = fn
	}
}

// Coordinator drives a single device's enrollment.
type Coordinator struct {
	logger     *logwrap.Logger
	config     Config
	now        func() time.Time
	afterFunc  task.AfterFunc
	limiter    *semaphore.Weighted
	rules      *rules.Engine
	newMonitor func() attribute.Monitor
	onComplete func(context.Context, Session)

	channel  radio.Channel
	host     host.Host
	learner  Learner
	section  persistence.Section
	catalog  *profile.Catalog
	timeSync *timesync.Service

	scheduler *task.Scheduler
	poller    *poller

	m           *sync.Mutex
	state       State
	session     Session
	association Association
	monitors    map[string]attribute.Monitor
}

func New(ch radio.Channel, h host.Host, l Learner, s persistence.Section, c *profile.Catalog, opts ...Option) *Coordinator {
	dl := logwrap.New(discard.Discard())

	co := &Coordinator{
		logger:    &dl,
		config:    DefaultConfig(),
		now:       time.Now,
		afterFunc: task.RealAfterFunc,
		channel:   ch,
		host:      h,
		learner:   l,
		section:   s,
		catalog:   c,
		m:         &sync.Mutex{},
		state:     Discovered,
		monitors:  map[string]attribute.Monitor{},
	}

	for _, opt := range opts {
		opt(co)
	}

	if co.newMonitor == nil {
		co.newMonitor = func() attribute.Monitor {
			return attribute.NewMonitor(*co.logger)
		}
	}

	co.scheduler = task.NewScheduler(task.WithAfterFunc(co.afterFunc), task.WithLogger(*co.logger), task.WithAttemptTimeout(co.config.AttemptTimeout))
	co.poller = newPoller(co.afterFunc)

	co.timeSync = timesync.New(ch, *co.logger)
	co.timeSync.Now = co.now

	co.session = loadSession(s)

	return co
}

// Begin runs phase 1 and schedules phase 2. A device whose enrichment already completed only has its attribute
// monitors reloaded.
func (c *Coordinator) Begin(ctx context.Context, a Association) {
	c.m.Lock()
	c.association = a
	complete := c.session.EnrichmentComplete
	c.m.Unlock()

	if complete {
		c.resume(ctx)
		return
	}

	c.Phase1(ctx, a)
}

func (c *Coordinator) resume(pctx context.Context) {
	ctx, end := c.logger.Segment(pctx, "Resuming enrolled device.")
	defer end()

	c.setState(EnrichmentComplete)

	if err := c.host.SetAvailable(ctx); err != nil {
		c.logger.Warn(ctx, "Failed to mark device available.", logwrap.Err(err))
	}

	monitors := c.section.Section(MonitorsSection)
	for _, key := range monitors.SectionKeys() {
		ms := monitors.Section(key)
		cluster, _ := ms.Int(attribute.ClusterIdKey)

		m := c.newMonitor()
		m.Init(ms, c.channel, c.attributeCallback(zigbee.ClusterID(cluster)))

		if err := m.Load(ctx); err != nil {
			c.logger.Warn(ctx, "Failed to reload attribute monitor.", logwrap.Datum("Monitor", key), logwrap.Err(err))
			continue
		}

		c.m.Lock()
		c.monitors[key] = m
		c.m.Unlock()
	}
}

// Phase1 resolves the functional endpoint and protocol from what is already visible, persists the session and
// marks the device available. It never fails, availability is not gated on enrichment.
func (c *Coordinator) Phase1(pctx context.Context, a Association) {
	ctx, end := c.logger.Segment(pctx, "Enrollment phase 1.", logwrap.Datum("Vendor", a.Identity.Vendor), logwrap.Datum("Model", a.Identity.Model), logwrap.Datum("MatchLevel", a.Match.Level))
	defer end()

	c.m.Lock()
	session := c.session
	session.FunctionalEndpoint = endpoint.FindFunctional(a.Endpoints, c.preferDatapoint(a))
	session.ProtocolKind = endpoint.Classify(endpoint.Discover(a.Endpoints))
	session.MatchLevel = a.Match.Level
	session.DiscoveredEndpoints = a.Endpoints.Sorted()

	if session.Phase < 1 {
		session.Phase = 1
	}

	if session.CreatedAt.IsZero() {
		session.CreatedAt = c.now()
	}

	c.session = saveSession(c.section, session)
	c.m.Unlock()

	c.logger.Info(ctx, "Phase 1 complete.", logwrap.Datum("FunctionalEndpoint", session.FunctionalEndpoint), logwrap.Datum("ProtocolKind", session.ProtocolKind))
	c.setState(Phase1Done)

	if err := c.host.SetAvailable(ctx); err != nil {
		c.logger.Warn(ctx, "Failed to mark device available.", logwrap.Err(err))
	}

	c.schedulePhase2(ctx)
}

func (c *Coordinator) preferDatapoint(a Association) bool {
	return c.config.PreferDatapoint || a.Profile.PreferDatapoint
}

func (c *Coordinator) schedulePhase2(ctx context.Context) {
	c.scheduler.RegisterFallback(Phase2Task, Phase2RetryTask, c.phase2Attempt, c.config.Phase2RetryDelay, 1)
	c.scheduler.RegisterFallback(Phase2RetryTask, Phase2RetryTask, c.phase2Attempt, c.config.Phase2RetryDelay, 1)

	if err := c.scheduler.Schedule(Phase2Task, c.phase2Attempt, c.config.Phase2Delay, 1); err != nil {
		c.logger.Warn(ctx, "Failed to schedule phase 2.", logwrap.Err(err))
		return
	}

	c.setState(EnrichmentPending)
}

func (c *Coordinator) phase2Attempt(ctx context.Context) error {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, 1); err != nil {
			c.setState(EnrichmentRetrying)
			return err
		}
		defer c.limiter.Release(1)
	}

	metrics.EnrichmentAttempts.Inc()
	start := c.now()

	if err := c.Phase2(ctx); err != nil {
		metrics.EnrichmentFailures.Inc()
		c.logger.Warn(ctx, "Phase 2 failed, will retry.", logwrap.Err(err), logwrap.Datum("RetryDelayMs", c.config.Phase2RetryDelay.Milliseconds()))
		c.setState(EnrichmentRetrying)
		return err
	}

	metrics.EnrichmentDuration.Observe(c.now().Sub(start).Seconds())
	return nil
}

// Phase2 enumerates the device and enriches the session. Only enumeration failing fails the phase, every other
// step is best effort.
func (c *Coordinator) Phase2(pctx context.Context) error {
	ctx, end := c.logger.Segment(pctx, "Enrollment phase 2.")
	defer end()

	m, err := c.channel.Endpoints(ctx)
	if err != nil {
		return fmt.Errorf("enumerate endpoints: %w", err)
	}

	discovery := endpoint.Discover(m)

	c.m.Lock()
	a := c.association
	c.m.Unlock()

	if err := c.timeSync.Sync(ctx, m); err != nil {
		c.logger.Debug(ctx, "Time sync not completed.", logwrap.Err(err))
	}

	settings := c.applyRules(ctx, a, m, discovery)
	c.enrollZones(ctx, m, settings)
	c.readManagedAttributes(ctx, a, m, settings)

	c.m.Lock()
	session := c.session
	session.FunctionalEndpoint = endpoint.FindFunctional(m, c.preferDatapoint(a))
	session.ProtocolKind = endpoint.Classify(discovery)
	session.DiscoveredEndpoints = m.Sorted()
	session.Phase = 2
	session.EnrichmentComplete = true
	c.session = saveSession(c.section, session)
	c.m.Unlock()

	c.setState(EnrichmentComplete)
	c.logger.Info(ctx, "Phase 2 complete.", logwrap.Datum("FunctionalEndpoint", session.FunctionalEndpoint), logwrap.Datum("ProtocolKind", session.ProtocolKind), logwrap.Datum("Endpoints", len(m)))

	if c.onComplete != nil {
		c.onComplete(ctx, c.Session())
	}

	return nil
}

func (c *Coordinator) setState(s State) {
	c.m.Lock()
	defer c.m.Unlock()

	if c.state == s {
		return
	}

	if c.state == EnrichmentComplete {
		return
	}

	c.state = s
	metrics.PhaseTransitions.WithLabelValues(string(s)).Inc()
}

func (c *Coordinator) State() State {
	c.m.Lock()
	defer c.m.Unlock()

	return c.state
}

// Session returns a copy of the enrollment session.
func (c *Coordinator) Session() Session {
	c.m.Lock()
	defer c.m.Unlock()

	s := c.session
	s.DiscoveredEndpoints = append([]zigbee.Endpoint(nil), c.session.DiscoveredEndpoints...)
	return s
}

// Status is the scheduler's aggregate view of outstanding enrollment work.
func (c *Coordinator) Status() task.Status {
	return c.scheduler.Status()
}

// Close stops all scheduled work, pollers and attribute monitors. Persisted state is kept.
func (c *Coordinator) Close(ctx context.Context) {
	c.scheduler.Stop()
	c.poller.Stop()

	c.m.Lock()
	monitors := c.monitors
	c.monitors = map[string]attribute.Monitor{}
	c.m.Unlock()

	for key, m := range monitors {
		if err := m.Detach(ctx, false); err != nil {
			c.logger.Warn(ctx, "Failed to detach attribute monitor.", logwrap.Datum("Monitor", key), logwrap.Err(err))
		}
	}
}
