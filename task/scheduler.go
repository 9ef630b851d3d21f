package task

import (
	"context"
	"errors"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/discard"
	"github.com/shimmeringbee/zenroll/metrics"
	"math"
	"sync"
	"time"
)

// BackoffFactor is the growth applied to a task's base delay for every failed attempt.
const BackoffFactor = 1.5

const DefaultAttemptTimeout = 30 * time.Second

var ErrStopped = errors.New("scheduler stopped")

// Func is the body of a task. Returning nil completes the task, any error counts as a failed attempt.
type Func func(context.Context) error

// Timer is the handle returned by an AfterFunc, only Stop is required.
type Timer interface {
	Stop() bool
}

// AfterFunc calls f in its own goroutine after d has elapsed.
type AfterFunc func(d time.Duration, f func()) Timer

// RealAfterFunc is backed by time.AfterFunc.
func RealAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type Status string

const (
	Idle      Status = "idle"
	Enriching Status = "enriching"
	Ready     Status = "ready"
)

// Task is the scheduler's record of a pending unit of work.
type Task struct {
	ID         string
	Retries    int
	MaxRetries int
	BaseDelay  time.Duration
	FallbackOf string

	fn    Func
	timer Timer
}

type fallback struct {
	id         string
	fn         Func
	delay      time.Duration
	maxRetries int
}

// Scheduler runs named tasks with exponential backoff, substituting a registered fallback task once a task's
// retries are exhausted. Ids are the only key, callers scope them per device and subsystem.
type Scheduler struct {
	logger         logwrap.Logger
	afterFunc      AfterFunc
	attemptTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	m         *sync.Mutex
	tasks     map[string]*Task
	fallbacks map[string]fallback
	settled   int
	stopped   bool
}

type Option func(*Scheduler)

func WithAfterFunc(af AfterFunc) Option {
	return func(s *Scheduler) {
		s.afterFunc = af
	}
}

// WithAttemptTimeout bounds each attempt, a non positive duration keeps the default.
func WithAttemptTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.attemptTimeout = d
		}
	}
}

func WithLogger(l logwrap.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

func NewScheduler(opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		logger:         logwrap.New(discard.Discard()),
		afterFunc:      RealAfterFunc,
		attemptTimeout: DefaultAttemptTimeout,
		ctx:            ctx,
		cancel:         cancel,
		m:              &sync.Mutex{},
		tasks:          map[string]*Task{},
		fallbacks:      map[string]fallback{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// BackoffDelay returns the delay before the attempt following the given number of failed attempts.
func BackoffDelay(base time.Duration, retries int) time.Duration {
	return time.Duration(math.Round(float64(base) * math.Pow(BackoffFactor, float64(retries))))
}

// Schedule queues fn to run after initialDelay. Scheduling an id which is already pending is a no-op.
func (s *Scheduler) Schedule(id string, fn Func, initialDelay time.Duration, maxRetries int) error {
	s.m.Lock()
	defer s.m.Unlock()

	return s.scheduleLocked(&Task{ID: id, MaxRetries: maxRetries, BaseDelay: initialDelay, fn: fn}, initialDelay)
}

// RegisterFallback registers the task that replaces id once id terminally fails. A fallback may name itself to
// produce an unbounded chain at a fixed cadence.
func (s *Scheduler) RegisterFallback(id string, fallbackID string, fn Func, initialDelay time.Duration, maxRetries int) {
	s.m.Lock()
	defer s.m.Unlock()

	s.fallbacks[id] = fallback{id: fallbackID, fn: fn, delay: initialDelay, maxRetries: maxRetries}
}

// Pending reports whether a task with the id is waiting to run or running.
func (s *Scheduler) Pending(id string) bool {
	s.m.Lock()
	defer s.m.Unlock()

	_, found := s.tasks[id]
	return found
}

// Task returns a copy of the pending task record.
func (s *Scheduler) Task(id string) (Task, bool) {
	s.m.Lock()
	defer s.m.Unlock()

	t, found := s.tasks[id]
	if !found {
		return Task{}, false
	}

	return Task{ID: t.ID, Retries: t.Retries, MaxRetries: t.MaxRetries, BaseDelay: t.BaseDelay, FallbackOf: t.FallbackOf}, true
}

// Status is idle before any task has settled, enriching while anything is pending and ready otherwise.
func (s *Scheduler) Status() Status {
	s.m.Lock()
	defer s.m.Unlock()

	switch {
	case len(s.tasks) > 0:
		return Enriching
	case s.settled > 0:
		return Ready
	default:
		return Idle
	}
}

// Stop clears every pending timer, tasks in flight have their context cancelled.
func (s *Scheduler) Stop() {
	s.m.Lock()
	defer s.m.Unlock()

	s.stopped = true
	s.cancel()

	for id, t := range s.tasks {
		if t.timer != nil {
			t.timer.Stop()
		}
		delete(s.tasks, id)
	}
}

func (s *Scheduler) scheduleLocked(t *Task, delay time.Duration) error {
	if s.stopped {
		return ErrStopped
	}

	if _, found := s.tasks[t.ID]; found {
		return nil
	}

	s.tasks[t.ID] = t
	s.arm(t, delay)

	return nil
}

func (s *Scheduler) arm(t *Task, delay time.Duration) {
	t.timer = s.afterFunc(delay, func() {
		s.run(t)
	})
}

func (s *Scheduler) run(t *Task) {
	s.m.Lock()
	if current, found := s.tasks[t.ID]; !found || current != t || s.stopped {
		s.m.Unlock()
		return
	}
	s.m.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.attemptTimeout)
	err := t.fn(ctx)
	cancel()

	s.m.Lock()
	defer s.m.Unlock()

	if current, found := s.tasks[t.ID]; !found || current != t || s.stopped {
		return
	}

	if err == nil {
		delete(s.tasks, t.ID)
		s.settled++
		return
	}

	t.Retries++

	if t.Retries < t.MaxRetries {
		delay := BackoffDelay(t.BaseDelay, t.Retries)
		s.logger.Debug(s.ctx, "Task attempt failed, retrying.", logwrap.Datum("Task", t.ID), logwrap.Datum("Retries", t.Retries), logwrap.Datum("DelayMs", delay.Milliseconds()), logwrap.Err(err))
		metrics.TaskRetries.Inc()
		s.arm(t, delay)
		return
	}

	delete(s.tasks, t.ID)
	s.settled++

	fb, found := s.fallbacks[t.ID]
	if !found {
		s.logger.Warn(s.ctx, "Task terminally failed, no fallback registered.", logwrap.Datum("Task", t.ID), logwrap.Datum("Retries", t.Retries), logwrap.Err(err))
		metrics.TaskDrops.Inc()
		return
	}

	s.logger.Warn(s.ctx, "Task terminally failed, scheduling fallback.", logwrap.Datum("Task", t.ID), logwrap.Datum("Fallback", fb.id), logwrap.Err(err))
	metrics.TaskFallbacks.Inc()

	if err := s.scheduleLocked(&Task{ID: fb.id, MaxRetries: fb.maxRetries, BaseDelay: fb.delay, FallbackOf: t.ID, fn: fb.fn}, fb.delay); err != nil {
		s.logger.Warn(s.ctx, "Failed to schedule fallback.", logwrap.Datum("Task", t.ID), logwrap.Datum("Fallback", fb.id), logwrap.Err(err))
	}
}
