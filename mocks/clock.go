package mocks

import (
	"github.com/shimmeringbee/zenroll/task"
	"sort"
	"sync"
	"time"
)

// ManualClock is a deterministic replacement for time.AfterFunc and time.Now, timers only fire when the clock is
// advanced past their deadline.
type ManualClock struct {
	m      sync.Mutex
	now    time.Time
	seq    int
	timers []*ManualTimer
}

type ManualTimer struct {
	clock    *ManualClock
	seq      int
	Delay    time.Duration
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.m.Lock()
	defer c.m.Unlock()

	return c.now
}

func (c *ManualClock) AfterFunc(d time.Duration, fn func()) task.Timer {
	c.m.Lock()
	defer c.m.Unlock()

	c.seq++
	t := &ManualTimer{clock: c, seq: c.seq, Delay: d, deadline: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)

	return t
}

func (t *ManualTimer) Stop() bool {
	t.clock.m.Lock()
	defer t.clock.m.Unlock()

	wasActive := !t.stopped && !t.fired
	t.stopped = true

	return wasActive
}

// Pending returns the delays of every timer which has neither fired nor been stopped, in creation order.
func (c *ManualClock) Pending() []time.Duration {
	c.m.Lock()
	defer c.m.Unlock()

	var delays []time.Duration

	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			delays = append(delays, t.Delay)
		}
	}

	return delays
}

// Advance moves the clock forward, firing due timers in deadline order. Timers created by a firing timer are
// also fired if they fall due within the advanced period.
func (c *ManualClock) Advance(d time.Duration) {
	c.m.Lock()
	target := c.now.Add(d)
	c.m.Unlock()

	for {
		c.m.Lock()
		next := c.nextDue(target)
		if next == nil {
			c.now = target
			c.m.Unlock()
			return
		}

		next.fired = true
		if next.deadline.After(c.now) {
			c.now = next.deadline
		}
		c.m.Unlock()

		next.fn()
	}
}

// FireNext fires the earliest outstanding timer regardless of its deadline, returning its delay.
func (c *ManualClock) FireNext() (time.Duration, bool) {
	c.m.Lock()
	next := c.nextDue(time.Time{})
	if next == nil {
		c.m.Unlock()
		return 0, false
	}

	next.fired = true
	if next.deadline.After(c.now) {
		c.now = next.deadline
	}
	c.m.Unlock()

	next.fn()

	return next.Delay, true
}

func (c *ManualClock) nextDue(before time.Time) *ManualTimer {
	var candidates []*ManualTimer

	for _, t := range c.timers {
		if t.stopped || t.fired {
			continue
		}

		if !before.IsZero() && t.deadline.After(before) {
			continue
		}

		candidates = append(candidates, t)
	}

	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].deadline.Equal(candidates[j].deadline) {
			return candidates[i].seq < candidates[j].seq
		}
		return candidates[i].deadline.Before(candidates[j].deadline)
	})

	return candidates[0]
}
