package enrollment

import (
	"context"
	"github.com/shimmeringbee/zenroll/task"
	"sync"
	"time"
)

const pollerMaximumJobDuration = 15 * time.Second

// poller repeatedly runs jobs at a fixed interval until the job returns false or the poller is stopped.
type poller struct {
	afterFunc task.AfterFunc

	m       *sync.Mutex
	timers  map[string]task.Timer
	stopped bool
}

func newPoller(af task.AfterFunc) *poller {
	return &poller{afterFunc: af, m: &sync.Mutex{}, timers: map[string]task.Timer{}}
}

// Add starts polling under the id, an id already being polled is left alone.
func (p *poller) Add(id string, interval time.Duration, fn func(context.Context) bool) {
	p.m.Lock()
	defer p.m.Unlock()

	if _, found := p.timers[id]; found || p.stopped {
		return
	}

	p.armLocked(id, interval, fn)
}

func (p *poller) armLocked(id string, interval time.Duration, fn func(context.Context) bool) {
	p.timers[id] = p.afterFunc(interval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), pollerMaximumJobDuration)
		again := fn(ctx)
		cancel()

		p.m.Lock()
		defer p.m.Unlock()

		if !again || p.stopped {
			delete(p.timers, id)
			return
		}

		p.armLocked(id, interval, fn)
	})
}

func (p *poller) Polling(id string) bool {
	p.m.Lock()
	defer p.m.Unlock()

	_, found := p.timers[id]
	return found
}

func (p *poller) Stop() {
	p.m.Lock()
	defer p.m.Unlock()

	p.stopped = true

	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
}
