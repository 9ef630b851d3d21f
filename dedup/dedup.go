package dedup

import (
	"fmt"
	"sync"
	"time"
)

const (
	DefaultWindow     = 500 * time.Millisecond
	DefaultPurgeAfter = 5 * time.Second
	DefaultPurgeEvery = 100
)

// Deduplicator suppresses repeats of the same key and value arriving from several sources within a short window.
type Deduplicator struct {
	Window     time.Duration
	PurgeAfter time.Duration
	PurgeEvery int
	Now        func() time.Time

	m       *sync.Mutex
	seen    map[string]time.Time
	inserts int
}

func New() *Deduplicator {
	return &Deduplicator{
		Window:     DefaultWindow,
		PurgeAfter: DefaultPurgeAfter,
		PurgeEvery: DefaultPurgeEvery,
		Now:        time.Now,
		m:          &sync.Mutex{},
		seen:       map[string]time.Time{},
	}
}

// Duplicate returns true if the same key and value was seen within the window, otherwise it records the pair and
// returns false.
func (d *Deduplicator) Duplicate(key string, value any) bool {
	d.m.Lock()
	defer d.m.Unlock()

	now := d.Now()
	id := fmt.Sprintf("%s=%v", key, value)

	if last, found := d.seen[id]; found && now.Sub(last) < d.Window {
		return true
	}

	d.seen[id] = now
	d.inserts++

	if d.PurgeEvery > 0 && d.inserts%d.PurgeEvery == 0 {
		d.purge(now)
	}

	return false
}

// Len returns the number of tracked key and value pairs.
func (d *Deduplicator) Len() int {
	d.m.Lock()
	defer d.m.Unlock()

	return len(d.seen)
}

func (d *Deduplicator) purge(now time.Time) {
	for id, last := range d.seen {
		if now.Sub(last) > d.PurgeAfter {
			delete(d.seen, id)
		}
	}
}
