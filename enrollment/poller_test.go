package enrollment

import (
	"context"
	"github.com/shimmeringbee/zenroll/mocks"
	"github.com/stretchr/testify/assert"
	"testing"
	"time"
)

func Test_poller(t *testing.T) {
	t.Run("runs the job every interval while it returns true", func(t *testing.T) {
		clock := mocks.NewManualClock(time.Now())
		p := newPoller(clock.AfterFunc)

		calls := 0
		p.Add("job", time.Minute, func(context.Context) bool {
			calls++
			return calls < 3
		})

		assert.True(t, p.Polling("job"))

		clock.Advance(5 * time.Minute)

		assert.Equal(t, 3, calls)
		assert.False(t, p.Polling("job"))
	})

	t.Run("adding an id already being polled is ignored", func(t *testing.T) {
		clock := mocks.NewManualClock(time.Now())
		p := newPoller(clock.AfterFunc)

		p.Add("job", time.Minute, func(context.Context) bool { return true })
		p.Add("job", time.Second, func(context.Context) bool { return true })

		assert.Equal(t, []time.Duration{time.Minute}, clock.Pending())
	})

	t.Run("stop cancels every job and refuses new ones", func(t *testing.T) {
		clock := mocks.NewManualClock(time.Now())
		p := newPoller(clock.AfterFunc)

		calls := 0
		p.Add("job", time.Minute, func(context.Context) bool {
			calls++
			return true
		})

		p.Stop()
		p.Add("other", time.Minute, func(context.Context) bool { return true })
		clock.Advance(time.Hour)

		assert.Equal(t, 0, calls)
		assert.False(t, p.Polling("other"))
		assert.Empty(t, clock.Pending())
	})
}
