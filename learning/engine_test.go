package learning_test

import (
	"context"
	"errors"
	"github.com/shimmeringbee/persistence"
	"github.com/shimmeringbee/persistence/impl/memory"
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zenroll/learning"
	"github.com/shimmeringbee/zenroll/mocks"
	"github.com/shimmeringbee/zenroll/profile"
	"github.com/shimmeringbee/zigbee"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

var epoch = time.Date(2024, time.June, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	engine  *learning.Engine
	clock   *mocks.ManualClock
	host    *mocks.FakeHost
	section persistence.Section
}

func newHarness(t *testing.T, profileName string, capabilities ...string) harness {
	t.Helper()

	c, err := profile.DefaultCatalog()
	require.NoError(t, err)

	var descriptor profile.Descriptor
	for _, p := range c.Profiles {
		if p.Name == profileName {
			descriptor = p
		}
	}
	require.Equal(t, profileName, descriptor.Name)

	clock := mocks.NewManualClock(epoch)
	h := mocks.NewFakeHost(capabilities...)
	s := memory.New()

	return harness{
		engine:  learning.New(h, s, c, descriptor, learning.WithClock(clock.Now, clock.AfterFunc)),
		clock:   clock,
		host:    h,
		section: s,
	}
}

// record adds samples a minute apart so none fall in the dedup window.
func (h harness) record(capability string, values ...any) {
	for _, v := range values {
		h.clock.Advance(time.Minute)
		h.engine.RecordSample(context.Background(), capability, v, "test")
	}
}

func TestEngine_Confirmation(t *testing.T) {
	t.Run("five identical samples are never confirmed", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")
		h.engine.Start(context.Background())

		h.record("measure_temperature", 21.5, 21.5, 21.5, 21.5, 21.5)

		p, found := h.engine.Profile("measure_temperature")
		require.True(t, found)
		assert.Equal(t, 5, p.ValidSampleCount)
		assert.False(t, p.Confirmed)
		assert.Empty(t, h.engine.Status().ConfirmedCapabilities)
	})

	t.Run("three valid samples with two distinct values are confirmed", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")
		h.engine.Start(context.Background())

		h.record("measure_temperature", 21.5, 21.5, 22.0)

		p, _ := h.engine.Profile("measure_temperature")
		assert.True(t, p.Confirmed)
		assert.True(t, p.EverConfirmed)
		assert.Equal(t, []string{"measure_temperature"}, h.engine.Status().ConfirmedCapabilities)
	})

	t.Run("two distinct values are not enough without the minimum sample count", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")
		h.engine.Start(context.Background())

		h.record("measure_temperature", 21.5, 22.0)

		p, _ := h.engine.Profile("measure_temperature")
		assert.False(t, p.Confirmed)
	})

	t.Run("invalid samples never advance the valid count", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")
		h.engine.Start(context.Background())

		h.clock.Advance(time.Minute)
		assert.False(t, h.engine.RecordSample(context.Background(), "measure_temperature", -999, "dp_1"))
		h.record("measure_temperature", 200.0, "warm", 21.0, 22.0)

		p, _ := h.engine.Profile("measure_temperature")
		assert.Equal(t, 5, p.SampleCount)
		assert.Equal(t, 2, p.ValidSampleCount)
		assert.False(t, p.Confirmed)
	})

	t.Run("samples for unmanaged capabilities are ignored", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")
		h.engine.Start(context.Background())

		assert.False(t, h.engine.RecordSample(context.Background(), "onoff", true, "test"))

		_, found := h.engine.Profile("onoff")
		assert.False(t, found)
	})

	t.Run("capability names are matched case insensitively", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")
		h.engine.Start(context.Background())

		h.record("Measure_Temperature", 20.0)

		p, found := h.engine.Profile("measure_temperature")
		require.True(t, found)
		assert.Equal(t, 1, p.ValidSampleCount)
	})

	t.Run("the window is bounded", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")
		h.engine.Start(context.Background())

		for i := 0; i < 30; i++ {
			h.record("measure_humidity", float64(40+i))
		}

		p, _ := h.engine.Profile("measure_humidity")
		assert.Len(t, p.Window, 20)
		assert.Equal(t, 69.0, p.Window[19].Value)
	})

	t.Run("repeats from another source within the dedup window are dropped", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")
		h.engine.Start(context.Background())

		assert.True(t, h.engine.RecordSample(context.Background(), "measure_temperature", 21.0, "dp_1"))
		assert.False(t, h.engine.RecordSample(context.Background(), "measure_temperature", 21.0, "zcl_0402"))

		p, _ := h.engine.Profile("measure_temperature")
		assert.Equal(t, 1, p.SampleCount)
	})
}

func TestEngine_Phases(t *testing.T) {
	t.Run("learning ends with adaptation and moves to maintenance", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")
		h.engine.Start(context.Background())

		assert.Equal(t, learning.Learning, h.engine.Phase())
		assert.True(t, h.engine.Status().IsLearning)
		assert.Equal(t, []time.Duration{16 * time.Minute}, h.clock.Pending())

		h.clock.Advance(16 * time.Minute)

		assert.Equal(t, learning.Maintenance, h.engine.Phase())
		assert.Equal(t, []time.Duration{5 * time.Minute}, h.clock.Pending())

		complete, _ := h.section.Bool(learning.LearningCompleteKey)
		assert.True(t, complete)

		h.clock.Advance(5 * time.Minute)
		assert.Equal(t, []time.Duration{time.Hour}, h.clock.Pending())
	})

	t.Run("confirmed capabilities are added at the end of learning, not before", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")
		h.engine.Start(context.Background())

		h.record("measure_humidity", 40.0, 41.0, 42.0)
		assert.False(t, h.host.HasCapability("measure_humidity"))

		h.clock.Advance(20 * time.Minute)
		assert.True(t, h.host.HasCapability("measure_humidity"))
	})

	t.Run("confirmed capabilities are added immediately during maintenance", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")
		h.engine.Start(context.Background())
		h.clock.Advance(20 * time.Minute)

		h.record("measure_humidity", 40.0, 41.0, 42.0)
		assert.True(t, h.host.HasCapability("measure_humidity"))
	})

	t.Run("stop clears timers and rejects samples", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")
		h.engine.Start(context.Background())
		h.engine.Stop()

		assert.Empty(t, h.clock.Pending())
		assert.False(t, h.engine.RecordSample(context.Background(), "measure_temperature", 21.0, "test"))
		assert.Equal(t, learning.Stopped, h.engine.Phase())
	})
}

func TestEngine_StaticOverride(t *testing.T) {
	t.Run("varying data for a capability assumed absent overrides the profile and adds it", func(t *testing.T) {
		h := newHarness(t, "climate_sensor", "measure_temperature")
		h.engine.Start(context.Background())

		h.record("measure_luminance", 100.0, 150.0, 200.0)

		p, _ := h.engine.Profile("measure_luminance")
		assert.True(t, p.OverridesStaticConfig)
		assert.Equal(t, []string{"measure_luminance"}, h.engine.Status().OverriddenConfigs)

		h.clock.Advance(20 * time.Minute)
		assert.True(t, h.host.HasCapability("measure_luminance"))
	})

	t.Run("blocked capabilities are never added even when confirmed", func(t *testing.T) {
		h := newHarness(t, "presence_radar")
		h.engine.Start(context.Background())

		h.record("measure_distance", 1.0, 2.0, 3.0)
		h.clock.Advance(20 * time.Minute)

		p, _ := h.engine.Profile("measure_distance")
		assert.True(t, p.Confirmed)
		assert.False(t, h.host.HasCapability("measure_distance"))
	})
}

func TestEngine_Reconcile(t *testing.T) {
	t.Run("a battery never confirmed for two hours in maintenance is removed", func(t *testing.T) {
		h := newHarness(t, "climate_sensor", "measure_temperature", "measure_battery")
		h.engine.Start(context.Background())

		h.record("measure_temperature", 20.0, 20.5, 21.0)

		h.clock.Advance(2 * time.Hour)
		assert.True(t, h.host.HasCapability("measure_battery"))

		h.clock.Advance(30 * time.Minute)
		assert.False(t, h.host.HasCapability("measure_battery"))
		assert.True(t, h.host.HasCapability("measure_temperature"))

		assert.Equal(t, []string{"measure_battery"}, h.engine.Status().RemovedCapabilities)
	})

	t.Run("critical capabilities are never removed", func(t *testing.T) {
		h := newHarness(t, "smart_plug", "onoff", "measure_power")
		h.engine.Start(context.Background())

		h.clock.Advance(3 * time.Hour)

		assert.True(t, h.host.HasCapability("onoff"))
		assert.False(t, h.host.HasCapability("measure_power"))

		status := h.engine.Status()
		assert.NotContains(t, status.RemovedCapabilities, "onoff")
		assert.Contains(t, status.RemovedCapabilities, "measure_power")
	})

	t.Run("a confirmed capability is never in the removal set", func(t *testing.T) {
		h := newHarness(t, "climate_sensor", "measure_humidity")
		h.engine.Start(context.Background())
		h.record("measure_humidity", 40.0, 41.0, 42.0)

		h.clock.Advance(3 * time.Hour)

		adaptations := h.engine.Reconcile(context.Background())
		for _, a := range adaptations {
			assert.NotEqual(t, "measure_humidity", a.Capability)
		}
		assert.NotContains(t, h.engine.Status().RemovedCapabilities, "measure_humidity")
	})

	t.Run("stale confirmed capabilities are downgraded but kept", func(t *testing.T) {
		h := newHarness(t, "climate_sensor", "measure_humidity")
		h.engine.Start(context.Background())
		h.record("measure_humidity", 40.0, 41.0, 42.0)

		h.clock.Advance(4 * time.Hour)

		p, _ := h.engine.Profile("measure_humidity")
		assert.False(t, p.Confirmed)
		assert.True(t, p.EverConfirmed)
		assert.Empty(t, p.Window)
		assert.True(t, h.host.HasCapability("measure_humidity"))
	})

	t.Run("a removed capability returns when later confirmed", func(t *testing.T) {
		h := newHarness(t, "climate_sensor", "measure_battery")
		h.engine.Start(context.Background())

		h.clock.Advance(3 * time.Hour)
		require.False(t, h.host.HasCapability("measure_battery"))

		h.record("measure_battery", 90.0, 89.0, 88.0)

		assert.True(t, h.host.HasCapability("measure_battery"))
		assert.Empty(t, h.engine.Status().RemovedCapabilities)
	})
}

func TestEngine_Routing(t *testing.T) {
	t.Run("datapoints are routed to every capability listing them", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")
		h.engine.Start(context.Background())

		accepted := h.engine.RecordDatapoint(context.Background(), 2, 55)
		assert.Equal(t, 2, accepted)

		p, _ := h.engine.Profile("measure_temperature")
		assert.True(t, p.Sources["dp_2"])

		p, _ = h.engine.Profile("measure_humidity")
		assert.True(t, p.Sources["dp_2"])
	})

	t.Run("datapoint values failing validation are stored raw but not counted", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")
		h.engine.Start(context.Background())

		assert.Equal(t, 0, h.engine.RecordDatapoint(context.Background(), 4, 255))

		p, _ := h.engine.Profile("measure_battery")
		assert.Equal(t, 1, p.SampleCount)
		assert.Equal(t, 0, p.ValidSampleCount)
	})

	t.Run("attributes are scaled and tagged with their cluster", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")
		h.engine.Start(context.Background())

		accepted := h.engine.RecordAttribute(context.Background(), zigbee.ClusterID(0x0402), zcl.AttributeID(0), int64(2150))
		assert.Equal(t, 1, accepted)

		p, _ := h.engine.Profile("measure_temperature")
		assert.InDelta(t, 21.5, p.LastValue, 0.0001)
		assert.True(t, p.Sources["zcl_0402"])
	})
}

func TestEngine_ForceReevaluate(t *testing.T) {
	t.Run("unknown capabilities are an error", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")

		_, err := h.engine.ForceReevaluate(context.Background(), "flux_capacitor")
		assert.ErrorIs(t, err, profile.ErrUnknownCapability)
	})

	t.Run("no evidence is not detected", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")
		h.engine.Start(context.Background())

		outcome, err := h.engine.ForceReevaluate(context.Background(), "measure_humidity")
		assert.NoError(t, err)
		assert.Equal(t, learning.NotDetected, outcome)
		assert.False(t, h.host.HasCapability("measure_humidity"))
	})

	t.Run("a single recorded sample is enough", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")
		h.engine.Start(context.Background())
		h.record("measure_humidity", 50.0)

		outcome, _ := h.engine.ForceReevaluate(context.Background(), "measure_humidity")
		assert.Equal(t, learning.Added, outcome)
		assert.True(t, h.host.HasCapability("measure_humidity"))
	})

	t.Run("a valid raw protocol value is enough", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")
		h.section.Section(learning.RawSection, "measure_humidity").Set("Value", 45.0)
		h.engine.Start(context.Background())

		_, found := h.engine.Profile("measure_humidity")
		require.False(t, found)

		outcome, _ := h.engine.ForceReevaluate(context.Background(), "measure_humidity")
		assert.Equal(t, learning.Added, outcome)
	})

	t.Run("the host's displayed value is enough and overrides an absent assumption", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")
		h.engine.Start(context.Background())
		h.host.SetValue("measure_luminance", 320.0)

		outcome, _ := h.engine.ForceReevaluate(context.Background(), "measure_luminance")
		assert.Equal(t, learning.Added, outcome)
		assert.Contains(t, h.engine.Status().OverriddenConfigs, "measure_luminance")
	})

	t.Run("an invalid displayed value is not detected", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")
		h.engine.Start(context.Background())
		h.host.SetValue("measure_battery", 255)

		outcome, _ := h.engine.ForceReevaluate(context.Background(), "measure_battery")
		assert.Equal(t, learning.NotDetected, outcome)
	})
}

func TestEngine_Persistence(t *testing.T) {
	t.Run("resumes learning for the remainder of the window", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")
		h.engine.Start(context.Background())
		h.clock.Advance(5 * time.Minute)
		h.engine.Stop()

		c, _ := profile.DefaultCatalog()
		resumed := learning.New(h.host, h.section, c, c.Profiles[0], learning.WithClock(h.clock.Now, h.clock.AfterFunc))
		resumed.Start(context.Background())

		assert.Equal(t, learning.Learning, resumed.Phase())
		assert.Equal(t, []time.Duration{10 * time.Minute}, h.clock.Pending())
	})

	t.Run("resumes maintenance with confirmed evidence once learning completed", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")
		h.engine.Start(context.Background())
		h.record("measure_humidity", 40.0, 41.0, 42.0)
		h.clock.Advance(20 * time.Minute)
		h.engine.Stop()

		c, _ := profile.DefaultCatalog()
		resumed := learning.New(h.host, h.section, c, c.Profiles[0], learning.WithClock(h.clock.Now, h.clock.AfterFunc))
		resumed.Start(context.Background())

		assert.Equal(t, learning.Maintenance, resumed.Phase())

		p, found := resumed.Profile("measure_humidity")
		require.True(t, found)
		assert.True(t, p.Confirmed)
		assert.Equal(t, 3, p.ValidSampleCount)
		assert.Len(t, p.Window, 3)
		assert.Equal(t, 42.0, p.LastValue)
		assert.True(t, p.Sources["test"])
	})

	t.Run("confirmation is stored as a flag on each capability and removals under their own section", func(t *testing.T) {
		h := newHarness(t, "climate_sensor", "measure_battery")
		h.engine.Start(context.Background())
		h.record("measure_humidity", 40.0, 41.0, 42.0)

		confirmed, found := h.section.Section(learning.CapabilitiesSection, "measure_humidity").Bool(learning.ConfirmedKey)
		assert.True(t, found)
		assert.True(t, confirmed)

		h.clock.Advance(3 * time.Hour)

		humidity := h.section.Section(learning.CapabilitiesSection, "measure_humidity")

		confirmed, _ = humidity.Bool(learning.ConfirmedKey)
		assert.False(t, confirmed)

		everConfirmed, _ := humidity.Bool(learning.EverConfirmedKey)
		assert.True(t, everConfirmed)

		battery, _ := h.section.Section(learning.CapabilitiesSection, "measure_battery").Bool(learning.ConfirmedKey)
		assert.False(t, battery)

		assert.Contains(t, h.section.Section(learning.RemovedSection).SectionKeys(), "measure_battery")
	})

	t.Run("restarts learning if the window passed without completing", func(t *testing.T) {
		h := newHarness(t, "climate_sensor")
		h.engine.Start(context.Background())
		h.engine.Stop()

		h.clock.Advance(2 * time.Hour)

		c, _ := profile.DefaultCatalog()
		resumed := learning.New(h.host, h.section, c, c.Profiles[0], learning.WithClock(h.clock.Now, h.clock.AfterFunc))
		resumed.Start(context.Background())

		assert.Equal(t, learning.Learning, resumed.Phase())
		assert.Equal(t, []time.Duration{16 * time.Minute}, h.clock.Pending())
	})
}

// reentrantHost calls back into the engine whenever a capability changes, as an event subscriber would.
type reentrantHost struct {
	*mocks.FakeHost
	engine   *learning.Engine
	statuses []learning.Status
	reject   bool
}

func (h *reentrantHost) AddCapability(ctx context.Context, name string) error {
	if h.reject {
		return errors.New("rejected")
	}

	if err := h.FakeHost.AddCapability(ctx, name); err != nil {
		return err
	}

	h.statuses = append(h.statuses, h.engine.Status())
	return nil
}

func (h *reentrantHost) RemoveCapability(ctx context.Context, name string) error {
	if err := h.FakeHost.RemoveCapability(ctx, name); err != nil {
		return err
	}

	h.statuses = append(h.statuses, h.engine.Status())
	return nil
}

func newReentrantHarness(t *testing.T, profileName string, capabilities ...string) (*reentrantHost, *mocks.ManualClock) {
	t.Helper()

	c, err := profile.DefaultCatalog()
	require.NoError(t, err)

	var descriptor profile.Descriptor
	for _, p := range c.Profiles {
		if p.Name == profileName {
			descriptor = p
		}
	}

	clock := mocks.NewManualClock(epoch)
	h := &reentrantHost{FakeHost: mocks.NewFakeHost(capabilities...)}
	h.engine = learning.New(h, memory.New(), c, descriptor, learning.WithClock(clock.Now, clock.AfterFunc))

	return h, clock
}

func completesWithin(t *testing.T, fn func()) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine blocked while the host called back into it")
	}
}

func TestEngine_HostCallbacks(t *testing.T) {
	t.Run("the host may read status while a forced re-evaluation adds a capability", func(t *testing.T) {
		h, _ := newReentrantHarness(t, "climate_sensor")
		h.engine.Start(context.Background())
		h.SetValue("measure_temperature", 21.0)

		var outcome learning.Outcome
		completesWithin(t, func() {
			outcome, _ = h.engine.ForceReevaluate(context.Background(), "measure_temperature")
		})

		assert.Equal(t, learning.Added, outcome)
		assert.Len(t, h.statuses, 1)
	})

	t.Run("the host may read status while adaptation adds and maintenance removes", func(t *testing.T) {
		h, clock := newReentrantHarness(t, "climate_sensor", "measure_battery")
		h.engine.Start(context.Background())

		completesWithin(t, func() {
			for _, v := range []float64{20.0, 20.5, 21.0} {
				clock.Advance(time.Minute)
				h.engine.RecordSample(context.Background(), "measure_temperature", v, "test")
			}

			clock.Advance(3 * time.Hour)
		})

		assert.True(t, h.HasCapability("measure_temperature"))
		assert.False(t, h.HasCapability("measure_battery"))
		require.Len(t, h.statuses, 2)
		assert.Equal(t, []string{"measure_temperature"}, h.statuses[0].ConfirmedCapabilities)
		assert.Equal(t, []string{"measure_battery"}, h.engine.Status().RemovedCapabilities)
	})

	t.Run("the host may read status while a sample in maintenance adds a capability", func(t *testing.T) {
		h, clock := newReentrantHarness(t, "climate_sensor")
		h.engine.Start(context.Background())
		clock.Advance(20 * time.Minute)

		completesWithin(t, func() {
			for _, v := range []float64{40.0, 41.0, 42.0} {
				clock.Advance(time.Minute)
				h.engine.RecordSample(context.Background(), "measure_humidity", v, "test")
			}
		})

		assert.True(t, h.HasCapability("measure_humidity"))
		assert.Len(t, h.statuses, 1)
	})

	t.Run("a removed capability confirmed again is no longer reported removed even if the host rejects it", func(t *testing.T) {
		h, clock := newReentrantHarness(t, "climate_sensor", "measure_battery")
		h.engine.Start(context.Background())

		clock.Advance(3 * time.Hour)
		require.Equal(t, []string{"measure_battery"}, h.engine.Status().RemovedCapabilities)

		h.reject = true
		for _, v := range []float64{90.0, 89.0, 88.0} {
			clock.Advance(time.Minute)
			h.engine.RecordSample(context.Background(), "measure_battery", v, "test")
		}

		status := h.engine.Status()
		assert.False(t, h.HasCapability("measure_battery"))
		assert.Contains(t, status.ConfirmedCapabilities, "measure_battery")
		assert.Empty(t, status.RemovedCapabilities)
	})
}
