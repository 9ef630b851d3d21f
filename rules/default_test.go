package rules

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func defaultEngine(t *testing.T) *Engine {
	t.Helper()

	e := New()
	require.NoError(t, e.LoadFS(Embedded))
	require.NoError(t, e.CompileRules())

	return e
}

func TestDefault(t *testing.T) {
	t.Run("default rules can be loaded and pass compilation", func(t *testing.T) {
		e := defaultEngine(t)

		assert.Contains(t, e.RuleSets, "zcl")
		assert.Contains(t, e.RuleSets, "power")
	})

	t.Run("an on/off and level endpoint yields onoff and dim on that endpoint", func(t *testing.T) {
		e := defaultEngine(t)

		o, err := e.Execute(Input{
			Self:     3,
			Endpoint: map[int]InputEndpoint{3: {ID: 3, InClusters: []int{0x0000, 0x0006, 0x0008}}},
		})
		require.NoError(t, err)

		assert.Contains(t, o.Capabilities, "onoff")
		assert.Contains(t, o.Capabilities, "dim")
		assert.Equal(t, 3, o.Capabilities["onoff"]["Endpoint"])
	})

	t.Run("a plug with a power configuration cluster is not given a battery", func(t *testing.T) {
		e := defaultEngine(t)

		o, err := e.Execute(Input{
			Self:     1,
			Identity: InputIdentity{Vendor: "_TZ3000_g5xawfcq", Model: "TS011F"},
			Endpoint: map[int]InputEndpoint{1: {ID: 1, InClusters: []int{0x0001, 0x0006, 0x0b04}}},
		})
		require.NoError(t, err)

		assert.Contains(t, o.Capabilities, "measure_power")
		assert.NotContains(t, o.Capabilities, "measure_battery")
	})

	t.Run("battery powered sensors carry reporting settings", func(t *testing.T) {
		e := defaultEngine(t)

		o, err := e.Execute(Input{
			Self:     1,
			Endpoint: map[int]InputEndpoint{1: {ID: 1, InClusters: []int{0x0001, 0x0402}}},
		})
		require.NoError(t, err)

		assert.Contains(t, o.Capabilities, "measure_battery")
		assert.Contains(t, o.Capabilities, "measure_temperature")

		minimum, _ := o.Settings.Int("ReportingMinimumSeconds")
		assert.Equal(t, 3600, minimum)
	})
}
