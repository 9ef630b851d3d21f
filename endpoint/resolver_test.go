package endpoint

import (
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zigbee"
	"github.com/stretchr/testify/assert"
	"testing"
)

func describe(ep zigbee.Endpoint, clusters ...zigbee.ClusterID) zigbee.EndpointDescription {
	return zigbee.EndpointDescription{
		Endpoint:       ep,
		ProfileID:      zigbee.ProfileHomeAutomation,
		InClusterList:  clusters,
		OutClusterList: []zigbee.ClusterID{},
	}
}

func TestFindFunctional(t *testing.T) {
	t.Run("returns the on/off endpoint when there is no datapoint cluster or default endpoint", func(t *testing.T) {
		m := Map{3: describe(3, zcl.BasicId, zcl.OnOffId)}

		assert.Equal(t, zigbee.Endpoint(3), FindFunctional(m, true))
		assert.Equal(t, zigbee.Endpoint(3), FindFunctional(m, false))
	})

	t.Run("prefers the datapoint endpoint only when asked to", func(t *testing.T) {
		m := Map{
			1: describe(1, zcl.BasicId, DatapointClusterId),
			2: describe(2, zcl.OnOffId),
		}

		assert.Equal(t, zigbee.Endpoint(1), FindFunctional(m, true))
		assert.Equal(t, zigbee.Endpoint(2), FindFunctional(m, false))
	})

	t.Run("picks the lowest on/off endpoint when several have it", func(t *testing.T) {
		m := Map{
			4: describe(4, zcl.OnOffId),
			2: describe(2, zcl.OnOffId),
		}

		assert.Equal(t, zigbee.Endpoint(2), FindFunctional(m, false))
	})

	t.Run("falls back to the default endpoint if present", func(t *testing.T) {
		m := Map{
			1: describe(1, zcl.BasicId),
			5: describe(5, zcl.TemperatureMeasurementId),
		}

		assert.Equal(t, DefaultEndpoint, FindFunctional(m, false))
	})

	t.Run("skips the green power endpoint when choosing the first endpoint", func(t *testing.T) {
		m := Map{
			GreenPowerEndpoint: describe(GreenPowerEndpoint, 0x0021),
			7:                  describe(7, zcl.TemperatureMeasurementId),
		}

		assert.Equal(t, zigbee.Endpoint(7), FindFunctional(m, false))
	})

	t.Run("returns the default endpoint when nothing else qualifies", func(t *testing.T) {
		assert.Equal(t, DefaultEndpoint, FindFunctional(Map{}, true))
		assert.Equal(t, DefaultEndpoint, FindFunctional(Map{GreenPowerEndpoint: describe(GreenPowerEndpoint)}, false))
	})
}

func TestDiscover(t *testing.T) {
	t.Run("categorises clusters per endpoint", func(t *testing.T) {
		d := Discover(Map{
			1: describe(1, zcl.BasicId, DatapointClusterId),
			2: describe(2, zcl.OnOffId, TimeClusterId),
			3: describe(3, zcl.IASZoneId),
		})

		assert.Equal(t, Categories{Datapoint: true, Standard: true}, d[1])
		assert.Equal(t, Categories{OnOff: true, Time: true, Standard: true, Functional: true}, d[2])
		assert.Equal(t, Categories{SecurityZone: true, Standard: true, Functional: true}, d[3])
	})
}

func TestClassify(t *testing.T) {
	t.Run("datapoint only devices are datapoint", func(t *testing.T) {
		assert.Equal(t, ProtocolDatapoint, Classify(Discover(Map{1: describe(1, zcl.BasicId, DatapointClusterId)})))
	})

	t.Run("datapoint devices with functional clusters are hybrid", func(t *testing.T) {
		assert.Equal(t, ProtocolHybrid, Classify(Discover(Map{1: describe(1, DatapointClusterId, zcl.PowerConfigurationId)})))
	})

	t.Run("devices with standard clusters and no tunnel are zcl", func(t *testing.T) {
		assert.Equal(t, ProtocolZCL, Classify(Discover(Map{1: describe(1, zcl.BasicId, TimeClusterId)})))
		assert.Equal(t, ProtocolZCL, Classify(Discover(Map{1: describe(1, zcl.OnOffId)})))
	})

	t.Run("devices with nothing visible are unknown", func(t *testing.T) {
		assert.Equal(t, ProtocolUnknown, Classify(Discover(Map{})))
		assert.Equal(t, ProtocolUnknown, Classify(Discover(Map{1: describe(1)})))
	})
}

func TestMap_WithCluster(t *testing.T) {
	t.Run("returns matching endpoints in ascending order", func(t *testing.T) {
		m := Map{
			9: describe(9, zcl.OnOffId),
			1: describe(1, zcl.OnOffId),
			4: describe(4, zcl.BasicId),
		}

		assert.Equal(t, []zigbee.Endpoint{1, 9}, m.WithCluster(zcl.OnOffId))
		assert.True(t, m.HasCluster(zcl.BasicId))
		assert.False(t, m.HasCluster(zcl.IASZoneId))
	})
}
