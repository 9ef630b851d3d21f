package endpoint

import (
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zigbee"
	"sort"
)

const (
	// DatapointClusterId is the vendor specific tunnel carrying datapoint reports and commands.
	DatapointClusterId = zigbee.ClusterID(0xef00)
	// TimeClusterId is the standard ZCL time cluster.
	TimeClusterId = zigbee.ClusterID(0x000a)

	DefaultEndpoint    = zigbee.Endpoint(0x01)
	GreenPowerEndpoint = zigbee.Endpoint(0xf2)
)

// Clusters present on nearly every device which say nothing about what it does.
var infrastructureClusters = map[zigbee.ClusterID]bool{
	zcl.BasicId:    true,
	zcl.IdentifyId: true,
	0x0004:         true,
	0x0005:         true,
	TimeClusterId:  true,
	0x0019:         true,
	0xe000:         true,
	0xe001:         true,
}

// Map is the set of endpoint descriptions a device exposes, keyed by endpoint.
type Map map[zigbee.Endpoint]zigbee.EndpointDescription

// Sorted returns the endpoints of the map in ascending order.
func (m Map) Sorted() []zigbee.Endpoint {
	endpoints := make([]zigbee.Endpoint, 0, len(m))

	for ep := range m {
		endpoints = append(endpoints, ep)
	}

	sort.Slice(endpoints, func(i, j int) bool {
		return endpoints[i] < endpoints[j]
	})

	return endpoints
}

// WithCluster returns the endpoints, ascending, which have the cluster as an input cluster.
func (m Map) WithCluster(id zigbee.ClusterID) []zigbee.Endpoint {
	var found []zigbee.Endpoint

	for _, ep := range m.Sorted() {
		if hasCluster(m[ep].InClusterList, id) {
			found = append(found, ep)
		}
	}

	return found
}

// HasCluster reports if any endpoint has the cluster as an input cluster.
func (m Map) HasCluster(id zigbee.ClusterID) bool {
	return len(m.WithCluster(id)) > 0
}

func hasCluster(haystack []zigbee.ClusterID, needle zigbee.ClusterID) bool {
	for _, c := range haystack {
		if c == needle {
			return true
		}
	}

	return false
}

// FindFunctional picks the endpoint a device should be talked to on. Datapoint tunnels are preferred only if asked
// for, then on/off, then the default endpoint, then the first endpoint which is not green power. With nothing to go
// on the default endpoint is returned.
func FindFunctional(m Map, preferDatapoint bool) zigbee.Endpoint {
	if preferDatapoint {
		if found := m.WithCluster(DatapointClusterId); len(found) > 0 {
			return found[0]
		}
	}

	if found := m.WithCluster(zcl.OnOffId); len(found) > 0 {
		return found[0]
	}

	if _, found := m[DefaultEndpoint]; found {
		return DefaultEndpoint
	}

	for _, ep := range m.Sorted() {
		if ep != GreenPowerEndpoint {
			return ep
		}
	}

	return DefaultEndpoint
}

// Categories lists which cluster categories an endpoint exposes.
type Categories struct {
	Datapoint    bool
	OnOff        bool
	SecurityZone bool
	Time         bool
	// Standard is true if any input cluster other than the datapoint tunnel is present.
	Standard bool
	// Functional is true if any standard cluster is present which is not infrastructure.
	Functional bool
}

type Discovery map[zigbee.Endpoint]Categories

// Discover categorises every endpoint of the map.
func Discover(m Map) Discovery {
	d := Discovery{}

	for ep, desc := range m {
		c := Categories{}

		for _, cluster := range desc.InClusterList {
			switch cluster {
			case DatapointClusterId:
				c.Datapoint = true
			case zcl.OnOffId:
				c.OnOff = true
			case zcl.IASZoneId:
				c.SecurityZone = true
			case TimeClusterId:
				c.Time = true
			}

			if cluster != DatapointClusterId {
				c.Standard = true
				c.Functional = c.Functional || !infrastructureClusters[cluster]
			}
		}

		d[ep] = c
	}

	return d
}

// Any reports if any endpoint satisfies the predicate.
func (d Discovery) Any(fn func(Categories) bool) bool {
	for _, c := range d {
		if fn(c) {
			return true
		}
	}

	return false
}

type ProtocolKind string

const (
	ProtocolZCL       ProtocolKind = "zcl"
	ProtocolDatapoint ProtocolKind = "datapoint"
	ProtocolHybrid    ProtocolKind = "hybrid"
	ProtocolUnknown   ProtocolKind = "unknown"
)

// Classify decides which protocol a device speaks from what its endpoints expose. A datapoint device is only
// hybrid if it also has functional standard clusters, a Basic cluster alongside the tunnel is not enough.
func Classify(d Discovery) ProtocolKind {
	datapoint := d.Any(func(c Categories) bool { return c.Datapoint })
	standard := d.Any(func(c Categories) bool { return c.Standard })
	functional := d.Any(func(c Categories) bool { return c.Functional })

	switch {
	case datapoint && functional:
		return ProtocolHybrid
	case datapoint:
		return ProtocolDatapoint
	case standard:
		return ProtocolZCL
	default:
		return ProtocolUnknown
	}
}
