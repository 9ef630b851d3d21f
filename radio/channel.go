// Package radio is the boundary between enrollment and the Zigbee transport.
package radio

import (
	"context"
	"errors"
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zenroll/endpoint"
	"github.com/shimmeringbee/zigbee"
	"time"
)

var ErrNoCluster = errors.New("no endpoint has the cluster")
var ErrAttributeRejected = errors.New("device rejected attribute write")

type AttributeCallback func(zcl.AttributeID, zcl.AttributeDataTypeValue)

// Channel is how the engine talks to a single device. Every method may be slow or fail, callers treat failures as
// transient.
type Channel interface {
	Address() zigbee.IEEEAddress
	// CoordinatorAddress is the address devices should send alarms to.
	CoordinatorAddress() zigbee.IEEEAddress

	Endpoints(ctx context.Context) (endpoint.Map, error)

	// ReadAttributes returns only the attributes the device successfully read, unsupported attributes are absent.
	ReadAttributes(ctx context.Context, e zigbee.Endpoint, c zigbee.ClusterID, a []zcl.AttributeID) (map[zcl.AttributeID]zcl.AttributeDataTypeValue, error)
	WriteAttributes(ctx context.Context, e zigbee.Endpoint, c zigbee.ClusterID, a map[zcl.AttributeID]zcl.AttributeDataTypeValue) error
	// SendCommand sends a cluster specific command with an already encoded payload.
	SendCommand(ctx context.Context, e zigbee.Endpoint, c zigbee.ClusterID, command uint8, payload []byte) error

	Bind(ctx context.Context, e zigbee.Endpoint, c zigbee.ClusterID) error
	ConfigureReporting(ctx context.Context, e zigbee.Endpoint, c zigbee.ClusterID, a zcl.AttributeID, dt zcl.AttributeDataType, minimum time.Duration, maximum time.Duration, reportableChange any) error

	// Listen calls fn for every attribute report from the endpoint and cluster, until the returned function is called.
	Listen(e zigbee.Endpoint, c zigbee.ClusterID, fn AttributeCallback) func()
}

// FirstWithCluster returns the lowest endpoint exposing the cluster.
func FirstWithCluster(m endpoint.Map, c zigbee.ClusterID) (zigbee.Endpoint, error) {
	if found := m.WithCluster(c); len(found) > 0 {
		return found[0], nil
	}

	return 0, ErrNoCluster
}
