package mocks

import (
	"context"
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zcl/commands/global"
	"github.com/shimmeringbee/zcl/communicator"
	"github.com/shimmeringbee/zenroll/radio"
	"github.com/shimmeringbee/zigbee"
	"github.com/stretchr/testify/mock"
)

// MockCommunicator records the ZCL requests a channel makes. Transaction sequences are passed through so tests can
// match them with mock.Anything.
type MockCommunicator struct {
	mock.Mock
}

func (m *MockCommunicator) RegisterMatch(match communicator.Match) {
	m.Called(match)
}

func (m *MockCommunicator) UnregisterMatch(match communicator.Match) {
	m.Called(match)
}

func (m *MockCommunicator) ReadAttributes(ctx context.Context, ieee zigbee.IEEEAddress, requireAck bool, cluster zigbee.ClusterID, code zigbee.ManufacturerCode, src zigbee.Endpoint, dst zigbee.Endpoint, seq uint8, attributes []zcl.AttributeID) ([]global.ReadAttributeResponseRecord, error) {
	args := m.Called(ctx, ieee, requireAck, cluster, code, src, dst, seq, attributes)

	records, _ := args.Get(0).([]global.ReadAttributeResponseRecord)
	return records, args.Error(1)
}

func (m *MockCommunicator) WriteAttributes(ctx context.Context, ieee zigbee.IEEEAddress, requireAck bool, cluster zigbee.ClusterID, code zigbee.ManufacturerCode, src zigbee.Endpoint, dst zigbee.Endpoint, seq uint8, attributes map[zcl.AttributeID]zcl.AttributeDataTypeValue) ([]global.WriteAttributesResponseRecord, error) {
	args := m.Called(ctx, ieee, requireAck, cluster, code, src, dst, seq, attributes)

	records, _ := args.Get(0).([]global.WriteAttributesResponseRecord)
	return records, args.Error(1)
}

func (m *MockCommunicator) ConfigureReporting(ctx context.Context, ieee zigbee.IEEEAddress, requireAck bool, cluster zigbee.ClusterID, code zigbee.ManufacturerCode, src zigbee.Endpoint, dst zigbee.Endpoint, seq uint8, attribute zcl.AttributeID, dataType zcl.AttributeDataType, minimum uint16, maximum uint16, reportableChange any) error {
	return m.Called(ctx, ieee, requireAck, cluster, code, src, dst, seq, attribute, dataType, minimum, maximum, reportableChange).Error(0)
}

var _ radio.Communicator = (*MockCommunicator)(nil)
