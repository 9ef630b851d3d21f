package mocks

import (
	"context"
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zenroll/endpoint"
	"github.com/shimmeringbee/zenroll/radio"
	"github.com/shimmeringbee/zigbee"
	"github.com/stretchr/testify/mock"
	"time"
)

type MockChannel struct {
	mock.Mock
}

func (m *MockChannel) Address() zigbee.IEEEAddress {
	return m.Called().Get(0).(zigbee.IEEEAddress)
}

func (m *MockChannel) CoordinatorAddress() zigbee.IEEEAddress {
	return m.Called().Get(0).(zigbee.IEEEAddress)
}

func (m *MockChannel) Endpoints(ctx context.Context) (endpoint.Map, error) {
	args := m.Called(ctx)
	return args.Get(0).(endpoint.Map), args.Error(1)
}

func (m *MockChannel) ReadAttributes(ctx context.Context, e zigbee.Endpoint, c zigbee.ClusterID, a []zcl.AttributeID) (map[zcl.AttributeID]zcl.AttributeDataTypeValue, error) {
	args := m.Called(ctx, e, c, a)
	return args.Get(0).(map[zcl.AttributeID]zcl.AttributeDataTypeValue), args.Error(1)
}

func (m *MockChannel) WriteAttributes(ctx context.Context, e zigbee.Endpoint, c zigbee.ClusterID, a map[zcl.AttributeID]zcl.AttributeDataTypeValue) error {
	return m.Called(ctx, e, c, a).Error(0)
}

func (m *MockChannel) SendCommand(ctx context.Context, e zigbee.Endpoint, c zigbee.ClusterID, command uint8, payload []byte) error {
	return m.Called(ctx, e, c, command, payload).Error(0)
}

func (m *MockChannel) Bind(ctx context.Context, e zigbee.Endpoint, c zigbee.ClusterID) error {
	return m.Called(ctx, e, c).Error(0)
}

func (m *MockChannel) ConfigureReporting(ctx context.Context, e zigbee.Endpoint, c zigbee.ClusterID, a zcl.AttributeID, dt zcl.AttributeDataType, minimum time.Duration, maximum time.Duration, reportableChange any) error {
	return m.Called(ctx, e, c, a, dt, minimum, maximum, reportableChange).Error(0)
}

func (m *MockChannel) Listen(e zigbee.Endpoint, c zigbee.ClusterID, fn radio.AttributeCallback) func() {
	args := m.Called(e, c, fn)

	if cancel, ok := args.Get(0).(func()); ok {
		return cancel
	}

	return func() {}
}

var _ radio.Channel = (*MockChannel)(nil)
