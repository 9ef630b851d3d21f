package radio

import (
	"context"
	"fmt"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/retry"
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zcl/commands/global"
	"github.com/shimmeringbee/zcl/communicator"
	"github.com/shimmeringbee/zenroll/endpoint"
	"github.com/shimmeringbee/zigbee"
	"math"
	"time"
)

const DefaultNetworkTimeout = 3000 * time.Millisecond
const DefaultNetworkRetries = 5
const DefaultLocalEndpoint = zigbee.Endpoint(0x01)

// Frame control for a cluster specific command, client to server, with default response disabled.
const clusterSpecificFrameControl = 0x11

type Provider interface {
	zigbee.NodeQuerier
	zigbee.NodeBinder
	zigbee.NodeSender
}

// Communicator is the part of a ZCL communicator a channel uses.
type Communicator interface {
	RegisterMatch(match communicator.Match)
	UnregisterMatch(match communicator.Match)
	ReadAttributes(ctx context.Context, ieeeAddress zigbee.IEEEAddress, requireAck bool, cluster zigbee.ClusterID, code zigbee.ManufacturerCode, sourceEndpoint zigbee.Endpoint, destEndpoint zigbee.Endpoint, transactionSequence uint8, attributes []zcl.AttributeID) ([]global.ReadAttributeResponseRecord, error)
	WriteAttributes(ctx context.Context, ieeeAddress zigbee.IEEEAddress, requireAck bool, cluster zigbee.ClusterID, code zigbee.ManufacturerCode, sourceEndpoint zigbee.Endpoint, destEndpoint zigbee.Endpoint, transactionSequence uint8, attributes map[zcl.AttributeID]zcl.AttributeDataTypeValue) ([]global.WriteAttributesResponseRecord, error)
	ConfigureReporting(ctx context.Context, ieeeAddress zigbee.IEEEAddress, requireAck bool, cluster zigbee.ClusterID, code zigbee.ManufacturerCode, sourceEndpoint zigbee.Endpoint, destEndpoint zigbee.Endpoint, transactionSequence uint8, attributeId zcl.AttributeID, dataType zcl.AttributeDataType, minimumReportingInterval uint16, maximumReportingInterval uint16, reportableChange any) error
}

// ZCLChannel implements Channel over a Zigbee provider and ZCL communicator. Every network round trip is retried.
type ZCLChannel struct {
	logger *logwrap.Logger

	ieeeAddress        zigbee.IEEEAddress
	coordinatorAddress zigbee.IEEEAddress
	provider           Provider
	zclCommunicator    Communicator
	localEndpoint      zigbee.Endpoint
	requireAck         bool

	transactionSequences chan uint8

	NetworkTimeout time.Duration
	NetworkRetries int
}

func NewZCLChannel(ieee zigbee.IEEEAddress, coordinator zigbee.IEEEAddress, p Provider, c Communicator, localEndpoint zigbee.Endpoint, requireAck bool, l logwrap.Logger) *ZCLChannel {
	l.AddOptionsToLogger(logwrap.Datum("IEEEAddress", ieee.String()))

	return &ZCLChannel{
		logger:               &l,
		ieeeAddress:          ieee,
		coordinatorAddress:   coordinator,
		provider:             p,
		zclCommunicator:      c,
		localEndpoint:        localEndpoint,
		requireAck:           requireAck,
		transactionSequences: makeTransactionSequence(),
		NetworkTimeout:       DefaultNetworkTimeout,
		NetworkRetries:       DefaultNetworkRetries,
	}
}

func makeTransactionSequence() chan uint8 {
	ch := make(chan uint8, math.MaxUint8)

	for i := uint8(0); i < math.MaxUint8; i++ {
		ch <- i
	}

	return ch
}

func (z *ZCLChannel) nextTransactionSequence() uint8 {
	nextSeq := <-z.transactionSequences
	z.transactionSequences <- nextSeq

	return nextSeq
}

func (z *ZCLChannel) Address() zigbee.IEEEAddress {
	return z.ieeeAddress
}

func (z *ZCLChannel) CoordinatorAddress() zigbee.IEEEAddress {
	return z.coordinatorAddress
}

func (z *ZCLChannel) Endpoints(pctx context.Context) (endpoint.Map, error) {
	var endpoints []zigbee.Endpoint

	if err := retry.Retry(pctx, z.NetworkTimeout, z.NetworkRetries, func(ctx context.Context) error {
		eps, err := z.provider.QueryNodeEndpoints(ctx, z.ieeeAddress)
		if err == nil {
			endpoints = eps
			z.logger.Debug(ctx, "Enumerated node endpoints.", logwrap.Datum("Endpoints", eps))
		}

		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to query endpoints: %w", err)
	}

	m := endpoint.Map{}

	for _, ep := range endpoints {
		if err := retry.Retry(pctx, z.NetworkTimeout, z.NetworkRetries, func(ctx context.Context) error {
			epd, err := z.provider.QueryNodeEndpointDescription(ctx, z.ieeeAddress, ep)
			if err == nil {
				m[ep] = epd
				z.logger.Debug(ctx, "Enumerated endpoint description.", logwrap.Datum("Endpoint", ep), logwrap.Datum("EndpointDescription", epd))
			}

			return err
		}); err != nil {
			return nil, fmt.Errorf("failed to query endpoint %d description: %w", ep, err)
		}
	}

	return m, nil
}

func (z *ZCLChannel) ReadAttributes(pctx context.Context, e zigbee.Endpoint, c zigbee.ClusterID, a []zcl.AttributeID) (map[zcl.AttributeID]zcl.AttributeDataTypeValue, error) {
	values := map[zcl.AttributeID]zcl.AttributeDataTypeValue{}

	err := retry.Retry(pctx, z.NetworkTimeout, z.NetworkRetries, func(ctx context.Context) error {
		records, err := z.zclCommunicator.ReadAttributes(ctx, z.ieeeAddress, z.requireAck, c, zigbee.NoManufacturer, z.localEndpoint, e, z.nextTransactionSequence(), a)

		if err == nil {
			for _, record := range records {
				if record.Status == 0 && record.DataTypeValue != nil {
					values[record.Identifier] = *record.DataTypeValue
				}
			}
		}

		return err
	})

	return values, err
}

func (z *ZCLChannel) WriteAttributes(pctx context.Context, e zigbee.Endpoint, c zigbee.ClusterID, a map[zcl.AttributeID]zcl.AttributeDataTypeValue) error {
	var records []global.WriteAttributesResponseRecord

	if err := retry.Retry(pctx, z.NetworkTimeout, z.NetworkRetries, func(ctx context.Context) error {
		var err error
		records, err = z.zclCommunicator.WriteAttributes(ctx, z.ieeeAddress, z.requireAck, c, zigbee.NoManufacturer, z.localEndpoint, e, z.nextTransactionSequence(), a)
		return err
	}); err != nil {
		return err
	}

	for _, record := range records {
		if record.Status != 0 {
			return fmt.Errorf("%w: attribute 0x%04x status 0x%02x", ErrAttributeRejected, record.Identifier, record.Status)
		}
	}

	return nil
}

func (z *ZCLChannel) SendCommand(pctx context.Context, e zigbee.Endpoint, c zigbee.ClusterID, command uint8, payload []byte) error {
	return retry.Retry(pctx, z.NetworkTimeout, z.NetworkRetries, func(ctx context.Context) error {
		data := append([]byte{clusterSpecificFrameControl, z.nextTransactionSequence(), command}, payload...)

		return z.provider.SendApplicationMessageToNode(ctx, z.ieeeAddress, zigbee.ApplicationMessage{
			ClusterID:           c,
			SourceEndpoint:      z.localEndpoint,
			DestinationEndpoint: e,
			Data:                data,
		}, z.requireAck)
	})
}

func (z *ZCLChannel) Bind(pctx context.Context, e zigbee.Endpoint, c zigbee.ClusterID) error {
	return retry.Retry(pctx, z.NetworkTimeout, z.NetworkRetries, func(ctx context.Context) error {
		return z.provider.BindNodeToController(ctx, z.ieeeAddress, z.localEndpoint, e, c)
	})
}

func (z *ZCLChannel) ConfigureReporting(pctx context.Context, e zigbee.Endpoint, c zigbee.ClusterID, a zcl.AttributeID, dt zcl.AttributeDataType, minimum time.Duration, maximum time.Duration, reportableChange any) error {
	return retry.Retry(pctx, z.NetworkTimeout, z.NetworkRetries, func(ctx context.Context) error {
		return z.zclCommunicator.ConfigureReporting(ctx, z.ieeeAddress, z.requireAck, c, zigbee.NoManufacturer, z.localEndpoint, e, z.nextTransactionSequence(), a, dt, uint16(math.Round(minimum.Seconds())), uint16(math.Round(maximum.Seconds())), reportableChange)
	})
}

func (z *ZCLChannel) Listen(e zigbee.Endpoint, c zigbee.ClusterID, fn AttributeCallback) func() {
	filter := func(a zigbee.IEEEAddress, _ zigbee.ApplicationMessage, m zcl.Message) bool {
		return a == z.ieeeAddress &&
			m.ClusterID == c &&
			m.SourceEndpoint == e &&
			m.DestinationEndpoint == z.localEndpoint &&
			m.Direction == zcl.ServerToClient
	}

	match := communicator.NewMatch(filter, func(m communicator.MessageWithSource) {
		if cmd, ok := m.Message.Command.(*global.ReportAttributes); ok {
			for _, record := range cmd.Records {
				if record.DataTypeValue != nil {
					fn(record.Identifier, *record.DataTypeValue)
				}
			}
		}
	})

	z.zclCommunicator.RegisterMatch(match)

	return func() {
		z.zclCommunicator.UnregisterMatch(match)
	}
}

var _ Channel = (*ZCLChannel)(nil)
