package attribute

import (
	"context"
	"fmt"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/persistence"
	"github.com/shimmeringbee/persistence/converter"
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zenroll/radio"
	"github.com/shimmeringbee/zigbee"
	"sync"
	"time"
)

type PollingMode int

const (
	PollIfReportingFailed PollingMode = iota
	AlwaysPoll
	NeverPoll
)

type PollingConfig struct {
	Mode     PollingMode
	Interval time.Duration
}

type ReportingMode int

const (
	AttemptConfigureReporting ReportingMode = iota
	NeverConfigureReporting
)

type ReportingConfig struct {
	Mode             ReportingMode
	MinimumInterval  time.Duration
	MaximumInterval  time.Duration
	ReportableChange any
}

type MonitorCallback func(zcl.AttributeID, zcl.AttributeDataTypeValue)

// Monitor follows a single attribute on a device, by reporting where the device allows it and polling otherwise.
// Its configuration is persisted so it can be reloaded without talking to the device.
type Monitor interface {
	Init(s persistence.Section, ch radio.Channel, cb MonitorCallback)
	Load(ctx context.Context) error
	Attach(ctx context.Context, e zigbee.Endpoint, c zigbee.ClusterID, a zcl.AttributeID, dt zcl.AttributeDataType, rc ReportingConfig, pc PollingConfig) error
	Detach(ctx context.Context, unconfigure bool) error
}

const ReportingConfiguredKey = "ReportingConfigured"
const PollingConfiguredKey = "PollingConfigured"
const PollingIntervalKey = "PollingInterval"

const RemoteEndpointKey = "RemoteEndpoint"
const ClusterIdKey = "ClusterID"
const AttributeIdKey = "AttributeID"
const AttributeDataTypeKey = "AttributeDataType"

const DefaultPollingInterval = 5 * time.Minute
const pollTimeout = 5 * time.Second

func NewMonitor(l logwrap.Logger) Monitor {
	return &zclMonitor{
		logger: &l,
		m:      &sync.Mutex{},
	}
}

type zclMonitor struct {
	logger *logwrap.Logger

	config   persistence.Section
	channel  radio.Channel
	callback MonitorCallback

	remoteEndpoint    zigbee.Endpoint
	clusterID         zigbee.ClusterID
	attributeID       zcl.AttributeID
	attributeDataType zcl.AttributeDataType

	m          *sync.Mutex
	unlisten   func()
	ticker     *time.Ticker
	pollerStop chan struct{}
}

func (z *zclMonitor) Init(s persistence.Section, ch radio.Channel, cb MonitorCallback) {
	z.config = s
	z.channel = ch
	z.callback = cb

	z.logger.AddOptionsToLogger(logwrap.Datum("IEEEAddress", ch.Address().String()))
}

func (z *zclMonitor) Load(pctx context.Context) error {
	ctx, end := z.logger.Segment(pctx, "Loading attribute monitor.")
	defer end()

	if v, ok := z.config.Int(RemoteEndpointKey); ok {
		z.remoteEndpoint = zigbee.Endpoint(v)
	} else {
		z.logger.Error(ctx, "Required config parameter missing.", logwrap.Datum("name", RemoteEndpointKey))
		return fmt.Errorf("monitor missing config parameter: %s", RemoteEndpointKey)
	}

	if v, ok := z.config.Int(ClusterIdKey); ok {
		z.clusterID = zigbee.ClusterID(v)
	} else {
		z.logger.Error(ctx, "Required config parameter missing.", logwrap.Datum("name", ClusterIdKey))
		return fmt.Errorf("monitor missing config parameter: %s", ClusterIdKey)
	}

	if v, ok := z.config.Int(AttributeIdKey); ok {
		z.attributeID = zcl.AttributeID(v)
	} else {
		z.logger.Error(ctx, "Required config parameter missing.", logwrap.Datum("name", AttributeIdKey))
		return fmt.Errorf("monitor missing config parameter: %s", AttributeIdKey)
	}

	if v, ok := z.config.Int(AttributeDataTypeKey); ok {
		z.attributeDataType = zcl.AttributeDataType(v)
	} else {
		z.logger.Error(ctx, "Required config parameter missing.", logwrap.Datum("name", AttributeDataTypeKey))
		return fmt.Errorf("monitor missing config parameter: %s", AttributeDataTypeKey)
	}

	return z.reattach(ctx)
}

func (z *zclMonitor) reattach(ctx context.Context) error {
	z.m.Lock()
	defer z.m.Unlock()

	if z.unlisten != nil {
		z.unlisten()
	}

	z.unlisten = z.channel.Listen(z.remoteEndpoint, z.clusterID, z.attributeUpdate)

	z.logger.Info(ctx, "Attribute monitor configuration.", logwrap.Data(logwrap.List{"RemoteEndpoint": z.remoteEndpoint, "ClusterId": z.clusterID, "AttributeID": z.attributeID, "AttributeType": z.attributeDataType}))

	if v, ok := z.config.Bool(PollingConfiguredKey); ok && v && z.ticker == nil {
		interval, _ := converter.Retrieve(z.config, PollingIntervalKey, converter.DurationDecoder, DefaultPollingInterval)

		z.logger.Info(ctx, "Polling configured, starting...", logwrap.Datum("intervalMs", interval.Milliseconds()))

		z.ticker = time.NewTicker(interval)
		z.pollerStop = make(chan struct{}, 1)
		go z.poller(context.Background(), z.ticker, z.pollerStop)
	}

	return nil
}

func (z *zclMonitor) Attach(ctx context.Context, e zigbee.Endpoint, c zigbee.ClusterID, a zcl.AttributeID, dt zcl.AttributeDataType, rc ReportingConfig, pc PollingConfig) error {
	z.logger.Info(ctx, "Attaching attribute monitor...", logwrap.Datum("ReportingMode", rc.Mode), logwrap.Datum("PollingMode", pc.Mode))

	var failedReporting = false

	z.remoteEndpoint = e
	z.clusterID = c
	z.attributeID = a
	z.attributeDataType = dt

	z.config.Set(RemoteEndpointKey, int(z.remoteEndpoint))
	z.config.Set(ClusterIdKey, int(z.clusterID))
	z.config.Set(AttributeIdKey, int(z.attributeID))
	z.config.Set(AttributeDataTypeKey, int(z.attributeDataType))

	if rc.Mode == AttemptConfigureReporting {
		z.logger.Info(ctx, "Attempting to configure attribute reporting.")

		if err := z.channel.Bind(ctx, e, c); err != nil {
			z.logger.Warn(ctx, "Binding node to controller failed.", logwrap.Err(err))
			failedReporting = true
		} else if err := z.channel.ConfigureReporting(ctx, e, c, a, dt, rc.MinimumInterval, rc.MaximumInterval, rc.ReportableChange); err != nil {
			z.logger.Warn(ctx, "Configure reporting failed.", logwrap.Err(err))
			failedReporting = true
		} else {
			z.config.Set(ReportingConfiguredKey, true)
			z.logger.Info(ctx, "Reporting configured successfully.")
		}
	}

	if (failedReporting && pc.Mode == PollIfReportingFailed) || pc.Mode == AlwaysPoll {
		interval := pc.Interval
		if interval <= 0 {
			interval = DefaultPollingInterval
		}

		z.config.Set(PollingConfiguredKey, true)
		converter.Store(z.config, PollingIntervalKey, interval, converter.DurationEncoder)
	}

	return z.reattach(ctx)
}

func (z *zclMonitor) Detach(ctx context.Context, unconfigure bool) error {
	z.logger.Info(ctx, "Detaching attribute monitor...", logwrap.Datum("Unconfigure", unconfigure))

	z.m.Lock()
	defer z.m.Unlock()

	if z.unlisten != nil {
		z.unlisten()
		z.unlisten = nil
	}

	if unconfigure {
		if value, ok := z.config.Bool(ReportingConfiguredKey); ok && value {
			if err := z.channel.ConfigureReporting(ctx, z.remoteEndpoint, z.clusterID, z.attributeID, z.attributeDataType, 0xffff*time.Second, 0, nil); err != nil {
				z.logger.Error(ctx, "Failed to unconfigure reporting.", logwrap.Err(err))
			}
		}

		z.config.Delete(ReportingConfiguredKey)
		z.config.Delete(PollingConfiguredKey)
	}

	if z.ticker != nil {
		z.pollerStop <- struct{}{}
		z.ticker = nil
	}

	return nil
}

// Poll reads the attribute immediately, delivering the value to the callback.
func (z *zclMonitor) Poll(ctx context.Context) error {
	values, err := z.channel.ReadAttributes(ctx, z.remoteEndpoint, z.clusterID, []zcl.AttributeID{z.attributeID})
	if err != nil {
		z.logger.Warn(ctx, "Failed to read attribute.", logwrap.Err(err), logwrap.Datum("ClusterID", z.clusterID), logwrap.Datum("AttributeID", z.attributeID))
		return err
	}

	if v, found := values[z.attributeID]; found {
		z.attributeUpdate(z.attributeID, v)
	}

	return nil
}

func (z *zclMonitor) poller(pctx context.Context, ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			ticker.Stop()
			return
		case <-ticker.C:
			ctx, done := context.WithTimeout(pctx, pollTimeout)
			_ = z.Poll(ctx)
			done()
		}
	}
}

func (z *zclMonitor) attributeUpdate(id zcl.AttributeID, value zcl.AttributeDataTypeValue) {
	if id == z.attributeID && value.DataType == z.attributeDataType {
		z.callback(id, value)
	}
}
