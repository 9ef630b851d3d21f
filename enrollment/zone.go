package enrollment

import (
	"context"
	"fmt"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zcl/commands/local/ias_zone"
	"github.com/shimmeringbee/zenroll/endpoint"
	"github.com/shimmeringbee/zenroll/rules"
	"github.com/shimmeringbee/zigbee"
	"time"
)

const ZonePollSecondsSetting = "ZonePollSeconds"

// enrollZones schedules security zone enrollment on the first endpoint with the IAS zone cluster. Should enrollment
// never succeed the zone status is polled instead.
func (c *Coordinator) enrollZones(ctx context.Context, m endpoint.Map, settings map[zigbee.Endpoint]rules.Settings) {
	found := m.WithCluster(zcl.IASZoneId)
	if len(found) == 0 {
		return
	}

	ep := found[0]
	interval := defaultZoneInterval(settings[ep].Seconds(ZonePollSecondsSetting, c.config.ZonePollInterval))

	c.scheduler.RegisterFallback(ZoneEnrollTask, ZonePollTask, func(ctx context.Context) error {
		c.logger.Warn(ctx, "IAS zone enrollment failed, polling zone status instead.", logwrap.Datum("Endpoint", ep), logwrap.Datum("IntervalMs", interval.Milliseconds()))
		c.poller.Add(ZonePollTask, interval, func(ctx context.Context) bool {
			c.pollZone(ctx, ep)
			return true
		})
		return nil
	}, 0, 1)

	if err := c.scheduler.Schedule(ZoneEnrollTask, func(ctx context.Context) error {
		return c.enrollZone(ctx, ep)
	}, c.config.ZoneEnrollDelay, c.config.ZoneEnrollRetries); err != nil {
		c.logger.Warn(ctx, "Failed to schedule IAS zone enrollment.", logwrap.Err(err))
	}
}

func (c *Coordinator) enrollZone(ctx context.Context, ep zigbee.Endpoint) error {
	if err := c.channel.Bind(ctx, ep, zcl.IASZoneId); err != nil {
		return fmt.Errorf("bind ias zone: %w", err)
	}

	coordinator := c.channel.CoordinatorAddress()

	c.logger.Debug(ctx, "Writing CIE IEEE address to device.", logwrap.Datum("Endpoint", ep), logwrap.Datum("IEEEAddress", coordinator.String()))

	if err := c.channel.WriteAttributes(ctx, ep, zcl.IASZoneId, map[zcl.AttributeID]zcl.AttributeDataTypeValue{
		ias_zone.IASCIEAddress: {
			DataType: zcl.TypeIEEEAddress,
			Value:    coordinator,
		},
	}); err != nil {
		return fmt.Errorf("write cie address: %w", err)
	}

	c.logger.Info(ctx, "IAS zone enrolled.", logwrap.Datum("Endpoint", ep))
	return nil
}

func (c *Coordinator) pollZone(ctx context.Context, ep zigbee.Endpoint) {
	reads, err := c.channel.ReadAttributes(ctx, ep, zcl.IASZoneId, []zcl.AttributeID{ias_zone.ZoneStatus})
	if err != nil {
		c.logger.Debug(ctx, "Polling IAS zone status failed.", logwrap.Err(err))
		return
	}

	value, found := reads[ias_zone.ZoneStatus]
	if !found || value.DataType != zcl.TypeBitmap16 {
		return
	}

	status, ok := value.Value.(uint64)
	if !ok {
		return
	}

	if c.learner == nil {
		return
	}

	c.learner.RecordAttribute(ctx, zcl.IASZoneId, ias_zone.ZoneStatus, status&0x0001 == 0x0001)
}

// ZonePolling reports if zone status is being polled in place of enrollment.
func (c *Coordinator) ZonePolling() bool {
	return c.poller.Polling(ZonePollTask)
}

func defaultZoneInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Minute
	}

	return d
}
