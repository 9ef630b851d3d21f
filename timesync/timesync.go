// Package timesync sends the initial clock handshake some devices wait for before they start reporting.
package timesync

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zenroll/endpoint"
	"github.com/shimmeringbee/zenroll/metrics"
	"github.com/shimmeringbee/zenroll/radio"
	"sync"
	"time"
)

var ErrNoTimeCluster = errors.New("device exposes no time cluster")

const (
	// DatapointTimeCommand is the datapoint tunnel's time synchronisation response.
	DatapointTimeCommand uint8 = 0x24

	TimeAttribute       zcl.AttributeID = 0x0000
	TimeStatusAttribute zcl.AttributeID = 0x0001
	LocalTimeAttribute  zcl.AttributeID = 0x0007

	// TimeStatusMaster marks the written time as authoritative.
	TimeStatusMaster uint64 = 0x02
)

// epoch2000 is the offset of both the datapoint tunnel and ZCL UTCTime epochs from the Unix epoch, in seconds.
const epoch2000 = 946684800

type Service struct {
	logger  *logwrap.Logger
	channel radio.Channel

	Now      func() time.Time
	Location *time.Location

	m        *sync.Mutex
	synced   bool
	lastSync time.Time
}

func New(ch radio.Channel, l logwrap.Logger) *Service {
	return &Service{
		logger:   &l,
		channel:  ch,
		Now:      time.Now,
		Location: time.Local,
		m:        &sync.Mutex{},
	}
}

// Sync sends the current time using the datapoint tunnel if present, falling back to the standard Time cluster.
// Failures are returned for logging only, a device which cannot be synchronised is still usable.
func (s *Service) Sync(ctx context.Context, m endpoint.Map) error {
	now := s.Now()
	var errs []error

	if e, err := radio.FirstWithCluster(m, endpoint.DatapointClusterId); err == nil {
		if err := s.channel.SendCommand(ctx, e, endpoint.DatapointClusterId, DatapointTimeCommand, DatapointPayload(now, s.Location)); err != nil {
			s.logger.Debug(ctx, "Datapoint time sync rejected.", logwrap.Err(err), logwrap.Datum("Endpoint", e))
			errs = append(errs, fmt.Errorf("datapoint time sync: %w", err))
		} else {
			s.succeeded(ctx, now, "datapoint")
			return nil
		}
	}

	if e, err := radio.FirstWithCluster(m, endpoint.TimeClusterId); err == nil {
		if err := s.channel.WriteAttributes(ctx, e, endpoint.TimeClusterId, TimeAttributes(now, s.Location)); err != nil {
			s.logger.Debug(ctx, "Time cluster sync rejected.", logwrap.Err(err), logwrap.Datum("Endpoint", e))
			errs = append(errs, fmt.Errorf("time cluster sync: %w", err))
		} else {
			s.succeeded(ctx, now, "zcl")
			return nil
		}
	}

	if len(errs) == 0 {
		metrics.TimeSyncs.WithLabelValues("unsupported").Inc()
		return ErrNoTimeCluster
	}

	metrics.TimeSyncs.WithLabelValues("failed").Inc()
	return errors.Join(errs...)
}

func (s *Service) succeeded(ctx context.Context, now time.Time, via string) {
	s.m.Lock()
	s.synced = true
	s.lastSync = now
	s.m.Unlock()

	metrics.TimeSyncs.WithLabelValues(via).Inc()
	s.logger.Info(ctx, "Device time synchronised.", logwrap.Datum("Via", via))
}

// Synced reports whether any sync has ever been accepted, and when the last one was.
func (s *Service) Synced() (bool, time.Time) {
	s.m.Lock()
	defer s.m.Unlock()

	return s.synced, s.lastSync
}

// DatapointPayload encodes UTC and local time as big endian seconds since 2000-01-01.
func DatapointPayload(now time.Time, loc *time.Location) []byte {
	utc, local := since2000(now, loc)

	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[0:4], utc)
	binary.BigEndian.PutUint32(payload[4:8], local)

	return payload
}

// TimeAttributes builds the Time cluster write, marking the coordinator as the master clock.
func TimeAttributes(now time.Time, loc *time.Location) map[zcl.AttributeID]zcl.AttributeDataTypeValue {
	utc, local := since2000(now, loc)

	return map[zcl.AttributeID]zcl.AttributeDataTypeValue{
		TimeAttribute:       {DataType: zcl.TypeUTCTime, Value: zcl.UTCTime(utc)},
		TimeStatusAttribute: {DataType: zcl.TypeBitmap8, Value: TimeStatusMaster},
		LocalTimeAttribute:  {DataType: zcl.TypeUnsignedInt32, Value: uint64(local)},
	}
}

func since2000(now time.Time, loc *time.Location) (uint32, uint32) {
	if loc == nil {
		loc = time.UTC
	}

	_, offset := now.In(loc).Zone()
	utc := now.Unix() - epoch2000

	return uint32(utc), uint32(utc + int64(offset))
}
