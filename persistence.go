package zenroll

import (
	"github.com/shimmeringbee/persistence"
	"github.com/shimmeringbee/zigbee"
	"sort"
	"strconv"
)

const (
	DeviceSection     = "device"
	EnrollmentSection = "Enrollment"
	LearningSection   = "Learning"
)

func (e *Engine) sectionRemoveDevice(i zigbee.IEEEAddress) bool {
	return e.section.Section(DeviceSection).SectionDelete(i.String())
}

func (e *Engine) sectionForDevice(i zigbee.IEEEAddress) persistence.Section {
	return e.section.Section(DeviceSection, i.String())
}

// deviceListFromPersistence returns every device with persisted state, in address order.
func (e *Engine) deviceListFromPersistence() []zigbee.IEEEAddress {
	var deviceList []zigbee.IEEEAddress

	for _, k := range e.section.Section(DeviceSection).SectionKeys() {
		if addr, err := strconv.ParseUint(k, 16, 64); err == nil {
			deviceList = append(deviceList, zigbee.IEEEAddress(addr))
		}
	}

	sort.Slice(deviceList, func(i, j int) bool {
		return deviceList[i] < deviceList[j]
	})

	return deviceList
}
