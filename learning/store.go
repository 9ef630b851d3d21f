package learning

import (
	"github.com/shimmeringbee/persistence"
	"github.com/shimmeringbee/persistence/converter"
	"sort"
	"strconv"
	"time"
)

const (
	PairingTimeKey      = "PairingTime"
	LearningCompleteKey = "LearningComplete"
	LastMaintenanceKey  = "LastMaintenance"

	CapabilitiesSection = "Capabilities"
	RemovedSection      = "Removed"
	RawSection          = "Raw"

	CountKey                 = "Count"
	ValidCountKey            = "ValidCount"
	ConfirmedKey             = "Confirmed"
	EverConfirmedKey         = "EverConfirmed"
	OverridesStaticConfigKey = "OverridesStaticConfig"
	LastSection              = "Last"
	SourcesSection           = "Sources"
	WindowSection            = "Window"

	timeKey  = "Time"
	valueKey = "Value"
	boolKey  = "Bool"
)

// store persists learning state, a nil section disables persistence.
type store struct {
	s persistence.Section
}

type state struct {
	pairingTime      time.Time
	learningComplete bool
	profiles         map[string]*CapabilityProfile
	raw              map[string]any
	removed          map[string]bool
}

func (st store) load() state {
	loaded := state{
		profiles: map[string]*CapabilityProfile{},
		raw:      map[string]any{},
		removed:  map[string]bool{},
	}

	if st.s == nil {
		return loaded
	}

	loaded.pairingTime, _ = converter.Retrieve(st.s, PairingTimeKey, converter.TimeDecoder)
	loaded.learningComplete, _ = st.s.Bool(LearningCompleteKey, false)

	capabilities := st.s.Section(CapabilitiesSection)
	for _, name := range capabilities.SectionKeys() {
		loaded.profiles[name] = loadProfile(name, capabilities.Section(name))
	}

	raw := st.s.Section(RawSection)
	for _, name := range raw.SectionKeys() {
		if v, ok := loadValue(raw.Section(name)); ok {
			loaded.raw[name] = v
		}
	}

	for _, name := range st.s.Section(RemovedSection).SectionKeys() {
		loaded.removed[name] = true
	}

	return loaded
}

func loadProfile(name string, s persistence.Section) *CapabilityProfile {
	p := newCapabilityProfile()

	p.SampleCount, _ = s.Int(CountKey, 0)
	p.ValidSampleCount, _ = s.Int(ValidCountKey, 0)
	p.Confirmed, _ = s.Bool(ConfirmedKey, false)
	p.EverConfirmed, _ = s.Bool(EverConfirmedKey, false)
	p.OverridesStaticConfig, _ = s.Bool(OverridesStaticConfigKey, false)

	last := s.Section(LastSection)
	p.LastValue, _ = loadValue(last)
	p.LastTime, _ = converter.Retrieve(last, timeKey, converter.TimeDecoder)

	for _, source := range s.Section(SourcesSection).SectionKeys() {
		p.Sources[source] = true
	}

	window := s.Section(WindowSection)
	keys := window.SectionKeys()
	sort.Slice(keys, func(i, j int) bool {
		a, _ := strconv.Atoi(keys[i])
		b, _ := strconv.Atoi(keys[j])
		return a < b
	})

	for _, k := range keys {
		ws := window.Section(k)

		v, ok := loadValue(ws)
		if !ok {
			continue
		}

		t, _ := converter.Retrieve(ws, timeKey, converter.TimeDecoder)
		source, _ := ws.String("Source", "")

		p.Window = append(p.Window, Observation{Capability: name, Value: v, Source: source, Time: t})
	}

	return p
}

func (st store) savePairing(pairing time.Time, complete bool) {
	if st.s == nil {
		return
	}

	converter.Store(st.s, PairingTimeKey, pairing, converter.TimeEncoder)
	st.s.Set(LearningCompleteKey, complete)
}

func (st store) saveMaintenance(t time.Time) {
	if st.s == nil {
		return
	}

	converter.Store(st.s, LastMaintenanceKey, t, converter.TimeEncoder)
}

func (st store) saveProfile(name string, p *CapabilityProfile) {
	if st.s == nil {
		return
	}

	capabilities := st.s.Section(CapabilitiesSection)
	capabilities.SectionDelete(name)
	s := capabilities.Section(name)

	s.Set(CountKey, p.SampleCount)
	s.Set(ValidCountKey, p.ValidSampleCount)
	s.Set(ConfirmedKey, p.Confirmed)
	s.Set(EverConfirmedKey, p.EverConfirmed)
	s.Set(OverridesStaticConfigKey, p.OverridesStaticConfig)

	if p.LastValue != nil {
		last := s.Section(LastSection)
		storeValue(last, p.LastValue)
		converter.Store(last, timeKey, p.LastTime, converter.TimeEncoder)
	}

	sources := s.Section(SourcesSection)
	for source := range p.Sources {
		sources.Section(source)
	}

	window := s.Section(WindowSection)
	for i, o := range p.Window {
		ws := window.Section(strconv.Itoa(i))
		storeValue(ws, o.Value)
		ws.Set("Source", o.Source)
		converter.Store(ws, timeKey, o.Time, converter.TimeEncoder)
	}
}

func (st store) saveRaw(name string, v any) {
	if st.s == nil {
		return
	}

	raw := st.s.Section(RawSection)
	raw.SectionDelete(name)
	storeValue(raw.Section(name), v)
}

func (st store) saveRemoved(name string, removed bool) {
	if st.s == nil {
		return
	}

	if removed {
		st.s.Section(RemovedSection, name)
	} else {
		st.s.Section(RemovedSection).SectionDelete(name)
	}
}

// storeValue persists a sample value, numbers are stored as floats and booleans under their own key. Other types
// are not persisted.
func storeValue(s persistence.Section, v any) {
	switch value := v.(type) {
	case bool:
		s.Set(boolKey, value)
	case float64:
		s.Set(valueKey, value)
	default:
		if f, ok := asFloat(value); ok {
			s.Set(valueKey, f)
		}
	}
}

func loadValue(s persistence.Section) (any, bool) {
	if f, ok := s.Float(valueKey); ok {
		return f, true
	}

	if b, ok := s.Bool(boolKey); ok {
		return b, true
	}

	return nil, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case int16:
		return float64(n), true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
