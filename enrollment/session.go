package enrollment

import (
	"github.com/shimmeringbee/persistence"
	"github.com/shimmeringbee/persistence/converter"
	"github.com/shimmeringbee/zenroll/admission"
	"github.com/shimmeringbee/zenroll/endpoint"
	"github.com/shimmeringbee/zigbee"
	"sort"
	"strconv"
	"time"
)

const (
	FunctionalEndpointKey = "FunctionalEndpoint"
	ProtocolKindKey       = "ProtocolKind"
	PhaseKey              = "Phase"
	EnrichmentCompleteKey = "EnrichmentComplete"
	MatchLevelKey         = "MatchLevel"
	CreatedAtKey          = "CreatedAt"
	EndpointsSection      = "Endpoints"
	MonitorsSection       = "Monitors"
)

// Session is the persisted enrollment state of one device.
type Session struct {
	FunctionalEndpoint  zigbee.Endpoint
	ProtocolKind        endpoint.ProtocolKind
	Phase               int
	EnrichmentComplete  bool
	MatchLevel          admission.Level
	DiscoveredEndpoints []zigbee.Endpoint
	CreatedAt           time.Time
}

func loadSession(s persistence.Section) Session {
	session := Session{ProtocolKind: endpoint.ProtocolUnknown, MatchLevel: admission.None}

	if v, ok := s.Int(FunctionalEndpointKey); ok {
		session.FunctionalEndpoint = zigbee.Endpoint(v)
	}

	if v, ok := s.String(ProtocolKindKey); ok {
		session.ProtocolKind = endpoint.ProtocolKind(v)
	}

	if v, ok := s.String(MatchLevelKey); ok {
		session.MatchLevel = admission.Level(v)
	}

	session.Phase, _ = s.Int(PhaseKey, 0)
	session.EnrichmentComplete, _ = s.Bool(EnrichmentCompleteKey, false)
	session.CreatedAt, _ = converter.Retrieve(s, CreatedAtKey, converter.TimeDecoder)

	for _, k := range s.Section(EndpointsSection).SectionKeys() {
		if ep, err := strconv.Atoi(k); err == nil {
			session.DiscoveredEndpoints = append(session.DiscoveredEndpoints, zigbee.Endpoint(ep))
		}
	}

	sort.Slice(session.DiscoveredEndpoints, func(i, j int) bool {
		return session.DiscoveredEndpoints[i] < session.DiscoveredEndpoints[j]
	})

	return session
}

// saveSession persists the session. The stored phase and completion flag never move backwards.
func saveSession(s persistence.Section, session Session) Session {
	if stored, _ := s.Int(PhaseKey, 0); stored > session.Phase {
		session.Phase = stored
	}

	if stored, _ := s.Bool(EnrichmentCompleteKey, false); stored {
		session.EnrichmentComplete = true
	}

	s.Set(FunctionalEndpointKey, int(session.FunctionalEndpoint))
	s.Set(ProtocolKindKey, string(session.ProtocolKind))
	s.Set(PhaseKey, session.Phase)
	s.Set(EnrichmentCompleteKey, session.EnrichmentComplete)
	s.Set(MatchLevelKey, string(session.MatchLevel))
	converter.Store(s, CreatedAtKey, session.CreatedAt, converter.TimeEncoder)

	s.SectionDelete(EndpointsSection)
	endpoints := s.Section(EndpointsSection)
	for _, ep := range session.DiscoveredEndpoints {
		endpoints.Section(strconv.Itoa(int(ep)))
	}

	return session
}
