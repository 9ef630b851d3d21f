package admission

import (
	"github.com/shimmeringbee/zenroll/metrics"
	"github.com/shimmeringbee/zenroll/profile"
	"github.com/shimmeringbee/zigbee"
	"path"
	"strings"
)

// Identity is how a device describes itself at association, it does not change afterwards.
type Identity struct {
	Vendor  string
	Model   string
	Address zigbee.IEEEAddress
}

type Level string

const (
	Exact        Level = "exact"
	Manufacturer Level = "manufacturer"
	ProductID    Level = "productId"
	None         Level = "none"
)

// Confidence returns the fixed confidence of a match level.
func (l Level) Confidence() int {
	switch l {
	case Exact:
		return 100
	case Manufacturer:
		return 80
	case ProductID:
		return 60
	default:
		return 0
	}
}

type MatchResult struct {
	Level      Level
	Confidence int
}

func result(l Level) MatchResult {
	return MatchResult{Level: l, Confidence: l.Confidence()}
}

// Match decides how well a device's identity fits a profile. Only identity strings are used, comparison ignores
// case and profile entries may contain shell wildcards.
func Match(identity Identity, descriptor profile.Descriptor) MatchResult {
	vendor := matchesAny(descriptor.Vendors, identity.Vendor)
	model := matchesAny(descriptor.Models, identity.Model)

	switch {
	case vendor && model:
		return result(Exact)
	case vendor:
		return result(Manufacturer)
	case model:
		return result(ProductID)
	default:
		return result(None)
	}
}

// Admit tests the identity against every profile and returns the best match. Earlier profiles win ties. If nothing
// matches the generic profile is returned with a none result, devices are never refused outright.
func Admit(identity Identity, profiles []profile.Descriptor, generic profile.Descriptor) (profile.Descriptor, MatchResult) {
	best := result(None)
	chosen := generic

	for _, p := range profiles {
		if p.Generic {
			continue
		}

		if r := Match(identity, p); r.Confidence > best.Confidence {
			best = r
			chosen = p
		}
	}

	metrics.Admissions.WithLabelValues(string(best.Level)).Inc()

	return chosen, best
}

func matchesAny(patterns []string, value string) bool {
	value = strings.ToLower(strings.TrimSpace(value))

	if value == "" {
		return false
	}

	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))

		if p == value {
			return true
		}

		if strings.ContainsAny(p, "*?[") {
			if ok, err := path.Match(p, value); err == nil && ok {
				return true
			}
		}
	}

	return false
}
