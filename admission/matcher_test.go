package admission

import (
	"github.com/shimmeringbee/zenroll/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestMatch(t *testing.T) {
	p := profile.Descriptor{
		Name:    "climate",
		Class:   "sensor",
		Vendors: []string{"_TZE200_abc", "_TYZB01_*"},
		Models:  []string{"TS0601"},
	}

	t.Run("matching ignores case", func(t *testing.T) {
		lower := Match(Identity{Vendor: "_tze200_abc", Model: "ts0601"}, p)
		upper := Match(Identity{Vendor: "_TZE200_ABC", Model: "TS0601"}, p)

		assert.Equal(t, lower.Level, upper.Level)
		assert.Equal(t, MatchResult{Level: Exact, Confidence: 100}, upper)
	})

	t.Run("vendor only is a manufacturer match", func(t *testing.T) {
		assert.Equal(t, MatchResult{Level: Manufacturer, Confidence: 80}, Match(Identity{Vendor: "_TZE200_abc", Model: "TS0201"}, p))
	})

	t.Run("model only is a product id match", func(t *testing.T) {
		assert.Equal(t, MatchResult{Level: ProductID, Confidence: 60}, Match(Identity{Vendor: "_TZE200_xyz", Model: "TS0601"}, p))
	})

	t.Run("nothing in common is none", func(t *testing.T) {
		assert.Equal(t, MatchResult{Level: None, Confidence: 0}, Match(Identity{Vendor: "IKEA of Sweden", Model: "TRADFRI bulb"}, p))
	})

	t.Run("identity without strings returns none rather than failing", func(t *testing.T) {
		assert.Equal(t, None, Match(Identity{}, p).Level)
		assert.Equal(t, None, Match(Identity{Vendor: "_TZE200_abc"}, profile.Descriptor{}).Level)
	})

	t.Run("wildcards match", func(t *testing.T) {
		assert.Equal(t, Exact, Match(Identity{Vendor: "_TYZB01_DQMQ7CGV", Model: "ts0601"}, p).Level)
	})

	t.Run("empty identity fields never match wildcards", func(t *testing.T) {
		assert.Equal(t, None, Match(Identity{}, profile.Descriptor{Vendors: []string{"*"}, Models: []string{"*"}}).Level)
	})
}

func TestAdmit(t *testing.T) {
	c, err := profile.DefaultCatalog()
	require.NoError(t, err)

	t.Run("admits the exact profile for a known device", func(t *testing.T) {
		p, r := Admit(Identity{Vendor: "_TZE200_ar0slwnd", Model: "TS0601"}, c.Profiles, c.Generic())

		assert.Equal(t, "climate_sensor", p.Name)
		assert.Equal(t, MatchResult{Level: Exact, Confidence: 100}, r)
	})

	t.Run("prefers a stronger match in a later profile", func(t *testing.T) {
		profiles := []profile.Descriptor{
			{Name: "model", Class: "sensor", Vendors: []string{"other"}, Models: []string{"TS0601"}},
			{Name: "vendor", Class: "sensor", Vendors: []string{"_TZE200_new"}, Models: []string{"TS0000"}},
		}

		p, r := Admit(Identity{Vendor: "_tze200_new", Model: "TS0601"}, profiles, c.Generic())

		assert.Equal(t, "vendor", p.Name)
		assert.Equal(t, Manufacturer, r.Level)
	})

	t.Run("falls back to the generic profile with none", func(t *testing.T) {
		p, r := Admit(Identity{Vendor: "Philips", Model: "LCT001"}, c.Profiles, c.Generic())

		assert.True(t, p.Generic)
		assert.Equal(t, MatchResult{Level: None, Confidence: 0}, r)
	})
}
