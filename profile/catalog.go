package profile

import (
	_ "embed"
	"errors"
	"fmt"
	"github.com/go-playground/validator/v10"
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zigbee"
	"gopkg.in/yaml.v3"
	"io/fs"
	"math"
	"strings"
)

var ErrUnknownCapability = errors.New("unknown capability")

//go:embed catalog.yaml
var defaultCatalog []byte

type Kind string

const (
	Numeric Kind = "numeric"
	Boolean Kind = "boolean"
)

// AttributeSource identifies a ZCL attribute which reports a capability, Scale is applied to the raw value.
type AttributeSource struct {
	Cluster   uint16  `yaml:"cluster"`
	Attribute uint16  `yaml:"attribute"`
	Scale     float64 `yaml:"scale"`
}

func (a AttributeSource) ClusterID() zigbee.ClusterID {
	return zigbee.ClusterID(a.Cluster)
}

func (a AttributeSource) AttributeID() zcl.AttributeID {
	return zcl.AttributeID(a.Attribute)
}

// Apply scales a raw numeric attribute value, anything else is returned unchanged.
func (a AttributeSource) Apply(value any) any {
	if a.Scale == 0 {
		return value
	}

	if f, ok := toFloat(value); ok {
		return f * a.Scale
	}

	return value
}

// CapabilityDefinition describes a manageable capability, where its data can come from and what values are plausible.
type CapabilityDefinition struct {
	Name       string            `yaml:"name" validate:"required"`
	Category   string            `yaml:"category" validate:"required,oneof=environment power presence alarm control"`
	Kind       Kind              `yaml:"kind" validate:"required,oneof=numeric boolean"`
	Datapoints []int             `yaml:"datapoints" validate:"dive,min=1,max=255"`
	Attributes []AttributeSource `yaml:"attributes" validate:"dive"`
	Min        *float64          `yaml:"min"`
	Max        *float64          `yaml:"max"`
	Invalid    []float64         `yaml:"invalid"`
}

// Descriptor is the static configuration of a device profile.
type Descriptor struct {
	Name            string   `yaml:"name" validate:"required"`
	Class           string   `yaml:"class" validate:"required"`
	Vendors         []string `yaml:"vendors" validate:"required_without=Generic"`
	Models          []string `yaml:"models"`
	AssumedAbsent   []string `yaml:"assumed_absent"`
	Capabilities    []string `yaml:"capabilities"`
	Critical        []string `yaml:"critical"`
	Blocked         []string `yaml:"blocked"`
	PreferDatapoint bool     `yaml:"prefer_datapoint"`
	Generic         bool     `yaml:"generic"`
}

func (d Descriptor) AssumesAbsent(capability string) bool {
	return containsFold(d.AssumedAbsent, capability)
}

func (d Descriptor) Blocks(capability string) bool {
	return containsFold(d.Blocked, capability)
}

// Catalog is immutable once loaded and is shared by every device.
type Catalog struct {
	Critical     []string               `yaml:"critical"`
	Capabilities []CapabilityDefinition `yaml:"capabilities" validate:"required,dive"`
	Profiles     []Descriptor           `yaml:"profiles" validate:"dive"`

	byName map[string]int
}

// DefaultCatalog returns the catalog embedded in the binary.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads and parses a catalog from a filesystem.
func LoadCatalog(fsys fs.FS, path string) (*Catalog, error) {
	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}

	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	c := &Catalog{}

	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// Validate checks struct constraints and cross references, and indexes capabilities by name.
func (c *Catalog) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("catalog validation failed: %w", err)
	}

	c.byName = make(map[string]int, len(c.Capabilities))

	for i, def := range c.Capabilities {
		name := strings.ToLower(def.Name)

		if _, found := c.byName[name]; found {
			return fmt.Errorf("catalog validation failed: duplicate capability %s", def.Name)
		}

		if def.Min != nil && def.Max != nil && *def.Max < *def.Min {
			return fmt.Errorf("catalog validation failed: capability %s has max below min", def.Name)
		}

		c.byName[name] = i
	}

	generics := 0

	for _, p := range c.Profiles {
		if p.Generic {
			generics++
		}

		for _, name := range p.Capabilities {
			if _, found := c.byName[strings.ToLower(name)]; !found {
				return fmt.Errorf("catalog validation failed: profile %s: %w: %s", p.Name, ErrUnknownCapability, name)
			}
		}
	}

	if generics > 1 {
		return fmt.Errorf("catalog validation failed: %d generic profiles, at most one allowed", generics)
	}

	return nil
}

func (c *Catalog) Capability(name string) (CapabilityDefinition, error) {
	if i, found := c.byName[strings.ToLower(name)]; found {
		return c.Capabilities[i], nil
	}

	return CapabilityDefinition{}, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
}

// Manageable returns the capability definitions a profile manages, every catalog capability if the profile does not
// restrict them.
func (c *Catalog) Manageable(d Descriptor) []CapabilityDefinition {
	if len(d.Capabilities) == 0 {
		return c.Capabilities
	}

	var defs []CapabilityDefinition

	for _, name := range d.Capabilities {
		if def, err := c.Capability(name); err == nil {
			defs = append(defs, def)
		}
	}

	return defs
}

// DatapointCapabilities returns every definition within the set which lists the datapoint. Datapoint ids are
// vendor specific, so several capabilities may claim the same one.
func DatapointCapabilities(defs []CapabilityDefinition, dp int) []CapabilityDefinition {
	var found []CapabilityDefinition

	for _, def := range defs {
		for _, candidate := range def.Datapoints {
			if candidate == dp {
				found = append(found, def)
				break
			}
		}
	}

	return found
}

type AttributeMatch struct {
	Definition CapabilityDefinition
	Source     AttributeSource
}

// AttributeCapabilities returns every definition within the set reported by the cluster and attribute.
func AttributeCapabilities(defs []CapabilityDefinition, cluster zigbee.ClusterID, attribute zcl.AttributeID) []AttributeMatch {
	var found []AttributeMatch

	for _, def := range defs {
		for _, src := range def.Attributes {
			if src.ClusterID() == cluster && src.AttributeID() == attribute {
				found = append(found, AttributeMatch{Definition: def, Source: src})
			}
		}
	}

	return found
}

// IsCritical reports if a capability must never be removed automatically from a device with the profile.
func (c *Catalog) IsCritical(d Descriptor, capability string) bool {
	return containsFold(c.Critical, capability) || containsFold(d.Critical, capability)
}

// Generic returns the fallback profile used when no profile admits a device.
func (c *Catalog) Generic() Descriptor {
	for _, p := range c.Profiles {
		if p.Generic {
			return p
		}
	}

	return Descriptor{Name: "generic", Class: "other", Generic: true}
}

// Normalise validates a sample against the definition. Numbers of any width are converted to float64, booleans
// are passed through. Sentinels, NaN, nil and out of range values are rejected.
func (def CapabilityDefinition) Normalise(value any) (any, bool) {
	switch def.Kind {
	case Boolean:
		if b, ok := value.(bool); ok {
			return b, true
		}

		if f, ok := toFloat(value); ok && !math.IsNaN(f) {
			return f != 0, true
		}

		return nil, false
	default:
		f, ok := toFloat(value)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}

		for _, sentinel := range def.Invalid {
			if f == sentinel {
				return nil, false
			}
		}

		if def.Min != nil && f < *def.Min {
			return nil, false
		}

		if def.Max != nil && f > *def.Max {
			return nil, false
		}

		return f, true
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}

	return false
}
