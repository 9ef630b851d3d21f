package enrollment

import (
	"context"
	"fmt"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/zcl"
	"github.com/shimmeringbee/zenroll/attribute"
	"github.com/shimmeringbee/zenroll/endpoint"
	"github.com/shimmeringbee/zenroll/profile"
	"github.com/shimmeringbee/zenroll/rules"
	"github.com/shimmeringbee/zigbee"
	"sort"
	"strings"
)

const (
	ReportingMinimumSecondsSetting = "ReportingMinimumSeconds"
	ReportingMaximumSecondsSetting = "ReportingMaximumSeconds"
)

func rulesInput(a Association, m endpoint.Map, kind endpoint.ProtocolKind) rules.Input {
	input := rules.Input{
		Identity: rules.InputIdentity{Vendor: a.Identity.Vendor, Model: a.Identity.Model},
		Protocol: string(kind),
		Endpoint: map[int]rules.InputEndpoint{},
	}

	for id, desc := range m {
		var in, out []int

		for _, c := range desc.InClusterList {
			in = append(in, int(c))
		}

		for _, c := range desc.OutClusterList {
			out = append(out, int(c))
		}

		input.Endpoint[int(id)] = rules.InputEndpoint{
			ID:          int(id),
			ProfileID:   int(desc.ProfileID),
			DeviceID:    int(desc.DeviceID),
			InClusters:  in,
			OutClusters: out,
		}
	}

	return input
}

// applyRules evaluates the capability rules against every endpoint, adding capabilities the profile manages and
// has not excluded. The settings produced for each endpoint are returned.
func (c *Coordinator) applyRules(ctx context.Context, a Association, m endpoint.Map, d endpoint.Discovery) map[zigbee.Endpoint]rules.Settings {
	settings := map[zigbee.Endpoint]rules.Settings{}

	if c.rules == nil {
		return settings
	}

	input := rulesInput(a, m, endpoint.Classify(d))
	manageable := manageableNames(c.catalog.Manageable(a.Profile))

	for _, ep := range m.Sorted() {
		input.Self = int(ep)

		out, err := c.rules.Execute(input)
		if err != nil {
			c.logger.Warn(ctx, "Failed to execute capability rules.", logwrap.Datum("Endpoint", ep), logwrap.Err(err))
			continue
		}

		settings[ep] = out.Settings

		for _, name := range sortedCapabilities(out.Capabilities) {
			if !manageable[strings.ToLower(name)] || a.Profile.AssumesAbsent(name) || a.Profile.Blocks(name) || c.host.HasCapability(name) {
				continue
			}

			if err := c.host.AddCapability(ctx, name); err != nil {
				c.logger.Warn(ctx, "Failed to add rule capability.", logwrap.Datum("Capability", name), logwrap.Err(err))
				continue
			}

			c.logger.Info(ctx, "Added capability from rules.", logwrap.Datum("Capability", name), logwrap.Datum("Endpoint", ep))
		}
	}

	return settings
}

func manageableNames(defs []profile.CapabilityDefinition) map[string]bool {
	names := map[string]bool{}

	for _, def := range defs {
		names[strings.ToLower(def.Name)] = true
	}

	return names
}

func sortedCapabilities(m map[string]map[string]interface{}) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}

	sort.Strings(names)
	return names
}

type readTarget struct {
	endpoint  zigbee.Endpoint
	cluster   zigbee.ClusterID
	attribute zcl.AttributeID
}

func (p readTarget) key() string {
	return fmt.Sprintf("%d-%04x-%04x", p.endpoint, p.cluster, p.attribute)
}

// readTargets lists every catalog attribute the profile manages which the device exposes, each attribute once.
func readTargets(defs []profile.CapabilityDefinition, m endpoint.Map) []readTarget {
	seen := map[readTarget]bool{}
	var targets []readTarget

	for _, def := range defs {
		for _, src := range def.Attributes {
			for _, ep := range m.WithCluster(src.ClusterID()) {
				t := readTarget{endpoint: ep, cluster: src.ClusterID(), attribute: src.AttributeID()}
				if seen[t] {
					continue
				}

				seen[t] = true
				targets = append(targets, t)
			}
		}
	}

	sort.Slice(targets, func(i, j int) bool {
		return targets[i].key() < targets[j].key()
	})

	return targets
}

// readManagedAttributes reads each manageable attribute once, feeding what the device returns into learning, and then
// monitors it. Attributes the device does not return are not monitored.
func (c *Coordinator) readManagedAttributes(ctx context.Context, a Association, m endpoint.Map, settings map[zigbee.Endpoint]rules.Settings) {
	monitors := c.section.Section(MonitorsSection)

	for _, t := range readTargets(c.catalog.Manageable(a.Profile), m) {
		reads, err := c.channel.ReadAttributes(ctx, t.endpoint, t.cluster, []zcl.AttributeID{t.attribute})
		if err != nil {
			c.logger.Debug(ctx, "Attribute read failed.", logwrap.Datum("Endpoint", t.endpoint), logwrap.Datum("Cluster", t.cluster), logwrap.Datum("Attribute", t.attribute), logwrap.Err(err))
			continue
		}

		value, found := reads[t.attribute]
		if !found {
			continue
		}

		if c.learner != nil {
			c.learner.RecordAttribute(ctx, t.cluster, t.attribute, value.Value)
		}

		key := t.key()

		c.m.Lock()
		_, attached := c.monitors[key]
		c.m.Unlock()

		if attached {
			continue
		}

		s := settings[t.endpoint]

		mon := c.newMonitor()
		mon.Init(monitors.Section(key), c.channel, c.attributeCallback(t.cluster))

		if err := mon.Attach(ctx, t.endpoint, t.cluster, t.attribute, value.DataType, attribute.ReportingConfig{
			Mode:            attribute.AttemptConfigureReporting,
			MinimumInterval: s.Seconds(ReportingMinimumSecondsSetting, c.config.ReportingMinimum),
			MaximumInterval: s.Seconds(ReportingMaximumSecondsSetting, c.config.ReportingMaximum),
		}, attribute.PollingConfig{
			Mode:     attribute.PollIfReportingFailed,
			Interval: c.config.PollInterval,
		}); err != nil {
			c.logger.Warn(ctx, "Failed to attach attribute monitor.", logwrap.Datum("Monitor", key), logwrap.Err(err))
			continue
		}

		c.m.Lock()
		c.monitors[key] = mon
		c.m.Unlock()
	}
}

func (c *Coordinator) attributeCallback(cluster zigbee.ClusterID) attribute.MonitorCallback {
	return func(id zcl.AttributeID, value zcl.AttributeDataTypeValue) {
		if c.learner != nil {
			c.learner.RecordAttribute(context.Background(), cluster, id, value.Value)
		}
	}
}

// Monitors returns the keys of every attached attribute monitor.
func (c *Coordinator) Monitors() []string {
	c.m.Lock()
	defer c.m.Unlock()

	keys := make([]string, 0, len(c.monitors))
	for k := range c.monitors {
		keys = append(keys, k)
	}

	sort.Strings(keys)
	return keys
}
