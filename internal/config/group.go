package config

import (
	"areagroups/internal/resolver"
)

// GroupConfig is one area group as configured. Feature blocks are nil when
// absent; a nil or disabled block means the platform is not created.
type GroupConfig struct {
	ID                      string                  `mapstructure:"id"`
	Name                    string                  `mapstructure:"name"`
	Areas                   []string                `mapstructure:"areas"`
	Entities                *EntitySelection        `mapstructure:"entities"`
	Presence                *PresenceConfig         `mapstructure:"presence"`
	SensorAggregation       *AggregationConfig      `mapstructure:"sensor_aggregation"`
	BinarySensorAggregation *AggregationConfig      `mapstructure:"binary_sensor_aggregation"`
	AdaptiveLighting        *AdaptiveLightingConfig `mapstructure:"adaptive_lighting"`
}

// EntitySelection overrides area membership.
type EntitySelection struct {
	Exclude []string `mapstructure:"exclude_entities"`
	Include []string `mapstructure:"include_entities"`
}

// PresenceConfig configures the presence binary sensor.
type PresenceConfig struct {
	Enable bool `mapstructure:"enable"`
	// ClearTimeout is in seconds.
	ClearTimeout int      `mapstructure:"clear_timeout"`
	DeviceClass  string   `mapstructure:"device_class"`
	Domains      []string `mapstructure:"domains"`
	// DeviceClasses limits a domain's members to the listed device classes.
	// Domains without an entry are not filtered. Accepts a map or a list of
	// "domain: class" entries.
	DeviceClasses map[string][]string `mapstructure:"device_classes"`
	StatesOn      []string            `mapstructure:"states_on"`
}

// AggregationConfig configures sensor or binary sensor aggregation.
type AggregationConfig struct {
	Enable        bool     `mapstructure:"enable"`
	DeviceClasses []string `mapstructure:"device_classes"`
}

// AdaptiveLightingConfig configures the adaptive lighting switch. Interval
// and Transition are in seconds.
type AdaptiveLightingConfig struct {
	Enable           bool     `mapstructure:"enable"`
	Entities         []string `mapstructure:"entities"`
	Interval         int      `mapstructure:"interval"`
	Transition       int      `mapstructure:"transition"`
	MinBrightnessPct int      `mapstructure:"min_brightness_pct"`
	MaxBrightnessPct int      `mapstructure:"max_brightness_pct"`
	MinColorTemp     int      `mapstructure:"min_color_temp"`
	MaxColorTemp     int      `mapstructure:"max_color_temp"`
}

// Enabled reports whether the presence sensor should exist.
func (c *PresenceConfig) Enabled() bool { return c != nil && c.Enable }

// Enabled reports whether aggregation entities should exist.
func (c *AggregationConfig) Enabled() bool { return c != nil && c.Enable }

// Enabled reports whether the switch should exist.
func (c *AdaptiveLightingConfig) Enabled() bool { return c != nil && c.Enable }

// DisplayName is the group's name, falling back to its id.
func (g GroupConfig) DisplayName() string {
	if g.Name != "" {
		return g.Name
	}
	return g.ID
}

// Selection converts the group into resolver input.
func (g GroupConfig) Selection() resolver.GroupConfig {
	sel := resolver.GroupConfig{
		AreaIDs: append([]string(nil), g.Areas...),
	}
	if g.Entities != nil {
		sel.ExcludeEntityIDs = append([]string(nil), g.Entities.Exclude...)
		sel.IncludeEntityIDs = append([]string(nil), g.Entities.Include...)
	}
	return sel
}

// Merge overlays options onto data, the way a config entry's options
// override its setup data:
//   - the id always comes from data;
//   - name comes from options when non-empty;
//   - areas and the entities block come from options when present;
//   - each feature block from options replaces the data block wholesale.
func Merge(data, options GroupConfig) GroupConfig {
	out := data
	if options.Name != "" {
		out.Name = options.Name
	}
	if options.Areas != nil {
		out.Areas = options.Areas
	}
	if options.Entities != nil {
		out.Entities = options.Entities
	}
	if options.Presence != nil {
		out.Presence = options.Presence
	}
	if options.SensorAggregation != nil {
		out.SensorAggregation = options.SensorAggregation
	}
	if options.BinarySensorAggregation != nil {
		out.BinarySensorAggregation = options.BinarySensorAggregation
	}
	if options.AdaptiveLighting != nil {
		out.AdaptiveLighting = options.AdaptiveLighting
	}
	return out
}
