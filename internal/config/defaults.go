package config

import (
	"errors"
	"fmt"

	"github.com/samber/lo"
)

// Device classes the aggregation platforms know how to combine.
var (
	SensorDeviceClasses       = []string{"current", "energy", "humidity", "illuminance", "power", "temperature"}
	BinarySensorDeviceClasses = []string{"door", "garage_door", "motion", "moisture", "occupancy", "opening", "presence", "window"}
	PresenceDeviceClasses     = []string{"motion", "occupancy", "presence"}
)

// Presence sources: the domains presence can follow and the device classes
// each filterable domain offers.
var (
	PresenceDomains       = []string{"binary_sensor", "media_player", "person"}
	PresenceSourceClasses = map[string][]string{
		"binary_sensor": {
			"battery", "battery_charging", "carbon_monoxide", "cold", "connectivity", "door",
			"garage_door", "gas", "heat", "light", "lock", "moisture", "motion", "moving",
			"occupancy", "opening", "plug", "power", "presence", "problem", "running", "safety",
			"smoke", "sound", "tamper", "update", "vibration", "window",
		},
		"media_player": {"receiver", "speaker", "tv"},
	}
)

// Presence defaults.
var (
	DefaultPresenceDomains = []string{"binary_sensor"}
	DefaultPresenceStates  = []string{"on", "playing", "home", "open"}
)

// DefaultPresenceDeviceClasses returns the default per-domain filter.
func DefaultPresenceDeviceClasses() map[string][]string {
	return map[string][]string{
		"binary_sensor": append([]string(nil), PresenceDeviceClasses...),
	}
}

const (
	DefaultPresenceDeviceClass = "occupancy"

	DefaultLightingInterval   = 60
	DefaultLightingTransition = 60
	DefaultMinBrightnessPct   = 1
	DefaultMaxBrightnessPct   = 100
	DefaultMinColorTemp       = 2200
	DefaultMaxColorTemp       = 6500

	minKelvin = 2200
	maxKelvin = 6500
)

// DefaultAdaptiveLighting returns an adaptive lighting block with every default set.
func DefaultAdaptiveLighting() *AdaptiveLightingConfig {
	return &AdaptiveLightingConfig{
		Interval:         DefaultLightingInterval,
		Transition:       DefaultLightingTransition,
		MinBrightnessPct: DefaultMinBrightnessPct,
		MaxBrightnessPct: DefaultMaxBrightnessPct,
		MinColorTemp:     DefaultMinColorTemp,
		MaxColorTemp:     DefaultMaxColorTemp,
	}
}

// ApplyDefaults fills zero-valued fields of every present feature block.
// Transition is left alone since zero is a valid setting.
func (g *GroupConfig) ApplyDefaults() {
	if p := g.Presence; p != nil {
		if p.DeviceClass == "" {
			p.DeviceClass = DefaultPresenceDeviceClass
		}
		if len(p.Domains) == 0 {
			p.Domains = append([]string(nil), DefaultPresenceDomains...)
		}
		if len(p.DeviceClasses) == 0 {
			p.DeviceClasses = DefaultPresenceDeviceClasses()
		}
		if len(p.StatesOn) == 0 {
			p.StatesOn = append([]string(nil), DefaultPresenceStates...)
		}
	}
	if a := g.SensorAggregation; a != nil && len(a.DeviceClasses) == 0 {
		a.DeviceClasses = append([]string(nil), SensorDeviceClasses...)
	}
	if a := g.BinarySensorAggregation; a != nil && len(a.DeviceClasses) == 0 {
		a.DeviceClasses = append([]string(nil), BinarySensorDeviceClasses...)
	}
	if l := g.AdaptiveLighting; l != nil {
		if l.Interval <= 0 {
			l.Interval = DefaultLightingInterval
		}
		if l.MinBrightnessPct == 0 {
			l.MinBrightnessPct = DefaultMinBrightnessPct
		}
		if l.MaxBrightnessPct == 0 {
			l.MaxBrightnessPct = DefaultMaxBrightnessPct
		}
		if l.MinColorTemp == 0 {
			l.MinColorTemp = DefaultMinColorTemp
		}
		if l.MaxColorTemp == 0 {
			l.MaxColorTemp = DefaultMaxColorTemp
		}
	}
}

// FieldError is a single validation failure. Reason is a stable key such as
// "min_brightness_pct_high".
type FieldError struct {
	Group  string
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("group %q: %s: %s", e.Group, e.Field, e.Reason)
}

// Validate checks a group after defaults have been applied.
func (g GroupConfig) Validate() error {
	var errs []error
	fail := func(field, reason string) {
		errs = append(errs, &FieldError{Group: g.ID, Field: field, Reason: reason})
	}

	if g.ID == "" {
		fail("id", "required")
	}

	if p := g.Presence; p != nil {
		if p.ClearTimeout < 0 {
			fail("presence.clear_timeout", "negative")
		}
		if !lo.Contains(PresenceDeviceClasses, p.DeviceClass) {
			fail("presence.device_class", "unknown_device_class")
		}
		for _, domain := range p.Domains {
			if !lo.Contains(PresenceDomains, domain) {
				fail("presence.domains", "unknown_domain")
			}
		}
		for domain, classes := range p.DeviceClasses {
			known, ok := PresenceSourceClasses[domain]
			if !ok {
				fail("presence.device_classes", "unknown_domain")
				continue
			}
			for _, dc := range classes {
				if !lo.Contains(known, dc) {
					fail("presence.device_classes", "unknown_device_class")
				}
			}
		}
	}

	if a := g.SensorAggregation; a != nil {
		for _, dc := range a.DeviceClasses {
			if !lo.Contains(SensorDeviceClasses, dc) {
				fail("sensor_aggregation.device_classes", "unknown_device_class")
			}
		}
	}
	if a := g.BinarySensorAggregation; a != nil {
		for _, dc := range a.DeviceClasses {
			if !lo.Contains(BinarySensorDeviceClasses, dc) {
				fail("binary_sensor_aggregation.device_classes", "unknown_device_class")
			}
		}
	}

	if l := g.AdaptiveLighting; l != nil {
		if l.Interval <= 0 {
			fail("adaptive_lighting.interval", "out_of_range")
		}
		if l.Transition < 0 {
			fail("adaptive_lighting.transition", "negative")
		}
		if l.MinBrightnessPct < 1 || l.MinBrightnessPct > 100 {
			fail("adaptive_lighting.min_brightness_pct", "out_of_range")
		}
		if l.MaxBrightnessPct < 1 || l.MaxBrightnessPct > 100 {
			fail("adaptive_lighting.max_brightness_pct", "out_of_range")
		}
		if l.MinBrightnessPct > l.MaxBrightnessPct {
			fail("adaptive_lighting.min_brightness_pct", "min_brightness_pct_high")
		}
		if l.MinColorTemp < minKelvin || l.MinColorTemp > maxKelvin {
			fail("adaptive_lighting.min_color_temp", "out_of_range")
		}
		if l.MaxColorTemp < minKelvin || l.MaxColorTemp > maxKelvin {
			fail("adaptive_lighting.max_color_temp", "out_of_range")
		}
		if l.MinColorTemp > l.MaxColorTemp {
			fail("adaptive_lighting.min_color_temp", "min_color_temp_high")
		}
	}

	return errors.Join(errs...)
}

// ValidateAll validates every group and rejects duplicate ids.
func ValidateAll(groups []GroupConfig) error {
	var errs []error
	seen := make(map[string]bool, len(groups))
	for _, g := range groups {
		if err := g.Validate(); err != nil {
			errs = append(errs, err)
		}
		if g.ID != "" && seen[g.ID] {
			errs = append(errs, &FieldError{Group: g.ID, Field: "id", Reason: "duplicate"})
		}
		seen[g.ID] = true
	}
	return errors.Join(errs...)
}
