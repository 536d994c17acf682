// Package sensoraggregation combines the numeric sensors of an area group into
// one sensor per device class.
package sensoraggregation

import (
	"math"
	"strconv"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"areagroups/internal/entity"
	"areagroups/pkg/plugin"
)

// Platform is the registered platform name.
const Platform = "sensor_aggregation"

// StateUnknown is published when no member has a numeric value.
const StateUnknown = "unknown"

// SumDeviceClasses are added up; every other class is averaged.
var SumDeviceClasses = []string{"current", "energy", "power"}

func init() {
	plugin.Register(plugin.PlatformInfo{
		Name:        Platform,
		Description: "Per device class sensor aggregation",
		Order:       20,
		Factory:     New,
	})
}

// New creates one sensor per configured device class.
func New(ctx *plugin.Context) ([]plugin.Entity, error) {
	cfg := ctx.Group.SensorAggregation
	if !cfg.Enabled() {
		return nil, nil
	}
	entities := make([]plugin.Entity, 0, len(cfg.DeviceClasses))
	for _, dc := range cfg.DeviceClasses {
		entities = append(entities, NewSensor(ctx, dc))
	}
	return entities, nil
}

// Sensor aggregates sensors of one device class.
type Sensor struct {
	*entity.Base
	deviceClass string

	mu       sync.Mutex
	entities []string
	value    string
	unit     string
}

// NewSensor creates the sensor for deviceClass without starting it.
func NewSensor(ctx *plugin.Context, deviceClass string) *Sensor {
	return &Sensor{
		Base:        entity.NewBase(ctx, "sensor", ctx.Registry.Name()+" "+entity.Title(deviceClass)),
		deviceClass: deviceClass,
		value:       StateUnknown,
	}
}

func (s *Sensor) Start() error {
	s.Claim()
	s.Listen(s.onRegistryUpdated)
	return s.WhenRunning(s.setup)
}

func (s *Sensor) Stop() {
	s.Close()
}

// DeviceClass returns the aggregated device class.
func (s *Sensor) DeviceClass() string { return s.deviceClass }

// Value returns the last computed state.
func (s *Sensor) Value() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Unit returns the unit taken from the first member with a state.
func (s *Sensor) Unit() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unit
}

// Entities returns the aggregated entity ids.
func (s *Sensor) Entities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.entities...)
}

func (s *Sensor) onRegistryUpdated() error {
	s.setup()
	return nil
}

func (s *Sensor) setup() {
	err := s.Retrack(func() []string {
		entities := s.Context().Registry.GetEntities([]string{"sensor"}, []string{s.deviceClass})
		s.mu.Lock()
		s.entities = entities
		s.mu.Unlock()
		return entities
	}, s.update)
	if err != nil {
		s.Logger().Error("Failed to track sensors", zap.Error(err))
	}
	s.update()
}

func (s *Sensor) update() {
	s.mu.Lock()
	var values []float64
	unit := ""
	unitSet := false
	for _, entityID := range s.entities {
		st, ok := s.Tracked(entityID)
		if !ok {
			continue
		}
		if !unitSet {
			unit = st.Attribute("unit_of_measurement")
			unitSet = true
		}
		if v, ok := Numeric(st.State); ok {
			values = append(values, v)
		}
	}
	s.value = Aggregate(s.deviceClass, values)
	s.unit = unit
	s.mu.Unlock()

	if err := s.PublishState(s.snapshot); err != nil {
		s.Logger().Error("Failed to publish aggregate", zap.Error(err))
	}
}

func (s *Sensor) snapshot() (string, map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs := map[string]interface{}{
		"device_class": s.deviceClass,
		"entity_id":    append([]string{}, s.entities...),
	}
	if s.unit != "" {
		attrs["unit_of_measurement"] = s.unit
	}
	return s.value, attrs
}

// Numeric parses a sensor state. unavailable, unknown and non-numeric states
// are skipped.
func Numeric(state string) (float64, bool) {
	switch state {
	case "", "unavailable", "unknown":
		return 0, false
	}
	v, err := strconv.ParseFloat(state, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Aggregate sums or averages values for deviceClass, rounded to two decimals.
func Aggregate(deviceClass string, values []float64) string {
	if len(values) == 0 {
		return StateUnknown
	}
	result := lo.Sum(values)
	if !lo.Contains(SumDeviceClasses, deviceClass) {
		result /= float64(len(values))
	}
	return strconv.FormatFloat(math.Round(result*100)/100, 'f', -1, 64)
}
