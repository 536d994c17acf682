// Package binaryaggregation combines the binary sensors of an area group into
// one binary sensor per device class.
package binaryaggregation

import (
	"sync"

	"go.uber.org/zap"

	"areagroups/internal/entity"
	"areagroups/pkg/plugin"
)

// Platform is the registered platform name.
const Platform = "binary_sensor_aggregation"

func init() {
	plugin.Register(plugin.PlatformInfo{
		Name:        Platform,
		Description: "Per device class binary sensor aggregation",
		Order:       30,
		Factory:     New,
	})
}

// New creates one binary sensor per configured device class.
func New(ctx *plugin.Context) ([]plugin.Entity, error) {
	cfg := ctx.Group.BinarySensorAggregation
	if !cfg.Enabled() {
		return nil, nil
	}
	entities := make([]plugin.Entity, 0, len(cfg.DeviceClasses))
	for _, dc := range cfg.DeviceClasses {
		entities = append(entities, NewSensor(ctx, dc))
	}
	return entities, nil
}

// Sensor is on while any member of its device class is on.
type Sensor struct {
	*entity.Base
	deviceClass string

	mu       sync.Mutex
	entities []string
	on       []string
}

// NewSensor creates the sensor for deviceClass without starting it.
func NewSensor(ctx *plugin.Context, deviceClass string) *Sensor {
	return &Sensor{
		Base:        entity.NewBase(ctx, "binary_sensor", ctx.Registry.Name()+" "+entity.Title(deviceClass)),
		deviceClass: deviceClass,
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

// IsOn reports whether any member is on.
func (s *Sensor) IsOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.on) > 0
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
		entities := s.Context().Registry.GetEntities([]string{"binary_sensor"}, []string{s.deviceClass})
		s.mu.Lock()
		s.entities = entities
		s.mu.Unlock()
		return entities
	}, s.update)
	if err != nil {
		s.Logger().Error("Failed to track binary sensors", zap.Error(err))
	}
	s.update()
}

func (s *Sensor) update() {
	s.mu.Lock()
	on := make([]string, 0, len(s.entities))
	for _, entityID := range s.entities {
		if st, ok := s.Tracked(entityID); ok && st.State == "on" {
			on = append(on, entityID)
		}
	}
	s.on = on
	s.mu.Unlock()

	if err := s.PublishState(s.snapshot); err != nil {
		s.Logger().Error("Failed to publish aggregate", zap.Error(err))
	}
}

func (s *Sensor) snapshot() (string, map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value := "off"
	if len(s.on) > 0 {
		value = "on"
	}
	return value, map[string]interface{}{
		"device_class": s.deviceClass,
		"entity_id":    append([]string{}, s.on...),
	}
}
