// Package presence provides the area group presence binary sensor. It is on
// while any tracked member is in an "on" state and clears after a timeout.
package presence

import (
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"areagroups/internal/clock"
	"areagroups/internal/config"
	"areagroups/internal/entity"
	"areagroups/pkg/plugin"
)

// Platform is the registered platform name.
const Platform = "presence"

func init() {
	plugin.Register(plugin.PlatformInfo{
		Name:        Platform,
		Description: "Area presence binary sensor",
		Order:       10,
		Factory:     New,
	})
}

// New creates the presence sensor when the group enables it.
func New(ctx *plugin.Context) ([]plugin.Entity, error) {
	cfg := ctx.Group.Presence
	if !cfg.Enabled() {
		return nil, nil
	}
	return []plugin.Entity{NewSensor(ctx, *cfg)}, nil
}

// Sensor is the presence binary sensor.
type Sensor struct {
	*entity.Base
	cfg config.PresenceConfig

	mu         sync.Mutex
	entities   []string
	entitiesOn []string
	on         bool
	clearTimer clock.Timer
}

// NewSensor creates the sensor without starting it.
func NewSensor(ctx *plugin.Context, cfg config.PresenceConfig) *Sensor {
	return &Sensor{
		Base: entity.NewBase(ctx, "binary_sensor", ctx.Registry.Name()+" Presence"),
		cfg:  cfg,
	}
}

func (s *Sensor) Start() error {
	s.Claim()
	s.Listen(s.onRegistryUpdated)
	return s.WhenRunning(s.setup)
}

func (s *Sensor) Stop() {
	s.mu.Lock()
	s.stopClearLocked()
	s.mu.Unlock()
	s.Close()
}

// IsOn reports the current presence state.
func (s *Sensor) IsOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

// Entities returns the tracked entity ids.
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
		entities := s.trackedEntities()
		s.mu.Lock()
		s.entities = entities
		s.mu.Unlock()
		s.Logger().Debug("Tracking presence entities", zap.Strings("entities", entities))
		return entities
	}, s.update)
	if err != nil {
		s.Logger().Error("Failed to track presence entities", zap.Error(err))
	}
	s.update()
}

// trackedEntities collects members per configured domain, limited to the
// device classes configured for that domain.
func (s *Sensor) trackedEntities() []string {
	reg := s.Context().Registry
	var result []string
	for _, domain := range s.cfg.Domains {
		result = append(result, reg.GetEntities([]string{domain}, s.cfg.DeviceClasses[domain])...)
	}
	return lo.Uniq(result)
}

func (s *Sensor) update() {
	s.mu.Lock()
	on := make([]string, 0, len(s.entities))
	for _, entityID := range s.entities {
		st, ok := s.Tracked(entityID)
		if ok && lo.Contains(s.cfg.StatesOn, st.State) {
			on = append(on, entityID)
		}
	}
	s.entitiesOn = on

	if len(on) > 0 {
		s.stopClearLocked()
		s.on = true
	} else if s.on && s.clearTimer == nil {
		if s.cfg.ClearTimeout <= 0 {
			s.on = false
		} else {
			timeout := time.Duration(s.cfg.ClearTimeout) * time.Second
			s.clearTimer = s.Context().Clock.AfterFunc(timeout, s.clear)
			s.Logger().Debug("Presence clearing", zap.Duration("timeout", timeout))
		}
	}
	s.mu.Unlock()

	s.publish()
}

func (s *Sensor) clear() {
	s.mu.Lock()
	s.clearTimer = nil
	if len(s.entitiesOn) == 0 {
		s.on = false
	}
	s.mu.Unlock()

	s.publish()
}

func (s *Sensor) stopClearLocked() {
	if s.clearTimer != nil {
		s.clearTimer.Stop()
		s.clearTimer = nil
	}
}

func (s *Sensor) snapshot() (string, map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value := "off"
	if s.on {
		value = "on"
	}
	return value, map[string]interface{}{
		"device_class": s.cfg.DeviceClass,
		"entity_id":    append([]string{}, s.entitiesOn...),
	}
}

func (s *Sensor) publish() {
	if err := s.PublishState(s.snapshot); err != nil {
		s.Logger().Error("Failed to publish presence", zap.Error(err))
	}
}
