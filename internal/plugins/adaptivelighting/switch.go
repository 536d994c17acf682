// Package adaptivelighting provides the area group switch that follows the
// sun with brightness and color temperature.
package adaptivelighting

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"areagroups/internal/clock"
	"areagroups/internal/config"
	"areagroups/internal/entity"
	"areagroups/internal/sun"
	"areagroups/pkg/plugin"
)

// Platform is the registered platform name.
const Platform = "adaptive_lighting"

func init() {
	plugin.Register(plugin.PlatformInfo{
		Name:        Platform,
		Description: "Sun-following adaptive lighting switch",
		Order:       40,
		Factory:     New,
	})
}

// New creates the switch when the group enables it.
func New(ctx *plugin.Context) ([]plugin.Entity, error) {
	cfg := ctx.Group.AdaptiveLighting
	if !cfg.Enabled() {
		return nil, nil
	}
	return []plugin.Entity{NewSwitch(ctx, *cfg)}, nil
}

// Switch adjusts the group's lights while on.
type Switch struct {
	*entity.Base
	cfg config.AdaptiveLightingConfig

	mu     sync.Mutex
	on     bool
	ready  bool
	lights []string
	last   sun.Lighting
	timer  clock.Timer
}

var _ plugin.Switch = (*Switch)(nil)

// NewSwitch creates the switch without starting it.
func NewSwitch(ctx *plugin.Context, cfg config.AdaptiveLightingConfig) *Switch {
	return &Switch{
		Base: entity.NewBase(ctx, "switch", ctx.Registry.Name()+" Adaptive Lighting"),
		cfg:  cfg,
	}
}

func (s *Switch) Start() error {
	s.Claim()
	return s.WhenRunning(s.restore)
}

func (s *Switch) Stop() {
	s.mu.Lock()
	s.on = false
	s.stopTimerLocked()
	s.mu.Unlock()
	s.Close()
}

// IsOn reports whether adaptive lighting is active.
func (s *Switch) IsOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

// Lights returns the lights the switch currently adjusts.
func (s *Switch) Lights() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lights...)
}

// restore brings the switch back to the state the host last saw.
func (s *Switch) restore() {
	s.mu.Lock()
	s.ready = true
	on := s.on
	s.mu.Unlock()

	if st, ok := s.LastState(); ok && st.State == "on" && !on {
		s.Logger().Info("Restoring adaptive lighting")
		if err := s.TurnOn(); err != nil {
			s.Logger().Error("Failed to restore adaptive lighting", zap.Error(err))
		}
		return
	}
	s.publish()
}

// TurnOn starts adjusting lights. It is a no-op when already on.
func (s *Switch) TurnOn() error {
	s.mu.Lock()
	if s.on {
		s.mu.Unlock()
		return nil
	}
	s.on = true
	s.mu.Unlock()

	s.Listen(s.onRegistryUpdated)
	s.retrack()
	s.tick()
	return nil
}

// TurnOff stops adjusting lights and leaves them as they are.
func (s *Switch) TurnOff() error {
	s.mu.Lock()
	if !s.on {
		s.mu.Unlock()
		return nil
	}
	s.on = false
	s.stopTimerLocked()
	s.mu.Unlock()

	s.Unlisten()
	s.Untrack()
	s.publish()
	return nil
}

func (s *Switch) onRegistryUpdated() error {
	if !s.IsOn() {
		return nil
	}
	s.retrack()
	s.apply()
	return nil
}

// retrack resolves the target lights and follows their states so only lights
// that are on get adjusted. Nothing is tracked once the switch is off.
func (s *Switch) retrack() {
	err := s.Retrack(func() []string {
		if !s.IsOn() {
			return nil
		}
		lights := s.cfg.Entities
		if len(lights) == 0 {
			lights = s.Context().Registry.GetEntities([]string{"light"}, nil)
		}
		lights = append([]string(nil), lights...)

		s.mu.Lock()
		s.lights = lights
		s.mu.Unlock()
		return lights
	}, func() {})
	if err != nil {
		s.Logger().Error("Failed to track lights", zap.Error(err))
	}
}

func (s *Switch) tick() {
	s.mu.Lock()
	if !s.on || s.Stopped() {
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked()
	s.timer = s.Context().Clock.AfterFunc(time.Duration(s.cfg.Interval)*time.Second, s.tick)
	s.mu.Unlock()

	s.apply()
}

func (s *Switch) apply() {
	target := s.Context().Sun.Current(s.cfg.MinBrightnessPct, s.cfg.MaxBrightnessPct, s.cfg.MinColorTemp, s.cfg.MaxColorTemp)

	s.mu.Lock()
	s.last = target
	var active []string
	for _, entityID := range s.lights {
		if st, ok := s.Tracked(entityID); ok && st.State == "on" {
			active = append(active, entityID)
		}
	}
	s.mu.Unlock()

	s.publish()
	if len(active) == 0 {
		return
	}

	err := s.CallService("light", "turn_on", map[string]interface{}{
		"entity_id":         active,
		"brightness_pct":    target.BrightnessPct,
		"color_temp_kelvin": target.ColorTempKelvin,
		"transition":        s.cfg.Transition,
	})
	if err != nil {
		s.Logger().Error("Failed to adjust lights", zap.Error(err))
		return
	}
	s.Logger().Debug("Adjusted lights",
		zap.Strings("lights", active),
		zap.Int("brightness_pct", target.BrightnessPct),
		zap.Int("color_temp_kelvin", target.ColorTempKelvin))
}

func (s *Switch) publish() {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if !ready {
		return
	}
	if err := s.PublishState(s.snapshot); err != nil {
		s.Logger().Error("Failed to publish adaptive lighting", zap.Error(err))
	}
}

func (s *Switch) snapshot() (string, map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value := "off"
	attrs := map[string]interface{}{
		"entity_id": append([]string{}, s.lights...),
	}
	if s.on {
		value = "on"
		attrs["brightness_pct"] = s.last.BrightnessPct
		attrs["color_temp_kelvin"] = s.last.ColorTempKelvin
	}
	return value, attrs
}

func (s *Switch) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
