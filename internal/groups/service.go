// Package groups sets up and tears down configured area groups: one registry
// per group plus the derived entities its platforms create.
package groups

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"areagroups/internal/clock"
	"areagroups/internal/config"
	"areagroups/internal/ha"
	"areagroups/internal/metrics"
	"areagroups/internal/registry"
	"areagroups/internal/state"
	"areagroups/internal/sun"
	"areagroups/pkg/plugin"
)

var (
	ErrGroupExists   = errors.New("group already set up")
	ErrGroupNotFound = errors.New("group not found")
)

// AreaNamer looks up area display names.
type AreaNamer interface {
	AreaName(areaID string) (string, bool)
}

// Options holds the shared services every group is built from. Areas is
// optional; without it group summaries carry area ids only.
type Options struct {
	Client    ha.HAClient
	Areas     AreaNamer
	Manager   *registry.Manager
	Store     *state.Store
	Clock     clock.Clock
	Sun       *sun.Calculator
	Metrics   *metrics.Metrics
	Platforms *plugin.Registry
	Logger    *zap.Logger
	ReadOnly  bool
}

// Group is one set-up area group.
type Group struct {
	Config   config.GroupConfig
	Registry *registry.Registry
	Entities []plugin.Entity

	areas AreaNamer
}

// Info is a read-only summary of a group. Claimed lists the derived entity
// ids kept out of Members.
type Info struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Status    string            `json:"status"`
	Areas     []string          `json:"areas"`
	AreaNames map[string]string `json:"area_names,omitempty"`
	Members   []string          `json:"members"`
	Claimed   []string          `json:"claimed,omitempty"`
	Entities  []string          `json:"entities"`
}

// Info summarizes the group.
func (g *Group) Info() Info {
	derived := make([]string, 0, len(g.Entities))
	for _, e := range g.Entities {
		derived = append(derived, e.EntityID())
	}
	info := Info{
		ID:       g.Config.ID,
		Name:     g.Config.DisplayName(),
		Status:   g.Registry.Status().String(),
		Areas:    append([]string{}, g.Config.Areas...),
		Members:  append([]string{}, g.Registry.Entities()...),
		Claimed:  g.Registry.Claimed(),
		Entities: derived,
	}
	if g.areas != nil {
		for _, areaID := range g.Config.Areas {
			name, ok := g.areas.AreaName(areaID)
			if !ok {
				continue
			}
			if info.AreaNames == nil {
				info.AreaNames = make(map[string]string, len(g.Config.Areas))
			}
			info.AreaNames[areaID] = name
		}
	}
	return info
}

// Service owns every set-up group.
type Service struct {
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	groups map[string]*Group
}

// NewService creates a service with no groups. A nil Platforms uses the
// global platform registry.
func NewService(opts Options) *Service {
	if opts.Platforms == nil {
		opts.Platforms = plugin.Global()
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	return &Service{
		opts:   opts,
		logger: opts.Logger.Named("groups"),
		groups: make(map[string]*Group),
	}
}

// SetupAll sets up each group, continuing past failures.
func (s *Service) SetupAll(cfgs []config.GroupConfig) error {
	var errs []error
	for _, cfg := range cfgs {
		if err := s.Setup(cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Setup acquires the group's registry, creates its platform entities and
// starts them. An entity that fails to start is stopped and dropped; the
// rest of the group stays up.
func (s *Service) Setup(cfg config.GroupConfig) error {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[cfg.ID]; exists {
		return fmt.Errorf("%w: %s", ErrGroupExists, cfg.ID)
	}

	reg, err := s.opts.Manager.Acquire(registry.GroupSpec{
		ID:        cfg.ID,
		Name:      cfg.DisplayName(),
		Selection: cfg.Selection(),
	})
	if err != nil {
		return fmt.Errorf("failed to set up group %s: %w", cfg.ID, err)
	}

	logger := s.logger.With(zap.String("group", cfg.ID))
	ctx := &plugin.Context{
		Group:    cfg,
		Registry: reg,
		Client:   s.opts.Client,
		Store:    s.opts.Store,
		Clock:    s.opts.Clock,
		Sun:      s.opts.Sun,
		Metrics:  s.opts.Metrics,
		Logger:   logger,
		ReadOnly: s.opts.ReadOnly,
	}

	created, err := s.opts.Platforms.CreateAll(ctx)
	if err != nil {
		if relErr := s.opts.Manager.Release(cfg.ID); relErr != nil {
			logger.Warn("Failed to release registry", zap.Error(relErr))
		}
		return fmt.Errorf("failed to set up group %s: %w", cfg.ID, err)
	}

	started := make([]plugin.Entity, 0, len(created))
	for _, e := range created {
		if err := e.Start(); err != nil {
			logger.Error("Failed to start entity",
				zap.String("entity_id", e.EntityID()),
				zap.Error(err))
			e.Stop()
			continue
		}
		started = append(started, e)
	}

	s.groups[cfg.ID] = &Group{Config: cfg, Registry: reg, Entities: started, areas: s.opts.Areas}
	logger.Info("Group set up",
		zap.Int("members", len(reg.Entities())),
		zap.Int("entities", len(started)))
	return nil
}

// Unload stops the group's entities in reverse order and releases its
// registry.
func (s *Service) Unload(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unloadLocked(id)
}

func (s *Service) unloadLocked(id string) error {
	g, ok := s.groups[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	delete(s.groups, id)

	for i := len(g.Entities) - 1; i >= 0; i-- {
		g.Entities[i].Stop()
	}
	if err := s.opts.Manager.Release(id); err != nil {
		return fmt.Errorf("failed to release group %s: %w", id, err)
	}
	s.logger.Info("Group unloaded", zap.String("group", id))
	return nil
}

// Reload replaces a group with cfg, setting it up if it did not exist.
func (s *Service) Reload(cfg config.GroupConfig) error {
	s.mu.Lock()
	if _, ok := s.groups[cfg.ID]; ok {
		if err := s.unloadLocked(cfg.ID); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()
	return s.Setup(cfg)
}

// Close unloads every group.
func (s *Service) Close() {
	for _, id := range s.IDs() {
		if err := s.Unload(id); err != nil {
			s.logger.Warn("Failed to unload group", zap.String("group", id), zap.Error(err))
		}
	}
}

// IDs returns the ids of set-up groups, sorted.
func (s *Service) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.groups))
	for id := range s.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Group returns the set-up group id.
func (s *Service) Group(id string) (*Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	return g, ok
}

// Groups returns every set-up group sorted by id.
func (s *Service) Groups() []*Group {
	ids := s.IDs()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Group, 0, len(ids))
	for _, id := range ids {
		if g, ok := s.groups[id]; ok {
			out = append(out, g)
		}
	}
	return out
}

// Switch finds a derived switch by entity id.
func (s *Service) Switch(entityID string) (plugin.Switch, bool) {
	for _, g := range s.Groups() {
		for _, e := range g.Entities {
			if e.EntityID() != entityID {
				continue
			}
			sw, ok := e.(plugin.Switch)
			return sw, ok
		}
	}
	return nil, false
}
