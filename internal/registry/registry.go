// Package registry holds the per-group resolved entity list and fans out
// change notifications to the derived entities that depend on it.
package registry

import (
	"fmt"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"areagroups/internal/ha"
	"areagroups/internal/metrics"
	"areagroups/internal/resolver"
)

// Catalog is the host view a registry resolves against.
type Catalog interface {
	resolver.Catalog
	State(entityID string) (*ha.State, bool)
	EntitiesForConfigEntry(configEntryID string) []string
}

// Runner schedules a listener invocation without waiting for it.
type Runner func(task func())

// GoRunner runs each task on its own goroutine.
func GoRunner(task func()) { go task() }

// SyncRunner runs tasks inline. Tests use it for deterministic ordering.
func SyncRunner(task func()) { task() }

// Status is a registry's lifecycle position.
type Status int

const (
	Uninitialized Status = iota
	Active
	Recomputing
	Destroyed
)

func (s Status) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Active:
		return "active"
	case Recomputing:
		return "recomputing"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// GroupSpec identifies a group and what it selects.
type GroupSpec struct {
	ID        string
	Name      string
	Selection resolver.GroupConfig
}

// Registry is one group's resolved entity set plus its listeners.
type Registry struct {
	spec      GroupSpec
	catalog   Catalog
	run       Runner
	logger    *zap.Logger
	metrics   *metrics.Metrics
	listeners listenerTable

	mu       sync.RWMutex
	status   Status
	entities resolver.EntitySet
	claimed  []string
}

func newRegistry(spec GroupSpec, catalog Catalog, run Runner, logger *zap.Logger, m *metrics.Metrics) *Registry {
	if run == nil {
		run = GoRunner
	}
	return &Registry{
		spec:     spec,
		catalog:  catalog,
		run:      run,
		logger:   logger.With(zap.String("group", spec.ID)),
		metrics:  m,
		entities: resolver.EntitySet{},
	}
}

// activate performs the first resolve. Listeners cannot exist yet.
func (r *Registry) activate() {
	entities := resolver.Resolve(r.selection(), r.catalog)

	r.mu.Lock()
	r.entities = entities
	r.status = Active
	r.mu.Unlock()

	r.metrics.Recomputed(r.spec.ID, len(entities))
	r.logger.Info("Group registry active", zap.Int("entities", len(entities)))
}

func (r *Registry) ID() string   { return r.spec.ID }
func (r *Registry) Name() string { return r.spec.Name }

// Status returns the lifecycle state.
func (r *Registry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Entities returns a copy of the resolved entity set.
func (r *Registry) Entities() resolver.EntitySet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entities.Clone()
}

// ListenerCount returns the number of registered listeners.
func (r *Registry) ListenerCount() int {
	return r.listeners.len()
}

// Claim marks entityID as derived by this group. It is removed from the
// current set immediately and excluded from every later resolve.
func (r *Registry) Claim(entityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == Destroyed || lo.Contains(r.claimed, entityID) {
		return
	}
	r.claimed = append(r.claimed, entityID)
	r.entities = lo.Without(r.entities, entityID)
}

// Claimed returns the ids passed to Claim.
func (r *Registry) Claimed() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.claimed...)
}

func (r *Registry) selection() resolver.GroupConfig {
	sel := r.spec.Selection

	r.mu.RLock()
	claimed := append([]string(nil), r.claimed...)
	r.mu.RUnlock()

	owned := append([]string(nil), sel.OwnedEntityIDs...)
	owned = append(owned, r.catalog.EntitiesForConfigEntry(r.spec.ID)...)
	owned = append(owned, claimed...)
	sel.OwnedEntityIDs = lo.Uniq(owned)
	return sel
}

// GetEntities returns resolved entities that currently have a state, filtered
// by domain and device class. Both filters must match; an empty filter
// matches everything. Device classes are read from the live state, falling
// back to the entity registry.
func (r *Registry) GetEntities(domains, deviceClasses []string) []string {
	r.mu.RLock()
	entities := r.entities.Clone()
	r.mu.RUnlock()

	result := make([]string, 0, len(entities))
	for _, entityID := range entities {
		state, ok := r.catalog.State(entityID)
		if !ok {
			continue
		}
		if len(domains) > 0 && !lo.Contains(domains, ha.Domain(entityID)) {
			continue
		}
		if len(deviceClasses) > 0 && !lo.Contains(deviceClasses, r.deviceClass(entityID, state)) {
			continue
		}
		result = append(result, entityID)
	}
	return result
}

func (r *Registry) deviceClass(entityID string, state *ha.State) string {
	if dc := state.Attribute("device_class"); dc != "" {
		return dc
	}
	info, _ := r.catalog.Entity(entityID)
	return info.DeviceClass
}

// State returns the host state of entityID as last seen by the catalog.
func (r *Registry) State(entityID string) (*ha.State, bool) {
	return r.catalog.State(entityID)
}

// AddListener registers listener for every later Recompute.
func (r *Registry) AddListener(listener Listener) RemoveFunc {
	if r.Status() == Destroyed {
		r.logger.Debug("Listener added to destroyed registry")
		return func() {}
	}
	return r.listeners.add(listener)
}

// Recompute re-resolves the group and notifies a snapshot of the listeners in
// registration order. Notifications are fire-and-forget through the runner.
func (r *Registry) Recompute() {
	r.mu.Lock()
	if r.status == Destroyed {
		r.mu.Unlock()
		return
	}
	r.status = Recomputing
	r.mu.Unlock()

	entities := resolver.Resolve(r.selection(), r.catalog)

	r.mu.Lock()
	if r.status == Destroyed {
		r.mu.Unlock()
		return
	}
	changed := !r.entities.Equal(entities)
	r.entities = entities
	r.status = Active
	r.mu.Unlock()

	r.metrics.Recomputed(r.spec.ID, len(entities))
	if changed {
		r.logger.Info("Group entities changed", zap.Strings("entities", entities))
	}

	for _, entry := range r.listeners.snapshot() {
		entry := entry
		r.run(func() { r.invoke(entry) })
	}
}

func (r *Registry) invoke(entry listenerEntry) {
	// Removed after the snapshot was taken.
	if !r.listeners.live(entry.token) {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.ListenerFailed(r.spec.ID)
			r.logger.Error("Listener panicked", zap.Any("panic", rec))
		}
	}()

	if err := entry.listener(); err != nil {
		r.metrics.ListenerFailed(r.spec.ID)
		r.logger.Error("Listener failed", zap.Error(err))
	}
}

// Destroy drops all listeners. The registry ignores every later call.
func (r *Registry) Destroy() {
	r.mu.Lock()
	if r.status == Destroyed {
		r.mu.Unlock()
		return
	}
	r.status = Destroyed
	r.entities = resolver.EntitySet{}
	r.mu.Unlock()

	r.listeners.clear()
	r.metrics.GroupRemoved(r.spec.ID)
	r.logger.Info("Group registry destroyed")
}
