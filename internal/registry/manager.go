package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"areagroups/internal/clock"
	"areagroups/internal/debounce"
	"areagroups/internal/ha"
	"areagroups/internal/metrics"
)

var (
	ErrDuplicateGroup = errors.New("group already registered")
	ErrUnknownGroup   = errors.New("unknown group")
)

// EventSource is the host event bus.
type EventSource interface {
	IsRunning() bool
	SubscribeEvents(eventType string, handler ha.EventHandler) (ha.Subscription, error)
}

// Source is a Catalog that can reload itself from the host.
type Source interface {
	Catalog
	Refresh() error
}

// Manager owns every group registry and the single upstream subscription they
// share. The subscription and its debounce gate exist only while at least
// one group is acquired.
type Manager struct {
	events  EventSource
	catalog Source
	clock   clock.Clock
	quiet   time.Duration
	run     Runner
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	registries map[string]*Registry
	order      []string
	subs       []ha.Subscription
	gate       *debounce.Gate
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

func WithQuietPeriod(d time.Duration) ManagerOption {
	return func(m *Manager) { m.quiet = d }
}

func WithRunner(run Runner) ManagerOption {
	return func(m *Manager) { m.run = run }
}

func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a manager with no groups.
func NewManager(events EventSource, catalog Source, logger *zap.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		events:     events,
		catalog:    catalog,
		clock:      clock.NewRealClock(),
		quiet:      debounce.DefaultQuietPeriod,
		run:        GoRunner,
		logger:     logger.Named("registry"),
		registries: make(map[string]*Registry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire creates and activates the registry for spec. The first acquire
// subscribes to the host's device and entity registry events.
func (m *Manager) Acquire(spec GroupSpec) (*Registry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.registries[spec.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateGroup, spec.ID)
	}

	if len(m.registries) == 0 {
		if err := m.startUpstreamLocked(); err != nil {
			return nil, err
		}
	}

	reg := newRegistry(spec, m.catalog, m.run, m.logger, m.metrics)
	reg.activate()

	m.registries[spec.ID] = reg
	m.order = append(m.order, spec.ID)
	m.metrics.SetGroups(len(m.registries))
	return reg, nil
}

// Release destroys the registry for id. Releasing the last group tears down
// the upstream subscription.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.registries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, id)
	}
	delete(m.registries, id)
	m.order = removeEntry(m.order, id)
	reg.Destroy()
	m.metrics.SetGroups(len(m.registries))

	if len(m.registries) == 0 {
		m.stopUpstreamLocked()
	}
	return nil
}

// Get returns the registry for id.
func (m *Manager) Get(id string) (*Registry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.registries[id]
	return reg, ok
}

// Registries returns all registries in acquisition order.
func (m *Manager) Registries() []*Registry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Registry, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.registries[id])
	}
	return out
}

// Subscribed reports whether the upstream subscription is live.
func (m *Manager) Subscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gate != nil
}

// NotifyUpstreamChange feeds the shared debounce gate. It is a no-op while no
// group is acquired.
func (m *Manager) NotifyUpstreamChange() {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		gate.Notify()
	}
}

// Close releases every group.
func (m *Manager) Close() {
	for _, reg := range m.Registries() {
		if err := m.Release(reg.ID()); err != nil {
			m.logger.Warn("Failed to release group", zap.String("group", reg.ID()), zap.Error(err))
		}
	}
}

func (m *Manager) startUpstreamLocked() error {
	gate := debounce.NewGate(m.clock, m.quiet, m.events.IsRunning, m.recomputeAll, m.logger).
		WithMetrics(m.metrics)
	handler := func(event *ha.Event) {
		m.logger.Debug("Host registry changed", zap.String("event_type", event.EventType))
		gate.Notify()
	}

	var subs []ha.Subscription
	for _, eventType := range []string{ha.EventDeviceRegistryUpdated, ha.EventEntityRegistryUpdated} {
		sub, err := m.events.SubscribeEvents(eventType, handler)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return fmt.Errorf("failed to subscribe to %s: %w", eventType, err)
		}
		subs = append(subs, sub)
	}

	m.subs = subs
	m.gate = gate
	m.logger.Debug("Subscribed to host registry events")
	return nil
}

func (m *Manager) stopUpstreamLocked() {
	for _, sub := range m.subs {
		if err := sub.Unsubscribe(); err != nil {
			m.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	m.subs = nil
	if m.gate != nil {
		m.gate.Close()
		m.gate = nil
	}
	m.logger.Debug("Unsubscribed from host registry events")
}

// recomputeAll is the gate callback: reload the catalog, then re-resolve
// every group.
func (m *Manager) recomputeAll() error {
	if err := m.catalog.Refresh(); err != nil {
		return fmt.Errorf("catalog refresh: %w", err)
	}
	for _, reg := range m.Registries() {
		reg.Recompute()
	}
	return nil
}

func removeEntry(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}
