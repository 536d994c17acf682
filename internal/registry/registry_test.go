package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"areagroups/internal/ha"
	"areagroups/internal/resolver"
)

type fakeCatalog struct {
	mu       sync.Mutex
	areas    map[string][]string
	entities map[string]resolver.EntityInfo
	states   map[string]*ha.State
	owned    map[string][]string
	refresh  func() error
}

func newFakeCatalog() *fakeCatalog {
	c := &fakeCatalog{
		areas:    map[string][]string{},
		entities: map[string]resolver.EntityInfo{},
		states:   map[string]*ha.State{},
		owned:    map[string][]string{},
	}
	c.areas["kitchen"] = []string{"light.kitchen", "switch.fan", "binary_sensor.kitchen_motion", "sensor.kitchen_temperature"}
	c.add("light.kitchen", "", "on")
	c.add("switch.fan", "", "off")
	c.add("binary_sensor.kitchen_motion", "motion", "off")
	c.add("sensor.kitchen_temperature", "temperature", "21.0")
	c.add("sensor.temp1", "", "19.5")
	return c
}

func (c *fakeCatalog) add(entityID, deviceClass, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities[entityID] = resolver.EntityInfo{EntityID: entityID, Domain: ha.Domain(entityID), DeviceClass: deviceClass}
	if state != "" {
		c.states[entityID] = &ha.State{EntityID: entityID, State: state, Attributes: map[string]interface{}{}}
	}
}

func (c *fakeCatalog) AreaEntities(areaID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.areas[areaID]...)
}

func (c *fakeCatalog) Entity(entityID string) (resolver.EntityInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.entities[entityID]
	return info, ok
}

func (c *fakeCatalog) State(entityID string) (*ha.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[entityID]
	return s, ok
}

func (c *fakeCatalog) EntitiesForConfigEntry(configEntryID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owned[configEntryID]
}

func (c *fakeCatalog) Refresh() error {
	if c.refresh != nil {
		return c.refresh()
	}
	return nil
}

func newTestRegistry(t *testing.T, catalog Catalog, sel resolver.GroupConfig) *Registry {
	t.Helper()
	reg := newRegistry(GroupSpec{ID: "kitchen_group", Name: "Kitchen", Selection: sel}, catalog, SyncRunner, zap.NewNop(), nil)
	reg.activate()
	return reg
}

func TestRegistry_ActivateResolves(t *testing.T) {
	catalog := newFakeCatalog()
	reg := newRegistry(GroupSpec{ID: "kitchen_group", Selection: resolver.GroupConfig{
		AreaIDs:          []string{"kitchen"},
		ExcludeEntityIDs: []string{"switch.fan"},
		IncludeEntityIDs: []string{"sensor.temp1"},
	}}, catalog, SyncRunner, zap.NewNop(), nil)

	assert.Equal(t, Uninitialized, reg.Status())
	reg.activate()

	assert.Equal(t, Active, reg.Status())
	assert.Equal(t, resolver.EntitySet{"light.kitchen", "binary_sensor.kitchen_motion", "sensor.kitchen_temperature", "sensor.temp1"}, reg.Entities())
}

func TestRegistry_GetEntities(t *testing.T) {
	catalog := newFakeCatalog()
	catalog.add("sensor.kitchen_humidity", "", "55")
	catalog.states["sensor.kitchen_humidity"].Attributes["device_class"] = "humidity"
	catalog.add("sensor.kitchen_ghost", "temperature", "")
	catalog.areas["kitchen"] = append(catalog.areas["kitchen"], "sensor.kitchen_humidity", "sensor.kitchen_ghost")

	reg := newTestRegistry(t, catalog, resolver.GroupConfig{
		AreaIDs:          []string{"kitchen"},
		IncludeEntityIDs: []string{"sensor.temp1"},
	})

	tests := []struct {
		name          string
		domains       []string
		deviceClasses []string
		want          []string
	}{
		{
			name: "no filter skips stateless",
			want: []string{"light.kitchen", "switch.fan", "binary_sensor.kitchen_motion", "sensor.kitchen_temperature", "sensor.kitchen_humidity", "sensor.temp1"},
		},
		{
			name:    "domain filter",
			domains: []string{"sensor"},
			want:    []string{"sensor.kitchen_temperature", "sensor.kitchen_humidity", "sensor.temp1"},
		},
		{
			name:          "device class from registry",
			deviceClasses: []string{"temperature"},
			want:          []string{"sensor.kitchen_temperature"},
		},
		{
			name:          "device class from state attributes",
			deviceClasses: []string{"humidity"},
			want:          []string{"sensor.kitchen_humidity"},
		},
		{
			name:          "filters are ANDed",
			domains:       []string{"binary_sensor"},
			deviceClasses: []string{"temperature", "motion"},
			want:          []string{"binary_sensor.kitchen_motion"},
		},
		{
			name:    "no match",
			domains: []string{"media_player"},
			want:    []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reg.GetEntities(tt.domains, tt.deviceClasses))
		})
	}
}

func TestRegistry_DeviceClassReadAtCallTime(t *testing.T) {
	catalog := newFakeCatalog()
	reg := newTestRegistry(t, catalog, resolver.GroupConfig{AreaIDs: []string{"kitchen"}})

	assert.Empty(t, reg.GetEntities(nil, []string{"occupancy"}))

	catalog.mu.Lock()
	catalog.states["binary_sensor.kitchen_motion"].Attributes["device_class"] = "occupancy"
	catalog.mu.Unlock()

	assert.Equal(t, []string{"binary_sensor.kitchen_motion"}, reg.GetEntities(nil, []string{"occupancy"}))
}

func TestRegistry_RecomputeNotifiesListenersInOrder(t *testing.T) {
	catalog := newFakeCatalog()
	reg := newTestRegistry(t, catalog, resolver.GroupConfig{AreaIDs: []string{"kitchen"}})

	var calls []string
	reg.AddListener(func() error { calls = append(calls, "first"); return nil })
	reg.AddListener(func() error { calls = append(calls, "second"); return nil })

	reg.Recompute()
	assert.Equal(t, []string{"first", "second"}, calls)

	reg.Recompute()
	assert.Equal(t, []string{"first", "second", "first", "second"}, calls, "each cycle notifies again")
	assert.Equal(t, Active, reg.Status())
}

func TestRegistry_RecomputePicksUpCatalogChanges(t *testing.T) {
	catalog := newFakeCatalog()
	reg := newTestRegistry(t, catalog, resolver.GroupConfig{AreaIDs: []string{"kitchen"}})

	catalog.mu.Lock()
	catalog.entities["switch.fan"] = resolver.EntityInfo{EntityID: "switch.fan", Disabled: true}
	catalog.mu.Unlock()

	var seen []string
	reg.AddListener(func() error {
		seen = reg.GetEntities([]string{"switch"}, nil)
		return nil
	})
	reg.Recompute()

	assert.Empty(t, seen)
	assert.False(t, reg.Entities().Contains("switch.fan"))
}

func TestRegistry_SameListenerTwice(t *testing.T) {
	reg := newTestRegistry(t, newFakeCatalog(), resolver.GroupConfig{})

	count := 0
	listener := func() error { count++; return nil }
	removeFirst := reg.AddListener(listener)
	reg.AddListener(listener)
	assert.Equal(t, 2, reg.ListenerCount())

	reg.Recompute()
	assert.Equal(t, 2, count)

	removeFirst()
	removeFirst()
	assert.Equal(t, 1, reg.ListenerCount())

	reg.Recompute()
	assert.Equal(t, 3, count)
}

func TestRegistry_RemovedListenerNotCalled(t *testing.T) {
	reg := newTestRegistry(t, newFakeCatalog(), resolver.GroupConfig{})

	var calls []string
	var removeSecond RemoveFunc
	reg.AddListener(func() error {
		calls = append(calls, "first")
		removeSecond()
		return nil
	})
	removeSecond = reg.AddListener(func() error {
		calls = append(calls, "second")
		return nil
	})

	assert.NotPanics(t, reg.Recompute)
	assert.Equal(t, []string{"first"}, calls, "removed between snapshot and invocation")
}

func TestRegistry_ListenerFailuresAreContained(t *testing.T) {
	reg := newTestRegistry(t, newFakeCatalog(), resolver.GroupConfig{})

	reached := false
	reg.AddListener(func() error { return errors.New("state write failed") })
	reg.AddListener(func() error { panic("nil entity") })
	reg.AddListener(func() error { reached = true; return nil })

	assert.NotPanics(t, reg.Recompute)
	assert.True(t, reached)
	assert.Equal(t, Active, reg.Status())
}

func TestRegistry_FireAndForget(t *testing.T) {
	var tasks []func()
	runner := func(task func()) { tasks = append(tasks, task) }

	reg := newRegistry(GroupSpec{ID: "g"}, newFakeCatalog(), runner, zap.NewNop(), nil)
	reg.activate()

	called := false
	reg.AddListener(func() error { called = true; return nil })
	reg.Recompute()

	assert.False(t, called, "runner decides when listeners run")
	require.Len(t, tasks, 1)
	tasks[0]()
	assert.True(t, called)
}

func TestRegistry_ClaimExcludesOwnEntity(t *testing.T) {
	catalog := newFakeCatalog()
	catalog.add("binary_sensor.kitchen_presence", "occupancy", "on")
	catalog.areas["kitchen"] = append(catalog.areas["kitchen"], "binary_sensor.kitchen_presence")
	catalog.owned["kitchen_group"] = []string{"sensor.kitchen_temperature"}

	reg := newTestRegistry(t, catalog, resolver.GroupConfig{AreaIDs: []string{"kitchen"}})
	assert.True(t, reg.Entities().Contains("binary_sensor.kitchen_presence"))
	assert.False(t, reg.Entities().Contains("sensor.kitchen_temperature"), "config entry entities are owned")

	reg.Claim("binary_sensor.kitchen_presence")
	assert.False(t, reg.Entities().Contains("binary_sensor.kitchen_presence"))

	reg.Recompute()
	assert.False(t, reg.Entities().Contains("binary_sensor.kitchen_presence"))
	assert.Equal(t, []string{"binary_sensor.kitchen_presence"}, reg.Claimed())
}

func TestRegistry_Destroy(t *testing.T) {
	reg := newTestRegistry(t, newFakeCatalog(), resolver.GroupConfig{AreaIDs: []string{"kitchen"}})

	count := 0
	reg.AddListener(func() error { count++; return nil })

	reg.Destroy()
	assert.Equal(t, Destroyed, reg.Status())
	assert.Equal(t, 0, reg.ListenerCount())
	assert.Empty(t, reg.Entities())

	reg.Recompute()
	assert.Equal(t, Destroyed, reg.Status(), "no transition out of destroyed")
	assert.Equal(t, 0, count)

	remove := reg.AddListener(func() error { count++; return nil })
	assert.NotPanics(t, func() { remove() })
	assert.Equal(t, 0, reg.ListenerCount())
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "uninitialized", Uninitialized.String())
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "recomputing", Recomputing.String())
	assert.Equal(t, "destroyed", Destroyed.String())
}
