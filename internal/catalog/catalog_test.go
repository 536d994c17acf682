package catalog

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"areagroups/internal/ha"
)

func seededClient() *ha.MockClient {
	client := ha.NewMockClient()
	client.AddArea("kitchen", "Kitchen")
	client.AddArea("hall", "Hall")

	client.AddDevice(ha.DeviceEntry{ID: "dev_bulb", AreaID: "kitchen"})
	client.AddDevice(ha.DeviceEntry{ID: "dev_broken", AreaID: "kitchen", DisabledBy: "user"})

	client.AddEntity(ha.EntityEntry{EntityID: "light.kitchen", DeviceID: "dev_bulb"})
	client.AddEntity(ha.EntityEntry{EntityID: "binary_sensor.hall_motion", AreaID: "hall", OriginalDeviceClass: "motion"})
	client.AddEntity(ha.EntityEntry{EntityID: "sensor.kitchen_temperature", DeviceID: "dev_bulb", AreaID: "hall", DeviceClass: "temperature"})
	client.AddEntity(ha.EntityEntry{EntityID: "switch.broken", DeviceID: "dev_broken"})
	client.AddEntity(ha.EntityEntry{EntityID: "sensor.disabled", AreaID: "kitchen", DisabledBy: "integration"})
	client.AddEntity(ha.EntityEntry{EntityID: "binary_sensor.kitchen_presence", ConfigEntryID: "kitchen_group"})

	client.SetState("light.kitchen", "on", nil)
	client.SetState("sensor.outdoor", "12.5", map[string]interface{}{"device_class": "temperature"})
	return client
}

func newTestCatalog(t *testing.T, client ha.HAClient) *Catalog {
	c, err := New(client, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)
	return c
}

func TestCatalog_AreaEntities(t *testing.T) {
	c := newTestCatalog(t, seededClient())

	assert.Equal(t, []string{"light.kitchen", "switch.broken", "sensor.disabled"}, c.AreaEntities("kitchen"),
		"device area used when entity has none, registry order kept")
	assert.Equal(t, []string{"binary_sensor.hall_motion", "sensor.kitchen_temperature"}, c.AreaEntities("hall"),
		"entity area overrides device area")
	assert.Empty(t, c.AreaEntities("attic"))

	name, ok := c.AreaName("kitchen")
	assert.True(t, ok)
	assert.Equal(t, "Kitchen", name)
}

func TestCatalog_Entity(t *testing.T) {
	c := newTestCatalog(t, seededClient())

	tests := []struct {
		entityID    string
		found       bool
		domain      string
		deviceClass string
		disabled    bool
	}{
		{"light.kitchen", true, "light", "", false},
		{"binary_sensor.hall_motion", true, "binary_sensor", "motion", false},
		{"sensor.kitchen_temperature", true, "sensor", "temperature", false},
		{"switch.broken", true, "switch", "", true},
		{"sensor.disabled", true, "sensor", "", true},
		{"sensor.outdoor", true, "sensor", "temperature", false},
		{"sensor.missing", false, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.entityID, func(t *testing.T) {
			info, ok := c.Entity(tt.entityID)
			assert.Equal(t, tt.found, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.domain, info.Domain)
			assert.Equal(t, tt.deviceClass, info.DeviceClass)
			assert.Equal(t, tt.disabled, info.Disabled)
		})
	}
}

func TestCatalog_TracksStateChanges(t *testing.T) {
	client := seededClient()
	c := newTestCatalog(t, client)

	state, ok := c.State("light.kitchen")
	require.True(t, ok)
	assert.Equal(t, "on", state.State)

	client.SimulateStateChange("light.kitchen", "off")
	state, ok = c.State("light.kitchen")
	require.True(t, ok)
	assert.Equal(t, "off", state.State)

	client.RemoveState("light.kitchen")
	_, ok = c.State("light.kitchen")
	assert.False(t, ok)

	c.Stop()
	client.SetState("light.kitchen", "on", nil)
	_, ok = c.State("light.kitchen")
	assert.False(t, ok, "stopped catalog ignores events")
}

func TestCatalog_RefreshPicksUpRegistryEdits(t *testing.T) {
	client := seededClient()
	c := newTestCatalog(t, client)

	client.AddEntity(ha.EntityEntry{EntityID: "light.kitchen", DeviceID: "dev_bulb", AreaID: "hall"})
	assert.Contains(t, c.AreaEntities("kitchen"), "light.kitchen", "registry tables only change on refresh")

	require.NoError(t, c.Refresh())
	assert.NotContains(t, c.AreaEntities("kitchen"), "light.kitchen")
	assert.Contains(t, c.AreaEntities("hall"), "light.kitchen")
}

func TestCatalog_RefreshErrorKeepsSnapshot(t *testing.T) {
	client := seededClient()
	c := newTestCatalog(t, client)

	client.SetRegistryError(errors.New("boom"))
	err := c.Refresh()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	assert.NotEmpty(t, c.AreaEntities("kitchen"))
}

func TestCatalog_EntitiesForConfigEntry(t *testing.T) {
	c := newTestCatalog(t, seededClient())

	assert.Equal(t, []string{"binary_sensor.kitchen_presence"}, c.EntitiesForConfigEntry("kitchen_group"))
	assert.Empty(t, c.EntitiesForConfigEntry("other"))
	assert.Empty(t, c.EntitiesForConfigEntry(""))
}

// staleClient answers get_states with a fixed snapshot, running during
// before it returns.
type staleClient struct {
	*ha.MockClient
	snapshot []*ha.State
	during   func()
}

func (c *staleClient) GetAllStates() ([]*ha.State, error) {
	if c.snapshot == nil {
		return c.MockClient.GetAllStates()
	}
	if c.during != nil {
		c.during()
	}
	return c.snapshot, nil
}

func TestCatalog_RefreshKeepsNewerStates(t *testing.T) {
	client := seededClient()
	client.SetState("sensor.gone", "1", nil)
	stale := &staleClient{MockClient: client}
	c := newTestCatalog(t, stale)

	client.SimulateStateChange("light.kitchen", "off")

	outdoor, ok := c.State("sensor.outdoor")
	require.True(t, ok)
	stale.snapshot = []*ha.State{
		{EntityID: "light.kitchen", State: "on", LastUpdated: time.Now().Add(-time.Minute)},
		outdoor,
	}
	stale.during = func() { client.SetState("sensor.new", "5", nil) }

	require.NoError(t, c.Refresh())

	state, ok := c.State("light.kitchen")
	require.True(t, ok)
	assert.Equal(t, "off", state.State, "older snapshot row does not overwrite the event")

	_, ok = c.State("sensor.new")
	assert.True(t, ok, "state that arrived during the request is kept")

	_, ok = c.State("sensor.gone")
	assert.False(t, ok, "state missing from the snapshot is dropped")

	_, ok = c.State("sensor.outdoor")
	assert.True(t, ok)
}

func TestCatalog_EntityWithoutDomain(t *testing.T) {
	client := seededClient()
	client.AddEntity(ha.EntityEntry{EntityID: ".orphan", AreaID: "kitchen"})
	c := newTestCatalog(t, client)

	assert.Contains(t, c.AreaEntities("kitchen"), ".orphan", "refresh does not fail on an empty domain")
	_, ok := c.Entity("light.kitchen")
	assert.True(t, ok)
}
