package groups

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"areagroups/internal/config"
	"areagroups/internal/plugins/adaptivelighting"
	"areagroups/internal/plugins/binaryaggregation"
	"areagroups/internal/plugins/presence"
	"areagroups/internal/plugins/sensoraggregation"
	"areagroups/internal/registry"
	"areagroups/pkg/plugin"
	"areagroups/pkg/testutil"
)

func platforms(t *testing.T) *plugin.Registry {
	t.Helper()
	reg := plugin.NewRegistry()
	for _, info := range []plugin.PlatformInfo{
		{Name: presence.Platform, Order: 10, Factory: presence.New},
		{Name: sensoraggregation.Platform, Order: 20, Factory: sensoraggregation.New},
		{Name: binaryaggregation.Platform, Order: 30, Factory: binaryaggregation.New},
		{Name: adaptivelighting.Platform, Order: 40, Factory: adaptivelighting.New},
	} {
		require.NoError(t, reg.Register(info))
	}
	return reg
}

func newService(t *testing.T, env *testutil.PlatformEnv, reg *plugin.Registry) *Service {
	t.Helper()
	require.NoError(t, env.Catalog.Start())
	svc := NewService(Options{
		Client:    env.Client,
		Areas:     env.Catalog,
		Manager:   env.Manager,
		Store:     env.Store,
		Clock:     env.Clock,
		Sun:       env.Sun,
		Platforms: reg,
		Logger:    env.Logger,
	})
	t.Cleanup(svc.Close)
	return svc
}

func setupEnv(t *testing.T) *testutil.PlatformEnv {
	env := testutil.NewPlatformEnv(t)
	env.Client.AddArea("kitchen", "Kitchen")
	env.Client.AddArea("hall", "Hall")
	env.AddEntity("binary_sensor.kitchen_motion", "kitchen", "off", map[string]interface{}{"device_class": "motion"})
	env.AddEntity("sensor.kitchen_temp", "kitchen", "21", map[string]interface{}{"device_class": "temperature"})
	env.AddEntity("light.kitchen", "kitchen", "on", nil)
	env.AddEntity("binary_sensor.front_door", "hall", "off", map[string]interface{}{"device_class": "door"})
	return env
}

func kitchenGroup() config.GroupConfig {
	return config.GroupConfig{
		ID:                "kitchen",
		Name:              "Kitchen",
		Areas:             []string{"kitchen"},
		Presence:          &config.PresenceConfig{Enable: true},
		SensorAggregation: &config.AggregationConfig{Enable: true, DeviceClasses: []string{"temperature"}},
		AdaptiveLighting:  &config.AdaptiveLightingConfig{Enable: true},
	}
}

func hallGroup() config.GroupConfig {
	return config.GroupConfig{
		ID:                      "hall",
		Areas:                   []string{"hall"},
		BinarySensorAggregation: &config.AggregationConfig{Enable: true, DeviceClasses: []string{"door"}},
	}
}

func TestService_SetupCreatesEntities(t *testing.T) {
	env := setupEnv(t)
	svc := newService(t, env, platforms(t))

	require.NoError(t, svc.SetupAll([]config.GroupConfig{kitchenGroup(), hallGroup()}))
	assert.Equal(t, []string{"hall", "kitchen"}, svc.IDs())

	g, ok := svc.Group("kitchen")
	require.True(t, ok)
	info := g.Info()
	assert.Equal(t, "Kitchen", info.Name)
	assert.Equal(t, "active", info.Status)
	assert.Equal(t, []string{
		"binary_sensor.kitchen_presence",
		"sensor.kitchen_temperature",
		"switch.kitchen_adaptive_lighting",
	}, info.Entities)
	assert.ElementsMatch(t, []string{"binary_sensor.kitchen_motion", "sensor.kitchen_temp", "light.kitchen"}, info.Members)
	assert.Equal(t, map[string]string{"kitchen": "Kitchen"}, info.AreaNames)
	assert.ElementsMatch(t, info.Entities, info.Claimed)

	assert.Equal(t, "21", env.Published(t, "sensor.kitchen_temperature").State)
	assert.Equal(t, "off", env.Published(t, "binary_sensor.hall_door").State)

	hall, _ := svc.Group("hall")
	assert.Equal(t, "hall", hall.Info().Name, "falls back to the id")
}

func TestService_InfoSkipsUnknownAreas(t *testing.T) {
	env := setupEnv(t)
	svc := newService(t, env, platforms(t))

	cfg := hallGroup()
	cfg.Areas = []string{"hall", "attic"}
	require.NoError(t, svc.Setup(cfg))

	g, ok := svc.Group("hall")
	require.True(t, ok)
	info := g.Info()
	assert.Equal(t, []string{"hall", "attic"}, info.Areas)
	assert.Equal(t, map[string]string{"hall": "Hall"}, info.AreaNames)
}

func TestService_SetupErrors(t *testing.T) {
	env := setupEnv(t)
	svc := newService(t, env, platforms(t))

	require.NoError(t, svc.Setup(kitchenGroup()))
	err := svc.Setup(kitchenGroup())
	assert.ErrorIs(t, err, ErrGroupExists)

	bad := hallGroup()
	bad.BinarySensorAggregation.DeviceClasses = []string{"bogus"}
	var fieldErr *config.FieldError
	assert.ErrorAs(t, svc.Setup(bad), &fieldErr)
	_, ok := env.Manager.Get("hall")
	assert.False(t, ok)
}

func TestService_FactoryFailureReleasesRegistry(t *testing.T) {
	env := setupEnv(t)
	reg := platforms(t)
	require.NoError(t, reg.Register(plugin.PlatformInfo{
		Name:    "broken",
		Order:   90,
		Factory: func(*plugin.Context) ([]plugin.Entity, error) { return nil, errors.New("boom") },
	}))
	svc := newService(t, env, reg)

	err := svc.Setup(kitchenGroup())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Empty(t, svc.IDs())
	_, ok := env.Manager.Get("kitchen")
	assert.False(t, ok)
	assert.False(t, env.Manager.Subscribed())
}

func TestService_Unload(t *testing.T) {
	env := setupEnv(t)
	svc := newService(t, env, platforms(t))
	require.NoError(t, svc.Setup(kitchenGroup()))

	require.NoError(t, svc.Unload("kitchen"))
	assert.Empty(t, svc.IDs())
	assert.Equal(t, 0, env.Client.StateSubscriberCount("binary_sensor.kitchen_motion"))
	assert.Empty(t, env.Store.All())
	assert.False(t, env.Manager.Subscribed())

	assert.ErrorIs(t, svc.Unload("kitchen"), ErrGroupNotFound)
}

func TestService_Reload(t *testing.T) {
	env := setupEnv(t)
	svc := newService(t, env, platforms(t))
	require.NoError(t, svc.Setup(kitchenGroup()))

	cfg := kitchenGroup()
	cfg.Name = "Cookhouse"
	cfg.AdaptiveLighting = nil
	require.NoError(t, svc.Reload(cfg))

	g, ok := svc.Group("kitchen")
	require.True(t, ok)
	assert.Equal(t, "Cookhouse", g.Registry.Name())
	assert.Equal(t, []string{"binary_sensor.cookhouse_presence", "sensor.cookhouse_temperature"}, g.Info().Entities)

	require.NoError(t, svc.Reload(hallGroup()), "reload of an unknown group sets it up")
	assert.Equal(t, []string{"hall", "kitchen"}, svc.IDs())
}

func TestService_Switch(t *testing.T) {
	env := setupEnv(t)
	svc := newService(t, env, platforms(t))
	require.NoError(t, svc.Setup(kitchenGroup()))

	sw, ok := svc.Switch("switch.kitchen_adaptive_lighting")
	require.True(t, ok)
	require.NoError(t, sw.TurnOn())
	assert.True(t, sw.IsOn())

	_, ok = svc.Switch("binary_sensor.kitchen_presence")
	assert.False(t, ok, "not a switch")
	_, ok = svc.Switch("switch.nope")
	assert.False(t, ok)
}

func TestService_GroupsShareUpstream(t *testing.T) {
	env := setupEnv(t)
	svc := newService(t, env, platforms(t))
	require.NoError(t, svc.SetupAll([]config.GroupConfig{kitchenGroup(), hallGroup()}))
	assert.True(t, env.Manager.Subscribed())

	require.NoError(t, svc.Unload("kitchen"))
	assert.True(t, env.Manager.Subscribed())
	_, err := env.Manager.Acquire(registry.GroupSpec{ID: "hall"})
	assert.ErrorIs(t, err, registry.ErrDuplicateGroup)
}
