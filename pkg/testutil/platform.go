package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"areagroups/internal/catalog"
	"areagroups/internal/clock"
	"areagroups/internal/config"
	"areagroups/internal/ha"
	"areagroups/internal/registry"
	"areagroups/internal/state"
	"areagroups/internal/sun"
	"areagroups/pkg/plugin"
)

// PlatformEnv wires platform entities to an in-memory host. Listeners run
// synchronously and time only moves through Clock.Advance.
type PlatformEnv struct {
	Client  *ha.MockClient
	Catalog *catalog.Catalog
	Clock   *clock.MockClock
	Manager *registry.Manager
	Store   *state.Store
	Sun     *sun.Calculator
	Logger  *zap.Logger

	ReadOnly bool
}

// DefaultStart is noon on midsummer, when the sun curve is near its peak.
var DefaultStart = time.Date(2024, 6, 21, 12, 0, 0, 0, time.UTC)

// NewPlatformEnv creates the environment. Populate Client before calling
// Context so the first resolve sees the registries. opts are applied after
// the defaults, so registry.WithRunner(registry.GoRunner) runs listeners
// concurrently.
func NewPlatformEnv(t *testing.T, opts ...registry.ManagerOption) *PlatformEnv {
	t.Helper()
	logger := zap.NewNop()
	client := ha.NewMockClient()
	clk := clock.NewMockClock(DefaultStart)

	cat, err := catalog.New(client, logger)
	require.NoError(t, err)

	cfg, err := client.GetConfig()
	require.NoError(t, err)

	env := &PlatformEnv{
		Client:  client,
		Catalog: cat,
		Clock:   clk,
		Store:   state.NewStore(client, clk, logger, false),
		Sun:     sun.NewCalculator(cfg.Latitude, cfg.Longitude, clk, logger),
		Logger:  logger,
	}
	options := []registry.ManagerOption{
		registry.WithClock(clk),
		registry.WithQuietPeriod(time.Second),
		registry.WithRunner(registry.SyncRunner),
	}
	env.Manager = registry.NewManager(client, cat, logger, append(options, opts...)...)

	t.Cleanup(func() {
		env.Manager.Close()
		cat.Stop()
	})
	return env
}

// AddEntity registers an entity in areaID and sets its state.
func (e *PlatformEnv) AddEntity(entityID, areaID, value string, attributes map[string]interface{}) {
	e.Client.AddEntity(ha.EntityEntry{EntityID: entityID, AreaID: areaID})
	e.Client.SetState(entityID, value, attributes)
}

// Context starts the catalog, acquires the group registry and returns a
// platform context for group.
func (e *PlatformEnv) Context(t *testing.T, group config.GroupConfig) *plugin.Context {
	t.Helper()
	group.ApplyDefaults()
	require.NoError(t, group.Validate())

	require.NoError(t, e.Catalog.Start())
	require.NoError(t, e.Catalog.Refresh())

	reg, err := e.Manager.Acquire(registry.GroupSpec{
		ID:        group.ID,
		Name:      group.DisplayName(),
		Selection: group.Selection(),
	})
	require.NoError(t, err)

	return &plugin.Context{
		Group:    group,
		Registry: reg,
		Client:   e.Client,
		Store:    e.Store,
		Clock:    e.Clock,
		Sun:      e.Sun,
		Logger:   e.Logger,
		ReadOnly: e.ReadOnly,
	}
}

// Settle advances past the registry quiet period so pending recomputes run.
func (e *PlatformEnv) Settle() {
	e.Clock.Advance(time.Second)
}

// Published returns the host state the store last published for entityID.
func (e *PlatformEnv) Published(t *testing.T, entityID string) *ha.State {
	t.Helper()
	st, err := e.Client.GetState(entityID)
	require.NoError(t, err, "no state published for %s", entityID)
	return st
}
