package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"areagroups/internal/catalog"
	"areagroups/internal/clock"
	"areagroups/internal/groups"
	"areagroups/internal/ha"
	"areagroups/internal/registry"
	"areagroups/internal/state"
	"areagroups/internal/sun"
	"areagroups/pkg/plugin"
	"areagroups/pkg/testutil"
)

// testToken authenticates against the mock server.
const testToken = "test_token"

// TestEnv runs the real client, catalog, registries and group service
// against a MockHAServer. Populate Server before calling Start.
type TestEnv struct {
	Server  *testutil.MockHAServer
	Client  *ha.Client
	Catalog *catalog.Catalog
	Manager *registry.Manager
	Store   *state.Store
	Groups  *groups.Service
	Logger  *zap.Logger

	// QuietPeriod is the registry debounce window, short by default.
	QuietPeriod time.Duration
}

// newTestEnv starts the mock server. Nothing connects until Start.
func newTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	server := testutil.NewMockHAServer(testToken)
	server.Start()

	logger, _ := zap.NewDevelopment()
	env := &TestEnv{
		Server:      server,
		Logger:      logger,
		QuietPeriod: 50 * time.Millisecond,
	}
	t.Cleanup(env.Cleanup)
	return env
}

// Start connects the client and builds the service stack with platforms.
func (e *TestEnv) Start(t *testing.T, platforms *plugin.Registry) {
	t.Helper()

	e.Client = ha.NewClient(e.Server.URL(), testToken, e.Logger)
	require.NoError(t, e.Client.Connect())

	cat, err := catalog.New(e.Client, e.Logger)
	require.NoError(t, err)
	require.NoError(t, cat.Start())
	e.Catalog = cat

	publisher, err := ha.NewRESTPublisher(e.Server.URL(), testToken, e.Logger)
	require.NoError(t, err)

	clk := clock.NewRealClock()
	e.Store = state.NewStore(publisher, clk, e.Logger, false)
	e.Manager = registry.NewManager(e.Client, cat, e.Logger,
		registry.WithQuietPeriod(e.QuietPeriod))

	cfg, err := e.Client.GetConfig()
	require.NoError(t, err)

	e.Groups = groups.NewService(groups.Options{
		Client:    e.Client,
		Areas:     cat,
		Manager:   e.Manager,
		Store:     e.Store,
		Clock:     clk,
		Sun:       sun.NewCalculator(cfg.Latitude, cfg.Longitude, clk, e.Logger),
		Platforms: platforms,
		Logger:    e.Logger,
	})
}

// Cleanup stops all components in the correct order.
func (e *TestEnv) Cleanup() {
	if e.Groups != nil {
		e.Groups.Close()
		e.Groups = nil
	}
	if e.Manager != nil {
		e.Manager.Close()
		e.Manager = nil
	}
	if e.Catalog != nil {
		e.Catalog.Stop()
		e.Catalog = nil
	}
	if e.Client != nil {
		e.Client.Disconnect()
		e.Client = nil
	}
	if e.Server != nil {
		e.Server.Stop()
		e.Server = nil
	}
}

// GetServiceCalls returns all service calls made to the mock server.
func (e *TestEnv) GetServiceCalls() []testutil.ServiceCall {
	return e.Server.GetServiceCalls()
}
