package plugin

import (
	"go.uber.org/zap"

	"areagroups/internal/clock"
	"areagroups/internal/config"
	"areagroups/internal/ha"
	"areagroups/internal/metrics"
	"areagroups/internal/registry"
	"areagroups/internal/state"
	"areagroups/internal/sun"
)

// Context provides dependencies to platforms while a group is set up.
// It wraps the core services needed by all platforms in a single struct
// for cleaner constructor signatures.
type Context struct {
	// Group is the merged, validated group configuration.
	Group config.GroupConfig

	// Registry is the group's resolved entity set.
	Registry *registry.Registry

	// Client provides access to Home Assistant for service calls
	// and entity state subscriptions.
	Client ha.HAClient

	// Store publishes derived entity states.
	Store *state.Store

	// Clock drives clear timeouts and lighting intervals.
	Clock clock.Clock

	// Sun provides the adaptive lighting curve.
	Sun *sun.Calculator

	// Metrics may be nil.
	Metrics *metrics.Metrics

	// Logger is a structured logger already scoped to the group.
	Logger *zap.Logger

	// ReadOnly indicates whether the application is in read-only mode.
	// When true, entities log the service calls they would make.
	ReadOnly bool
}
