// Package plugin provides the platform interfaces and registry for derived
// area group entities. Platforms register themselves with the global
// registry using init() functions, so a binary selects platforms by
// importing them.
package plugin

// Entity is a derived entity owned by one area group.
type Entity interface {
	// Name returns the display name, e.g. "Kitchen Presence".
	Name() string

	// EntityID returns the host entity id, e.g. "binary_sensor.kitchen_presence".
	EntityID() string

	// Start begins the entity's operation.
	// - Claims the entity id in the group registry
	// - Defers setup until the host is running
	// - Returns error if initialization fails
	Start() error

	// Stop releases subscriptions, listeners and timers.
	Stop()
}

// Switch is an optional interface for entities that can be turned on and off
// through the API.
type Switch interface {
	Entity
	IsOn() bool
	TurnOn() error
	TurnOff() error
}

// Factory creates the entities a platform contributes to one group. A
// platform whose feature is disabled returns no entities.
type Factory func(ctx *Context) ([]Entity, error)
