package plugin

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Priority constants for platform registration.
// Higher priority values override lower priority platforms with the same name.
const (
	// PriorityDefault is the default priority for platforms.
	PriorityDefault = 0

	// PriorityOverride replaces a default platform of the same name.
	PriorityOverride = 100

	// DefaultOrder is used when PlatformInfo.Order is zero.
	DefaultOrder = 50
)

// PlatformInfo contains metadata about a registered platform.
type PlatformInfo struct {
	// Name is the unique identifier for the platform.
	// Platforms with the same name will override based on priority.
	Name string

	// Description is a human-readable description of the platform.
	Description string

	// Priority determines which platform wins when multiple platforms
	// register with the same name. Higher priority wins.
	Priority int

	// Factory creates the platform's entities for one group.
	Factory Factory

	// Order specifies the creation order. Lower values start first.
	Order int
}

// Registry manages platform registration and instantiation.
type Registry struct {
	mu        sync.RWMutex
	platforms map[string]PlatformInfo
	order     []string
}

// NewRegistry creates a new platform registry.
func NewRegistry() *Registry {
	return &Registry{
		platforms: make(map[string]PlatformInfo),
		order:     make([]string, 0),
	}
}

// Register adds a platform to the registry.
// If a platform with the same name already exists, the one with higher
// priority wins. If priorities are equal, the later registration wins.
func (r *Registry) Register(info PlatformInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Name == "" {
		return fmt.Errorf("platform name cannot be empty")
	}

	if info.Factory == nil {
		return fmt.Errorf("platform %s: factory cannot be nil", info.Name)
	}

	if info.Order == 0 {
		info.Order = DefaultOrder
	}

	existing, exists := r.platforms[info.Name]
	if exists && info.Priority < existing.Priority {
		return nil
	}

	r.platforms[info.Name] = info
	if !exists {
		r.order = append(r.order, info.Name)
	}
	return nil
}

// List returns all registered platforms sorted by their creation order.
func (r *Registry) List() []PlatformInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]PlatformInfo, 0, len(r.platforms))
	for _, name := range r.order {
		result = append(result, r.platforms[name])
	}

	// Sort by order (lower first), then by name for stability
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].Name < result[j].Name
	})

	return result
}

// CreateAll instantiates the entities of every registered platform for one
// group. If any factory fails, entities created so far are stopped.
func (r *Registry) CreateAll(ctx *Context) ([]Entity, error) {
	platforms := r.List()
	result := make([]Entity, 0, len(platforms))

	for _, info := range platforms {
		entities, err := info.Factory(ctx)
		if err != nil {
			for i := len(result) - 1; i >= 0; i-- {
				result[i].Stop()
			}
			return nil, fmt.Errorf("failed to create platform %s: %w", info.Name, err)
		}
		if ctx != nil && ctx.Logger != nil && len(entities) > 0 {
			ctx.Logger.Debug("Platform created entities",
				zap.String("platform", info.Name),
				zap.Int("entities", len(entities)))
		}
		result = append(result, entities...)
	}

	return result, nil
}

// Names returns the names of all registered platforms.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// Global registry instance
var globalRegistry = NewRegistry()

// Register adds a platform to the global registry.
// This is typically called from init() functions in platform packages.
func Register(info PlatformInfo) error {
	return globalRegistry.Register(info)
}

// Global returns the global registry.
func Global() *Registry {
	return globalRegistry
}

// Names returns all platform names from the global registry.
func Names() []string {
	return globalRegistry.Names()
}
