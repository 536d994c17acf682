// Package resolver turns an area group's selections into the concrete list of
// entity ids the group aggregates over.
package resolver

import (
	"github.com/samber/lo"
)

// GroupConfig is the selection a group resolves. Slices are treated as sets
// except for AreaIDs and IncludeEntityIDs, whose order carries into the result.
type GroupConfig struct {
	AreaIDs          []string
	ExcludeEntityIDs []string
	IncludeEntityIDs []string
	// OwnedEntityIDs are entities the group itself creates. They are never
	// part of its own input.
	OwnedEntityIDs []string
}

// EntityInfo is what the catalog knows about a single entity.
type EntityInfo struct {
	EntityID    string
	Domain      string
	DeviceClass string
	Disabled    bool
}

// Catalog is the live host lookup used during resolution.
type Catalog interface {
	AreaEntities(areaID string) []string
	Entity(entityID string) (EntityInfo, bool)
}

// Resolve computes the ordered, deduplicated entity set for cfg. Unknown and
// disabled entities are dropped silently; the result is never nil and never
// shares memory with cfg.
func Resolve(cfg GroupConfig, catalog Catalog) EntitySet {
	excluded := toSet(cfg.ExcludeEntityIDs)
	owned := toSet(cfg.OwnedEntityIDs)

	var candidates []string
	for _, areaID := range cfg.AreaIDs {
		for _, entityID := range catalog.AreaEntities(areaID) {
			if _, ok := excluded[entityID]; ok {
				continue
			}
			if _, ok := owned[entityID]; ok {
				continue
			}
			candidates = append(candidates, entityID)
		}
	}

	// Includes bypass the exclude list but not self-exclusion.
	for _, entityID := range cfg.IncludeEntityIDs {
		if _, ok := owned[entityID]; ok {
			continue
		}
		candidates = append(candidates, entityID)
	}

	candidates = lo.Uniq(candidates)

	resolved := lo.Filter(candidates, func(entityID string, _ int) bool {
		info, ok := catalog.Entity(entityID)
		return ok && !info.Disabled
	})
	if resolved == nil {
		resolved = []string{}
	}
	return EntitySet(resolved)
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
