package resolver

import "github.com/samber/lo"

// EntitySet is an ordered list of unique entity ids.
type EntitySet []string

// Contains reports whether entityID is in the set.
func (s EntitySet) Contains(entityID string) bool {
	return lo.Contains(s, entityID)
}

// Clone returns a copy that does not alias s.
func (s EntitySet) Clone() EntitySet {
	out := make(EntitySet, len(s))
	copy(out, s)
	return out
}

// Equal reports whether both sets hold the same ids in the same order.
func (s EntitySet) Equal(other EntitySet) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}
