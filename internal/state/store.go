// Package state holds the states of the entities this service derives and
// publishes them to Home Assistant.
package state

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"areagroups/internal/clock"
)

// ContextIDLength matches the length of Home Assistant context ids.
const ContextIDLength = 36

// EntityState is the last published state of a derived entity.
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	ContextID   string                 `json:"context_id"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

func (s *EntityState) clone() *EntityState {
	out := *s
	out.Attributes = copyAttributes(s.Attributes)
	return &out
}

// Publisher writes a state to the host.
type Publisher interface {
	PublishState(ctx context.Context, entityID, state string, attributes map[string]interface{}) error
}

// Store caches derived states and forwards writes to the host. In read-only
// mode states are cached but nothing is published.
type Store struct {
	publisher Publisher
	clock     clock.Clock
	logger    *zap.Logger
	readOnly  bool

	mu     sync.RWMutex
	states map[string]*EntityState
}

// NewStore creates an empty store.
func NewStore(publisher Publisher, clk clock.Clock, logger *zap.Logger, readOnly bool) *Store {
	return &Store{
		publisher: publisher,
		clock:     clk,
		logger:    logger.Named("state"),
		readOnly:  readOnly,
		states:    make(map[string]*EntityState),
	}
}

// ReadOnly reports whether writes stay local.
func (s *Store) ReadOnly() bool {
	return s.readOnly
}

// Set stores and publishes next. A blank ContextID gets a fresh one.
// LastChanged only moves when the state value changes. If publishing fails
// the previous state is restored and the error returned.
func (s *Store) Set(ctx context.Context, next EntityState) (*EntityState, error) {
	if next.EntityID == "" {
		return nil, fmt.Errorf("entity id is required")
	}
	now := s.clock.Now()
	next.Attributes = copyAttributes(next.Attributes)
	if next.ContextID == "" {
		next.ContextID = NewContextID("")
	}
	next.LastUpdated = now
	next.LastChanged = now

	s.mu.Lock()
	old := s.states[next.EntityID]
	if old != nil && old.State == next.State {
		next.LastChanged = old.LastChanged
	}
	stored := next.clone()
	s.states[next.EntityID] = stored
	s.mu.Unlock()

	if !s.readOnly && s.publisher != nil {
		if err := s.publisher.PublishState(ctx, next.EntityID, next.State, copyAttributes(next.Attributes)); err != nil {
			s.mu.Lock()
			// Only roll back if nothing newer landed meanwhile.
			if s.states[next.EntityID] == stored {
				if old != nil {
					s.states[next.EntityID] = old
				} else {
					delete(s.states, next.EntityID)
				}
			}
			s.mu.Unlock()
			return nil, fmt.Errorf("failed to publish %s: %w", next.EntityID, err)
		}
	} else {
		s.logger.Debug("READ-ONLY: state kept local",
			zap.String("entity_id", next.EntityID),
			zap.String("state", next.State))
	}

	return next.clone(), nil
}

// Changed reports whether state and attributes differ from what is stored.
func (s *Store) Changed(entityID, state string, attributes map[string]interface{}) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	old, ok := s.states[entityID]
	if !ok {
		return true
	}
	return old.State != state || !reflect.DeepEqual(normalize(old.Attributes), normalize(attributes))
}

// Get returns a copy of the stored state.
func (s *Store) Get(entityID string) (*EntityState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[entityID]
	if !ok {
		return nil, false
	}
	return st.clone(), true
}

// All returns copies of every stored state sorted by entity id.
func (s *Store) All() []*EntityState {
	s.mu.RLock()
	out := make([]*EntityState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Remove forgets an entity. The host keeps its last published state.
func (s *Store) Remove(entityID string) {
	s.mu.Lock()
	delete(s.states, entityID)
	s.mu.Unlock()
}

// NewContextID returns a context id starting with prefix, padded with random
// hex and cut to ContextIDLength.
func NewContextID(prefix string) string {
	id := prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(id) > ContextIDLength {
		id = id[:ContextIDLength]
	}
	return id
}

// NewContextPrefix returns a short random prefix identifying one writer.
func NewContextPrefix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

func copyAttributes(attrs map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func normalize(attrs map[string]interface{}) map[string]interface{} {
	if attrs == nil {
		return map[string]interface{}{}
	}
	return attrs
}
