// Package entity provides the lifecycle shared by every derived area group
// entity: id claiming, deferred setup, state tracking and publishing.
package entity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/iancoleman/strcase"
	"go.uber.org/zap"

	"areagroups/internal/ha"
	"areagroups/internal/state"
	"areagroups/pkg/plugin"
)

// PublishTimeout bounds a single state write.
const PublishTimeout = 10 * time.Second

// Base is embedded by platform entities.
type Base struct {
	ctx      *plugin.Context
	domain   string
	name     string
	uniqueID string
	entityID string
	prefix   string
	logger   *zap.Logger

	// trackMu serializes Retrack and Untrack; publishMu serializes state
	// writes. Both are taken before mu.
	trackMu   sync.Mutex
	publishMu sync.Mutex

	mu             sync.Mutex
	stateSubs      []ha.Subscription
	tracked        map[string]*ha.State
	startedSub     ha.Subscription
	removeListener func()
	stopped        bool
}

// NewBase builds the base for an entity called name in domain.
func NewBase(ctx *plugin.Context, domain, name string) *Base {
	uniqueID := Slug(name)
	entityID := domain + "." + uniqueID
	return &Base{
		ctx:      ctx,
		domain:   domain,
		name:     name,
		uniqueID: uniqueID,
		entityID: entityID,
		prefix:   state.NewContextPrefix(),
		logger:   ctx.Logger.With(zap.String("entity_id", entityID)),
	}
}

// Slug converts a display name into a unique id, e.g. "Kitchen Presence"
// becomes "kitchen_presence".
func Slug(name string) string {
	return strcase.ToSnake(name)
}

// Title turns a snake_case key into a display name, e.g. "garage_door"
// becomes "Garage Door".
func Title(key string) string {
	words := strings.Fields(strings.ReplaceAll(key, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func (b *Base) Name() string             { return b.name }
func (b *Base) EntityID() string         { return b.entityID }
func (b *Base) UniqueID() string         { return b.uniqueID }
func (b *Base) Domain() string           { return b.domain }
func (b *Base) Context() *plugin.Context { return b.ctx }
func (b *Base) Logger() *zap.Logger      { return b.logger }

// Claim removes the entity from its own group's resolved set.
func (b *Base) Claim() {
	b.ctx.Registry.Claim(b.entityID)
}

// Stopped reports whether Close has run.
func (b *Base) Stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// WhenRunning calls setup now if the host is running, otherwise once the
// host fires homeassistant_started. Setup runs at most once.
func (b *Base) WhenRunning(setup func()) error {
	var once sync.Once
	run := func() {
		once.Do(func() {
			if b.Stopped() {
				return
			}
			setup()
		})
	}

	if b.ctx.Client.IsRunning() {
		run()
		return nil
	}

	sub, err := b.ctx.Client.SubscribeEvents(ha.EventHomeAssistantStarted, func(*ha.Event) {
		b.dropStartedSub()
		run()
	})
	if err != nil {
		return fmt.Errorf("failed to wait for host start: %w", err)
	}

	b.mu.Lock()
	b.startedSub = sub
	b.mu.Unlock()

	// The host may have started between the check and the subscription.
	if b.ctx.Client.IsRunning() {
		b.dropStartedSub()
		run()
	} else {
		b.logger.Debug("Host not running, setup deferred")
	}
	return nil
}

func (b *Base) dropStartedSub() {
	b.mu.Lock()
	sub := b.startedSub
	b.startedSub = nil
	b.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// Listen registers onUpdate as a registry listener, replacing any previous one.
func (b *Base) Listen(onUpdate func() error) {
	remove := b.ctx.Registry.AddListener(onUpdate)

	b.mu.Lock()
	previous := b.removeListener
	b.removeListener = remove
	stopped := b.stopped
	b.mu.Unlock()

	if previous != nil {
		previous()
	}
	if stopped {
		remove()
	}
}

// Unlisten removes the registry listener.
func (b *Base) Unlisten() {
	b.mu.Lock()
	remove := b.removeListener
	b.removeListener = nil
	b.mu.Unlock()
	if remove != nil {
		remove()
	}
}

// Listening reports whether a registry listener is registered.
func (b *Base) Listening() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeListener != nil
}

// Track replaces the tracked entities. Their current states are seeded from
// the registry and kept current from state_changed deliveries; handler runs
// after each delivery.
func (b *Base) Track(entityIDs []string, handler func()) error {
	return b.Retrack(func() []string { return entityIDs }, handler)
}

// Retrack calls resolve and tracks the ids it returns, as one step with
// respect to other Retrack and Untrack calls. Entities store whatever resolve
// computed from inside it so the stored list always matches the
// subscriptions.
func (b *Base) Retrack(resolve func() []string, handler func()) error {
	b.trackMu.Lock()
	defer b.trackMu.Unlock()

	b.untrackLocked()
	if b.Stopped() {
		return nil
	}
	entityIDs := resolve()

	seeded := make(map[string]*ha.State, len(entityIDs))
	for _, entityID := range entityIDs {
		if st, ok := b.ctx.Registry.State(entityID); ok {
			seeded[entityID] = st
		}
	}
	b.mu.Lock()
	b.tracked = seeded
	b.mu.Unlock()

	subs := make([]ha.Subscription, 0, len(entityIDs))
	for _, entityID := range entityIDs {
		sub, err := b.ctx.Client.SubscribeStateChanges(entityID, func(id string, _ *ha.State, newState *ha.State) {
			b.mu.Lock()
			if b.stopped || b.tracked == nil {
				b.mu.Unlock()
				return
			}
			if newState == nil {
				delete(b.tracked, id)
			} else {
				b.tracked[id] = newState
			}
			b.mu.Unlock()
			handler()
		})
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return fmt.Errorf("failed to subscribe to %s: %w", entityID, err)
		}
		subs = append(subs, sub)
	}

	b.mu.Lock()
	b.stateSubs = subs
	b.mu.Unlock()
	return nil
}

// Untrack drops every state subscription.
func (b *Base) Untrack() {
	b.trackMu.Lock()
	defer b.trackMu.Unlock()
	b.untrackLocked()
}

func (b *Base) untrackLocked() {
	b.mu.Lock()
	subs := b.stateSubs
	b.stateSubs = nil
	b.tracked = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// Subscriptions returns the number of live state subscriptions.
func (b *Base) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.stateSubs)
}

// Tracked returns the latest known state of a tracked entity.
func (b *Base) Tracked(entityID string) (*ha.State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.tracked[entityID]
	return st, ok
}

// LastState returns the entity's own state as last seen by the host.
func (b *Base) LastState() (*ha.State, bool) {
	st, err := b.ctx.Client.GetState(b.entityID)
	if err != nil || st == nil {
		return nil, false
	}
	return st, true
}

// Publish writes the entity state when it differs from the last write.
func (b *Base) Publish(value string, attributes map[string]interface{}) error {
	return b.PublishState(func() (string, map[string]interface{}) { return value, attributes })
}

// PublishState takes a snapshot and writes it, one writer at a time. The
// snapshot is taken after earlier writes finish, so the last write always
// carries the latest state.
func (b *Base) PublishState(snapshot func() (string, map[string]interface{})) error {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	if b.Stopped() {
		return nil
	}
	value, attributes := snapshot()
	attrs := make(map[string]interface{}, len(attributes)+1)
	for k, v := range attributes {
		attrs[k] = v
	}
	if _, ok := attrs["friendly_name"]; !ok {
		attrs["friendly_name"] = b.name
	}
	if !b.ctx.Store.Changed(b.entityID, value, attrs) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), PublishTimeout)
	defer cancel()

	_, err := b.ctx.Store.Set(ctx, state.EntityState{
		EntityID:   b.entityID,
		State:      value,
		Attributes: attrs,
		ContextID:  state.NewContextID(b.prefix),
	})
	if err != nil {
		return err
	}

	b.ctx.Metrics.EntityUpdated(b.entityID)
	b.logger.Debug("State published", zap.String("state", value))
	return nil
}

// CallService calls a host service, or only logs it in read-only mode.
func (b *Base) CallService(domain, service string, data map[string]interface{}) error {
	if b.ctx.ReadOnly {
		b.logger.Info("READ-ONLY: Would call service",
			zap.String("domain", domain),
			zap.String("service", service),
			zap.Any("data", data))
		return nil
	}
	return b.ctx.Client.CallService(domain, service, data)
}

// Close drops every subscription and listener. Later callbacks are ignored.
func (b *Base) Close() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	b.dropStartedSub()
	b.Unlisten()
	b.Untrack()

	b.publishMu.Lock()
	b.ctx.Store.Remove(b.entityID)
	b.publishMu.Unlock()
}
