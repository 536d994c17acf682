package ha

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MockClient implements HAClient with in-memory states and registries.
// Handlers run synchronously on the caller's goroutine.
type MockClient struct {
	mu        sync.RWMutex
	states    map[string]*State
	areas     []*AreaEntry
	devices   []*DeviceEntry
	entities  []*EntityEntry
	config    HostConfig
	connected bool
	listErr   error
	pubErr    error

	subsMu    sync.RWMutex
	stateSubs map[string][]stateEntry
	eventSubs map[string][]eventEntry
	nextSubID int

	callsMu      sync.Mutex
	serviceCalls []ServiceCall
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// NewMockClient creates a connected-ready mock whose host reports RUNNING.
func NewMockClient() *MockClient {
	return &MockClient{
		states:    make(map[string]*State),
		config:    HostConfig{State: HostStateRunning, Latitude: 52.37, Longitude: 4.89, Version: "mock"},
		stateSubs: make(map[string][]stateEntry),
		eventSubs: make(map[string][]eventEntry),
	}
}

func (m *MockClient) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}
	m.connected = true
	return nil
}

func (m *MockClient) Disconnect() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()

	m.subsMu.Lock()
	m.stateSubs = make(map[string][]stateEntry)
	m.eventSubs = make(map[string][]eventEntry)
	m.subsMu.Unlock()
	return nil
}

func (m *MockClient) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MockClient) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.State == HostStateRunning
}

// SetRunning changes the reported host state. Switching to running fires
// homeassistant_started.
func (m *MockClient) SetRunning(running bool) {
	m.mu.Lock()
	was := m.config.State == HostStateRunning
	if running {
		m.config.State = HostStateRunning
	} else {
		m.config.State = "STARTING"
	}
	m.mu.Unlock()

	if running && !was {
		m.FireEvent(EventHomeAssistantStarted, map[string]interface{}{})
	}
}

func (m *MockClient) GetConfig() (*HostConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := m.config
	return &cfg, nil
}

func (m *MockClient) GetState(entityID string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s not found", entityID)
	}
	return state, nil
}

func (m *MockClient) GetAllStates() ([]*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}
	return states, nil
}

func (m *MockClient) GetAreas() ([]*AreaEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]*AreaEntry(nil), m.areas...), nil
}

func (m *MockClient) GetDevices() ([]*DeviceEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]*DeviceEntry(nil), m.devices...), nil
}

func (m *MockClient) GetEntities() ([]*EntityEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]*EntityEntry(nil), m.entities...), nil
}

// SetRegistryError makes the registry list calls fail with err (nil clears it).
func (m *MockClient) SetRegistryError(err error) {
	m.mu.Lock()
	m.listErr = err
	m.mu.Unlock()
}

// AddArea registers an area without firing events.
func (m *MockClient) AddArea(areaID, name string) {
	m.mu.Lock()
	m.areas = append(m.areas, &AreaEntry{AreaID: areaID, Name: name})
	m.mu.Unlock()
}

// AddDevice registers or replaces a device and fires device_registry_updated.
func (m *MockClient) AddDevice(device DeviceEntry) {
	m.mu.Lock()
	action := "create"
	replaced := false
	for i, d := range m.devices {
		if d.ID == device.ID {
			m.devices[i] = &device
			replaced = true
			action = "update"
		}
	}
	if !replaced {
		m.devices = append(m.devices, &device)
	}
	m.mu.Unlock()

	m.FireEvent(EventDeviceRegistryUpdated, RegistryUpdatedEvent{Action: action, DeviceID: device.ID})
}

// AddEntity registers or replaces an entity and fires entity_registry_updated.
func (m *MockClient) AddEntity(entity EntityEntry) {
	m.mu.Lock()
	action := "create"
	replaced := false
	for i, e := range m.entities {
		if e.EntityID == entity.EntityID {
			m.entities[i] = &entity
			replaced = true
			action = "update"
		}
	}
	if !replaced {
		m.entities = append(m.entities, &entity)
	}
	m.mu.Unlock()

	m.FireEvent(EventEntityRegistryUpdated, RegistryUpdatedEvent{Action: action, EntityID: entity.EntityID})
}

// RemoveEntity drops an entity registry entry and fires entity_registry_updated.
func (m *MockClient) RemoveEntity(entityID string) {
	m.mu.Lock()
	m.entities = removeEntry(m.entities, func(e *EntityEntry) bool { return e.EntityID == entityID })
	m.mu.Unlock()

	m.FireEvent(EventEntityRegistryUpdated, RegistryUpdatedEvent{Action: "remove", EntityID: entityID})
}

// CallService records a service call
func (m *MockClient) CallService(domain, service string, data map[string]interface{}) error {
	m.callsMu.Lock()
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	m.callsMu.Unlock()
	return nil
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// ClearServiceCalls clears the service call history
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = nil
}

func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	m.subsMu.Lock()
	subID := m.nextSubID
	m.nextSubID++
	m.stateSubs[entityID] = append(m.stateSubs[entityID], stateEntry{subID: subID, handler: handler})
	m.subsMu.Unlock()

	return SubscriptionFunc(func() error {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		m.stateSubs[entityID] = removeEntry(m.stateSubs[entityID], func(e stateEntry) bool { return e.subID == subID })
		if len(m.stateSubs[entityID]) == 0 {
			delete(m.stateSubs, entityID)
		}
		return nil
	}), nil
}

func (m *MockClient) SubscribeEvents(eventType string, handler EventHandler) (Subscription, error) {
	m.subsMu.Lock()
	subID := m.nextSubID
	m.nextSubID++
	m.eventSubs[eventType] = append(m.eventSubs[eventType], eventEntry{subID: subID, handler: handler})
	m.subsMu.Unlock()

	return SubscriptionFunc(func() error {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		m.eventSubs[eventType] = removeEntry(m.eventSubs[eventType], func(e eventEntry) bool { return e.subID == subID })
		if len(m.eventSubs[eventType]) == 0 {
			delete(m.eventSubs, eventType)
		}
		return nil
	}), nil
}

// StateSubscriberCount returns how many handlers watch entityID.
func (m *MockClient) StateSubscriberCount(entityID string) int {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	return len(m.stateSubs[entityID])
}

// EventSubscriberCount returns how many handlers watch eventType.
func (m *MockClient) EventSubscriberCount(eventType string) int {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	return len(m.eventSubs[eventType])
}

// SetState sets a state and notifies subscribers as a state_changed event would.
func (m *MockClient) SetState(entityID string, stateValue string, attributes map[string]interface{}) {
	if attributes == nil {
		attributes = make(map[string]interface{})
	}
	now := time.Now()

	m.mu.Lock()
	oldState := m.states[entityID]
	newState := &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	m.states[entityID] = newState
	m.mu.Unlock()

	m.notifyStateChange(entityID, oldState, newState)
}

// SimulateStateChange changes only the state value, keeping attributes.
func (m *MockClient) SimulateStateChange(entityID string, newStateValue string) {
	m.mu.RLock()
	var attributes map[string]interface{}
	if old := m.states[entityID]; old != nil {
		attributes = old.Attributes
	}
	m.mu.RUnlock()

	m.SetState(entityID, newStateValue, attributes)
}

// RemoveState deletes a state, notifying subscribers with a nil new state.
func (m *MockClient) RemoveState(entityID string) {
	m.mu.Lock()
	oldState := m.states[entityID]
	delete(m.states, entityID)
	m.mu.Unlock()

	m.notifyStateChange(entityID, oldState, nil)
}

// FireEvent delivers an event of eventType with data encoded as JSON.
func (m *MockClient) FireEvent(eventType string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte("{}")
	}
	event := &Event{
		EventType: eventType,
		Data:      raw,
		Origin:    "LOCAL",
		TimeFired: time.Now(),
	}

	m.subsMu.RLock()
	entries := append([]eventEntry(nil), m.eventSubs[eventType]...)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(event)
	}
}

// PublishState writes a state the way the REST states endpoint would.
func (m *MockClient) PublishState(ctx context.Context, entityID, state string, attributes map[string]interface{}) error {
	m.mu.RLock()
	err := m.pubErr
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.SetState(entityID, state, attributes)
	return nil
}

// SetPublishError makes PublishState fail with err until cleared with nil.
func (m *MockClient) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pubErr = err
}

func (m *MockClient) notifyStateChange(entityID string, oldState, newState *State) {
	m.subsMu.RLock()
	entries := append([]stateEntry(nil), m.stateSubs[entityID]...)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(entityID, oldState, newState)
	}

	m.FireEvent(EventStateChanged, StateChangedEvent{EntityID: entityID, OldState: oldState, NewState: newState})
}

// Verify interface compliance
var (
	_ HAClient = (*Client)(nil)
	_ HAClient = (*MockClient)(nil)
)
