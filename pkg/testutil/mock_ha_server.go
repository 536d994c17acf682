// Package testutil provides testing utilities for area group platforms.
// This package contains a mock Home Assistant server speaking the WebSocket
// and REST APIs, plus helpers for writing platform and integration tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"areagroups/internal/ha"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) write(msg interface{}) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.WriteJSON(msg)
}

// MockHAServer simulates the parts of Home Assistant the service talks to:
// auth, get_config, get_states, the three registries, subscribe_events,
// call_service and POST /api/states/<entity_id>.
type MockHAServer struct {
	server *httptest.Server
	token  string

	mu       sync.RWMutex
	states   map[string]*ha.State
	areas    []*ha.AreaEntry
	devices  []*ha.DeviceEntry
	entities []*ha.EntityEntry
	config   ha.HostConfig

	connsMu     sync.Mutex
	connections []*connWrapper

	callsMu      sync.Mutex
	serviceCalls []ServiceCall
}

// NewMockHAServer creates a mock server that reports a running host.
func NewMockHAServer(token string) *MockHAServer {
	return &MockHAServer{
		token:  token,
		states: make(map[string]*ha.State),
		config: ha.HostConfig{State: ha.HostStateRunning, Latitude: 52.37, Longitude: 4.89, Version: "mock"},
	}
}

// Start listens on a random local port.
func (s *MockHAServer) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	mux.HandleFunc("POST /api/states/{entity_id}", s.handlePostState)
	s.server = httptest.NewServer(mux)
}

// URL returns the WebSocket endpoint.
func (s *MockHAServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// Stop closes every connection and the listener.
func (s *MockHAServer) Stop() {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	if s.server != nil {
		s.server.Close()
	}
}

// SetRunning changes the host state. Switching to running broadcasts
// homeassistant_started.
func (s *MockHAServer) SetRunning(running bool) {
	s.mu.Lock()
	was := s.config.State == ha.HostStateRunning
	if running {
		s.config.State = ha.HostStateRunning
	} else {
		s.config.State = "NOT_RUNNING"
	}
	s.mu.Unlock()

	if running && !was {
		s.broadcastEvent(ha.EventHomeAssistantStarted, map[string]interface{}{})
	}
}

// AddArea registers an area.
func (s *MockHAServer) AddArea(areaID, name string) {
	s.mu.Lock()
	s.areas = append(s.areas, &ha.AreaEntry{AreaID: areaID, Name: name})
	s.mu.Unlock()
}

// AddEntity registers an entity and broadcasts entity_registry_updated.
func (s *MockHAServer) AddEntity(entity ha.EntityEntry) {
	s.mu.Lock()
	s.entities = append(s.entities, &entity)
	s.mu.Unlock()

	s.broadcastEvent(ha.EventEntityRegistryUpdated, ha.RegistryUpdatedEvent{Action: "create", EntityID: entity.EntityID})
}

// SetState sets a state and broadcasts state_changed.
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	if attributes == nil {
		attributes = map[string]interface{}{}
	}
	now := time.Now()

	s.mu.Lock()
	oldState := s.states[entityID]
	newState := &ha.State{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	s.states[entityID] = newState
	s.mu.Unlock()

	s.broadcastEvent(ha.EventStateChanged, ha.StateChangedEvent{
		EntityID: entityID,
		NewState: newState,
		OldState: oldState,
	})
}

// GetState retrieves a state
func (s *MockHAServer) GetState(entityID string) *ha.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[entityID]
}

// handleWebSocket handles WebSocket connections
func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wrapper := &connWrapper{conn: conn}
	defer s.dropConnection(wrapper)

	wrapper.write(ha.Message{Type: "auth_required"})

	var authMsg ha.AuthMessage
	if err := conn.ReadJSON(&authMsg); err != nil {
		return
	}
	if authMsg.AccessToken != s.token {
		wrapper.write(ha.Message{Type: "auth_invalid"})
		return
	}
	wrapper.write(ha.Message{Type: "auth_ok"})

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			return
		}

		var base struct {
			ID   int    `json:"id"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &base); err != nil {
			continue
		}

		switch base.Type {
		case "subscribe_events":
			s.reply(wrapper, base.ID, nil)
		case "get_config":
			s.mu.RLock()
			cfg := s.config
			s.mu.RUnlock()
			s.reply(wrapper, base.ID, cfg)
		case "get_states":
			s.mu.RLock()
			states := make([]*ha.State, 0, len(s.states))
			for _, st := range s.states {
				states = append(states, st)
			}
			s.mu.RUnlock()
			s.reply(wrapper, base.ID, states)
		case "config/area_registry/list":
			s.mu.RLock()
			areas := append([]*ha.AreaEntry{}, s.areas...)
			s.mu.RUnlock()
			s.reply(wrapper, base.ID, areas)
		case "config/device_registry/list":
			s.mu.RLock()
			devices := append([]*ha.DeviceEntry{}, s.devices...)
			s.mu.RUnlock()
			s.reply(wrapper, base.ID, devices)
		case "config/entity_registry/list":
			s.mu.RLock()
			entities := append([]*ha.EntityEntry{}, s.entities...)
			s.mu.RUnlock()
			s.reply(wrapper, base.ID, entities)
		case "call_service":
			s.handleCallService(wrapper, raw)
		default:
			success := false
			wrapper.write(ha.Message{
				ID:      base.ID,
				Type:    "result",
				Success: &success,
				Error:   &ha.Error{Code: "unknown_command", Message: base.Type},
			})
		}
	}
}

func (s *MockHAServer) dropConnection(wrapper *connWrapper) {
	s.connsMu.Lock()
	for i, w := range s.connections {
		if w == wrapper {
			s.connections = append(s.connections[:i], s.connections[i+1:]...)
			break
		}
	}
	s.connsMu.Unlock()
	wrapper.conn.Close()
}

func (s *MockHAServer) reply(wrapper *connWrapper, id int, result interface{}) {
	var raw json.RawMessage
	if result != nil {
		raw, _ = json.Marshal(result)
	}
	success := true
	wrapper.write(ha.Message{ID: id, Type: "result", Success: &success, Result: raw})
}

// handleCallService records the call. light.turn_on and light.turn_off also
// update the state of the targeted lights.
func (s *MockHAServer) handleCallService(wrapper *connWrapper, raw json.RawMessage) {
	var req ha.CallServiceRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}

	s.callsMu.Lock()
	s.serviceCalls = append(s.serviceCalls, ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
	})
	s.callsMu.Unlock()

	s.reply(wrapper, req.ID, nil)

	if req.Domain != "light" {
		return
	}
	value := "on"
	if req.Service == "turn_off" {
		value = "off"
	}
	for _, entityID := range entityIDs(req.ServiceData["entity_id"]) {
		attrs := map[string]interface{}{}
		if old := s.GetState(entityID); old != nil {
			for k, v := range old.Attributes {
				attrs[k] = v
			}
		}
		for _, key := range []string{"brightness_pct", "color_temp_kelvin"} {
			if v, ok := req.ServiceData[key]; ok {
				attrs[key] = v
			}
		}
		s.SetState(entityID, value, attrs)
	}
}

func entityIDs(v interface{}) []string {
	switch ids := v.(type) {
	case string:
		return []string{ids}
	case []interface{}:
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			if s, ok := id.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// handlePostState implements the REST state write.
func (s *MockHAServer) handlePostState(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var body struct {
		State      string                 `json:"state"`
		Attributes map[string]interface{} `json:"attributes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entityID := r.PathValue("entity_id")
	existed := s.GetState(entityID) != nil
	s.SetState(entityID, body.State, body.Attributes)

	status := http.StatusOK
	if !existed {
		status = http.StatusCreated
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(s.GetState(entityID))
}

func (s *MockHAServer) broadcastEvent(eventType string, data interface{}) {
	raw, _ := json.Marshal(data)
	msg := ha.Message{
		Type: "event",
		Event: &ha.Event{
			EventType: eventType,
			Data:      raw,
			Origin:    "LOCAL",
			TimeFired: time.Now(),
		},
	}

	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	for _, wrapper := range wrappers {
		wrapper.write(msg)
	}
}

// GetServiceCalls returns all service calls since last clear
func (s *MockHAServer) GetServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	calls := make([]ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

// ClearServiceCalls resets the service call log
func (s *MockHAServer) ClearServiceCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.serviceCalls = nil
}

// CountServiceCalls counts service calls matching criteria
func (s *MockHAServer) CountServiceCalls(domain, service string) int {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()

	count := 0
	for _, call := range s.serviceCalls {
		if call.Domain == domain && call.Service == service {
			count++
		}
	}
	return count
}
