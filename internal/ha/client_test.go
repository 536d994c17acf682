package ha

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockHAServer creates a mock Home Assistant WebSocket server
func mockHAServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		handler(conn)
	}))
}

// standardAuthFlow handles the standard authentication flow
func standardAuthFlow(t *testing.T, conn *websocket.Conn, token string) {
	err := conn.WriteJSON(Message{Type: "auth_required"})
	require.NoError(t, err)

	var authMsg AuthMessage
	err = conn.ReadJSON(&authMsg)
	require.NoError(t, err)
	assert.Equal(t, "auth", authMsg.Type)
	assert.Equal(t, token, authMsg.AccessToken)

	err = conn.WriteJSON(Message{Type: "auth_ok"})
	require.NoError(t, err)
}

// fakeHost answers requests by type until the connection closes. results maps
// a request type to the JSON result returned for it.
type fakeHost struct {
	mu         sync.Mutex
	conn       *websocket.Conn
	results    map[string]interface{}
	subscribed []string
	calls      []CallServiceRequest
	ready      chan struct{}
}

func newFakeHost(results map[string]interface{}) *fakeHost {
	if _, ok := results["get_config"]; !ok {
		results["get_config"] = HostConfig{State: HostStateRunning, Version: "2024.6.0"}
	}
	return &fakeHost{results: results, ready: make(chan struct{})}
}

func (h *fakeHost) serve(t *testing.T, token string) func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		h.mu.Lock()
		h.conn = conn
		h.mu.Unlock()
		close(h.ready)

		for {
			var raw json.RawMessage
			if err := conn.ReadJSON(&raw); err != nil {
				return
			}
			var base struct {
				ID        int    `json:"id"`
				Type      string `json:"type"`
				EventType string `json:"event_type"`
			}
			if err := json.Unmarshal(raw, &base); err != nil {
				continue
			}

			success := true
			resp := Message{ID: base.ID, Type: "result", Success: &success}

			h.mu.Lock()
			switch base.Type {
			case "subscribe_events":
				h.subscribed = append(h.subscribed, base.EventType)
			case "call_service":
				var req CallServiceRequest
				json.Unmarshal(raw, &req)
				h.calls = append(h.calls, req)
			default:
				if result, ok := h.results[base.Type]; ok {
					resp.Result, _ = json.Marshal(result)
				} else {
					failed := false
					resp.Success = &failed
					resp.Error = &Error{Code: "unknown_command", Message: "Unknown command."}
				}
			}
			err := conn.WriteJSON(resp)
			h.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (h *fakeHost) send(t *testing.T, eventType string, data interface{}) {
	<-h.ready
	raw, err := json.Marshal(data)
	require.NoError(t, err)

	h.mu.Lock()
	defer h.mu.Unlock()
	err = h.conn.WriteJSON(Message{
		Type:  "event",
		Event: &Event{EventType: eventType, Data: raw, TimeFired: time.Now()},
	})
	require.NoError(t, err)
}

func (h *fakeHost) subscriptions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.subscribed...)
}

func connectedClient(t *testing.T, host *fakeHost) *Client {
	token := "test_token"
	server := mockHAServer(t, host.serve(t, token))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client := NewClient(url, token, zap.NewNop())
	require.NoError(t, client.Connect())
	t.Cleanup(func() { client.Disconnect() })
	return client
}

func TestClient_Connect(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	t.Run("successful connection", func(t *testing.T) {
		host := newFakeHost(map[string]interface{}{})
		client := connectedClient(t, host)

		assert.True(t, client.IsConnected())
		assert.True(t, client.IsRunning())
		assert.ElementsMatch(t, []string{EventStateChanged, EventHomeAssistantStarted}, host.subscriptions())
	})

	t.Run("host still starting", func(t *testing.T) {
		host := newFakeHost(map[string]interface{}{
			"get_config": HostConfig{State: "NOT_RUNNING"},
		})
		client := connectedClient(t, host)

		assert.True(t, client.IsConnected())
		assert.False(t, client.IsRunning())

		host.send(t, EventHomeAssistantStarted, map[string]interface{}{})
		assert.Eventually(t, client.IsRunning, time.Second, 10*time.Millisecond)
	})

	t.Run("invalid token", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			conn.WriteJSON(Message{Type: "auth_required"})

			var authMsg AuthMessage
			conn.ReadJSON(&authMsg)

			conn.WriteJSON(Message{Type: "auth_invalid"})
		})
		defer server.Close()

		url := "ws" + strings.TrimPrefix(server.URL, "http")
		client := NewClient(url, "wrong_token", logger)

		err := client.Connect()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "authentication failed")
		assert.False(t, client.IsConnected())
	})

	t.Run("already connected", func(t *testing.T) {
		client := connectedClient(t, newFakeHost(map[string]interface{}{}))

		err := client.Connect()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already connected")
	})
}

func TestClient_GetAllStates(t *testing.T) {
	host := newFakeHost(map[string]interface{}{
		"get_states": []*State{
			{EntityID: "binary_sensor.kitchen_motion", State: "on", Attributes: map[string]interface{}{"device_class": "motion"}},
			{EntityID: "sensor.kitchen_temperature", State: "21.5"},
		},
	})
	client := connectedClient(t, host)

	states, err := client.GetAllStates()
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "binary_sensor.kitchen_motion", states[0].EntityID)
	assert.Equal(t, "motion", states[0].Attribute("device_class"))

	state, err := client.GetState("sensor.kitchen_temperature")
	require.NoError(t, err)
	assert.Equal(t, "21.5", state.State)

	_, err = client.GetState("sensor.nonexistent")
	assert.Error(t, err)
}

func TestClient_RegistryLists(t *testing.T) {
	host := newFakeHost(map[string]interface{}{
		"config/area_registry/list": []map[string]interface{}{
			{"area_id": "kitchen", "name": "Kitchen"},
		},
		"config/device_registry/list": []map[string]interface{}{
			{"id": "dev1", "area_id": "kitchen", "name": "Hue bulb", "disabled_by": nil},
		},
		"config/entity_registry/list": []map[string]interface{}{
			{"entity_id": "light.kitchen", "device_id": "dev1", "area_id": nil, "disabled_by": nil},
			{"entity_id": "sensor.old", "device_id": nil, "area_id": "kitchen", "disabled_by": "user"},
		},
	})
	client := connectedClient(t, host)

	areas, err := client.GetAreas()
	require.NoError(t, err)
	require.Len(t, areas, 1)
	assert.Equal(t, "kitchen", areas[0].AreaID)

	devices, err := client.GetDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "kitchen", devices[0].AreaID)
	assert.Empty(t, devices[0].DisabledBy)

	entities, err := client.GetEntities()
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "dev1", entities[0].DeviceID)
	assert.Empty(t, entities[0].AreaID, "null area decodes to empty")
	assert.Equal(t, "user", entities[1].DisabledBy)
}

func TestClient_UnknownCommandReturnsHostError(t *testing.T) {
	client := connectedClient(t, newFakeHost(map[string]interface{}{}))

	_, err := client.GetAreas()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown_command")
}

func TestClient_CallService(t *testing.T) {
	host := newFakeHost(map[string]interface{}{})
	client := connectedClient(t, host)

	err := client.CallService("light", "turn_on", map[string]interface{}{
		"entity_id":      "light.kitchen",
		"brightness_pct": 80,
	})
	require.NoError(t, err)

	host.mu.Lock()
	defer host.mu.Unlock()
	require.Len(t, host.calls, 1)
	assert.Equal(t, "light", host.calls[0].Domain)
	assert.Equal(t, "turn_on", host.calls[0].Service)
	assert.Equal(t, "light.kitchen", host.calls[0].ServiceData["entity_id"])
}

func TestClient_SubscribeStateChanges(t *testing.T) {
	host := newFakeHost(map[string]interface{}{})
	client := connectedClient(t, host)

	received := make(chan *State, 4)
	sub, err := client.SubscribeStateChanges("binary_sensor.hall_motion", func(entityID string, oldState, newState *State) {
		received <- newState
	})
	require.NoError(t, err)

	host.send(t, EventStateChanged, StateChangedEvent{
		EntityID: "binary_sensor.other",
		NewState: &State{EntityID: "binary_sensor.other", State: "on"},
	})
	host.send(t, EventStateChanged, StateChangedEvent{
		EntityID: "binary_sensor.hall_motion",
		NewState: &State{EntityID: "binary_sensor.hall_motion", State: "on"},
	})

	select {
	case state := <-received:
		assert.Equal(t, "binary_sensor.hall_motion", state.EntityID)
		assert.Equal(t, "on", state.State)
	case <-time.After(time.Second):
		t.Fatal("state change not delivered")
	}

	require.NoError(t, sub.Unsubscribe())
	host.send(t, EventStateChanged, StateChangedEvent{
		EntityID: "binary_sensor.hall_motion",
		NewState: &State{EntityID: "binary_sensor.hall_motion", State: "off"},
	})

	select {
	case state := <-received:
		t.Fatalf("unexpected delivery after unsubscribe: %v", state)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClient_SubscribeEvents(t *testing.T) {
	host := newFakeHost(map[string]interface{}{})
	client := connectedClient(t, host)

	received := make(chan RegistryUpdatedEvent, 1)
	sub, err := client.SubscribeEvents(EventEntityRegistryUpdated, func(event *Event) {
		var data RegistryUpdatedEvent
		json.Unmarshal(event.Data, &data)
		received <- data
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	assert.Contains(t, host.subscriptions(), EventEntityRegistryUpdated)

	// Second handler for the same type must not subscribe remotely again.
	sub2, err := client.SubscribeEvents(EventEntityRegistryUpdated, func(*Event) {})
	require.NoError(t, err)
	defer sub2.Unsubscribe()
	count := 0
	for _, eventType := range host.subscriptions() {
		if eventType == EventEntityRegistryUpdated {
			count++
		}
	}
	assert.Equal(t, 1, count)

	host.send(t, EventEntityRegistryUpdated, RegistryUpdatedEvent{Action: "update", EntityID: "light.kitchen"})

	select {
	case data := <-received:
		assert.Equal(t, "update", data.Action)
		assert.Equal(t, "light.kitchen", data.EntityID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestClient_NotConnected(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/api/websocket", "token", zap.NewNop())

	_, err := client.GetAllStates()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, client.IsRunning())
}

func TestClient_EventsDeliveredInOrder(t *testing.T) {
	host := newFakeHost(map[string]interface{}{})
	client := connectedClient(t, host)

	var mu sync.Mutex
	var received []string
	sub, err := client.SubscribeEvents(EventStateChanged, func(event *Event) {
		var data StateChangedEvent
		json.Unmarshal(event.Data, &data)
		mu.Lock()
		received = append(received, data.NewState.State)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	const count = 500
	want := make([]string, 0, count)
	for i := 0; i < count; i++ {
		value := strconv.Itoa(i)
		want = append(want, value)
		host.send(t, EventStateChanged, StateChangedEvent{
			EntityID: "binary_sensor.motion",
			NewState: &State{EntityID: "binary_sensor.motion", State: value},
		})
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == count
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, received)
}

func TestClient_SlowHandlerDoesNotBlockRequests(t *testing.T) {
	host := newFakeHost(map[string]interface{}{
		"get_states": []*State{{EntityID: "light.kitchen", State: "on"}},
	})
	client := connectedClient(t, host)

	done := make(chan error, 1)
	sub, err := client.SubscribeEvents(EventEntityRegistryUpdated, func(*Event) {
		_, err := client.GetAllStates()
		done <- err
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	host.send(t, EventEntityRegistryUpdated, RegistryUpdatedEvent{Action: "create", EntityID: "light.kitchen"})

	select {
	case err := <-done:
		assert.NoError(t, err, "handlers may issue requests")
	case <-time.After(2 * time.Second):
		t.Fatal("request from event handler never completed")
	}
}
