package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by requests issued while the socket is down.
var ErrNotConnected = errors.New("not connected")

// HAClient defines the interface for Home Assistant WebSocket client
type HAClient interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	// IsRunning reports whether Home Assistant has finished starting.
	IsRunning() bool
	GetConfig() (*HostConfig, error)
	GetState(entityID string) (*State, error)
	GetAllStates() ([]*State, error)
	GetAreas() ([]*AreaEntry, error)
	GetDevices() ([]*DeviceEntry, error)
	GetEntities() ([]*EntityEntry, error)
	CallService(domain, service string, data map[string]interface{}) error
	SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error)
	SubscribeEvents(eventType string, handler EventHandler) (Subscription, error)
}

type stateEntry struct {
	subID   int
	handler StateChangeHandler
}

type eventEntry struct {
	subID   int
	handler EventHandler
}

// Client implements HAClient interface
type Client struct {
	url       string
	token     string
	logger    *zap.Logger
	conn      *websocket.Conn
	connected bool
	running   bool
	connMu    sync.RWMutex
	msgID     int
	msgIDMu   sync.Mutex
	pending   map[int]chan Message
	pendingMu sync.Mutex

	subsMu       sync.RWMutex
	stateSubs    map[string][]stateEntry
	eventSubs    map[string][]eventEntry
	remoteEvents map[string]bool
	nextSubID    int

	// Event-bus handlers run on one dispatcher goroutine, in arrival order.
	events     *eventQueue
	dispatchMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	reconnect bool
	writeMu   sync.Mutex // Protects websocket writes
	timeout   time.Duration
}

// NewClient creates a new Home Assistant WebSocket client
func NewClient(url, token string, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:          url,
		token:        token,
		logger:       logger.Named("ha"),
		pending:      make(map[int]chan Message),
		stateSubs:    make(map[string][]stateEntry),
		eventSubs:    make(map[string][]eventEntry),
		remoteEvents: make(map[string]bool),
		events:       newEventQueue(),
		ctx:          ctx,
		cancel:       cancel,
		reconnect:    true,
		timeout:      10 * time.Second,
	}
}

func (c *Client) resetContextLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
}

// Connect establishes WebSocket connection and authenticates
func (c *Client) Connect() error {
	c.connMu.Lock()

	if c.connected {
		c.connMu.Unlock()
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		c.connMu.Unlock()
		return err
	}

	c.conn = conn
	c.resetContextLocked()
	c.connected = true
	c.reconnect = true
	c.logger.Info("Connected to Home Assistant")

	go c.receiveMessages()
	go c.dispatchEvents(c.ctx)

	// Subscriptions below go through sendMessage, which takes connMu.
	c.connMu.Unlock()

	c.subsMu.Lock()
	c.remoteEvents = make(map[string]bool)
	eventTypes := []string{EventStateChanged, EventHomeAssistantStarted}
	for eventType := range c.eventSubs {
		eventTypes = append(eventTypes, eventType)
	}
	c.subsMu.Unlock()

	for _, eventType := range eventTypes {
		if err := c.ensureRemoteSubscription(eventType); err != nil {
			c.logger.Warn("Failed to subscribe to events",
				zap.String("event_type", eventType),
				zap.Error(err))
		}
	}

	cfg, err := c.GetConfig()
	if err != nil {
		c.logger.Warn("Failed to read host config", zap.Error(err))
		return nil
	}
	c.setRunning(cfg.State == HostStateRunning)
	c.logger.Info("Home Assistant config loaded",
		zap.String("state", cfg.State),
		zap.String("version", cfg.Version))

	return nil
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	var authRequired Message
	if err := conn.ReadJSON(&authRequired); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if authRequired.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", authRequired.Type)
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(AuthMessage{Type: "auth", AccessToken: c.token})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var authResponse Message
	if err := conn.ReadJSON(&authResponse); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	switch authResponse.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("authentication failed: invalid token")
	default:
		return fmt.Errorf("expected auth_ok, got %s", authResponse.Type)
	}
}

// Disconnect closes the WebSocket connection
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.connected {
		return nil
	}

	c.reconnect = false
	c.cancel()
	c.connected = false
	c.running = false

	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.conn.Close()
		c.conn = nil
	}

	c.subsMu.Lock()
	c.stateSubs = make(map[string][]stateEntry)
	c.eventSubs = make(map[string][]eventEntry)
	c.remoteEvents = make(map[string]bool)
	c.subsMu.Unlock()

	c.logger.Info("Disconnected from Home Assistant")
	return nil
}

// IsConnected returns true if client is connected
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

func (c *Client) IsRunning() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.running
}

func (c *Client) setRunning(running bool) {
	c.connMu.Lock()
	c.running = running
	c.connMu.Unlock()
}

func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// sendMessage sends a request and waits for its result
func (c *Client) sendMessage(req request) (*Message, error) {
	c.connMu.RLock()
	if !c.connected {
		c.connMu.RUnlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	ctx := c.ctx
	c.connMu.RUnlock()

	msgID := req.requestID()
	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("HA error: %s - %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return &resp, nil
	case <-time.After(c.timeout):
		return nil, fmt.Errorf("timeout waiting for response")
	case <-ctx.Done():
		return nil, fmt.Errorf("client disconnected")
	}
}

// command sends a parameterless command and decodes its result into out.
func (c *Client) command(commandType string, out interface{}) error {
	resp, err := c.sendMessage(&CommandRequest{ID: c.nextMsgID(), Type: commandType})
	if err != nil {
		return fmt.Errorf("%s: %w", commandType, err)
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", commandType, err)
	}
	return nil
}

// receiveMessages handles incoming messages in the background
func (c *Client) receiveMessages() {
	c.connMu.RLock()
	conn := c.conn
	ctx := c.ctx
	c.connMu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("Failed to read message", zap.Error(err))
			c.handleDisconnect()
			return
		}

		if msg.Type == "event" {
			c.handleEvent(&msg)
			continue
		}

		// Route response to waiting goroutine
		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

func (c *Client) handleEvent(msg *Message) {
	if msg.Event == nil {
		return
	}
	event := msg.Event

	if event.EventType == EventHomeAssistantStarted {
		c.setRunning(true)
		c.logger.Info("Home Assistant started")
	}

	// Event handlers may issue requests, so they must not run on the reader.
	c.events.push(event)

	if event.EventType != EventStateChanged {
		return
	}

	var eventData StateChangedEvent
	if err := json.Unmarshal(event.Data, &eventData); err != nil {
		c.logger.Error("Failed to unmarshal state_changed event", zap.Error(err))
		return
	}

	c.subsMu.RLock()
	states := append([]stateEntry(nil), c.stateSubs[eventData.EntityID]...)
	c.subsMu.RUnlock()

	for _, entry := range states {
		entry.handler(eventData.EntityID, eventData.OldState, eventData.NewState)
	}
}

// dispatchEvents delivers queued events until ctx ends. A dispatcher left
// over from a previous connection may overlap with the next one; dispatchMu
// keeps delivery sequential across both.
func (c *Client) dispatchEvents(ctx context.Context) {
	for {
		for c.dispatchNext() {
		}
		select {
		case <-ctx.Done():
			return
		case <-c.events.ready:
		}
	}
}

func (c *Client) dispatchNext() bool {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	event, ok := c.events.pop()
	if !ok {
		return false
	}

	c.subsMu.RLock()
	entries := append([]eventEntry(nil), c.eventSubs[event.EventType]...)
	c.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(event)
	}
	return true
}

// eventQueue is an unbounded FIFO. push never blocks the reader.
type eventQueue struct {
	mu    sync.Mutex
	items []*Event
	ready chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) push(event *Event) {
	q.mu.Lock()
	q.items = append(q.items, event)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (*Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	event := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return event, true
}

// handleDisconnect handles connection loss
func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	c.connected = false
	c.running = false
	reconnect := c.reconnect
	c.connMu.Unlock()

	c.logger.Warn("Connection lost")

	if !reconnect {
		return
	}

	go c.attemptReconnect()
}

// attemptReconnect tries to reconnect with exponential backoff
func (c *Client) attemptReconnect() {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		time.Sleep(backoff)

		c.connMu.RLock()
		reconnect := c.reconnect
		c.connMu.RUnlock()
		if !reconnect {
			return
		}

		c.logger.Info("Attempting to reconnect...")

		if err := c.Connect(); err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.logger.Info("Reconnected successfully")
		return
	}
}

// ensureRemoteSubscription subscribes to eventType on the server once per connection.
func (c *Client) ensureRemoteSubscription(eventType string) error {
	c.subsMu.Lock()
	if c.remoteEvents[eventType] {
		c.subsMu.Unlock()
		return nil
	}
	c.remoteEvents[eventType] = true
	c.subsMu.Unlock()

	_, err := c.sendMessage(&SubscribeEventsRequest{
		ID:        c.nextMsgID(),
		Type:      "subscribe_events",
		EventType: eventType,
	})
	if err != nil {
		c.subsMu.Lock()
		delete(c.remoteEvents, eventType)
		c.subsMu.Unlock()
	}
	return err
}

func (c *Client) GetConfig() (*HostConfig, error) {
	var cfg HostConfig
	if err := c.command("get_config", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetState retrieves the state of an entity
func (c *Client) GetState(entityID string) (*State, error) {
	states, err := c.GetAllStates()
	if err != nil {
		return nil, err
	}

	for _, state := range states {
		if state.EntityID == entityID {
			return state, nil
		}
	}

	return nil, fmt.Errorf("entity %s not found", entityID)
}

// GetAllStates retrieves all entity states
func (c *Client) GetAllStates() ([]*State, error) {
	var states []*State
	if err := c.command("get_states", &states); err != nil {
		return nil, err
	}
	return states, nil
}

func (c *Client) GetAreas() ([]*AreaEntry, error) {
	var areas []*AreaEntry
	if err := c.command("config/area_registry/list", &areas); err != nil {
		return nil, err
	}
	return areas, nil
}

func (c *Client) GetDevices() ([]*DeviceEntry, error) {
	var devices []*DeviceEntry
	if err := c.command("config/device_registry/list", &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func (c *Client) GetEntities() ([]*EntityEntry, error) {
	var entities []*EntityEntry
	if err := c.command("config/entity_registry/list", &entities); err != nil {
		return nil, err
	}
	return entities, nil
}

// CallService calls a Home Assistant service
func (c *Client) CallService(domain, service string, data map[string]interface{}) error {
	_, err := c.sendMessage(&CallServiceRequest{
		ID:          c.nextMsgID(),
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	})
	return err
}

// SubscribeStateChanges subscribes to state changes for a specific entity
func (c *Client) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	c.subsMu.Lock()
	subID := c.nextSubID
	c.nextSubID++
	c.stateSubs[entityID] = append(c.stateSubs[entityID], stateEntry{subID: subID, handler: handler})
	c.subsMu.Unlock()

	return SubscriptionFunc(func() error {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		c.stateSubs[entityID] = removeEntry(c.stateSubs[entityID], func(e stateEntry) bool { return e.subID == subID })
		if len(c.stateSubs[entityID]) == 0 {
			delete(c.stateSubs, entityID)
		}
		return nil
	}), nil
}

// SubscribeEvents delivers every event of eventType to handler.
func (c *Client) SubscribeEvents(eventType string, handler EventHandler) (Subscription, error) {
	c.subsMu.Lock()
	subID := c.nextSubID
	c.nextSubID++
	c.eventSubs[eventType] = append(c.eventSubs[eventType], eventEntry{subID: subID, handler: handler})
	c.subsMu.Unlock()

	unsubscribe := func() error {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		c.eventSubs[eventType] = removeEntry(c.eventSubs[eventType], func(e eventEntry) bool { return e.subID == subID })
		if len(c.eventSubs[eventType]) == 0 {
			delete(c.eventSubs, eventType)
		}
		return nil
	}

	if c.IsConnected() {
		if err := c.ensureRemoteSubscription(eventType); err != nil {
			unsubscribe()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", eventType, err)
		}
	}

	return SubscriptionFunc(unsubscribe), nil
}

func removeEntry[T any](entries []T, match func(T) bool) []T {
	for i, entry := range entries {
		if match(entry) {
			return append(entries[:i:i], entries[i+1:]...)
		}
	}
	return entries
}
