package ha

import (
	"encoding/json"
	"strings"
	"time"
)

// Event types the service listens for.
const (
	EventStateChanged          = "state_changed"
	EventDeviceRegistryUpdated = "device_registry_updated"
	EventEntityRegistryUpdated = "entity_registry_updated"
	EventHomeAssistantStarted  = "homeassistant_started"
)

// HostStateRunning is the get_config state reported once startup has completed.
const HostStateRunning = "RUNNING"

// Message represents a base WebSocket message to/from Home Assistant
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error represents an error response from Home Assistant
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event represents an event message from Home Assistant
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent represents a state_changed event
type StateChangedEvent struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// RegistryUpdatedEvent is the payload of device_registry_updated and
// entity_registry_updated.
type RegistryUpdatedEvent struct {
	Action   string `json:"action"`
	DeviceID string `json:"device_id,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
}

// State represents an entity state
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
	Context     *Context               `json:"context,omitempty"`
}

// Attribute returns a string attribute, or "" when missing or not a string.
func (s *State) Attribute(name string) string {
	if s == nil || s.Attributes == nil {
		return ""
	}
	v, _ := s.Attributes[name].(string)
	return v
}

// Context represents the context of a state change
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// AreaEntry is one row of config/area_registry/list.
type AreaEntry struct {
	AreaID string `json:"area_id"`
	Name   string `json:"name"`
}

// DeviceEntry is one row of config/device_registry/list.
type DeviceEntry struct {
	ID         string `json:"id"`
	AreaID     string `json:"area_id"`
	Name       string `json:"name"`
	NameByUser string `json:"name_by_user"`
	DisabledBy string `json:"disabled_by"`
}

// EntityEntry is one row of config/entity_registry/list.
type EntityEntry struct {
	EntityID            string `json:"entity_id"`
	DeviceID            string `json:"device_id"`
	AreaID              string `json:"area_id"`
	ConfigEntryID       string `json:"config_entry_id"`
	DisabledBy          string `json:"disabled_by"`
	DeviceClass         string `json:"device_class"`
	OriginalDeviceClass string `json:"original_device_class"`
	Platform            string `json:"platform"`
}

// HostConfig is the subset of get_config the service uses.
type HostConfig struct {
	State        string  `json:"state"`
	LocationName string  `json:"location_name"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Version      string  `json:"version"`
}

// CallServiceRequest represents a call_service request
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
	Target      *ServiceTarget         `json:"target,omitempty"`
}

// ServiceTarget represents service call target
type ServiceTarget struct {
	EntityID []string `json:"entity_id,omitempty"`
}

// CommandRequest is a parameterless command such as get_states or
// config/area_registry/list.
type CommandRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// SubscribeEventsRequest represents a subscribe_events request
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

func (r *CallServiceRequest) requestID() int     { return r.ID }
func (r *CommandRequest) requestID() int         { return r.ID }
func (r *SubscribeEventsRequest) requestID() int { return r.ID }

type request interface {
	requestID() int
}

// StateChangeHandler is called when a state change event is received
type StateChangeHandler func(entityID string, oldState, newState *State)

// EventHandler is called for every event of a subscribed type.
type EventHandler func(event *Event)

// Subscription represents an active event subscription
type Subscription interface {
	Unsubscribe() error
}

// SubscriptionFunc adapts a plain function to Subscription.
type SubscriptionFunc func() error

func (f SubscriptionFunc) Unsubscribe() error {
	return f()
}

// Domain returns the domain part of an entity id ("light" for "light.kitchen").
func Domain(entityID string) string {
	domain, _, _ := strings.Cut(entityID, ".")
	return domain
}
