package haStructs

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Entity is a snapshot of one hub-tracked object as returned by states endpoints.
type Entity struct {
	Id           string         `json:"entity_id"`
	State        string         `json:"state"`
	FriendlyName string         `json:"-"`
	Attributes   map[string]any `json:"attributes"`
	LastChanged  time.Time      `json:"last_changed"`
	LastUpdated  time.Time      `json:"last_updated"`
}

// legacyTimeLayout is how older hubs rendered timestamps.
const legacyTimeLayout = "15:04:05 02-01-2006"

// ParseTimestamp reads RFC 3339 or the legacy hub layout. Anything else yields the
// zero time.
func ParseTimestamp(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, legacyTimeLayout} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// timestamp decodes through ParseTimestamp and never returns an error.
type timestamp time.Time

func (t *timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*t = timestamp{}
		return nil
	}
	*t = timestamp(ParseTimestamp(s))
	return nil
}

func (e *Entity) UnmarshalJSON(data []byte) error {
	type plain Entity
	var aux struct {
		plain
		LastChanged timestamp `json:"last_changed"`
		LastUpdated timestamp `json:"last_updated"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*e = Entity(aux.plain)
	e.LastChanged = time.Time(aux.LastChanged)
	e.LastUpdated = time.Time(aux.LastUpdated)
	if name, ok := e.Attributes["friendly_name"].(string); ok {
		e.FriendlyName = name
	}
	return nil
}

// DisplayName prefers the friendly name and falls back to the entity id.
func (e Entity) DisplayName() string {
	if e.FriendlyName != "" {
		return e.FriendlyName
	}
	return e.Id
}

// Domain is the part of the entity id before the first dot.
func (e Entity) Domain() string {
	return EntityDomain(e.Id)
}

func EntityDomain(entityId string) string {
	domain, _, found := strings.Cut(entityId, ".")
	if !found {
		return ""
	}
	return domain
}

// ServicesResponse is one element of the services endpoint: all services of a domain.
type ServicesResponse struct {
	Domain   string                       `json:"domain"`
	Services map[string]ServiceDefinition `json:"services"`
}

type ServiceDefinition struct {
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Fields      map[string]any `json:"fields"`
}

// ServiceDescriptor describes one callable hub action.
type ServiceDescriptor struct {
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	Description string         `json:"description,omitempty"`
	Fields      map[string]any `json:"fields"`
}

// HistoryRecord holds the state changes of a single entity over a period.
type HistoryRecord struct {
	EntityId string   `json:"entity_id"`
	States   []Entity `json:"states"`
}

type StatusInfo struct {
	Version      string `json:"version"`
	LocationName string `json:"location_name"`
	TimeZone     string `json:"time_zone"`
}

type ConfigInfo struct {
	Components   []string          `json:"components"`
	ConfigDir    string            `json:"config_dir"`
	Elevation    float64           `json:"elevation"`
	Latitude     float64           `json:"latitude"`
	Longitude    float64           `json:"longitude"`
	LocationName string            `json:"location_name"`
	TimeZone     string            `json:"time_zone"`
	UnitSystem   map[string]string `json:"unit_system"`
	Version      string            `json:"version"`
}

// StreamEnvelope is the wire shape of a stream frame's data field.
// Older hubs send "type", current ones "event_type".
type StreamEnvelope struct {
	Type      string         `json:"type"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Origin    string         `json:"origin"`
	TimeFired time.Time      `json:"time_fired"`
}

func (e *StreamEnvelope) UnmarshalJSON(data []byte) error {
	type plain StreamEnvelope
	var aux struct {
		plain
		TimeFired timestamp `json:"time_fired"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*e = StreamEnvelope(aux.plain)
	e.TimeFired = time.Time(aux.TimeFired)
	return nil
}

func (e StreamEnvelope) Name() string {
	if e.Type != "" {
		return e.Type
	}
	return e.EventType
}

// StreamEvent is a decoded push event. Payload is shared between subscribers and must be
// treated as read-only.
type StreamEvent struct {
	EventType string
	Payload   map[string]any
	Origin    string
	TimeFired time.Time
}

// LocationUpdate is the data of a device_tracker/see call.
type LocationUpdate struct {
	DeviceId       string
	Latitude       float64
	Longitude      float64
	Accuracy       float64
	BatteryPercent int
	Hostname       string
	LocationName   string
}

// ServiceData renders the update as the hub expects it. location_name is left out
// entirely when empty.
func (u LocationUpdate) ServiceData() map[string]any {
	data := map[string]any{
		"battery":      u.BatteryPercent,
		"gps":          []float64{u.Latitude, u.Longitude},
		"gps_accuracy": u.Accuracy,
		"hostname":     u.Hostname,
		"dev_id":       u.DeviceId,
	}
	if u.LocationName != "" {
		data["location_name"] = u.LocationName
	}
	return data
}

const EventStateChanged = "state_changed"

// StateChange is the data of a state_changed event. OldState is nil for new entities,
// NewState is nil for removed ones.
type StateChange struct {
	EntityId string  `json:"entity_id"`
	OldState *Entity `json:"old_state"`
	NewState *Entity `json:"new_state"`
}

// ParseStateChange decodes the payload of a state_changed event.
func ParseStateChange(event StreamEvent) (StateChange, bool) {
	if event.EventType != EventStateChanged {
		return StateChange{}, false
	}
	raw, err := json.Marshal(event.Payload)
	if err != nil {
		return StateChange{}, false
	}
	var change StateChange
	if err := json.Unmarshal(raw, &change); err != nil || change.EntityId == "" {
		return StateChange{}, false
	}
	return change, true
}

// NumericState maps a state to a number: numeric states as-is, binary states to 1 or 0.
func NumericState(state string) (float64, bool) {
	switch strings.ToLower(state) {
	case "on", "home", "open", "playing", "unlocked":
		return 1, true
	case "off", "not_home", "closed", "idle", "paused", "locked":
		return 0, true
	case "", "unknown", "unavailable", "nan", "inf", "+inf", "-inf", "infinity", "+infinity", "-infinity":
		return 0, false
	}
	v, err := strconv.ParseFloat(state, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
