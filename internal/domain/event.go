package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType identifies geofence transition kind.
// Params: constants "entry", "exit", or "dwell".
// Returns: normalized event type used by throttle keys and reports.
type EventType string

const (
	// EventEntry marks crossing into an area.
	EventEntry EventType = "entry"
	// EventExit marks crossing out of an area.
	EventExit EventType = "exit"
	// EventDwell marks staying inside an area past the dwell delay.
	EventDwell EventType = "dwell"
)

// ParseEventType normalizes event type from transport.
// Params: raw case-insensitive event name.
// Returns: known event type or error.
func ParseEventType(raw string) (EventType, error) {
	switch EventType(strings.ToLower(strings.TrimSpace(raw))) {
	case EventEntry:
		return EventEntry, nil
	case EventExit:
		return EventExit, nil
	case EventDwell:
		return EventDwell, nil
	default:
		return "", fmt.Errorf("unsupported event type %q", raw)
	}
}

// Valid reports whether event type is one of known constants.
func (e EventType) Valid() bool {
	switch e {
	case EventEntry, EventExit, EventDwell:
		return true
	default:
		return false
	}
}

// TransitionEvent is one platform geofence crossing.
// Params: event type, triggering region ids, device location, and occurrence time.
// Returns: validated transition for resolver input.
type TransitionEvent struct {
	Event      EventType `json:"event"`
	RegionIDs  []string  `json:"region_ids"`
	Location   Location  `json:"location"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Triggered returns region id set for fast membership checks.
// Params: none.
// Returns: set of triggering region ids.
func (t TransitionEvent) Triggered() map[string]struct{} {
	out := make(map[string]struct{}, len(t.RegionIDs))
	for _, id := range t.RegionIDs {
		out[id] = struct{}{}
	}
	return out
}

// DecodeTransition decodes and validates one transition payload.
// Params: JSON document bytes.
// Returns: validated transition or decode/validation error.
func DecodeTransition(raw []byte) (TransitionEvent, error) {
	var transition TransitionEvent
	if err := json.Unmarshal(raw, &transition); err != nil {
		return TransitionEvent{}, fmt.Errorf("decode transition: %w", err)
	}
	if err := transition.Validate(); err != nil {
		return TransitionEvent{}, err
	}
	return transition, nil
}

// DecodeTransitionReader decodes and validates one transition from stream.
// Params: decoder positioned at one JSON object.
// Returns: validated transition or decode/validation error.
func DecodeTransitionReader(reader *json.Decoder) (TransitionEvent, error) {
	var transition TransitionEvent
	if err := reader.Decode(&transition); err != nil {
		return TransitionEvent{}, fmt.Errorf("decode transition: %w", err)
	}
	if err := transition.Validate(); err != nil {
		return TransitionEvent{}, err
	}
	return transition, nil
}

// Validate validates transition contract.
// Params: transition fields parsed from transport.
// Returns: validation error when schema is violated.
func (t *TransitionEvent) Validate() error {
	event, err := ParseEventType(string(t.Event))
	if err != nil {
		return err
	}
	t.Event = event
	if len(t.RegionIDs) == 0 {
		return errors.New("region_ids are required")
	}
	for i, id := range t.RegionIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("region_ids[%d] is empty", i)
		}
	}
	if !t.Location.Valid() {
		return errors.New("location is out of range")
	}
	if t.OccurredAt.IsZero() {
		return errors.New("occurred_at is required")
	}
	return nil
}

// LocationFix is one device position sample.
// Params: device id, coordinates, and sampling time.
// Returns: input for the software geofence monitor.
type LocationFix struct {
	DeviceID string    `json:"device_id,omitempty"`
	Location Location  `json:"location"`
	At       time.Time `json:"at"`
}

// DecodeLocationFix decodes and validates one location fix.
// Params: JSON document bytes.
// Returns: validated fix or decode/validation error.
func DecodeLocationFix(raw []byte) (LocationFix, error) {
	var fix LocationFix
	if err := json.Unmarshal(raw, &fix); err != nil {
		return LocationFix{}, fmt.Errorf("decode location fix: %w", err)
	}
	if !fix.Location.Valid() {
		return LocationFix{}, errors.New("location is out of range")
	}
	if fix.At.IsZero() {
		return LocationFix{}, errors.New("at is required")
	}
	return fix, nil
}
