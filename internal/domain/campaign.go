package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventSetting configures throttling for one event type of a campaign.
// Params: event type, max notifications (0 = unlimited), and cooldown in minutes.
// Returns: throttle policy row.
type EventSetting struct {
	Event          EventType `json:"type"`
	Limit          int       `json:"limit"`
	TimeoutMinutes int       `json:"timeoutInMinutes"`
}

// Cooldown returns minimum spacing between notifications.
func (s EventSetting) Cooldown() time.Duration {
	return time.Duration(s.TimeoutMinutes) * time.Minute
}

// DefaultEventSetting is applied when campaign declares no settings at all.
// Params: none.
// Returns: entry-only setting with limit 1 and no cooldown.
func DefaultEventSetting() EventSetting {
	return EventSetting{Event: EventEntry, Limit: 1}
}

// Message is the user-facing content of a campaign.
type Message struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Campaign is one geo campaign attached to a signaling message.
// Params: identity, areas, optional schedule, delivery window, event settings, and content.
// Returns: immutable campaign value consumed by planner, resolver, and throttle.
type Campaign struct {
	ID                 string          `json:"campaign_id"`
	SignalingMessageID string          `json:"signaling_message_id"`
	Areas              []Area          `json:"areas"`
	StartTime          *time.Time      `json:"start_time,omitempty"`
	ExpiryTime         *time.Time      `json:"expiry_time,omitempty"`
	DeliveryWindow     *DeliveryWindow `json:"delivery_window,omitempty"`
	EventSettings      []EventSetting  `json:"event_settings,omitempty"`
	Message            Message         `json:"message"`
	ReceivedAt         time.Time       `json:"received_at"`
}

// IsExpired reports whether expiry is set and already passed.
// Params: current time.
// Returns: true for expired campaign.
func (c Campaign) IsExpired(now time.Time) bool {
	return c.ExpiryTime != nil && now.After(*c.ExpiryTime)
}

// HasStarted reports whether start is unset or not in the future.
// Params: current time.
// Returns: true when campaign start has been reached.
func (c Campaign) HasStarted(now time.Time) bool {
	return c.StartTime == nil || !c.StartTime.After(now)
}

// IsEligibleForMonitoring reports whether campaign areas should be armed now.
// Params: current time.
// Returns: true for started and not expired campaign.
func (c Campaign) IsEligibleForMonitoring(now time.Time) bool {
	return !c.IsExpired(now) && c.HasStarted(now)
}

// SettingFor finds event setting for event type.
// Params: event type.
// Returns: matching setting and true; default entry setting when campaign has no settings.
func (c Campaign) SettingFor(event EventType) (EventSetting, bool) {
	if len(c.EventSettings) == 0 {
		def := DefaultEventSetting()
		return def, def.Event == event
	}
	for _, setting := range c.EventSettings {
		if setting.Event == event {
			return setting, true
		}
	}
	return EventSetting{}, false
}

// ValidAreas returns areas that can be armed, in declaration order.
func (c Campaign) ValidAreas() []Area {
	out := make([]Area, 0, len(c.Areas))
	for _, area := range c.Areas {
		if area.Valid() {
			out = append(out, area)
		}
	}
	return out
}

// Validate validates campaign identity and event settings.
// Params: campaign fields.
// Returns: validation error.
func (c Campaign) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("campaign id is required")
	}
	if strings.TrimSpace(c.SignalingMessageID) == "" {
		return errors.New("signaling message id is required")
	}
	for i, setting := range c.EventSettings {
		if !setting.Event.Valid() {
			return fmt.Errorf("event[%d]: unsupported type %q", i, setting.Event)
		}
		if setting.Limit < 0 {
			return fmt.Errorf("event[%d]: limit must be >=0", i)
		}
		if setting.TimeoutMinutes < 0 {
			return fmt.Errorf("event[%d]: timeoutInMinutes must be >=0", i)
		}
	}
	if c.StartTime != nil && c.ExpiryTime != nil && c.ExpiryTime.Before(*c.StartTime) {
		return errors.New("expiryTime must not precede startTime")
	}
	return nil
}

// signalingMessage is the inbound wire shape carrying a geo campaign.
type signalingMessage struct {
	MessageID  string `json:"messageId"`
	CampaignID string `json:"campaignId"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	Geo        *struct {
		Areas        []Area         `json:"areas"`
		StartTime    string         `json:"startTime"`
		ExpiryTime   string         `json:"expiryTime"`
		DeliveryTime *deliveryTime  `json:"deliveryTime"`
		Events       []EventSetting `json:"event"`
	} `json:"geo"`
}

type deliveryTime struct {
	Days         string `json:"days"`
	TimeInterval string `json:"timeInterval"`
}

// DecodeSignalingMessage decodes one signaling message into a campaign.
// Params: JSON document bytes and receive time.
// Returns: validated campaign or decode/validation error.
func DecodeSignalingMessage(raw []byte, receivedAt time.Time) (Campaign, error) {
	var wire signalingMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Campaign{}, fmt.Errorf("decode signaling message: %w", err)
	}
	if wire.Geo == nil {
		return Campaign{}, errors.New("geo section is required")
	}

	campaign := Campaign{
		ID:                 strings.TrimSpace(wire.CampaignID),
		SignalingMessageID: strings.TrimSpace(wire.MessageID),
		Areas:              wire.Geo.Areas,
		Message:            Message{Title: wire.Title, Body: wire.Body},
		ReceivedAt:         receivedAt.UTC(),
	}
	var err error
	if campaign.StartTime, err = parseOptionalTime(wire.Geo.StartTime); err != nil {
		return Campaign{}, fmt.Errorf("startTime: %w", err)
	}
	if campaign.ExpiryTime, err = parseOptionalTime(wire.Geo.ExpiryTime); err != nil {
		return Campaign{}, fmt.Errorf("expiryTime: %w", err)
	}
	if wire.Geo.DeliveryTime != nil {
		window, err := ParseDeliveryWindow(wire.Geo.DeliveryTime.Days, wire.Geo.DeliveryTime.TimeInterval)
		if err != nil {
			return Campaign{}, fmt.Errorf("deliveryTime: %w", err)
		}
		campaign.DeliveryWindow = &window
	}
	for _, setting := range wire.Geo.Events {
		event, err := ParseEventType(string(setting.Event))
		if err != nil {
			return Campaign{}, err
		}
		setting.Event = event
		campaign.EventSettings = append(campaign.EventSettings, setting)
	}
	if err := campaign.Validate(); err != nil {
		return Campaign{}, err
	}
	return campaign, nil
}

func parseOptionalTime(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	parsed = parsed.UTC()
	return &parsed, nil
}
