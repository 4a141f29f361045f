package domain

import "time"

// EventReport is one occurred geo event awaiting delivery to the backend.
// Params: generated local id, campaign identity, event, area, and occurrence context.
// Returns: pending queue entry mutated only by id remap.
type EventReport struct {
	LocalID            string    `json:"local_id"`
	CampaignID         string    `json:"campaign_id"`
	SignalingMessageID string    `json:"signaling_message_id"`
	Event              EventType `json:"event"`
	Area               Area      `json:"area"`
	OccurredAt         time.Time `json:"occurred_at"`
	Location           Location  `json:"location"`
}

// ReportRequest is one outbound batch for the reporting endpoint.
type ReportRequest struct {
	Messages []ReportMessage `json:"messages"`
	Reports  []ReportEntry   `json:"reports"`
}

// ReportMessage references one signaling message covered by the batch.
type ReportMessage struct {
	ID string `json:"id"`
}

// ReportEntry is one report row of a batch.
// Params: event, area, campaign identity, local id, and occurrence delta relative to send time.
// Returns: wire row; TimestampDeltaMs is zero or negative.
type ReportEntry struct {
	Event              EventType `json:"event"`
	AreaID             string    `json:"areaId"`
	CampaignID         string    `json:"campaignId"`
	SignalingMessageID string    `json:"signalingMessageId"`
	GeneratedID        string    `json:"generatedId"`
	TimestampDeltaMs   int64     `json:"timestampDeltaMs"`
}

// ReportResponse is the backend reply to one batch.
// Params: local-to-server id map and finished/suspended campaign ids.
// Returns: reconciliation input; partial success is expressed only here.
type ReportResponse struct {
	MessageIDs           map[string]string `json:"messageIds"`
	SuspendedCampaignIDs []string          `json:"suspendedCampaignIds"`
	FinishedCampaignIDs  []string          `json:"finishedCampaignIds"`
}

// DeliveryRecord is the user-visible notification materialized for an accepted trigger.
// Params: id (local until reconciled), campaign identity, event, area, and rendered text.
// Returns: record renamed to server id after successful report.
type DeliveryRecord struct {
	ID                 string    `json:"id"`
	CampaignID         string    `json:"campaign_id"`
	SignalingMessageID string    `json:"signaling_message_id"`
	Event              EventType `json:"event"`
	AreaID             string    `json:"area_id"`
	AreaTitle          string    `json:"area_title,omitempty"`
	Title              string    `json:"title"`
	Text               string    `json:"text"`
	OccurredAt         time.Time `json:"occurred_at"`
	Reported           bool      `json:"reported"`
}
