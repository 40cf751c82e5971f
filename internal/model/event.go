package model

import "time"

type EventType string

const (
	EventQueued       EventType = "queued"
	EventSent         EventType = "sent"
	EventDelivered    EventType = "delivered"
	EventBounced      EventType = "bounced"
	EventComplained   EventType = "complained"
	EventFailed       EventType = "failed"
	EventClicked      EventType = "clicked"
	EventResubscribed EventType = "resubscribed"
)

// EmailEvent is one append-only ledger row.
type EmailEvent struct {
	ID           string         `db:"id" json:"id"`
	TenantID     string         `db:"tenant_id" json:"tenant_id"`
	CampaignID   string         `db:"campaign_id" json:"campaign_id"`
	ContactID    string         `db:"contact_id" json:"contact_id,omitempty"`
	MessageID    string         `db:"message_id" json:"message_id,omitempty"`
	MotorBlockID string         `db:"motor_block_id" json:"motor_block_id,omitempty"`
	Type         EventType      `db:"type" json:"type"`
	Payload      map[string]any `db:"payload" json:"payload,omitempty"`
	OccurredAt   time.Time      `db:"occurred_at" json:"occurred_at"`
}

// MessageOrigin is the campaign and contact a provider message was sent for.
type MessageOrigin struct {
	CampaignID string
	ContactID  string
}

// IdempotencyKey identifies one send attempt for a contact within a campaign.
func IdempotencyKey(campaignID, contactID string) string {
	return campaignID + ":" + contactID
}

// EventTotals aggregates one event type over a window.
type EventTotals struct {
	Total  int `json:"total"`
	Unique int `json:"unique"`
}

// LinkClicks aggregates clicked events for one link index.
type LinkClicks struct {
	LinkIndex      int    `json:"link_index"`
	OriginalURL    string `json:"original_url"`
	Clicks         int    `json:"clicks"`
	UniqueClickers int    `json:"unique_clickers"`
}
