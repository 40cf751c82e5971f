// internal/model/campaign.go
package model

import "time"

type CampaignStatus string

const (
	StatusDraft     CampaignStatus = "draft"
	StatusScheduled CampaignStatus = "scheduled"
	StatusSending   CampaignStatus = "sending"
	StatusCompleted CampaignStatus = "completed"
	StatusCancelled CampaignStatus = "cancelled"
	StatusPaused    CampaignStatus = "paused"
)

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	StatusDraft:     {StatusScheduled, StatusCancelled},
	StatusScheduled: {StatusSending, StatusPaused, StatusCancelled},
	StatusSending:   {StatusCompleted, StatusPaused, StatusCancelled},
	StatusPaused:    {StatusScheduled, StatusCancelled},
}

// CanTransition reports whether a campaign in status s may move to next.
func (s CampaignStatus) CanTransition(next CampaignStatus) bool {
	for _, allowed := range campaignTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Sendable reports whether the sender may pick the campaign up.
func (s CampaignStatus) Sendable() bool {
	return s == StatusScheduled || s == StatusSending
}

type Campaign struct {
	ID           string         `db:"id" json:"id"`
	TenantID     string         `db:"tenant_id" json:"tenant_id"`
	TemplateID   string         `db:"template_id" json:"template_id"`
	MotorBlockID string         `db:"motor_block_id" json:"motor_block_id"`
	Name         string         `db:"name" json:"name"`
	Status       CampaignStatus `db:"status" json:"status"`
	ScheduledAt  *time.Time     `db:"scheduled_at" json:"scheduled_at,omitempty"`
	Timezone     string         `db:"timezone" json:"timezone,omitempty"`
	Analytics    GASettings     `db:"google_analytics" json:"google_analytics"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}

// GASettings controls the UTM parameters applied to tracked links.
type GASettings struct {
	Enabled  bool   `json:"enabled"`
	Source   string `json:"utm_source,omitempty"`
	Medium   string `json:"utm_medium,omitempty"`
	Campaign string `json:"utm_campaign,omitempty"`
	Content  string `json:"utm_content,omitempty"`
	Term     string `json:"utm_term,omitempty"`
}

const (
	DefaultChunkSize    = 100
	DefaultDelaySeconds = 30
)

// SendSettings holds per-campaign pacing, stored in campaign_send_settings.
type SendSettings struct {
	ChunkSize    int `db:"chunk_size" json:"chunk_size"`
	DelaySeconds int `db:"delay_seconds_between_chunks" json:"delay_seconds_between_chunks"`
}

// Delay is the minimum gap between two chunks of the same campaign.
func (s SendSettings) Delay() time.Duration {
	return time.Duration(s.DelaySeconds) * time.Second
}

// WithDefaults fills zero values with the pacing defaults.
func (s SendSettings) WithDefaults() SendSettings {
	if s.ChunkSize <= 0 {
		s.ChunkSize = DefaultChunkSize
	}
	if s.DelaySeconds < 0 {
		s.DelaySeconds = DefaultDelaySeconds
	}
	return s
}

// DueCampaign is a campaign picked by the sender together with its pacing settings.
type DueCampaign struct {
	Campaign
	Settings SendSettings `json:"settings"`
}

// SettingsUpdate is a partial update of pacing and schedule. Nil fields are left as they are.
type SettingsUpdate struct {
	ChunkSize      *int       `json:"chunk_size,omitempty"`
	DelaySeconds   *int       `json:"delay_seconds_between_chunks,omitempty"`
	Timezone       *string    `json:"timezone,omitempty"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
	ClearScheduled bool       `json:"clear_scheduled,omitempty"`
}
