package model

import "time"

// Artifact is an immutable compiled rendering of a campaign at one version.
type Artifact struct {
	ID           string         `db:"id" json:"id"`
	TenantID     string         `db:"tenant_id" json:"tenant_id"`
	CampaignID   string         `db:"campaign_id" json:"campaign_id"`
	Version      int            `db:"version" json:"version"`
	Subject      string         `db:"subject" json:"subject"`
	HTMLCompiled string         `db:"html_compiled" json:"html_compiled"`
	TextCompiled string         `db:"text_compiled" json:"text_compiled"`
	Meta         map[string]any `db:"meta" json:"meta"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}

// LinkMapEntry describes one anchor found while processing compiled HTML.
type LinkMapEntry struct {
	Index            int               `json:"index"`
	Original         string            `json:"original"`
	Processed        string            `json:"processed"`
	FinalDestination string            `json:"finalDestination,omitempty"`
	Text             string            `json:"text"`
	Tracked          bool              `json:"tracked"`
	Reason           string            `json:"reason,omitempty"`
	UTMPolicy        string            `json:"utmPolicy,omitempty"`
	UTMsApplied      map[string]string `json:"utmsApplied,omitempty"`
}

const DedupByEmailLower = "email_lower"

// AudienceSnapshot records what the audience looked like when a version was compiled.
type AudienceSnapshot struct {
	ID              string         `db:"id" json:"id"`
	TenantID        string         `db:"tenant_id" json:"tenant_id"`
	CampaignID      string         `db:"campaign_id" json:"campaign_id"`
	Version         int            `db:"version" json:"version"`
	TotalRecipients int            `db:"total_recipients" json:"total_recipients"`
	IncludedLists   []string       `db:"included_lists" json:"included_lists"`
	DedupedBy       string         `db:"deduped_by" json:"deduped_by"`
	Filters         map[string]any `db:"filters" json:"filters"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
}
