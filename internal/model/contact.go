package model

import "time"

type ContactStatus string

const (
	ContactActive       ContactStatus = "active"
	ContactUnsubscribed ContactStatus = "unsubscribed"
	ContactBounced      ContactStatus = "bounced"
	ContactComplained   ContactStatus = "complained"
	ContactDeleted      ContactStatus = "deleted"
)

type Contact struct {
	ID               string        `db:"id" json:"id"`
	TenantID         string        `db:"tenant_id" json:"tenant_id"`
	Email            string        `db:"email" json:"email"`
	Name             string        `db:"name" json:"name"`
	IdentityName     string        `db:"identity_name" json:"identity_name,omitempty"`
	Status           ContactStatus `db:"status" json:"status"`
	LastEngagementAt *time.Time    `db:"last_engagement_at" json:"last_engagement_at,omitempty"`
}

// Recipient is one candidate row produced by audience resolution.
type Recipient struct {
	ContactID    string `json:"contact_id"`
	TenantID     string `json:"tenant_id"`
	AccountID    string `json:"account_id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	IdentityName string `json:"identity_name"`
}

// List is a named tenant-scoped group of contacts.
type List struct {
	ID        string     `db:"id" json:"id"`
	TenantID  string     `db:"tenant_id" json:"tenant_id"`
	Name      string     `db:"name" json:"name"`
	IsSmart   bool       `db:"is_smart" json:"is_smart"`
	DeletedAt *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}
