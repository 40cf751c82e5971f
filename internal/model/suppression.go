package model

const (
	SuppressionUnsubscribe = "unsubscribe"
	SuppressionBounce      = "bounce"
	SuppressionComplaint   = "complaint"
	SuppressionManual      = "manual"
)

// Suppression blocks an email across every tenant of one account.
type Suppression struct {
	AccountID      string `db:"motorical_account_id" json:"account_id"`
	TenantID       string `db:"tenant_id" json:"tenant_id,omitempty"`
	Email          string `db:"email" json:"email"`
	Reason         string `db:"reason" json:"reason"`
	Source         string `db:"source" json:"source"`
	LandingVariant string `db:"landing_variant" json:"landing_variant,omitempty"`
}
