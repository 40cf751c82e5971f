package model

const (
	UnsubscribeModeCustomer  = "customer"
	UnsubscribeModeMotorical = "motorical"
)

// TenantSettings is the subset of tenant configuration the pipeline reads.
type TenantSettings struct {
	TenantID             string `db:"tenant_id" json:"tenant_id"`
	AccountID            string `db:"motorical_account_id" json:"account_id"`
	UnsubscribeMode      string `db:"unsubscribe_mode" json:"unsubscribe_mode"`
	CustomUnsubscribeURL string `db:"custom_unsubscribe_url" json:"custom_unsubscribe_url,omitempty"`
}
