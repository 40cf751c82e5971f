package model

type Template struct {
	ID       string `db:"id" json:"id"`
	TenantID string `db:"tenant_id" json:"tenant_id"`
	Name     string `db:"name" json:"name"`
	Subject  string `db:"subject" json:"subject"`
	HTML     string `db:"body_html" json:"body_html"`
	Text     string `db:"body_text" json:"body_text"`
}
