package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/lib/pq"

	"github.com/unclebandit/commsblock-backend/internal/model"
)

type AudienceRepositoryInterface interface {
	Candidates(ctx context.Context, tenantID, campaignID string) ([]model.Recipient, error)
	SuppressedEmails(ctx context.Context, accountID string, emails []string) (map[string]bool, error)
	ProcessedContactIDs(ctx context.Context, campaignID string) (map[string]bool, error)
	CampaignListIDs(ctx context.Context, campaignID string) ([]string, error)
}

type AudienceRepository struct {
	DB *sql.DB
}

// Candidates returns active members of every list attached to the campaign, restricted to
// active contacts of the tenant. Rows come back in a stable order so dedup is deterministic.
func (r *AudienceRepository) Candidates(ctx context.Context, tenantID, campaignID string) ([]model.Recipient, error) {
	query := `
		SELECT c.id, c.tenant_id, COALESCE(t.motorical_account_id::text, ''), c.email,
		       COALESCE(c.name, ''), COALESCE(c.identity_name, '')
		FROM campaign_lists cl
		JOIN list_contacts lc ON lc.list_id = cl.list_id AND lc.status = 'active'
		JOIN contacts c ON c.id = lc.contact_id AND c.status = 'active'
		JOIN tenants t ON t.id = c.tenant_id
		WHERE cl.campaign_id = $1 AND c.tenant_id = $2
		ORDER BY c.created_at, c.id
	`
	rows, err := r.DB.QueryContext(ctx, query, campaignID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Recipient
	for rows.Next() {
		var rc model.Recipient
		if err := rows.Scan(&rc.ContactID, &rc.TenantID, &rc.AccountID, &rc.Email, &rc.Name, &rc.IdentityName); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// SuppressedEmails returns the lower-cased subset of emails suppressed for the account.
func (r *AudienceRepository) SuppressedEmails(ctx context.Context, accountID string, emails []string) (map[string]bool, error) {
	out := map[string]bool{}
	if accountID == "" || len(emails) == 0 {
		return out, nil
	}
	lowered := make([]string, len(emails))
	for i, e := range emails {
		lowered[i] = strings.ToLower(e)
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT lower(email) FROM suppressions WHERE motorical_account_id = $1 AND lower(email) = ANY($2)`,
		accountID, pq.Array(lowered))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		out[e] = true
	}
	return out, rows.Err()
}

// ProcessedContactIDs returns every contact with any ledger row for the campaign.
func (r *AudienceRepository) ProcessedContactIDs(ctx context.Context, campaignID string) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT DISTINCT contact_id FROM email_events WHERE campaign_id = $1 AND contact_id IS NOT NULL`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (r *AudienceRepository) CampaignListIDs(ctx context.Context, campaignID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT list_id FROM campaign_lists WHERE campaign_id = $1 ORDER BY list_id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ AudienceRepositoryInterface = (*AudienceRepository)(nil)
