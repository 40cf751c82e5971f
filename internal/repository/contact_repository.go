package repository

import (
	"context"
	"database/sql"
	"errors"

	appErrors "github.com/unclebandit/commsblock-backend/internal/errors"
	"github.com/unclebandit/commsblock-backend/internal/model"
)

// ContactRepositoryInterface defines contact reads and status changes used by services.
type ContactRepositoryInterface interface {
	GetByID(ctx context.Context, tenantID, id string) (*model.Contact, error)
	SetStatus(ctx context.Context, tenantID, id string, status model.ContactStatus) error
	TouchEngagement(ctx context.Context, tenantID, id string) error
}

// ContactRepository is the concrete implementation
type ContactRepository struct {
	DB *sql.DB
}

// GetByID fetches a contact scoped to its tenant
func (r *ContactRepository) GetByID(ctx context.Context, tenantID, id string) (*model.Contact, error) {
	query := `
		SELECT id, tenant_id, email, COALESCE(name, ''), COALESCE(identity_name, ''), status, last_engagement_at
		FROM contacts
		WHERE id = $1 AND tenant_id = $2
	`
	var (
		c       model.Contact
		engaged sql.NullTime
	)
	err := r.DB.QueryRowContext(ctx, query, id, tenantID).Scan(&c.ID, &c.TenantID, &c.Email, &c.Name, &c.IdentityName, &c.Status, &engaged)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewContactNotFound(id)
		}
		return nil, err
	}
	if engaged.Valid {
		c.LastEngagementAt = &engaged.Time
	}
	return &c, nil
}

func (r *ContactRepository) SetStatus(ctx context.Context, tenantID, id string, status model.ContactStatus) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE contacts SET status = $1, updated_at = NOW() WHERE id = $2 AND tenant_id = $3`, status, id, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewContactNotFound(id)
	}
	return nil
}

// TouchEngagement stamps last_engagement_at with the current time.
func (r *ContactRepository) TouchEngagement(ctx context.Context, tenantID, id string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE contacts SET last_engagement_at = NOW() WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	return err
}

var _ ContactRepositoryInterface = (*ContactRepository)(nil)
