package repository

import (
	"context"
	"database/sql"
	"errors"

	appErrors "github.com/unclebandit/commsblock-backend/internal/errors"
	"github.com/unclebandit/commsblock-backend/internal/model"
)

type TenantRepositoryInterface interface {
	Settings(ctx context.Context, tenantID string) (*model.TenantSettings, error)
}

type TenantRepository struct {
	DB *sql.DB
}

// Settings returns account and unsubscribe configuration. Tenants without a settings row
// get the customer unsubscribe mode.
func (r *TenantRepository) Settings(ctx context.Context, tenantID string) (*model.TenantSettings, error) {
	query := `
		SELECT t.id, COALESCE(t.motorical_account_id::text, ''),
		       COALESCE(ts.unsubscribe_mode, 'customer'), COALESCE(ts.custom_unsubscribe_url, '')
		FROM tenants t
		LEFT JOIN tenant_settings ts ON ts.tenant_id = t.id
		WHERE t.id = $1
	`
	var s model.TenantSettings
	err := r.DB.QueryRowContext(ctx, query, tenantID).Scan(&s.TenantID, &s.AccountID, &s.UnsubscribeMode, &s.CustomUnsubscribeURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewTenantNotFound(tenantID)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

var _ TenantRepositoryInterface = (*TenantRepository)(nil)
