package repository

import (
	"context"
	"database/sql"

	"github.com/unclebandit/commsblock-backend/internal/model"
)

// SuppressionRepositoryInterface manages account-scoped suppressions keyed by (account, email).
type SuppressionRepositoryInterface interface {
	Add(ctx context.Context, s model.Suppression) (bool, error)
	Remove(ctx context.Context, accountID, email string) error
}

type SuppressionRepository struct {
	DB *sql.DB
}

// Add inserts s unless the (account, email) pair is already suppressed.
func (r *SuppressionRepository) Add(ctx context.Context, s model.Suppression) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		INSERT INTO suppressions (motorical_account_id, tenant_id, email, reason, source, landing_variant)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		ON CONFLICT (motorical_account_id, email) DO NOTHING`,
		s.AccountID, nullString(s.TenantID), s.Email, s.Reason, s.Source, s.LandingVariant)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *SuppressionRepository) Remove(ctx context.Context, accountID, email string) error {
	_, err := r.DB.ExecContext(ctx,
		`DELETE FROM suppressions WHERE motorical_account_id = $1 AND lower(email) = lower($2)`, accountID, email)
	return err
}

var _ SuppressionRepositoryInterface = (*SuppressionRepository)(nil)
