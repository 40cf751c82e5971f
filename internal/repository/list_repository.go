package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/unclebandit/commsblock-backend/internal/db"
)

type ListRepositoryInterface interface {
	Exists(ctx context.Context, tenantID, listID string) (bool, error)
	MoveContacts(ctx context.Context, tenantID string, contactIDs []string, fromListID, toListID string) (int, error)
}

type ListRepository struct {
	DB *sql.DB
}

// Exists reports whether a non-deleted list belongs to the tenant.
func (r *ListRepository) Exists(ctx context.Context, tenantID, listID string) (bool, error) {
	var ok bool
	err := r.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM lists WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL)`,
		listID, tenantID).Scan(&ok)
	return ok, err
}

// MoveContacts removes the tenant's contacts from fromListID (when set) and adds them to
// toListID in one transaction. Contacts of other tenants are ignored. Existing memberships
// of the target are kept; the count covers new rows only.
func (r *ListRepository) MoveContacts(ctx context.Context, tenantID string, contactIDs []string, fromListID, toListID string) (int, error) {
	moved := 0
	err := db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		if fromListID != "" {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM list_contacts lc
				  USING contacts c
				  WHERE lc.list_id = $1 AND lc.contact_id = ANY($2)
				    AND c.id = lc.contact_id AND c.tenant_id = $3`,
				fromListID, pq.Array(contactIDs), tenantID); err != nil {
				return fmt.Errorf("remove from list %s: %w", fromListID, err)
			}
		}
		for _, id := range contactIDs {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO list_contacts (list_id, contact_id)
				 SELECT $1, c.id FROM contacts c
				  WHERE c.id = $2 AND c.tenant_id = $3
				 ON CONFLICT DO NOTHING`, toListID, id, tenantID)
			if err != nil {
				return fmt.Errorf("add %s to list %s: %w", id, toListID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				moved++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

var _ ListRepositoryInterface = (*ListRepository)(nil)
