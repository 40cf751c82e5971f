package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/unclebandit/commsblock-backend/internal/db"
	appErrors "github.com/unclebandit/commsblock-backend/internal/errors"
	"github.com/unclebandit/commsblock-backend/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaign CRUD
	Create(ctx context.Context, c *model.Campaign, listIDs []string) error
	GetByID(ctx context.Context, tenantID, id string) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, tenantID string, offset, limit int, status string) ([]*model.Campaign, int, error)
	Delete(ctx context.Context, tenantID, id string) error
	TenantOf(ctx context.Context, id string) (string, error)

	// Lifecycle
	UpdateStatus(ctx context.Context, tenantID, id string, from []model.CampaignStatus, to model.CampaignStatus) (bool, error)
	MarkSending(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id string) (bool, error)

	// Pacing
	GetSettings(ctx context.Context, id string) (model.SendSettings, error)
	UpdateSettings(ctx context.Context, tenantID, id string, u model.SettingsUpdate) error

	// Workers
	ListDue(ctx context.Context) ([]*model.DueCampaign, error)
	ListExhausted(ctx context.Context) ([]string, error)
	ListForReconciliation(ctx context.Context, window time.Duration, limit int) ([]*model.Campaign, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `c.id, c.tenant_id, c.template_id, COALESCE(c.motor_block_id::text, ''), c.name, c.status,
	c.scheduled_at, COALESCE(c.timezone, ''), c.google_analytics, c.created_at, c.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner, extra ...any) (*model.Campaign, error) {
	var (
		c         model.Campaign
		scheduled sql.NullTime
		updated   sql.NullTime
		ga        []byte
	)
	dest := []any{&c.ID, &c.TenantID, &c.TemplateID, &c.MotorBlockID, &c.Name, &c.Status,
		&scheduled, &c.Timezone, &ga, &c.CreatedAt, &updated}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if scheduled.Valid {
		t := scheduled.Time.UTC()
		c.ScheduledAt = &t
	}
	if updated.Valid {
		c.UpdatedAt = &updated.Time
	}
	if len(ga) > 0 {
		if err := json.Unmarshal(ga, &c.Analytics); err != nil {
			return nil, fmt.Errorf("decode google_analytics for campaign %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

// ====================== Campaign CRUD ======================

// Create inserts the campaign and attaches its lists in one transaction.
func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign, listIDs []string) error {
	if c.Status == "" {
		c.Status = model.StatusDraft
	}
	ga, err := json.Marshal(c.Analytics)
	if err != nil {
		return fmt.Errorf("encode google_analytics: %w", err)
	}
	return db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		query := `
			INSERT INTO campaigns (tenant_id, name, template_id, motor_block_id, status, timezone, google_analytics)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
			RETURNING id, created_at
		`
		err := tx.QueryRowContext(ctx, query, c.TenantID, c.Name, c.TemplateID, nullString(c.MotorBlockID),
			c.Status, c.Timezone, ga).Scan(&c.ID, &c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert campaign: %w", err)
		}
		for _, listID := range listIDs {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO campaign_lists (campaign_id, list_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				c.ID, listID)
			if err != nil {
				return fmt.Errorf("attach list %s: %w", listID, err)
			}
		}
		return nil
	})
}

func (r *CampaignRepository) GetByID(ctx context.Context, tenantID, id string) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns c WHERE c.id = $1 AND c.tenant_id = $2`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, tenantID string, offset, limit int, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	query := `SELECT ` + campaignColumns + ` FROM campaigns c WHERE c.tenant_id = $1`
	args := []any{tenantID}
	argPos := 2

	if status != "" {
		query += fmt.Sprintf(" AND c.status = $%d", argPos)
		args = append(args, status)
		argPos++
	}

	query += fmt.Sprintf(" ORDER BY c.created_at DESC, c.id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)

	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	// Count total
	countQuery := `SELECT COUNT(*) FROM campaigns c WHERE c.tenant_id = $1`
	if status != "" {
		countQuery += ` AND c.status = $2`
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

// Delete removes the campaign and its dependents. Campaigns that are sending cannot be deleted.
func (r *CampaignRepository) Delete(ctx context.Context, tenantID, id string) error {
	return db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		var status model.CampaignStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM campaigns WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, id, tenantID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.NewCampaignNotFound(id)
		}
		if err != nil {
			return err
		}
		if status == model.StatusSending {
			return fmt.Errorf("%w: cannot delete a campaign that is currently sending", appErrors.ErrInvalidTransition)
		}
		for _, q := range []string{
			`DELETE FROM campaign_send_settings WHERE campaign_id = $1`,
			`DELETE FROM campaign_lists WHERE campaign_id = $1`,
			`DELETE FROM email_events WHERE campaign_id = $1`,
			`DELETE FROM comm_audience_snapshots WHERE campaign_id = $1`,
			`DELETE FROM comm_campaign_artifacts WHERE campaign_id = $1`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1 AND tenant_id = $2`, id, tenantID)
		return err
	})
}

// TenantOf returns the owning tenant of a campaign.
func (r *CampaignRepository) TenantOf(ctx context.Context, id string) (string, error) {
	var tenantID string
	err := r.DB.QueryRowContext(ctx, `SELECT tenant_id FROM campaigns WHERE id = $1`, id).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", appErrors.NewCampaignNotFound(id)
	}
	return tenantID, err
}

// ====================== Lifecycle ======================

// UpdateStatus moves the campaign to status to when it is currently in one of from.
// It reports false when the guard did not match.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, tenantID, id string, from []model.CampaignStatus, to model.CampaignStatus) (bool, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	query := `UPDATE campaigns SET status = $1, updated_at = NOW() WHERE id = $2 AND tenant_id = $3 AND status = ANY($4)`
	res, err := r.DB.ExecContext(ctx, query, to, id, tenantID, pq.Array(allowed))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkSending flips a scheduled campaign to sending. It is a no-op for any other status.
func (r *CampaignRepository) MarkSending(ctx context.Context, id string) (bool, error) {
	return r.exec(ctx, `UPDATE campaigns SET status = 'sending', updated_at = NOW() WHERE id = $1 AND status = 'scheduled'`, id)
}

// MarkCompleted flips a sending campaign to completed.
func (r *CampaignRepository) MarkCompleted(ctx context.Context, id string) (bool, error) {
	return r.exec(ctx, `UPDATE campaigns SET status = 'completed', updated_at = NOW() WHERE id = $1 AND status = 'sending'`, id)
}

func (r *CampaignRepository) exec(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ====================== Pacing ======================

func (r *CampaignRepository) GetSettings(ctx context.Context, id string) (model.SendSettings, error) {
	var s model.SendSettings
	err := r.DB.QueryRowContext(ctx,
		`SELECT chunk_size, delay_seconds_between_chunks FROM campaign_send_settings WHERE campaign_id = $1`, id,
	).Scan(&s.ChunkSize, &s.DelaySeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SendSettings{ChunkSize: model.DefaultChunkSize, DelaySeconds: model.DefaultDelaySeconds}, nil
	}
	return s, err
}

// UpdateSettings upserts pacing and updates timezone and schedule on the campaign row.
func (r *CampaignRepository) UpdateSettings(ctx context.Context, tenantID, id string, u model.SettingsUpdate) error {
	var chunk, delay sql.NullInt64
	if u.ChunkSize != nil {
		chunk = sql.NullInt64{Int64: int64(*u.ChunkSize), Valid: true}
	}
	if u.DelaySeconds != nil {
		delay = sql.NullInt64{Int64: int64(*u.DelaySeconds), Valid: true}
	}
	var tz sql.NullString
	if u.Timezone != nil {
		tz = nullString(*u.Timezone)
	}

	return db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE campaigns
			SET timezone = COALESCE($2, timezone),
			    scheduled_at = CASE WHEN $4 THEN NULL ELSE COALESCE($3, scheduled_at) END,
			    updated_at = NOW()
			WHERE id = $1 AND tenant_id = $5`,
			id, tz, scheduledParam(u.ScheduledAt), u.ClearScheduled, tenantID)
		if err != nil {
			return fmt.Errorf("update campaign schedule: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return appErrors.NewCampaignNotFound(id)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO campaign_send_settings (campaign_id, chunk_size, delay_seconds_between_chunks)
			VALUES ($1, COALESCE($2, 100), COALESCE($3, 30))
			ON CONFLICT (campaign_id) DO UPDATE
			SET chunk_size = COALESCE($2, campaign_send_settings.chunk_size),
			    delay_seconds_between_chunks = COALESCE($3, campaign_send_settings.delay_seconds_between_chunks)`,
			id, chunk, delay)
		if err != nil {
			return fmt.Errorf("upsert send settings: %w", err)
		}
		return nil
	})
}

func scheduledParam(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// ====================== Workers ======================

// ListDue returns scheduled or sending campaigns whose schedule is unset or past, with pacing.
func (r *CampaignRepository) ListDue(ctx context.Context) ([]*model.DueCampaign, error) {
	query := `
		SELECT ` + campaignColumns + `,
		       COALESCE(css.chunk_size, 100), COALESCE(css.delay_seconds_between_chunks, 30)
		FROM campaigns c
		LEFT JOIN campaign_send_settings css ON css.campaign_id = c.id
		WHERE c.status IN ('scheduled', 'sending')
		  AND (c.scheduled_at IS NULL OR c.scheduled_at <= NOW())
		ORDER BY c.created_at, c.id
	`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*model.DueCampaign
	for rows.Next() {
		var s model.SendSettings
		c, err := scanCampaign(rows, &s.ChunkSize, &s.DelaySeconds)
		if err != nil {
			return nil, err
		}
		due = append(due, &model.DueCampaign{Campaign: *c, Settings: s})
	}
	return due, rows.Err()
}

// ListExhausted returns sending campaigns none of whose lists has an active member.
func (r *CampaignRepository) ListExhausted(ctx context.Context) ([]string, error) {
	query := `
		SELECT c.id FROM campaigns c
		WHERE c.status = 'sending'
		  AND NOT EXISTS (
		    SELECT 1 FROM campaign_lists cl
		    JOIN list_contacts lc ON lc.list_id = cl.list_id
		    WHERE cl.campaign_id = c.id AND lc.status = 'active'
		  )
	`
	rows, err := r.DB.QueryContext(ctx, query)
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

// ListForReconciliation returns active campaigns plus those completed within window, newest first.
func (r *CampaignRepository) ListForReconciliation(ctx context.Context, window time.Duration, limit int) ([]*model.Campaign, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campaigns c
		WHERE c.motor_block_id IS NOT NULL
		  AND (c.status IN ('scheduled', 'sending')
		       OR (c.status = 'completed' AND c.created_at >= $1))
		ORDER BY c.created_at DESC
		LIMIT $2
	`
	rows, err := r.DB.QueryContext(ctx, query, time.Now().Add(-window), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
