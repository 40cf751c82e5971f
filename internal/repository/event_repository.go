package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/unclebandit/commsblock-backend/internal/model"
)

// EventRepositoryInterface is the append-only email event ledger.
type EventRepositoryInterface interface {
	Record(ctx context.Context, e *model.EmailEvent) error
	InsertIfAbsent(ctx context.Context, e *model.EmailEvent) (bool, error)
	OriginOf(ctx context.Context, messageID string) (model.MessageOrigin, error)

	CountsByType(ctx context.Context, campaignID string) (map[model.EventType]int, error)
	Summary(ctx context.Context, tenantID, campaignID string, days int) (map[model.EventType]model.EventTotals, error)
	LinkClicks(ctx context.Context, tenantID, campaignID string) ([]model.LinkClicks, error)
	ListEvents(ctx context.Context, campaignID, eventType string, offset, limit int) ([]*model.EmailEvent, int, error)
}

type EventRepository struct {
	DB *sql.DB
}

func eventArgs(e *model.EmailEvent) ([]any, error) {
	payload, err := toJSONB(e.Payload)
	if err != nil {
		return nil, err
	}
	return []any{e.TenantID, e.CampaignID, nullString(e.ContactID), nullString(e.MessageID), e.Type, payload,
		nullTime(e.OccurredAt), nullString(e.MotorBlockID)}, nil
}

// Record appends one ledger row and fills ID and OccurredAt.
func (r *EventRepository) Record(ctx context.Context, e *model.EmailEvent) error {
	args, err := eventArgs(e)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO email_events (tenant_id, campaign_id, contact_id, message_id, type, payload, occurred_at, motor_block_id)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()), $8)
		RETURNING id, occurred_at
	`
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&e.ID, &e.OccurredAt); err != nil {
		return fmt.Errorf("record %s event for campaign %s: %w", e.Type, e.CampaignID, err)
	}
	return nil
}

// InsertIfAbsent records e unless a row with the same (campaign_id, message_id, type) exists.
// It reports whether a row was inserted.
func (r *EventRepository) InsertIfAbsent(ctx context.Context, e *model.EmailEvent) (bool, error) {
	args, err := eventArgs(e)
	if err != nil {
		return false, err
	}
	query := `
		INSERT INTO email_events (tenant_id, campaign_id, contact_id, message_id, type, payload, occurred_at, motor_block_id)
		SELECT $1, $2, $3, $4, $5, $6, COALESCE($7, NOW()), $8
		WHERE NOT EXISTS (
		  SELECT 1 FROM email_events WHERE campaign_id = $2 AND message_id = $4 AND type = $5
		)
		RETURNING id, occurred_at
	`
	err = r.DB.QueryRowContext(ctx, query, args...).Scan(&e.ID, &e.OccurredAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case isUniqueViolation(err):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("upsert %s event for message %s: %w", e.Type, e.MessageID, err)
	}
	return true, nil
}

// OriginOf resolves the campaign and contact that messageID was sent to, preferring rows
// that carry a contact. The zero value means the message is unknown.
func (r *EventRepository) OriginOf(ctx context.Context, messageID string) (model.MessageOrigin, error) {
	var o model.MessageOrigin
	var contact sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT campaign_id, contact_id FROM email_events
		  WHERE message_id = $1
		  ORDER BY (contact_id IS NULL), occurred_at
		  LIMIT 1`, messageID).Scan(&o.CampaignID, &contact)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MessageOrigin{}, nil
	}
	if err != nil {
		return model.MessageOrigin{}, err
	}
	o.ContactID = contact.String
	return o, nil
}

// ====================== Aggregates ======================

func (r *EventRepository) CountsByType(ctx context.Context, campaignID string) (map[model.EventType]int, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM email_events WHERE campaign_id = $1 GROUP BY type`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[model.EventType]int{}
	for rows.Next() {
		var (
			t     model.EventType
			count int
		)
		if err := rows.Scan(&t, &count); err != nil {
			return nil, err
		}
		stats[t] = count
	}
	return stats, rows.Err()
}

// Summary aggregates totals and unique contacts per type over the last days.
func (r *EventRepository) Summary(ctx context.Context, tenantID, campaignID string, days int) (map[model.EventType]model.EventTotals, error) {
	query := `
		SELECT type, COUNT(*), COUNT(DISTINCT contact_id)
		FROM email_events
		WHERE campaign_id = $1 AND tenant_id = $2
		  AND occurred_at >= NOW() - make_interval(days => $3)
		GROUP BY type
	`
	rows, err := r.DB.QueryContext(ctx, query, campaignID, tenantID, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[model.EventType]model.EventTotals{}
	for rows.Next() {
		var (
			t   model.EventType
			tot model.EventTotals
		)
		if err := rows.Scan(&t, &tot.Total, &tot.Unique); err != nil {
			return nil, err
		}
		out[t] = tot
	}
	return out, rows.Err()
}

// LinkClicks groups clicked events by link index, one row per index. The URL is the one
// of the most recent click.
func (r *EventRepository) LinkClicks(ctx context.Context, tenantID, campaignID string) ([]model.LinkClicks, error) {
	query := `
		SELECT (payload->>'linkIndex')::int,
		       COALESCE((array_agg(payload->>'originalUrl' ORDER BY occurred_at DESC))[1], ''),
		       COUNT(*), COUNT(DISTINCT contact_id)
		FROM email_events
		WHERE campaign_id = $1 AND tenant_id = $2 AND type = 'clicked'
		  AND payload->>'linkIndex' IS NOT NULL
		GROUP BY 1
		ORDER BY 3 DESC
	`
	rows, err := r.DB.QueryContext(ctx, query, campaignID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LinkClicks
	for rows.Next() {
		var lc model.LinkClicks
		if err := rows.Scan(&lc.LinkIndex, &lc.OriginalURL, &lc.Clicks, &lc.UniqueClickers); err != nil {
			return nil, err
		}
		out = append(out, lc)
	}
	return out, rows.Err()
}

// ListEvents pages through the ledger for one campaign, newest first.
func (r *EventRepository) ListEvents(ctx context.Context, campaignID, eventType string, offset, limit int) ([]*model.EmailEvent, int, error) {
	where := `campaign_id = $1`
	args := []any{campaignID}
	if eventType != "" {
		where += ` AND type = $2`
		args = append(args, eventType)
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM email_events WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT id, tenant_id, campaign_id, COALESCE(contact_id::text, ''), COALESCE(message_id, ''), type, payload, occurred_at
		FROM email_events
		WHERE %s
		ORDER BY occurred_at DESC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	events := []*model.EmailEvent{}
	for rows.Next() {
		var (
			e       model.EmailEvent
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.CampaignID, &e.ContactID, &e.MessageID, &e.Type, &payload, &e.OccurredAt); err != nil {
			return nil, 0, err
		}
		if e.Payload, err = fromJSONB(payload); err != nil {
			return nil, 0, err
		}
		events = append(events, &e)
	}
	return events, total, rows.Err()
}

var _ EventRepositoryInterface = (*EventRepository)(nil)
