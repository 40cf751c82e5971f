package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/unclebandit/commsblock-backend/internal/model"
)

// ArtifactRepositoryInterface stores compiled artifacts and audience snapshots.
// Versions are per campaign and strictly increasing.
type ArtifactRepositoryInterface interface {
	Create(ctx context.Context, a *model.Artifact) error
	Latest(ctx context.Context, tenantID, campaignID string) (*model.Artifact, error)
	MergeMeta(ctx context.Context, campaignID string, version int, patch map[string]any) error
	SetText(ctx context.Context, campaignID string, version int, text string) error

	CreateSnapshot(ctx context.Context, s *model.AudienceSnapshot) error
	LatestSnapshot(ctx context.Context, tenantID, campaignID string) (*model.AudienceSnapshot, error)
}

type ArtifactRepository struct {
	DB *sql.DB
}

const createArtifactAttempts = 3

// Create inserts a with the next version for its campaign. Two compiles racing for the same
// version hit the (campaign_id, version) unique index; the loser retries with a fresh version.
func (r *ArtifactRepository) Create(ctx context.Context, a *model.Artifact) error {
	meta, err := toJSONB(a.Meta)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO comm_campaign_artifacts (tenant_id, campaign_id, version, subject, html_compiled, text_compiled, meta)
		VALUES ($1, $2,
		        (SELECT COALESCE(MAX(version), 0) + 1 FROM comm_campaign_artifacts WHERE campaign_id = $2),
		        $3, $4, $5, $6)
		RETURNING id, version, created_at
	`
	for attempt := 1; ; attempt++ {
		err = r.DB.QueryRowContext(ctx, query, a.TenantID, a.CampaignID, a.Subject, a.HTMLCompiled, a.TextCompiled, meta).
			Scan(&a.ID, &a.Version, &a.CreatedAt)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) || attempt == createArtifactAttempts {
			return fmt.Errorf("insert artifact for campaign %s: %w", a.CampaignID, err)
		}
	}
}

// Latest returns the highest version for the campaign, or nil when none was compiled.
func (r *ArtifactRepository) Latest(ctx context.Context, tenantID, campaignID string) (*model.Artifact, error) {
	query := `
		SELECT id, tenant_id, campaign_id, version, COALESCE(subject, ''), COALESCE(html_compiled, ''),
		       COALESCE(text_compiled, ''), meta, created_at
		FROM comm_campaign_artifacts
		WHERE campaign_id = $1 AND tenant_id = $2
		ORDER BY version DESC
		LIMIT 1
	`
	var (
		a    model.Artifact
		meta []byte
	)
	err := r.DB.QueryRowContext(ctx, query, campaignID, tenantID).Scan(
		&a.ID, &a.TenantID, &a.CampaignID, &a.Version, &a.Subject, &a.HTMLCompiled, &a.TextCompiled, &meta, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if a.Meta, err = fromJSONB(meta); err != nil {
		return nil, err
	}
	return &a, nil
}

// MergeMeta merges top-level keys of patch into meta of exactly one version.
func (r *ArtifactRepository) MergeMeta(ctx context.Context, campaignID string, version int, patch map[string]any) error {
	b, err := toJSONB(patch)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `
		UPDATE comm_campaign_artifacts
		SET meta = COALESCE(meta, '{}'::jsonb) || $1::jsonb
		WHERE campaign_id = $2 AND version = $3`, b, campaignID, version)
	return err
}

// SetText backfills text_compiled for one version.
func (r *ArtifactRepository) SetText(ctx context.Context, campaignID string, version int, text string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE comm_campaign_artifacts SET text_compiled = $1 WHERE campaign_id = $2 AND version = $3`,
		text, campaignID, version)
	return err
}

// ====================== Audience snapshots ======================

func (r *ArtifactRepository) CreateSnapshot(ctx context.Context, s *model.AudienceSnapshot) error {
	filters, err := toJSONB(s.Filters)
	if err != nil {
		return err
	}
	if s.DedupedBy == "" {
		s.DedupedBy = model.DedupByEmailLower
	}
	query := `
		INSERT INTO comm_audience_snapshots (tenant_id, campaign_id, version, total_recipients, included_lists, deduped_by, filters)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	return r.DB.QueryRowContext(ctx, query, s.TenantID, s.CampaignID, s.Version, s.TotalRecipients,
		pq.Array(s.IncludedLists), s.DedupedBy, filters).Scan(&s.ID, &s.CreatedAt)
}

func (r *ArtifactRepository) LatestSnapshot(ctx context.Context, tenantID, campaignID string) (*model.AudienceSnapshot, error) {
	query := `
		SELECT id, tenant_id, campaign_id, version, total_recipients, included_lists, deduped_by, filters, created_at
		FROM comm_audience_snapshots
		WHERE campaign_id = $1 AND tenant_id = $2
		ORDER BY version DESC
		LIMIT 1
	`
	var (
		s       model.AudienceSnapshot
		filters []byte
	)
	err := r.DB.QueryRowContext(ctx, query, campaignID, tenantID).Scan(&s.ID, &s.TenantID, &s.CampaignID, &s.Version,
		&s.TotalRecipients, pq.Array(&s.IncludedLists), &s.DedupedBy, &filters, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.Filters, err = fromJSONB(filters); err != nil {
		return nil, err
	}
	return &s, nil
}

var _ ArtifactRepositoryInterface = (*ArtifactRepository)(nil)
