package compile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/commsblock-backend/internal/audience"
	"github.com/unclebandit/commsblock-backend/internal/linktrack"
	"github.com/unclebandit/commsblock-backend/internal/model"
	"github.com/unclebandit/commsblock-backend/internal/repository"
	"github.com/unclebandit/commsblock-backend/internal/security"
)

type Compiler struct {
	Campaigns      CampaignSource
	Templates      TemplateSource
	Artifacts      ArtifactWriter
	Lists          ListSource
	Audience       *audience.Resolver
	Hooks          *Registry
	TrackingDomain string
	Log            zerolog.Logger
	Now            func() time.Time
}

type CampaignSource interface {
	GetByID(ctx context.Context, tenantID, id string) (*model.Campaign, error)
}

type TemplateSource interface {
	GetByID(ctx context.Context, tenantID, id string) (*model.Template, error)
}

// ArtifactWriter creates artifacts and their audience snapshots.
type ArtifactWriter interface {
	Create(ctx context.Context, a *model.Artifact) error
	CreateSnapshot(ctx context.Context, s *model.AudienceSnapshot) error
}

// ListSource resolves the lists attached to a campaign.
type ListSource interface {
	CampaignListIDs(ctx context.Context, campaignID string) ([]string, error)
}

var (
	_ CampaignSource = (repository.CampaignRepositoryInterface)(nil)
	_ TemplateSource = (repository.TemplateRepositoryInterface)(nil)
	_ ArtifactWriter = (repository.ArtifactRepositoryInterface)(nil)
	_ ArtifactStore  = (repository.ArtifactRepositoryInterface)(nil)
	_ ListSource     = (repository.AudienceRepositoryInterface)(nil)
)

// Output summarises one compile for the caller.
type Output struct {
	Artifact *model.Artifact         `json:"artifact"`
	Snapshot *model.AudienceSnapshot `json:"audience_snapshot,omitempty"`
	Links    linktrack.Stats         `json:"links"`
	Security *security.Report        `json:"security,omitempty"`
	Hooks    []Result                `json:"hooks"`
}

// Compile snapshots the campaign's template into the next artifact version, records the
// audience at that moment, then dispatches artifact.compiled to the hooks.
func (c *Compiler) Compile(ctx context.Context, tenantID, campaignID string) (*Output, error) {
	campaign, err := c.Campaigns.GetByID(ctx, tenantID, campaignID)
	if err != nil {
		return nil, err
	}
	tpl, err := c.Templates.GetByID(ctx, tenantID, campaign.TemplateID)
	if err != nil {
		return nil, err
	}

	opts := LinkOptions(campaign, c.TrackingDomain)
	links := linktrack.Process(tpl.HTML, opts)

	artifact := &model.Artifact{
		TenantID:     tenantID,
		CampaignID:   campaignID,
		Subject:      tpl.Subject,
		HTMLCompiled: links.HTML,
		TextCompiled: tpl.Text,
		Meta: map[string]any{
			"templateId": tpl.ID,
			"utmPolicy":  string(opts.Policy),
		},
	}
	if err := c.Artifacts.Create(ctx, artifact); err != nil {
		return nil, err
	}
	log := c.Log.With().Str("tenant_id", tenantID).Str("campaign_id", campaignID).Int("version", artifact.Version).Logger()

	out := &Output{Artifact: artifact, Links: links.Stats}

	total := 0
	if snap, err := c.snapshot(ctx, tenantID, campaignID, artifact.Version); err != nil {
		log.Warn().Err(err).Msg("audience snapshot failed")
	} else {
		out.Snapshot = snap
		total = snap.TotalRecipients
	}

	ev := &Event{
		Type:            EventArtifactCompiled,
		TenantID:        tenantID,
		CampaignID:      campaignID,
		Version:         artifact.Version,
		Artifact:        artifact,
		SourceHTML:      tpl.HTML,
		AuthoredText:    strings.TrimSpace(tpl.Text) != "",
		TotalRecipients: total,
		Links:           links,
		CompiledAt:      c.now(),
	}
	if c.Hooks != nil {
		out.Hooks = c.Hooks.Execute(ctx, ev)
	}
	if res, ok := Find(out.Hooks, HookSecurityValidation); ok {
		if report, ok := res.Output.(security.Report); ok {
			out.Security = &report
		}
	}
	log.Info().Int("links_tracked", links.Stats.Tracked).Int("total_recipients", total).Msg("campaign compiled")
	return out, nil
}

func (c *Compiler) snapshot(ctx context.Context, tenantID, campaignID string, version int) (*model.AudienceSnapshot, error) {
	res, err := c.Audience.Resolve(ctx, tenantID, campaignID)
	if err != nil {
		return nil, err
	}
	lists, err := c.Lists.CampaignListIDs(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign lists: %w", err)
	}
	snap := &model.AudienceSnapshot{
		TenantID:        tenantID,
		CampaignID:      campaignID,
		Version:         version,
		TotalRecipients: len(res.Eligible),
		IncludedLists:   lists,
		DedupedBy:       model.DedupByEmailLower,
		Filters:         map[string]any{"contactStatus": "active", "membershipStatus": "active", "excludeSuppressed": true},
	}
	if err := c.Artifacts.CreateSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (c *Compiler) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// LinkOptions derives the link policy for a campaign. With analytics enabled the campaign's
// UTM values are appended where missing; otherwise destinations are preserved.
func LinkOptions(c *model.Campaign, trackingDomain string) linktrack.Options {
	short := c.ID
	if len(short) > 8 {
		short = short[:8]
	}
	fallbackCampaign := "campaign_" + short

	opts := linktrack.Options{
		CampaignID:     c.ID,
		TrackingDomain: trackingDomain,
		Policy:         linktrack.PolicyPreserve,
		Defaults: []linktrack.Param{
			{Key: "utm_source", Value: "email"},
			{Key: "utm_medium", Value: "motorical_campaign"},
			{Key: "utm_campaign", Value: fallbackCampaign},
		},
	}
	ga := c.Analytics
	if !ga.Enabled {
		return opts
	}
	opts.Policy = linktrack.PolicyAppend
	opts.Defaults = []linktrack.Param{
		{Key: "utm_source", Value: or(ga.Source, "motorical_email")},
		{Key: "utm_medium", Value: or(ga.Medium, "email")},
		{Key: "utm_campaign", Value: or(ga.Campaign, fallbackCampaign)},
		{Key: "utm_content", Value: or(ga.Content, "email_link")},
	}
	if ga.Term != "" {
		opts.Defaults = append(opts.Defaults, linktrack.Param{Key: "utm_term", Value: ga.Term})
	}
	return opts
}

func or(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
