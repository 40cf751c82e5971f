package compile

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/unclebandit/commsblock-backend/internal/htmltext"
	"github.com/unclebandit/commsblock-backend/internal/queue"
	"github.com/unclebandit/commsblock-backend/internal/security"
)

// ArtifactStore is the part of the artifact repository hooks write through.
type ArtifactStore interface {
	MergeMeta(ctx context.Context, campaignID string, version int, patch map[string]any) error
	SetText(ctx context.Context, campaignID string, version int, text string) error
}

// CompiledMessage is published on the campaign_compiled topic.
type CompiledMessage struct {
	TenantID        string `json:"tenant_id"`
	CampaignID      string `json:"campaign_id"`
	Version         int    `json:"version"`
	TotalRecipients int    `json:"total_recipients"`
	LinksTracked    int    `json:"links_tracked"`
}

// AuditLogHook logs the compile and publishes it for downstream consumers.
func AuditLogHook(log zerolog.Logger, q queue.Queue) Hook {
	return func(ctx context.Context, ev *Event) (any, error) {
		log.Info().
			Str("tenant_id", ev.TenantID).
			Str("campaign_id", ev.CampaignID).
			Int("version", ev.Version).
			Int("total_recipients", ev.TotalRecipients).
			Msg("artifact compiled")
		if q == nil {
			return map[string]any{"logged": true}, nil
		}
		msg := CompiledMessage{
			TenantID:        ev.TenantID,
			CampaignID:      ev.CampaignID,
			Version:         ev.Version,
			TotalRecipients: ev.TotalRecipients,
			LinksTracked:    ev.Links.Stats.Tracked,
		}
		if err := q.Publish(queue.TopicCampaignCompile, msg); err != nil {
			return nil, fmt.Errorf("publish compile event: %w", err)
		}
		return map[string]any{"logged": true, "published": true}, nil
	}
}

// MetricsHook reports size and audience figures for the compiled artifact.
func MetricsHook(log zerolog.Logger) Hook {
	return func(ctx context.Context, ev *Event) (any, error) {
		m := map[string]int{
			"html_bytes":       len(ev.Artifact.HTMLCompiled),
			"text_bytes":       len(ev.Artifact.TextCompiled),
			"links_total":      ev.Links.Stats.Total,
			"links_tracked":    ev.Links.Stats.Tracked,
			"total_recipients": ev.TotalRecipients,
		}
		log.Info().Str("campaign_id", ev.CampaignID).Int("version", ev.Version).
			Interface("metrics", m).Msg("compile metrics")
		return m, nil
	}
}

// HTMLToTextHook backfills text_compiled when the template had no authored text.
// Results of MinLength runes or fewer are not stored.
func HTMLToTextHook(conv htmltext.Converter, store ArtifactStore) Hook {
	return func(ctx context.Context, ev *Event) (any, error) {
		if ev.AuthoredText {
			return map[string]any{"generated": false, "reason": "authored"}, nil
		}
		text := conv.Convert(ev.Artifact.HTMLCompiled)
		n := utf8.RuneCountInString(text)
		if n <= htmltext.MinLength {
			return map[string]any{"generated": false, "reason": "too_short", "length": n}, nil
		}
		if err := store.SetText(ctx, ev.CampaignID, ev.Version, text); err != nil {
			return nil, fmt.Errorf("store generated text: %w", err)
		}
		ev.Artifact.TextCompiled = text
		return map[string]any{"generated": true, "length": n}, nil
	}
}

// SecurityHook validates the compiled HTML and records the report in meta.security.
func SecurityHook(v *security.Validator, store ArtifactStore) Hook {
	return func(ctx context.Context, ev *Event) (any, error) {
		report := v.Validate(ev.Artifact.HTMLCompiled)
		if err := store.MergeMeta(ctx, ev.CampaignID, ev.Version, map[string]any{"security": report}); err != nil {
			return report, fmt.Errorf("store security report: %w", err)
		}
		return report, nil
	}
}

// LinkSummary is the link-processing hook output.
type LinkSummary struct {
	LinksProcessed  int  `json:"linksProcessed"`
	LinksSkipped    int  `json:"linksSkipped"`
	TotalLinks      int  `json:"totalLinks"`
	TrackingApplied bool `json:"trackingApplied"`
}

// LinkProcessingHook merges the link map produced during compile into meta.linkMap
// of the same version.
func LinkProcessingHook(store ArtifactStore) Hook {
	return func(ctx context.Context, ev *Event) (any, error) {
		s := ev.Links.Stats
		out := LinkSummary{
			LinksProcessed:  s.Tracked,
			LinksSkipped:    s.Skipped,
			TotalLinks:      s.Total,
			TrackingApplied: s.Tracked > 0,
		}
		if len(ev.Links.Links) == 0 {
			return out, nil
		}
		patch := map[string]any{"linkMap": ev.Links.Links, "linkStats": s}
		if err := store.MergeMeta(ctx, ev.CampaignID, ev.Version, patch); err != nil {
			return out, fmt.Errorf("store link map: %w", err)
		}
		return out, nil
	}
}

// Deps carries what the default hook set needs.
type Deps struct {
	Log       zerolog.Logger
	Queue     queue.Queue
	Store     ArtifactStore
	Text      htmltext.Converter
	Validator *security.Validator
}

// DefaultRegistry registers the standard hooks in their dispatch order.
func DefaultRegistry(d Deps) *Registry {
	r := NewRegistry(d.Log)
	if d.Validator == nil {
		d.Validator = security.NewValidator()
	}
	// names are all known, Register cannot fail here
	_ = r.Register(HookAuditLog, AuditLogHook(d.Log, d.Queue))
	_ = r.Register(HookMetricsEmit, MetricsHook(d.Log))
	_ = r.Register(HookHTMLToText, HTMLToTextHook(d.Text, d.Store))
	_ = r.Register(HookSecurityValidation, SecurityHook(d.Validator, d.Store))
	_ = r.Register(HookLinkProcessing, LinkProcessingHook(d.Store))
	return r
}
