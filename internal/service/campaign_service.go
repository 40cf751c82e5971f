// internal/service/campaign_service.go
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/unclebandit/commsblock-backend/internal/compile"
	appErrors "github.com/unclebandit/commsblock-backend/internal/errors"
	"github.com/unclebandit/commsblock-backend/internal/model"
	"github.com/unclebandit/commsblock-backend/internal/queue"
	"github.com/unclebandit/commsblock-backend/internal/repository"
	"github.com/unclebandit/commsblock-backend/internal/transport"
)

type CampaignCompiler interface {
	Compile(ctx context.Context, tenantID, campaignID string) (*compile.Output, error)
}

// WebhookRegistrar subscribes a motor block's events to our webhook endpoint.
type WebhookRegistrar interface {
	Enabled() bool
	RegisterWebhook(ctx context.Context, motorBlockID, callbackURL string) error
}

type CampaignService struct {
	CampaignRepo    repository.CampaignRepositoryInterface
	TemplateRepo    repository.TemplateRepositoryInterface
	ArtifactRepo    repository.ArtifactRepositoryInterface
	EventRepo       repository.EventRepositoryInterface
	ContactRepo     repository.ContactRepositoryInterface
	ListRepo        repository.ListRepositoryInterface
	SuppressionRepo repository.SuppressionRepositoryInterface
	TenantRepo      repository.TenantRepositoryInterface
	Audience        AudienceResolver
	Compiler        CampaignCompiler
	Renderer        *Renderer
	Webhooks        WebhookRegistrar
	WebhookURL      string
	Queue           queue.Queue
	Log             zerolog.Logger
}

// CreateCampaignInput is the payload for CreateCampaign.
type CreateCampaignInput struct {
	Name         string           `json:"name"`
	TemplateID   string           `json:"template_id"`
	MotorBlockID string           `json:"motor_block_id"`
	ListIDs      []string         `json:"list_ids"`
	Timezone     string           `json:"timezone"`
	ScheduledAt  *time.Time       `json:"scheduled_at,omitempty"`
	Analytics    model.GASettings `json:"google_analytics"`
}

type CampaignDetails struct {
	*model.Campaign
	Settings model.SendSettings `json:"settings"`
	Stats    map[string]int     `json:"stats"`
}

// Analytics is the per-campaign reporting view.
type Analytics struct {
	CampaignID      string                                `json:"campaign_id"`
	Days            int                                   `json:"days"`
	Totals          map[model.EventType]model.EventTotals `json:"totals"`
	DeliveryRate    int                                   `json:"delivery_rate"`
	ClickRate       int                                   `json:"click_rate"`
	BounceRate      int                                   `json:"bounce_rate"`
	LinkPerformance []LinkPerformance                     `json:"link_performance"`
}

type LinkPerformance struct {
	LinkIndex      int    `json:"link_index"`
	URL            string `json:"url"`
	Text           string `json:"text,omitempty"`
	Tracked        bool   `json:"tracked"`
	Clicks         int    `json:"clicks"`
	UniqueClickers int    `json:"unique_clickers"`
}

type AudienceCounts struct {
	Eligible  int `json:"eligible"`
	Remaining int `json:"remaining"`
	Processed int `json:"processed"`
}

// MoveRecipientsInput moves contacts into ToListID, out of FromListID when set.
type MoveRecipientsInput struct {
	ContactIDs []string `json:"contact_ids"`
	FromListID string   `json:"from_list_id"`
	ToListID   string   `json:"to_list_id"`
}

const defaultAnalyticsDays = 30

// ====================== Campaign CRUD ======================

func (s *CampaignService) CreateCampaign(ctx context.Context, tenantID string, in CreateCampaignInput) (*model.Campaign, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, appErrors.Invalid("name is required")
	}
	if in.TemplateID == "" {
		return nil, appErrors.Invalid("template_id is required")
	}
	if in.MotorBlockID != "" {
		if _, err := uuid.Parse(in.MotorBlockID); err != nil {
			return nil, appErrors.Invalid("motor_block_id must be a uuid")
		}
	}
	if in.Timezone != "" {
		if _, err := time.LoadLocation(in.Timezone); err != nil {
			return nil, appErrors.Invalid("unknown timezone %q", in.Timezone)
		}
	}
	if _, err := s.TemplateRepo.GetByID(ctx, tenantID, in.TemplateID); err != nil {
		return nil, err
	}
	for _, listID := range in.ListIDs {
		ok, err := s.ListRepo.Exists(ctx, tenantID, listID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, appErrors.NewListNotFound(listID)
		}
	}

	c := &model.Campaign{
		TenantID:     tenantID,
		TemplateID:   in.TemplateID,
		MotorBlockID: in.MotorBlockID,
		Name:         in.Name,
		Status:       model.StatusDraft,
		Timezone:     in.Timezone,
		Analytics:    in.Analytics,
	}
	if err := s.CampaignRepo.Create(ctx, c, in.ListIDs); err != nil {
		return nil, err
	}
	if in.ScheduledAt != nil {
		if err := s.CampaignRepo.UpdateSettings(ctx, tenantID, c.ID, model.SettingsUpdate{ScheduledAt: in.ScheduledAt}); err != nil {
			return nil, err
		}
		t := in.ScheduledAt.UTC()
		c.ScheduledAt = &t
	}
	s.registerWebhook(ctx, c)

	s.Log.Info().Str("campaign_id", c.ID).Str("tenant_id", tenantID).Int("lists", len(in.ListIDs)).Msg("campaign created")
	return c, nil
}

// registerWebhook is best effort; a failure leaves reconciliation to log polling.
func (s *CampaignService) registerWebhook(ctx context.Context, c *model.Campaign) {
	if s.Webhooks == nil || !s.Webhooks.Enabled() || c.MotorBlockID == "" || s.WebhookURL == "" {
		return
	}
	if err := s.Webhooks.RegisterWebhook(ctx, c.MotorBlockID, s.WebhookURL); err != nil {
		s.Log.Warn().Err(err).Str("campaign_id", c.ID).Str("motor_block_id", c.MotorBlockID).Msg("webhook registration failed")
	}
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, tenantID string, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	page, pageSize, offset := paginate(page, pageSize)

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, tenantID, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}
	return campaigns, pagination(page, pageSize, total), nil
}

func paginate(page, pageSize int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize, (page - 1) * pageSize
}

func pagination(page, pageSize, total int) map[string]int {
	return map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": (total + pageSize - 1) / pageSize,
	}
}

// GetCampaignDetailsWithStats returns the campaign, its pacing and ledger counts by type.
func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, tenantID, id string) (*CampaignDetails, error) {
	c, err := s.CampaignRepo.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	settings, err := s.CampaignRepo.GetSettings(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.EventRepo.CountsByType(ctx, id)
	if err != nil {
		return nil, err
	}

	stats := map[string]int{"total": 0}
	for _, t := range []model.EventType{model.EventQueued, model.EventSent, model.EventDelivered,
		model.EventBounced, model.EventComplained, model.EventFailed, model.EventClicked} {
		stats[string(t)] = 0
	}
	for t, n := range counts {
		stats[string(t)] = n
		stats["total"] += n
	}
	return &CampaignDetails{Campaign: c, Settings: settings, Stats: stats}, nil
}

func (s *CampaignService) DeleteCampaign(ctx context.Context, tenantID, id string) error {
	if err := s.CampaignRepo.Delete(ctx, tenantID, id); err != nil {
		return err
	}
	s.Log.Info().Str("campaign_id", id).Str("tenant_id", tenantID).Msg("campaign deleted")
	return nil
}

// ====================== Lifecycle ======================

// Schedule moves a draft or paused campaign to scheduled, optionally setting its send time.
func (s *CampaignService) Schedule(ctx context.Context, tenantID, id string, at *time.Time) (*model.Campaign, error) {
	if at != nil {
		if err := s.CampaignRepo.UpdateSettings(ctx, tenantID, id, model.SettingsUpdate{ScheduledAt: at}); err != nil {
			return nil, err
		}
	}
	return s.transition(ctx, tenantID, id, model.StatusScheduled)
}

func (s *CampaignService) Cancel(ctx context.Context, tenantID, id string) (*model.Campaign, error) {
	return s.transition(ctx, tenantID, id, model.StatusCancelled)
}

func (s *CampaignService) Pause(ctx context.Context, tenantID, id string) (*model.Campaign, error) {
	return s.transition(ctx, tenantID, id, model.StatusPaused)
}

// Resume puts a paused campaign back in the sender's queue.
func (s *CampaignService) Resume(ctx context.Context, tenantID, id string) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.StatusPaused {
		return nil, fmt.Errorf("%w: campaign is %s, not paused", appErrors.ErrInvalidTransition, c.Status)
	}
	return s.transition(ctx, tenantID, id, model.StatusScheduled)
}

func (s *CampaignService) transition(ctx context.Context, tenantID, id string, to model.CampaignStatus) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !c.Status.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s -> %s", appErrors.ErrInvalidTransition, c.Status, to)
	}
	ok, err := s.CampaignRepo.UpdateStatus(ctx, tenantID, id, []model.CampaignStatus{c.Status}, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: campaign status changed concurrently", appErrors.ErrInvalidTransition)
	}
	s.Log.Info().Str("campaign_id", id).Str("from", string(c.Status)).Str("to", string(to)).Msg("campaign status changed")
	c.Status = to
	return c, nil
}

// ====================== Settings ======================

func (s *CampaignService) UpdateSettings(ctx context.Context, tenantID, id string, u model.SettingsUpdate) (model.SendSettings, error) {
	if u.ChunkSize != nil && *u.ChunkSize <= 0 {
		return model.SendSettings{}, appErrors.Invalid("chunk_size must be positive")
	}
	if u.DelaySeconds != nil && *u.DelaySeconds < 0 {
		return model.SendSettings{}, appErrors.Invalid("delay_seconds_between_chunks must not be negative")
	}
	if u.Timezone != nil && *u.Timezone != "" {
		if _, err := time.LoadLocation(*u.Timezone); err != nil {
			return model.SendSettings{}, appErrors.Invalid("unknown timezone %q", *u.Timezone)
		}
	}
	if u.ClearScheduled && u.ScheduledAt != nil {
		return model.SendSettings{}, appErrors.Invalid("scheduled_at and clear_scheduled are exclusive")
	}
	if err := s.CampaignRepo.UpdateSettings(ctx, tenantID, id, u); err != nil {
		return model.SendSettings{}, err
	}
	return s.CampaignRepo.GetSettings(ctx, id)
}

// ====================== Compile & render ======================

func (s *CampaignService) Compile(ctx context.Context, tenantID, id string) (*compile.Output, error) {
	return s.Compiler.Compile(ctx, tenantID, id)
}

// RenderPreview personalises the latest artifact, or the template when nothing is
// compiled yet, for one contact without sending it.
func (s *CampaignService) RenderPreview(ctx context.Context, tenantID, campaignID, contactID string) (*transport.Message, error) {
	c, err := s.CampaignRepo.GetByID(ctx, tenantID, campaignID)
	if err != nil {
		return nil, err
	}
	contact, err := s.ContactRepo.GetByID(ctx, tenantID, contactID)
	if err != nil {
		return nil, err
	}
	a, err := s.ArtifactRepo.Latest(ctx, tenantID, campaignID)
	if err != nil {
		return nil, err
	}
	content := ContentFrom(a, nil)
	if a == nil {
		t, err := s.TemplateRepo.GetByID(ctx, tenantID, c.TemplateID)
		if err != nil {
			return nil, err
		}
		content = ContentFrom(nil, t)
	}
	msg, err := s.Renderer.Render(content, c.ID, model.Recipient{
		ContactID:    contact.ID,
		TenantID:     tenantID,
		Email:        contact.Email,
		Name:         contact.Name,
		IdentityName: contact.IdentityName,
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ====================== Audience ======================

func (s *CampaignService) AudienceCounts(ctx context.Context, tenantID, id string) (*AudienceCounts, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, tenantID, id); err != nil {
		return nil, err
	}
	res, err := s.Audience.Resolve(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return &AudienceCounts{Eligible: len(res.Eligible), Remaining: len(res.Remaining), Processed: res.Processed}, nil
}

// MoveRecipients moves contacts between lists of the tenant in one transaction.
func (s *CampaignService) MoveRecipients(ctx context.Context, tenantID string, in MoveRecipientsInput) (int, error) {
	if len(in.ContactIDs) == 0 {
		return 0, appErrors.Invalid("contact_ids is required")
	}
	if in.ToListID == "" {
		return 0, appErrors.Invalid("to_list_id is required")
	}
	if in.FromListID == in.ToListID {
		return 0, appErrors.Invalid("source and target list are the same")
	}
	for _, id := range []string{in.FromListID, in.ToListID} {
		if id == "" {
			continue
		}
		ok, err := s.ListRepo.Exists(ctx, tenantID, id)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, appErrors.NewListNotFound(id)
		}
	}
	moved, err := s.ListRepo.MoveContacts(ctx, tenantID, in.ContactIDs, in.FromListID, in.ToListID)
	if err != nil {
		return 0, err
	}
	s.Log.Info().Str("tenant_id", tenantID).Str("to_list_id", in.ToListID).Int("moved", moved).Msg("recipients moved")
	return moved, nil
}

// Resubscribe reactivates a contact and lifts its account suppression. The ledger row is
// written only when the action is tied to a campaign.
func (s *CampaignService) Resubscribe(ctx context.Context, tenantID, contactID, campaignID string) error {
	contact, err := s.ContactRepo.GetByID(ctx, tenantID, contactID)
	if err != nil {
		return err
	}
	settings, err := s.TenantRepo.Settings(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := s.ContactRepo.SetStatus(ctx, tenantID, contactID, model.ContactActive); err != nil {
		return err
	}
	if settings.AccountID != "" {
		if err := s.SuppressionRepo.Remove(ctx, settings.AccountID, contact.Email); err != nil {
			return fmt.Errorf("remove suppression: %w", err)
		}
	}
	if campaignID != "" {
		ev := &model.EmailEvent{
			TenantID:   tenantID,
			CampaignID: campaignID,
			ContactID:  contactID,
			Type:       model.EventResubscribed,
			Payload:    map[string]any{"source": "api"},
		}
		if err := s.EventRepo.Record(ctx, ev); err != nil {
			return fmt.Errorf("record resubscribe: %w", err)
		}
		publishEvent(s.Queue, s.Log, ev)
	}
	s.Log.Info().Str("tenant_id", tenantID).Str("contact_id", contactID).Msg("contact resubscribed")
	return nil
}

// ====================== Analytics ======================

func (s *CampaignService) ListEvents(ctx context.Context, tenantID, campaignID, eventType string, page, pageSize int) ([]*model.EmailEvent, map[string]int, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, tenantID, campaignID); err != nil {
		return nil, nil, err
	}
	page, pageSize, offset := paginate(page, pageSize)
	events, total, err := s.EventRepo.ListEvents(ctx, campaignID, eventType, offset, pageSize)
	if err != nil {
		return nil, nil, err
	}
	return events, pagination(page, pageSize, total), nil
}

// Analytics summarises the ledger over the last days days. Sent counts both queued and
// provider-confirmed sent rows.
func (s *CampaignService) Analytics(ctx context.Context, tenantID, id string, days int) (*Analytics, error) {
	if days <= 0 {
		days = defaultAnalyticsDays
	}
	if _, err := s.CampaignRepo.GetByID(ctx, tenantID, id); err != nil {
		return nil, err
	}
	totals, err := s.EventRepo.Summary(ctx, tenantID, id, days)
	if err != nil {
		return nil, err
	}
	sent := totals[model.EventQueued].Total + totals[model.EventSent].Total
	delivered := totals[model.EventDelivered].Total

	out := &Analytics{
		CampaignID:   id,
		Days:         days,
		Totals:       totals,
		DeliveryRate: percent(delivered, sent),
		ClickRate:    percent(totals[model.EventClicked].Unique, delivered),
		BounceRate:   percent(totals[model.EventBounced].Total, sent),
	}

	out.LinkPerformance, err = s.linkPerformance(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *CampaignService) linkPerformance(ctx context.Context, tenantID, id string) ([]LinkPerformance, error) {
	clicks, err := s.EventRepo.LinkClicks(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	// rows of one index are summed; the first URL seen is kept
	byIndex := make(map[int]model.LinkClicks, len(clicks))
	var order []int
	for _, c := range clicks {
		prev, ok := byIndex[c.LinkIndex]
		if !ok {
			byIndex[c.LinkIndex] = c
			order = append(order, c.LinkIndex)
			continue
		}
		prev.Clicks += c.Clicks
		prev.UniqueClickers += c.UniqueClickers
		byIndex[c.LinkIndex] = prev
	}

	a, err := s.ArtifactRepo.Latest(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	out := []LinkPerformance{}
	seen := map[int]bool{}
	for _, l := range linkMapOf(a) {
		c := byIndex[l.Index]
		out = append(out, LinkPerformance{
			LinkIndex:      l.Index,
			URL:            l.Original,
			Text:           l.Text,
			Tracked:        l.Tracked,
			Clicks:         c.Clicks,
			UniqueClickers: c.UniqueClickers,
		})
		seen[l.Index] = true
	}
	// clicks on links of older versions are still reported
	for _, idx := range order {
		if seen[idx] {
			continue
		}
		c := byIndex[idx]
		out = append(out, LinkPerformance{
			LinkIndex:      c.LinkIndex,
			URL:            c.OriginalURL,
			Tracked:        true,
			Clicks:         c.Clicks,
			UniqueClickers: c.UniqueClickers,
		})
	}
	return out, nil
}

func linkMapOf(a *model.Artifact) []model.LinkMapEntry {
	if a == nil || a.Meta["linkMap"] == nil {
		return nil
	}
	raw, err := json.Marshal(a.Meta["linkMap"])
	if err != nil {
		return nil
	}
	var entries []model.LinkMapEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}
	return entries
}

func percent(n, d int) int {
	if d <= 0 {
		return 0
	}
	return int(math.Round(float64(n) * 100 / float64(d)))
}
