// internal/controller/campaign_controller.go
package controller

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/commsblock-backend/internal/errors"
	"github.com/unclebandit/commsblock-backend/internal/model"
	"github.com/unclebandit/commsblock-backend/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
	Log             zerolog.Logger
}

// Routes mounts the tenant-scoped API.
func (c *CampaignController) Routes(r chi.Router) {
	r.Use(RequireTenant)

	r.Post("/campaigns", c.CreateCampaign)
	r.Get("/campaigns", c.ListCampaigns)
	r.Get("/campaigns/{id}", c.GetCampaignDetails)
	r.Delete("/campaigns/{id}", c.DeleteCampaign)

	r.Post("/campaigns/{id}/schedule", c.Schedule)
	r.Post("/campaigns/{id}/cancel", c.Cancel)
	r.Post("/campaigns/{id}/pause", c.Pause)
	r.Post("/campaigns/{id}/resume", c.Resume)
	r.Put("/campaigns/{id}/settings", c.UpdateSettings)

	r.Post("/campaigns/{id}/compile", c.Compile)
	r.Post("/campaigns/{id}/personalized-preview", c.PersonalizedPreview)
	r.Get("/campaigns/{id}/audience", c.AudienceCounts)
	r.Get("/campaigns/{id}/analytics", c.Analytics)
	r.Get("/campaigns/{id}/events", c.ListEvents)

	r.Post("/lists/move-recipients", c.MoveRecipients)
	r.Post("/contacts/{id}/resubscribe", c.Resubscribe)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return appErrors.Invalid("invalid body: %v", err)
	}
	return nil
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CreateCampaignInput
	if err := decode(r, &body); err != nil {
		writeError(w, c.Log, err)
		return
	}
	campaign, err := c.CampaignService.CreateCampaign(r.Context(), TenantFrom(r.Context()), body)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), TenantFrom(r.Context()), page, pageSize, status)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	details, err := c.CampaignService.GetCampaignDetailsWithStats(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (c *CampaignController) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := c.CampaignService.DeleteCampaign(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeError(w, c.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ====================== Lifecycle ======================

func (c *CampaignController) Schedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ScheduledAt *time.Time `json:"scheduled_at"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &body); err != nil {
			writeError(w, c.Log, err)
			return
		}
	}
	campaign, err := c.CampaignService.Schedule(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"), body.ScheduledAt)
	c.respondCampaign(w, campaign, err)
}

func (c *CampaignController) Cancel(w http.ResponseWriter, r *http.Request) {
	campaign, err := c.CampaignService.Cancel(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"))
	c.respondCampaign(w, campaign, err)
}

func (c *CampaignController) Pause(w http.ResponseWriter, r *http.Request) {
	campaign, err := c.CampaignService.Pause(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"))
	c.respondCampaign(w, campaign, err)
}

func (c *CampaignController) Resume(w http.ResponseWriter, r *http.Request) {
	campaign, err := c.CampaignService.Resume(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"))
	c.respondCampaign(w, campaign, err)
}

func (c *CampaignController) respondCampaign(w http.ResponseWriter, campaign *model.Campaign, err error) {
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var body model.SettingsUpdate
	if err := decode(r, &body); err != nil {
		writeError(w, c.Log, err)
		return
	}
	settings, err := c.CampaignService.UpdateSettings(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"), body)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// ====================== Compile & preview ======================

func (c *CampaignController) Compile(w http.ResponseWriter, r *http.Request) {
	out, err := c.CampaignService.Compile(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":           out.Artifact.Version,
		"artifact_id":       out.Artifact.ID,
		"links":             out.Links,
		"security":          out.Security,
		"audience_snapshot": out.Snapshot,
		"hooks":             out.Hooks,
	})
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ContactID string `json:"contact_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, c.Log, err)
		return
	}
	if body.ContactID == "" {
		writeError(w, c.Log, appErrors.Invalid("contact_id is required"))
		return
	}
	msg, err := c.CampaignService.RenderPreview(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"), body.ContactID)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject":    msg.Subject,
		"html":       msg.HTML,
		"text":       msg.Text,
		"headers":    msg.Headers,
		"contact_id": body.ContactID,
	})
}

// ====================== Audience & analytics ======================

func (c *CampaignController) AudienceCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := c.CampaignService.AudienceCounts(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (c *CampaignController) Analytics(w http.ResponseWriter, r *http.Request) {
	days := 0
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 365 {
			writeError(w, c.Log, appErrors.Invalid("days must be between 1 and 365"))
			return
		}
		days = n
	}
	out, err := c.CampaignService.Analytics(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"), days)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (c *CampaignController) ListEvents(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	events, pagination, err := c.CampaignService.ListEvents(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"),
		r.URL.Query().Get("type"), page, pageSize)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":       events,
		"pagination": pagination,
	})
}

// ====================== Lists & contacts ======================

func (c *CampaignController) MoveRecipients(w http.ResponseWriter, r *http.Request) {
	var body service.MoveRecipientsInput
	if err := decode(r, &body); err != nil {
		writeError(w, c.Log, err)
		return
	}
	moved, err := c.CampaignService.MoveRecipients(r.Context(), TenantFrom(r.Context()), body)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"moved": moved})
}

func (c *CampaignController) Resubscribe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CampaignID string `json:"campaign_id"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &body); err != nil {
			writeError(w, c.Log, err)
			return
		}
	}
	if err := c.CampaignService.Resubscribe(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"), body.CampaignID); err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.ContactActive)})
}
