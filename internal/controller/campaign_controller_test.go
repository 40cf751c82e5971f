package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/unclebandit/commsblock-backend/internal/controller"
	appErrors "github.com/unclebandit/commsblock-backend/internal/errors"
	"github.com/unclebandit/commsblock-backend/internal/model"
	"github.com/unclebandit/commsblock-backend/internal/repository"
	"github.com/unclebandit/commsblock-backend/internal/service"
	"github.com/unclebandit/commsblock-backend/internal/token"
)

const (
	tenantID   = "7d0c1a52-0000-4000-8000-000000000001"
	campaignID = "ca000000-0000-4000-8000-000000000001"
	contactID  = "c0000000-0000-4000-8000-000000000001"
)

// --- Mock Repositories ---
// Embedded interfaces panic on methods a test does not expect to be called.

type mockCampaignRepo struct {
	repository.CampaignRepositoryInterface
	campaigns []*model.Campaign
}

func (m *mockCampaignRepo) GetByID(ctx context.Context, tenant, id string) (*model.Campaign, error) {
	for _, c := range m.campaigns {
		if c.ID == id && c.TenantID == tenant {
			cp := *c
			return &cp, nil
		}
	}
	return nil, appErrors.NewCampaignNotFound(id)
}

func (m *mockCampaignRepo) ListCampaigns(ctx context.Context, tenant string, offset, limit int, status string) ([]*model.Campaign, int, error) {
	var filtered []*model.Campaign
	for _, c := range m.campaigns {
		if c.TenantID == tenant && (status == "" || string(c.Status) == status) {
			filtered = append(filtered, c)
		}
	}
	total := len(filtered)
	if offset > total {
		return []*model.Campaign{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func (m *mockCampaignRepo) UpdateStatus(ctx context.Context, tenant, id string, from []model.CampaignStatus, to model.CampaignStatus) (bool, error) {
	for _, c := range m.campaigns {
		if c.ID == id {
			c.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *mockCampaignRepo) GetSettings(ctx context.Context, id string) (model.SendSettings, error) {
	return model.SendSettings{ChunkSize: 2, DelaySeconds: 10}, nil
}

type mockEventRepo struct {
	repository.EventRepositoryInterface
}

func (m *mockEventRepo) CountsByType(ctx context.Context, campaignID string) (map[model.EventType]int, error) {
	return map[model.EventType]int{model.EventQueued: 3}, nil
}

type mockContactRepo struct {
	repository.ContactRepositoryInterface
}

func (m *mockContactRepo) GetByID(ctx context.Context, tenant, id string) (*model.Contact, error) {
	if id != contactID {
		return nil, appErrors.NewContactNotFound(id)
	}
	return &model.Contact{ID: id, TenantID: tenant, Email: "alice@example.com", Name: "Alice"}, nil
}

type mockArtifactRepo struct {
	repository.ArtifactRepositoryInterface
}

func (m *mockArtifactRepo) Latest(ctx context.Context, tenant, campaign string) (*model.Artifact, error) {
	return &model.Artifact{CampaignID: campaign, Version: 2, Subject: "Hi {{name}}", HTMLCompiled: "<p>Hi {{name}}</p>"}, nil
}

func newRouter(campaigns ...*model.Campaign) http.Handler {
	svc := &service.CampaignService{
		CampaignRepo: &mockCampaignRepo{campaigns: campaigns},
		EventRepo:    &mockEventRepo{},
		ContactRepo:  &mockContactRepo{},
		ArtifactRepo: &mockArtifactRepo{},
		Renderer:     &service.Renderer{Signer: token.NewSigner("s", 0, 0), PublicBase: "https://app.example.com"},
		Log:          zerolog.Nop(),
	}
	ctrl := &controller.CampaignController{CampaignService: svc, Log: zerolog.Nop()}
	r := chi.NewRouter()
	r.Route("/api", ctrl.Routes)
	return r
}

func do(h http.Handler, method, path, body string, tenant bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if tenant {
		req.Header.Set(controller.TenantHeader, tenantID)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// --- Tests ---

func TestPersonalizedPreviewHandler(t *testing.T) {
	h := newRouter(&model.Campaign{ID: campaignID, TenantID: tenantID, Status: model.StatusDraft})

	w := do(h, http.MethodPost, "/api/campaigns/"+campaignID+"/personalized-preview", `{"contact_id":"`+contactID+`"}`, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res map[string]any
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if res["subject"] != "Hi Alice" {
		t.Errorf("expected personalised subject, got %v", res["subject"])
	}
	if !strings.Contains(res["html"].(string), "Alice") {
		t.Errorf("expected 'Alice' in html, got %v", res["html"])
	}

	w = do(h, http.MethodPost, "/api/campaigns/"+campaignID+"/personalized-preview", `{"contact_id":"c0000000-0000-4000-8000-00000000ffff"}`, true)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown contact, got %d", w.Code)
	}
	w = do(h, http.MethodPost, "/api/campaigns/"+campaignID+"/personalized-preview", `{}`, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without contact, got %d", w.Code)
	}
}

func TestListCampaignsHandlerPagination(t *testing.T) {
	var cs []*model.Campaign
	for i := 1; i <= 5; i++ {
		cs = append(cs, &model.Campaign{ID: fmt.Sprintf("ca000000-0000-4000-8000-00000000000%d", i), TenantID: tenantID, Status: model.StatusDraft})
	}
	cs[4].Status = model.StatusSending
	h := newRouter(cs...)

	w := do(h, http.MethodGet, "/api/campaigns?page=2&page_size=2", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var res struct {
		Data       []model.Campaign `json:"data"`
		Pagination map[string]int   `json:"pagination"`
	}
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Data) != 2 || res.Pagination["total_count"] != 5 || res.Pagination["total_pages"] != 3 || res.Pagination["page"] != 2 {
		t.Errorf("unexpected response %+v", res)
	}

	w = do(h, http.MethodGet, "/api/campaigns?status=sending", "", true)
	res.Data = nil
	json.NewDecoder(w.Body).Decode(&res)
	if len(res.Data) != 1 {
		t.Errorf("expected 1 sending campaign, got %d", len(res.Data))
	}
}

func TestTenantHeaderRequired(t *testing.T) {
	h := newRouter()
	if w := do(h, http.MethodGet, "/api/campaigns", "", false); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without tenant, got %d", w.Code)
	}
}

func TestCampaignDetailsAndErrors(t *testing.T) {
	h := newRouter(&model.Campaign{ID: campaignID, TenantID: tenantID, Status: model.StatusCompleted})

	w := do(h, http.MethodGet, "/api/campaigns/"+campaignID, "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var details struct {
		Stats    map[string]int     `json:"stats"`
		Settings model.SendSettings `json:"settings"`
	}
	json.NewDecoder(w.Body).Decode(&details)
	if details.Stats["queued"] != 3 || details.Stats["total"] != 3 || details.Settings.ChunkSize != 2 {
		t.Errorf("unexpected details %+v", details)
	}

	if w := do(h, http.MethodGet, "/api/campaigns/ca000000-0000-4000-8000-0000000000ff", "", true); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := do(h, http.MethodPost, "/api/campaigns/"+campaignID+"/pause", "", true); w.Code != http.StatusConflict {
		t.Errorf("expected 409 pausing a completed campaign, got %d", w.Code)
	}
	if w := do(h, http.MethodGet, "/api/campaigns/"+campaignID+"/analytics?days=abc", "", true); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad days, got %d", w.Code)
	}
}

func TestScheduleHandler(t *testing.T) {
	c := &model.Campaign{ID: campaignID, TenantID: tenantID, Status: model.StatusDraft}
	h := newRouter(c)
	w := do(h, http.MethodPost, "/api/campaigns/"+campaignID+"/schedule", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if c.Status != model.StatusScheduled {
		t.Errorf("expected scheduled, got %s", c.Status)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{appErrors.NewCampaignNotFound("x"), http.StatusNotFound},
		{fmt.Errorf("wrap: %w", appErrors.NewListNotFound("x")), http.StatusNotFound},
		{appErrors.Invalid("bad"), http.StatusBadRequest},
		{appErrors.ErrInvalidTransition, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := controller.StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
