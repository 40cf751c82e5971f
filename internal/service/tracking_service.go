package service

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/unclebandit/commsblock-backend/internal/model"
	"github.com/unclebandit/commsblock-backend/internal/token"
)

type ContactStore interface {
	GetByID(ctx context.Context, tenantID, id string) (*model.Contact, error)
	SetStatus(ctx context.Context, tenantID, id string, status model.ContactStatus) error
	TouchEngagement(ctx context.Context, tenantID, id string) error
}

type TenantSettingsSource interface {
	Settings(ctx context.Context, tenantID string) (*model.TenantSettings, error)
}

type SuppressionWriter interface {
	Add(ctx context.Context, s model.Suppression) (bool, error)
}

// Page is the HTTP answer of a tracking endpoint: a redirect or an HTML body.
type Page struct {
	Status   int
	Location string
	HTML     string
}

func redirect(to string) *Page { return &Page{Status: http.StatusFound, Location: to} }

const (
	maxUserAgent = 500
	maxIP        = 45
)

// TrackingService serves click redirects and unsubscribe links.
type TrackingService struct {
	Signer       *token.Signer
	Contacts     ContactStore
	Tenants      TenantSettingsSource
	Suppressions SuppressionWriter
	Events       EventRecorder
	Log          zerolog.Logger

	wg sync.WaitGroup
}

// Click verifies a click token and redirects to its destination. Recording the click
// never delays or blocks the redirect.
func (s *TrackingService) Click(ctx context.Context, raw, urlParam, userAgent, ip string) *Page {
	claims, err := s.Signer.Verify(raw, token.KindClick)
	if err != nil {
		fallback := urlParam
		if errors.Is(err, token.ErrWrongKind) && fallback == "" && claims != nil {
			fallback = claims.OriginalURL
		}
		if safeRedirect(fallback) {
			return redirect(fallback)
		}
		if errors.Is(err, token.ErrWrongKind) {
			return errorPage(http.StatusBadRequest, "Missing destination URL.")
		}
		return errorPage(http.StatusBadRequest, "Invalid tracking link.")
	}

	target := claims.OriginalURL
	if target == "" {
		target = urlParam
	}
	if !safeRedirect(target) {
		return errorPage(http.StatusBadRequest, "Missing destination URL.")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.recordClick(context.WithoutCancel(ctx), claims, target, userAgent, ip)
	}()
	return redirect(target)
}

// Wait blocks until pending click recordings finish.
func (s *TrackingService) Wait() { s.wg.Wait() }

func (s *TrackingService) recordClick(ctx context.Context, c *token.Claims, target, userAgent, ip string) {
	ev := &model.EmailEvent{
		TenantID:   c.TenantID,
		CampaignID: c.CampaignID,
		ContactID:  c.ContactID,
		Type:       model.EventClicked,
		Payload: map[string]any{
			"originalUrl": target,
			"linkIndex":   c.LinkIndex,
			"userAgent":   truncate(userAgent, maxUserAgent),
			"ip":          truncate(ip, maxIP),
		},
	}
	log := s.Log.With().Str("campaign_id", c.CampaignID).Str("contact_id", c.ContactID).Logger()
	if err := s.Events.Record(ctx, ev); err != nil {
		log.Warn().Err(err).Msg("record click failed")
		return
	}
	if c.ContactID != "" {
		if err := s.Contacts.TouchEngagement(ctx, c.TenantID, c.ContactID); err != nil {
			log.Warn().Err(err).Msg("touch engagement failed")
		}
	}
}

// Unsubscribe suppresses the token's contact across its account and either redirects to
// the tenant's own page or renders the hosted confirmation.
func (s *TrackingService) Unsubscribe(ctx context.Context, raw string) *Page {
	claims, err := s.Signer.Verify(raw, token.KindUnsub)
	if err != nil {
		if errors.Is(err, token.ErrWrongKind) {
			return errorPage(http.StatusBadRequest, "Invalid unsubscribe token.")
		}
		return errorPage(http.StatusBadRequest, "Unsubscribe link invalid or expired.")
	}
	log := s.Log.With().Str("tenant_id", claims.TenantID).Str("campaign_id", claims.CampaignID).
		Str("contact_id", claims.ContactID).Logger()

	settings, err := s.Tenants.Settings(ctx, claims.TenantID)
	if err != nil {
		log.Error().Err(err).Msg("load tenant settings failed")
		return errorPage(http.StatusInternalServerError, "We could not process your request.")
	}
	contact, err := s.Contacts.GetByID(ctx, claims.TenantID, claims.ContactID)
	if err != nil {
		log.Error().Err(err).Msg("load contact failed")
		return errorPage(http.StatusInternalServerError, "We could not process your request.")
	}

	if settings.AccountID != "" {
		if _, err := s.Suppressions.Add(ctx, model.Suppression{
			AccountID:      settings.AccountID,
			TenantID:       claims.TenantID,
			Email:          strings.ToLower(strings.TrimSpace(contact.Email)),
			Reason:         model.SuppressionUnsubscribe,
			Source:         "link",
			LandingVariant: settings.UnsubscribeMode,
		}); err != nil {
			log.Error().Err(err).Msg("add suppression failed")
			return errorPage(http.StatusInternalServerError, "We could not process your request.")
		}
	}
	if err := s.Contacts.SetStatus(ctx, claims.TenantID, contact.ID, model.ContactUnsubscribed); err != nil {
		log.Error().Err(err).Msg("set contact unsubscribed failed")
		return errorPage(http.StatusInternalServerError, "We could not process your request.")
	}
	if err := s.Events.Record(ctx, &model.EmailEvent{
		TenantID:   claims.TenantID,
		CampaignID: claims.CampaignID,
		ContactID:  contact.ID,
		Type:       model.EventComplained,
		Payload:    map[string]any{"reason": "unsubscribe", "source": "link"},
	}); err != nil {
		log.Warn().Err(err).Msg("record unsubscribe event failed")
	}
	log.Info().Str("mode", settings.UnsubscribeMode).Msg("contact unsubscribed")

	if settings.UnsubscribeMode == model.UnsubscribeModeCustomer {
		if u, ok := customUnsubscribeURL(settings.CustomUnsubscribeURL, contact.Email, claims.CampaignID); ok {
			return redirect(u)
		}
	}
	return confirmationPage(MaskEmail(contact.Email))
}

func customUnsubscribeURL(base, email, campaignID string) (string, bool) {
	if base == "" {
		return "", false
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return "", false
	}
	q := u.Query()
	q.Set("status", "unsubscribed")
	q.Set("email", MaskEmail(email))
	q.Set("campaign", campaignID)
	u.RawQuery = q.Encode()
	return u.String(), true
}

// MaskEmail keeps the first two characters of the local part: jo***@example.com.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return "***"
	}
	local, domain := email[:at], email[at+1:]
	if len(local) > 2 {
		local = local[:2]
	}
	return local + "***@" + domain
}

func safeRedirect(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var pageTmpl = template.Must(template.New("page").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="font-family:sans-serif;max-width:32rem;margin:4rem auto;text-align:center">
<h1>{{.Title}}</h1><p>{{.Message}}</p></body></html>`))

func renderPage(status int, title, message string) *Page {
	var buf bytes.Buffer
	if err := pageTmpl.Execute(&buf, struct{ Title, Message string }{title, message}); err != nil {
		return &Page{Status: http.StatusInternalServerError, HTML: "error " + strconv.Itoa(status)}
	}
	return &Page{Status: status, HTML: buf.String()}
}

func errorPage(status int, message string) *Page {
	return renderPage(status, "Something went wrong", message)
}

func confirmationPage(masked string) *Page {
	return renderPage(http.StatusOK, "You have been unsubscribed",
		masked+" will no longer receive these emails.")
}
