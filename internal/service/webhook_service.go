package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/unclebandit/commsblock-backend/internal/deliverylog"
	appErrors "github.com/unclebandit/commsblock-backend/internal/errors"
	"github.com/unclebandit/commsblock-backend/internal/model"
	"github.com/unclebandit/commsblock-backend/internal/queue"
	"github.com/unclebandit/commsblock-backend/internal/transport"
)

var ErrBadSignature = errors.New("webhook signature mismatch")

type TenantLookup interface {
	TenantOf(ctx context.Context, campaignID string) (string, error)
}

type WebhookEvents interface {
	EventRecorder
	EventUpserter
}

// WebhookOutcome tells the handler what happened to one delivery.
type WebhookOutcome struct {
	Accepted bool            `json:"accepted"`
	Recorded bool            `json:"recorded"`
	Type     model.EventType `json:"type,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// WebhookService ingests provider event callbacks into the ledger.
type WebhookService struct {
	Secret    string
	Campaigns TenantLookup
	Events    WebhookEvents
	Contacts  ContactStatusWriter
	Queue     queue.Queue
	Log       zerolog.Logger

	tenants *gocache.Cache
}

func NewWebhookService(secret string, campaigns TenantLookup, events WebhookEvents, contacts ContactStatusWriter, q queue.Queue, log zerolog.Logger) *WebhookService {
	return &WebhookService{
		Secret:    secret,
		Campaigns: campaigns,
		Events:    events,
		Contacts:  contacts,
		Queue:     q,
		Log:       log,
		tenants:   gocache.New(30*time.Minute, 10*time.Minute),
	}
}

// Verify checks the hex HMAC-SHA256 of body. Without a secret every body is accepted.
func (s *WebhookService) Verify(body []byte, signature string) error {
	if s.Secret == "" {
		return nil
	}
	sig := strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(sig)
	if err != nil || len(got) == 0 {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the signature Verify expects for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Handle records the event in body. Events that cannot be attributed to a tenant are
// accepted without effect; events without a campaign only update the contact.
func (s *WebhookService) Handle(ctx context.Context, body []byte) (*WebhookOutcome, error) {
	if !gjson.ValidBytes(body) {
		return nil, appErrors.Invalid("webhook body is not JSON")
	}
	p := gjson.ParseBytes(body)
	field := func(paths ...string) string {
		for _, path := range paths {
			if v := p.Get(path); v.Exists() && v.String() != "" {
				return strings.TrimSpace(v.String())
			}
		}
		return ""
	}

	campaignID := field("campaign_id", "campaignId", "metadata.campaign_id", "metadata.campaignId")
	if _, err := uuid.Parse(campaignID); err != nil {
		campaignID = ""
	}
	rawType := field("type", "event", "status")
	if rawType == "" {
		return nil, appErrors.Invalid("webhook event type is required")
	}

	tenantID := field("tenant_id", "tenantId", "metadata.tenant_id")
	if _, err := uuid.Parse(tenantID); err != nil {
		tenantID = ""
	}
	if tenantID == "" && campaignID != "" {
		var err error
		tenantID, err = s.tenantOf(ctx, campaignID)
		if err != nil && !appErrors.IsNotFound(err) {
			return nil, err
		}
	}
	if tenantID == "" {
		reason := "no campaign"
		if campaignID != "" {
			reason = "unknown campaign"
		}
		return &WebhookOutcome{Accepted: true, Reason: reason}, nil
	}

	ev := &model.EmailEvent{
		TenantID:     tenantID,
		CampaignID:   campaignID,
		MessageID:    transport.NormalizeMessageID(field("message_id", "messageId")),
		MotorBlockID: field("motor_block_id", "motorBlockId"),
		Type:         deliverylog.Classify(rawType),
	}
	if id := field("contact_id", "contactId", "metadata.contact_id"); id != "" {
		if _, err := uuid.Parse(id); err == nil {
			ev.ContactID = id
		}
	}
	if ts := field("occurred_at", "occurredAt", "timestamp"); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			ev.OccurredAt = t
		}
	}

	// the ledger is per campaign; without one only the contact is updated
	if campaignID == "" {
		s.applyContactStatus(ctx, ev)
		return &WebhookOutcome{Accepted: true, Type: ev.Type, Reason: "no campaign"}, nil
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		ev.Payload = payload
	}

	recorded := true
	var err error
	if ev.MessageID != "" {
		recorded, err = s.Events.InsertIfAbsent(ctx, ev)
	} else {
		err = s.Events.Record(ctx, ev)
	}
	if err != nil {
		return nil, fmt.Errorf("record webhook event: %w", err)
	}
	out := &WebhookOutcome{Accepted: true, Recorded: recorded, Type: ev.Type}
	if !recorded {
		out.Reason = "duplicate"
		return out, nil
	}
	publishEvent(s.Queue, s.Log, ev)
	s.applyContactStatus(ctx, ev)

	s.Log.Info().Str("campaign_id", campaignID).Str("type", string(ev.Type)).Str("message_id", ev.MessageID).Msg("webhook event recorded")
	return out, nil
}

// applyContactStatus marks the event's contact bounced or complained.
func (s *WebhookService) applyContactStatus(ctx context.Context, ev *model.EmailEvent) {
	status, ok := contactStatusFor(ev.Type)
	if !ok || ev.ContactID == "" || s.Contacts == nil {
		return
	}
	if err := s.Contacts.SetStatus(ctx, ev.TenantID, ev.ContactID, status); err != nil && !appErrors.IsNotFound(err) {
		s.Log.Warn().Err(err).Str("contact_id", ev.ContactID).Msg("update contact status from webhook failed")
	}
}

func (s *WebhookService) tenantOf(ctx context.Context, campaignID string) (string, error) {
	if s.tenants == nil {
		s.tenants = gocache.New(30*time.Minute, 10*time.Minute)
	}
	if v, ok := s.tenants.Get(campaignID); ok {
		return v.(string), nil
	}
	id, err := s.Campaigns.TenantOf(ctx, campaignID)
	if err != nil {
		return "", err
	}
	s.tenants.SetDefault(campaignID, id)
	return id, nil
}
