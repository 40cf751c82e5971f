// Package deliverylog reads per-motor-block delivery logs from the provider's public API.
package deliverylog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/unclebandit/commsblock-backend/internal/model"
	"github.com/unclebandit/commsblock-backend/internal/transport"
)

// Item is one provider log entry. Raw keeps the original JSON for the ledger payload.
type Item struct {
	MessageID  string
	Status     string
	CampaignID string
	ContactID  string
	OccurredAt time.Time
	Raw        string
}

type Client struct {
	base    string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(base, token string, timeout time.Duration, ratePerSecond float64) *Client {
	lim := rate.NewLimiter(rate.Inf, 1)
	if ratePerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	return &Client{
		base:    strings.TrimRight(base, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		limiter: lim,
	}
}

// Enabled is false when no API token is configured; polling is skipped then.
func (c *Client) Enabled() bool { return c.token != "" }

func (c *Client) Fetch(ctx context.Context, motorBlockID string, limit int) ([]Item, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	path := "/api/public/v1/motor-blocks/" + url.PathEscape(motorBlockID) + "/logs?limit=" + strconv.Itoa(limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch logs: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read logs: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s failed %d", path, resp.StatusCode)
	}
	return ParseItems(body), nil
}

// WebhookEvents are the provider events a motor block webhook subscribes to.
var WebhookEvents = []string{"sent", "delivered", "bounced", "complained", "failed"}

// RegisterWebhook asks the provider to post delivery events for motorBlockID to callbackURL.
// Registration is idempotent on the provider side.
func (c *Client) RegisterWebhook(ctx context.Context, motorBlockID, callbackURL string) error {
	body, err := json.Marshal(map[string]any{"url": callbackURL, "events": WebhookEvents})
	if err != nil {
		return err
	}
	path := "/api/public/v1/motor-blocks/" + url.PathEscape(motorBlockID) + "/webhooks"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("register webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("register webhook failed %d %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// ParseItems reads data.items from a logs response. Malformed bodies yield no items.
func ParseItems(body []byte) []Item {
	if !gjson.ValidBytes(body) {
		return nil
	}
	var out []Item
	gjson.GetBytes(body, "data.items").ForEach(func(_, v gjson.Result) bool {
		it := Item{
			MessageID:  transport.NormalizeMessageID(first(v, "messageId", "message_id")),
			Status:     v.Get("status").String(),
			CampaignID: first(v, "metadata.campaign_id", "metadata.campaignId"),
			ContactID:  first(v, "metadata.contact_id", "metadata.contactId"),
			Raw:        v.Raw,
		}
		if ts := first(v, "occurred_at", "occurredAt", "timestamp"); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				it.OccurredAt = t
			}
		}
		out = append(out, it)
		return true
	})
	return out
}

func first(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if r := v.Get(p); r.Exists() && r.String() != "" {
			return r.String()
		}
	}
	return ""
}

// Classify maps a provider status string onto the ledger vocabulary by substring.
func Classify(status string) model.EventType {
	s := strings.ToLower(status)
	switch {
	case strings.Contains(s, "deliver"):
		return model.EventDelivered
	case strings.Contains(s, "bounce"):
		return model.EventBounced
	case strings.Contains(s, "complain"):
		return model.EventComplained
	case strings.Contains(s, "fail"):
		return model.EventFailed
	default:
		return model.EventSent
	}
}
