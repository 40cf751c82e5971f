package service

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/unclebandit/commsblock-backend/internal/compile"
	"github.com/unclebandit/commsblock-backend/internal/model"
	"github.com/unclebandit/commsblock-backend/internal/queue"
)

// LedgerConsumer audits published ledger events and compile notifications and
// keeps running totals by event type.
type LedgerConsumer struct {
	Log zerolog.Logger

	mu       sync.Mutex
	totals   map[model.EventType]int64
	compiles int64
}

// Subscribe registers the consumer on the ledger and compile topics of q.
func (c *LedgerConsumer) Subscribe(q queue.Queue) error {
	if err := q.Subscribe(queue.TopicEmailEvents, c.HandleLedger); err != nil {
		return fmt.Errorf("subscribe %s: %w", queue.TopicEmailEvents, err)
	}
	if err := q.Subscribe(queue.TopicCampaignCompile, c.HandleCompiled); err != nil {
		return fmt.Errorf("subscribe %s: %w", queue.TopicCampaignCompile, err)
	}
	return nil
}

// HandleLedger accepts a LedgerMessage as published in-process or as decoded JSON
// from a broker.
func (c *LedgerConsumer) HandleLedger(payload any) error {
	var msg LedgerMessage
	if err := decodePayload(payload, &msg); err != nil || msg.Event.Type == "" {
		// malformed messages are acked, not retried
		c.Log.Warn().Err(err).Msg("dropping undecodable ledger message")
		return nil
	}

	c.mu.Lock()
	if c.totals == nil {
		c.totals = map[model.EventType]int64{}
	}
	c.totals[msg.Event.Type]++
	c.mu.Unlock()

	c.Log.Debug().
		Str("tenant_id", msg.Event.TenantID).
		Str("campaign_id", msg.Event.CampaignID).
		Str("contact_id", msg.Event.ContactID).
		Str("message_id", msg.Event.MessageID).
		Str("type", string(msg.Event.Type)).
		Str("idempotency_key", msg.IdempotencyKey).
		Msg("ledger event")
	return nil
}

func (c *LedgerConsumer) HandleCompiled(payload any) error {
	var msg compile.CompiledMessage
	if err := decodePayload(payload, &msg); err != nil || msg.CampaignID == "" {
		c.Log.Warn().Err(err).Msg("dropping undecodable compile message")
		return nil
	}
	c.mu.Lock()
	c.compiles++
	c.mu.Unlock()

	c.Log.Info().
		Str("tenant_id", msg.TenantID).
		Str("campaign_id", msg.CampaignID).
		Int("version", msg.Version).
		Int("total_recipients", msg.TotalRecipients).
		Int("links_tracked", msg.LinksTracked).
		Msg("campaign compiled")
	return nil
}

// Totals returns a copy of the ledger counts seen so far.
func (c *LedgerConsumer) Totals() map[model.EventType]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[model.EventType]int64, len(c.totals))
	for k, v := range c.totals {
		out[k] = v
	}
	return out
}

func (c *LedgerConsumer) Compiles() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compiles
}

// LogTotals writes one summary line; workers call it from their heartbeat.
func (c *LedgerConsumer) LogTotals() {
	d := zerolog.Dict()
	for k, v := range c.Totals() {
		d.Int64(string(k), v)
	}
	c.Log.Info().Dict("ledger_events", d).Int64("compiles", c.Compiles()).Msg("ledger consumer totals")
}

func decodePayload(payload any, v any) error {
	switch p := payload.(type) {
	case nil:
		return fmt.Errorf("empty payload")
	case []byte:
		return json.Unmarshal(p, v)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
