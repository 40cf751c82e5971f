package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/unclebandit/commsblock-backend/internal/config"
	"github.com/unclebandit/commsblock-backend/internal/deliverylog"
	"github.com/unclebandit/commsblock-backend/internal/lease"
	"github.com/unclebandit/commsblock-backend/internal/model"
	"github.com/unclebandit/commsblock-backend/internal/queue"
)

// StatsCampaigns defines the campaign methods the stats worker needs
type StatsCampaigns interface {
	ListExhausted(ctx context.Context) ([]string, error)
	MarkCompleted(ctx context.Context, id string) (bool, error)
	ListForReconciliation(ctx context.Context, window time.Duration, limit int) ([]*model.Campaign, error)
}

// StatsEvents is the ledger surface used for reconciliation.
type StatsEvents interface {
	EventUpserter
	OriginOf(ctx context.Context, messageID string) (model.MessageOrigin, error)
}

type DeliveryLogSource interface {
	Enabled() bool
	Fetch(ctx context.Context, motorBlockID string, limit int) ([]deliverylog.Item, error)
}

// StatsWorker completes exhausted campaigns and reconciles provider delivery logs into
// the ledger. Reconciliation is idempotent on (campaign, message, type).
type StatsWorker struct {
	Campaigns StatsCampaigns
	Events    StatsEvents
	Contacts  ContactStatusWriter
	Logs      DeliveryLogSource
	Gate      lease.Gate
	Queue     queue.Queue
	Log       zerolog.Logger

	TickInterval      time.Duration
	HeartbeatInterval time.Duration
	LogLimit          int
	RecentWindow      time.Duration
	CampaignLimit     int

	// Ledger, when set, reports its totals on each heartbeat.
	Ledger *LedgerConsumer

	messages *gocache.Cache

	ticks     atomic.Int64
	completed atomic.Int64
	inserted  atomic.Int64
}

func NewStatsWorker(cfg config.StatsConfig, log zerolog.Logger) *StatsWorker {
	return &StatsWorker{
		Log:               log,
		TickInterval:      cfg.TickInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		LogLimit:          cfg.LogLimit,
		RecentWindow:      cfg.RecentWindow,
		CampaignLimit:     cfg.CampaignLimit,
		messages:          gocache.New(time.Hour, 10*time.Minute),
	}
}

func (w *StatsWorker) cache() *gocache.Cache {
	if w.messages == nil {
		w.messages = gocache.New(time.Hour, 10*time.Minute)
	}
	return w.messages
}

func (w *StatsWorker) Run(ctx context.Context) error {
	tick := time.NewTicker(orDefault(w.TickInterval, 15*time.Second))
	defer tick.Stop()
	heartbeat := time.NewTicker(orDefault(w.HeartbeatInterval, time.Minute))
	defer heartbeat.Stop()

	w.Log.Info().Bool("poll_enabled", w.Logs != nil && w.Logs.Enabled()).Msg("stats worker started")
	w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			w.Log.Info().Msg("stats worker stopped")
			return ctx.Err()
		case <-tick.C:
			w.RunOnce(ctx)
		case <-heartbeat.C:
			w.Log.Info().
				Int64("ticks", w.ticks.Load()).
				Int64("completed", w.completed.Load()).
				Int64("events_inserted", w.inserted.Load()).
				Msg("stats heartbeat")
			if w.Ledger != nil {
				w.Ledger.LogTotals()
			}
		}
	}
}

// RunOnce runs one completion pass and one poll pass. Failures are logged.
func (w *StatsWorker) RunOnce(ctx context.Context) {
	w.ticks.Add(1)
	if _, err := w.CompleteExhausted(ctx); err != nil {
		w.Log.Error().Err(err).Msg("completion pass failed")
	}
	if _, err := w.Poll(ctx); err != nil {
		w.Log.Error().Err(err).Msg("delivery log poll failed")
	}
}

// CompleteExhausted marks sending campaigns with no remaining audience as completed.
// Campaigns whose lock is held by a sender are left for the next tick.
func (w *StatsWorker) CompleteExhausted(ctx context.Context) (int, error) {
	ids, err := w.Campaigns.ListExhausted(ctx)
	if err != nil {
		return 0, fmt.Errorf("list exhausted campaigns: %w", err)
	}
	done := 0
	for _, id := range ids {
		l, ok, err := w.Gate.Lock(ctx, id)
		if err != nil {
			w.Log.Warn().Err(err).Str("campaign_id", id).Msg("lock for completion failed")
			continue
		}
		if !ok {
			continue
		}
		changed, err := w.Campaigns.MarkCompleted(ctx, id)
		if rerr := w.Gate.Release(ctx, l, 0); rerr != nil {
			w.Log.Warn().Err(rerr).Str("campaign_id", id).Msg("release after completion failed")
		}
		if err != nil {
			w.Log.Error().Err(err).Str("campaign_id", id).Msg("mark completed failed")
			continue
		}
		if changed {
			done++
			w.completed.Add(1)
			w.Log.Info().Str("campaign_id", id).Msg("campaign completed")
		}
	}
	return done, nil
}

// Poll fetches recent provider logs of every campaign with a motor block and inserts the
// events the ledger does not have yet. It returns the number of inserted rows.
func (w *StatsWorker) Poll(ctx context.Context) (int, error) {
	if w.Logs == nil || !w.Logs.Enabled() {
		return 0, nil
	}
	campaigns, err := w.Campaigns.ListForReconciliation(ctx, orDefault(w.RecentWindow, 48*time.Hour), w.campaignLimit())
	if err != nil {
		return 0, fmt.Errorf("list campaigns for reconciliation: %w", err)
	}
	total := 0
	for _, c := range campaigns {
		if ctx.Err() != nil {
			break
		}
		n, err := w.reconcile(ctx, c)
		if err != nil {
			w.Log.Warn().Err(err).Str("campaign_id", c.ID).Str("motor_block_id", c.MotorBlockID).Msg("reconcile failed")
		}
		total += n
	}
	return total, nil
}

func (w *StatsWorker) campaignLimit() int {
	if w.CampaignLimit <= 0 {
		return 50
	}
	return w.CampaignLimit
}

func (w *StatsWorker) logLimit() int {
	if w.LogLimit <= 0 {
		return 100
	}
	return w.LogLimit
}

func (w *StatsWorker) reconcile(ctx context.Context, c *model.Campaign) (int, error) {
	items, err := w.Logs.Fetch(ctx, c.MotorBlockID, w.logLimit())
	if err != nil {
		return 0, err
	}
	inserted := 0
	for _, it := range items {
		if it.MessageID == "" {
			continue
		}
		origin, err := w.originOf(ctx, it)
		if err != nil {
			w.Log.Warn().Err(err).Str("message_id", it.MessageID).Msg("resolve origin of message failed")
			continue
		}
		if origin.CampaignID != c.ID {
			continue
		}

		ev := &model.EmailEvent{
			TenantID:     c.TenantID,
			CampaignID:   c.ID,
			MessageID:    it.MessageID,
			MotorBlockID: c.MotorBlockID,
			Type:         deliverylog.Classify(it.Status),
			OccurredAt:   it.OccurredAt,
			Payload:      rawPayload(it.Raw),
		}
		if _, err := uuid.Parse(origin.ContactID); err == nil {
			ev.ContactID = origin.ContactID
		}

		ok, err := w.Events.InsertIfAbsent(ctx, ev)
		if err != nil {
			w.Log.Warn().Err(err).Str("message_id", it.MessageID).Msg("insert reconciled event failed")
			continue
		}
		if !ok {
			continue
		}
		inserted++
		w.inserted.Add(1)
		publishEvent(w.Queue, w.Log, ev)

		if status, ok := contactStatusFor(ev.Type); ok && ev.ContactID != "" && w.Contacts != nil {
			if err := w.Contacts.SetStatus(ctx, c.TenantID, ev.ContactID, status); err != nil {
				w.Log.Warn().Err(err).Str("contact_id", ev.ContactID).Msg("update contact status failed")
			}
		}
	}
	return inserted, nil
}

// originOf takes campaign and contact from the log metadata and fills what is missing
// from the ledger row of the message.
func (w *StatsWorker) originOf(ctx context.Context, it deliverylog.Item) (model.MessageOrigin, error) {
	o := model.MessageOrigin{CampaignID: it.CampaignID}
	if _, err := uuid.Parse(it.ContactID); err == nil {
		o.ContactID = it.ContactID
	}
	if o.CampaignID != "" && o.ContactID != "" {
		return o, nil
	}

	var known model.MessageOrigin
	if v, ok := w.cache().Get(it.MessageID); ok {
		known = v.(model.MessageOrigin)
	} else {
		var err error
		known, err = w.Events.OriginOf(ctx, it.MessageID)
		if err != nil {
			return model.MessageOrigin{}, err
		}
		if known.CampaignID != "" {
			w.cache().SetDefault(it.MessageID, known)
		}
	}

	if o.CampaignID == "" {
		o.CampaignID = known.CampaignID
	}
	if o.ContactID == "" && known.CampaignID == o.CampaignID {
		o.ContactID = known.ContactID
	}
	return o, nil
}

func rawPayload(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]any{"raw": raw}
	}
	return m
}
