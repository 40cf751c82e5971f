package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/commsblock-backend/internal/audience"
	"github.com/unclebandit/commsblock-backend/internal/config"
	"github.com/unclebandit/commsblock-backend/internal/lease"
	"github.com/unclebandit/commsblock-backend/internal/model"
	"github.com/unclebandit/commsblock-backend/internal/queue"
	"github.com/unclebandit/commsblock-backend/internal/transport"
)

// SenderCampaigns defines the campaign methods the sender needs
type SenderCampaigns interface {
	ListDue(ctx context.Context) ([]*model.DueCampaign, error)
	MarkSending(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id string) (bool, error)
}

type ArtifactSource interface {
	Latest(ctx context.Context, tenantID, campaignID string) (*model.Artifact, error)
}

type TemplateSource interface {
	GetByID(ctx context.Context, tenantID, id string) (*model.Template, error)
}

type AudienceResolver interface {
	Resolve(ctx context.Context, tenantID, campaignID string) (*audience.Resolution, error)
}

// SenderWorker sends due campaigns in paced chunks. One tick handles each due campaign
// at most once; the lease gate keeps chunks of one campaign apart by its delay.
type SenderWorker struct {
	Campaigns SenderCampaigns
	Artifacts ArtifactSource
	Templates TemplateSource
	Events    EventRecorder
	Audience  AudienceResolver
	Gate      lease.Gate
	Transport transport.Sender
	Renderer  *Renderer
	Queue     queue.Queue
	Log       zerolog.Logger

	MaxAttempts       int
	BackoffBase       time.Duration
	TickInterval      time.Duration
	HeartbeatInterval time.Duration
	Defaults          model.SendSettings
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// Ledger, when set, reports its totals on each heartbeat.
	Ledger *LedgerConsumer

	ticks  atomic.Int64
	queued atomic.Int64
	failed atomic.Int64
}

// Configure applies the sender settings from cfg.
func (w *SenderWorker) Configure(cfg config.SenderConfig) {
	w.MaxAttempts = cfg.MaxAttempts
	w.BackoffBase = cfg.BackoffBase
	w.TickInterval = cfg.TickInterval
	w.HeartbeatInterval = cfg.HeartbeatInterval
	w.Defaults = model.SendSettings{ChunkSize: cfg.DefaultChunkSize, DelaySeconds: cfg.DefaultDelaySeconds}
}

func (w *SenderWorker) maxAttempts() int {
	if w.MaxAttempts <= 0 {
		return 3
	}
	return w.MaxAttempts
}

func (w *SenderWorker) sleep(ctx context.Context, d time.Duration) error {
	if w.Sleep != nil {
		return w.Sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}

// Backoff is the wait after the given failed attempt: base, 2*base, 4*base...
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return base << (attempt - 1)
}

// Run ticks until ctx is cancelled.
func (w *SenderWorker) Run(ctx context.Context) error {
	tick := time.NewTicker(orDefault(w.TickInterval, 5*time.Second))
	defer tick.Stop()
	heartbeat := time.NewTicker(orDefault(w.HeartbeatInterval, 30*time.Second))
	defer heartbeat.Stop()

	w.Log.Info().Msg("sender worker started")
	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			w.Log.Info().Msg("sender worker stopped")
			return ctx.Err()
		case <-tick.C:
			w.tick(ctx)
		case <-heartbeat.C:
			w.Log.Info().
				Int64("ticks", w.ticks.Load()).
				Int64("queued", w.queued.Load()).
				Int64("failed", w.failed.Load()).
				Msg("sender heartbeat")
			if w.Ledger != nil {
				w.Ledger.LogTotals()
			}
		}
	}
}

func (w *SenderWorker) tick(ctx context.Context) {
	if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
		w.Log.Error().Err(err).Msg("sender tick failed")
	}
}

// RunOnce processes every due campaign once and returns how many recipients were attempted.
// Errors of a single campaign are logged and do not stop the others.
func (w *SenderWorker) RunOnce(ctx context.Context) (int, error) {
	w.ticks.Add(1)
	due, err := w.Campaigns.ListDue(ctx)
	if err != nil {
		return 0, fmt.Errorf("list due campaigns: %w", err)
	}
	total := 0
	for _, dc := range due {
		if ctx.Err() != nil {
			break
		}
		n, err := w.processCampaign(ctx, dc)
		if err != nil {
			w.Log.Error().Err(err).Str("campaign_id", dc.ID).Str("tenant_id", dc.TenantID).Msg("campaign chunk failed")
		}
		total += n
	}
	return total, nil
}

func (w *SenderWorker) settings(dc *model.DueCampaign) model.SendSettings {
	s := dc.Settings
	if s.ChunkSize <= 0 && w.Defaults.ChunkSize > 0 {
		s.ChunkSize = w.Defaults.ChunkSize
	}
	if s.DelaySeconds < 0 && w.Defaults.DelaySeconds >= 0 {
		s.DelaySeconds = w.Defaults.DelaySeconds
	}
	return s.WithDefaults()
}

func (w *SenderWorker) processCampaign(ctx context.Context, dc *model.DueCampaign) (sent int, err error) {
	log := w.Log.With().Str("campaign_id", dc.ID).Str("tenant_id", dc.TenantID).Logger()

	l, ok, err := w.Gate.Acquire(ctx, dc.ID)
	if err != nil {
		return 0, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		log.Debug().Msg("campaign paced or leased elsewhere")
		return 0, nil
	}
	pace := time.Duration(0)
	defer func() {
		if rerr := w.Gate.Release(context.WithoutCancel(ctx), l, pace); rerr != nil {
			log.Warn().Err(rerr).Msg("release lease failed")
		}
	}()

	if dc.Status == model.StatusScheduled {
		if _, err := w.Campaigns.MarkSending(ctx, dc.ID); err != nil {
			return 0, fmt.Errorf("mark sending: %w", err)
		}
		log.Info().Msg("campaign sending")
	}

	res, err := w.Audience.Resolve(ctx, dc.TenantID, dc.ID)
	if err != nil {
		return 0, err
	}
	if len(res.Remaining) == 0 {
		if _, err := w.Campaigns.MarkCompleted(ctx, dc.ID); err != nil {
			return 0, fmt.Errorf("mark completed: %w", err)
		}
		log.Info().Int("processed", res.Processed).Msg("campaign completed")
		return 0, nil
	}

	content, err := w.content(ctx, &dc.Campaign)
	if err != nil {
		return 0, err
	}

	settings := w.settings(dc)
	chunk := res.Chunk(settings.ChunkSize)
	interrupted := false
	for i, rc := range chunk {
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		if !w.sendOne(ctx, &dc.Campaign, content, rc) {
			interrupted = true
			break
		}
		sent++
		if (i+1)%25 == 0 {
			if err := w.Gate.Renew(ctx, l); err != nil {
				log.Warn().Err(err).Msg("lease renew failed, stopping chunk")
				break
			}
		}
	}
	if interrupted {
		log.Info().Int("sent", sent).Msg("chunk interrupted, unsent recipients stay pending")
		return sent, nil
	}
	pace = settings.Delay()
	log.Info().Int("sent", sent).Int("remaining", len(res.Remaining)-sent).
		Dur("next_chunk_in", pace).Msg("chunk processed")
	return sent, nil
}

func (w *SenderWorker) content(ctx context.Context, c *model.Campaign) (Content, error) {
	a, err := w.Artifacts.Latest(ctx, c.TenantID, c.ID)
	if err != nil {
		return Content{}, fmt.Errorf("load artifact: %w", err)
	}
	if a != nil {
		return ContentFrom(a, nil), nil
	}
	t, err := w.Templates.GetByID(ctx, c.TenantID, c.TemplateID)
	if err != nil {
		return Content{}, fmt.Errorf("load template: %w", err)
	}
	return ContentFrom(nil, t), nil
}

// sendOne renders, sends with retries and records exactly one ledger row for rc.
// It returns false without recording when the retries were interrupted, so the
// recipient stays pending for the next tick.
func (w *SenderWorker) sendOne(ctx context.Context, c *model.Campaign, content Content, rc model.Recipient) bool {
	log := w.Log.With().Str("campaign_id", c.ID).Str("contact_id", rc.ContactID).Logger()
	key := model.IdempotencyKey(c.ID, rc.ContactID)

	ev := &model.EmailEvent{
		TenantID:     c.TenantID,
		CampaignID:   c.ID,
		ContactID:    rc.ContactID,
		MotorBlockID: c.MotorBlockID,
	}

	msg, err := w.Renderer.Render(content, c.ID, rc)
	var res transport.Result
	attempts := 0
	if err == nil {
		limit := w.maxAttempts()
		for attempts = 1; attempts <= limit; attempts++ {
			res, err = w.Transport.Send(ctx, msg)
			if err == nil {
				break
			}
			if attempts == limit {
				break
			}
			backoff := Backoff(w.BackoffBase, attempts)
			log.Warn().Err(err).Int("attempt", attempts).Dur("backoff", backoff).Msg("send failed, retrying")
			if serr := w.sleep(ctx, backoff); serr != nil {
				log.Info().Err(serr).Int("attempt", attempts).Msg("retry interrupted")
				return false
			}
		}
	}
	if err != nil && ctx.Err() != nil {
		log.Info().Err(err).Int("attempt", attempts).Msg("send interrupted")
		return false
	}

	if err != nil {
		ev.Type = model.EventFailed
		ev.Payload = map[string]any{"error": err.Error(), "attempts": attempts, "idempotencyKey": key}
		w.failed.Add(1)
		log.Error().Err(err).Int("attempts", attempts).Msg("send failed permanently")
	} else {
		ev.Type = model.EventQueued
		ev.MessageID = transport.NormalizeMessageID(res.MessageID)
		ev.Payload = map[string]any{"messageId": ev.MessageID, "status": res.Status, "idempotencyKey": key}
		w.queued.Add(1)
	}

	if err := w.Events.Record(context.WithoutCancel(ctx), ev); err != nil {
		log.Error().Err(err).Str("type", string(ev.Type)).Msg("record send outcome failed")
		return true
	}
	publishEvent(w.Queue, log, ev)
	return true
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
