package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/commsblock-backend/internal/model"
	"github.com/unclebandit/commsblock-backend/internal/queue"
)

// EventRecorder appends ledger rows.
type EventRecorder interface {
	Record(ctx context.Context, e *model.EmailEvent) error
}

// EventUpserter inserts a ledger row unless (campaign, message, type) already exists.
type EventUpserter interface {
	InsertIfAbsent(ctx context.Context, e *model.EmailEvent) (bool, error)
}

// ContactStatusWriter flips a contact's status.
type ContactStatusWriter interface {
	SetStatus(ctx context.Context, tenantID, id string, status model.ContactStatus) error
}

// LedgerMessage is published on the email_events topic for every recorded event.
type LedgerMessage struct {
	Event          model.EmailEvent `json:"event"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

func publishEvent(q queue.Queue, log zerolog.Logger, e *model.EmailEvent) {
	if q == nil {
		return
	}
	msg := LedgerMessage{Event: *e}
	if e.ContactID != "" {
		msg.IdempotencyKey = model.IdempotencyKey(e.CampaignID, e.ContactID)
	}
	if err := q.Publish(queue.TopicEmailEvents, msg); err != nil {
		log.Warn().Err(err).Str("campaign_id", e.CampaignID).Str("type", string(e.Type)).Msg("publish ledger event failed")
	}
}

// contactStatusFor maps terminal provider outcomes onto the contact status they imply.
func contactStatusFor(t model.EventType) (model.ContactStatus, bool) {
	switch t {
	case model.EventBounced:
		return model.ContactBounced, true
	case model.EventComplained:
		return model.ContactComplained, true
	}
	return "", false
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
