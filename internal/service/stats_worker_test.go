package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/commsblock-backend/internal/config"
	"github.com/unclebandit/commsblock-backend/internal/deliverylog"
	"github.com/unclebandit/commsblock-backend/internal/lease"
	"github.com/unclebandit/commsblock-backend/internal/model"
	"github.com/unclebandit/commsblock-backend/internal/service"
)

func newStatsWorker(campaigns *fakeCampaignRepo, events *fakeEventRepo, contacts *fakeContactRepo, logs *fakeLogs, gate lease.Gate) *service.StatsWorker {
	w := service.NewStatsWorker(config.StatsConfig{LogLimit: 100, RecentWindow: 48 * time.Hour, CampaignLimit: 50}, zerolog.Nop())
	w.Campaigns = campaigns
	w.Events = events
	w.Contacts = contacts
	w.Logs = logs
	w.Gate = gate
	w.Queue = &fakeQueue{}
	return w
}

func sendingCampaign() *model.Campaign {
	return &model.Campaign{ID: campaignID, TenantID: tenantID, MotorBlockID: motorBlock, Status: model.StatusSending}
}

func TestPollIsIdempotent(t *testing.T) {
	campaigns := newFakeCampaignRepo(sendingCampaign())
	events := &fakeEventRepo{}
	logs := &fakeLogs{enabled: true, items: map[string][]deliverylog.Item{
		motorBlock: {
			{MessageID: "m-1", Status: "delivered", CampaignID: campaignID, ContactID: contactID(1), Raw: `{"messageId":"m-1"}`},
			{MessageID: "m-2", Status: "Delivery deferred", CampaignID: campaignID, ContactID: contactID(2)},
			{MessageID: "", Status: "delivered", CampaignID: campaignID},
		},
	}}
	w := newStatsWorker(campaigns, events, newFakeContactRepo(), logs, lease.NewMemoryGate(time.Minute))

	n, err := w.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 inserted events, got %d", n)
	}
	n, err = w.Poll(context.Background())
	if err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no inserts on unchanged logs, got %d", n)
	}
	if got := len(events.ofType(model.EventDelivered)); got != 2 {
		t.Errorf("expected 2 delivered rows, got %d", got)
	}
	if events.count() != 2 {
		t.Errorf("expected 2 ledger rows in total, got %d", events.count())
	}
}

func TestPollResolvesCampaignByMessageAndFlipsContact(t *testing.T) {
	campaigns := newFakeCampaignRepo(sendingCampaign())
	events := &fakeEventRepo{}
	_ = events.Record(context.Background(), &model.EmailEvent{
		TenantID: tenantID, CampaignID: campaignID, ContactID: contactID(1), MessageID: "m-1", Type: model.EventQueued,
	})
	contacts := newFakeContactRepo(&model.Contact{ID: contactID(1), TenantID: tenantID, Status: model.ContactActive})
	logs := &fakeLogs{enabled: true, items: map[string][]deliverylog.Item{
		motorBlock: {
			{MessageID: "m-1", Status: "hard_bounce", ContactID: contactID(1)},
			{MessageID: "m-unknown", Status: "delivered"},
		},
	}}
	w := newStatsWorker(campaigns, events, contacts, logs, lease.NewMemoryGate(time.Minute))

	n, err := w.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 inserted event, got %d", n)
	}
	bounced := events.ofType(model.EventBounced)
	if len(bounced) != 1 || bounced[0].CampaignID != campaignID {
		t.Fatalf("expected bounced event for campaign, got %+v", bounced)
	}
	if contacts.statusOf(contactID(1)) != model.ContactBounced {
		t.Errorf("expected contact bounced, got %s", contacts.statusOf(contactID(1)))
	}
}

func TestPollTakesContactFromLedgerWhenLogOmitsIt(t *testing.T) {
	campaigns := newFakeCampaignRepo(sendingCampaign())
	events := &fakeEventRepo{}
	_ = events.Record(context.Background(), &model.EmailEvent{
		TenantID: tenantID, CampaignID: campaignID, ContactID: contactID(2), MessageID: "m-2", Type: model.EventQueued,
	})
	contacts := newFakeContactRepo(&model.Contact{ID: contactID(2), TenantID: tenantID, Status: model.ContactActive})
	logs := &fakeLogs{enabled: true, items: map[string][]deliverylog.Item{
		motorBlock: {
			// campaign in the metadata, contact only in the ledger
			{MessageID: "m-2", Status: "complaint", CampaignID: campaignID},
		},
	}}
	w := newStatsWorker(campaigns, events, contacts, logs, lease.NewMemoryGate(time.Minute))

	n, err := w.Poll(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 inserted event, got %d, %v", n, err)
	}
	complained := events.ofType(model.EventComplained)
	if len(complained) != 1 || complained[0].ContactID != contactID(2) {
		t.Fatalf("expected complaint attributed to the ledger contact, got %+v", complained)
	}
	if contacts.statusOf(contactID(2)) != model.ContactComplained {
		t.Errorf("expected contact complained, got %s", contacts.statusOf(contactID(2)))
	}
}

func TestPollSkippedWithoutToken(t *testing.T) {
	logs := &fakeLogs{enabled: false}
	w := newStatsWorker(newFakeCampaignRepo(sendingCampaign()), &fakeEventRepo{}, newFakeContactRepo(), logs, lease.NewMemoryGate(time.Minute))
	n, err := w.Poll(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected disabled poll to be a no-op, got %d, %v", n, err)
	}
	if logs.fetches != 0 {
		t.Errorf("expected no fetches, got %d", logs.fetches)
	}
}

func TestCompleteExhausted(t *testing.T) {
	other := &model.Campaign{ID: "ca000000-0000-4000-8000-000000000002", TenantID: tenantID, Status: model.StatusSending}
	campaigns := newFakeCampaignRepo(sendingCampaign(), other)
	campaigns.exhausted = []string{campaignID, other.ID}

	gate := lease.NewMemoryGate(time.Minute)
	held, ok, err := gate.Acquire(context.Background(), other.ID)
	if err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}

	w := newStatsWorker(campaigns, &fakeEventRepo{}, newFakeContactRepo(), &fakeLogs{}, gate)
	n, err := w.CompleteExhausted(context.Background())
	if err != nil {
		t.Fatalf("CompleteExhausted: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 completion, got %d", n)
	}
	if campaigns.status(campaignID) != model.StatusCompleted {
		t.Errorf("expected completed, got %s", campaigns.status(campaignID))
	}
	if campaigns.status(other.ID) != model.StatusSending {
		t.Errorf("campaign with a held lease must not complete, got %s", campaigns.status(other.ID))
	}

	_ = gate.Release(context.Background(), held, 0)
	if n, _ := w.CompleteExhausted(context.Background()); n != 1 {
		t.Errorf("expected the released campaign to complete, got %d", n)
	}
}
