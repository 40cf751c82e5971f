package service_test

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/commsblock-backend/internal/deliverylog"
	appErrors "github.com/unclebandit/commsblock-backend/internal/errors"
	"github.com/unclebandit/commsblock-backend/internal/model"
	"github.com/unclebandit/commsblock-backend/internal/repository"
	"github.com/unclebandit/commsblock-backend/internal/transport"
)

const (
	tenantID   = "7d0c1a52-0000-4000-8000-000000000001"
	accountID  = "a11ce000-0000-4000-8000-000000000001"
	campaignID = "ca000000-0000-4000-8000-000000000001"
	templateID = "7e000000-0000-4000-8000-000000000001"
	motorBlock = "b10c0000-0000-4000-8000-000000000001"
)

func contactID(n int) string {
	return fmt.Sprintf("c0000000-0000-4000-8000-%012d", n)
}

// ====================== campaigns ======================

type fakeCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[string]*model.Campaign
	settings  map[string]model.SendSettings
	updates   []model.SettingsUpdate
	exhausted []string
	completed []string
	deleted   []string
	listIDs   map[string][]string
}

var _ repository.CampaignRepositoryInterface = (*fakeCampaignRepo)(nil)

func newFakeCampaignRepo(cs ...*model.Campaign) *fakeCampaignRepo {
	f := &fakeCampaignRepo{
		campaigns: map[string]*model.Campaign{},
		settings:  map[string]model.SendSettings{},
		listIDs:   map[string][]string{},
	}
	for _, c := range cs {
		f.campaigns[c.ID] = c
	}
	return f
}

func (f *fakeCampaignRepo) status(id string) model.CampaignStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.campaigns[id].Status
}

func (f *fakeCampaignRepo) Create(ctx context.Context, c *model.Campaign, listIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.ID = uuid.NewString()
	c.CreatedAt = time.Now()
	f.campaigns[c.ID] = c
	f.listIDs[c.ID] = listIDs
	return nil
}

func (f *fakeCampaignRepo) GetByID(ctx context.Context, tenant, id string) (*model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok || c.TenantID != tenant {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCampaignRepo) ListCampaigns(ctx context.Context, tenant string, offset, limit int, status string) ([]*model.Campaign, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []*model.Campaign
	for _, c := range f.campaigns {
		if c.TenantID == tenant && (status == "" || string(c.Status) == status) {
			all = append(all, c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name > all[j].Name })
	if offset >= len(all) {
		return []*model.Campaign{}, len(all), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func (f *fakeCampaignRepo) Delete(ctx context.Context, tenant, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok || c.TenantID != tenant {
		return appErrors.NewCampaignNotFound(id)
	}
	if c.Status == model.StatusSending {
		return appErrors.ErrInvalidTransition
	}
	delete(f.campaigns, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeCampaignRepo) TenantOf(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return "", appErrors.NewCampaignNotFound(id)
	}
	return c.TenantID, nil
}

func (f *fakeCampaignRepo) UpdateStatus(ctx context.Context, tenant, id string, from []model.CampaignStatus, to model.CampaignStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok || c.TenantID != tenant {
		return false, nil
	}
	for _, s := range from {
		if c.Status == s {
			c.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCampaignRepo) move(id string, from, to model.CampaignStatus) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok || c.Status != from {
		return false
	}
	c.Status = to
	return true
}

func (f *fakeCampaignRepo) MarkSending(ctx context.Context, id string) (bool, error) {
	return f.move(id, model.StatusScheduled, model.StatusSending), nil
}

func (f *fakeCampaignRepo) MarkCompleted(ctx context.Context, id string) (bool, error) {
	ok := f.move(id, model.StatusSending, model.StatusCompleted)
	if ok {
		f.mu.Lock()
		f.completed = append(f.completed, id)
		f.mu.Unlock()
	}
	return ok, nil
}

func (f *fakeCampaignRepo) GetSettings(ctx context.Context, id string) (model.SendSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.settings[id]
	if !ok {
		return model.SendSettings{ChunkSize: model.DefaultChunkSize, DelaySeconds: model.DefaultDelaySeconds}, nil
	}
	return s, nil
}

func (f *fakeCampaignRepo) UpdateSettings(ctx context.Context, tenant, id string, u model.SettingsUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok || c.TenantID != tenant {
		return appErrors.NewCampaignNotFound(id)
	}
	f.updates = append(f.updates, u)
	s, ok := f.settings[id]
	if !ok {
		s = model.SendSettings{ChunkSize: model.DefaultChunkSize, DelaySeconds: model.DefaultDelaySeconds}
	}
	if u.ChunkSize != nil {
		s.ChunkSize = *u.ChunkSize
	}
	if u.DelaySeconds != nil {
		s.DelaySeconds = *u.DelaySeconds
	}
	f.settings[id] = s
	if u.Timezone != nil {
		c.Timezone = *u.Timezone
	}
	if u.ClearScheduled {
		c.ScheduledAt = nil
	} else if u.ScheduledAt != nil {
		t := u.ScheduledAt.UTC()
		c.ScheduledAt = &t
	}
	return nil
}

func (f *fakeCampaignRepo) ListDue(ctx context.Context) ([]*model.DueCampaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []*model.DueCampaign
	for _, c := range f.campaigns {
		if !c.Status.Sendable() || (c.ScheduledAt != nil && c.ScheduledAt.After(time.Now())) {
			continue
		}
		s, ok := f.settings[c.ID]
		if !ok {
			s = model.SendSettings{ChunkSize: model.DefaultChunkSize, DelaySeconds: model.DefaultDelaySeconds}
		}
		due = append(due, &model.DueCampaign{Campaign: *c, Settings: s})
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

func (f *fakeCampaignRepo) ListExhausted(ctx context.Context) ([]string, error) {
	return f.exhausted, nil
}

func (f *fakeCampaignRepo) ListForReconciliation(ctx context.Context, window time.Duration, limit int) ([]*model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Campaign
	for _, c := range f.campaigns {
		if c.MotorBlockID != "" {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ====================== events ======================

type fakeEventRepo struct {
	mu        sync.Mutex
	events    []*model.EmailEvent
	recordErr error
	// linkRows, when set, replaces the computed LinkClicks result
	linkRows []model.LinkClicks
}

var _ repository.EventRepositoryInterface = (*fakeEventRepo)(nil)

func (f *fakeEventRepo) Record(ctx context.Context, e *model.EmailEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	e.ID = uuid.NewString()
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	cp := *e
	f.events = append(f.events, &cp)
	return nil
}

func (f *fakeEventRepo) InsertIfAbsent(ctx context.Context, e *model.EmailEvent) (bool, error) {
	f.mu.Lock()
	for _, ex := range f.events {
		if ex.CampaignID == e.CampaignID && ex.MessageID == e.MessageID && ex.Type == e.Type {
			f.mu.Unlock()
			return false, nil
		}
	}
	f.mu.Unlock()
	return true, f.Record(ctx, e)
}

func (f *fakeEventRepo) OriginOf(ctx context.Context, messageID string) (model.MessageOrigin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var o model.MessageOrigin
	for _, e := range f.events {
		if e.MessageID != messageID {
			continue
		}
		if e.ContactID != "" {
			return model.MessageOrigin{CampaignID: e.CampaignID, ContactID: e.ContactID}, nil
		}
		if o.CampaignID == "" {
			o.CampaignID = e.CampaignID
		}
	}
	return o, nil
}

func (f *fakeEventRepo) CountsByType(ctx context.Context, campaignID string) (map[model.EventType]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[model.EventType]int{}
	for _, e := range f.events {
		if e.CampaignID == campaignID {
			out[e.Type]++
		}
	}
	return out, nil
}

func (f *fakeEventRepo) Summary(ctx context.Context, tenant, campaignID string, days int) (map[model.EventType]model.EventTotals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[model.EventType]model.EventTotals{}
	seen := map[string]bool{}
	for _, e := range f.events {
		if e.CampaignID != campaignID || e.TenantID != tenant {
			continue
		}
		t := out[e.Type]
		t.Total++
		if key := string(e.Type) + e.ContactID; e.ContactID != "" && !seen[key] {
			seen[key] = true
			t.Unique++
		}
		out[e.Type] = t
	}
	return out, nil
}

func (f *fakeEventRepo) LinkClicks(ctx context.Context, tenant, campaignID string) ([]model.LinkClicks, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.linkRows != nil {
		return f.linkRows, nil
	}
	byIndex := map[int]*model.LinkClicks{}
	clickers := map[int]map[string]bool{}
	for _, e := range f.events {
		if e.CampaignID != campaignID || e.Type != model.EventClicked {
			continue
		}
		idx, _ := e.Payload["linkIndex"].(int)
		lc, ok := byIndex[idx]
		if !ok {
			u, _ := e.Payload["originalUrl"].(string)
			lc = &model.LinkClicks{LinkIndex: idx, OriginalURL: u}
			byIndex[idx] = lc
			clickers[idx] = map[string]bool{}
		}
		lc.Clicks++
		if !clickers[idx][e.ContactID] {
			clickers[idx][e.ContactID] = true
			lc.UniqueClickers++
		}
	}
	var out []model.LinkClicks
	for _, lc := range byIndex {
		out = append(out, *lc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LinkIndex < out[j].LinkIndex })
	return out, nil
}

func (f *fakeEventRepo) ListEvents(ctx context.Context, campaignID, eventType string, offset, limit int) ([]*model.EmailEvent, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []*model.EmailEvent
	for _, e := range f.events {
		if e.CampaignID == campaignID && (eventType == "" || string(e.Type) == eventType) {
			all = append(all, e)
		}
	}
	if offset >= len(all) {
		return []*model.EmailEvent{}, len(all), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func (f *fakeEventRepo) ofType(t model.EventType) []*model.EmailEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.EmailEvent
	for _, e := range f.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeEventRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// ====================== audience ======================

// fakeAudienceRepo derives the processed set from the event fake so sends are visible
// to the next resolution.
type fakeAudienceRepo struct {
	candidates []model.Recipient
	suppressed map[string]bool // lower-cased email
	events     *fakeEventRepo
}

var _ repository.AudienceRepositoryInterface = (*fakeAudienceRepo)(nil)

func (f *fakeAudienceRepo) Candidates(ctx context.Context, tenant, campaign string) ([]model.Recipient, error) {
	return f.candidates, nil
}

func (f *fakeAudienceRepo) SuppressedEmails(ctx context.Context, account string, emails []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, e := range emails {
		if f.suppressed[e] {
			out[e] = true
		}
	}
	return out, nil
}

func (f *fakeAudienceRepo) ProcessedContactIDs(ctx context.Context, campaign string) (map[string]bool, error) {
	out := map[string]bool{}
	if f.events == nil {
		return out, nil
	}
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	for _, e := range f.events.events {
		if e.CampaignID == campaign && e.ContactID != "" {
			out[e.ContactID] = true
		}
	}
	return out, nil
}

func (f *fakeAudienceRepo) CampaignListIDs(ctx context.Context, campaign string) ([]string, error) {
	return []string{"list-1"}, nil
}

func recipients(n int) []model.Recipient {
	out := make([]model.Recipient, n)
	for i := range out {
		out[i] = model.Recipient{
			ContactID: contactID(i + 1),
			TenantID:  tenantID,
			AccountID: accountID,
			Email:     fmt.Sprintf("user%d@example.com", i+1),
			Name:      fmt.Sprintf("User %d", i+1),
		}
	}
	return out
}

// ====================== contacts, lists, tenants ======================

type fakeContactRepo struct {
	mu       sync.Mutex
	contacts map[string]*model.Contact
	touched  []string
}

var _ repository.ContactRepositoryInterface = (*fakeContactRepo)(nil)

func newFakeContactRepo(cs ...*model.Contact) *fakeContactRepo {
	f := &fakeContactRepo{contacts: map[string]*model.Contact{}}
	for _, c := range cs {
		f.contacts[c.ID] = c
	}
	return f
}

func (f *fakeContactRepo) GetByID(ctx context.Context, tenant, id string) (*model.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[id]
	if !ok || c.TenantID != tenant {
		return nil, appErrors.NewContactNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (f *fakeContactRepo) SetStatus(ctx context.Context, tenant, id string, status model.ContactStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[id]
	if !ok || c.TenantID != tenant {
		return appErrors.NewContactNotFound(id)
	}
	c.Status = status
	return nil
}

func (f *fakeContactRepo) TouchEngagement(ctx context.Context, tenant, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeContactRepo) statusOf(id string) model.ContactStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contacts[id].Status
}

type fakeListRepo struct {
	lists map[string]bool
	// owners maps contact id to tenant; when set, foreign contacts are not moved
	owners map[string]string
	moved  []string
}

var _ repository.ListRepositoryInterface = (*fakeListRepo)(nil)

func (f *fakeListRepo) Exists(ctx context.Context, tenant, listID string) (bool, error) {
	return f.lists[listID], nil
}

func (f *fakeListRepo) MoveContacts(ctx context.Context, tenant string, ids []string, from, to string) (int, error) {
	n := 0
	for _, id := range ids {
		if f.owners != nil && f.owners[id] != tenant {
			continue
		}
		f.moved = append(f.moved, id)
		n++
	}
	return n, nil
}

type fakeSuppressionRepo struct {
	added   []model.Suppression
	removed []string
}

var _ repository.SuppressionRepositoryInterface = (*fakeSuppressionRepo)(nil)

func (f *fakeSuppressionRepo) Add(ctx context.Context, s model.Suppression) (bool, error) {
	for _, ex := range f.added {
		if ex.AccountID == s.AccountID && ex.Email == s.Email {
			return false, nil
		}
	}
	f.added = append(f.added, s)
	return true, nil
}

func (f *fakeSuppressionRepo) Remove(ctx context.Context, account, email string) error {
	f.removed = append(f.removed, account+"|"+strings.ToLower(email))
	return nil
}

type fakeTenantRepo struct {
	settings map[string]*model.TenantSettings
}

var _ repository.TenantRepositoryInterface = (*fakeTenantRepo)(nil)

func (f *fakeTenantRepo) Settings(ctx context.Context, tenant string) (*model.TenantSettings, error) {
	s, ok := f.settings[tenant]
	if !ok {
		return nil, appErrors.NewTenantNotFound(tenant)
	}
	return s, nil
}

// ====================== content ======================

type fakeTemplateRepo struct{ t *model.Template }

var _ repository.TemplateRepositoryInterface = (*fakeTemplateRepo)(nil)

func (f *fakeTemplateRepo) GetByID(ctx context.Context, tenant, id string) (*model.Template, error) {
	if f.t == nil || f.t.ID != id {
		return nil, appErrors.NewTemplateNotFound(id)
	}
	return f.t, nil
}

type fakeArtifactRepo struct{ latest *model.Artifact }

var _ repository.ArtifactRepositoryInterface = (*fakeArtifactRepo)(nil)

func (f *fakeArtifactRepo) Create(ctx context.Context, a *model.Artifact) error { return nil }

func (f *fakeArtifactRepo) Latest(ctx context.Context, tenant, campaign string) (*model.Artifact, error) {
	return f.latest, nil
}

func (f *fakeArtifactRepo) MergeMeta(ctx context.Context, campaign string, version int, patch map[string]any) error {
	return nil
}

func (f *fakeArtifactRepo) SetText(ctx context.Context, campaign string, version int, text string) error {
	return nil
}

func (f *fakeArtifactRepo) CreateSnapshot(ctx context.Context, s *model.AudienceSnapshot) error {
	return nil
}

func (f *fakeArtifactRepo) LatestSnapshot(ctx context.Context, tenant, campaign string) (*model.AudienceSnapshot, error) {
	return nil, nil
}

// ====================== transport, queue, logs ======================

// fakeTransport fails the first failFirst calls, or every call when failAll is set.
type fakeTransport struct {
	mu        sync.Mutex
	failFirst int
	failAll   bool
	sent      []transport.Message
	calls     int
}

func (f *fakeTransport) Send(ctx context.Context, msg transport.Message) (transport.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAll || f.calls <= f.failFirst {
		return transport.Result{}, fmt.Errorf("smtp: 421 try again later (call %d)", f.calls)
	}
	f.sent = append(f.sent, msg)
	return transport.Result{MessageID: fmt.Sprintf("<msg-%d@test>", f.calls), Status: "queued"}, nil
}

type fakeQueue struct {
	mu        sync.Mutex
	published map[string][]any
}

func (q *fakeQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.published == nil {
		q.published = map[string][]any{}
	}
	q.published[topic] = append(q.published[topic], payload)
	return nil
}

func (q *fakeQueue) Subscribe(topic string, handler func(payload any) error) error { return nil }

func (q *fakeQueue) count(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.published[topic])
}

type fakeLogs struct {
	enabled bool
	items   map[string][]deliverylog.Item
	fetches int
}

func (f *fakeLogs) Enabled() bool { return f.enabled }

func (f *fakeLogs) Fetch(ctx context.Context, motorBlockID string, limit int) ([]deliverylog.Item, error) {
	f.fetches++
	return f.items[motorBlockID], nil
}
