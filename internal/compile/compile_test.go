package compile_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/unclebandit/commsblock-backend/internal/audience"
	"github.com/unclebandit/commsblock-backend/internal/compile"
	appErrors "github.com/unclebandit/commsblock-backend/internal/errors"
	"github.com/unclebandit/commsblock-backend/internal/htmltext"
	"github.com/unclebandit/commsblock-backend/internal/linktrack"
	"github.com/unclebandit/commsblock-backend/internal/model"
	"github.com/unclebandit/commsblock-backend/internal/queue"
)

const campaignID = "0f1e2d3c-aaaa-bbbb-cccc-000000000001"

// ====================== fakes ======================

type fakeCampaigns struct{ c *model.Campaign }

func (f *fakeCampaigns) GetByID(ctx context.Context, tenantID, id string) (*model.Campaign, error) {
	if f.c == nil || f.c.ID != id || f.c.TenantID != tenantID {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return f.c, nil
}

type fakeTemplates struct{ t *model.Template }

func (f *fakeTemplates) GetByID(ctx context.Context, tenantID, id string) (*model.Template, error) {
	if f.t == nil || f.t.ID != id {
		return nil, appErrors.NewTemplateNotFound(id)
	}
	return f.t, nil
}

type fakeArtifacts struct {
	mu        sync.Mutex
	artifacts []*model.Artifact
	snapshots []*model.AudienceSnapshot
}

func (f *fakeArtifacts) Create(ctx context.Context, a *model.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.ID = "art-" + string(rune('0'+len(f.artifacts)))
	a.Version = len(f.artifacts) + 1
	cp := *a
	cp.Meta = map[string]any{}
	for k, v := range a.Meta {
		cp.Meta[k] = v
	}
	f.artifacts = append(f.artifacts, &cp)
	return nil
}

func (f *fakeArtifacts) find(campaign string, version int) *model.Artifact {
	for _, a := range f.artifacts {
		if a.CampaignID == campaign && a.Version == version {
			return a
		}
	}
	return nil
}

func (f *fakeArtifacts) MergeMeta(ctx context.Context, campaign string, version int, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.find(campaign, version)
	if a == nil {
		return errors.New("no artifact")
	}
	for k, v := range patch {
		a.Meta[k] = v
	}
	return nil
}

func (f *fakeArtifacts) SetText(ctx context.Context, campaign string, version int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.find(campaign, version)
	if a == nil {
		return errors.New("no artifact")
	}
	a.TextCompiled = text
	return nil
}

func (f *fakeArtifacts) CreateSnapshot(ctx context.Context, s *model.AudienceSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.ID = "snap"
	f.snapshots = append(f.snapshots, s)
	return nil
}

type fakeAudience struct{ recipients []model.Recipient }

func (f *fakeAudience) Candidates(ctx context.Context, tenantID, campaignID string) ([]model.Recipient, error) {
	return f.recipients, nil
}
func (f *fakeAudience) SuppressedEmails(ctx context.Context, accountID string, emails []string) (map[string]bool, error) {
	return map[string]bool{}, nil
}
func (f *fakeAudience) ProcessedContactIDs(ctx context.Context, campaignID string) (map[string]bool, error) {
	return map[string]bool{}, nil
}
func (f *fakeAudience) CampaignListIDs(ctx context.Context, campaignID string) ([]string, error) {
	return []string{"list-1", "list-2"}, nil
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

// ====================== registry ======================

func TestRegistryRunsEveryHookInOrder(t *testing.T) {
	r := compile.NewRegistry(zerolog.Nop())
	var calls []compile.HookName
	mustRegister(t, r, compile.HookAuditLog, func(ctx context.Context, ev *compile.Event) (any, error) {
		calls = append(calls, compile.HookAuditLog)
		return "ok", nil
	})
	mustRegister(t, r, compile.HookMetricsEmit, func(ctx context.Context, ev *compile.Event) (any, error) {
		calls = append(calls, compile.HookMetricsEmit)
		return nil, errors.New("metrics backend down")
	})
	mustRegister(t, r, compile.HookSecurityValidation, func(ctx context.Context, ev *compile.Event) (any, error) {
		calls = append(calls, compile.HookSecurityValidation)
		panic("boom")
	})
	mustRegister(t, r, compile.HookLinkProcessing, func(ctx context.Context, ev *compile.Event) (any, error) {
		calls = append(calls, compile.HookLinkProcessing)
		return 42, nil
	})

	results := r.Execute(context.Background(), &compile.Event{CampaignID: "c"})
	if len(results) != 4 || len(calls) != 4 {
		t.Fatalf("expected 4 results and calls, got %d and %d", len(results), len(calls))
	}
	want := []struct {
		name    compile.HookName
		success bool
	}{
		{compile.HookAuditLog, true},
		{compile.HookMetricsEmit, false},
		{compile.HookSecurityValidation, false},
		{compile.HookLinkProcessing, true},
	}
	for i, w := range want {
		if results[i].Hook != w.name || results[i].Success != w.success {
			t.Errorf("result %d = %+v, want %s success=%v", i, results[i], w.name, w.success)
		}
	}
	if !strings.Contains(results[2].Error, "panic") {
		t.Errorf("expected panic to be reported, got %q", results[2].Error)
	}
	if results[3].Output != 42 {
		t.Errorf("unexpected output %v", results[3].Output)
	}
}

func TestRegistryRejectsUnknownHook(t *testing.T) {
	r := compile.NewRegistry(zerolog.Nop())
	if err := r.Register("made-up", func(context.Context, *compile.Event) (any, error) { return nil, nil }); err == nil {
		t.Fatal("expected error for unknown hook")
	}
	if err := r.Register(compile.HookAuditLog, nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestRegistryReplaceKeepsPosition(t *testing.T) {
	r := compile.NewRegistry(zerolog.Nop())
	noop := func(context.Context, *compile.Event) (any, error) { return nil, nil }
	mustRegister(t, r, compile.HookAuditLog, noop)
	mustRegister(t, r, compile.HookMetricsEmit, noop)
	mustRegister(t, r, compile.HookAuditLog, func(context.Context, *compile.Event) (any, error) { return "v2", nil })

	names := r.Names()
	if len(names) != 2 || names[0] != compile.HookAuditLog {
		t.Fatalf("unexpected order %v", names)
	}
	res := r.Execute(context.Background(), &compile.Event{})
	if res[0].Output != "v2" {
		t.Errorf("replacement handler not used: %v", res[0].Output)
	}
}

func mustRegister(t *testing.T, r *compile.Registry, name compile.HookName, h compile.Hook) {
	t.Helper()
	if err := r.Register(name, h); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

// ====================== compiler ======================

const sourceHTML = `<html><body><h1>Hello {{name}}</h1>
<p>Our spring collection is live and waiting for you.</p>
<p><a href="https://shop.example.com/spring?ref=mail">Shop now</a></p>
<p><a href="mailto:help@example.com">Contact us</a></p>
<p><a href="{{unsubscribe_url}}">Unsubscribe</a></p>
</body></html>`

func newCompiler(tpl *model.Template, arts *fakeArtifacts, q *fakeQueue) *compile.Compiler {
	aud := &fakeAudience{recipients: []model.Recipient{
		{ContactID: "c1", TenantID: "t1", AccountID: "a", Email: "a@x.com"},
		{ContactID: "c2", TenantID: "t1", AccountID: "a", Email: "A@x.com"},
		{ContactID: "c3", TenantID: "t1", AccountID: "a", Email: "b@x.com"},
	}}
	return &compile.Compiler{
		Campaigns: &fakeCampaigns{c: &model.Campaign{ID: campaignID, TenantID: "t1", TemplateID: tpl.ID}},
		Templates: &fakeTemplates{t: tpl},
		Artifacts: arts,
		Lists:     aud,
		Audience:  audience.NewResolver(aud),
		Hooks: compile.DefaultRegistry(compile.Deps{
			Log:   zerolog.Nop(),
			Queue: q,
			Store: arts,
			Text:  htmltext.Converter{TrackingDomain: "track.example.com"},
		}),
		TrackingDomain: "track.example.com",
		Log:            zerolog.Nop(),
	}
}

func TestCompileCreatesArtifactAndRunsHooks(t *testing.T) {
	arts := &fakeArtifacts{}
	q := &fakeQueue{}
	tpl := &model.Template{ID: "tpl-1", TenantID: "t1", Subject: "Spring for {{name}}", HTML: sourceHTML}
	c := newCompiler(tpl, arts, q)

	out, err := c.Compile(context.Background(), "t1", campaignID)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if out.Artifact.Version != 1 {
		t.Errorf("version = %d, want 1", out.Artifact.Version)
	}
	if !strings.Contains(out.Artifact.HTMLCompiled, "https://track.example.com/c/TRACK_TOKEN_"+campaignID+"_0?url=") {
		t.Errorf("tracked link missing from compiled html:\n%s", out.Artifact.HTMLCompiled)
	}
	if !strings.Contains(out.Artifact.HTMLCompiled, `href="mailto:help@example.com"`) {
		t.Error("mailto link must be left unchanged")
	}
	if out.Links.Total != 3 || out.Links.Tracked != 1 || out.Links.Skipped != 2 {
		t.Errorf("unexpected link stats %+v", out.Links)
	}
	if len(out.Hooks) != 5 {
		t.Fatalf("expected 5 hook results, got %d", len(out.Hooks))
	}
	for _, h := range out.Hooks {
		if !h.Success {
			t.Errorf("hook %s failed: %s", h.Hook, h.Error)
		}
	}
	if out.Security == nil || !out.Security.Validated {
		t.Errorf("expected a passing security report, got %+v", out.Security)
	}
	if out.Snapshot == nil || out.Snapshot.TotalRecipients != 2 || len(out.Snapshot.IncludedLists) != 2 {
		t.Errorf("unexpected snapshot %+v", out.Snapshot)
	}

	stored := arts.artifacts[0]
	links, ok := stored.Meta["linkMap"].([]model.LinkMapEntry)
	if !ok || len(links) != 3 {
		t.Fatalf("linkMap not merged into meta: %#v", stored.Meta["linkMap"])
	}
	if _, ok := stored.Meta["templateId"]; !ok {
		t.Error("merge must keep existing meta keys")
	}
	if !strings.Contains(stored.TextCompiled, "HELLO {{name}}") {
		t.Errorf("text was not generated: %q", stored.TextCompiled)
	}
	if !strings.Contains(stored.TextCompiled, "{{unsubscribe_url}}") {
		t.Errorf("generated text lost the unsubscribe placeholder: %q", stored.TextCompiled)
	}
	if got := len(q.published[queue.TopicCampaignCompile]); got != 1 {
		t.Errorf("expected one compile notification, got %d", got)
	}

	again, err := c.Compile(context.Background(), "t1", campaignID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Artifact.Version != 2 {
		t.Errorf("second compile version = %d, want 2", again.Artifact.Version)
	}
}

func TestCompileKeepsAuthoredText(t *testing.T) {
	arts := &fakeArtifacts{}
	tpl := &model.Template{ID: "tpl-1", HTML: sourceHTML, Text: "Hand written text body for the campaign."}
	out, err := newCompiler(tpl, arts, &fakeQueue{}).Compile(context.Background(), "t1", campaignID)
	if err != nil {
		t.Fatal(err)
	}
	if arts.artifacts[0].TextCompiled != tpl.Text {
		t.Errorf("authored text overwritten: %q", arts.artifacts[0].TextCompiled)
	}
	res, _ := compile.Find(out.Hooks, compile.HookHTMLToText)
	if m, _ := res.Output.(map[string]any); m["generated"] != false {
		t.Errorf("unexpected html-to-text output %v", res.Output)
	}
}

func TestCompileMissingTemplate(t *testing.T) {
	c := newCompiler(&model.Template{ID: "tpl-1"}, &fakeArtifacts{}, &fakeQueue{})
	c.Campaigns = &fakeCampaigns{c: &model.Campaign{ID: campaignID, TenantID: "t1", TemplateID: "gone"}}
	_, err := c.Compile(context.Background(), "t1", campaignID)
	if !appErrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLinkOptions(t *testing.T) {
	c := &model.Campaign{ID: "abcdef1234567890"}
	opts := compile.LinkOptions(c, "track.example.com")
	if opts.Policy != linktrack.PolicyPreserve {
		t.Errorf("policy = %s, want preserve", opts.Policy)
	}
	if opts.Defaults[2].Value != "campaign_abcdef12" {
		t.Errorf("unexpected campaign default %v", opts.Defaults)
	}

	c.Analytics = model.GASettings{Enabled: true, Source: "newsletter", Term: "shoes"}
	opts = compile.LinkOptions(c, "")
	if opts.Policy != linktrack.PolicyAppend {
		t.Errorf("policy = %s, want append", opts.Policy)
	}
	got := map[string]string{}
	for _, p := range opts.Defaults {
		got[p.Key] = p.Value
	}
	want := map[string]string{
		"utm_source":   "newsletter",
		"utm_medium":   "email",
		"utm_campaign": "campaign_abcdef12",
		"utm_content":  "email_link",
		"utm_term":     "shoes",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}
