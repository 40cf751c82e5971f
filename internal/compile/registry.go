// Package compile turns a campaign template into a versioned artifact and runs
// the post-compile hooks around it.
package compile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/commsblock-backend/internal/linktrack"
	"github.com/unclebandit/commsblock-backend/internal/model"
)

type HookName string

const (
	HookAuditLog           HookName = "audit-log"
	HookMetricsEmit        HookName = "metrics-emit"
	HookHTMLToText         HookName = "html-to-text-generation"
	HookSecurityValidation HookName = "security-validation"
	HookLinkProcessing     HookName = "link-processing"
)

var knownHooks = map[HookName]bool{
	HookAuditLog:           true,
	HookMetricsEmit:        true,
	HookHTMLToText:         true,
	HookSecurityValidation: true,
	HookLinkProcessing:     true,
}

type EventType string

const EventArtifactCompiled EventType = "artifact.compiled"

// Event is the payload every hook receives for one compile.
type Event struct {
	Type            EventType
	TenantID        string
	CampaignID      string
	Version         int
	Artifact        *model.Artifact
	SourceHTML      string
	AuthoredText    bool
	TotalRecipients int
	Links           linktrack.Result
	CompiledAt      time.Time
}

// Hook handles one event. The returned value is reported as the hook's output.
type Hook func(ctx context.Context, ev *Event) (any, error)

type Result struct {
	Hook     HookName      `json:"hook"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration_ns"`
	Output   any           `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Registry runs hooks in registration order. A failing or panicking hook does not
// stop the others.
type Registry struct {
	mu    sync.RWMutex
	order []HookName
	hooks map[HookName]Hook
	log   zerolog.Logger
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		hooks: make(map[HookName]Hook),
		log:   log.With().Str("component", "compile-hooks").Logger(),
	}
}

// Register adds h under name. Re-registering a name replaces the handler in place.
func (r *Registry) Register(name HookName, h Hook) error {
	if !knownHooks[name] {
		return fmt.Errorf("unknown hook %q", name)
	}
	if h == nil {
		return fmt.Errorf("hook %q has no handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hooks[name]; !ok {
		r.order = append(r.order, name)
	}
	r.hooks[name] = h
	return nil
}

func (r *Registry) Names() []HookName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]HookName(nil), r.order...)
}

func (r *Registry) Execute(ctx context.Context, ev *Event) []Result {
	r.mu.RLock()
	order := append([]HookName(nil), r.order...)
	hooks := make([]Hook, len(order))
	for i, name := range order {
		hooks[i] = r.hooks[name]
	}
	r.mu.RUnlock()

	results := make([]Result, 0, len(order))
	for i, name := range order {
		res := r.run(ctx, name, hooks[i], ev)
		logEvt := r.log.Debug()
		if !res.Success {
			logEvt = r.log.Warn().Str("error", res.Error)
		}
		logEvt.Str("hook", string(name)).Str("campaign_id", ev.CampaignID).
			Int("version", ev.Version).Dur("duration", res.Duration).Msg("hook executed")
		results = append(results, res)
	}
	return results
}

func (r *Registry) run(ctx context.Context, name HookName, h Hook, ev *Event) (res Result) {
	start := time.Now()
	res.Hook = name
	defer func() {
		if p := recover(); p != nil {
			res.Success = false
			res.Error = fmt.Sprintf("panic: %v", p)
		}
		res.Duration = time.Since(start)
	}()

	out, err := h(ctx, ev)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.Output = out
	return res
}

// Find returns the result for name, if the hook ran.
func Find(results []Result, name HookName) (Result, bool) {
	for _, r := range results {
		if r.Hook == name {
			return r, true
		}
	}
	return Result{}, false
}
