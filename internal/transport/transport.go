// Package transport delivers rendered messages through SMTP or the HTTP send API.
package transport

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/unclebandit/commsblock-backend/internal/config"
)

type Message struct {
	From     string            `json:"from"`
	To       string            `json:"to"`
	Subject  string            `json:"subject"`
	Text     string            `json:"text,omitempty"`
	HTML     string            `json:"html,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

type Result struct {
	MessageID string         `json:"messageId"`
	Status    string         `json:"status"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// Sender returns an error for any failure that should be retried.
type Sender interface {
	Send(ctx context.Context, msg Message) (Result, error)
}

// NormalizeMessageID trims whitespace and one pair of angle brackets.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}

// Limited throttles an underlying sender.
type Limited struct {
	Sender  Sender
	Limiter *rate.Limiter
}

func (l *Limited) Send(ctx context.Context, msg Message) (Result, error) {
	if err := l.Limiter.Wait(ctx); err != nil {
		return Result{}, err
	}
	return l.Sender.Send(ctx, msg)
}

// LogSender accepts every message without delivering it.
type LogSender struct {
	Log zerolog.Logger
}

func (s *LogSender) Send(ctx context.Context, msg Message) (Result, error) {
	s.Log.Warn().Str("to", msg.To).Msg("no SMTP credentials or API key configured; skipping send")
	return Result{Status: "queued"}, nil
}

// New picks SMTP when credentials are set, then the HTTP API, then LogSender.
func New(cfg config.TransportConfig, ratePerSecond float64, log zerolog.Logger) Sender {
	var s Sender
	switch {
	case cfg.SMTPHost != "" && cfg.SMTPUser != "" && cfg.SMTPPassword != "":
		s = NewSMTPSender(cfg)
		log.Info().Str("transport", "smtp").Str("host", cfg.SMTPHost).Msg("transport selected")
	case cfg.APIBase != "" && cfg.APIKey != "":
		s = NewAPISender(cfg.APIBase, cfg.APIKey, cfg.Timeout)
		log.Info().Str("transport", "api").Str("base", cfg.APIBase).Msg("transport selected")
	default:
		return &LogSender{Log: log}
	}
	if ratePerSecond > 0 {
		s = &Limited{Sender: s, Limiter: rate.NewLimiter(rate.Limit(ratePerSecond), 1)}
	}
	return s
}
