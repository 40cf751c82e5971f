// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/unclebandit/commsblock-backend/internal/audience"
	"github.com/unclebandit/commsblock-backend/internal/config"
	"github.com/unclebandit/commsblock-backend/internal/db"
	"github.com/unclebandit/commsblock-backend/internal/lease"
	"github.com/unclebandit/commsblock-backend/internal/logger"
	"github.com/unclebandit/commsblock-backend/internal/queue"
	"github.com/unclebandit/commsblock-backend/internal/repository"
	"github.com/unclebandit/commsblock-backend/internal/service"
	"github.com/unclebandit/commsblock-backend/internal/token"
	"github.com/unclebandit/commsblock-backend/internal/transport"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	log := logger.New(cfg.LoggerConfig, "campaign-sender")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(ctx, cfg.DataBaseConfig, log)
	if err != nil {
		log.Fatal().Err(err).Msg("database unavailable")
	}
	defer conn.Close()

	q, closeQueue, err := queue.Open(cfg.QueueConfig, log)
	if err != nil {
		log.Fatal().Err(err).Msg("queue unavailable")
	}
	defer closeQueue()

	gate, closeGate, err := lease.Open(ctx, cfg.RedisConfig, cfg.LeaseTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("lease store unavailable")
	}
	defer closeGate()
	if cfg.RedisConfig.Addr == "" {
		log.Warn().Msg("REDIS_ADDR not set; campaign leases are process-local and not shared between sender and stats workers")
	}

	ledger := &service.LedgerConsumer{Log: log}
	if err := ledger.Subscribe(q); err != nil {
		log.Fatal().Err(err).Msg("subscribe ledger consumer")
	}

	signer := token.NewSigner(cfg.TokenConfig.Secret, cfg.TokenConfig.ClickTTL, cfg.TokenConfig.UnsubTTL)

	w := &service.SenderWorker{
		Campaigns: &repository.CampaignRepository{DB: conn},
		Artifacts: &repository.ArtifactRepository{DB: conn},
		Templates: &repository.TemplateRepository{DB: conn},
		Events:    &repository.EventRepository{DB: conn},
		Audience:  audience.NewResolver(&repository.AudienceRepository{DB: conn}),
		Gate:      gate,
		Transport: transport.New(cfg.TransportConfig, cfg.SenderConfig.RatePerSecond, log),
		Renderer: &service.Renderer{
			Signer:      signer,
			PublicBase:  cfg.PublicBase,
			FromAddress: cfg.FromAddress,
			UnsubMailto: cfg.UnsubMailto,
		},
		Queue: q,
		Log:   log,
	}
	w.Configure(cfg.SenderConfig)
	w.Ledger = ledger

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("sender worker exited")
	}
}
