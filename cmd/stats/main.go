// cmd/stats/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/unclebandit/commsblock-backend/internal/config"
	"github.com/unclebandit/commsblock-backend/internal/db"
	"github.com/unclebandit/commsblock-backend/internal/deliverylog"
	"github.com/unclebandit/commsblock-backend/internal/lease"
	"github.com/unclebandit/commsblock-backend/internal/logger"
	"github.com/unclebandit/commsblock-backend/internal/queue"
	"github.com/unclebandit/commsblock-backend/internal/repository"
	"github.com/unclebandit/commsblock-backend/internal/service"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	log := logger.New(cfg.LoggerConfig, "campaign-stats")

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

	logs := deliverylog.NewClient(cfg.PublicAPIBase, cfg.PublicAPIToken, cfg.TransportConfig.Timeout, cfg.DeliveryLogConfig.RatePerSecond)
	if !logs.Enabled() {
		log.Warn().Msg("no public API token configured; delivery log polling disabled")
	}

	w := service.NewStatsWorker(cfg.StatsConfig, log)
	w.Campaigns = &repository.CampaignRepository{DB: conn}
	w.Events = &repository.EventRepository{DB: conn}
	w.Contacts = &repository.ContactRepository{DB: conn}
	w.Logs = logs
	w.Gate = gate
	w.Queue = q
	w.Ledger = ledger

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("stats worker exited")
	}
}
