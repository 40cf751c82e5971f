// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/unclebandit/commsblock-backend/internal/audience"
	"github.com/unclebandit/commsblock-backend/internal/compile"
	"github.com/unclebandit/commsblock-backend/internal/config"
	"github.com/unclebandit/commsblock-backend/internal/controller"
	"github.com/unclebandit/commsblock-backend/internal/db"
	"github.com/unclebandit/commsblock-backend/internal/deliverylog"
	"github.com/unclebandit/commsblock-backend/internal/handler"
	"github.com/unclebandit/commsblock-backend/internal/htmltext"
	"github.com/unclebandit/commsblock-backend/internal/logger"
	"github.com/unclebandit/commsblock-backend/internal/queue"
	"github.com/unclebandit/commsblock-backend/internal/repository"
	"github.com/unclebandit/commsblock-backend/internal/security"
	"github.com/unclebandit/commsblock-backend/internal/service"
	"github.com/unclebandit/commsblock-backend/internal/token"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	log := logger.New(cfg.LoggerConfig, "campaign-api")

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
	if err := (&service.LedgerConsumer{Log: log}).Subscribe(q); err != nil {
		log.Fatal().Err(err).Msg("subscribe ledger consumer")
	}

	campaignRepo := &repository.CampaignRepository{DB: conn}
	templateRepo := &repository.TemplateRepository{DB: conn}
	artifactRepo := &repository.ArtifactRepository{DB: conn}
	audienceRepo := &repository.AudienceRepository{DB: conn}
	eventRepo := &repository.EventRepository{DB: conn}
	contactRepo := &repository.ContactRepository{DB: conn}
	listRepo := &repository.ListRepository{DB: conn}
	suppressionRepo := &repository.SuppressionRepository{DB: conn}
	tenantRepo := &repository.TenantRepository{DB: conn}

	signer := token.NewSigner(cfg.TokenConfig.Secret, cfg.TokenConfig.ClickTTL, cfg.TokenConfig.UnsubTTL)
	renderer := &service.Renderer{
		Signer:      signer,
		PublicBase:  cfg.PublicBase,
		FromAddress: cfg.FromAddress,
		UnsubMailto: cfg.UnsubMailto,
	}
	resolver := audience.NewResolver(audienceRepo)

	hooks := compile.DefaultRegistry(compile.Deps{
		Log:       log,
		Queue:     q,
		Store:     artifactRepo,
		Text:      htmltext.Converter{TrackingDomain: cfg.TrackingDomain},
		Validator: security.NewValidator(),
	})
	compiler := &compile.Compiler{
		Campaigns:      campaignRepo,
		Templates:      templateRepo,
		Artifacts:      artifactRepo,
		Lists:          audienceRepo,
		Audience:       resolver,
		Hooks:          hooks,
		TrackingDomain: cfg.TrackingDomain,
		Log:            log,
	}

	logs := deliverylog.NewClient(cfg.PublicAPIBase, cfg.PublicAPIToken, cfg.TransportConfig.Timeout, cfg.DeliveryLogConfig.RatePerSecond)

	campaignService := &service.CampaignService{
		CampaignRepo:    campaignRepo,
		TemplateRepo:    templateRepo,
		ArtifactRepo:    artifactRepo,
		EventRepo:       eventRepo,
		ContactRepo:     contactRepo,
		ListRepo:        listRepo,
		SuppressionRepo: suppressionRepo,
		TenantRepo:      tenantRepo,
		Audience:        resolver,
		Compiler:        compiler,
		Renderer:        renderer,
		Webhooks:        logs,
		WebhookURL:      strings.TrimRight(cfg.PublicBase, "/") + "/api/webhooks/motorical",
		Queue:           q,
		Log:             log,
	}
	trackingService := &service.TrackingService{
		Signer:       signer,
		Contacts:     contactRepo,
		Tenants:      tenantRepo,
		Suppressions: suppressionRepo,
		Events:       eventRepo,
		Log:          log,
	}
	webhookService := service.NewWebhookService(cfg.WebhookConfig.Secret, campaignRepo, eventRepo, contactRepo, q, log)

	campaignController := &controller.CampaignController{CampaignService: campaignService, Log: log}
	trackingHandler := &handler.TrackingHandler{Service: trackingService}
	webhookHandler := &handler.WebhookHandler{Service: webhookService, Log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := conn.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})

	// Tracking links and provider webhooks carry no tenant header.
	trackingHandler.Routes(r)
	r.Route("/api", func(api chi.Router) {
		api.Post("/webhooks/motorical", webhookHandler.Motorical)
		api.Group(campaignController.Routes)
	})

	srv := &http.Server{
		Addr:              cfg.AppConfig.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.AppConfig.Addr).Msg("server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	trackingService.Wait()
}
