package main

import (
	"context"
	"flag"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/notify"
	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/store/sqlite"
	"github.com/Martian-dev/mailsync/internal/sync"
	"github.com/Martian-dev/mailsync/internal/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	db, err := sqlite.Open(cfg.Store.Path)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer db.Close()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.NATS.URL != "" {
		pub, err := notify.NewPublisher(cfg.NATS.URL)
		if err != nil {
			logger.Warn("NATS unavailable, events disabled", zap.Error(err))
		} else {
			defer pub.Close()
			notifier = pub
		}
	}

	tokens := auth.NewClient(cfg.Auth.TokenServiceURL)

	feeds := map[store.Provider]sync.ChangeFeedClient{
		store.ProviderGmail:   gmail.NewClient(tokens, cfg.Gmail.TopicName),
		store.ProviderOutlook: outlook.NewClient(tokens, cfg.Outlook.WebhookBaseURL+"/webhooks/outlook"),
	}
	pushEnabled := map[store.Provider]bool{
		store.ProviderGmail:   cfg.Gmail.WebhookBaseURL != "" && cfg.Gmail.TopicName != "",
		store.ProviderOutlook: cfg.Outlook.WebhookBaseURL != "",
	}

	manager := sync.NewSubscriptionManager(db, feeds, pushEnabled, cfg.Scanner.RetryDelay.Std(), logger)
	guard := sync.NewDeduplicationGuard(db, logger)
	engine := sync.NewEngine(db, feeds, guard, notifier, logger)

	var verifier *webhook.TokenVerifier
	if cfg.Outlook.JWKSURL != "" {
		verifier, err = webhook.NewTokenVerifier(ctx, cfg.Outlook.JWKSURL)
		if err != nil {
			logger.Warn("validation token verification disabled", zap.Error(err))
		}
	}

	orchestrator := sync.NewOrchestrator(db, manager, engine, sync.OrchestratorConfig{
		HealthPassSchedule:  cfg.Scanner.HealthPassSchedule,
		RenewalPassSchedule: cfg.Scanner.RenewalPassSchedule,
		AccountDelayMin:     cfg.Scanner.AccountDelayMin.Std(),
		AccountDelayMax:     cfg.Scanner.AccountDelayMax.Std(),
	}, logger)
	if err := orchestrator.Start(ctx); err != nil {
		logger.Fatal("failed to start orchestrator", zap.Error(err))
	}
	defer orchestrator.Stop()

	r := gin.Default()

	ingress := webhook.NewIngress(db, engine, verifier, logger)
	ingress.Register(r)

	r.GET("/healthz", func(c *gin.Context) {
		if err := db.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	logger.Info("mailsync listening", zap.String("addr", cfg.Server.Addr))
	if err := r.Run(cfg.Server.Addr); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}
