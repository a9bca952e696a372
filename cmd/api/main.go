package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/crm-chat-sync/internal/api/http"
	"github.com/spec-kit/crm-chat-sync/internal/api/http/handlers"
	"github.com/spec-kit/crm-chat-sync/internal/auth"
	"github.com/spec-kit/crm-chat-sync/internal/broker"
	"github.com/spec-kit/crm-chat-sync/internal/config"
	"github.com/spec-kit/crm-chat-sync/internal/coordination"
	"github.com/spec-kit/crm-chat-sync/internal/crm"
	"github.com/spec-kit/crm-chat-sync/internal/domain"
	"github.com/spec-kit/crm-chat-sync/internal/events"
	"github.com/spec-kit/crm-chat-sync/internal/notes"
	"github.com/spec-kit/crm-chat-sync/internal/observability"
	"github.com/spec-kit/crm-chat-sync/internal/persistence"
	"github.com/spec-kit/crm-chat-sync/internal/repository"
	"github.com/spec-kit/crm-chat-sync/internal/service"
	"github.com/spec-kit/crm-chat-sync/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), "migrations", logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis, err := persistence.NewRedis(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("failed to connect redis", zap.Error(err))
	}
	defer redis.Close()

	pool := pg.PoolHandle()
	companyRepo := repository.NewCompanyConfigRepository(pool)
	channelRepo := repository.NewChannelMappingRepository(pool)
	operatorRepo := repository.NewOperatorRepository(pool)

	store := coordination.NewRedisStore(redis.Client)
	keys := coordination.NewKeys(cfg.Redis.KeyPrefix, cfg.Sync.CompanyID)
	metrics := observability.NewMetrics(store, keys.Metrics(), logger)
	index := repository.NewConversationIndex(redis.Client, keys, cfg.Sync.MessageLogTTL())

	crmClient := crm.NewClient(crm.ClientOptions{
		BaseURL:       crmBaseURL(ctx, cfg, companyRepo, logger),
		TokenProvider: crm.StaticToken(cfg.CRM.APIToken),
		Timeout:       cfg.CRM.Timeout(),
		UserAgent:     cfg.CRM.UserAgent,
		MaxRetries:    cfg.CRM.MaxRetries,
	})

	// the lease is renewed before each CRM call, so it must outlast one call with retries
	if worst := cfg.CRM.Timeout() * time.Duration(cfg.CRM.MaxRetries+1); cfg.Sync.LockLease() <= worst {
		logger.Warn("SYNC_LOCK_LEASE_SECONDS does not cover a worst-case CRM call",
			zap.Duration("lease", cfg.Sync.LockLease()),
			zap.Duration("crm_worst_case", worst))
	}

	flusher := service.NewNoteFlusher(store, keys, crmClient, service.NoteFlusherConfig{
		Window: notes.WindowConfig{
			BaseMinutes: cfg.Sync.NoteWindowBaseMinutes,
			MinMinutes:  cfg.Sync.NoteWindowMinMinutes,
			MaxMinutes:  cfg.Sync.NoteWindowMaxMinutes,
		},
		LockLease:   cfg.Sync.LockLease(),
		MaxBytes:    cfg.Sync.NoteMaxBytes,
		MaxMessages: cfg.Sync.NoteMaxMessages,
		DrainBatch:  cfg.Sync.NoteDrainBatch,
		MarkerTTL:   cfg.Sync.DedupeTTL(),
		FlushDelay:  cfg.Sync.FlushDelay(),
		MaxRetries:  cfg.Sync.FlushMaxRetries,
	}, metrics, logger.Named("notes"))

	people := service.NewPersonResolver(crmClient, store, keys, 0, logger.Named("persons"))
	syncDispatcher := service.NewSyncDispatcher(
		service.SyncDispatcherConfig{
			FallbackEnabled: cfg.Sync.FallbackNotesEnabled,
			DedupeTTL:       cfg.Sync.DedupeTTL(),
		},
		service.SyncDispatcherDependencies{
			Channels:   channelRepo,
			ChannelAPI: crmClient,
			Notes:      flusher,
			People:     people,
			Store:      store,
			Keys:       keys,
			Metrics:    metrics,
			Logger:     logger.Named("sync"),
		},
	)

	bridge := service.NewBridgeService(service.BridgeConfig{
		CompanyID:       cfg.Sync.CompanyID,
		Mode:            domain.ParseSyncMode(cfg.Sync.Mode),
		InboundEnabled:  cfg.Sync.InboundEnabled,
		OutboundEnabled: cfg.Sync.OutboundEnabled,
		SelfEchoTTL:     cfg.Sync.SelfEchoTTL(),
		LinkPattern:     cfg.Sync.ConversationLinkPattern,
	}, service.BridgeDependencies{
		Index:     index,
		Store:     store,
		Keys:      keys,
		Syncer:    syncDispatcher,
		Companies: companyRepo,
		Metrics:   metrics,
		Logger:    logger.Named("bridge"),
	})

	dispatcher := events.NewInMemoryDispatcher(logger.Named("events"))
	bridge.RegisterHandlers(dispatcher)

	authService := service.NewAuthService(cfg.Auth, operatorRepo)
	if err := authService.EnsureAdmin(ctx, cfg.Auth.BootstrapAdminEmail, cfg.Auth.BootstrapAdminPassword, logger); err != nil {
		logger.Fatal("failed to bootstrap admin", zap.Error(err))
	}
	authMiddleware := auth.NewAuthMiddleware(authService.TokenManager(), operatorRepo)

	adminService := service.NewAdminService(cfg.Sync.CompanyID, domain.CompanyConfig{
		Enabled:     true,
		DefaultMode: domain.ParseSyncMode(cfg.Sync.Mode),
	}, companyRepo, channelRepo)
	conversationService := service.NewConversationService(index, flusher)

	flushWorker := worker.NewFlushWorker(store, keys, flusher, cfg.Sync.FlushPollInterval(), logger)
	flushWorker.Start(ctx)
	defer flushWorker.Stop()

	var consumer *broker.Consumer
	if cfg.Broker.URL != "" {
		conn, err := broker.DialWithRetry(ctx, broker.DialOptions{URL: cfg.Broker.URL, Logger: logger})
		if err != nil {
			logger.Fatal("failed to connect broker", zap.Error(err))
		}
		defer conn.Close()
		consumer, err = broker.NewConsumer(conn, cfg.Broker, dispatcher, metrics, logger)
		if err != nil {
			logger.Fatal("failed to set up broker consumer", zap.Error(err))
		}
		if err := consumer.Start(ctx); err != nil {
			logger.Fatal("failed to start broker consumer", zap.Error(err))
		}
	} else {
		logger.Info("BROKER_URL not set; accepting chat events over webhook only")
	}

	app := fiber.New(fiber.Config{AppName: cfg.App.Name, DisableStartupMessage: true})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redis),
		Webhook:        handlers.NewWebhookHandler(dispatcher, cfg.App.WebhookSecret, metrics),
		Auth:           handlers.NewAuthHandler(authService),
		Admin:          handlers.NewAdminHandler(adminService, bridge, metrics),
		Conversations:  handlers.NewConversationsHandler(conversationService),
		AuthMiddleware: authMiddleware,
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()
	logger.Info("service started", zap.String("addr", cfg.App.Addr()), zap.String("company", cfg.Sync.CompanyID))

	waitForShutdown(logger)

	cancel()
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Warn("broker consumer close", zap.Error(err))
		}
	}
	_ = app.ShutdownWithTimeout(10 * time.Second)
}

// crmBaseURL prefers CRM_BASE_URL and falls back to the domain stored in the
// company config.
func crmBaseURL(ctx context.Context, cfg *config.Config, companies repository.CompanyConfigRepository, logger *zap.Logger) string {
	if cfg.CRM.BaseURL != "" {
		return cfg.CRM.BaseURL
	}
	company, err := companies.Get(ctx, cfg.Sync.CompanyID)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			logger.Warn("company config unavailable at startup", zap.Error(err))
		}
		return ""
	}
	domainName := strings.TrimSpace(company.CRMDomain)
	if domainName == "" {
		return ""
	}
	if !strings.HasPrefix(domainName, "http") {
		domainName = "https://" + domainName
	}
	return strings.TrimRight(domainName, "/") + "/api/v1"
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
