package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/isp-console/internal/api/http"
	"github.com/spec-kit/isp-console/internal/api/http/handlers"
	"github.com/spec-kit/isp-console/internal/auth"
	"github.com/spec-kit/isp-console/internal/config"
	"github.com/spec-kit/isp-console/internal/events"
	"github.com/spec-kit/isp-console/internal/gate"
	"github.com/spec-kit/isp-console/internal/identity"
	"github.com/spec-kit/isp-console/internal/observability"
	"github.com/spec-kit/isp-console/internal/persistence"
	"github.com/spec-kit/isp-console/internal/repository"
	"github.com/spec-kit/isp-console/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger, "api")
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
	if pg.PoolHandle() == nil {
		logger.Fatal("POSTGRES_DSN is required for the account store")
	}

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), persistence.DefaultMigrationsDir, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(cfg.Redis, logger)
	defer redis.Close()

	metrics := observability.NewMetrics()

	bridge := events.NewRedisBridge(redis.Client, events.NewInMemoryDispatcher(), logger, events.BridgeOptions{})
	var background conc.WaitGroup
	background.Go(func() {
		if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("session event bridge stopped", zap.Error(err))
		}
	})

	auditWorker := worker.NewAuditWorker(repository.NewSessionAuditRepository(pg.PoolHandle()), logger,
		worker.AuditOptions{Origin: bridge.Origin()})
	stopAudit := auditWorker.Start(bridge)

	var mailer identity.RecoveryMailer
	if cfg.App.Env == "development" {
		mailer = identity.NewLogMailer(logger, "/admin/update-password")
	} else {
		logger.Warn("no recovery mailer configured; recovery codes will not be delivered")
	}

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL())
	identityService := identity.NewService(identity.Dependencies{
		Accounts:  repository.NewAccountRepository(pg.PoolHandle()),
		Registry:  identity.NewRedisRegistry(redis.Client),
		Publisher: bridge,
		Mailer:    mailer,
	}, identity.Options{
		Tokens:      tokens,
		BcryptCost:  cfg.Auth.BcryptCost,
		RecoveryTTL: cfg.Auth.RecoveryTTL(),
	}, logger)

	gateOpts := gate.OptionsFromConfig(*cfg)
	edgeGate := gate.New([]byte(cfg.Auth.JWTSecret), gateOpts, logger, metrics)

	app := fiber.New(httptransport.AppConfig(cfg.App.Name))
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	healthHandler := handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, metrics,
		handlers.Dependency{Name: "postgres", Pinger: pg},
		handlers.Dependency{Name: "redis", Pinger: redis},
	)
	authHandler := handlers.NewAuthHandler(identityService, bridge, handlers.AuthOptions{Cookie: gateOpts.Cookie}, logger)

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:  healthHandler,
		Auth:    authHandler,
		Console: handlers.NewConsoleHandler(),
		Gate:    edgeGate,
		Zones:   gateOpts.Zones,
	})

	go func() {
		logger.Info("listening", zap.String("addr", cfg.App.Addr()), zap.String("env", cfg.App.Env))
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	authHandler.Close()
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	stopAudit()
	cancel()
	background.Wait()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
