package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agencyworks/billing-reconciler/api/controllers"
	"github.com/agencyworks/billing-reconciler/api/routes"
	"github.com/agencyworks/billing-reconciler/internal/billing"
	"github.com/agencyworks/billing-reconciler/internal/dispatcher"
	"github.com/agencyworks/billing-reconciler/internal/subscriptions"
	stripewebhook "github.com/agencyworks/billing-reconciler/internal/webhooks/stripe"
	"github.com/agencyworks/billing-reconciler/pkg/config"
	"github.com/agencyworks/billing-reconciler/pkg/db"
	"github.com/agencyworks/billing-reconciler/pkg/instance"
	"github.com/agencyworks/billing-reconciler/pkg/logger"
	"github.com/agencyworks/billing-reconciler/pkg/metrics"
	"github.com/agencyworks/billing-reconciler/pkg/migrate"
	"github.com/agencyworks/billing-reconciler/pkg/outbox"
	"github.com/agencyworks/billing-reconciler/pkg/redis"
	"github.com/agencyworks/billing-reconciler/pkg/stripe"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var onCommit func()
	if cfg.FeatureFlags.InlineEffects {
		alerter, closeAlerter, err := dispatcher.AlerterFromConfig(ctx, cfg, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap alerting", err)
			os.Exit(1)
		}
		defer func() {
			if err := closeAlerter(); err != nil {
				logg.Error(context.Background(), "error closing alert publisher", err)
			}
		}()
		effects, err := dispatcher.Bootstrap(ctx, dispatcher.BootstrapParams{
			Config:     cfg,
			Logger:     logg,
			DB:         dbClient,
			Redis:      redisClient,
			Alerter:    alerter,
			Registerer: prometheus.DefaultRegisterer,
		})
		if err != nil {
			logg.Error(context.Background(), "failed to create inline dispatcher", err)
			os.Exit(1)
		}
		onCommit = effects.Wake
		go func() {
			if err := effects.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logg.Error(ctx, "inline dispatcher stopped unexpectedly", err)
			}
		}()
		logg.Info(ctx, "inline side effect dispatcher enabled")
	}

	billingRepo := billing.NewRepository(dbClient.DB())
	billingService, err := billing.NewService(billing.ServiceParams{
		Repo:     billingRepo,
		Guard:    billing.NewGuard(dbClient.DB()),
		Outbox:   outbox.NewService(outbox.NewRepository(dbClient.DB()), logg),
		TxRunner: dbClient,
		Logger:   logg,
		OnCommit: onCommit,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create billing service", err)
		os.Exit(1)
	}

	stripeClient, err := stripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap stripe client", err)
		os.Exit(1)
	}
	verifier, err := stripewebhook.NewVerifier(stripeClient.SigningSecret(), stripeClient.Tolerance())
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook verifier", err)
		os.Exit(1)
	}
	webhookService, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		Verifier:  verifier,
		Processor: billingService,
		Metrics:   metrics.NewWebhookMetrics(prometheus.DefaultRegisterer),
		Logger:    logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook service", err)
		os.Exit(1)
	}

	subscriptionService, err := subscriptions.NewService(billingRepo)
	if err != nil {
		logg.Error(context.Background(), "failed to create subscription service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.ID(),
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.RouterParams{
			Config: cfg,
			Logger: logg,
			Readiness: []controllers.Dependency{
				{Name: "db", Pinger: dbClient},
				{Name: "redis", Pinger: redisClient},
			},
			Gatherer:      prometheus.DefaultGatherer,
			Webhooks:      webhookService,
			Billing:       billingService,
			Subscriptions: subscriptionService,
			DeadLetters:   outbox.NewDLQRepository(dbClient.DB()),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(shutdownCtx, "api server shutdown failed", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "api server shut down gracefully")
}
