package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agencyworks/billing-reconciler/internal/billing"
	"github.com/agencyworks/billing-reconciler/internal/cron"
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

const lockName = "cron-worker:%s"

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
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

	stripeClient, err := stripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap stripe client", err)
		os.Exit(1)
	}

	outboxRepo := outbox.NewRepository(dbClient.DB())
	billingRepo := billing.NewRepository(dbClient.DB())
	guard := billing.NewGuard(dbClient.DB())
	billingService, err := billing.NewService(billing.ServiceParams{
		Repo:     billingRepo,
		Guard:    guard,
		Outbox:   outbox.NewService(outboxRepo, logg),
		TxRunner: dbClient,
		Logger:   logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create billing service", err)
		os.Exit(1)
	}

	processedEvents, err := cron.NewProcessedEventRetentionJob(logg, guard, cfg.Retention.ProcessedEventDays)
	if err != nil {
		logg.Error(context.Background(), "failed to create processed event retention job", err)
		os.Exit(1)
	}
	intents, err := cron.NewIntentRetentionJob(logg, cron.PurgeFunc(outboxRepo.DeleteFinishedBefore), cfg.Retention.IntentDays)
	if err != nil {
		logg.Error(context.Background(), "failed to create intent retention job", err)
		os.Exit(1)
	}
	placeholders, err := cron.NewPlaceholderReconcileJob(cron.PlaceholderReconcileJobParams{
		Logger:    logg,
		Lister:    billingRepo,
		Processor: billingService,
		Lookup:    stripeClient,
		MaxAge:    cfg.Retention.PlaceholderMaxAge,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create placeholder reconcile job", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(fmt.Sprintf(lockName, envOrLocal(cfg.App.Env))), instance.ID(), 0)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg.Named("cron"),
		Registry: cron.NewRegistry(placeholders, processedEvents, intents),
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Retention.CronInterval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.ID(),
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func envOrLocal(env string) string {
	if env == "" {
		return "local"
	}
	return env
}
