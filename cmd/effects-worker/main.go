package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agencyworks/billing-reconciler/internal/dispatcher"
	"github.com/agencyworks/billing-reconciler/pkg/config"
	"github.com/agencyworks/billing-reconciler/pkg/db"
	"github.com/agencyworks/billing-reconciler/pkg/instance"
	"github.com/agencyworks/billing-reconciler/pkg/logger"
	"github.com/agencyworks/billing-reconciler/pkg/migrate"
	"github.com/agencyworks/billing-reconciler/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "effects-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "effects-worker"

	logg = logger.New(logger.Options{
		ServiceName: "effects-worker",
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

	alerter, closeAlerter, err := dispatcher.AlerterFromConfig(context.Background(), cfg, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap alerting", err)
		os.Exit(1)
	}
	defer func() {
		if err := closeAlerter(); err != nil {
			logg.Error(context.Background(), "error closing alert publisher", err)
		}
	}()

	service, err := dispatcher.Bootstrap(context.Background(), dispatcher.BootstrapParams{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		Redis:      redisClient,
		Alerter:    alerter,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create dispatcher", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.ID(),
	})

	if port := os.Getenv("PORT"); port != "" {
		go serveMetrics(ctx, logg, ":"+port)
	}

	logg.Info(ctx, "starting side effect dispatcher")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "side effect dispatcher stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "side effect dispatcher shutting down gracefully")
}

func serveMetrics(ctx context.Context, logg *logger.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "metrics server stopped", err)
	}
}
