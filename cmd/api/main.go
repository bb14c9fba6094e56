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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/luciadecode/lucia-billing/api/routes"
	"github.com/luciadecode/lucia-billing/internal/checkout"
	"github.com/luciadecode/lucia-billing/internal/quota"
	"github.com/luciadecode/lucia-billing/internal/tiers"
	"github.com/luciadecode/lucia-billing/internal/users"
	stripewebhook "github.com/luciadecode/lucia-billing/internal/webhooks/stripe"
	"github.com/luciadecode/lucia-billing/pkg/config"
	"github.com/luciadecode/lucia-billing/pkg/db"
	"github.com/luciadecode/lucia-billing/pkg/logger"
	"github.com/luciadecode/lucia-billing/pkg/metrics"
	"github.com/luciadecode/lucia-billing/pkg/migrate"
	"github.com/luciadecode/lucia-billing/pkg/redis"
	"github.com/luciadecode/lucia-billing/pkg/secrets"
	"github.com/luciadecode/lucia-billing/pkg/stripe"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "lucia-billing"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "lucia-billing",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logg); err != nil {
		logg.Error(context.Background(), "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) error {
	dbClient, err := db.New(ctx, cfg.DB, cfg.FeatureFlags.UseSQLite, logg)
	if err != nil {
		return err
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return err
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = redis.New(ctx, cfg.Redis, logg)
		if err != nil {
			return err
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
	} else {
		logg.Warn(ctx, "redis not configured; idempotency replay and rate limiting disabled")
	}

	loader := secrets.NewLoader(secrets.Options{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		SecretARN:     cfg.Stripe.SecretARN,
		Region:        cfg.AWS.Region,
	})
	stripeClient, err := stripe.NewClient(cfg.Stripe, loader, logg)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	resolver := tiers.NewResolver(tiers.NewPriceTable(cfg.Prices))
	userRepo := users.NewRepository(dbClient.DB(), users.WithOrderingGuard(cfg.Webhooks.OrderingGuard))

	eventLog, err := newEventLog(cfg, dbClient, redisClient)
	if err != nil {
		return err
	}

	processor, err := stripewebhook.NewProcessor(stripewebhook.ProcessorParams{
		Provider: stripeClient,
		Users:    userRepo,
		EventLog: eventLog,
		Resolver: resolver,
		Metrics:  metrics.NewWebhookMetrics(registry),
		Logger:   logg,
	})
	if err != nil {
		return err
	}

	checkoutService, err := checkout.NewService(checkout.ServiceParams{
		Gateway:         stripeClient,
		Resolver:        resolver,
		SuccessURL:      cfg.Stripe.SuccessURL,
		CancelURL:       cfg.Stripe.CancelURL,
		PortalReturnURL: cfg.Stripe.PortalReturnURL,
		Metrics:         metrics.NewCheckoutMetrics(registry),
		Logger:          logg,
	})
	if err != nil {
		return err
	}

	usageService, err := quota.NewService(userRepo)
	if err != nil {
		return err
	}

	deps := routes.Dependencies{
		DB:       dbClient,
		Stripe:   stripeClient,
		Checkout: checkoutService,
		Usage:    usageService,
		Webhooks: processor,
		Verifier: stripeClient,
		Gatherer: registry,
	}
	if redisClient != nil {
		deps.Redis = redisClient
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	logCtx := logg.WithFields(ctx, map[string]any{
		"env":        cfg.App.Env,
		"addr":       addr,
		"stripe_env": stripeClient.Environment(),
		"event_log":  cfg.Webhooks.EventLogBackend,
	})
	logg.Info(logCtx, "starting api server")

	server := &http.Server{
		Addr:              addr,
		Handler:           routes.NewRouter(cfg, logg, deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logg.Info(logCtx, "shutting down api server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newEventLog(cfg *config.Config, dbClient *db.Client, redisClient *redis.Client) (stripewebhook.EventLog, error) {
	if strings.EqualFold(strings.TrimSpace(cfg.Webhooks.EventLogBackend), config.EventLogBackendRedis) {
		if redisClient == nil {
			return nil, errors.New("redis event log selected but redis is not configured")
		}
		return stripewebhook.NewRedisEventLog(redisClient, cfg.Webhooks.EventLogTTL)
	}
	return stripewebhook.NewDBEventLog(dbClient.DB()), nil
}
