// Command billing terminates provider webhooks and reduces them onto
// customers, subscriptions and usage buckets, enqueueing lifecycle jobs for
// the operator as side effects.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/openclaw/openclaw-cloud/internal/adapter/httpserver"
	"github.com/openclaw/openclaw-cloud/internal/adapter/observability"
	"github.com/openclaw/openclaw-cloud/internal/adapter/queue/redisq"
	"github.com/openclaw/openclaw-cloud/internal/adapter/repo/postgres"
	"github.com/openclaw/openclaw-cloud/internal/app"
	"github.com/openclaw/openclaw-cloud/internal/config"
	"github.com/openclaw/openclaw-cloud/internal/usecase"
)

func main() {
	cfg, err := config.LoadBilling()
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg.Base)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg.Base)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url invalid", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	billing := &usecase.BillingService{
		Customers: postgres.NewCustomerRepo(pool),
		Subs:      postgres.NewSubscriptionRepo(pool),
		Boxes:     postgres.NewBoxRepo(pool),
		Usage:     postgres.NewUsageRepo(pool),
		Tokens:    postgres.NewProxyTokenRepo(pool),
		Queue:     redisq.NewProducer(rdb, cfg.JobQueue),
	}
	webhook := &httpserver.WebhookServer{
		Billing:   billing,
		Secret:    cfg.StripeWebhookSecret,
		Tolerance: cfg.WebhookTolerance,
	}

	handler := app.BuildBillingRouter(cfg, webhook,
		app.ReadyzHandler(app.DBCheck(pool), app.RedisCheck(rdb)))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
	}
	go func() {
		slog.Info("billing listening", slog.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", slog.Any("error", err))
	}
	slog.Info("billing stopped")
}
