// Command api serves the internal control-plane surface: provisioning,
// box lifecycle actions, listings and the agent heartbeat. It also owns
// schema migrations at startup.
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
	cfg, err := config.LoadAPI()
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

	if cfg.MigrateOnStart {
		if err := postgres.Migrate(ctx, pool); err != nil {
			slog.Error("migrations failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url invalid", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	lifecycle := &usecase.ProvisioningService{
		Customers: postgres.NewCustomerRepo(pool),
		Subs:      postgres.NewSubscriptionRepo(pool),
		Boxes:     postgres.NewBoxRepo(pool),
		Usage:     postgres.NewUsageRepo(pool),
		Tokens:    postgres.NewProxyTokenRepo(pool),
		Audit:     postgres.NewJobAuditRepo(pool),
		Queue:     redisq.NewProducer(rdb, cfg.JobQueue),
	}
	admin := &httpserver.AdminServer{Lifecycle: lifecycle}

	handler := app.BuildAPIRouter(cfg, admin,
		app.ReadyzHandler(app.DBCheck(pool), app.RedisCheck(rdb)))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}
	go func() {
		slog.Info("api listening", slog.Int("port", cfg.Port))
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
	slog.Info("api stopped")
}
