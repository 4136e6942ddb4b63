// Command tokenproxy is the metered relay in front of the LLM vendor: it
// authenticates box tokens, enforces rate and monthly token limits, forwards
// completions and streams, and feeds the usage pipeline.
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

	"github.com/openclaw/openclaw-cloud/internal/adapter/cache/rediscache"
	"github.com/openclaw/openclaw-cloud/internal/adapter/httpserver"
	"github.com/openclaw/openclaw-cloud/internal/adapter/observability"
	"github.com/openclaw/openclaw-cloud/internal/adapter/repo/postgres"
	"github.com/openclaw/openclaw-cloud/internal/adapter/upstream"
	"github.com/openclaw/openclaw-cloud/internal/adapter/upstream/tokencount"
	"github.com/openclaw/openclaw-cloud/internal/app"
	"github.com/openclaw/openclaw-cloud/internal/config"
	"github.com/openclaw/openclaw-cloud/internal/service/ratelimiter"
	"github.com/openclaw/openclaw-cloud/internal/usecase"
)

func main() {
	cfg, err := config.LoadProxy()
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

	usageRepo := postgres.NewUsageRepo(pool)
	limitCache := rediscache.NewLimitCache(rdb, cfg.LimitCacheTTL)
	limits := usecase.NewLimitService(usageRepo, limitCache)
	tokens := &usecase.TokenService{
		Repo:  postgres.NewProxyTokenRepo(pool),
		Cache: rediscache.NewTokenCache(rdb, cfg.TokenCacheTTL),
	}
	stream := rediscache.NewUsageStream(rdb, cfg.UsageStream)

	proxy := &httpserver.ProxyServer{
		Auth:     tokens,
		Limits:   limits,
		Limiter:  ratelimiter.New(rdb, cfg.RateLimitRPS),
		Upstream: upstream.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, cfg.UpstreamTimeout),
		Usage:    stream,
		Counter:  tokencount.NewCounter(),
	}
	internal := &httpserver.InternalTokenServer{Tokens: tokens, Buckets: limits}

	consumer := &usecase.UsageConsumer{
		Stream:   stream,
		Usage:    usageRepo,
		Limits:   limitCache,
		Group:    cfg.UsageGroup,
		Consumer: cfg.UsageConsumer,
		Batch:    int64(cfg.UsageBatchSize),
		Block:    cfg.UsageBlock,
	}
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("usage consumer failed", slog.Any("error", err))
		}
	}()

	handler := app.BuildProxyRouter(cfg, proxy, internal,
		app.ReadyzHandler(app.DBCheck(pool), app.RedisCheck(rdb)))

	// WriteTimeout stays zero so server-sent event streams can outlive any
	// fixed deadline; the upstream client carries its own timeout.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}
	go func() {
		slog.Info("token proxy listening", slog.Int("port", cfg.Port))
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
	<-consumerDone
	slog.Info("token proxy stopped")
}
