// Command operator consumes the lifecycle job queue and drives customer
// boxes against the Kubernetes cluster.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openclaw/openclaw-cloud/internal/adapter/k8s"
	"github.com/openclaw/openclaw-cloud/internal/adapter/lock/redislock"
	"github.com/openclaw/openclaw-cloud/internal/adapter/observability"
	"github.com/openclaw/openclaw-cloud/internal/adapter/proxyapi"
	"github.com/openclaw/openclaw-cloud/internal/adapter/queue/redisq"
	"github.com/openclaw/openclaw-cloud/internal/adapter/repo/postgres"
	"github.com/openclaw/openclaw-cloud/internal/app"
	"github.com/openclaw/openclaw-cloud/internal/config"
	"github.com/openclaw/openclaw-cloud/internal/usecase"
)

func main() {
	cfg, err := config.LoadOperator()
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

	restCfg, err := k8s.NewConfig(cfg.Kubeconfig)
	if err != nil {
		slog.Error("kubernetes config failed", slog.Any("error", err))
		os.Exit(1)
	}
	clientset, dyn, err := k8s.NewClients(restCfg)
	if err != nil {
		slog.Error("kubernetes clients failed", slog.Any("error", err))
		os.Exit(1)
	}
	cluster := k8s.NewCluster(clientset, k8s.Options{
		Image:             cfg.GatewayImage,
		PlatformNamespace: cfg.PlatformNamespace,
	})

	audit := postgres.NewJobAuditRepo(pool)
	svc := &usecase.OperatorService{
		Boxes:   postgres.NewBoxRepo(pool),
		Subs:    postgres.NewSubscriptionRepo(pool),
		Conns:   postgres.NewConnectionRepo(pool),
		Tokens:  proxyapi.New(cfg.TokenProxyURL, cfg.InternalAPIKey),
		Cluster: cluster,
		Audit:   audit,
		Locker:  redislock.New(rdb, cfg.LockLease, cfg.LockWait),
		Settings: usecase.OperatorSettings{
			TokenProxyURL:    cfg.TokenProxyURL,
			TelegramBotToken: cfg.TelegramBotToken,
			GatewayImage:     cfg.GatewayImage,
			NangoServerURL:   cfg.NangoServerURL,
			NangoSecretKey:   cfg.NangoSecretKey,
			AgentAPISecret:   cfg.AgentAPISecret,
			APIURL:           cfg.APIURL,
			WebURL:           cfg.WebURL,
			BrowserProxyURL:  cfg.BrowserProxyURL,
			PodReadyTimeout:  cfg.PodReadyTimeout,
			RolloutTimeout:   cfg.RolloutTimeout,
		},
	}

	sweeper := app.NewStuckJobSweeper(audit, cfg.LockLease, cfg.SweepInterval)
	go sweeper.Run(ctx)

	collector := &app.PodMetricsCollector{
		Source:    k8s.NewMetricsSource(dyn),
		Repo:      postgres.NewPodMetricsRepo(pool),
		Interval:  cfg.MetricsInterval,
		Retention: cfg.MetricsRetention,
	}
	go collector.Run(ctx)

	health := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HealthPort),
		Handler:           app.BuildOpsRouter(app.ReadyzHandler(app.DBCheck(pool), app.RedisCheck(rdb))),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := health.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server failed", slog.Any("error", err))
		}
	}()

	slog.Info("operator started", slog.String("queue", cfg.JobQueue))
	consumer := redisq.NewConsumer(rdb, cfg.JobQueue, time.Second)
	if err := svc.Run(ctx, consumer); err != nil && ctx.Err() == nil {
		slog.Error("dispatch loop failed", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = health.Shutdown(shutdownCtx)
	slog.Info("operator stopped")
}
