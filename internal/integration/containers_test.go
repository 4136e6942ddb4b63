//go:build integration

// Package integration spins up real Postgres and Redis containers and runs
// the storage and queue adapters against them. Guarded behind the
// integration tag; run with `go test -tags integration ./internal/integration`.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/openclaw/openclaw-cloud/internal/adapter/queue/redisq"
	"github.com/openclaw/openclaw-cloud/internal/adapter/repo/postgres"
	"github.com/openclaw/openclaw-cloud/internal/domain"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "openclaw"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(90 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return "postgres://postgres:postgres@" + host + ":" + port.Port() + "/openclaw?sslmode=disable"
}

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { _ = rdb.Close() })
	require.Eventually(t, func() bool { return rdb.Ping(ctx).Err() == nil }, 30*time.Second, time.Second)
	return rdb
}

func TestUsagePipelineAgainstPostgres(t *testing.T) {
	ctx := context.Background()
	dsn := startPostgres(t)

	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, postgres.Migrate(ctx, pool))

	customers := postgres.NewCustomerRepo(pool)
	subs := postgres.NewSubscriptionRepo(pool)
	boxes := postgres.NewBoxRepo(pool)
	usage := postgres.NewUsageRepo(pool)

	now := time.Now().UTC()
	periodStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)

	require.NoError(t, customers.Create(ctx, domain.Customer{ID: "cust-it", Email: "it@example.com", CreatedAt: now}))
	require.NoError(t, subs.Create(ctx, domain.Subscription{
		ID: "sub-it", CustomerID: "cust-it", StripeSubscriptionID: "sub_stripe_it",
		Tier: domain.TierStarter, Status: domain.SubscriptionActive, TokensLimit: 1_000_000,
		CurrentPeriodStart: periodStart, CurrentPeriodEnd: periodEnd,
	}))
	require.NoError(t, boxes.Create(ctx, domain.Box{
		ID: "box-it", CustomerID: "cust-it", SubscriptionID: "sub-it",
		Namespace: "customer-cust-it", Status: domain.BoxPending, CreatedAt: now,
	}))
	require.NoError(t, usage.CreateBucket(ctx, domain.UsageMonthly{
		ID: "bucket-it", CustomerID: "cust-it",
		PeriodStart: periodStart, PeriodEnd: periodEnd, TokensLimit: 1_000_000,
	}))

	events := []domain.UsageEvent{{
		CustomerID: "cust-it", BoxID: "box-it", Model: "kimi-coding/k2p5",
		PromptTokens: 120, CompletionTokens: 80, TotalTokens: 200,
		RequestID: "req-it-1", CreatedAt: now,
	}}
	require.NoError(t, usage.ApplyBatch(ctx, events, map[string]int64{"cust-it": 200}))

	// A replay of the same request id must not double-count.
	require.NoError(t, usage.ApplyBatch(ctx, events, map[string]int64{"cust-it": 200}))

	bucket, err := usage.GetBucket(ctx, "cust-it", now)
	require.NoError(t, err)
	require.Equal(t, int64(400), bucket.TokensUsed)

	snap, err := usage.CurrentLimit(ctx, "cust-it", now)
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000), snap.Limit)
	require.Equal(t, domain.TierStarter, snap.Tier)
}

func TestJobQueueAgainstRedis(t *testing.T) {
	ctx := context.Background()
	rdb := startRedis(t)

	producer := redisq.NewProducer(rdb, "it:jobs")
	consumer := redisq.NewConsumer(rdb, "it:jobs", time.Second)

	recovered, err := consumer.Recover(ctx)
	require.NoError(t, err)
	require.Zero(t, recovered)

	require.NoError(t, producer.Enqueue(ctx, domain.JobEnvelope{
		Type:       domain.JobProvision,
		CustomerID: "cust-it",
		BoxID:      "box-it",
	}))

	msg, err := consumer.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, domain.JobProvision, msg.Envelope.Type)
	require.Equal(t, "cust-it", msg.Envelope.CustomerID)
	require.NotEmpty(t, msg.Envelope.JobID)

	// Unacked envelopes survive a consumer restart via the processing list.
	restarted := redisq.NewConsumer(rdb, "it:jobs", time.Second)
	n, err := restarted.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	msg, err = restarted.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NoError(t, restarted.Ack(ctx, msg))

	msg, err = restarted.Next(ctx)
	require.NoError(t, err)
	require.Nil(t, msg)
}
