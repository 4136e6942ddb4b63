package redisq_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/openclaw-cloud/internal/adapter/queue/redisq"
	"github.com/openclaw/openclaw-cloud/internal/domain"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestQueue_RoundTrip(t *testing.T) {
	_, rdb := newRedis(t)
	p := redisq.NewProducer(rdb, "operator:jobs")
	c := redisq.NewConsumer(rdb, "operator:jobs", 100*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, p.Enqueue(ctx, domain.JobEnvelope{Type: domain.JobProvision, CustomerID: "c1"}))

	msg, err := c.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, domain.JobProvision, msg.Envelope.Type)
	require.Equal(t, "c1", msg.Envelope.CustomerID)
	require.NotEmpty(t, msg.Envelope.JobID)

	// In flight on the processing list until acked.
	require.Equal(t, int64(1), rdb.LLen(ctx, "operator:jobs:processing").Val())
	require.NoError(t, c.Ack(ctx, msg))
	require.Equal(t, int64(0), rdb.LLen(ctx, "operator:jobs:processing").Val())
}

func TestQueue_FIFO(t *testing.T) {
	_, rdb := newRedis(t)
	p := redisq.NewProducer(rdb, "operator:jobs")
	c := redisq.NewConsumer(rdb, "operator:jobs", 100*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, p.Enqueue(ctx, domain.JobEnvelope{JobID: "j1", Type: domain.JobSuspend, CustomerID: "c1"}))
	require.NoError(t, p.Enqueue(ctx, domain.JobEnvelope{JobID: "j2", Type: domain.JobReactivate, CustomerID: "c1"}))

	first, err := c.Next(ctx)
	require.NoError(t, err)
	second, err := c.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "j1", first.Envelope.JobID)
	require.Equal(t, "j2", second.Envelope.JobID)
}

func TestQueue_NextTimeoutReturnsNil(t *testing.T) {
	_, rdb := newRedis(t)
	c := redisq.NewConsumer(rdb, "operator:jobs", 50*time.Millisecond)
	msg, err := c.Next(context.Background())
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestQueue_RecoverRequeuesInFlight(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	raw, _ := json.Marshal(domain.JobEnvelope{JobID: "j1", Type: domain.JobDestroy, CustomerID: "c1"})
	require.NoError(t, rdb.RPush(ctx, "operator:jobs:processing", raw).Err())

	c := redisq.NewConsumer(rdb, "operator:jobs", 100*time.Millisecond)
	n, err := c.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	msg, err := c.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, "j1", msg.Envelope.JobID)
}

func TestQueue_LegacyJobTypeField(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	require.NoError(t, rdb.RPush(ctx, "operator:jobs", `{"job_id":"j1","job_type":"suspend","customer_id":"c1"}`).Err())

	c := redisq.NewConsumer(rdb, "operator:jobs", 100*time.Millisecond)
	msg, err := c.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, domain.JobSuspend, msg.Envelope.Type)
}

func TestQueue_MalformedEnvelopeAckedNotRequeued(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	require.NoError(t, rdb.RPush(ctx, "operator:jobs", "{not json").Err())

	c := redisq.NewConsumer(rdb, "operator:jobs", 100*time.Millisecond)
	_, err := c.Next(ctx)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	require.Equal(t, int64(0), rdb.LLen(ctx, "operator:jobs").Val())
	require.Equal(t, int64(0), rdb.LLen(ctx, "operator:jobs:processing").Val())
}
