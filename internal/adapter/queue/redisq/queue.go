// Package redisq implements the shared operator job queue on a Redis list.
//
// Producers RPUSH JSON envelopes onto the main list; the consumer moves one
// envelope at a time onto a per-queue processing list (BLMOVE) and removes it
// only after the handler has run, so a consumer crash never loses work. The
// producer side is at-least-once and handlers are idempotent per Kubernetes
// resource name.
package redisq

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/openclaw/openclaw-cloud/internal/adapter/observability"
	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// Producer enqueues job envelopes onto the shared queue.
type Producer struct {
	rdb   *redis.Client
	queue string
}

// NewProducer constructs a producer for the given list key.
func NewProducer(rdb *redis.Client, queue string) *Producer {
	return &Producer{rdb: rdb, queue: queue}
}

// Enqueue pushes one envelope, assigning a job id when the caller left it
// empty.
func (p *Producer) Enqueue(ctx domain.Context, env domain.JobEnvelope) error {
	tracer := otel.Tracer("queue.redisq")
	ctx, span := tracer.Start(ctx, "redisq.Enqueue")
	defer span.End()
	if env.JobID == "" {
		env.JobID = uuid.New().String()
	}
	if !env.Type.Known() {
		return fmt.Errorf("op=queue.enqueue: %w: job type %q", domain.ErrInvalidArgument, env.Type)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("op=queue.enqueue: %w", err)
	}
	if err := p.rdb.RPush(ctx, p.queue, raw).Err(); err != nil {
		return fmt.Errorf("op=queue.enqueue: %w", err)
	}
	observability.EnqueueJob(string(env.Type))
	return nil
}

// Message is one dequeued envelope plus the raw body needed to ack it.
type Message struct {
	Envelope domain.JobEnvelope
	raw      string
}

// Consumer drains the queue through a processing list.
type Consumer struct {
	rdb        *redis.Client
	queue      string
	processing string
	block      time.Duration
}

// NewConsumer constructs a consumer. The block timeout bounds each pop so
// shutdown stays responsive; 1 s when zero.
func NewConsumer(rdb *redis.Client, queue string, block time.Duration) *Consumer {
	if block <= 0 {
		block = time.Second
	}
	return &Consumer{
		rdb:        rdb,
		queue:      queue,
		processing: queue + ":processing",
		block:      block,
	}
}

// Recover moves envelopes a crashed worker left on the processing list back
// onto the main queue. Called once on startup, before the dispatch loop.
func (c *Consumer) Recover(ctx domain.Context) (int, error) {
	n := 0
	for {
		err := c.rdb.LMove(ctx, c.processing, c.queue, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("op=queue.recover: %w", err)
		}
		n++
	}
}

// Next blocks up to the configured timeout for one envelope. A nil message
// with a nil error means the timeout elapsed with the queue empty. Envelopes
// that do not parse are acked and reported as an error; requeueing them would
// only hot-loop.
func (c *Consumer) Next(ctx domain.Context) (*Message, error) {
	raw, err := c.rdb.BLMove(ctx, c.queue, c.processing, "LEFT", "RIGHT", c.block).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=queue.next: %w", err)
	}
	env, err := parseEnvelope([]byte(raw))
	if err != nil {
		_ = c.rdb.LRem(ctx, c.processing, 1, raw).Err()
		return nil, fmt.Errorf("op=queue.next: %w", err)
	}
	return &Message{Envelope: env, raw: raw}, nil
}

// Ack removes the envelope from the processing list once its handler has run
// (or once the consumer decided to drop it).
func (c *Consumer) Ack(ctx domain.Context, m *Message) error {
	if err := c.rdb.LRem(ctx, c.processing, 1, m.raw).Err(); err != nil {
		return fmt.Errorf("op=queue.ack: %w", err)
	}
	return nil
}

// parseEnvelope accepts both the current wire format and the legacy one
// where the type field was named job_type.
func parseEnvelope(raw []byte) (domain.JobEnvelope, error) {
	var wire struct {
		domain.JobEnvelope
		LegacyType domain.JobType `json:"job_type"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return domain.JobEnvelope{}, fmt.Errorf("%w: malformed envelope: %v", domain.ErrInvalidArgument, err)
	}
	env := wire.JobEnvelope
	if env.Type == "" {
		env.Type = wire.LegacyType
	}
	if env.JobID == "" {
		env.JobID = uuid.New().String()
	}
	if env.CustomerID == "" {
		return domain.JobEnvelope{}, fmt.Errorf("%w: envelope missing customer_id", domain.ErrInvalidArgument)
	}
	return env, nil
}
