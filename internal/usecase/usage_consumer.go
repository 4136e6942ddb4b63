package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw-cloud/internal/adapter/cache/rediscache"
	"github.com/openclaw/openclaw-cloud/internal/adapter/observability"
	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// usageSource is the consumer side of the usage stream; satisfied by
// rediscache.UsageStream.
type usageSource interface {
	EnsureGroup(ctx domain.Context, group string) error
	ReadBatch(ctx domain.Context, group, consumer string, count int64, block time.Duration) ([]rediscache.Entry, error)
	Ack(ctx domain.Context, group string, ids ...string) error
}

// UsageConsumer drains the usage stream in batches, applying each batch to
// the store in one transaction before acking. A failed batch is never acked,
// so the stream redelivers it; the request-id dedup absorbs the replay.
type UsageConsumer struct {
	Stream   usageSource
	Usage    domain.UsageRepository
	Limits   domain.LimitCache
	Group    string
	Consumer string
	Batch    int64
	Block    time.Duration
}

// Run consumes until ctx is cancelled. A batch in flight at shutdown stays
// unacked; the stream redelivers it to the next consumer and the request-id
// dedup absorbs the replay.
func (c *UsageConsumer) Run(ctx domain.Context) error {
	if err := c.Stream.EnsureGroup(ctx, c.Group); err != nil {
		return fmt.Errorf("op=usage_consumer.run: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		entries, err := c.Stream.ReadBatch(ctx, c.Group, c.Consumer, c.Batch, c.Block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("usage stream read failed, backing off", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}
		if len(entries) == 0 {
			continue
		}
		if err := c.Flush(ctx, entries); err != nil {
			slog.Error("usage batch flush failed, leaving batch pending", slog.Any("error", err))
		}
	}
}

// Flush applies one batch: insert events, bump each customer's monthly
// counter, ack, then push the deltas into the limit cache so admission
// decisions catch up before the cache TTL does.
func (c *UsageConsumer) Flush(ctx domain.Context, entries []rediscache.Entry) error {
	events := make([]domain.UsageEvent, 0, len(entries))
	perCustomer := make(map[string]int64)
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
		rec := e.Record
		if rec.CustomerID == "" || rec.Total() <= 0 {
			continue
		}
		perCustomer[rec.CustomerID] += rec.Total()
		if rec.BoxID == "" {
			continue
		}
		requestID := rec.RequestID
		if requestID == "" {
			requestID = uuid.New().String()
		}
		events = append(events, domain.UsageEvent{
			CustomerID:       rec.CustomerID,
			BoxID:            rec.BoxID,
			Model:            rec.Model,
			PromptTokens:     rec.PromptTokens,
			CompletionTokens: rec.CompletionTokens,
			RequestID:        requestID,
			CreatedAt:        rec.At,
		})
	}

	if len(events) > 0 || len(perCustomer) > 0 {
		if err := c.Usage.ApplyBatch(ctx, events, perCustomer); err != nil {
			return fmt.Errorf("op=usage_consumer.flush: %w", err)
		}
	}
	if err := c.Stream.Ack(ctx, c.Group, ids...); err != nil {
		return fmt.Errorf("op=usage_consumer.flush: %w", err)
	}
	observability.UsageEventsFlushedTotal.Add(float64(len(entries)))

	for customerID, delta := range perCustomer {
		if err := c.Limits.Add(ctx, customerID, delta); err != nil {
			slog.Warn("limit cache bump failed", slog.String("customer_id", customerID), slog.Any("error", err))
		}
	}
	return nil
}
