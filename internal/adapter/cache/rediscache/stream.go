package rediscache

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openclaw/openclaw-cloud/internal/domain"
)

// UsageStream is the durable append-only stream carrying per-call usage
// records from the proxy's request path to the batching consumer. Fields are
// string-typed on the wire.
type UsageStream struct {
	rdb    *redis.Client
	stream string
}

// NewUsageStream constructs a publisher/reader for the given stream key.
func NewUsageStream(rdb *redis.Client, stream string) *UsageStream {
	return &UsageStream{rdb: rdb, stream: stream}
}

// Publish appends one usage record.
func (s *UsageStream) Publish(ctx domain.Context, rec domain.UsageRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"customer_id":       rec.CustomerID,
			"box_id":            rec.BoxID,
			"model":             rec.Model,
			"prompt_tokens":     strconv.FormatInt(rec.PromptTokens, 10),
			"completion_tokens": strconv.FormatInt(rec.CompletionTokens, 10),
			"request_id":        rec.RequestID,
			"ts":                strconv.FormatInt(at.Unix(), 10),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("op=usage_stream.publish: %w", err)
	}
	return nil
}

// EnsureGroup creates the consumer group at the start of the stream,
// creating the stream itself when absent. An existing group is fine.
func (s *UsageStream) EnsureGroup(ctx domain.Context, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("op=usage_stream.ensure_group: %w", err)
	}
	return nil
}

// Entry is one pending stream entry.
type Entry struct {
	ID     string
	Record domain.UsageRecord
}

// ReadBatch blocks up to block for at most count entries on behalf of the
// named consumer. An empty slice means the block elapsed quietly.
func (s *UsageStream) ReadBatch(ctx domain.Context, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{s.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=usage_stream.read: %w", err)
	}
	var out []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			out = append(out, Entry{ID: msg.ID, Record: recordFromValues(msg.Values)})
		}
	}
	return out, nil
}

// Ack acknowledges processed entry ids for the group.
func (s *UsageStream) Ack(ctx domain.Context, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.rdb.XAck(ctx, s.stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("op=usage_stream.ack: %w", err)
	}
	return nil
}

func recordFromValues(values map[string]any) domain.UsageRecord {
	rec := domain.UsageRecord{
		CustomerID: str(values["customer_id"]),
		BoxID:      str(values["box_id"]),
		Model:      str(values["model"]),
		RequestID:  str(values["request_id"]),
	}
	rec.PromptTokens, _ = strconv.ParseInt(str(values["prompt_tokens"]), 10, 64)
	rec.CompletionTokens, _ = strconv.ParseInt(str(values["completion_tokens"]), 10, 64)
	if ts, err := strconv.ParseInt(str(values["ts"]), 10, 64); err == nil && ts > 0 {
		rec.At = time.Unix(ts, 0).UTC()
	}
	return rec
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
