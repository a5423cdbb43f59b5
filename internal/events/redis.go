package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// StreamPublisher appends events to a Redis Stream for downstream
// consumers (notification service, analytics). Failures are logged and
// dropped — the stream is a derived feed, the trade log is the source of
// truth.
type StreamPublisher struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

// NewStreamPublisher creates a publisher appending to the given stream,
// trimmed approximately to maxLen entries.
func NewStreamPublisher(rdb *redis.Client, stream string, maxLen int64) *StreamPublisher {
	return &StreamPublisher{rdb: rdb, stream: stream, maxLen: maxLen}
}

// Publish implements Publisher.
func (p *StreamPublisher) Publish(ctx context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("event marshal failed", "type", e.Type, "err", err)
		return
	}

	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    e.Type,
			"payload": string(data),
		},
	}).Err()
	if err != nil {
		slog.Error("event publish failed", "type", e.Type, "stream", p.stream, "err", err)
	}
}
