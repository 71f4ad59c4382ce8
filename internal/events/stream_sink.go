package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// StreamSink appends events to a capped Redis stream for downstream
// consumers.
type StreamSink struct {
	client    *redis.Client
	stream    string
	maxStream int64
}

func NewStreamSink(client *redis.Client, stream string, maxStream int64) *StreamSink {
	if maxStream <= 0 {
		maxStream = 10_000
	}
	return &StreamSink{client: client, stream: stream, maxStream: maxStream}
}

func (s *StreamSink) Publish(ctx context.Context, event Event) error {
	if s == nil || s.client == nil || s.stream == "" {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxStream,
		Approx: true,
		Values: map[string]any{
			"type":    string(event.Type),
			"payload": payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
