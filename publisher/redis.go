package publisher

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/did-credential-ledger/interfaces"
)

// streamWriter is the part of *redis.Client the sink uses.
type streamWriter interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// RedisStreamSink appends events to a Redis stream, trimmed approximately
// to maxLen entries when maxLen > 0.
type RedisStreamSink struct {
	client streamWriter
	stream string
	maxLen int64
}

// NewRedisStreamSink connects to the redis:// URL and pings it.
func NewRedisStreamSink(ctx context.Context, url, stream string, maxLen int64) (*RedisStreamSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}, nil
}

func (s *RedisStreamSink) Publish(ctx context.Context, ev interfaces.Event) error {
	msg, err := Encode(ev)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"seq":   msg.Headers["seq"],
			"kind":  msg.Headers["kind"],
			"key":   msg.Key,
			"event": string(msg.Payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd event %d: %w", ev.Seq, err)
	}
	return nil
}

func (s *RedisStreamSink) Name() string {
	return "redis:" + s.stream
}

func (s *RedisStreamSink) Close() error {
	return s.client.Close()
}
