package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes events as JSON on a Redis pub/sub channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink connects lazily to the server at redisURL. The connection is
// not checked here so a missing broker never delays startup.
func NewRedisSink(redisURL, channel string) (*RedisSink, error) {
	if channel == "" {
		return nil, fmt.Errorf("redis channel is required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &RedisSink{client: redis.NewClient(opts), channel: channel}, nil
}

func (s *RedisSink) Name() string { return "redis" }

// Send publishes ev. Having no subscribers is not an error.
func (s *RedisSink) Send(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", s.channel, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
