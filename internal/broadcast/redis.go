package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events as JSON envelopes over redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(redisURL string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisPublisher{client: client}, nil
}

// NewRedisPublisherWithClient wraps an existing client.
func NewRedisPublisherWithClient(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// envelope is the on-wire shape subscribers decode.
type envelope struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

func (p *RedisPublisher) Publish(ctx context.Context, topic, eventName string, payload map[string]any) error {
	encoded, err := json.Marshal(envelope{Event: eventName, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode event %s: %w", eventName, err)
	}
	if err := p.client.Publish(ctx, topic, encoded).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", eventName, topic, err)
	}
	return nil
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
