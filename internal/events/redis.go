// Package events fans engine events out to Redis pub/sub so other processes
// (notification workers, additional API replicas) can observe job progress.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pullbox/backend/internal/engine"
	"github.com/pullbox/backend/internal/logger"
)

const (
	// Redis channel prefix for per-owner event streams
	channelPrefix = "pullbox:events:"

	publishTimeout = 2 * time.Second
)

// RedisSink publishes engine events to a per-owner Redis channel. Delivery
// is best-effort: a publish failure is logged, never surfaced to the engine.
type RedisSink struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedisSink creates a sink connected to the given Redis URL.
func NewRedisSink(redisURL string) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisSink{
		client: client,
		log:    logger.Default().WithComponent("events"),
	}, nil
}

// Close closes the Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Channel returns the pub/sub channel name for an owner.
func Channel(owner string) string {
	return channelPrefix + owner
}

// Publish implements engine.Sink.
func (s *RedisSink) Publish(event engine.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.log.Error(context.Background(), "failed to marshal event", err, map[string]interface{}{
			"type": string(event.Type),
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := s.client.Publish(ctx, Channel(event.Owner), data).Err(); err != nil {
		s.log.Warn(ctx, "failed to publish event to redis", map[string]interface{}{
			"type":  string(event.Type),
			"error": err.Error(),
		})
	}
}

// Subscribe returns a channel of raw event payloads for one owner. The
// subscription ends when ctx is canceled.
func (s *RedisSink) Subscribe(ctx context.Context, owner string) (<-chan []byte, error) {
	sub := s.client.Subscribe(ctx, Channel(owner))

	// Force the subscription to be established before returning.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
