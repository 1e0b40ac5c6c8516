package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/yairfalse/kartta/types"
)

// redisClient is the part of redis.UniversalClient the publisher uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Redis publishes JSON snapshots on a pub/sub channel. Subscribers
// that need a single session filter on session_id.
type Redis struct {
	client  redisClient
	channel string
}

// RedisOptions configures the connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// NewRedis connects to Redis and checks the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", opts.Addr, err)
	}
	return &Redis{client: client, channel: opts.Channel}, nil
}

// Message is the wire form of a snapshot.
type Message struct {
	Type     string                  `json:"type"`
	Progress types.DiscoveryProgress `json:"progress"`
}

// Publish implements Publisher.
func (r *Redis) Publish(ctx context.Context, p types.DiscoveryProgress) error {
	data, err := json.Marshal(Message{Type: "progress", Progress: p})
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}
	return nil
}

// Close implements Publisher.
func (r *Redis) Close() error {
	return r.client.Close()
}
