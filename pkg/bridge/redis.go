package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Redis carries bridge traffic over redis pub/sub.
type Redis struct {
	client *redis.Client
}

// DialRedis connects and pings the server so a bad address fails at startup.
func DialRedis(ctx context.Context, addr string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	slog.Info("Connected to redis", "addr", addr)
	return &Redis{client: rdb}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error) {
	pubsub := r.client.Subscribe(ctx, channel)
	// wait for the subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	out := make(chan []byte)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, pubsub.Close, nil
}
