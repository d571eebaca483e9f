package changebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Redis is a Bus shared by every API process connected to the same server.
type Redis struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client: client,
		prefix: "draftsync:changes:",
		logger: logger,
	}
}

func (r *Redis) channel(topic string) string {
	return r.prefix + topic
}

func (r *Redis) Publish(ctx context.Context, topic string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(topic), data).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Subscribe returns once the server has confirmed the subscription, so no
// message published after it returns is missed.
func (r *Redis) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	ps := r.client.Subscribe(ctx, r.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe changes: %w", err)
	}

	sub := newSubscription(topic, ps.Close)
	ch := ps.Channel()
	go func() {
		for raw := range ch {
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				r.logger.Warn("drop malformed change", "topic", topic, "error", err)
				continue
			}
			sub.enqueue(msg)
		}
	}()
	return sub, nil
}
