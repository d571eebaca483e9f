package presence

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares presence across API processes. Each draft keeps a sorted set
// of session ids scored by last-seen unix millis; count changes are pushed
// on a per-draft channel.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewRedis(client *redis.Client, ttl time.Duration, now func() time.Time, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client: client,
		prefix: "draftsync:presence:",
		ttl:    ttl,
		now:    now,
		logger: logger,
	}
}

func (r *Redis) membersKey(draftID string) string {
	return r.prefix + draftID
}

func (r *Redis) indexKey() string {
	return r.prefix + "drafts"
}

func (r *Redis) countChannel(draftID string) string {
	return r.prefix + "count:" + draftID
}

func (r *Redis) score() float64 {
	return float64(r.now().UnixMilli())
}

// Join subscribes to count events before registering, so the joining
// session sees the count its own join produced.
func (r *Redis) Join(ctx context.Context, draftID, sessionID string) (*Session, error) {
	ps := r.client.Subscribe(ctx, r.countChannel(draftID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe presence: %w", err)
	}

	sess := newSession(draftID, sessionID)
	ch := ps.Channel()
	go func() {
		for msg := range ch {
			count, err := strconv.Atoi(msg.Payload)
			if err != nil {
				r.logger.Warn("drop malformed presence count", "draft_id", draftID, "error", err)
				continue
			}
			sess.deliver(count)
		}
	}()

	if err := r.register(ctx, draftID, sessionID); err != nil {
		_ = ps.Close()
		return nil, err
	}
	sess.heartbeat = func(ctx context.Context) error {
		return r.heartbeat(ctx, draftID, sessionID)
	}
	sess.leave = func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := r.remove(ctx, draftID, sessionID)
		if closeErr := ps.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("close presence subscription: %w", closeErr)
		}
		return err
	}
	return sess, nil
}

func (r *Redis) register(ctx context.Context, draftID, sessionID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, r.membersKey(draftID), redis.Z{Score: r.score(), Member: sessionID})
	pipe.SAdd(ctx, r.indexKey(), draftID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register presence: %w", err)
	}
	return r.publishCount(ctx, draftID)
}

func (r *Redis) heartbeat(ctx context.Context, draftID, sessionID string) error {
	added, err := r.client.ZAdd(ctx, r.membersKey(draftID), redis.Z{Score: r.score(), Member: sessionID}).Result()
	if err != nil {
		return fmt.Errorf("presence heartbeat: %w", err)
	}
	if added > 0 {
		if err := r.client.SAdd(ctx, r.indexKey(), draftID).Err(); err != nil {
			return fmt.Errorf("index presence: %w", err)
		}
		return r.publishCount(ctx, draftID)
	}
	return nil
}

func (r *Redis) remove(ctx context.Context, draftID, sessionID string) error {
	if err := r.client.ZRem(ctx, r.membersKey(draftID), sessionID).Err(); err != nil {
		return fmt.Errorf("leave presence: %w", err)
	}
	return r.publishCount(ctx, draftID)
}

func (r *Redis) publishCount(ctx context.Context, draftID string) error {
	count, err := r.Count(ctx, draftID)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.countChannel(draftID), strconv.FormatInt(count, 10)).Err(); err != nil {
		return fmt.Errorf("publish presence count: %w", err)
	}
	return nil
}

// Count reports the sessions on draftID, expired or not yet swept included.
func (r *Redis) Count(ctx context.Context, draftID string) (int64, error) {
	count, err := r.client.ZCard(ctx, r.membersKey(draftID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count presence: %w", err)
	}
	return count, nil
}

func (r *Redis) Sweep(ctx context.Context) error {
	drafts, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return fmt.Errorf("list presence drafts: %w", err)
	}
	cutoff := r.now().Add(-r.ttl).UnixMilli()
	upper := "(" + strconv.FormatInt(cutoff, 10)
	for _, draftID := range drafts {
		removed, err := r.client.ZRemRangeByScore(ctx, r.membersKey(draftID), "-inf", upper).Result()
		if err != nil {
			return fmt.Errorf("sweep presence: %w", err)
		}
		if removed > 0 {
			if err := r.publishCount(ctx, draftID); err != nil {
				return err
			}
		}
		remaining, err := r.Count(ctx, draftID)
		if err != nil {
			return err
		}
		if remaining == 0 {
			if err := r.client.SRem(ctx, r.indexKey(), draftID).Err(); err != nil {
				return fmt.Errorf("unindex presence: %w", err)
			}
		}
	}
	return nil
}
