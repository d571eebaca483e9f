// Package session provides Redis storage for signed-in viewer sessions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Idosegev23/internalMettingLeaders/internal/store"
)

var ErrNotFound = errors.New("session not found or expired")

// sessionData holds the data stored for each session token
type sessionData struct {
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	HebrewName string    `json:"hebrew_name"`
	ContactID  string    `json:"contact_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// RedisStore implements session storage using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	client, err := Dial(redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreWithClient(client, ttl), nil
}

// Dial parses redisURL and verifies the server answers.
func Dial(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisStore{
		client: client,
		prefix: "draftsync:session:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

// SaveAuthSession stores the signed-in user under tokenHash until expiresAt
func (s *RedisStore) SaveAuthSession(ctx context.Context, tokenHash string, user store.AuthUser, expiresAt time.Time) error {
	data := sessionData{
		Email:      user.Email,
		Name:       user.Name,
		HebrewName: user.HebrewName,
		ContactID:  user.ContactID,
		CreatedAt:  time.Now(),
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal session data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = s.ttl
	}

	if err := s.client.Set(ctx, s.key(tokenHash), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LookupAuthSession returns the user stored under tokenHash
func (s *RedisStore) LookupAuthSession(ctx context.Context, tokenHash string) (store.AuthUser, error) {
	jsonData, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return store.AuthUser{}, ErrNotFound
	}
	if err != nil {
		return store.AuthUser{}, fmt.Errorf("lookup session: %w", err)
	}

	var data sessionData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return store.AuthUser{}, fmt.Errorf("unmarshal session data: %w", err)
	}

	return store.AuthUser{
		Email:      data.Email,
		Name:       data.Name,
		HebrewName: data.HebrewName,
		ContactID:  data.ContactID,
	}, nil
}

// RevokeAuthSession deletes a session
func (s *RedisStore) RevokeAuthSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
