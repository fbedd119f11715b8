// Package statestore persists room state blobs in Redis with a sliding TTL.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"reviewroom/api/internal/room"
)

// ErrNotFound reports that no state exists for a room. Callers must treat it
// distinctly from transport errors, which mean the store is unreachable.
var ErrNotFound = errors.New("room not found")

// Store is the persistence contract for room state.
type Store interface {
	Get(ctx context.Context, roomID string) (*room.State, error)
	Put(ctx context.Context, roomID string, state *room.State) error
	Ping(ctx context.Context) error
}

// RedisStore keeps each room under one JSON value. Every Put refreshes the
// TTL, so an actively edited room never expires.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
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

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient wraps an existing client, mainly for tests.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{
		client: client,
		prefix: "room:",
		ttl:    ttl,
	}
}

// Client exposes the underlying connection so the event bus can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) key(roomID string) string {
	return s.prefix + roomID
}

// Get loads a room state. Returns ErrNotFound when the key is absent or
// expired.
func (s *RedisStore) Get(ctx context.Context, roomID string) (*room.State, error) {
	raw, err := s.client.Get(ctx, s.key(roomID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room state: %w", err)
	}

	var state room.State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("unmarshal room state: %w", err)
	}
	return &state, nil
}

// Put stores the state and resets the sliding TTL.
func (s *RedisStore) Put(ctx context.Context, roomID string, state *room.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal room state: %w", err)
	}
	if err := s.client.Set(ctx, s.key(roomID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save room state: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
