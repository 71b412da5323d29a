// Package redis provides a Redis-backed storage.Storage, used when multiple
// server processes should share one catalog response cache.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/procstream/procstream-go/storage"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "procstream:cache:"

// Storage implements storage.Storage on a Redis client.
type Storage struct {
	client    *redis.Client
	keyPrefix string
}

var _ storage.Storage = (*Storage)(nil)

// Option configures the Redis storage.
type Option func(*Storage)

// WithKeyPrefix overrides the key prefix (default "procstream:cache:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Storage) {
		if prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

// New creates a Redis-backed storage around an existing client.
func New(client *redis.Client, opts ...Option) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	s := &Storage{client: client, keyPrefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// storedItem is the JSON document written to Redis.
type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s *Storage) Get(ctx context.Context, key string) (*storage.Item, error) {
	raw, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var doc storedItem
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("corrupt cache entry for %q: %w", key, err)
	}
	item := &storage.Item{Data: doc.Data, CreatedAt: doc.CreatedAt, ExpiresAt: doc.ExpiresAt}
	if item.Expired() {
		// Redis expiry should beat us here; treat as a miss either way.
		return nil, nil
	}
	return item, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	doc := storedItem{Data: data, CreatedAt: time.Now()}
	if ttl > 0 {
		exp := doc.CreatedAt.Add(ttl)
		doc.ExpiresAt = &exp
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *Storage) Close() error {
	return s.client.Close()
}
