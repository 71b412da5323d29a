// Package storage defines a small byte-oriented cache contract used to cache
// upstream catalog responses, with in-memory and Redis implementations.
package storage

import (
	"context"
	"time"
)

// Storage is a TTL-aware byte cache.
type Storage interface {
	// Get retrieves the item for key. Returns (nil, nil) if the key does not
	// exist or has expired; errors indicate genuine backend failures.
	Get(ctx context.Context, key string) (*Item, error)

	// Set stores data under key. A zero ttl means no expiration.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// Item is a stored piece of data with expiry metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// Expired reports whether the item's TTL has elapsed.
func (it *Item) Expired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}
