// Package memory provides an in-memory storage.Storage backed by an LRU
// cache with lazy TTL expiry and a periodic sweep.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/procstream/procstream-go/storage"
)

const sweepInterval = 30 * time.Second

// Storage implements storage.Storage in process memory.
type Storage struct {
	cache    *lru.Cache[string, *storage.Item]
	stopCh   chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

var _ storage.Storage = (*Storage)(nil)

// New creates an in-memory storage bounded to maxItems entries.
func New(maxItems int) (*Storage, error) {
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	s := &Storage{
		cache:   cache,
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.sweepExpired()
	return s, nil
}

func (s *Storage) Get(ctx context.Context, key string) (*storage.Item, error) {
	item, ok := s.cache.Get(key)
	if !ok {
		return nil, nil
	}
	if item.Expired() {
		s.cache.Remove(key)
		return nil, nil
	}
	return item, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	item := &storage.Item{
		Data:      append([]byte(nil), data...),
		CreatedAt: time.Now(),
	}
	if ttl > 0 {
		exp := item.CreatedAt.Add(ttl)
		item.ExpiresAt = &exp
	}
	s.cache.Add(key, item)
	return nil
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	s.cache.Remove(key)
	return nil
}

func (s *Storage) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.stopped
	return nil
}

// sweepExpired evicts expired entries so the LRU is not held open by dead
// items the caller never re-reads.
func (s *Storage) sweepExpired() {
	defer close(s.stopped)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			for _, key := range s.cache.Keys() {
				if item, ok := s.cache.Peek(key); ok && item.Expired() {
					s.cache.Remove(key)
				}
			}
		}
	}
}
