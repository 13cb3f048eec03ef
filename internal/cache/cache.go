package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Snapshot is one cached fetch result. Payload holds the JSON-encoded value
// for the key's endpoint kind; FetchedAt drives the staleness window; Version
// implements last-write-wins on the key.
type Snapshot struct {
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetchedAt"`
	Version   uint64          `json:"version"`
}

// Age returns how long ago the snapshot was fetched.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// Cache stores snapshots keyed by endpoint kind + location. TTL bounds
// retention, not freshness: the query layer decides staleness from FetchedAt.
type Cache interface {
	Get(ctx context.Context, key string) (Snapshot, bool, error)
	Set(ctx context.Context, key string, snap Snapshot, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// InMemoryCache implements Cache with a mutex-guarded map and TTL-based
// expiration. Expired entries are removed on access.
type InMemoryCache struct {
	mu   sync.RWMutex
	data map[string]memoryEntry
}

type memoryEntry struct {
	snap      Snapshot
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]memoryEntry),
	}
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (Snapshot, bool, error) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return Snapshot{}, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; another goroutine may have replaced it.
		if cur, ok := c.data[key]; ok && time.Now().After(cur.expiresAt) {
			delete(c.data, key)
		}
		c.mu.Unlock()
		return Snapshot{}, false, nil
	}
	return entry.snap, true, nil
}

func (c *InMemoryCache) Set(ctx context.Context, key string, snap Snapshot, ttl time.Duration) error {
	c.mu.Lock()
	c.data[key] = memoryEntry{
		snap:      snap,
		expiresAt: time.Now().Add(ttl),
	}
	c.mu.Unlock()
	return nil
}

func (c *InMemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
	return nil
}
