// Package idempotency deduplicates batch submissions with a small in-memory
// cache in front of a persistent store.
package idempotency

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fenrick/miro-bridge/internal/domain"
)

type memoryEntry struct {
	response []byte
	storedAt time.Time
}

// Cache is the two-tier idempotency lookup: a bounded in-memory map for the
// hot path and a persistent store as the source of truth. The first response
// written under a key wins at both tiers.
type Cache struct {
	store domain.IdempotencyStore

	mu      sync.Mutex
	entries map[string]memoryEntry
	order   []string
	size    int
	ttl     time.Duration
}

// New builds a Cache holding at most size entries for ttl in memory.
func New(store domain.IdempotencyStore, size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 128
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{
		store:   store,
		entries: make(map[string]memoryEntry, size),
		size:    size,
		ttl:     ttl,
	}
}

// Lookup returns the stored response for key, consulting memory first and
// falling back to the persistent store. A store hit is promoted into memory.
// Returns (nil, false, nil) on a clean miss.
func (c *Cache) Lookup(ctx domain.Context, key string) ([]byte, bool, error) {
	if resp, ok := c.fromMemory(key); ok {
		return resp, true, nil
	}
	resp, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("op=idempotency.Lookup: %w", err)
	}
	c.toMemory(key, resp)
	return resp, true, nil
}

// Store records response under key at both tiers. The persistent tier keeps
// its first row, so a racing duplicate cannot change what replays see.
func (c *Cache) Store(ctx domain.Context, key string, response []byte) error {
	if err := c.store.Put(ctx, key, response); err != nil {
		return fmt.Errorf("op=idempotency.Store: %w", err)
	}
	c.toMemory(key, response)
	return nil
}

func (c *Cache) fromMemory(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(e.storedAt) > c.ttl {
		delete(c.entries, key)
		c.dropOrder(key)
		return nil, false
	}
	return e.response, true
}

// dropOrder removes key's slot so a later re-add cannot leave a duplicate
// that would make eviction pop the wrong entry.
func (c *Cache) dropOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *Cache) toMemory(key string, response []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; exists {
		return
	}
	for len(c.entries) >= c.size && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.entries[oldest]; !ok {
			continue
		}
		delete(c.entries, oldest)
	}
	c.entries[key] = memoryEntry{response: response, storedAt: time.Now()}
	c.order = append(c.order, key)
}
