package cache

import (
	"context"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

type lruEntry struct {
	data      []byte
	expiresAt time.Time
}

// LRUCache is an in-process Cache with per-entry TTLs on a bounded LRU.
// It serves embedded runs directly and acts as the near cache in front of
// Redis through Layered.
type LRUCache struct {
	entries *lru.Cache[string, lruEntry]
}

// NewLRUCache creates an LRU cache holding at most size entries.
func NewLRUCache(size int) (*LRUCache, error) {
	entries, err := lru.New[string, lruEntry](size)
	if err != nil {
		return nil, errors.Wrap(err, "create lru")
	}
	return &LRUCache{entries: entries}, nil
}

// Get reads a live entry; expired and absent keys return ErrNotFound.
func (c *LRUCache) Get(ctx context.Context, key string, value interface{}) error {
	entry, ok := c.entries.Get(key)
	if !ok {
		return ErrNotFound
	}
	if time.Now().After(entry.expiresAt) {
		c.entries.Remove(key)
		return ErrNotFound
	}
	if err := json.Unmarshal(entry.data, value); err != nil {
		return errors.Wrap(err, "unmarshal cached value")
	}
	return nil
}

// Set stores a value with a TTL; ttl <= 0 uses DefaultTTL.
func (c *LRUCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "marshal value")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.entries.Add(key, lruEntry{data: data, expiresAt: time.Now().Add(ttl)})
	return nil
}

// Delete removes a key.
func (c *LRUCache) Delete(ctx context.Context, key string) error {
	c.entries.Remove(key)
	return nil
}

// Exists reports whether a live entry is present.
func (c *LRUCache) Exists(ctx context.Context, key string) (bool, error) {
	var ignored json.RawMessage
	err := c.Get(ctx, key, &ignored)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Flush drops every entry.
func (c *LRUCache) Flush(ctx context.Context) error {
	c.entries.Purge()
	return nil
}

// Close implements Cache; nothing to release.
func (c *LRUCache) Close() error { return nil }

// Layered reads through near then far, refilling near on a far hit. Writes
// and deletes go to both layers; a far-layer failure wins because it is the
// durable one.
type Layered struct {
	near Cache
	far  Cache
}

// NewLayered composes a near and a far cache.
func NewLayered(near, far Cache) *Layered {
	return &Layered{near: near, far: far}
}

// Get implements Cache.
func (c *Layered) Get(ctx context.Context, key string, value interface{}) error {
	if err := c.near.Get(ctx, key, value); err == nil {
		return nil
	}
	if err := c.far.Get(ctx, key, value); err != nil {
		return err
	}
	_ = c.near.Set(ctx, key, value, DefaultTTL)
	return nil
}

// Set implements Cache.
func (c *Layered) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	_ = c.near.Set(ctx, key, value, ttl)
	return c.far.Set(ctx, key, value, ttl)
}

// Delete implements Cache.
func (c *Layered) Delete(ctx context.Context, key string) error {
	_ = c.near.Delete(ctx, key)
	return c.far.Delete(ctx, key)
}

// Exists implements Cache.
func (c *Layered) Exists(ctx context.Context, key string) (bool, error) {
	if ok, err := c.near.Exists(ctx, key); err == nil && ok {
		return true, nil
	}
	return c.far.Exists(ctx, key)
}

// Flush implements Cache.
func (c *Layered) Flush(ctx context.Context) error {
	_ = c.near.Flush(ctx)
	return c.far.Flush(ctx)
}

// Close implements Cache.
func (c *Layered) Close() error {
	_ = c.near.Close()
	return c.far.Close()
}
