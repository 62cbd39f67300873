// Package cache provides the key/value cache used in front of the workflow
// definition store. The production implementation is Redis with an
// in-process LRU front; embedded runs use the LRU alone or no cache at all.
package cache

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// DefaultTTL bounds how long a cached definition may be served without a
// store round trip.
const DefaultTTL = 5 * time.Minute

// ErrNotFound is returned when a key is absent from the cache.
var ErrNotFound = errors.New("cache: key not found")

// Cache is the caching contract. Values are JSON-serialized; Get
// deserializes into value, which must be a pointer.
type Cache interface {
	Get(ctx context.Context, key string, value interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Flush(ctx context.Context) error
	Close() error
}
