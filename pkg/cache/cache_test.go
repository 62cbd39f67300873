package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/pkg/cache"
)

func newRedisCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := cache.DefaultRedisConfig()
	cfg.Address = mr.Addr()
	c, err := cache.NewRedisCache(context.Background(), cfg, "cascade")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCache_RoundTrip(t *testing.T) {
	c, _ := newRedisCache(t)
	ctx := context.Background()

	type doc struct {
		Name    string `json:"name"`
		Version int    `json:"version"`
	}
	require.NoError(t, c.Set(ctx, "wf:deploy", doc{Name: "deploy", Version: 3}, time.Minute))

	var got doc
	require.NoError(t, c.Get(ctx, "wf:deploy", &got))
	assert.Equal(t, doc{Name: "deploy", Version: 3}, got)

	ok, err := c.Exists(ctx, "wf:deploy")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, "wf:deploy"))
	err = c.Get(ctx, "wf:deploy", &got)
	assert.True(t, errors.Is(err, cache.ErrNotFound))

	// Deleting an absent key is fine.
	assert.NoError(t, c.Delete(ctx, "wf:deploy"))
}

func TestRedisCache_TTLExpiry(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "ephemeral", "v", time.Second))
	mr.FastForward(2 * time.Second)

	var got string
	err := c.Get(ctx, "ephemeral", &got)
	assert.True(t, errors.Is(err, cache.ErrNotFound))
}

func TestRedisCache_FlushHonorsPrefix(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", 1, time.Minute))
	require.NoError(t, c.Set(ctx, "b", 2, time.Minute))
	mr.Set("unrelated", "kept")

	require.NoError(t, c.Flush(ctx))

	ok, err := c.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, mr.Exists("unrelated"))
}

func TestLRUCache_RoundTripAndTTL(t *testing.T) {
	c, err := cache.NewLRUCache(8)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", map[string]interface{}{"n": 1}, 10*time.Millisecond))

	var got map[string]interface{}
	require.NoError(t, c.Get(ctx, "k", &got))
	assert.EqualValues(t, 1, got["n"])

	time.Sleep(20 * time.Millisecond)
	err = c.Get(ctx, "k", &got)
	assert.True(t, errors.Is(err, cache.ErrNotFound))
}

func TestLRUCache_EvictsOldest(t *testing.T) {
	c, err := cache.NewLRUCache(2)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", 1, time.Minute))
	require.NoError(t, c.Set(ctx, "b", 2, time.Minute))
	require.NoError(t, c.Set(ctx, "c", 3, time.Minute))

	ok, err := c.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = c.Exists(ctx, "c")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLayered_ReadThroughRefillsNear(t *testing.T) {
	far, _ := newRedisCache(t)
	near, err := cache.NewLRUCache(8)
	require.NoError(t, err)
	layered := cache.NewLayered(near, far)
	ctx := context.Background()

	// Seed only the far layer.
	require.NoError(t, far.Set(ctx, "k", "v", time.Minute))

	var got string
	require.NoError(t, layered.Get(ctx, "k", &got))
	assert.Equal(t, "v", got)

	// The near layer was refilled by the read.
	got = ""
	require.NoError(t, near.Get(ctx, "k", &got))
	assert.Equal(t, "v", got)
}

func TestLayered_DeleteHitsBothLayers(t *testing.T) {
	far, _ := newRedisCache(t)
	near, err := cache.NewLRUCache(8)
	require.NoError(t, err)
	layered := cache.NewLayered(near, far)
	ctx := context.Background()

	require.NoError(t, layered.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, layered.Delete(ctx, "k"))

	var got string
	assert.True(t, errors.Is(near.Get(ctx, "k", &got), cache.ErrNotFound))
	assert.True(t, errors.Is(far.Get(ctx, "k", &got), cache.ErrNotFound))
}
