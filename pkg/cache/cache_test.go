package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheGetSetExpiry(t *testing.T) {
	c := NewCache(CacheConfig{DefaultTTL: time.Millisecond * 20, CleanupInterval: time.Hour})

	c.Set("a", "listing", 0)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "listing", v)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestCacheInvalidatePattern(t *testing.T) {
	c := NewCache(DefaultConfig())
	c.Set("box:search:redis", []string{"a"}, time.Minute)
	c.Set("box:search:json", []string{"b"}, time.Minute)
	c.Set("other", []string{"c"}, time.Minute)

	c.InvalidatePattern("box:")

	_, ok := c.Get("box:search:redis")
	assert.False(t, ok)
	_, ok = c.Get("other")
	assert.True(t, ok)
}

func TestTTLCache(t *testing.T) {
	c := NewTTLCache(time.Minute)
	ctx := context.Background()

	c.Set(ctx, "redis-json", []string{"install-id-1"})
	v, ok := c.Get(ctx, "redis-json")
	assert.True(t, ok)
	assert.Equal(t, []string{"install-id-1"}, v)

	c.Delete(ctx, "redis-json")
	_, ok = c.Get(ctx, "redis-json")
	assert.False(t, ok)
}
