package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTTLGetPut(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := NewTTLWithClock[string, int](clock.Now)

	c.Put("a", 1, time.Hour)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestTTLExpiryIsInvariantWithoutEviction(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := NewTTLWithClock[string, int](clock.Now)

	c.Put("a", 1, time.Hour)
	clock.Advance(time.Hour)

	_, ok := c.Get("a")
	assert.False(t, ok, "entry must not be served at its expiry instant")
	assert.Equal(t, 1, c.Len(), "entry stays stored until evicted")
}

func TestTTLEvictExpired(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := NewTTLWithClock[string, int](clock.Now)

	c.Put("short", 1, time.Minute)
	c.Put("long", 2, time.Hour)
	clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, c.EvictExpired())
	assert.Equal(t, 1, c.Len())

	v, ok := c.Get("long")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestTTLPutNonPositiveDeletes(t *testing.T) {
	c := NewTTL[string, int]()
	c.Put("a", 1, time.Hour)
	c.Put("a", 1, 0)
	assert.Equal(t, 0, c.Len())
}
