package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetGetDelete(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k1", "v1", 0))
	value, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", value)

	require.NoError(t, c.Delete(ctx, "k1"))
	_, ok, _ = c.Get(ctx, "k1")
	assert.False(t, ok)
}

func TestMemoryTTLExpiry(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", "v", 10*time.Millisecond))
	require.NoError(t, c.Set(ctx, "forever", "v", 0))

	_, ok, _ := c.Get(ctx, "short")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	// Expired entries are dropped lazily on read.
	_, ok, _ = c.Get(ctx, "short")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "forever")
	assert.True(t, ok)
}

func TestMemorySweepExpired(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "v", 5*time.Millisecond))
	require.NoError(t, c.Set(ctx, "b", "v", 5*time.Millisecond))
	require.NoError(t, c.Set(ctx, "c", "v", time.Hour))

	time.Sleep(10 * time.Millisecond)

	removed := c.SweepExpired(ctx)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())
}

func TestMemoryDeleteByPrefix(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "session:s1:status", "v", 0))
	require.NoError(t, c.Set(ctx, "session:s1:run:r1", "v", 0))
	require.NoError(t, c.Set(ctx, "session:s2:status", "v", 0))

	require.NoError(t, c.DeleteByPrefix(ctx, "session:s1"))

	_, ok, _ := c.Get(ctx, "session:s1:status")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "session:s2:status")
	assert.True(t, ok)
}
