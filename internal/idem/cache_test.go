// internal/idem/cache_test.go
package idem

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheHitAndMiss(t *testing.T) {
	c := NewMemoryCache(time.Minute, 8)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "k", []byte(`{"seat":2}`)))
	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"seat":2}`), got)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache(time.Minute, 8)
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", []byte("v")))

	now = now.Add(59 * time.Second)
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "entries disappear after the ttl window")
}

func TestMemoryCacheEvictsAtCap(t *testing.T) {
	c := NewMemoryCache(time.Minute, 4)
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, c.Put(ctx, fmt.Sprintf("k%d", i), []byte("v")))
		now = now.Add(time.Second)
	}
	// The cache is full; the soonest-to-expire entry (k0) makes room.
	require.NoError(t, c.Put(ctx, "k4", []byte("v")))

	_, ok, err := c.Get(ctx, "k0")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = c.Get(ctx, "k4")
	require.NoError(t, err)
	assert.True(t, ok)
}
