package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
}

func TestInMemoryRoundTrip(t *testing.T) {
	c := New("")
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "queue", snapshot{Pending: 3, Running: 2}, time.Minute))

	var got snapshot
	ok, err := c.Get(ctx, "queue", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snapshot{Pending: 3, Running: 2}, got)
}

func TestMissingKey(t *testing.T) {
	c := New("")
	defer c.Close()

	var got snapshot
	ok, err := c.Get(context.Background(), "nope", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	c := New("")
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "queue", snapshot{Pending: 1}, 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	var got snapshot
	ok, err := c.Get(ctx, "queue", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestZeroTTLNeverExpires(t *testing.T) {
	c := New("")
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "forever", snapshot{Pending: 9}, 0))

	var got snapshot
	ok, err := c.Get(ctx, "forever", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 9, got.Pending)
}

func TestBadRedisURLFallsBack(t *testing.T) {
	c := New("not-a-url")
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", snapshot{Pending: 1}, time.Minute))

	var got snapshot
	ok, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, ok)
}
