package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-eventflow/pkg/models"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCache_AccountSession(t *testing.T) {
	mr, client := newTestRedis(t)
	c := New(client)
	ctx := context.Background()

	_, err := c.Account(ctx, "u1")
	assert.ErrorIs(t, err, ErrCacheMiss)

	account := models.Account{ID: "u1", Name: "Ann", Email: "ann@x.com"}
	require.NoError(t, c.PutAccount(ctx, account))

	got, err := c.Account(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "ann@x.com", got.Email)
	assert.Equal(t, defaultSessionTTL, mr.TTL(c.sessionKey("u1")))

	require.NoError(t, c.EvictAccount(ctx, "u1"))
	_, err = c.Account(ctx, "u1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestCache_UnreadCounter(t *testing.T) {
	_, client := newTestRedis(t)
	c := New(client)
	ctx := context.Background()

	require.NoError(t, c.SetUnreadCount(ctx, "u2", 3))
	n, err := c.UnreadCount(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, c.InvalidateUnread(ctx, "u2"))
	_, err = c.UnreadCount(ctx, "u2")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestProcessedIDs(t *testing.T) {
	mr, client := newTestRedis(t)
	ids := NewProcessedIDs(client, time.Hour)
	ctx := context.Background()

	exists, err := ids.Exists(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, ids.Add(ctx, "m1"))
	require.NoError(t, ids.Add(ctx, "m1"))
	exists, err = ids.Exists(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, exists)

	mr.FastForward(2 * time.Hour)
	exists, err = ids.Exists(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestProcessedIDs_RedisDown(t *testing.T) {
	mr, client := newTestRedis(t)
	ids := NewProcessedIDs(client, time.Hour)
	mr.Close()

	_, err := ids.Exists(context.Background(), "m1")
	assert.Error(t, err)
}
