package credstore_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lookscan-api/internal/credstore"
)

func newRedisStore(t *testing.T) (*credstore.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return credstore.NewRedisStore(client, "test:"), mr
}

func TestRedisStoreGetMissing(t *testing.T) {
	store, _ := newRedisStore(t)
	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, credstore.ErrNotFound)
}

func TestRedisStorePutAllSharesExpiry(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	err := store.PutAll(ctx, []credstore.Entry{
		{Key: "tok", Value: `{"checkoutId":"chk_1"}`},
		{Key: "checkout:chk_1", Value: "tok"},
	}, time.Hour)
	require.NoError(t, err)

	require.Equal(t, time.Hour, mr.TTL("test:tok"))
	require.Equal(t, time.Hour, mr.TTL("test:checkout:chk_1"))

	val, err := store.Get(ctx, "checkout:chk_1")
	require.NoError(t, err)
	require.Equal(t, "tok", val)

	mr.FastForward(time.Hour)

	_, err = store.Get(ctx, "tok")
	require.ErrorIs(t, err, credstore.ErrNotFound)
	_, err = store.Get(ctx, "checkout:chk_1")
	require.ErrorIs(t, err, credstore.ErrNotFound)
}

func TestRedisStoreReplaceKeepsTTL(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "tok", "v1", time.Hour))
	mr.FastForward(10 * time.Minute)

	require.NoError(t, store.Replace(ctx, "tok", "v2"))
	require.Equal(t, 50*time.Minute, mr.TTL("test:tok"))

	val, err := store.Get(ctx, "tok")
	require.NoError(t, err)
	require.Equal(t, "v2", val)
}

func TestRedisStoreReplaceMissing(t *testing.T) {
	store, mr := newRedisStore(t)
	err := store.Replace(context.Background(), "tok", "v2")
	require.ErrorIs(t, err, credstore.ErrNotFound)
	require.False(t, mr.Exists("test:tok"))
}

func TestRedisStoreRejectsNonPositiveTTL(t *testing.T) {
	store, _ := newRedisStore(t)
	require.Error(t, store.Put(context.Background(), "tok", "v", 0))
}

func TestRedisStorePing(t *testing.T) {
	store, mr := newRedisStore(t)
	require.NoError(t, store.Ping(context.Background()))
	mr.Close()
	require.Error(t, store.Ping(context.Background()))
}
