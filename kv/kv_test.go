package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisFromClient(client)
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func TestRedisStoreBasicOps(t *testing.T) {
	ctx := context.Background()
	_, store := newTestRedis(t)

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	val, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", val)

	exists, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	ok, err := store.SetNX(ctx, "k", "other", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Del(ctx, "k"))
	exists, err = store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)

	ok, err = store.SetNX(ctx, "k", "fresh", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStoreIncr(t *testing.T) {
	ctx := context.Background()
	mr, store := newTestRedis(t)

	n, err := store.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// The ttl armed on creation survives later increments.
	mr.FastForward(61 * time.Second)
	n, err = store.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisStoreSets(t *testing.T) {
	ctx := context.Background()
	_, store := newTestRedis(t)

	require.NoError(t, store.SAdd(ctx, "white", "10", "20"))
	ok, err := store.SIsMember(ctx, "white", "10")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.SRem(ctx, "white", "10"))
	ok, err = store.SIsMember(ctx, "white", "10")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreLists(t *testing.T) {
	ctx := context.Background()
	_, store := newTestRedis(t)

	require.NoError(t, store.LPush(ctx, "journal", "a"))
	require.NoError(t, store.LPush(ctx, "journal", "b"))
	require.NoError(t, store.LPush(ctx, "journal", "c"))

	vals, err := store.LRange(ctx, "journal", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, vals)

	require.NoError(t, store.LTrim(ctx, "journal", 0, 1))
	vals, err = store.LRange(ctx, "journal", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, vals)
}

func TestRedisStoreEval(t *testing.T) {
	ctx := context.Background()
	_, store := newTestRedis(t)

	res, err := store.Eval(ctx, `return redis.call("SET", KEYS[1], ARGV[1])`, []string{"k"}, "v")
	require.NoError(t, err)
	assert.NotNil(t, res)

	val, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", val)
}

func TestLocalStoreBasicOps(t *testing.T) {
	ctx := context.Background()
	store := NewLocal()
	now := time.Now()
	store.now = func() time.Time { return now }

	require.NoError(t, store.Set(ctx, "k", "v", time.Minute))
	val, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", val)

	ok, err := store.SetNX(ctx, "k", "other", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	_, found, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	ok, err = store.SetNX(ctx, "k", "fresh", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalStoreIncr(t *testing.T) {
	ctx := context.Background()
	store := NewLocal()
	now := time.Now()
	store.now = func() time.Time { return now }

	n, err := store.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	now = now.Add(2 * time.Minute)
	n, err = store.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLocalStoreLists(t *testing.T) {
	ctx := context.Background()
	store := NewLocal()

	require.NoError(t, store.LPush(ctx, "journal", "a"))
	require.NoError(t, store.LPush(ctx, "journal", "b", "c"))

	vals, err := store.LRange(ctx, "journal", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, vals)

	vals, err = store.LRange(ctx, "journal", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, vals)

	vals, err = store.LRange(ctx, "journal", 5, 9)
	require.NoError(t, err)
	assert.Empty(t, vals)

	require.NoError(t, store.LTrim(ctx, "journal", 0, 1))
	vals, err = store.LRange(ctx, "journal", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, vals)
}

func TestLocalStoreEvalUnsupported(t *testing.T) {
	store := NewLocal()
	_, err := store.Eval(context.Background(), "return 1", nil)
	assert.ErrorIs(t, err, ErrScriptsUnsupported)
}

func TestNewAuto(t *testing.T) {
	ctx := context.Background()

	store := NewAuto(ctx, "")
	_, isLocal := store.(*LocalStore)
	assert.True(t, isLocal)

	store = NewAuto(ctx, "redis://127.0.0.1:1")
	_, isLocal = store.(*LocalStore)
	assert.True(t, isLocal)

	mr := miniredis.RunT(t)
	store = NewAuto(ctx, "redis://"+mr.Addr())
	_, isRedis := store.(*RedisStore)
	assert.True(t, isRedis)
	_ = store.Close()
}
