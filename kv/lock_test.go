package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLockerAcquireRelease(t *testing.T) {
	ctx := context.Background()
	_, store := newTestRedis(t)
	locker := NewLocker(store)
	require.IsType(t, &RedisLocker{}, locker)

	token, ok, err := locker.Acquire(ctx, "msg:abc", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = locker.Acquire(ctx, "msg:abc", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// A stale token must not free someone else's lock.
	require.NoError(t, locker.Release(ctx, "msg:abc", "bogus"))
	_, ok, err = locker.Acquire(ctx, "msg:abc", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, "msg:abc", token))
	_, ok, err = locker.Acquire(ctx, "msg:abc", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockerExtend(t *testing.T) {
	ctx := context.Background()
	mr, store := newTestRedis(t)
	locker := NewLocker(store)

	token, ok, err := locker.Acquire(ctx, "conv:user:1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	extended, err := locker.Extend(ctx, "conv:user:1", token, time.Minute)
	require.NoError(t, err)
	assert.True(t, extended)

	extended, err = locker.Extend(ctx, "conv:user:1", "bogus", time.Minute)
	require.NoError(t, err)
	assert.False(t, extended)

	mr.FastForward(2 * time.Minute)
	extended, err = locker.Extend(ctx, "conv:user:1", token, time.Minute)
	require.NoError(t, err)
	assert.False(t, extended)

	_, ok, err = locker.Acquire(ctx, "conv:user:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker()
	now := time.Now()
	locker.now = func() time.Time { return now }

	token, ok, err := locker.Acquire(ctx, "msg:abc", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.Acquire(ctx, "msg:abc", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	extended, err := locker.Extend(ctx, "msg:abc", token, time.Minute)
	require.NoError(t, err)
	assert.True(t, extended)

	require.NoError(t, locker.Release(ctx, "msg:abc", "bogus"))
	_, ok, err = locker.Acquire(ctx, "msg:abc", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, "msg:abc", token))
	_, ok, err = locker.Acquire(ctx, "msg:abc", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalLockerExpiry(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker()
	now := time.Now()
	locker.now = func() time.Time { return now }

	token, ok, err := locker.Acquire(ctx, "conv:group:9", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(time.Minute)
	extended, err := locker.Extend(ctx, "conv:group:9", token, time.Minute)
	require.NoError(t, err)
	assert.False(t, extended)

	_, ok, err = locker.Acquire(ctx, "conv:group:9", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewLockerLocalFallback(t *testing.T) {
	locker := NewLocker(NewLocal())
	assert.IsType(t, &LocalLocker{}, locker)
}
