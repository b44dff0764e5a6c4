package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingagents/config"
)

func TestRedisLockOwnership(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	a := NewRedisLock(client, DefaultPrefix)
	b := NewRedisLock(client, DefaultPrefix)

	ok, err := a.TryLock(ctx, "cache_cleanup", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists(DefaultPrefix+"cache_cleanup"))

	ok, err = b.TryLock(ctx, "cache_cleanup", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "其他持有者不能获得同一把锁")
	assert.Error(t, b.Unlock(ctx, "cache_cleanup"), "未持有的锁不能释放")

	require.NoError(t, a.Extend(ctx, "cache_cleanup", 2*time.Minute))
	assert.Equal(t, 2*time.Minute, mr.TTL(DefaultPrefix+"cache_cleanup"))

	require.NoError(t, a.Unlock(ctx, "cache_cleanup"))
	ok, err = b.TryLock(ctx, "cache_cleanup", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockExpired(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewRedisLock(client, "t:")
	ok, err := l.TryLock(ctx, "job", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	assert.Error(t, l.Unlock(ctx, "job"), "过期后释放应报错")
}

func TestKeyedLock(t *testing.T) {
	ctx := context.Background()
	k := NewKeyedLock()

	require.NoError(t, k.Lock(ctx, "fp1", 0))
	ok, _ := k.TryLock(ctx, "fp1", 0)
	assert.False(t, ok)
	ok, _ = k.TryLock(ctx, "fp2", 0)
	assert.True(t, ok, "不同 key 互不影响")

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, k.Lock(waitCtx, "fp1", 0), context.DeadlineExceeded)

	require.NoError(t, k.Unlock(ctx, "fp1"))
	require.NoError(t, k.Unlock(ctx, "fp2"))
	assert.Empty(t, k.locks, "释放后不应残留条目")
}

func TestNewDistributedLock(t *testing.T) {
	ctx := context.Background()
	_, isNop := NewDistributedLock(ctx, config.RedisConfig{}).(*NopLock)
	assert.True(t, isNop, "未配置 Redis 时使用 NopLock")

	mr := miniredis.RunT(t)
	l := NewDistributedLock(ctx, config.RedisConfig{ConnectionString: "redis://" + mr.Addr()})
	rl, ok := l.(*RedisLock)
	require.True(t, ok)
	require.NoError(t, rl.Close())

	down := NewDistributedLock(ctx, config.RedisConfig{Host: "127.0.0.1", Port: 1})
	_, isNop = down.(*NopLock)
	assert.True(t, isNop, "Redis 不可达时降级为 NopLock")
}
