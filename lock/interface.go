// Package lock 提供定时任务的跨进程互斥（Redis）与缓存写入的进程内按指纹互斥。
package lock

import (
	"context"
	"time"
)

// DistributedLock 按 key 互斥的锁。
// 同一个 key 在 ttl 内只能被一个持有者占用；ttl 为 0 的实现不设过期
type DistributedLock interface {
	// Lock 阻塞直到获得锁或 ctx 结束
	Lock(ctx context.Context, key string, ttl time.Duration) error
	// TryLock 立即返回，false 表示已被其他持有者占用
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Unlock 只释放自己持有的锁
	Unlock(ctx context.Context, key string) error
	// Extend 续期自己持有的锁
	Extend(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

var (
	_ DistributedLock = (*NopLock)(nil)
	_ DistributedLock = (*KeyedLock)(nil)
	_ DistributedLock = (*RedisLock)(nil)
)

// NopLock 单进程部署时使用，任何 key 都能立即获得
type NopLock struct{}

// NewNopLock 创建空锁
func NewNopLock() *NopLock { return &NopLock{} }

func (*NopLock) Lock(context.Context, string, time.Duration) error { return nil }

func (*NopLock) TryLock(context.Context, string, time.Duration) (bool, error) { return true, nil }

func (*NopLock) Unlock(context.Context, string) error { return nil }

func (*NopLock) Extend(context.Context, string, time.Duration) error { return nil }

func (*NopLock) Close() error { return nil }
