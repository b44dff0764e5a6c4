package lock

import (
	"context"
	"sync"
	"time"
)

// KeyedLock 进程内按 key 互斥的锁，用于同一进程内对同一指纹的写入串行化
type KeyedLock struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedLock 创建进程内按 key 锁
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedLock) acquireEntry(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *KeyedLock) releaseEntry(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Lock 获取锁，ttl 在进程内锁中被忽略
func (k *KeyedLock) Lock(ctx context.Context, key string, ttl time.Duration) error {
	e := k.acquireEntry(key)
	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.releaseEntry(key, e)
		return ctx.Err()
	}
}

// TryLock 尝试获取锁
func (k *KeyedLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	e := k.acquireEntry(key)
	select {
	case e.ch <- struct{}{}:
		return true, nil
	default:
		k.releaseEntry(key, e)
		return false, nil
	}
}

// Unlock 释放锁
func (k *KeyedLock) Unlock(ctx context.Context, key string) error {
	k.mu.Lock()
	e, ok := k.locks[key]
	k.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-e.ch:
		k.releaseEntry(key, e)
	default:
	}
	return nil
}

// Extend 进程内锁无过期时间
func (k *KeyedLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

// Close 无资源需要释放
func (k *KeyedLock) Close() error {
	return nil
}
