package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	unlockScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	extendScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
)

// RedisLock Redis 分布式锁实现
type RedisLock struct {
	client     *redis.Client
	prefix     string
	ownsClient bool

	mu     sync.Mutex
	tokens map[string]string // 持有的锁 -> token
}

// NewRedisLock 创建 Redis 分布式锁，client 的生命周期由调用方管理
func NewRedisLock(client *redis.Client, prefix string) *RedisLock {
	return &RedisLock{
		client: client,
		prefix: prefix,
		tokens: make(map[string]string),
	}
}

// Lock 获取锁，阻塞直到成功或 ctx 结束
func (r *RedisLock) Lock(ctx context.Context, key string, ttl time.Duration) error {
	for {
		ok, err := r.TryLock(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// TryLock 尝试获取锁，立即返回
func (r *RedisLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx 失败: %w", err)
	}
	if ok {
		r.mu.Lock()
		r.tokens[key] = token
		r.mu.Unlock()
	}
	return ok, nil
}

// Unlock 释放锁，只有持有者才能释放
func (r *RedisLock) Unlock(ctx context.Context, key string) error {
	r.mu.Lock()
	token, exists := r.tokens[key]
	delete(r.tokens, key)
	r.mu.Unlock()
	if !exists {
		return fmt.Errorf("锁未持有: %s", key)
	}

	n, err := r.client.Eval(ctx, unlockScript, []string{r.prefix + key}, token).Int64()
	if err != nil {
		return fmt.Errorf("redis eval 失败: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("锁未持有或已过期: %s", key)
	}
	return nil
}

// Extend 延长锁的过期时间
func (r *RedisLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	r.mu.Lock()
	token, exists := r.tokens[key]
	r.mu.Unlock()
	if !exists {
		return fmt.Errorf("锁未持有: %s", key)
	}

	n, err := r.client.Eval(ctx, extendScript, []string{r.prefix + key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis eval 失败: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("锁未持有或已过期: %s", key)
	}
	return nil
}

// Close 关闭由工厂创建的连接
func (r *RedisLock) Close() error {
	if r.ownsClient {
		return r.client.Close()
	}
	return nil
}
