package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultRedisPrefix 缓存 key 前缀
const DefaultRedisPrefix = "tradingagents:cache:"

// RedisBackend 基于 Redis 的缓存后端，条目以 msgpack 编码，过期交给 Redis 处理
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend 创建 Redis 后端
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// Name 后端名称
func (r *RedisBackend) Name() string { return BackendRedis }

func (r *RedisBackend) key(fp string) string {
	return r.prefix + fp
}

// Probe PING 往返
func (r *RedisBackend) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Put 写入条目，TTL<=0 时不过期
func (r *RedisBackend) Put(ctx context.Context, entry *Entry) error {
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return fmt.Errorf("编码缓存条目失败: %w", err)
	}
	ttl := entry.TTL
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(entry.Fingerprint), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set 失败: %w", err)
	}
	return nil
}

// Get 读取条目
func (r *RedisBackend) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	data, err := r.client.Get(ctx, r.key(fingerprint)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get 失败: %w", err)
	}
	var entry Entry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("解码缓存条目失败: %w", err)
	}
	return &entry, nil
}

// Exists 判断 key 是否存在
func (r *RedisBackend) Exists(ctx context.Context, fingerprint string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(fingerprint)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete 删除 key
func (r *RedisBackend) Delete(ctx context.Context, fingerprint string) error {
	return r.client.Del(ctx, r.key(fingerprint)).Err()
}

// Count 按前缀 SCAN 计数
func (r *RedisBackend) Count(ctx context.Context) (int64, error) {
	var n int64
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	return n, nil
}

// Cleanup Redis 按 TTL 自动过期，无需清理
func (r *RedisBackend) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

// Close 关闭连接
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
