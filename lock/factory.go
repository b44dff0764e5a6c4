package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tradingagents/config"
)

// DefaultPrefix 锁 key 前缀
const DefaultPrefix = "tradingagents:lock:"

// NewRedisClient 根据 Redis 配置创建客户端，优先使用连接串
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.ConnectionString != "" {
		opts, err := redis.ParseURL(cfg.ConnectionString)
		if err != nil {
			return nil, fmt.Errorf("解析 Redis 连接串失败: %w", err)
		}
		if cfg.PoolSize > 0 {
			opts.PoolSize = cfg.PoolSize
		}
		return redis.NewClient(opts), nil
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("未配置 Redis 连接")
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}), nil
}

// NewDistributedLock 根据配置创建跨进程锁
// 未配置 Redis 或 Redis 不可达时返回 NopLock（单实例模式）
func NewDistributedLock(ctx context.Context, cfg config.RedisConfig) DistributedLock {
	if !cfg.Configured() {
		return NewNopLock()
	}
	client, err := NewRedisClient(cfg)
	if err != nil {
		return NewNopLock()
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return NewNopLock()
	}
	l := NewRedisLock(client, DefaultPrefix)
	l.ownsClient = true
	return l
}
