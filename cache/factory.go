package cache

import (
	"context"
	"fmt"
	"time"

	"tradingagents/config"
	"tradingagents/event"
	"tradingagents/lock"
	"tradingagents/logger"
)

// NewManagerFromConfig 按配置创建全部已配置的后端并启动缓存管理器
func NewManagerFromConfig(ctx context.Context, cfg *config.Config, bus *event.EventBus) (*Manager, error) {
	file, err := NewFileBackend(cfg.Cache.RootDir)
	if err != nil {
		return nil, err
	}

	var others []Backend
	if cfg.Redis.Configured() {
		client, err := lock.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("初始化 Redis 缓存失败: %w", err)
		}
		others = append(others, NewRedisBackend(client, DefaultRedisPrefix))
	}
	if cfg.MongoDB.Configured() {
		mb, err := NewMongoBackend(cfg.MongoDB.ConnectionString, cfg.MongoDB.Database)
		if err != nil {
			logger.Warn("⚠️ 初始化 MongoDB 缓存失败，忽略该后端: %v", err)
		} else {
			others = append(others, mb)
		}
	}

	return NewManager(ctx, file, others, Options{
		Preference:      Preference(cfg.Cache.PrimaryBackend),
		FallbackEnabled: cfg.Cache.FallbackEnabled,
		OpTimeout:       cfg.BackendOpTimeout(),
		MirrorToFile:    cfg.Cache.MirrorToFile,
		SchemaVersion: func(k Kind) int {
			return cfg.SchemaVersion(string(k))
		},
		DefaultTTL: func(k Kind) time.Duration {
			return cfg.TTLFor(string(k), "")
		},
		Bus: bus,
	}), nil
}

// Preference 显式指定的主后端排在最前，其余按默认优先级
func Preference(primary string) []string {
	if primary == "" {
		return DefaultPreference
	}
	out := []string{primary}
	for _, name := range DefaultPreference {
		if name != primary {
			out = append(out, name)
		}
	}
	return out
}
