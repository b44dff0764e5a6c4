package cache

import (
	"context"
	"errors"
	"time"
)

// 后端名称
const (
	BackendRedis   = "redis"
	BackendMongoDB = "mongodb"
	BackendFile    = "file"
)

// ErrNotFound 条目不存在
var ErrNotFound = errors.New("cache entry not found")

// Backend 缓存后端的统一键值契约，实现必须可并发使用
type Backend interface {
	// Name 后端名称
	Name() string
	// Probe 连接并做一次往返，返回延迟
	Probe(ctx context.Context) (time.Duration, error)
	// Put 按指纹写入，后写覆盖先写
	Put(ctx context.Context, entry *Entry) error
	// Get 读取条目，不存在返回 ErrNotFound
	Get(ctx context.Context, fingerprint string) (*Entry, error)
	// Exists 判断条目是否存在
	Exists(ctx context.Context, fingerprint string) (bool, error)
	// Delete 删除条目，不存在不视为错误
	Delete(ctx context.Context, fingerprint string) error
	// Count 条目数量
	Count(ctx context.Context) (int64, error)
	// Cleanup 删除 now 时刻已过期的条目，返回删除数量
	Cleanup(ctx context.Context, now time.Time) (int64, error)
	// Close 释放连接
	Close() error
}

// expiryIndex 由不能在服务端精确过期的后端实现，按调用方时钟判断条目是否有效
type expiryIndex interface {
	ExistsAt(ctx context.Context, fingerprint string, now time.Time) (bool, error)
}

// BackendHealth 后端健康状态
type BackendHealth struct {
	Backend     string    `json:"backend"`
	Available   bool      `json:"available"`
	LastProbeAt time.Time `json:"last_probe_at"`
	LatencyMs   float64   `json:"latency_ms"`
	Error       string    `json:"error,omitempty"`
}

// Stats 缓存统计
type Stats struct {
	Backend          string  `json:"backend"`
	EntryCount       int64   `json:"entry_count"`
	PrimaryLatencyMs float64 `json:"primary_latency_ms"`
	FallbackActive   bool    `json:"fallback_active"`
}
