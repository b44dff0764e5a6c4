package config

import (
	"fmt"
	"strings"
	"sync"
)

// ConfigUpdateCallback 配置更新回调，changes 只包含已生效的可热更新项
type ConfigUpdateCallback func(oldConfig, newConfig *Config, changes []ConfigChange) error

// HotReloader 持有当前生效的配置。
// 可热更新的段：logging.level / logging.format / news.* / cache.ttl.*，其余变更要等重启
type HotReloader struct {
	mu        sync.RWMutex
	current   *Config
	callbacks []ConfigUpdateCallback
}

// NewHotReloader 创建热更新器
func NewHotReloader(initial *Config) *HotReloader {
	return &HotReloader{current: initial}
}

// RegisterCallback 注册配置更新回调
func (hr *HotReloader) RegisterCallback(callback ConfigUpdateCallback) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.callbacks = append(hr.callbacks, callback)
}

// UpdateConfig 对比新旧配置，只把可热更新的部分合并进当前配置。
// 回调返回错误时当前配置保持不变
func (hr *HotReloader) UpdateConfig(newConfig *Config) (*ConfigDiff, error) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	diff := DiffConfig(hr.current, newConfig)
	var live []ConfigChange
	for _, c := range diff.Changes {
		if !c.RequiresRestart {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return diff, nil
	}

	next := hr.current
	if diff.RequiresRestart {
		next = hr.current.Clone()
		for _, c := range live {
			mergeHotField(next, newConfig, c.Path)
		}
	} else {
		next = newConfig
	}

	for _, cb := range hr.callbacks {
		if err := cb(hr.current, next, live); err != nil {
			return nil, fmt.Errorf("配置更新回调执行失败: %w", err)
		}
	}
	hr.current = next
	return diff, nil
}

// mergeHotField 按变更路径把 src 中的可热更新段复制到 dest
func mergeHotField(dest, src *Config, path string) {
	switch {
	case strings.HasPrefix(path, "logging.level"), strings.HasPrefix(path, "logging.format"):
		dest.Logging.Level = src.Logging.Level
		dest.Logging.Format = src.Logging.Format
	case strings.HasPrefix(path, "news."):
		dest.News.PaidSources = append([]string(nil), src.News.PaidSources...)
	case strings.HasPrefix(path, "cache.ttl."):
		dest.Cache.TTL = src.Cache.TTL
	}
}

// GetCurrentConfig 当前生效的配置（只读）
func (hr *HotReloader) GetCurrentConfig() *Config {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	return hr.current
}
