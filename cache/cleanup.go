package cache

import (
	"context"

	"tradingagents/logger"
)

// CleanupJob 定时清理过期缓存
type CleanupJob struct {
	manager *Manager
}

// NewCleanupJob 创建缓存清理任务
func NewCleanupJob(m *Manager) *CleanupJob {
	return &CleanupJob{manager: m}
}

// Name 任务名称，同时作为分布式锁 key
func (j *CleanupJob) Name() string {
	return "cache_cleanup"
}

// Run 执行清理
func (j *CleanupJob) Run(ctx context.Context) error {
	removed, err := j.manager.Cleanup(ctx)
	if removed > 0 {
		logger.Info("🧹 已清理过期缓存 %d 条", removed)
	}
	return err
}
