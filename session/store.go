package session

import (
	"context"

	"tradingagents/logger"
)

// Store 活动日志与操作日志的组合
type Store struct {
	Activities *ActivityLogger
	Operations *OperationLogger
}

// NewStore 创建日志存储
func NewStore(activityDir, operationDir string, opts ...Option) (*Store, error) {
	a, err := NewActivityLogger(activityDir, opts...)
	if err != nil {
		return nil, err
	}
	o, err := NewOperationLogger(operationDir, opts...)
	if err != nil {
		return nil, err
	}
	return &Store{Activities: a, Operations: o}, nil
}

// Query 合并操作日志与转换后的活动日志，按时间戳倒序，默认最多 1000 条
func (s *Store) Query(opts QueryOptions) []OperationRecord {
	opts = opts.withDefaults(s.Operations.opts.now(), 1000)

	out := s.Operations.load(opts)
	activityOpts := opts
	activityOpts.Limit = int(^uint(0) >> 1)
	for _, r := range s.Activities.Query(activityOpts) {
		out = append(out, r.ToOperation())
	}
	sortOperations(out)
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// Cleanup 清理两类日志中的旧文件
func (s *Store) Cleanup(daysToKeep int) int {
	return s.Activities.Cleanup(daysToKeep) + s.Operations.Cleanup(daysToKeep)
}

// RetentionJob 定时清理旧日志
type RetentionJob struct {
	store *Store
	days  int
}

// NewRetentionJob 创建日志保留任务
func NewRetentionJob(store *Store, days int) *RetentionJob {
	return &RetentionJob{store: store, days: days}
}

// Name 任务名称
func (j *RetentionJob) Name() string {
	return "session_retention"
}

// Run 执行清理
func (j *RetentionJob) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	removed := j.store.Cleanup(j.days)
	logger.Debug("🧹 日志保留任务完成，删除 %d 个文件", removed)
	return nil
}
