// Package scheduler 后台定时任务，多进程部署时通过分布式锁保证同一时刻只有一个进程执行
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"tradingagents/lock"
	"tradingagents/logger"
)

// Job 定时任务
type Job interface {
	Run(ctx context.Context) error
	Name() string
}

// Scheduler 管理后台任务
type Scheduler struct {
	cron    *cron.Cron
	lock    lock.DistributedLock
	lockTTL time.Duration
}

// New 创建调度器，l 为 nil 时使用 NopLock
func New(l lock.DistributedLock) *Scheduler {
	if l == nil {
		l = lock.NewNopLock()
	}
	return &Scheduler{
		cron:    cron.New(),
		lock:    l,
		lockTTL: 10 * time.Minute,
	}
}

// Start 启动调度
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("✅ 定时任务调度器已启动")
}

// Stop 停止调度并等待运行中的任务结束
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Info("✅ 定时任务调度器已停止")
}

// AddJob 注册任务，schedule 支持标准 cron 表达式和 "@every 1h" 形式
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.RunNow(context.Background(), job)
	})
	if err != nil {
		return err
	}
	logger.Info("🕒 已注册定时任务 %s (%s)", job.Name(), schedule)
	return nil
}

// RunNow 立即执行一次任务，未抢到锁时跳过
func (s *Scheduler) RunNow(ctx context.Context, job Job) error {
	ok, err := s.lock.TryLock(ctx, job.Name(), s.lockTTL)
	if err != nil {
		logger.Warn("⚠️ 获取任务锁失败 %s: %v", job.Name(), err)
		return err
	}
	if !ok {
		logger.Debug("⏭️ 任务 %s 正由其他进程执行，跳过", job.Name())
		return nil
	}
	defer s.lock.Unlock(context.WithoutCancel(ctx), job.Name())

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		logger.Error("❌ 定时任务 %s 失败: %v", job.Name(), err)
		return err
	}
	logger.Debug("✅ 定时任务 %s 完成，耗时 %v", job.Name(), time.Since(start))
	return nil
}
