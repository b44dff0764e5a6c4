package metrics

import (
	"context"
	"runtime"
	"time"
)

// RuntimeCollector 运行时指标采集器
type RuntimeCollector struct {
	pm       *PrometheusMetrics
	interval time.Duration
	lastGC   uint32
}

// NewRuntimeCollector 创建运行时指标采集器
func NewRuntimeCollector(interval time.Duration) *RuntimeCollector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RuntimeCollector{
		pm:       GetPrometheusMetrics(),
		interval: interval,
	}
}

// Run 按间隔采集，直到 ctx 取消
func (rc *RuntimeCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	rc.Collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rc.Collect()
		}
	}
}

// Collect 采集一次
func (rc *RuntimeCollector) Collect() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	rc.pm.SetGoroutineCount(runtime.NumGoroutine())
	rc.pm.SetMemoryAlloc(m.Alloc)

	// PauseNs 是 256 长度的环形缓冲区
	start := rc.lastGC
	if m.NumGC-start > 256 {
		start = m.NumGC - 256
	}
	for n := start; n < m.NumGC; n++ {
		if pauseNs := m.PauseNs[n%256]; pauseNs > 0 {
			rc.pm.RecordGCPause(time.Duration(pauseNs))
		}
	}
	rc.lastGC = m.NumGC
}
