package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// 数据源指标
	providerRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradingagents_provider_request_total",
			Help: "Total number of upstream provider calls",
		},
		[]string{"provider", "status"},
	)

	providerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradingagents_provider_request_duration_seconds",
			Help:    "Upstream provider call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"provider"},
	)

	providerRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradingagents_provider_rate_limit_hits_total",
			Help: "Total number of explicit rate-limit signals from providers",
		},
		[]string{"provider"},
	)

	providerRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradingagents_provider_retries_total",
			Help: "Total number of provider retries after transient failures",
		},
		[]string{"provider"},
	)

	routerFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradingagents_router_fallback_total",
			Help: "Total number of provider chain fallbacks",
		},
		[]string{"market", "kind", "from"},
	)

	// 缓存指标
	cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradingagents_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"backend"},
	)

	cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradingagents_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"backend"},
	)

	cacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradingagents_cache_writes_total",
			Help: "Total number of cache writes",
		},
		[]string{"backend", "status"},
	)

	cacheDegradations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradingagents_cache_degradations_total",
			Help: "Total number of cache backend downgrades",
		},
		[]string{"from", "to"},
	)

	cacheBackendUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradingagents_cache_backend_up",
			Help: "Cache backend health (1=available, 0=unavailable)",
		},
		[]string{"backend"},
	)

	cacheBackendLatency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradingagents_cache_backend_latency_ms",
			Help: "Latency of the last backend probe in milliseconds",
		},
		[]string{"backend"},
	)

	// 日志存储指标
	activityWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradingagents_activity_write_failures_total",
			Help: "Total number of failed activity/operation log appends",
		},
	)

	// 运行时指标
	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradingagents_goroutines",
			Help: "Number of goroutines",
		},
	)

	memoryAlloc = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradingagents_memory_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		},
	)

	gcPause = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tradingagents_gc_pause_seconds",
			Help:    "GC pause duration in seconds",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1},
		},
	)
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct{}

var globalPrometheusMetrics *PrometheusMetrics

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{}
}

// GetPrometheusMetrics 获取全局 Prometheus 指标收集器
func GetPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		globalPrometheusMetrics = NewPrometheusMetrics()
	})
	return globalPrometheusMetrics
}

// RecordProviderRequest 记录一次数据源调用
func (pm *PrometheusMetrics) RecordProviderRequest(provider, status string, duration time.Duration) {
	providerRequestTotal.WithLabelValues(provider, status).Inc()
	providerRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordRateLimitHit 记录限流信号
func (pm *PrometheusMetrics) RecordRateLimitHit(provider string) {
	providerRateLimitHits.WithLabelValues(provider).Inc()
}

// RecordRetry 记录退避重试
func (pm *PrometheusMetrics) RecordRetry(provider string) {
	providerRetries.WithLabelValues(provider).Inc()
}

// RecordFallback 记录数据源链回退
func (pm *PrometheusMetrics) RecordFallback(market, kind, from string) {
	routerFallbacks.WithLabelValues(market, kind, from).Inc()
}

// RecordCacheHit 记录缓存命中
func (pm *PrometheusMetrics) RecordCacheHit(backend string) {
	cacheHits.WithLabelValues(backend).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (pm *PrometheusMetrics) RecordCacheMiss(backend string) {
	cacheMisses.WithLabelValues(backend).Inc()
}

// RecordCacheWrite 记录缓存写入
func (pm *PrometheusMetrics) RecordCacheWrite(backend string, ok bool) {
	status := "success"
	if !ok {
		status = "failure"
	}
	cacheWrites.WithLabelValues(backend, status).Inc()
}

// RecordDegradation 记录缓存后端降级
func (pm *PrometheusMetrics) RecordDegradation(from, to string) {
	cacheDegradations.WithLabelValues(from, to).Inc()
}

// SetBackendHealth 设置后端健康状态
func (pm *PrometheusMetrics) SetBackendHealth(backend string, available bool, latency time.Duration) {
	v := 0.0
	if available {
		v = 1
	}
	cacheBackendUp.WithLabelValues(backend).Set(v)
	cacheBackendLatency.WithLabelValues(backend).Set(float64(latency.Microseconds()) / 1000)
}

// RecordActivityWriteFailure 记录活动日志写入失败
func (pm *PrometheusMetrics) RecordActivityWriteFailure() {
	activityWriteFailures.Inc()
}

// SetGoroutineCount 设置 goroutine 数量
func (pm *PrometheusMetrics) SetGoroutineCount(count int) {
	goroutineCount.Set(float64(count))
}

// SetMemoryAlloc 设置堆内存分配
func (pm *PrometheusMetrics) SetMemoryAlloc(bytes uint64) {
	memoryAlloc.Set(float64(bytes))
}

// RecordGCPause 记录 GC 停顿
func (pm *PrometheusMetrics) RecordGCPause(duration time.Duration) {
	gcPause.Observe(duration.Seconds())
}
