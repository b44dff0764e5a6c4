// Package ratelimit 为每个上游数据源提供统一的调用包装：
// 请求间隔控制、暂时性错误指数退避、显式限流信号的长等待。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"tradingagents/config"
	"tradingagents/dataerr"
	"tradingagents/event"
	"tradingagents/logger"
	"tradingagents/metrics"
)

// Config 单个数据源的限流参数
type Config struct {
	MinInterval   time.Duration // 同一数据源两次调用开始时间的最小间隔
	Timeout       time.Duration // 单次调用超时
	MaxRetries    int           // 首次调用之外的最大重试次数
	RateLimitWait time.Duration // 收到限流信号后的等待时间
}

// FromRateLimit 将配置文件中的秒数转换为 Config
func FromRateLimit(rl config.RateLimit) Config {
	return Config{
		MinInterval:   seconds(rl.MinInterval),
		Timeout:       seconds(rl.Timeout),
		MaxRetries:    rl.MaxRetries,
		RateLimitWait: seconds(rl.RateLimitWait),
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// SleepFunc 可被 ctx 打断的等待
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option 客户端选项
type Option func(*Client)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time, sleep SleepFunc) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithBackoffBase 设置退避基数，默认 1s（即 2^attempt 秒）
func WithBackoffBase(base time.Duration) Option {
	return func(c *Client) {
		c.backoff.Min = base
	}
}

// WithEventBus 限流时向事件总线发布事件
func WithEventBus(bus *event.EventBus) Option {
	return func(c *Client) {
		c.bus = bus
	}
}

// Client 单个数据源的限流客户端，可并发使用
type Client struct {
	name string
	cfg  Config

	mu      sync.Mutex
	limiter *rate.Limiter
	backoff backoff.Backoff

	now   func() time.Time
	sleep SleepFunc
	bus   *event.EventBus
}

// NewClient 创建限流客户端
func NewClient(name string, cfg Config, opts ...Option) *Client {
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	c := &Client{
		name:    name,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		backoff: backoff.Backoff{Min: time.Second, Max: 5 * time.Minute, Factor: 2},
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name 数据源名称
func (c *Client) Name() string {
	return c.name
}

// Config 当前限流参数
func (c *Client) Config() Config {
	return c.cfg
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// wait 预约下一次调用时间并等待。预约不会因取消而撤销，
// 即使调用被取消，该数据源的时间戳依然前移。
func (c *Client) wait(ctx context.Context) error {
	c.mu.Lock()
	now := c.now()
	r := c.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	c.mu.Unlock()

	if delay > 0 {
		logger.Debug("⏳ [%s] 请求间隔控制，等待 %v", c.name, delay)
	}
	return c.sleep(ctx, delay)
}

// Do 执行 op，按策略等待与重试
func (c *Client) Do(ctx context.Context, op func(ctx context.Context) error) error {
	pm := metrics.GetPrometheusMetrics()
	attempts := c.cfg.MaxRetries + 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := c.wait(ctx); err != nil {
			return err
		}

		start := c.now()
		err := c.invoke(ctx, op)
		if err == nil {
			pm.RecordProviderRequest(c.name, "success", c.now().Sub(start))
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			pm.RecordProviderRequest(c.name, "canceled", c.now().Sub(start))
			return ctx.Err()
		}

		last := attempt == attempts-1
		switch {
		case dataerr.IsRateLimitSignal(err):
			pm.RecordProviderRequest(c.name, "rate_limited", c.now().Sub(start))
			pm.RecordRateLimitHit(c.name)
			if last {
				logger.Error("❌ [%s] 限流重试已用尽 (%d 次)", c.name, attempts)
				return &dataerr.RateLimitedError{Provider: c.name, Attempts: attempts, Err: err}
			}
			logger.Warn("⚠️ [%s] 触发限流，等待 %v 后重试 (%d/%d)", c.name, c.cfg.RateLimitWait, attempt+1, attempts)
			c.bus.Publish(&event.Event{
				Type: event.EventTypeRateLimited,
				Data: map[string]interface{}{"provider": c.name, "wait": c.cfg.RateLimitWait.String()},
			})
			if err := c.sleep(ctx, c.cfg.RateLimitWait); err != nil {
				return err
			}

		case dataerr.IsFatal(err), errors.Is(err, dataerr.ErrMalformedPayload):
			pm.RecordProviderRequest(c.name, "fatal", c.now().Sub(start))
			return err

		case dataerr.IsTransient(err):
			pm.RecordProviderRequest(c.name, "transient", c.now().Sub(start))
			if last {
				break
			}
			wait := c.backoff.ForAttempt(float64(attempt))
			pm.RecordRetry(c.name)
			logger.Warn("⚠️ [%s] 暂时性错误: %v，%v 后重试 (%d/%d)", c.name, err, wait, attempt+1, attempts)
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}

		default:
			pm.RecordProviderRequest(c.name, "error", c.now().Sub(start))
			return err
		}
	}

	var transient *dataerr.ProviderTransientError
	if errors.As(lastErr, &transient) {
		return lastErr
	}
	return &dataerr.ProviderTransientError{
		Provider: c.name,
		Err:      fmt.Errorf("重试 %d 次后仍失败: %w", attempts, lastErr),
	}
}

func (c *Client) invoke(ctx context.Context, op func(ctx context.Context) error) error {
	if c.cfg.Timeout <= 0 {
		return op(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	return op(callCtx)
}

// Call 执行带返回值的 op
func Call[T any](ctx context.Context, c *Client, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := c.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Registry 按数据源名称缓存限流客户端，保证同名数据源共享同一个时间戳
type Registry struct {
	mu      sync.Mutex
	cfg     *config.Config
	opts    []Option
	clients map[string]*Client
}

// NewRegistry 创建限流客户端注册表
func NewRegistry(cfg *config.Config, opts ...Option) *Registry {
	return &Registry{
		cfg:     cfg,
		opts:    opts,
		clients: make(map[string]*Client),
	}
}

// Get 获取（或创建）指定数据源的客户端
func (r *Registry) Get(name string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[name]; ok {
		return c
	}
	c := NewClient(name, FromRateLimit(r.cfg.RateLimitFor(name)), r.opts...)
	r.clients[name] = c
	return c
}
