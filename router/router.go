// Package router 按市场把数据请求分派到数据源链，并在前后读写自适应缓存。
//
// 每次请求的处理流程：
//
//	CLASSIFY -> CHECK_CACHE -> PROVIDER_TRY(0..n) -> WRITE_CACHE -> RETURN
//	                               \-> 全部失败 -> DataUnavailableError
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"tradingagents/cache"
	"tradingagents/dataerr"
	"tradingagents/event"
	"tradingagents/logger"
	"tradingagents/market"
	"tradingagents/metrics"
	"tradingagents/provider"
)

// Options 路由器选项
type Options struct {
	Cache *cache.Manager
	// TTL 按数据类型和市场计算缓存过期时间
	TTL func(kind, market string) time.Duration
	Bus *event.EventBus
	Now func() time.Time
}

// Router 市场路由器
type Router struct {
	mu     sync.RWMutex
	chains map[market.Market][]provider.Provider

	cache *cache.Manager
	ttl   func(kind, market string) time.Duration
	bus   *event.EventBus
	now   func() time.Time
	pm    *metrics.PrometheusMetrics
}

// New 创建路由器，chains 中每个市场的数据源按优先级排列
func New(chains map[market.Market][]provider.Provider, opts Options) *Router {
	r := &Router{
		chains: make(map[market.Market][]provider.Provider, len(chains)),
		cache:  opts.Cache,
		ttl:    opts.TTL,
		bus:    opts.Bus,
		now:    opts.Now,
		pm:     metrics.GetPrometheusMetrics(),
	}
	if r.now == nil {
		r.now = time.Now
	}
	for m, chain := range chains {
		r.chains[m] = append([]provider.Provider(nil), chain...)
	}
	return r
}

// SetChain 替换某个市场的数据源链（配置热更新时使用）
func (r *Router) SetChain(m market.Market, chain []provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[m] = append([]provider.Provider(nil), chain...)
}

// Chain 某个市场当前的数据源名称
func (r *Router) Chain(m market.Market) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.chains[m]))
	for _, p := range r.chains[m] {
		names = append(names, p.Name())
	}
	return names
}

func (r *Router) chain(m market.Market) []provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chains[m]
}

// request 一次路由请求的缓存键部分
type request struct {
	kind  provider.Kind
	info  market.MarketInfo
	start string
	end   string
}

// Bars 日K线，start/end 为空时默认最近一年
func (r *Router) Bars(ctx context.Context, ticker, start, end string) (*provider.BarSeries, error) {
	start, end = provider.DefaultRange(start, end, r.now())
	if _, _, err := provider.ParseRange(start, end); err != nil {
		return nil, err
	}
	return route(ctx, r, ticker, provider.KindBars, start, end,
		func(p provider.Provider, info market.MarketInfo) (*provider.BarSeries, error) {
			return p.Bars(ctx, info, start, end)
		})
}

// Info 股票基本信息
func (r *Router) Info(ctx context.Context, ticker string) (*provider.StockInfo, error) {
	return route(ctx, r, ticker, provider.KindInfo, "", "",
		func(p provider.Provider, info market.MarketInfo) (*provider.StockInfo, error) {
			return p.Info(ctx, info)
		})
}

// Realtime 实时行情
func (r *Router) Realtime(ctx context.Context, ticker string) (*provider.Quote, error) {
	return route(ctx, r, ticker, provider.KindRealtime, "", "",
		func(p provider.Provider, info market.MarketInfo) (*provider.Quote, error) {
			return p.Realtime(ctx, info)
		})
}

// News 新闻，limit 参与缓存键
func (r *Router) News(ctx context.Context, ticker string, limit int) (*provider.NewsResult, error) {
	if limit <= 0 {
		limit = 10
	}
	return route(ctx, r, ticker, provider.KindNews, "", strconv.Itoa(limit),
		func(p provider.Provider, info market.MarketInfo) (*provider.NewsResult, error) {
			return p.News(ctx, info, limit)
		})
}

// Fundamentals 基本面指标
func (r *Router) Fundamentals(ctx context.Context, ticker string) (*provider.Fundamentals, error) {
	return route(ctx, r, ticker, provider.KindFundamentals, "", "",
		func(p provider.Provider, info market.MarketInfo) (*provider.Fundamentals, error) {
			return p.Fundamentals(ctx, info)
		})
}

// provisional 由占位结果实现，路由不缓存这类结果
type provisional interface {
	Provisional() bool
}

func route[T any](ctx context.Context, r *Router, ticker string, kind provider.Kind, start, end string,
	call func(p provider.Provider, info market.MarketInfo) (T, error)) (T, error) {
	var zero T

	info := market.Classify(ticker)
	if !info.Known() {
		return zero, &dataerr.UnsupportedMarketError{Symbol: ticker}
	}
	req := request{kind: kind, info: info, start: start, end: end}

	chain := r.chain(info.Market)
	if len(chain) == 0 {
		return zero, &dataerr.DataUnavailableError{
			Symbol: info.NormalizedSymbol,
			Kind:   string(kind),
			Err:    fmt.Errorf("市场 %s 未配置数据源", info.Market),
		}
	}

	for _, p := range chain {
		var v T
		if r.loadCached(ctx, req, p.Name(), &v) {
			return v, nil
		}
	}

	var lastErr error
	var lastName string
	for i, p := range chain {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		started := time.Now()
		v, err := call(p, info)
		if err == nil {
			r.pm.RecordProviderRequest(p.Name(), "success", time.Since(started))
			if i > 0 {
				logger.Info("🔄 %s %s 已由备用数据源 %s 提供", info.NormalizedSymbol, kind, p.Name())
			}
			if pv, ok := any(v).(provisional); ok && pv.Provisional() {
				logger.Debug("🔍 %s %s 为占位结果，不写入缓存", info.NormalizedSymbol, kind)
				return v, nil
			}
			r.store(ctx, req, p.Name(), v)
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		lastErr, lastName = err, p.Name()
		if errors.Is(err, dataerr.ErrNotSupported) {
			logger.Debug("🔍 数据源 %s 不支持 %s，跳过", p.Name(), kind)
			continue
		}
		r.pm.RecordProviderRequest(p.Name(), "error", time.Since(started))
		r.providerFailed(req, p.Name(), err, i < len(chain)-1)
	}

	logger.Error("❌ 无法获取 %s 的 %s 数据，所有数据源均失败: %v", info.NormalizedSymbol, kind, lastErr)
	return zero, &dataerr.DataUnavailableError{
		Symbol:       info.NormalizedSymbol,
		Kind:         string(kind),
		LastProvider: lastName,
		Err:          lastErr,
	}
}

func (r *Router) providerFailed(req request, name string, err error, hasNext bool) {
	evType := event.EventTypeProviderFailed
	if hasNext {
		evType = event.EventTypeProviderFallback
		r.pm.RecordFallback(string(req.info.Market), string(req.kind), name)
		logger.Warn("⚠️ 数据源 %s 获取 %s %s 失败，尝试下一个: %v", name, req.info.NormalizedSymbol, req.kind, err)
	} else {
		logger.Warn("⚠️ 数据源 %s 获取 %s %s 失败: %v", name, req.info.NormalizedSymbol, req.kind, err)
	}
	r.bus.Publish(&event.Event{
		Type: evType,
		Data: map[string]interface{}{
			"provider": name,
			"symbol":   req.info.NormalizedSymbol,
			"kind":     string(req.kind),
			"market":   string(req.info.Market),
			"error":    err.Error(),
		},
	})
}

// loadCached 按数据源查找缓存，payload 损坏时删除并视为未命中
func (r *Router) loadCached(ctx context.Context, req request, source string, out any) bool {
	if r.cache == nil {
		return false
	}
	fp, ok := r.cache.Find(ctx, cache.Kind(req.kind), req.info.NormalizedSymbol, req.start, req.end, source)
	if !ok {
		return false
	}
	payload, ok := r.cache.Load(ctx, fp)
	if !ok {
		return false
	}
	if err := json.Unmarshal(payload, out); err != nil {
		logger.Warn("⚠️ 缓存数据损坏，已删除 %s: %v", fp, err)
		r.cache.Evict(ctx, fp)
		return false
	}
	logger.Debug("⚡ 缓存命中 %s %s [%s]", req.info.NormalizedSymbol, req.kind, source)
	return true
}

// store 写缓存失败只记录日志，数据仍返回给调用方
func (r *Router) store(ctx context.Context, req request, source string, v any) {
	if r.cache == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		logger.Warn("⚠️ 序列化 %s %s 失败: %v", req.info.NormalizedSymbol, req.kind, err)
		return
	}
	var ttl time.Duration
	if r.ttl != nil {
		ttl = r.ttl(string(req.kind), string(req.info.Market))
	}
	if _, err := r.cache.Save(ctx, cache.Kind(req.kind), req.info.NormalizedSymbol, req.start, req.end, source, payload, ttl); err != nil {
		logger.Warn("⚠️ 写入缓存失败 %s %s: %v", req.info.NormalizedSymbol, req.kind, err)
	}
}
