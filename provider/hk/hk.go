// Package hk 港股数据源：内置名称表优先，行情、新闻与基本面走雅虎财经并使用更严格的限流。
package hk

import (
	"context"
	"fmt"
	"time"

	"tradingagents/dataerr"
	"tradingagents/logger"
	"tradingagents/market"
	"tradingagents/news"
	"tradingagents/provider"
	"tradingagents/provider/yahoo"
	"tradingagents/ratelimit"
)

// SourceName 数据源名称，对应限流配置 providers.rate_limits.hk
const SourceName = "hk"

// Provider 港股数据源
type Provider struct {
	yahoo *yahoo.Provider
	names *NameCache
	now   func() time.Time
}

// New 创建港股数据源，y 需使用 hk 限流客户端
func New(y *yahoo.Provider, names *NameCache) *Provider {
	if names == nil {
		names = NewNameCache("", nil)
	}
	return &Provider{yahoo: y, names: names, now: time.Now}
}

// NewWithYahoo 使用给定的限流客户端（通常为 hk）构建雅虎数据源
func NewWithYahoo(src yahoo.Source, newsClient *yahoo.NewsClient, client *ratelimit.Client, paid *news.PaidRegistry, names *NameCache) *Provider {
	y := yahoo.New(yahoo.Options{
		Name:   yahoo.SourceName,
		Source: src,
		News:   newsClient,
		Client: client,
		Paid:   paid,
	})
	return New(y, names)
}

// Name 数据源名称
func (p *Provider) Name() string { return SourceName }

func checkHK(info market.MarketInfo) error {
	if !info.IsHK() {
		return fmt.Errorf("非港股代码 %s: %w", info.NormalizedSymbol, dataerr.ErrNotSupported)
	}
	return nil
}

// CompanyName 解析公司名称：内置表 → 本地缓存 → 网络 → 默认名称
func (p *Provider) CompanyName(ctx context.Context, info market.MarketInfo) (string, string) {
	code := info.HKCode()
	if name, ok := BuiltinName(code); ok {
		if _, cached := p.names.Get(info.NormalizedSymbol); !cached {
			p.names.Put(info.NormalizedSymbol, name, NameSourceBuiltin)
		}
		logger.Debug("📊 [港股映射] %s -> %s", info.NormalizedSymbol, name)
		return name, NameSourceBuiltin
	}
	if e, ok := p.names.Get(info.NormalizedSymbol); ok {
		logger.Debug("📊 [港股缓存] %s -> %s", info.NormalizedSymbol, e.Data)
		return e.Data, e.Source
	}

	si, err := p.yahoo.Info(ctx, info)
	if err == nil && si.Name != "" {
		p.names.Put(info.NormalizedSymbol, si.Name, NameSourceNetwork)
		return si.Name, NameSourceNetwork
	}
	logger.Warn("⚠️ [港股] 无法获取 %s 名称，使用默认名称: %v", info.NormalizedSymbol, err)
	return DefaultName(code), NameSourceDefault
}

// Info 基本信息。内置表命中时不访问网络
func (p *Provider) Info(ctx context.Context, info market.MarketInfo) (*provider.StockInfo, error) {
	if err := checkHK(info); err != nil {
		return nil, err
	}
	code := info.HKCode()
	if name, ok := BuiltinName(code); ok {
		if _, cached := p.names.Get(info.NormalizedSymbol); !cached {
			p.names.Put(info.NormalizedSymbol, name, NameSourceBuiltin)
		}
		return &provider.StockInfo{
			Symbol:    info.NormalizedSymbol,
			Name:      name,
			Currency:  info.Currency,
			Exchange:  info.Exchange,
			Source:    NameSourceBuiltin,
			FetchedAt: p.now(),
		}, nil
	}
	if e, ok := p.names.Get(info.NormalizedSymbol); ok {
		return &provider.StockInfo{
			Symbol:    info.NormalizedSymbol,
			Name:      e.Data,
			Currency:  info.Currency,
			Exchange:  info.Exchange,
			Source:    e.Source,
			FetchedAt: e.FetchedAt,
		}, nil
	}

	si, err := p.yahoo.Info(ctx, info)
	if err != nil {
		logger.Warn("⚠️ [港股] 网络获取 %s 信息失败，使用默认名称: %v", info.NormalizedSymbol, err)
		return &provider.StockInfo{
			Symbol:    info.NormalizedSymbol,
			Name:      DefaultName(code),
			Currency:  info.Currency,
			Exchange:  info.Exchange,
			Source:    NameSourceDefault,
			FetchedAt: p.now(),
		}, nil
	}
	p.names.Put(info.NormalizedSymbol, si.Name, NameSourceNetwork)
	si.Exchange = info.Exchange
	si.Source = NameSourceNetwork
	return si, nil
}

// Bars 日K
func (p *Provider) Bars(ctx context.Context, info market.MarketInfo, start, end string) (*provider.BarSeries, error) {
	if err := checkHK(info); err != nil {
		return nil, err
	}
	return p.yahoo.Bars(ctx, info, start, end)
}

// Realtime 实时行情，名称使用中文名
func (p *Provider) Realtime(ctx context.Context, info market.MarketInfo) (*provider.Quote, error) {
	if err := checkHK(info); err != nil {
		return nil, err
	}
	q, err := p.yahoo.Realtime(ctx, info)
	if err != nil {
		return nil, err
	}
	if name, ok := BuiltinName(info.HKCode()); ok {
		q.Name = name
	}
	return q, nil
}

// News 新闻
func (p *Provider) News(ctx context.Context, info market.MarketInfo, limit int) (*provider.NewsResult, error) {
	if err := checkHK(info); err != nil {
		return nil, err
	}
	return p.yahoo.News(ctx, info, limit)
}

// Fundamentals 基本面
func (p *Provider) Fundamentals(ctx context.Context, info market.MarketInfo) (*provider.Fundamentals, error) {
	if err := checkHK(info); err != nil {
		return nil, err
	}
	return p.yahoo.Fundamentals(ctx, info)
}
