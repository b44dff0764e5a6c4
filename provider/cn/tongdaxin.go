package cn

import (
	"context"
	"fmt"
	"time"

	"tradingagents/config"
	"tradingagents/dataerr"
	"tradingagents/market"
	"tradingagents/provider"
	"tradingagents/ratelimit"
)

const tdxMaxBars = 800

// Tongdaxin 通达信行情服务器数据源，只提供K线与最新价
type Tongdaxin struct {
	provider.Unsupported

	tdx    *TDXClient
	client *ratelimit.Client
	now    func() time.Time
}

// TDXOption 可选参数
type TDXOption func(*Tongdaxin)

// WithTDXNow 替换时钟
func WithTDXNow(now func() time.Time) TDXOption {
	return func(t *Tongdaxin) { t.now = now }
}

// NewTongdaxin 创建通达信数据源，servers 为空时使用内置服务器列表
func NewTongdaxin(servers []string, client *ratelimit.Client, opts ...TDXOption) *Tongdaxin {
	if client == nil {
		client = ratelimit.NewClient(config.SourceTongdaxin, ratelimit.Config{})
	}
	t := &Tongdaxin{
		tdx:    NewTDXClient(servers, client.Config().Timeout),
		client: client,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name 数据源名称
func (t *Tongdaxin) Name() string { return config.SourceTongdaxin }

func (t *Tongdaxin) bars(ctx context.Context, info market.MarketInfo, count int) ([]TDXBar, error) {
	mkt, ok := tdxMarket(info.Exchange)
	if !ok {
		return nil, fmt.Errorf("通达信不支持 %s 市场: %w", info.Exchange, dataerr.ErrNotSupported)
	}
	if count > tdxMaxBars {
		count = tdxMaxBars
	}
	return ratelimit.Call(ctx, t.client, func(ctx context.Context) ([]TDXBar, error) {
		bars, err := t.tdx.SecurityBars(ctx, mkt, info.NormalizedSymbol, 0, uint16(count))
		if err != nil {
			return nil, err
		}
		if len(bars) == 0 {
			return nil, dataerr.ErrEmptyResponse
		}
		return bars, nil
	})
}

// Bars 日K。通达信按"最近 N 根"取数，N 由区间起点到今天的天数估算
func (t *Tongdaxin) Bars(ctx context.Context, info market.MarketInfo, start, end string) (*provider.BarSeries, error) {
	if err := checkChina(info); err != nil {
		return nil, err
	}
	now := t.now()
	start, end = provider.DefaultRange(start, end, now)
	from, _, err := provider.ParseRange(start, end)
	if err != nil {
		return nil, err
	}
	count := int(now.Sub(from).Hours()/24) + 10

	raw, err := t.bars(ctx, info, count)
	if err != nil {
		return nil, fmt.Errorf("获取 %s K线失败: %w", info.NormalizedSymbol, err)
	}
	series := &provider.BarSeries{
		Symbol:    info.NormalizedSymbol,
		Start:     start,
		End:       end,
		Currency:  info.Currency,
		Source:    config.SourceTongdaxin,
		FetchedAt: now,
		Rows:      make([]provider.Bar, 0, len(raw)),
	}
	for _, b := range raw {
		series.Rows = append(series.Rows, provider.Bar{
			Date:   b.Date,
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		})
	}
	if err := series.Normalize(); err != nil {
		return nil, err
	}
	return series, nil
}

// Realtime 最近两根日K推算最新价与昨收
func (t *Tongdaxin) Realtime(ctx context.Context, info market.MarketInfo) (*provider.Quote, error) {
	if err := checkChina(info); err != nil {
		return nil, err
	}
	raw, err := t.bars(ctx, info, 2)
	if err != nil {
		return nil, fmt.Errorf("获取 %s 行情失败: %w", info.NormalizedSymbol, err)
	}
	last := raw[len(raw)-1]
	q := &provider.Quote{
		Symbol:    info.NormalizedSymbol,
		Price:     last.Close,
		Open:      last.Open,
		High:      last.High,
		Low:       last.Low,
		Volume:    last.Volume,
		Currency:  info.Currency,
		Source:    config.SourceTongdaxin,
		Timestamp: t.now(),
	}
	if len(raw) > 1 {
		q.PrevClose = raw[len(raw)-2].Close
	}
	q.FillChange()
	return q, nil
}
