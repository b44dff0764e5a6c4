package yahoo

import (
	"context"
	"fmt"
	"time"

	"tradingagents/dataerr"
	"tradingagents/market"
	"tradingagents/news"
	"tradingagents/provider"
	"tradingagents/ratelimit"
	"tradingagents/utils"
)

// SourceName 数据源标签
const SourceName = "yfinance"

// Options 雅虎数据源参数
type Options struct {
	Name   string // 来源标签，默认 yfinance
	Source Source
	News   *NewsClient
	Client *ratelimit.Client
	Paid   *news.PaidRegistry
	Now    func() time.Time
	// Exchange 将雅虎交易所代码映射为展示名称，返回空时沿用分类结果
	Exchange func(code string) string
}

// Provider 基于雅虎财经的数据源，美股和港股共用
type Provider struct {
	name     string
	source   Source
	news     *NewsClient
	client   *ratelimit.Client
	paid     *news.PaidRegistry
	now      func() time.Time
	exchange func(string) string
}

// New 创建雅虎数据源
func New(opts Options) *Provider {
	p := &Provider{
		name:     opts.Name,
		source:   opts.Source,
		news:     opts.News,
		client:   opts.Client,
		paid:     opts.Paid,
		now:      opts.Now,
		exchange: opts.Exchange,
	}
	if p.name == "" {
		p.name = SourceName
	}
	if p.source == nil {
		p.source = NewNativeSource()
	}
	if p.news == nil {
		p.news = NewNewsClient("", nil)
	}
	if p.client == nil {
		p.client = ratelimit.NewClient(p.name, ratelimit.Config{})
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Name 数据源名称
func (p *Provider) Name() string { return p.name }

// Bars 获取日K，区间为空时取最近一年
func (p *Provider) Bars(ctx context.Context, info market.MarketInfo, start, end string) (*provider.BarSeries, error) {
	now := p.now()
	start, end = provider.DefaultRange(start, end, now)
	from, _, err := provider.ParseRange(start, end)
	if err != nil {
		return nil, err
	}
	period := PeriodFor(from, now)
	symbol := info.YahooSymbol()

	bars, err := ratelimit.Call(ctx, p.client, func(ctx context.Context) ([]HistoryBar, error) {
		bars, err := p.source.History(ctx, symbol, period)
		if err != nil {
			return nil, err
		}
		if len(bars) == 0 {
			return nil, dataerr.ErrEmptyResponse
		}
		return bars, nil
	})
	if err != nil {
		return nil, fmt.Errorf("获取 %s K线失败: %w", symbol, err)
	}

	series := &provider.BarSeries{
		Symbol:    info.NormalizedSymbol,
		Start:     start,
		End:       end,
		Currency:  info.Currency,
		Source:    p.name,
		FetchedAt: now,
		Rows:      make([]provider.Bar, 0, len(bars)),
	}
	for _, b := range bars {
		series.Rows = append(series.Rows, provider.Bar{
			Date:     b.Date.Format(utils.DateLayout),
			Open:     b.Open,
			High:     b.High,
			Low:      b.Low,
			Close:    b.Close,
			Volume:   b.Volume,
			AdjClose: b.AdjClose,
		})
	}
	if err := series.Normalize(); err != nil {
		return nil, err
	}
	return series, nil
}

func (p *Provider) profile(ctx context.Context, symbol string) (*Profile, error) {
	return ratelimit.Call(ctx, p.client, func(ctx context.Context) (*Profile, error) {
		prof, err := p.source.Profile(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if prof == nil {
			return nil, dataerr.ErrEmptyResponse
		}
		return prof, nil
	})
}

// Info 基本信息
func (p *Provider) Info(ctx context.Context, info market.MarketInfo) (*provider.StockInfo, error) {
	symbol := info.YahooSymbol()
	prof, err := p.profile(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("获取 %s 基本信息失败: %w", symbol, err)
	}
	if prof.Name() == "" {
		return nil, fmt.Errorf("%s 基本信息缺少名称: %w", symbol, dataerr.ErrEmptyResponse)
	}

	exchange := info.Exchange
	if p.exchange != nil {
		if ex := p.exchange(prof.Exchange); ex != "" {
			exchange = ex
		}
	}
	return &provider.StockInfo{
		Symbol:    info.NormalizedSymbol,
		Name:      prof.Name(),
		Currency:  info.Currency,
		Exchange:  exchange,
		Industry:  prof.Industry,
		MarketCap: prof.MarketCap,
		Country:   prof.Country,
		Source:    p.name,
		FetchedAt: p.now(),
	}, nil
}

// Realtime 最新价格，昨收来自基本信息
func (p *Provider) Realtime(ctx context.Context, info market.MarketInfo) (*provider.Quote, error) {
	symbol := info.YahooSymbol()
	prof, err := p.profile(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("获取 %s 实时行情失败: %w", symbol, err)
	}

	price := prof.CurrentPrice
	if price <= 0 {
		price, err = ratelimit.Call(ctx, p.client, func(ctx context.Context) (float64, error) {
			v, err := p.source.Price(ctx, symbol)
			if err != nil {
				return 0, err
			}
			if v <= 0 {
				return 0, dataerr.ErrEmptyResponse
			}
			return v, nil
		})
		if err != nil {
			return nil, fmt.Errorf("获取 %s 实时行情失败: %w", symbol, err)
		}
	}

	q := &provider.Quote{
		Symbol:    info.NormalizedSymbol,
		Name:      prof.Name(),
		Price:     price,
		PrevClose: prof.PreviousClose,
		Currency:  info.Currency,
		Source:    p.name,
		Timestamp: p.now(),
	}
	q.FillChange()
	return q, nil
}

// News 新闻，已去重并过滤付费来源
func (p *Provider) News(ctx context.Context, info market.MarketInfo, limit int) (*provider.NewsResult, error) {
	symbol := info.YahooSymbol()
	raws, err := ratelimit.Call(ctx, p.client, func(ctx context.Context) ([]map[string]any, error) {
		return p.news.Search(ctx, symbol, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("获取 %s 新闻失败: %w", symbol, err)
	}

	items := news.Normalize(raws, info.NormalizedSymbol, p.paid.Current())
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return &provider.NewsResult{
		Symbol:    info.NormalizedSymbol,
		Source:    p.name,
		FetchedAt: p.now(),
		Items:     items,
	}, nil
}

// Fundamentals 估值与盈利指标，只保留非零值
func (p *Provider) Fundamentals(ctx context.Context, info market.MarketInfo) (*provider.Fundamentals, error) {
	symbol := info.YahooSymbol()
	prof, err := p.profile(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("获取 %s 基本面失败: %w", symbol, err)
	}

	metrics := make(map[string]float64)
	for k, v := range map[string]float64{
		"market_cap":             prof.MarketCap,
		"trailing_pe":            prof.TrailingPE,
		"forward_pe":             prof.ForwardPE,
		"peg_ratio":              prof.PegRatio,
		"price_to_book":          prof.PriceToBook,
		"revenue_growth":         prof.RevenueGrowth,
		"earnings_growth":        prof.EarningsGrowth,
		"profit_margins":         prof.ProfitMargins,
		"operating_margins":      prof.OperatingMargins,
		"return_on_equity":       prof.ReturnOnEquity,
		"debt_to_equity":         prof.DebtToEquity,
		"current_ratio":          prof.CurrentRatio,
		"dividend_yield":         prof.DividendYield,
		"five_year_avg_dividend": prof.FiveYearAvgDividendYield,
	} {
		if v != 0 {
			metrics[k] = v
		}
	}
	if len(metrics) == 0 {
		return nil, fmt.Errorf("%s 无基本面数据: %w", symbol, dataerr.ErrEmptyResponse)
	}
	return &provider.Fundamentals{
		Symbol:    info.NormalizedSymbol,
		Currency:  info.Currency,
		Source:    p.name,
		FetchedAt: p.now(),
		Metrics:   metrics,
	}, nil
}
