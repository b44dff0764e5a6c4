package cn

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tradingagents/config"
	"tradingagents/dataerr"
	"tradingagents/market"
	"tradingagents/news"
	"tradingagents/provider"
	"tradingagents/ratelimit"
)

// 东方财富接口地址
const (
	DefaultKlineURL = "https://push2his.eastmoney.com/api/qt/stock/kline/get"
	DefaultQuoteURL = "https://push2.eastmoney.com/api/qt/stock/get"
)

// Akshare 与 akshare 同源的东方财富行情 + 新浪个股新闻
type Akshare struct {
	klineURL string
	quoteURL string
	newsURL  string
	http     *http.Client
	client   *ratelimit.Client
	paid     *news.PaidRegistry
	now      func() time.Time
}

// AkshareOption 可选参数
type AkshareOption func(*Akshare)

// WithEastmoneyURLs 替换东方财富接口地址
func WithEastmoneyURLs(kline, quote string) AkshareOption {
	return func(a *Akshare) {
		a.klineURL = kline
		a.quoteURL = quote
	}
}

// WithSinaNewsURL 替换新浪新闻地址前缀
func WithSinaNewsURL(u string) AkshareOption {
	return func(a *Akshare) { a.newsURL = strings.TrimRight(u, "/") }
}

// WithAkshareHTTPClient 替换 HTTP 客户端
func WithAkshareHTTPClient(c *http.Client) AkshareOption {
	return func(a *Akshare) { a.http = c }
}

// WithAkshareNow 替换时钟
func WithAkshareNow(now func() time.Time) AkshareOption {
	return func(a *Akshare) { a.now = now }
}

// NewAkshare 创建 akshare 数据源
func NewAkshare(client *ratelimit.Client, paid *news.PaidRegistry, opts ...AkshareOption) *Akshare {
	a := &Akshare{
		klineURL: DefaultKlineURL,
		quoteURL: DefaultQuoteURL,
		newsURL:  DefaultSinaNewsURL,
		http:     provider.NewHTTPClient(0),
		client:   client,
		paid:     paid,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		a.client = ratelimit.NewClient(config.SourceAkshare, ratelimit.Config{})
	}
	return a
}

// Name 数据源名称
func (a *Akshare) Name() string { return config.SourceAkshare }

// secid 东方财富证券标识：1.600036 / 0.000001
func secid(info market.MarketInfo) string {
	if info.Exchange == market.ExchangeSSE {
		return "1." + info.NormalizedSymbol
	}
	return "0." + info.NormalizedSymbol
}

type klineResponse struct {
	Data *struct {
		Code   string   `json:"code"`
		Name   string   `json:"name"`
		Klines []string `json:"klines"`
	} `json:"data"`
}

// Bars 前复权日K
func (a *Akshare) Bars(ctx context.Context, info market.MarketInfo, start, end string) (*provider.BarSeries, error) {
	if err := checkChina(info); err != nil {
		return nil, err
	}
	start, end = provider.DefaultRange(start, end, a.now())
	if _, _, err := provider.ParseRange(start, end); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("secid", secid(info))
	q.Set("fields1", "f1,f2,f3,f4,f5,f6")
	q.Set("fields2", "f51,f52,f53,f54,f55,f56,f57")
	q.Set("klt", "101")
	q.Set("fqt", "1")
	q.Set("beg", compactDate(start))
	q.Set("end", compactDate(end))

	var resp klineResponse
	err := a.client.Do(ctx, func(ctx context.Context) error {
		return provider.GetJSON(ctx, a.http, a.klineURL+"?"+q.Encode(), nil, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("获取 %s K线失败: %w", info.NormalizedSymbol, err)
	}
	if resp.Data == nil || len(resp.Data.Klines) == 0 {
		return nil, fmt.Errorf("%s: %w", info.NormalizedSymbol, dataerr.ErrEmptyResponse)
	}

	series := &provider.BarSeries{
		Symbol:    info.NormalizedSymbol,
		Start:     start,
		End:       end,
		Currency:  info.Currency,
		Source:    config.SourceAkshare,
		FetchedAt: a.now(),
		Rows:      make([]provider.Bar, 0, len(resp.Data.Klines)),
	}
	for _, line := range resp.Data.Klines {
		bar, err := parseKline(line)
		if err != nil {
			return nil, err
		}
		series.Rows = append(series.Rows, bar)
	}
	if err := series.Normalize(); err != nil {
		return nil, err
	}
	return series, nil
}

// parseKline 日期,开,收,高,低,成交量(手),成交额
func parseKline(line string) (provider.Bar, error) {
	parts := strings.Split(line, ",")
	if len(parts) < 6 {
		return provider.Bar{}, fmt.Errorf("%w: K线字段不足 %q", dataerr.ErrMalformedPayload, line)
	}
	vals := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, err := strconv.ParseFloat(parts[i+1], 64)
		if err != nil {
			return provider.Bar{}, fmt.Errorf("%w: K线数值错误 %q", dataerr.ErrMalformedPayload, line)
		}
		vals[i] = v
	}
	return provider.Bar{
		Date:   parts[0],
		Open:   vals[0],
		Close:  vals[1],
		High:   vals[2],
		Low:    vals[3],
		Volume: vals[4] * 100,
	}, nil
}

type quoteResponse struct {
	Data map[string]any `json:"data"`
}

func (a *Akshare) quote(ctx context.Context, info market.MarketInfo, fields string) (map[string]any, error) {
	q := url.Values{}
	q.Set("secid", secid(info))
	q.Set("fltt", "2")
	q.Set("fields", fields)

	var resp quoteResponse
	err := a.client.Do(ctx, func(ctx context.Context) error {
		return provider.GetJSON(ctx, a.http, a.quoteURL+"?"+q.Encode(), nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%s: %w", info.NormalizedSymbol, dataerr.ErrEmptyResponse)
	}
	return resp.Data, nil
}

func field(data map[string]any, key string) float64 {
	v, _ := toFloat(data[key])
	return v
}

// Info 名称、行业、市值
func (a *Akshare) Info(ctx context.Context, info market.MarketInfo) (*provider.StockInfo, error) {
	if err := checkChina(info); err != nil {
		return nil, err
	}
	data, err := a.quote(ctx, info, "f57,f58,f116,f127")
	if err != nil {
		return nil, fmt.Errorf("获取 %s 基本信息失败: %w", info.NormalizedSymbol, err)
	}
	name, _ := data["f58"].(string)
	if name == "" {
		return nil, fmt.Errorf("%s 缺少名称: %w", info.NormalizedSymbol, dataerr.ErrEmptyResponse)
	}
	industry, _ := data["f127"].(string)
	return &provider.StockInfo{
		Symbol:    info.NormalizedSymbol,
		Name:      name,
		Currency:  info.Currency,
		Exchange:  info.Exchange,
		Industry:  industry,
		MarketCap: field(data, "f116"),
		Country:   "CN",
		Source:    config.SourceAkshare,
		FetchedAt: a.now(),
	}, nil
}

// Realtime 实时行情
func (a *Akshare) Realtime(ctx context.Context, info market.MarketInfo) (*provider.Quote, error) {
	if err := checkChina(info); err != nil {
		return nil, err
	}
	data, err := a.quote(ctx, info, "f43,f44,f45,f46,f47,f57,f58,f60,f169,f170")
	if err != nil {
		return nil, fmt.Errorf("获取 %s 实时行情失败: %w", info.NormalizedSymbol, err)
	}
	price, ok := toFloat(data["f43"])
	if !ok || price <= 0 {
		return nil, fmt.Errorf("%s 无最新价（可能停牌）: %w", info.NormalizedSymbol, dataerr.ErrEmptyResponse)
	}
	name, _ := data["f58"].(string)
	q := &provider.Quote{
		Symbol:        info.NormalizedSymbol,
		Name:          name,
		Price:         price,
		High:          field(data, "f44"),
		Low:           field(data, "f45"),
		Open:          field(data, "f46"),
		Volume:        field(data, "f47") * 100,
		PrevClose:     field(data, "f60"),
		Change:        field(data, "f169"),
		ChangePercent: field(data, "f170"),
		Currency:      info.Currency,
		Source:        config.SourceAkshare,
		Timestamp:     a.now(),
	}
	q.FillChange()
	return q, nil
}

// Fundamentals 估值指标
func (a *Akshare) Fundamentals(ctx context.Context, info market.MarketInfo) (*provider.Fundamentals, error) {
	if err := checkChina(info); err != nil {
		return nil, err
	}
	data, err := a.quote(ctx, info, "f57,f116,f117,f162,f167,f168,f173")
	if err != nil {
		return nil, fmt.Errorf("获取 %s 基本面失败: %w", info.NormalizedSymbol, err)
	}
	metrics := make(map[string]float64)
	for key, name := range map[string]string{
		"f116": "total_market_cap",
		"f117": "float_market_cap",
		"f162": "pe_dynamic",
		"f167": "pb",
		"f168": "turnover_rate",
		"f173": "roe",
	} {
		if v, ok := toFloat(data[key]); ok && v != 0 {
			metrics[name] = v
		}
	}
	if len(metrics) == 0 {
		return nil, fmt.Errorf("%s 无基本面数据: %w", info.NormalizedSymbol, dataerr.ErrEmptyResponse)
	}
	return &provider.Fundamentals{
		Symbol:    info.NormalizedSymbol,
		Currency:  info.Currency,
		Source:    config.SourceAkshare,
		FetchedAt: a.now(),
		Metrics:   metrics,
	}, nil
}
