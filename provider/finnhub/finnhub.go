// Package finnhub 通过 Finnhub REST 接口提供美股行情、公司资料、新闻与基本面。
package finnhub

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tradingagents/dataerr"
	"tradingagents/market"
	"tradingagents/news"
	"tradingagents/provider"
	"tradingagents/ratelimit"
	"tradingagents/utils"
)

const (
	// SourceName 数据源标签
	SourceName = "finnhub"
	// DefaultBaseURL 接口地址
	DefaultBaseURL = "https://finnhub.io/api/v1"
)

// Provider Finnhub 数据源，仅服务美股
type Provider struct {
	baseURL string
	apiKey  string
	http    *http.Client
	client  *ratelimit.Client
	paid    *news.PaidRegistry
	now     func() time.Time
}

// Option 可选参数
type Option func(*Provider)

// WithBaseURL 替换接口地址
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient 替换 HTTP 客户端
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.http = c }
}

// WithNow 替换时钟
func WithNow(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// New 创建 Finnhub 数据源
func New(apiKey string, client *ratelimit.Client, paid *news.PaidRegistry, opts ...Option) *Provider {
	p := &Provider{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		http:    provider.NewHTTPClient(0),
		client:  client,
		paid:    paid,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = ratelimit.NewClient(SourceName, ratelimit.Config{})
	}
	return p
}

// Name 数据源名称
func (p *Provider) Name() string { return SourceName }

func (p *Provider) get(ctx context.Context, path string, params url.Values, out any) error {
	if p.apiKey == "" {
		return dataerr.Fatal(SourceName, fmt.Errorf("未配置 FINNHUB_API_KEY"))
	}
	header := http.Header{}
	header.Set("X-Finnhub-Token", p.apiKey)
	return p.client.Do(ctx, func(ctx context.Context) error {
		return provider.GetJSON(ctx, p.http, p.baseURL+path+"?"+params.Encode(), header, out)
	})
}

func checkUS(info market.MarketInfo) error {
	if !info.IsUS() {
		return fmt.Errorf("finnhub 仅支持美股 %s: %w", info.NormalizedSymbol, dataerr.ErrNotSupported)
	}
	return nil
}

type candleResponse struct {
	Status string    `json:"s"`
	Time   []int64   `json:"t"`
	Open   []float64 `json:"o"`
	High   []float64 `json:"h"`
	Low    []float64 `json:"l"`
	Close  []float64 `json:"c"`
	Volume []float64 `json:"v"`
}

// Bars 日K（/stock/candle）
func (p *Provider) Bars(ctx context.Context, info market.MarketInfo, start, end string) (*provider.BarSeries, error) {
	if err := checkUS(info); err != nil {
		return nil, err
	}
	start, end = provider.DefaultRange(start, end, p.now())
	from, to, err := provider.ParseRange(start, end)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", info.NormalizedSymbol)
	params.Set("resolution", "D")
	params.Set("from", strconv.FormatInt(from.Unix(), 10))
	params.Set("to", strconv.FormatInt(to.AddDate(0, 0, 1).Unix(), 10))

	var resp candleResponse
	if err := p.get(ctx, "/stock/candle", params, &resp); err != nil {
		return nil, fmt.Errorf("获取 %s K线失败: %w", info.NormalizedSymbol, err)
	}
	if resp.Status == "no_data" || len(resp.Time) == 0 {
		return nil, fmt.Errorf("%s: %w", info.NormalizedSymbol, dataerr.ErrEmptyResponse)
	}
	n := len(resp.Time)
	if len(resp.Open) != n || len(resp.High) != n || len(resp.Low) != n || len(resp.Close) != n || len(resp.Volume) != n {
		return nil, fmt.Errorf("%w: candle 数组长度不一致", dataerr.ErrMalformedPayload)
	}

	series := &provider.BarSeries{
		Symbol:    info.NormalizedSymbol,
		Start:     start,
		End:       end,
		Currency:  info.Currency,
		Source:    SourceName,
		FetchedAt: p.now(),
		Rows:      make([]provider.Bar, 0, n),
	}
	for i := 0; i < n; i++ {
		series.Rows = append(series.Rows, provider.Bar{
			Date:   time.Unix(resp.Time[i], 0).UTC().Format(utils.DateLayout),
			Open:   resp.Open[i],
			High:   resp.High[i],
			Low:    resp.Low[i],
			Close:  resp.Close[i],
			Volume: resp.Volume[i],
		})
	}
	if err := series.Normalize(); err != nil {
		return nil, err
	}
	return series, nil
}

type profileResponse struct {
	Country   string  `json:"country"`
	Currency  string  `json:"currency"`
	Exchange  string  `json:"exchange"`
	Name      string  `json:"name"`
	Ticker    string  `json:"ticker"`
	MarketCap float64 `json:"marketCapitalization"`
	Industry  string  `json:"finnhubIndustry"`
}

// Info 公司资料（/stock/profile2），市值单位为百万美元
func (p *Provider) Info(ctx context.Context, info market.MarketInfo) (*provider.StockInfo, error) {
	if err := checkUS(info); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", info.NormalizedSymbol)

	var resp profileResponse
	if err := p.get(ctx, "/stock/profile2", params, &resp); err != nil {
		return nil, fmt.Errorf("获取 %s 公司资料失败: %w", info.NormalizedSymbol, err)
	}
	if resp.Name == "" {
		return nil, fmt.Errorf("%s 公司资料为空: %w", info.NormalizedSymbol, dataerr.ErrEmptyResponse)
	}

	exchange := info.Exchange
	switch {
	case strings.Contains(strings.ToUpper(resp.Exchange), "NASDAQ"):
		exchange = market.ExchangeNASDAQ
	case strings.Contains(strings.ToUpper(resp.Exchange), "NEW YORK"):
		exchange = market.ExchangeNYSE
	}
	return &provider.StockInfo{
		Symbol:    info.NormalizedSymbol,
		Name:      resp.Name,
		Currency:  info.Currency,
		Exchange:  exchange,
		Industry:  resp.Industry,
		MarketCap: resp.MarketCap * 1e6,
		Country:   resp.Country,
		Source:    SourceName,
		FetchedAt: p.now(),
	}, nil
}

type quoteResponse struct {
	Current       float64 `json:"c"`
	Change        float64 `json:"d"`
	ChangePercent float64 `json:"dp"`
	High          float64 `json:"h"`
	Low           float64 `json:"l"`
	Open          float64 `json:"o"`
	PrevClose     float64 `json:"pc"`
	Timestamp     int64   `json:"t"`
}

// Realtime 实时报价（/quote）
func (p *Provider) Realtime(ctx context.Context, info market.MarketInfo) (*provider.Quote, error) {
	if err := checkUS(info); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", info.NormalizedSymbol)

	var resp quoteResponse
	if err := p.get(ctx, "/quote", params, &resp); err != nil {
		return nil, fmt.Errorf("获取 %s 报价失败: %w", info.NormalizedSymbol, err)
	}
	if resp.Current == 0 && resp.Timestamp == 0 {
		return nil, fmt.Errorf("%s 报价为空: %w", info.NormalizedSymbol, dataerr.ErrEmptyResponse)
	}

	ts := p.now()
	if resp.Timestamp > 0 {
		ts = time.Unix(resp.Timestamp, 0)
	}
	q := &provider.Quote{
		Symbol:        info.NormalizedSymbol,
		Price:         resp.Current,
		PrevClose:     resp.PrevClose,
		Open:          resp.Open,
		High:          resp.High,
		Low:           resp.Low,
		Change:        resp.Change,
		ChangePercent: resp.ChangePercent,
		Currency:      info.Currency,
		Source:        SourceName,
		Timestamp:     ts,
	}
	q.FillChange()
	return q, nil
}

type newsResponse struct {
	Headline string `json:"headline"`
	URL      string `json:"url"`
	Source   string `json:"source"`
	Datetime int64  `json:"datetime"`
	Related  string `json:"related"`
}

// News 最近 7 天公司新闻（/company-news）
func (p *Provider) News(ctx context.Context, info market.MarketInfo, limit int) (*provider.NewsResult, error) {
	if err := checkUS(info); err != nil {
		return nil, err
	}
	now := p.now()
	params := url.Values{}
	params.Set("symbol", info.NormalizedSymbol)
	params.Set("from", now.AddDate(0, 0, -7).Format(utils.DateLayout))
	params.Set("to", now.Format(utils.DateLayout))

	var resp []newsResponse
	if err := p.get(ctx, "/company-news", params, &resp); err != nil {
		return nil, fmt.Errorf("获取 %s 新闻失败: %w", info.NormalizedSymbol, err)
	}

	raws := make([]map[string]any, 0, len(resp))
	for _, n := range resp {
		raws = append(raws, map[string]any{
			"title":               n.Headline,
			"link":                n.URL,
			"publisher":           n.Source,
			"providerPublishTime": float64(n.Datetime),
		})
	}
	items := news.Normalize(raws, info.NormalizedSymbol, p.paid.Current())
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return &provider.NewsResult{
		Symbol:    info.NormalizedSymbol,
		Source:    SourceName,
		FetchedAt: now,
		Items:     items,
	}, nil
}

type metricResponse struct {
	Metric map[string]any `json:"metric"`
}

// Fundamentals 基本财务指标（/stock/metric?metric=all），只保留数值字段
func (p *Provider) Fundamentals(ctx context.Context, info market.MarketInfo) (*provider.Fundamentals, error) {
	if err := checkUS(info); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", info.NormalizedSymbol)
	params.Set("metric", "all")

	var resp metricResponse
	if err := p.get(ctx, "/stock/metric", params, &resp); err != nil {
		return nil, fmt.Errorf("获取 %s 基本面失败: %w", info.NormalizedSymbol, err)
	}
	metrics := make(map[string]float64, len(resp.Metric))
	for k, v := range resp.Metric {
		if f, ok := v.(float64); ok {
			metrics[k] = f
		}
	}
	if len(metrics) == 0 {
		return nil, fmt.Errorf("%s 无基本面数据: %w", info.NormalizedSymbol, dataerr.ErrEmptyResponse)
	}
	return &provider.Fundamentals{
		Symbol:    info.NormalizedSymbol,
		Currency:  info.Currency,
		Source:    SourceName,
		FetchedAt: p.now(),
		Metrics:   metrics,
	}, nil
}
