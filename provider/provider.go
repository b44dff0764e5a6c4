// Package provider 定义各市场数据源的统一接口与标准化数据结构。
package provider

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tradingagents/dataerr"
	"tradingagents/market"
	"tradingagents/news"
	"tradingagents/utils"
)

// Kind 请求类型
type Kind string

const (
	KindBars         Kind = "bars"
	KindInfo         Kind = "info"
	KindNews         Kind = "news"
	KindFundamentals Kind = "fundamentals"
	KindRealtime     Kind = "realtime"
)

// Provider 数据源接口。所有结果都回显规范化代码、来源、币种和时间戳
type Provider interface {
	Name() string
	Bars(ctx context.Context, info market.MarketInfo, start, end string) (*BarSeries, error)
	Info(ctx context.Context, info market.MarketInfo) (*StockInfo, error)
	Realtime(ctx context.Context, info market.MarketInfo) (*Quote, error)
	News(ctx context.Context, info market.MarketInfo, limit int) (*NewsResult, error)
	Fundamentals(ctx context.Context, info market.MarketInfo) (*Fundamentals, error)
}

// Unsupported 可嵌入的默认实现，所有方法返回 ErrNotSupported
type Unsupported struct{}

func (Unsupported) Bars(ctx context.Context, info market.MarketInfo, start, end string) (*BarSeries, error) {
	return nil, dataerr.ErrNotSupported
}

func (Unsupported) Info(ctx context.Context, info market.MarketInfo) (*StockInfo, error) {
	return nil, dataerr.ErrNotSupported
}

func (Unsupported) Realtime(ctx context.Context, info market.MarketInfo) (*Quote, error) {
	return nil, dataerr.ErrNotSupported
}

func (Unsupported) News(ctx context.Context, info market.MarketInfo, limit int) (*NewsResult, error) {
	return nil, dataerr.ErrNotSupported
}

func (Unsupported) Fundamentals(ctx context.Context, info market.MarketInfo) (*Fundamentals, error) {
	return nil, dataerr.ErrNotSupported
}

// Bar 单根日K
type Bar struct {
	Date     string  `json:"date"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	AdjClose float64 `json:"adj_close,omitempty"`
}

// BarSeries K线序列，日期严格递增
type BarSeries struct {
	Symbol    string    `json:"symbol"`
	Start     string    `json:"start"`
	End       string    `json:"end"`
	Currency  string    `json:"currency"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
	Rows      []Bar     `json:"rows"`
}

// Normalize 按日期排序、去重、截取 [Start, End] 区间；结果为空时返回 ErrEmptyResponse
func (s *BarSeries) Normalize() error {
	rows := make([]Bar, 0, len(s.Rows))
	for _, r := range s.Rows {
		if _, err := time.Parse(utils.DateLayout, r.Date); err != nil {
			continue
		}
		if s.Start != "" && r.Date < s.Start {
			continue
		}
		if s.End != "" && r.Date > s.End {
			continue
		}
		rows = append(rows, r)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Date < rows[j].Date })

	out := rows[:0]
	for i, r := range rows {
		if i > 0 && r.Date == out[len(out)-1].Date {
			continue
		}
		out = append(out, r)
	}
	s.Rows = out
	if len(s.Rows) == 0 {
		return fmt.Errorf("%s %s~%s: %w", s.Symbol, s.Start, s.End, dataerr.ErrEmptyResponse)
	}
	return nil
}

// StockInfo 股票基本信息
type StockInfo struct {
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name"`
	Currency  string    `json:"currency"`
	Exchange  string    `json:"exchange"`
	Sector    string    `json:"sector,omitempty"`
	Industry  string    `json:"industry,omitempty"`
	MarketCap float64   `json:"market_cap,omitempty"`
	Country   string    `json:"country,omitempty"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}

// SourcePlaceholder 数据源不可用时返回的占位结果来源
const SourcePlaceholder = "default"

// Provisional 占位结果，不应写入缓存
func (s *StockInfo) Provisional() bool { return s != nil && s.Source == SourcePlaceholder }

// Quote 实时行情
type Quote struct {
	Symbol        string    `json:"symbol"`
	Name          string    `json:"name,omitempty"`
	Price         float64   `json:"price"`
	PrevClose     float64   `json:"prev_close,omitempty"`
	Open          float64   `json:"open,omitempty"`
	High          float64   `json:"high,omitempty"`
	Low           float64   `json:"low,omitempty"`
	Volume        float64   `json:"volume,omitempty"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	Currency      string    `json:"currency"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
}

// FillChange 根据昨收计算涨跌额与涨跌幅
func (q *Quote) FillChange() {
	if q.PrevClose > 0 && q.Change == 0 && q.ChangePercent == 0 {
		q.Change = q.Price - q.PrevClose
		q.ChangePercent = q.Change / q.PrevClose * 100
	}
}

// Fundamentals 基本面指标
type Fundamentals struct {
	Symbol    string             `json:"symbol"`
	Currency  string             `json:"currency"`
	Source    string             `json:"source"`
	FetchedAt time.Time          `json:"fetched_at"`
	Metrics   map[string]float64 `json:"metrics"`
}

// NewsResult 一次新闻查询的结果
type NewsResult struct {
	Symbol    string      `json:"symbol"`
	Source    string      `json:"source"`
	FetchedAt time.Time   `json:"fetched_at"`
	Items     []news.Item `json:"items"`
}

// DefaultRange 未指定区间时使用最近一年
func DefaultRange(start, end string, now time.Time) (string, string) {
	if end == "" {
		end = now.Format(utils.DateLayout)
	}
	if start == "" {
		e, err := time.Parse(utils.DateLayout, end)
		if err != nil {
			e = now
		}
		start = e.AddDate(-1, 0, 0).Format(utils.DateLayout)
	}
	return start, end
}

// ParseRange 解析日期区间，end 为当日（含）
func ParseRange(start, end string) (time.Time, time.Time, error) {
	s, err := time.Parse(utils.DateLayout, start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("无效的开始日期 %q: %w", start, err)
	}
	e, err := time.Parse(utils.DateLayout, end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("无效的结束日期 %q: %w", end, err)
	}
	if e.Before(s) {
		return time.Time{}, time.Time{}, fmt.Errorf("结束日期 %s 早于开始日期 %s", end, start)
	}
	return s, e, nil
}
