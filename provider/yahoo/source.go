// Package yahoo 封装雅虎财经行情（go-yfinance）与新闻搜索接口，供美股与港股数据源复用。
package yahoo

import (
	"context"
	"fmt"
	"time"

	"github.com/wnjoon/go-yfinance/pkg/models"
	"github.com/wnjoon/go-yfinance/pkg/ticker"
)

// HistoryBar 日K
type HistoryBar struct {
	Date     time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	AdjClose float64
}

// Profile 基本信息与估值指标
type Profile struct {
	LongName                 string
	ShortName                string
	Exchange                 string
	Industry                 string
	Country                  string
	QuoteType                string
	MarketCap                float64
	CurrentPrice             float64
	PreviousClose            float64
	TrailingPE               float64
	ForwardPE                float64
	PegRatio                 float64
	PriceToBook              float64
	RevenueGrowth            float64
	EarningsGrowth           float64
	ProfitMargins            float64
	OperatingMargins         float64
	ReturnOnEquity           float64
	DebtToEquity             float64
	CurrentRatio             float64
	DividendYield            float64
	FiveYearAvgDividendYield float64
}

// Name 优先返回全称
func (p *Profile) Name() string {
	if p.LongName != "" {
		return p.LongName
	}
	return p.ShortName
}

// Source 雅虎数据访问接口，测试中可替换
type Source interface {
	History(ctx context.Context, symbol, period string) ([]HistoryBar, error)
	Profile(ctx context.Context, symbol string) (*Profile, error)
	Price(ctx context.Context, symbol string) (float64, error)
}

// NativeSource 基于 go-yfinance 的实现
type NativeSource struct{}

// NewNativeSource 创建 go-yfinance 数据访问
func NewNativeSource() *NativeSource {
	return &NativeSource{}
}

// go-yfinance 的调用不接受 context，这里在独立 goroutine 中执行并在 ctx 结束时返回
func runContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// History 获取日K
func (n *NativeSource) History(ctx context.Context, symbol, period string) ([]HistoryBar, error) {
	return runContext(ctx, func() ([]HistoryBar, error) {
		t, err := ticker.New(symbol)
		if err != nil {
			return nil, fmt.Errorf("创建 ticker 失败: %w", err)
		}
		defer t.Close()

		bars, err := t.History(models.HistoryParams{
			Period:     period,
			Interval:   "1d",
			AutoAdjust: true,
		})
		if err != nil {
			return nil, fmt.Errorf("获取历史行情失败: %w", err)
		}
		out := make([]HistoryBar, 0, len(bars))
		for _, bar := range bars {
			out = append(out, HistoryBar{
				Date:     bar.Date,
				Open:     bar.Open,
				High:     bar.High,
				Low:      bar.Low,
				Close:    bar.Close,
				Volume:   float64(bar.Volume),
				AdjClose: bar.AdjClose,
			})
		}
		return out, nil
	})
}

// Profile 获取基本信息
func (n *NativeSource) Profile(ctx context.Context, symbol string) (*Profile, error) {
	return runContext(ctx, func() (*Profile, error) {
		t, err := ticker.New(symbol)
		if err != nil {
			return nil, fmt.Errorf("创建 ticker 失败: %w", err)
		}
		defer t.Close()

		info, err := t.Info()
		if err != nil {
			return nil, fmt.Errorf("获取基本信息失败: %w", err)
		}
		return &Profile{
			LongName:                 info.LongName,
			ShortName:                info.ShortName,
			Exchange:                 info.Exchange,
			Industry:                 info.Industry,
			Country:                  info.Country,
			QuoteType:                info.QuoteType,
			MarketCap:                float64(info.MarketCap),
			CurrentPrice:             info.CurrentPrice,
			PreviousClose:            info.RegularMarketPreviousClose,
			TrailingPE:               info.TrailingPE,
			ForwardPE:                info.ForwardPE,
			PegRatio:                 info.PegRatio,
			PriceToBook:              info.PriceToBook,
			RevenueGrowth:            info.RevenueGrowth,
			EarningsGrowth:           info.EarningsGrowth,
			ProfitMargins:            info.ProfitMargins,
			OperatingMargins:         info.OperatingMargins,
			ReturnOnEquity:           info.ReturnOnEquity,
			DebtToEquity:             info.DebtToEquity,
			CurrentRatio:             info.CurrentRatio,
			DividendYield:            info.DividendYield,
			FiveYearAvgDividendYield: info.FiveYearAvgDividendYield,
		}, nil
	})
}

// Price 获取最新成交价
func (n *NativeSource) Price(ctx context.Context, symbol string) (float64, error) {
	return runContext(ctx, func() (float64, error) {
		t, err := ticker.New(symbol)
		if err != nil {
			return 0, fmt.Errorf("创建 ticker 失败: %w", err)
		}
		defer t.Close()

		quote, err := t.Quote()
		if err != nil {
			return 0, fmt.Errorf("获取报价失败: %w", err)
		}
		return quote.RegularMarketPrice, nil
	})
}

// PeriodFor 选择能覆盖 start 至今的最短 period
func PeriodFor(start, now time.Time) string {
	days := now.Sub(start).Hours() / 24
	switch {
	case days <= 5:
		return "5d"
	case days <= 31:
		return "1mo"
	case days <= 92:
		return "3mo"
	case days <= 183:
		return "6mo"
	case days <= 366:
		return "1y"
	case days <= 731:
		return "2y"
	case days <= 1827:
		return "5y"
	case days <= 3653:
		return "10y"
	default:
		return "max"
	}
}
