// Package us 组装美股数据源链（yfinance 优先，配置 FINNHUB_API_KEY 时追加 finnhub）。
package us

import (
	"strings"

	"tradingagents/config"
	"tradingagents/logger"
	"tradingagents/market"
	"tradingagents/news"
	"tradingagents/provider"
	"tradingagents/provider/finnhub"
	"tradingagents/provider/yahoo"
	"tradingagents/ratelimit"
)

// 雅虎交易所代码
var yahooExchanges = map[string]string{
	"NMS": market.ExchangeNASDAQ,
	"NGM": market.ExchangeNASDAQ,
	"NCM": market.ExchangeNASDAQ,
	"NAS": market.ExchangeNASDAQ,
	"NYQ": market.ExchangeNYSE,
	"NYS": market.ExchangeNYSE,
	"ASE": "AMEX",
	"PCX": "NYSEARCA",
	"BTS": "BATS",
}

// ExchangeName 雅虎交易所代码转展示名称，未知代码返回空
func ExchangeName(code string) string {
	return yahooExchanges[strings.ToUpper(strings.TrimSpace(code))]
}

// Deps 构建数据源所需的共享依赖
type Deps struct {
	Config  *config.Config
	Limits  *ratelimit.Registry
	Paid    *news.PaidRegistry
	Yahoo   yahoo.Source
	News    *yahoo.NewsClient
	Finnhub []finnhub.Option
}

// NewYFinance 美股 yfinance 数据源
func NewYFinance(d Deps) *yahoo.Provider {
	return yahoo.New(yahoo.Options{
		Name:     config.SourceYFinance,
		Source:   d.Yahoo,
		News:     d.News,
		Client:   d.Limits.Get(config.SourceYFinance),
		Paid:     d.Paid,
		Exchange: ExchangeName,
	})
}

// Chain 按 providers.us_preference 构建数据源链，finnhub 缺少 key 时跳过
func Chain(d Deps) []provider.Provider {
	var chain []provider.Provider
	for _, name := range d.Config.Providers.USPreference {
		switch name {
		case config.SourceYFinance:
			chain = append(chain, NewYFinance(d))
		case config.SourceFinnhub:
			if d.Config.Providers.FinnhubAPIKey == "" {
				logger.Debug("ℹ️ 未配置 FINNHUB_API_KEY，跳过 finnhub 数据源")
				continue
			}
			chain = append(chain, finnhub.New(d.Config.Providers.FinnhubAPIKey, d.Limits.Get(config.SourceFinnhub), d.Paid, d.Finnhub...))
		}
	}
	if len(chain) == 0 {
		chain = append(chain, NewYFinance(d))
	}
	return chain
}
