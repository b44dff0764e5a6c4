// Package cn A股数据源：akshare 同源的东方财富/新浪接口、tushare HTTP 接口和通达信行情服务器。
// 数据源按 providers.cn_preference 排序，由路由逐个尝试。
package cn

import (
	"fmt"
	"strconv"
	"strings"

	"tradingagents/config"
	"tradingagents/dataerr"
	"tradingagents/logger"
	"tradingagents/market"
	"tradingagents/news"
	"tradingagents/provider"
	"tradingagents/ratelimit"
)

// Deps 构建 A 股数据源的共享依赖
type Deps struct {
	Config *config.Config
	Limits *ratelimit.Registry
	Paid   *news.PaidRegistry

	AkshareOptions []AkshareOption
	TushareOptions []TushareOption
	TDXOptions     []TDXOption
}

// Chain 按偏好顺序构建数据源链；tushare 未配置 token 时跳过
func Chain(d Deps) []provider.Provider {
	var chain []provider.Provider
	for _, name := range d.Config.Providers.CNPreference {
		switch name {
		case config.SourceAkshare:
			chain = append(chain, NewAkshare(d.Limits.Get(config.SourceAkshare), d.Paid, d.AkshareOptions...))
		case config.SourceTushare:
			if d.Config.Providers.TushareToken == "" {
				logger.Debug("ℹ️ 未配置 TUSHARE_TOKEN，跳过 tushare 数据源")
				continue
			}
			chain = append(chain, NewTushare(d.Config.Providers.TushareToken, d.Limits.Get(config.SourceTushare), d.TushareOptions...))
		case config.SourceTongdaxin:
			chain = append(chain, NewTongdaxin(d.Config.Providers.TDXServers, d.Limits.Get(config.SourceTongdaxin), d.TDXOptions...))
		}
	}
	return chain
}

func checkChina(info market.MarketInfo) error {
	if !info.IsChina() {
		return fmt.Errorf("非A股代码 %s: %w", info.NormalizedSymbol, dataerr.ErrNotSupported)
	}
	return nil
}

// TSCode tushare 代码格式：600036.SH / 000001.SZ / 430047.BJ
func TSCode(info market.MarketInfo) string {
	switch info.Exchange {
	case market.ExchangeSSE:
		return info.NormalizedSymbol + ".SH"
	case market.ExchangeSZSE:
		return info.NormalizedSymbol + ".SZ"
	default:
		return info.NormalizedSymbol + ".BJ"
	}
}

// compactDate 2024-01-02 -> 20240102
func compactDate(d string) string {
	return strings.ReplaceAll(d, "-", "")
}

// expandDate 20240102 -> 2024-01-02
func expandDate(d string) string {
	if len(d) != 8 {
		return d
	}
	return d[:4] + "-" + d[4:6] + "-" + d[6:]
}

// toFloat 宽松解析上游返回的数值（数字、数字字符串、"-"）
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
