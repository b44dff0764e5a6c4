// Package market 将原始股票代码归类到 美股 / A股 / 港股，并给出规范化代码。
package market

import (
	"regexp"
	"strings"

	"golang.org/x/text/width"
)

// Market 市场类型
type Market string

const (
	US      Market = "US"
	ChinaA  Market = "CN_A"
	HK      Market = "HK"
	Unknown Market = "unknown"
)

// 交易所
const (
	ExchangeHKG    = "HKG"
	ExchangeSSE    = "SSE"
	ExchangeSZSE   = "SZSE"
	ExchangeBSE    = "BSE"
	ExchangeNASDAQ = "NASDAQ"
	ExchangeNYSE   = "NYSE"
)

// MarketInfo 代码分类结果（值类型，创建后不可变）
type MarketInfo struct {
	Market           Market `json:"market"`
	Currency         string `json:"currency"`
	Exchange         string `json:"exchange"`
	NormalizedSymbol string `json:"normalized_symbol"`
	Raw              string `json:"raw"`
}

// IsUS 是否美股
func (m MarketInfo) IsUS() bool { return m.Market == US }

// IsChina 是否A股
func (m MarketInfo) IsChina() bool { return m.Market == ChinaA }

// IsHK 是否港股
func (m MarketInfo) IsHK() bool { return m.Market == HK }

// Known 是否成功分类
func (m MarketInfo) Known() bool { return m.Market != Unknown }

var (
	hkPattern = regexp.MustCompile(`^(\d{4,5})(\.HK)?$`)
	cnPattern = regexp.MustCompile(`^(\d{6})(\.(SH|SS|SZ|BJ))?$`)
	usPattern = regexp.MustCompile(`^\^?[A-Z]{1,5}(\.[A-Z]{1,2})?$`)
)

// 常见的纽交所代码，其余美股默认归入 NASDAQ
var nyseSymbols = map[string]bool{
	"BRK.A": true, "BRK.B": true, "JPM": true, "BAC": true, "WFC": true, "C": true, "GS": true,
	"MS": true, "V": true, "MA": true, "JNJ": true, "PG": true, "KO": true, "PFE": true,
	"MRK": true, "XOM": true, "CVX": true, "WMT": true, "DIS": true, "HD": true, "IBM": true,
	"T": true, "VZ": true, "NKE": true, "MCD": true, "BA": true, "CAT": true, "GE": true,
	"BABA": true, "NIO": true, "TSM": true, "UNH": true, "LLY": true, "ORCL": true, "CRM": true,
}

// Classify 对原始代码进行分类。该函数是全函数：不会 panic，无法识别时返回 Unknown
func Classify(raw string) MarketInfo {
	s := strings.ToUpper(strings.TrimSpace(width.Fold.String(raw)))
	info := MarketInfo{Market: Unknown, Raw: raw}
	if s == "" {
		return info
	}

	if m := hkPattern.FindStringSubmatch(s); m != nil {
		digits := m[1]
		if len(digits) == 4 {
			digits = "0" + digits
		}
		info.Market = HK
		info.Currency = "HKD"
		info.Exchange = ExchangeHKG
		info.NormalizedSymbol = digits + ".HK"
		return info
	}

	if m := cnPattern.FindStringSubmatch(s); m != nil {
		code := m[1]
		info.Market = ChinaA
		info.Currency = "CNY"
		info.NormalizedSymbol = code
		switch code[0] {
		case '6', '9':
			info.Exchange = ExchangeSSE
		case '0', '3':
			info.Exchange = ExchangeSZSE
		default:
			info.Exchange = ExchangeBSE
		}
		return info
	}

	if usPattern.MatchString(s) {
		info.Market = US
		info.Currency = "USD"
		info.NormalizedSymbol = s
		info.Exchange = ExchangeNASDAQ
		if nyseSymbols[s] {
			info.Exchange = ExchangeNYSE
		}
		return info
	}

	return info
}

// HKCode 返回港股的5位数字代码（00700.HK -> 00700），非港股返回空
func (m MarketInfo) HKCode() string {
	if m.Market != HK {
		return ""
	}
	return strings.TrimSuffix(m.NormalizedSymbol, ".HK")
}

// YahooSymbol 返回 Yahoo Finance 使用的代码（港股为4位：0700.HK）
func (m MarketInfo) YahooSymbol() string {
	switch m.Market {
	case HK:
		code := m.HKCode()
		if len(code) == 5 && code[0] == '0' {
			code = code[1:]
		}
		return code + ".HK"
	case ChinaA:
		switch m.Exchange {
		case ExchangeSSE:
			return m.NormalizedSymbol + ".SS"
		case ExchangeSZSE:
			return m.NormalizedSymbol + ".SZ"
		default:
			return m.NormalizedSymbol + ".BJ"
		}
	default:
		return m.NormalizedSymbol
	}
}
