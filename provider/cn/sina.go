package cn

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"tradingagents/config"
	"tradingagents/dataerr"
	"tradingagents/market"
	"tradingagents/news"
	"tradingagents/provider"
)

// DefaultSinaNewsURL 新浪财经个股资讯列表
const DefaultSinaNewsURL = "https://vip.stock.finance.sina.com.cn/corp/go.php/vCB_AllNewsStock/symbol"

// SinaSource 新闻来源标签
const SinaSource = "新浪财经"

var sinaDateRe = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})\s+(\d{2}:\d{2})`)

func sinaSymbol(info market.MarketInfo) string {
	switch info.Exchange {
	case market.ExchangeSSE:
		return "sh" + info.NormalizedSymbol
	case market.ExchangeSZSE:
		return "sz" + info.NormalizedSymbol
	default:
		return "bj" + info.NormalizedSymbol
	}
}

// parseSinaNews 解析资讯列表页：div.datelist 中每个链接前是 "YYYY-MM-DD HH:MM"
func parseSinaNews(body io.Reader, symbol string) ([]news.Item, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dataerr.ErrMalformedPayload, err)
	}

	var items []news.Item
	doc.Find("div.datelist ul a").Each(func(_ int, s *goquery.Selection) {
		title := strings.TrimSpace(s.Text())
		href, _ := s.Attr("href")
		if title == "" || href == "" {
			return
		}
		date := news.UnknownValue
		if prev := s.Nodes[0].PrevSibling; prev != nil {
			text := strings.ReplaceAll(prev.Data, "\u00a0", " ")
			if m := sinaDateRe.FindStringSubmatch(text); m != nil {
				date = m[1] + " " + m[2]
			}
		}
		items = append(items, news.Item{
			Title:   title,
			URL:     strings.TrimSpace(href),
			Source:  SinaSource,
			Date:    date,
			Related: symbol,
		})
	})
	return items, nil
}

// News 个股新闻（新浪财经，GBK 编码页面）
func (a *Akshare) News(ctx context.Context, info market.MarketInfo, limit int) (*provider.NewsResult, error) {
	if err := checkChina(info); err != nil {
		return nil, err
	}
	pageURL := fmt.Sprintf("%s/%s.phtml", a.newsURL, sinaSymbol(info))

	var items []news.Item
	err := a.client.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return err
		}
		resp, err := a.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &dataerr.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(raw)}
		}

		var body io.Reader = bytes.NewReader(raw)
		if !strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "utf-8") {
			body = transform.NewReader(body, simplifiedchinese.GBK.NewDecoder())
		}
		items, err = parseSinaNews(body, info.NormalizedSymbol)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("获取 %s 新闻失败: %w", info.NormalizedSymbol, err)
	}

	items = news.Clean(items, a.paid.Current())
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return &provider.NewsResult{
		Symbol:    info.NormalizedSymbol,
		Source:    config.SourceAkshare,
		FetchedAt: a.now(),
		Items:     items,
	}, nil
}
