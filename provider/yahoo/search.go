package yahoo

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"tradingagents/provider"
)

// DefaultSearchURL 雅虎搜索接口，返回旧格式新闻
const DefaultSearchURL = "https://query1.finance.yahoo.com/v1/finance/search"

// NewsClient 雅虎新闻搜索
type NewsClient struct {
	baseURL string
	http    *http.Client
}

// NewNewsClient 创建新闻客户端，baseURL 为空时使用默认地址
func NewNewsClient(baseURL string, client *http.Client) *NewsClient {
	if baseURL == "" {
		baseURL = DefaultSearchURL
	}
	if client == nil {
		client = provider.NewHTTPClient(0)
	}
	return &NewsClient{baseURL: strings.TrimRight(baseURL, "/"), http: client}
}

type searchResponse struct {
	News []map[string]any `json:"news"`
}

// Search 返回原始新闻条目（未解析）
func (c *NewsClient) Search(ctx context.Context, symbol string, count int) ([]map[string]any, error) {
	if count <= 0 {
		count = 10
	}
	q := url.Values{}
	q.Set("q", symbol)
	q.Set("quotesCount", "0")
	q.Set("newsCount", strconv.Itoa(count))

	var resp searchResponse
	if err := provider.GetJSON(ctx, c.http, c.baseURL+"?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.News, nil
}
