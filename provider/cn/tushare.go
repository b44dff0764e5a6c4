package cn

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"tradingagents/config"
	"tradingagents/dataerr"
	"tradingagents/market"
	"tradingagents/provider"
	"tradingagents/ratelimit"
	"tradingagents/utils"
)

// DefaultTushareURL tushare pro 接口地址
const DefaultTushareURL = "http://api.tushare.pro"

// Tushare tushare pro HTTP 数据源
type Tushare struct {
	url    string
	token  string
	http   *http.Client
	client *ratelimit.Client
	now    func() time.Time
}

// TushareOption 可选参数
type TushareOption func(*Tushare)

// WithTushareURL 替换接口地址
func WithTushareURL(u string) TushareOption {
	return func(t *Tushare) { t.url = u }
}

// WithTushareNow 替换时钟
func WithTushareNow(now func() time.Time) TushareOption {
	return func(t *Tushare) { t.now = now }
}

// NewTushare 创建 tushare 数据源
func NewTushare(token string, client *ratelimit.Client, opts ...TushareOption) *Tushare {
	t := &Tushare{
		url:    DefaultTushareURL,
		token:  token,
		http:   provider.NewHTTPClient(0),
		client: client,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.client == nil {
		t.client = ratelimit.NewClient(config.SourceTushare, ratelimit.Config{})
	}
	return t
}

// Name 数据源名称
func (t *Tushare) Name() string { return config.SourceTushare }

type tushareRequest struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields"`
}

type tushareResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		Fields []string `json:"fields"`
		Items  [][]any  `json:"items"`
	} `json:"data"`
}

// tushare 错误码：40001/40101 token 无效，40203 访问频率超限
func (r *tushareResponse) err() error {
	switch {
	case r.Code == 0:
		return nil
	case r.Code == 40203 || strings.Contains(r.Msg, "每分钟最多访问") || strings.Contains(r.Msg, "每小时最多访问"):
		return fmt.Errorf("Rate limited: tushare %d %s", r.Code, r.Msg)
	case r.Code == 40001 || r.Code == 40101 || strings.Contains(r.Msg, "token"):
		return dataerr.Fatal(config.SourceTushare, fmt.Errorf("认证失败 %d: %s", r.Code, r.Msg))
	default:
		return dataerr.Fatal(config.SourceTushare, fmt.Errorf("接口错误 %d: %s", r.Code, r.Msg))
	}
}

// query 调用接口并按字段名返回行
func (t *Tushare) query(ctx context.Context, api string, params map[string]string, fields string) ([]map[string]any, error) {
	if t.token == "" {
		return nil, dataerr.Fatal(config.SourceTushare, fmt.Errorf("未配置 TUSHARE_TOKEN"))
	}
	req := tushareRequest{APIName: api, Token: t.token, Params: params, Fields: fields}

	var rows []map[string]any
	err := t.client.Do(ctx, func(ctx context.Context) error {
		var resp tushareResponse
		if err := provider.PostJSON(ctx, t.http, t.url, req, &resp); err != nil {
			return err
		}
		if err := resp.err(); err != nil {
			return err
		}
		if resp.Data == nil || len(resp.Data.Items) == 0 {
			return dataerr.ErrEmptyResponse
		}
		rows = make([]map[string]any, 0, len(resp.Data.Items))
		for _, item := range resp.Data.Items {
			if len(item) != len(resp.Data.Fields) {
				return fmt.Errorf("%w: 字段数 %d 与数据列数 %d 不一致", dataerr.ErrMalformedPayload, len(resp.Data.Fields), len(item))
			}
			row := make(map[string]any, len(item))
			for i, f := range resp.Data.Fields {
				row[f] = item[i]
			}
			rows = append(rows, row)
		}
		return nil
	})
	return rows, err
}

func num(row map[string]any, key string) float64 {
	v, _ := toFloat(row[key])
	return v
}

func str(row map[string]any, key string) string {
	s, _ := row[key].(string)
	return s
}

// Bars 日K（daily，未复权）
func (t *Tushare) Bars(ctx context.Context, info market.MarketInfo, start, end string) (*provider.BarSeries, error) {
	if err := checkChina(info); err != nil {
		return nil, err
	}
	start, end = provider.DefaultRange(start, end, t.now())
	if _, _, err := provider.ParseRange(start, end); err != nil {
		return nil, err
	}

	rows, err := t.query(ctx, "daily", map[string]string{
		"ts_code":    TSCode(info),
		"start_date": compactDate(start),
		"end_date":   compactDate(end),
	}, "ts_code,trade_date,open,high,low,close,vol,amount")
	if err != nil {
		return nil, fmt.Errorf("获取 %s K线失败: %w", TSCode(info), err)
	}

	series := &provider.BarSeries{
		Symbol:    info.NormalizedSymbol,
		Start:     start,
		End:       end,
		Currency:  info.Currency,
		Source:    config.SourceTushare,
		FetchedAt: t.now(),
		Rows:      make([]provider.Bar, 0, len(rows)),
	}
	for _, row := range rows {
		series.Rows = append(series.Rows, provider.Bar{
			Date:   expandDate(str(row, "trade_date")),
			Open:   num(row, "open"),
			High:   num(row, "high"),
			Low:    num(row, "low"),
			Close:  num(row, "close"),
			Volume: num(row, "vol") * 100,
		})
	}
	if err := series.Normalize(); err != nil {
		return nil, err
	}
	return series, nil
}

// Info 基本信息（stock_basic）
func (t *Tushare) Info(ctx context.Context, info market.MarketInfo) (*provider.StockInfo, error) {
	if err := checkChina(info); err != nil {
		return nil, err
	}
	rows, err := t.query(ctx, "stock_basic", map[string]string{"ts_code": TSCode(info)},
		"ts_code,symbol,name,area,industry,market,list_date")
	if err != nil {
		return nil, fmt.Errorf("获取 %s 基本信息失败: %w", TSCode(info), err)
	}
	row := rows[0]
	return &provider.StockInfo{
		Symbol:    info.NormalizedSymbol,
		Name:      str(row, "name"),
		Currency:  info.Currency,
		Exchange:  info.Exchange,
		Industry:  str(row, "industry"),
		Country:   "CN",
		Source:    config.SourceTushare,
		FetchedAt: t.now(),
	}, nil
}

// latestRows 最近 15 天的行，按交易日倒序
func (t *Tushare) latestRows(ctx context.Context, api string, info market.MarketInfo, fields string) ([]map[string]any, error) {
	now := t.now()
	rows, err := t.query(ctx, api, map[string]string{
		"ts_code":    TSCode(info),
		"start_date": now.AddDate(0, 0, -15).Format("20060102"),
		"end_date":   now.Format("20060102"),
	}, fields)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return str(rows[i], "trade_date") > str(rows[j], "trade_date")
	})
	return rows, nil
}

// Realtime 最近交易日收盘价（tushare 无实时接口）
func (t *Tushare) Realtime(ctx context.Context, info market.MarketInfo) (*provider.Quote, error) {
	if err := checkChina(info); err != nil {
		return nil, err
	}
	rows, err := t.latestRows(ctx, "daily", info, "ts_code,trade_date,open,high,low,close,pre_close,change,pct_chg,vol")
	if err != nil {
		return nil, fmt.Errorf("获取 %s 行情失败: %w", TSCode(info), err)
	}
	row := rows[0]
	ts, err := time.ParseInLocation(utils.DateLayout, expandDate(str(row, "trade_date")), utils.Location())
	if err != nil {
		ts = t.now()
	}
	q := &provider.Quote{
		Symbol:        info.NormalizedSymbol,
		Price:         num(row, "close"),
		PrevClose:     num(row, "pre_close"),
		Open:          num(row, "open"),
		High:          num(row, "high"),
		Low:           num(row, "low"),
		Volume:        num(row, "vol") * 100,
		Change:        num(row, "change"),
		ChangePercent: num(row, "pct_chg"),
		Currency:      info.Currency,
		Source:        config.SourceTushare,
		Timestamp:     ts,
	}
	q.FillChange()
	return q, nil
}

// News tushare 无个股新闻
func (t *Tushare) News(ctx context.Context, info market.MarketInfo, limit int) (*provider.NewsResult, error) {
	return nil, dataerr.ErrNotSupported
}

// Fundamentals 每日指标（daily_basic）最新一行，市值单位万元换算为元
func (t *Tushare) Fundamentals(ctx context.Context, info market.MarketInfo) (*provider.Fundamentals, error) {
	if err := checkChina(info); err != nil {
		return nil, err
	}
	rows, err := t.latestRows(ctx, "daily_basic", info, "ts_code,trade_date,pe,pe_ttm,pb,ps,dv_ratio,turnover_rate,total_mv,circ_mv")
	if err != nil {
		return nil, fmt.Errorf("获取 %s 基本面失败: %w", TSCode(info), err)
	}
	row := rows[0]
	metrics := make(map[string]float64)
	for _, key := range []string{"pe", "pe_ttm", "pb", "ps", "dv_ratio", "turnover_rate"} {
		if v, ok := toFloat(row[key]); ok {
			metrics[key] = v
		}
	}
	if v, ok := toFloat(row["total_mv"]); ok {
		metrics["total_market_cap"] = v * 1e4
	}
	if v, ok := toFloat(row["circ_mv"]); ok {
		metrics["float_market_cap"] = v * 1e4
	}
	return &provider.Fundamentals{
		Symbol:    info.NormalizedSymbol,
		Currency:  info.Currency,
		Source:    config.SourceTushare,
		FetchedAt: t.now(),
		Metrics:   metrics,
	}, nil
}

