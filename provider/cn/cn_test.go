package cn

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"

	"tradingagents/config"
	"tradingagents/dataerr"
	"tradingagents/market"
	"tradingagents/news"
	"tradingagents/ratelimit"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func testClient(name string) *ratelimit.Client {
	return ratelimit.NewClient(name, ratelimit.Config{MaxRetries: 2}, ratelimit.WithClock(time.Now, noSleep))
}

func fixedNow() time.Time { return time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC) }

func TestTSCode(t *testing.T) {
	assert.Equal(t, "600036.SH", TSCode(market.Classify("600036")))
	assert.Equal(t, "000001.SZ", TSCode(market.Classify("000001")))
	assert.Equal(t, "430047.BJ", TSCode(market.Classify("430047")))
}

func TestChainFollowsPreference(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers.CNPreference = []string{config.SourceTongdaxin, config.SourceTushare, config.SourceAkshare}
	d := Deps{Config: cfg, Limits: ratelimit.NewRegistry(cfg)}

	names := func() []string {
		var out []string
		for _, p := range Chain(d) {
			out = append(out, p.Name())
		}
		return out
	}
	assert.Equal(t, []string{config.SourceTongdaxin, config.SourceAkshare}, names(), "未配置 token 时跳过 tushare")

	cfg.Providers.TushareToken = "token"
	assert.Equal(t, []string{config.SourceTongdaxin, config.SourceTushare, config.SourceAkshare}, names())
}

func newEastmoney(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/kline", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1.600036", r.URL.Query().Get("secid"))
		assert.Equal(t, "20240102", r.URL.Query().Get("beg"))
		w.Write([]byte(`{"data":{"code":"600036","name":"招商银行","klines":[
			"2024-01-02,32.50,32.80,33.00,32.10,100000,328000000",
			"2024-01-03,32.80,32.45,32.90,32.30,90000,292000000",
			"2024-01-04,32.45,33.12,33.20,32.40,120000,397000000"]}}`))
	})
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"f43":33.12,"f44":33.2,"f45":32.4,"f46":32.45,"f47":120000,
			"f57":"600036","f58":"招商银行","f60":32.45,"f116":835000000000.0,"f127":"银行","f162":5.3,"f167":"0.82","f168":"-","f169":0.67,"f170":2.06}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAkshareBars(t *testing.T) {
	srv := newEastmoney(t)
	a := NewAkshare(testClient(config.SourceAkshare), nil,
		WithEastmoneyURLs(srv.URL+"/kline", srv.URL+"/quote"), WithAkshareNow(fixedNow))

	series, err := a.Bars(context.Background(), market.Classify("600036"), "2024-01-02", "2024-01-04")
	require.NoError(t, err)
	require.Len(t, series.Rows, 3)
	assert.Equal(t, config.SourceAkshare, series.Source)
	assert.Equal(t, "CNY", series.Currency)
	assert.Equal(t, 32.8, series.Rows[0].Close)
	assert.Equal(t, 10000000.0, series.Rows[0].Volume, "成交量由手换算为股")
}

func TestAkshareQuoteInfoFundamentals(t *testing.T) {
	srv := newEastmoney(t)
	a := NewAkshare(testClient(config.SourceAkshare), nil,
		WithEastmoneyURLs(srv.URL+"/kline", srv.URL+"/quote"), WithAkshareNow(fixedNow))
	info := market.Classify("600036")

	q, err := a.Realtime(context.Background(), info)
	require.NoError(t, err)
	assert.Equal(t, "招商银行", q.Name)
	assert.Equal(t, 33.12, q.Price)
	assert.Equal(t, 2.06, q.ChangePercent)

	si, err := a.Info(context.Background(), info)
	require.NoError(t, err)
	assert.Equal(t, "招商银行", si.Name)
	assert.Equal(t, "银行", si.Industry)
	assert.Equal(t, market.ExchangeSSE, si.Exchange)

	f, err := a.Fundamentals(context.Background(), info)
	require.NoError(t, err)
	assert.Equal(t, 0.82, f.Metrics["pb"])
	_, hasTurnover := f.Metrics["turnover_rate"]
	assert.False(t, hasTurnover, "\"-\" 不应作为数值")
}

func TestAkshareMalformedKline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"klines":["2024-01-02,abc"]}}`))
	}))
	defer srv.Close()
	a := NewAkshare(testClient(config.SourceAkshare), nil, WithEastmoneyURLs(srv.URL, srv.URL), WithAkshareNow(fixedNow))

	_, err := a.Bars(context.Background(), market.Classify("000001"), "2024-01-02", "2024-01-04")
	assert.ErrorIs(t, err, dataerr.ErrMalformedPayload)
}

const sinaPage = `<html><head><meta charset="gb2312"></head><body>
<div class="datelist"><ul>
&nbsp;&nbsp;&nbsp;&nbsp;2024-01-05&nbsp;10:30&nbsp;&nbsp;<a target='_blank' href='https://finance.sina.com.cn/a1.shtml'>招商银行发布业绩快报</a><br>
&nbsp;&nbsp;&nbsp;&nbsp;2024-01-05&nbsp;09:00&nbsp;&nbsp;<a target='_blank' href='https://finance.sina.com.cn/a2.shtml'>招商银行发布业绩快报</a><br>
&nbsp;&nbsp;&nbsp;&nbsp;2024-01-04&nbsp;16:12&nbsp;&nbsp;<a target='_blank' href='https://finance.sina.com.cn/a3.shtml'>银行板块午后走强</a><br>
</ul></div></body></html>`

func TestAkshareSinaNewsGBK(t *testing.T) {
	encoded, err := simplifiedchinese.GBK.NewEncoder().String(sinaPage)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sh600036.phtml", r.URL.Path)
		w.Header().Set("Content-Type", "text/html; charset=gb2312")
		io.WriteString(w, encoded)
	}))
	defer srv.Close()

	a := NewAkshare(testClient(config.SourceAkshare), news.NewPaidRegistry(nil), WithSinaNewsURL(srv.URL), WithAkshareNow(fixedNow))
	res, err := a.News(context.Background(), market.Classify("600036"), 10)
	require.NoError(t, err)
	require.Len(t, res.Items, 2, "重复标题应去重")
	assert.Equal(t, "招商银行发布业绩快报", res.Items[0].Title)
	assert.Equal(t, "2024-01-05 10:30", res.Items[0].Date)
	assert.Equal(t, "https://finance.sina.com.cn/a1.shtml", res.Items[0].URL)
	assert.Equal(t, SinaSource, res.Items[1].Source)
	assert.Equal(t, "600036", res.Items[1].Related)
}

func newTushareServer(t *testing.T, handler func(req tushareRequest) any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var req tushareRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(handler(req))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestTushareDaily(t *testing.T) {
	srv, _ := newTushareServer(t, func(req tushareRequest) any {
		assert.Equal(t, "daily", req.APIName)
		assert.Equal(t, "tok", req.Token)
		assert.Equal(t, "000001.SZ", req.Params["ts_code"])
		return map[string]any{"code": 0, "msg": "", "data": map[string]any{
			"fields": []string{"ts_code", "trade_date", "open", "high", "low", "close", "vol", "amount"},
			"items": [][]any{
				{"000001.SZ", "20240103", 9.3, 9.4, 9.2, 9.35, 1000.0, 9350.0},
				{"000001.SZ", "20240102", 9.2, 9.35, 9.1, 9.3, 1200.0, 11160.0},
			},
		}}
	})
	p := NewTushare("tok", testClient(config.SourceTushare), WithTushareURL(srv.URL), WithTushareNow(fixedNow))

	series, err := p.Bars(context.Background(), market.Classify("000001"), "2024-01-02", "2024-01-03")
	require.NoError(t, err)
	require.Len(t, series.Rows, 2)
	assert.Equal(t, "2024-01-02", series.Rows[0].Date, "按日期升序")
	assert.Equal(t, 120000.0, series.Rows[0].Volume)
}

func TestTushareAuthErrorIsFatal(t *testing.T) {
	srv, hits := newTushareServer(t, func(req tushareRequest) any {
		return map[string]any{"code": 40101, "msg": "您的token不对，请确认。"}
	})
	p := NewTushare("bad", testClient(config.SourceTushare), WithTushareURL(srv.URL), WithTushareNow(fixedNow))

	_, err := p.Info(context.Background(), market.Classify("600036"))
	require.Error(t, err)
	assert.True(t, dataerr.IsFatal(err))
	assert.EqualValues(t, 1, hits.Load())
}

func TestTushareRateLimitRetried(t *testing.T) {
	var calls atomic.Int32
	srv, _ := newTushareServer(t, func(req tushareRequest) any {
		if calls.Add(1) == 1 {
			return map[string]any{"code": 40203, "msg": "抱歉，您每分钟最多访问该接口200次"}
		}
		return map[string]any{"code": 0, "data": map[string]any{
			"fields": []string{"ts_code", "name", "industry"},
			"items":  [][]any{{"600036.SH", "招商银行", "银行"}},
		}}
	})
	p := NewTushare("tok", testClient(config.SourceTushare), WithTushareURL(srv.URL), WithTushareNow(fixedNow))

	si, err := p.Info(context.Background(), market.Classify("600036"))
	require.NoError(t, err)
	assert.Equal(t, "招商银行", si.Name)
	assert.EqualValues(t, 2, calls.Load())
}

func TestTushareFundamentalsLatestRow(t *testing.T) {
	srv, _ := newTushareServer(t, func(req tushareRequest) any {
		return map[string]any{"code": 0, "data": map[string]any{
			"fields": []string{"ts_code", "trade_date", "pe", "pb", "total_mv"},
			"items": [][]any{
				{"600036.SH", "20240103", 5.1, 0.80, 8000000.0},
				{"600036.SH", "20240105", 5.3, 0.82, 8350000.0},
			},
		}}
	})
	p := NewTushare("tok", testClient(config.SourceTushare), WithTushareURL(srv.URL), WithTushareNow(fixedNow))

	f, err := p.Fundamentals(context.Background(), market.Classify("600036"))
	require.NoError(t, err)
	assert.Equal(t, 5.3, f.Metrics["pe"])
	assert.Equal(t, 8.35e10, f.Metrics["total_market_cap"])
}
