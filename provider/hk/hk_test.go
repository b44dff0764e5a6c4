package hk

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingagents/config"
	"tradingagents/market"
	"tradingagents/news"
	"tradingagents/provider/yahoo"
	"tradingagents/ratelimit"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *clock) Sleep(ctx context.Context, d time.Duration) error {
	if d > 0 {
		c.Advance(d)
	}
	return ctx.Err()
}

type fakeSource struct {
	clock   *clock
	profile *yahoo.Profile
	err     error
	starts  []time.Time
	calls   int
}

func (f *fakeSource) History(ctx context.Context, symbol, period string) ([]yahoo.HistoryBar, error) {
	f.calls++
	f.starts = append(f.starts, f.clock.Now())
	if f.err != nil {
		return nil, f.err
	}
	d := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	return []yahoo.HistoryBar{{Date: d, Close: 300}}, nil
}

func (f *fakeSource) Profile(ctx context.Context, symbol string) (*yahoo.Profile, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.profile, nil
}

func (f *fakeSource) Price(ctx context.Context, symbol string) (float64, error) {
	f.calls++
	return 0, f.err
}

func newTestProvider(t *testing.T, src *fakeSource, cacheFile string) *Provider {
	t.Helper()
	cfg := config.DefaultConfig()
	rl := ratelimit.FromRateLimit(cfg.RateLimitFor(SourceName))
	client := ratelimit.NewClient(SourceName, rl, ratelimit.WithClock(src.clock.Now, src.clock.Sleep))
	return NewWithYahoo(src, nil, client, news.NewPaidRegistry(nil), NewNameCache(cacheFile, src.clock.Now))
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC)}
}

func TestBuiltinNameWithoutNetwork(t *testing.T) {
	src := &fakeSource{clock: newClock(), err: errors.New("不应访问网络")}
	cacheFile := filepath.Join(t.TempDir(), "hk_stock_cache.json")
	p := newTestProvider(t, src, cacheFile)

	info := market.Classify("0700")
	require.Equal(t, "00700.HK", info.NormalizedSymbol)

	si, err := p.Info(context.Background(), info)
	require.NoError(t, err)
	assert.Equal(t, "腾讯控股", si.Name)
	assert.Equal(t, "HKD", si.Currency)
	assert.Equal(t, NameSourceBuiltin, si.Source)
	assert.Zero(t, src.calls, "内置表命中时不应调用网络")

	data, err := os.ReadFile(cacheFile)
	require.NoError(t, err)
	var entries map[string]NameEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	assert.Equal(t, NameSourceBuiltin, entries["00700.HK"].Source)
	assert.Equal(t, "腾讯控股", entries["00700.HK"].Data)
}

func TestNetworkFallbackCached(t *testing.T) {
	src := &fakeSource{clock: newClock(), profile: &yahoo.Profile{LongName: "SUNNY OPTICAL"}}
	cacheFile := filepath.Join(t.TempDir(), "hk_stock_cache.json")
	p := newTestProvider(t, src, cacheFile)
	info := market.Classify("06060.HK")

	si, err := p.Info(context.Background(), info)
	require.NoError(t, err)
	assert.Equal(t, "SUNNY OPTICAL", si.Name)
	assert.Equal(t, NameSourceNetwork, si.Source)
	assert.Equal(t, 1, src.calls)

	// 重新加载缓存文件，24 小时内不再访问网络
	p2 := newTestProvider(t, src, cacheFile)
	name, source := p2.CompanyName(context.Background(), info)
	assert.Equal(t, "SUNNY OPTICAL", name)
	assert.Equal(t, NameSourceNetwork, source)
	assert.Equal(t, 1, src.calls)

	src.clock.Advance(NameTTL + time.Minute)
	src.profile = &yahoo.Profile{LongName: "ZA ONLINE"}
	name, _ = p2.CompanyName(context.Background(), info)
	assert.Equal(t, "ZA ONLINE", name, "过期后重新获取")
}

func TestDefaultNameOnFailure(t *testing.T) {
	src := &fakeSource{clock: newClock(), err: errors.New("HTTP 错误 404: Not Found")}
	p := newTestProvider(t, src, "")

	si, err := p.Info(context.Background(), market.Classify("8888.HK"))
	require.NoError(t, err)
	assert.Equal(t, "港股08888", si.Name)
	assert.Equal(t, NameSourceDefault, si.Source)
	assert.True(t, si.Provisional(), "默认名称是占位结果")
}

func TestRateLimitSpacing(t *testing.T) {
	src := &fakeSource{clock: newClock()}
	p := newTestProvider(t, src, "")
	info := market.Classify("0700.HK")

	_, err := p.Bars(context.Background(), info, "2024-01-02", "2024-01-05")
	require.NoError(t, err)
	src.clock.Advance(500 * time.Millisecond)
	_, err = p.Bars(context.Background(), info, "2024-01-02", "2024-01-05")
	require.NoError(t, err)

	require.Len(t, src.starts, 2)
	assert.GreaterOrEqual(t, src.starts[1].Sub(src.starts[0]), 2*time.Second)
}

func TestRejectsOtherMarkets(t *testing.T) {
	p := newTestProvider(t, &fakeSource{clock: newClock()}, "")
	_, err := p.Info(context.Background(), market.Classify("AAPL"))
	assert.Error(t, err)
}
