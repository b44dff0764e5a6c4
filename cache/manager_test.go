package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingagents/dataerr"
	"tradingagents/event"
)

func countEvents(bus *event.EventBus, t event.EventType) int {
	bus.Close()
	n := 0
	for e := range bus.Subscribe() {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newFileManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	return NewManager(context.Background(), fb, nil, opts)
}

func TestManagerRoundTripFile(t *testing.T) {
	ctx := context.Background()
	m := newFileManager(t, Options{FallbackEnabled: true})
	defer m.Close()

	payload := []byte(`{"symbol":"600036","rows":[]}`)
	fp, err := m.Save(ctx, KindBars, "600036", "2024-01-02", "2024-01-05", "akshare", payload, time.Hour)
	require.NoError(t, err)

	got, ok := m.Load(ctx, fp)
	require.True(t, ok)
	assert.Equal(t, payload, got)

	found, ok := m.Find(ctx, KindBars, "600036", "2024-01-02", "2024-01-05", "akshare")
	require.True(t, ok)
	assert.Equal(t, fp, found)

	_, ok = m.Find(ctx, KindBars, "600036", "2024-01-02", "2024-01-05", "tushare")
	assert.False(t, ok, "不同来源应是不同的条目")

	// 幂等写入
	fp2, err := m.Save(ctx, KindBars, "600036", "2024-01-02", "2024-01-05", "akshare", payload, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, fp, fp2)
	assert.EqualValues(t, 1, m.Stats(ctx).EntryCount)

	m.Evict(ctx, fp)
	m.Evict(ctx, fp)
	_, ok = m.Load(ctx, fp)
	assert.False(t, ok)
}

func TestManagerRoundTripRedis(t *testing.T) {
	ctx := context.Background()
	_, rb := newMiniRedisBackend(t)
	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	m := NewManager(ctx, fb, []Backend{rb}, Options{FallbackEnabled: true})
	defer m.Close()
	require.Equal(t, BackendRedis, m.Backend())

	cases := []struct {
		kind   Kind
		symbol string
		source string
	}{
		{KindBars, "AAPL", "yfinance"},
		{KindNews, "00700.HK", "yfinance"},
		{KindInfo, "600036", "tushare"},
		{KindSentiment, "TSLA", "finnhub"},
	}
	for _, c := range cases {
		payload := []byte(`{"k":"` + string(c.kind) + `"}`)
		fp, err := m.Save(ctx, c.kind, c.symbol, "", "", c.source, payload, time.Hour)
		require.NoError(t, err)
		got, ok := m.Load(ctx, fp)
		require.True(t, ok, "%s %s 应命中", c.kind, c.symbol)
		assert.Equal(t, payload, got)
		found, ok := m.Find(ctx, c.kind, c.symbol, "", "", c.source)
		require.True(t, ok)
		assert.Equal(t, fp, found)
	}

	stats := m.Stats(ctx)
	assert.Equal(t, BackendRedis, stats.Backend)
	assert.EqualValues(t, len(cases), stats.EntryCount)
	assert.False(t, stats.FallbackActive)
}

func TestManagerExpiredAndSchemaMismatch(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	version := 1
	m := newFileManager(t, Options{
		Now:           func() time.Time { return now },
		SchemaVersion: func(Kind) int { return version },
	})

	fp, err := m.Save(ctx, KindNews, "AAPL", "", "", "yfinance", []byte("[]"), time.Minute)
	require.NoError(t, err)
	_, ok := m.Load(ctx, fp)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = m.Load(ctx, fp)
	assert.False(t, ok, "过期条目应视为未命中")
	_, ok = m.Find(ctx, KindNews, "AAPL", "", "", "yfinance")
	assert.False(t, ok, "过期条目应被惰性删除")

	fp, err = m.Save(ctx, KindNews, "AAPL", "", "", "yfinance", []byte("[]"), time.Hour)
	require.NoError(t, err)
	version = 2
	_, ok = m.Load(ctx, fp)
	assert.False(t, ok, "schema 版本不同应视为未命中")
}

func TestManagerDowngradeOnRedisLoss(t *testing.T) {
	ctx := context.Background()
	mr, rb := newMiniRedisBackend(t)
	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	bus := event.NewEventBus(100)
	m := NewManager(ctx, fb, []Backend{rb}, Options{
		Preference:      []string{BackendRedis, BackendFile},
		FallbackEnabled: true,
		OpTimeout:       time.Second,
		Bus:             bus,
	})
	defer m.Close()
	require.Equal(t, BackendRedis, m.Backend())

	fp1, err := m.Save(ctx, KindBars, "AAPL", "2024-01-02", "2024-01-05", "yfinance", []byte("first"), time.Hour)
	require.NoError(t, err)

	// 模拟连接丢失
	mr.Close()

	fp2, err := m.Save(ctx, KindBars, "MSFT", "2024-01-02", "2024-01-05", "yfinance", []byte("second"), time.Hour)
	require.NoError(t, err, "降级后写入应成功")
	got, ok := m.Load(ctx, fp2)
	require.True(t, ok)
	assert.Equal(t, []byte("second"), got)

	_, err = m.Save(ctx, KindBars, "TSLA", "2024-01-02", "2024-01-05", "yfinance", []byte("third"), time.Hour)
	require.NoError(t, err)

	stats := m.Stats(ctx)
	assert.Equal(t, BackendFile, stats.Backend)
	assert.True(t, stats.FallbackActive)
	assert.EqualValues(t, 2, stats.EntryCount)

	// 未镜像的条目在降级后不可见
	_, ok = m.Load(ctx, fp1)
	assert.False(t, ok)

	assert.Equal(t, 1, countEvents(bus, event.EventTypeCacheBackendDegraded), "降级事件应恰好一次")

	for _, h := range m.Health() {
		if h.Backend == BackendRedis {
			assert.False(t, h.Available)
		}
	}
}

func TestManagerMirrorSurvivesDowngrade(t *testing.T) {
	ctx := context.Background()
	mr, rb := newMiniRedisBackend(t)
	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	m := NewManager(ctx, fb, []Backend{rb}, Options{
		FallbackEnabled: true,
		MirrorToFile:    true,
		OpTimeout:       time.Second,
	})
	defer m.Close()

	fp, err := m.Save(ctx, KindFundamentals, "AAPL", "", "", "yfinance", []byte("mirrored"), time.Hour)
	require.NoError(t, err)

	mr.Close()
	// 读取失败触发重新探测并降级
	_, ok := m.Load(ctx, fp)
	assert.False(t, ok)
	assert.Equal(t, BackendFile, m.Backend())

	got, ok := m.Load(ctx, fp)
	require.True(t, ok, "镜像条目应在文件后端继续可用")
	assert.Equal(t, []byte("mirrored"), got)
}

func TestManagerRefreshRestoresPrimary(t *testing.T) {
	ctx := context.Background()
	mr, rb := newMiniRedisBackend(t)
	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	m := NewManager(ctx, fb, []Backend{rb}, Options{FallbackEnabled: true, OpTimeout: time.Second})
	defer m.Close()

	mr.Close()
	_, err = m.Save(ctx, KindBars, "AAPL", "", "", "yfinance", []byte("x"), time.Hour)
	require.NoError(t, err)
	require.Equal(t, BackendFile, m.Backend())

	require.NoError(t, mr.Restart())
	// 降级是粘性的，恢复后仍使用文件后端
	_, err = m.Save(ctx, KindBars, "MSFT", "", "", "yfinance", []byte("y"), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, BackendFile, m.Backend())

	assert.Equal(t, BackendRedis, m.Refresh(ctx))
	assert.False(t, m.Stats(ctx).FallbackActive)
}

func TestManagerFallbackDisabled(t *testing.T) {
	ctx := context.Background()
	mr, rb := newMiniRedisBackend(t)
	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	m := NewManager(ctx, fb, []Backend{rb}, Options{FallbackEnabled: false, OpTimeout: time.Second})
	defer m.Close()
	mr.Close()

	_, err = m.Save(ctx, KindBars, "AAPL", "", "", "yfinance", []byte("x"), time.Hour)
	var writeErr *dataerr.CacheWriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, BackendRedis, m.Backend(), "未启用降级时不应切换后端")

	_, ok := m.Load(ctx, "missing")
	assert.False(t, ok, "读取错误只返回未命中")
}

func TestManagerStartupSelection(t *testing.T) {
	ctx := context.Background()
	mr, rb := newMiniRedisBackend(t)
	mr.Close()
	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	m := NewManager(ctx, fb, []Backend{rb}, Options{FallbackEnabled: true, OpTimeout: time.Second})
	defer m.Close()

	assert.Equal(t, BackendFile, m.Backend(), "启动时首选后端不可用应选择下一个")
	health := m.Health()
	require.Len(t, health, 2)
	assert.Equal(t, BackendRedis, health[0].Backend)
	assert.False(t, health[0].Available)
	assert.True(t, health[1].Available)
	assert.True(t, m.Stats(ctx).FallbackActive)
}

func TestPreferenceOrder(t *testing.T) {
	assert.Equal(t, []string{"redis", "mongodb", "file"}, Preference(""))
	assert.Equal(t, []string{"mongodb", "redis", "file"}, Preference("mongodb"))
}

func TestCleanupJob(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := newFileManager(t, Options{Now: func() time.Time { return now }})

	_, err := m.Save(ctx, KindRealtime, "AAPL", "", "", "yfinance", []byte("{}"), time.Minute)
	require.NoError(t, err)
	now = now.Add(time.Hour)

	job := NewCleanupJob(m)
	assert.Equal(t, "cache_cleanup", job.Name())
	require.NoError(t, job.Run(ctx))
	assert.EqualValues(t, 0, m.Stats(ctx).EntryCount)
}

// rejectingBackend 探测正常但写入总是失败（如 redis OOM）
type rejectingBackend struct {
	Backend
	puts int
}

func (r *rejectingBackend) Put(ctx context.Context, entry *Entry) error {
	r.puts++
	return errors.New("OOM command not allowed when used memory > 'maxmemory'")
}

func TestManagerHealthyPrimaryWriteFailureFallsToFile(t *testing.T) {
	ctx := context.Background()
	_, rb := newMiniRedisBackend(t)
	rejecting := &rejectingBackend{Backend: rb}
	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	bus := event.NewEventBus(10)

	m := NewManager(ctx, fb, []Backend{rejecting}, Options{FallbackEnabled: true, Bus: bus})
	defer m.Close()
	require.Equal(t, BackendRedis, m.Backend())

	fp, err := m.Save(ctx, KindBars, "AAPL", "", "", "yfinance", []byte("x"), time.Hour)
	require.NoError(t, err, "文件后端可写时不应返回 CacheWriteError")
	assert.Equal(t, 2, rejecting.puts, "主后端应重试一次")

	ok, err := fb.Exists(ctx, fp)
	require.NoError(t, err)
	assert.True(t, ok, "条目应写入文件后端")
	assert.Equal(t, BackendRedis, m.Backend(), "主后端仍健康时不做粘性降级")
	assert.Zero(t, countEvents(bus, event.EventTypeCacheBackendDegraded))
}

func TestManagerWriteErrorWhenFileAlsoFails(t *testing.T) {
	ctx := context.Background()
	_, rb := newMiniRedisBackend(t)
	root := t.TempDir()
	fb, err := NewFileBackend(root)
	require.NoError(t, err)

	m := NewManager(ctx, fb, []Backend{&rejectingBackend{Backend: rb}}, Options{FallbackEnabled: true})
	defer m.Close()

	// 文件后端根目录被替换为普通文件，写入必然失败
	require.NoError(t, os.RemoveAll(root))
	require.NoError(t, os.WriteFile(root, []byte("blocked"), 0644))

	_, err = m.Save(ctx, KindBars, "AAPL", "", "", "yfinance", []byte("x"), time.Hour)
	var writeErr *dataerr.CacheWriteError
	require.True(t, errors.As(err, &writeErr), "主后端与文件后端都失败才返回 CacheWriteError")
}

func TestManagerFindSkipsExpiredBeforeCleanup(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	m := NewManager(ctx, fb, nil, Options{Now: func() time.Time { return now }})
	defer m.Close()

	fp, err := m.Save(ctx, KindRealtime, "00700.HK", "", "", "yfinance", []byte("{}"), time.Minute)
	require.NoError(t, err)
	found, ok := m.Find(ctx, KindRealtime, "00700.HK", "", "", "yfinance")
	require.True(t, ok)
	assert.Equal(t, fp, found)

	now = now.Add(2 * time.Minute)
	_, ok = m.Find(ctx, KindRealtime, "00700.HK", "", "", "yfinance")
	assert.False(t, ok, "过期但尚未清理的条目不应被找到")

	// 索引文件仍在，只是已失效
	valid, err := fb.ExistsAt(ctx, fp, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, valid)
}
