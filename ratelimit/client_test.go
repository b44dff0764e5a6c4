package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingagents/config"
	"tradingagents/dataerr"
)

// fakeClock 手动推进的时钟，sleep 直接推进时间
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if d > 0 {
		f.sleeps = append(f.sleeps, d)
		f.now = f.now.Add(d)
	}
	return nil
}

func (f *fakeClock) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

func newTestClient(cfg Config, clock *fakeClock) *Client {
	return NewClient("hk", cfg, WithClock(clock.Now, clock.Sleep))
}

func TestMinIntervalSpacing(t *testing.T) {
	clock := newFakeClock()
	c := newTestClient(Config{MinInterval: 2 * time.Second, MaxRetries: 3, RateLimitWait: 60 * time.Second}, clock)

	var starts []time.Time
	op := func(ctx context.Context) error {
		starts = append(starts, clock.Now())
		return nil
	}

	require.NoError(t, c.Do(context.Background(), op))
	clock.Advance(500 * time.Millisecond)
	require.NoError(t, c.Do(context.Background(), op))

	require.Len(t, starts, 2)
	assert.GreaterOrEqual(t, starts[1].Sub(starts[0]), 2*time.Second, "第二次调用开始时间应不早于第一次 + 2s")
}

func TestMinIntervalRealClock(t *testing.T) {
	c := NewClient("yfinance", Config{MinInterval: 50 * time.Millisecond})

	var starts []time.Time
	op := func(ctx context.Context) error {
		starts = append(starts, time.Now())
		return nil
	}
	require.NoError(t, c.Do(context.Background(), op))
	require.NoError(t, c.Do(context.Background(), op))

	// 允许少量计时抖动
	assert.GreaterOrEqual(t, starts[1].Sub(starts[0]), 45*time.Millisecond)
}

func TestTransientBackoff(t *testing.T) {
	clock := newFakeClock()
	c := newTestClient(Config{MaxRetries: 3}, clock)

	calls := 0
	err := c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &dataerr.HTTPStatusError{StatusCode: 503, Body: "unavailable"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Sleeps(), "退避应为 2^attempt 秒")
}

func TestTransientExhausted(t *testing.T) {
	clock := newFakeClock()
	c := newTestClient(Config{MaxRetries: 2}, clock)

	calls := 0
	err := c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return dataerr.ErrEmptyResponse
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var transient *dataerr.ProviderTransientError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, "hk", transient.Provider)
	assert.ErrorIs(t, err, dataerr.ErrEmptyResponse)
}

func TestRateLimitSignal(t *testing.T) {
	clock := newFakeClock()
	c := newTestClient(Config{MaxRetries: 3, RateLimitWait: 60 * time.Second}, clock)

	calls := 0
	err := c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("Too Many Requests. Rate limited. Try after a while.")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{60 * time.Second}, clock.Sleeps())
}

func TestRateLimitExhausted(t *testing.T) {
	clock := newFakeClock()
	c := newTestClient(Config{MaxRetries: 1, RateLimitWait: 60 * time.Second}, clock)

	calls := 0
	err := c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &dataerr.HTTPStatusError{StatusCode: 429}
	})

	var limited *dataerr.RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, 2, limited.Attempts)
	assert.Equal(t, 2, calls)
	// 最后一次失败后不再等待
	assert.Len(t, clock.Sleeps(), 1)
}

func TestFatalNotRetried(t *testing.T) {
	clock := newFakeClock()
	c := newTestClient(Config{MaxRetries: 3}, clock)

	calls := 0
	err := c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &dataerr.HTTPStatusError{StatusCode: 401, Body: "invalid token"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "认证失败不应重试")
	assert.Empty(t, clock.Sleeps())
}

func TestCancelAdvancesTimestamp(t *testing.T) {
	c := NewClient("tushare", Config{MinInterval: time.Hour})

	require.NoError(t, c.Do(context.Background(), func(ctx context.Context) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Do(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)

	// 被取消的预约依旧占用时间槽，下一次等待应超过一个间隔
	now := time.Now()
	r := c.limiter.ReserveN(now, 1)
	assert.Greater(t, r.DelayFrom(now), time.Hour)
}

func TestCallReturnsValue(t *testing.T) {
	c := NewClient("akshare", Config{})
	v, err := Call(context.Background(), c, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestRegistrySharesClient(t *testing.T) {
	cfg := config.DefaultConfig()
	reg := NewRegistry(cfg)

	a := reg.Get("hk")
	b := reg.Get("hk")
	assert.Same(t, a, b)
	assert.Equal(t, 2*time.Second, a.Config().MinInterval)
	assert.Equal(t, 60*time.Second, a.Config().RateLimitWait)
}
