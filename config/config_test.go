package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingagents/dataerr"
)

const sampleTOML = `
[cache]
primary_backend = "file"
fallback_enabled = true
root_dir = "/tmp/ta-cache"

[cache.ttl]
bars = 600
news = 120

[providers]
cn_preference = ["Tushare", "akshare"]

[providers.rate_limits.hk]
min_interval = 2.5
max_retries = 4

[news]
paid_sources = ["Bloomberg", "The Economist"]

[logging]
level = "DEBUG"

[logging.handlers.file]
max_size = "20MB"
backup_count = 3

[mystery]
answer = 42
`

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigFromBytes(t *testing.T) {
	cfg, err := LoadConfigFromBytes([]byte(sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, BackendFile, cfg.Cache.PrimaryBackend)
	assert.Equal(t, "/tmp/ta-cache", cfg.Cache.RootDir)
	assert.Equal(t, []string{SourceTushare, SourceAkshare}, cfg.Providers.CNPreference)
	assert.Equal(t, []string{"bloomberg", "the economist"}, cfg.News.PaidSources)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "20MB", cfg.Logging.Handlers.File.MaxSize)
	assert.Equal(t, 3, cfg.Logging.Handlers.File.BackupCount)
	// 未在文件中出现的字段保持默认值
	assert.Equal(t, 5.0, cfg.Cache.BackendOpTimeout)
	assert.Equal(t, "text", cfg.Logging.Format.Console)
}

func TestRateLimitFor(t *testing.T) {
	cfg, err := LoadConfigFromBytes([]byte(sampleTOML))
	require.NoError(t, err)

	hk := cfg.RateLimitFor("hk")
	assert.Equal(t, 2.5, hk.MinInterval)
	assert.Equal(t, 4, hk.MaxRetries)
	assert.Equal(t, 60.0, hk.RateLimitWait, "未配置的字段应回落到默认值")
	assert.Equal(t, 60.0, hk.Timeout)

	yf := cfg.RateLimitFor(SourceYFinance)
	assert.Equal(t, 1.0, yf.MinInterval)
}

func TestRateLimitForExplicitZero(t *testing.T) {
	cfg, err := LoadConfigFromBytes([]byte("[providers.rate_limits.akshare]\nmin_interval = 0\nmax_retries = 0\n"))
	require.NoError(t, err)

	ak := cfg.RateLimitFor(SourceAkshare)
	assert.Equal(t, 0.0, ak.MinInterval, "显式的 0 表示不做间隔控制")
	assert.Equal(t, 0, ak.MaxRetries, "显式的 0 表示不重试")
	assert.Equal(t, 30.0, ak.Timeout, "未配置的字段仍使用默认值")
	assert.Equal(t, 30.0, ak.RateLimitWait)

	clone := cfg.Clone()
	*clone.Providers.RateLimits[SourceAkshare].MaxRetries = 5
	assert.Equal(t, 0, cfg.RateLimitFor(SourceAkshare).MaxRetries, "Clone 应深拷贝限流覆盖项")

	negative := -1
	cfg.Providers.RateLimits[SourceTushare] = RateLimitOverride{MaxRetries: &negative}
	var cfgErr *dataerr.ConfigError
	require.True(t, errors.As(cfg.Validate(), &cfgErr))
}

func TestTTLFor(t *testing.T) {
	cfg, err := LoadConfigFromBytes([]byte(sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, 600*time.Second, cfg.TTLFor("bars", "US"))
	assert.Equal(t, 120*time.Second, cfg.TTLFor("news", "CN_A"))
	assert.Equal(t, 12*time.Hour, cfg.TTLFor("fundamentals", "CN_A"))
	assert.Equal(t, 24*time.Hour, cfg.TTLFor("fundamentals", "US"))
	assert.Equal(t, 1, cfg.SchemaVersion("bars"))
}

func TestValidateConfigErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cache.PrimaryBackend = "redis"
	err := cfg.Validate()
	var cfgErr *dataerr.ConfigError
	require.True(t, errors.As(err, &cfgErr), "未配置 redis 连接时应返回 ConfigError")
	assert.Equal(t, "cache.primary_backend", cfgErr.Key)

	cfg = DefaultConfig()
	cfg.Cache.PrimaryBackend = "mongodb"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Cache.PrimaryBackend = "memcached"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Providers.CNPreference = []string{"baostock"}
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Cache.TTL.News = -1
	assert.Error(t, cfg.Validate())
}

func TestResolverPrecedence(t *testing.T) {
	path := writeConfig(t, "config.toml", sampleTOML)

	r := NewResolver(path, WithCNPreference("akshare"))
	r.Getenv = envMap(map[string]string{
		"TRADINGAGENTS_CACHE_DIR":   "/env/cache",
		"TRADINGAGENTS_LOG_LEVEL":   "warn",
		"REDIS_HOST":                "10.0.0.8",
		"REDIS_PORT":                "6380",
		"TUSHARE_TOKEN":             "tok",
		"DEFAULT_CHINA_DATA_SOURCE": "tongdaxin",
	})

	cfg, err := r.Load()
	require.NoError(t, err)

	assert.Equal(t, "/env/cache", cfg.Cache.RootDir, "环境变量应覆盖文件")
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "10.0.0.8:6380", cfg.Redis.Addr())
	assert.Equal(t, "tok", cfg.Providers.TushareToken)
	assert.Equal(t, []string{SourceAkshare}, cfg.Providers.CNPreference, "显式参数优先级最高")
}

func TestResolverDefaultChinaSource(t *testing.T) {
	r := NewResolver("")
	r.Getenv = envMap(map[string]string{"DEFAULT_CHINA_DATA_SOURCE": "Tushare"})

	cfg, err := r.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{SourceTushare, SourceAkshare, SourceTongdaxin}, cfg.Providers.CNPreference)
	assert.Equal(t, filepath.Join("data", "cache"), filepath.Clean(cfg.Cache.RootDir))
}

func TestLoadYAMLConfig(t *testing.T) {
	path := writeConfig(t, "config.yaml", "cache:\n  primary_backend: file\n  mirror_to_file: true\nunknown_section: 1\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Cache.MirrorToFile)
	assert.True(t, cfg.Cache.FallbackEnabled)
}

func TestConfigDiff(t *testing.T) {
	oldCfg := DefaultConfig()
	require.NoError(t, oldCfg.Validate())
	newCfg := oldCfg.Clone()

	diff := DiffConfig(oldCfg, newCfg)
	if len(diff.Changes) != 0 {
		t.Errorf("预期无变更，得到 %d 个: %+v", len(diff.Changes), diff.Changes)
	}

	newCfg.Cache.TTL.Bars = 300
	diff = DiffConfig(oldCfg, newCfg)
	require.Len(t, diff.Changes, 1)
	assert.Equal(t, "cache.ttl.bars", diff.Changes[0].Path)
	assert.False(t, diff.RequiresRestart, "修改 ttl 不应需要重启")

	newCfg.Cache.PrimaryBackend = BackendFile
	newCfg.Redis.Host = "redis.local"
	diff = DiffConfig(oldCfg, newCfg)
	assert.True(t, diff.RequiresRestart, "修改 redis 连接应该标记为需要重启")
}

func TestHotReloader(t *testing.T) {
	initialCfg := DefaultConfig()
	require.NoError(t, initialCfg.Validate())
	reloader := NewHotReloader(initialCfg)

	var seen []ConfigChange
	reloader.RegisterCallback(func(old, new *Config, changes []ConfigChange) error {
		seen = changes
		return nil
	})

	newCfg := initialCfg.Clone()
	newCfg.Logging.Level = "DEBUG"
	newCfg.Data.Dir = "/elsewhere"

	diff, err := reloader.UpdateConfig(newCfg)
	require.NoError(t, err)
	assert.True(t, diff.RequiresRestart)
	assert.NotEmpty(t, seen, "热更新回调未被触发")

	current := reloader.GetCurrentConfig()
	assert.Equal(t, "DEBUG", current.Logging.Level)
	assert.Equal(t, "./data", current.Data.Dir, "需要重启的变更不应被热更新")
	assert.Equal(t, "INFO", initialCfg.Logging.Level, "原配置不应被修改")
}

func TestConfigDiffMasksSecrets(t *testing.T) {
	oldCfg := DefaultConfig()
	newCfg := oldCfg.Clone()
	newCfg.Providers.TushareToken = "new-token"
	newCfg.Redis.Password = "hunter2"
	minInterval := 3.0
	newCfg.Providers.RateLimits = map[string]RateLimitOverride{"hk": {MinInterval: &minInterval}}

	diff := DiffConfig(oldCfg, newCfg)
	require.True(t, diff.RequiresRestart)

	byPath := map[string]ConfigChange{}
	for _, c := range diff.Changes {
		byPath[c.Path] = c
	}
	assert.Equal(t, secretMask, byPath["providers.tushare_token"].NewValue)
	assert.Equal(t, secretMask, byPath["redis.password"].NewValue)
	assert.Equal(t, ChangeTypeAdded, byPath["providers.rate_limits.hk"].Type)
	assert.True(t, byPath["providers.rate_limits.hk"].RequiresRestart)
}
