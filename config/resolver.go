package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"tradingagents/logger"
)

// Option 显式覆盖项（优先级最高）
type Option func(*Config)

// WithPrimaryBackend 指定主缓存后端
func WithPrimaryBackend(backend string) Option {
	return func(c *Config) { c.Cache.PrimaryBackend = backend }
}

// WithCacheRoot 指定文件缓存根目录
func WithCacheRoot(dir string) Option {
	return func(c *Config) { c.Cache.RootDir = dir }
}

// WithDataDir 指定数据根目录
func WithDataDir(dir string) Option {
	return func(c *Config) { c.Data.Dir = dir }
}

// WithCNPreference 指定 A 股数据源优先级
func WithCNPreference(sources ...string) Option {
	return func(c *Config) { c.Providers.CNPreference = sources }
}

// WithFallback 开关缓存降级
func WithFallback(enabled bool) Option {
	return func(c *Config) { c.Cache.FallbackEnabled = enabled }
}

// Resolver 按 显式参数 > 环境变量 > TOML 文件 > 默认值 解析配置
type Resolver struct {
	Path    string // 配置文件路径，可为空
	EnvFile string // .env 文件路径，为空时尝试当前目录下的 .env
	Options []Option

	// Getenv 读取环境变量，测试中可替换
	Getenv func(key string) (string, bool)
}

// NewResolver 创建配置解析器
func NewResolver(path string, opts ...Option) *Resolver {
	return &Resolver{Path: path, Options: opts, Getenv: os.LookupEnv}
}

// Load 解析配置。返回的配置视为只读，修改请先 Clone
func (r *Resolver) Load() (*Config, error) {
	getenv := r.Getenv
	if getenv == nil {
		getenv = os.LookupEnv
		envFile := r.EnvFile
		if envFile == "" {
			envFile = ".env"
		}
		if _, err := os.Stat(envFile); err == nil {
			// godotenv 不会覆盖已存在的环境变量
			if err := godotenv.Load(envFile); err != nil {
				logger.Warn("⚠️ 加载 %s 失败: %v", envFile, err)
			}
		}
	}

	cfg := DefaultConfig()
	if r.Path != "" {
		if _, err := os.Stat(r.Path); err == nil {
			if err := decodeFile(r.Path, cfg); err != nil {
				return nil, err
			}
		} else {
			logger.Warn("⚠️ 配置文件 %s 不存在，使用默认配置", r.Path)
		}
	}

	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	for _, opt := range r.Options {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 使用环境变量覆盖配置
func applyEnv(cfg *Config, getenv func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := getenv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := getenv(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("环境变量 %s 不是整数: %w", key, err)
		}
		*dst = n
		return nil
	}

	if v, ok := getenv("TRADINGAGENTS_DATA_DIR"); ok && v != "" {
		cfg.Data.Dir = v
		// 数据目录变化时派生目录随之变化（除非单独指定）
		cfg.Data.HKNameCache = filepath.Join(v, "hk_stock_cache.json")
	}
	str("TRADINGAGENTS_CACHE_DIR", &cfg.Cache.RootDir)
	str("TRADINGAGENTS_CACHE_BACKEND", &cfg.Cache.PrimaryBackend)
	str("TRADINGAGENTS_LOG_LEVEL", &cfg.Logging.Level)
	str("TRADINGAGENTS_LOG_DIR", &cfg.Logging.Handlers.File.Directory)
	str("TUSHARE_TOKEN", &cfg.Providers.TushareToken)
	str("FINNHUB_API_KEY", &cfg.Providers.FinnhubAPIKey)
	str("MONGODB_CONNECTION_STRING", &cfg.MongoDB.ConnectionString)
	str("MONGODB_DATABASE_NAME", &cfg.MongoDB.Database)
	str("REDIS_CONNECTION_STRING", &cfg.Redis.ConnectionString)
	str("REDIS_HOST", &cfg.Redis.Host)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	if err := num("REDIS_PORT", &cfg.Redis.Port); err != nil {
		return err
	}
	if err := num("REDIS_DB", &cfg.Redis.DB); err != nil {
		return err
	}

	if v, ok := getenv("DEFAULT_CHINA_DATA_SOURCE"); ok && strings.TrimSpace(v) != "" {
		preferred := strings.ToLower(strings.TrimSpace(v))
		list := []string{preferred}
		for _, s := range cfg.Providers.CNPreference {
			if !strings.EqualFold(s, preferred) {
				list = append(list, s)
			}
		}
		cfg.Providers.CNPreference = list
	}
	return nil
}
