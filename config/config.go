package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"tradingagents/dataerr"
	"tradingagents/logger"
)

// 缓存后端名称
const (
	BackendRedis   = "redis"
	BackendMongoDB = "mongodb"
	BackendFile    = "file"
)

// A 股数据源名称
const (
	SourceAkshare   = "akshare"
	SourceTushare   = "tushare"
	SourceTongdaxin = "tongdaxin"
)

// 美股数据源名称
const (
	SourceYFinance = "yfinance"
	SourceFinnhub  = "finnhub"
)

// RateLimit 单个数据源的限流配置（单位：秒）
type RateLimit struct {
	MinInterval   float64 `toml:"min_interval" yaml:"min_interval" json:"min_interval"`
	Timeout       float64 `toml:"timeout" yaml:"timeout" json:"timeout"`
	MaxRetries    int     `toml:"max_retries" yaml:"max_retries" json:"max_retries"`
	RateLimitWait float64 `toml:"rate_limit_wait" yaml:"rate_limit_wait" json:"rate_limit_wait"`
}

// RateLimitOverride 配置文件中的限流覆盖项，未出现的字段为 nil，显式的 0 会被保留
type RateLimitOverride struct {
	MinInterval   *float64 `toml:"min_interval" yaml:"min_interval" json:"min_interval,omitempty"`
	Timeout       *float64 `toml:"timeout" yaml:"timeout" json:"timeout,omitempty"`
	MaxRetries    *int     `toml:"max_retries" yaml:"max_retries" json:"max_retries,omitempty"`
	RateLimitWait *float64 `toml:"rate_limit_wait" yaml:"rate_limit_wait" json:"rate_limit_wait,omitempty"`
}

func (o RateLimitOverride) negative() bool {
	return (o.MinInterval != nil && *o.MinInterval < 0) ||
		(o.Timeout != nil && *o.Timeout < 0) ||
		(o.MaxRetries != nil && *o.MaxRetries < 0) ||
		(o.RateLimitWait != nil && *o.RateLimitWait < 0)
}

func (o RateLimitOverride) clone() RateLimitOverride {
	cp := RateLimitOverride{}
	if o.MinInterval != nil {
		v := *o.MinInterval
		cp.MinInterval = &v
	}
	if o.Timeout != nil {
		v := *o.Timeout
		cp.Timeout = &v
	}
	if o.MaxRetries != nil {
		v := *o.MaxRetries
		cp.MaxRetries = &v
	}
	if o.RateLimitWait != nil {
		v := *o.RateLimitWait
		cp.RateLimitWait = &v
	}
	return cp
}

// TTLConfig 各类缓存的过期时间（秒，0 表示按市场使用默认值）
type TTLConfig struct {
	Bars         int `toml:"bars" yaml:"bars" json:"bars"`
	Info         int `toml:"info" yaml:"info" json:"info"`
	News         int `toml:"news" yaml:"news" json:"news"`
	Fundamentals int `toml:"fundamentals" yaml:"fundamentals" json:"fundamentals"`
	Realtime     int `toml:"realtime" yaml:"realtime" json:"realtime"`
	Sentiment    int `toml:"sentiment" yaml:"sentiment" json:"sentiment"`
}

// CacheConfig 自适应缓存配置
type CacheConfig struct {
	PrimaryBackend   string         `toml:"primary_backend" yaml:"primary_backend" json:"primary_backend"` // redis | mongodb | file，留空按优先级自动选择
	FallbackEnabled  bool           `toml:"fallback_enabled" yaml:"fallback_enabled" json:"fallback_enabled"`
	RootDir          string         `toml:"root_dir" yaml:"root_dir" json:"root_dir"`
	BackendOpTimeout float64        `toml:"backend_op_timeout" yaml:"backend_op_timeout" json:"backend_op_timeout"` // 每次后端操作超时（秒）
	MirrorToFile     bool           `toml:"mirror_to_file" yaml:"mirror_to_file" json:"mirror_to_file"`
	CleanupSchedule  string         `toml:"cleanup_schedule" yaml:"cleanup_schedule" json:"cleanup_schedule"` // cron 表达式
	SchemaVersions   map[string]int `toml:"schema_versions" yaml:"schema_versions" json:"schema_versions"`
	TTL              TTLConfig      `toml:"ttl" yaml:"ttl" json:"ttl"`
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	ConnectionString string `toml:"connection_string" yaml:"connection_string" json:"connection_string"`
	Host             string `toml:"host" yaml:"host" json:"host"`
	Port             int    `toml:"port" yaml:"port" json:"port"`
	Password         string `toml:"password" yaml:"password" json:"-"`
	DB               int    `toml:"db" yaml:"db" json:"db"`
	PoolSize         int    `toml:"pool_size" yaml:"pool_size" json:"pool_size"`
}

// Configured 是否提供了 Redis 连接信息
func (r RedisConfig) Configured() bool {
	return r.ConnectionString != "" || r.Host != ""
}

// Addr 返回 host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// MongoConfig MongoDB 连接配置
type MongoConfig struct {
	ConnectionString string `toml:"connection_string" yaml:"connection_string" json:"-"`
	Database         string `toml:"database" yaml:"database" json:"database"`
}

// Configured 是否提供了 MongoDB 连接信息
func (m MongoConfig) Configured() bool {
	return m.ConnectionString != ""
}

// ProvidersConfig 数据源配置
type ProvidersConfig struct {
	CNPreference  []string             `toml:"cn_preference" yaml:"cn_preference" json:"cn_preference"`
	USPreference  []string             `toml:"us_preference" yaml:"us_preference" json:"us_preference"`
	RateLimits    map[string]RateLimitOverride `toml:"rate_limits" yaml:"rate_limits" json:"rate_limits"`
	TushareToken  string               `toml:"tushare_token" yaml:"tushare_token" json:"-"`
	FinnhubAPIKey string               `toml:"finnhub_api_key" yaml:"finnhub_api_key" json:"-"`
	TDXServers    []string             `toml:"tdx_servers" yaml:"tdx_servers" json:"tdx_servers"`
}

// NewsConfig 新闻过滤配置
type NewsConfig struct {
	PaidSources []string `toml:"paid_sources" yaml:"paid_sources" json:"paid_sources"` // 为空时使用内置付费源列表
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level" json:"level"`
	Format struct {
		Console string `toml:"console" yaml:"console" json:"console"`
		File    string `toml:"file" yaml:"file" json:"file"`
	} `toml:"format" yaml:"format" json:"format"`
	Handlers struct {
		File struct {
			Enabled     bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
			Directory   string `toml:"directory" yaml:"directory" json:"directory"`
			MaxSize     string `toml:"max_size" yaml:"max_size" json:"max_size"`
			BackupCount int    `toml:"backup_count" yaml:"backup_count" json:"backup_count"`
		} `toml:"file" yaml:"file" json:"file"`
		Database struct {
			Enabled bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
			Path    string `toml:"path" yaml:"path" json:"path"`
		} `toml:"database" yaml:"database" json:"database"`
	} `toml:"handlers" yaml:"handlers" json:"handlers"`
}

// DataConfig 数据目录配置
type DataConfig struct {
	Dir           string `toml:"dir" yaml:"dir" json:"dir"`
	HKNameCache   string `toml:"hk_name_cache" yaml:"hk_name_cache" json:"hk_name_cache"`
	ActivityDir   string `toml:"activity_dir" yaml:"activity_dir" json:"activity_dir"`
	OperationDir  string `toml:"operation_dir" yaml:"operation_dir" json:"operation_dir"`
	SessionDir    string `toml:"session_dir" yaml:"session_dir" json:"session_dir"`
	RetentionDays int    `toml:"retention_days" yaml:"retention_days" json:"retention_days"`
}

// SessionConfig 分析会话状态配置
type SessionConfig struct {
	Backend string `toml:"backend" yaml:"backend" json:"backend"` // redis | file
	TTL     int    `toml:"ttl" yaml:"ttl" json:"ttl"`           // 秒
}

// NotificationsConfig 告警通知配置（缓存降级、数据源失败等）
type NotificationsConfig struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	MinSeverity string `toml:"min_severity" yaml:"min_severity" json:"min_severity"` // info | warning | critical
	Webhook     struct {
		URL     string `toml:"url" yaml:"url" json:"url"`
		Timeout int    `toml:"timeout" yaml:"timeout" json:"timeout"` // 秒
	} `toml:"webhook" yaml:"webhook" json:"webhook"`
	DingTalk struct {
		Webhook string `toml:"webhook" yaml:"webhook" json:"webhook"`
		Secret  string `toml:"secret" yaml:"secret" json:"-"`
	} `toml:"dingtalk" yaml:"dingtalk" json:"dingtalk"`
}

// Config 数据与缓存子系统配置
type Config struct {
	Cache     CacheConfig     `toml:"cache" yaml:"cache" json:"cache"`
	Redis     RedisConfig     `toml:"redis" yaml:"redis" json:"redis"`
	MongoDB   MongoConfig     `toml:"mongodb" yaml:"mongodb" json:"mongodb"`
	Providers ProvidersConfig `toml:"providers" yaml:"providers" json:"providers"`
	News      NewsConfig      `toml:"news" yaml:"news" json:"news"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging" json:"logging"`
	Data      DataConfig      `toml:"data" yaml:"data" json:"data"`
	Session   SessionConfig   `toml:"session" yaml:"session" json:"session"`

	Notifications NotificationsConfig `toml:"notifications" yaml:"notifications" json:"notifications"`

	System struct {
		Timezone string `toml:"timezone" yaml:"timezone" json:"timezone"`
	} `toml:"system" yaml:"system" json:"system"`
}

// 内置限流参数（hk 对应港股数据源，限流最严格）
var defaultRateLimits = map[string]RateLimit{
	SourceYFinance:  {MinInterval: 1.0, Timeout: 30, MaxRetries: 3, RateLimitWait: 60},
	SourceFinnhub:   {MinInterval: 1.0, Timeout: 30, MaxRetries: 3, RateLimitWait: 60},
	"hk":            {MinInterval: 2.0, Timeout: 60, MaxRetries: 3, RateLimitWait: 60},
	SourceAkshare:   {MinInterval: 0.5, Timeout: 30, MaxRetries: 3, RateLimitWait: 30},
	SourceTushare:   {MinInterval: 0.3, Timeout: 30, MaxRetries: 3, RateLimitWait: 60},
	SourceTongdaxin: {MinInterval: 0.2, Timeout: 10, MaxRetries: 2, RateLimitWait: 30},
}

// DefaultConfig 创建带默认值的配置
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Cache.FallbackEnabled = true
	cfg.Cache.BackendOpTimeout = 5
	cfg.Cache.CleanupSchedule = "@every 1h"

	cfg.Redis.Port = 6379
	cfg.Redis.PoolSize = 10
	cfg.MongoDB.Database = "tradingagents"

	cfg.Providers.CNPreference = []string{SourceAkshare, SourceTushare, SourceTongdaxin}
	cfg.Providers.USPreference = []string{SourceYFinance, SourceFinnhub}

	cfg.Logging.Level = "INFO"
	cfg.Logging.Format.Console = "text"
	cfg.Logging.Format.File = "json"
	cfg.Logging.Handlers.File.Enabled = true
	cfg.Logging.Handlers.File.Directory = "./logs"
	cfg.Logging.Handlers.File.MaxSize = "10MB"
	cfg.Logging.Handlers.File.BackupCount = 5

	cfg.Data.Dir = "./data"
	cfg.Data.RetentionDays = 90

	cfg.Session.Backend = BackendFile
	cfg.Session.TTL = 24 * 3600

	cfg.Notifications.MinSeverity = "warning"

	cfg.System.Timezone = "Asia/Shanghai"
	return cfg
}

// LoadConfig 加载配置文件（.toml / .yaml / .yml），未知字段仅告警
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if err := decodeFile(configPath, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return cfg, nil
}

// LoadConfigFromBytes 从 TOML 字节加载配置（用于测试）
func LoadConfigFromBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := decodeTOML(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return cfg, nil
}

func decodeFile(configPath string, cfg *Config) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		return decodeYAML(data, cfg)
	default:
		return decodeTOML(data, cfg)
	}
}

func decodeTOML(data []byte, cfg *Config) error {
	// 严格模式解析一份副本，只为找出未知字段
	strict := toml.NewDecoder(bytes.NewReader(data))
	strict.DisallowUnknownFields()
	var missing *toml.StrictMissingError
	if err := strict.Decode(DefaultConfig()); err != nil && errors.As(err, &missing) {
		for _, de := range missing.Errors {
			logger.Warn("⚠️ 忽略未知配置项: %s", strings.Join(de.Key(), "."))
		}
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}
	return nil
}

func decodeYAML(data []byte, cfg *Config) error {
	strict := yaml.NewDecoder(bytes.NewReader(data))
	strict.KnownFields(true)
	if err := strict.Decode(DefaultConfig()); err != nil {
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			for _, msg := range typeErr.Errors {
				logger.Warn("⚠️ 忽略未知配置项: %s", msg)
			}
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}
	return nil
}

// SaveConfig 保存配置到 TOML 文件
func SaveConfig(cfg *Config, configPath string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("配置验证失败: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}
	return nil
}

// Validate 验证配置并填充默认值
func (c *Config) Validate() error {
	c.Cache.PrimaryBackend = strings.ToLower(strings.TrimSpace(c.Cache.PrimaryBackend))
	switch c.Cache.PrimaryBackend {
	case "", BackendFile:
	case BackendRedis:
		if !c.Redis.Configured() {
			return &dataerr.ConfigError{Key: "cache.primary_backend", Reason: "指定了 redis 但未配置 REDIS_HOST 或 REDIS_CONNECTION_STRING"}
		}
	case BackendMongoDB:
		if !c.MongoDB.Configured() {
			return &dataerr.ConfigError{Key: "cache.primary_backend", Reason: "指定了 mongodb 但未配置 MONGODB_CONNECTION_STRING"}
		}
	default:
		return &dataerr.ConfigError{Key: "cache.primary_backend", Reason: fmt.Sprintf("未知的缓存后端 %q", c.Cache.PrimaryBackend)}
	}

	if c.Cache.BackendOpTimeout <= 0 {
		c.Cache.BackendOpTimeout = 5
	}
	if c.Cache.CleanupSchedule == "" {
		c.Cache.CleanupSchedule = "@every 1h"
	}
	ttls := []int{c.Cache.TTL.Bars, c.Cache.TTL.Info, c.Cache.TTL.News, c.Cache.TTL.Fundamentals, c.Cache.TTL.Realtime, c.Cache.TTL.Sentiment}
	for _, ttl := range ttls {
		if ttl < 0 {
			return &dataerr.ConfigError{Key: "cache.ttl", Reason: "过期时间不能为负数"}
		}
	}

	if c.Data.Dir == "" {
		c.Data.Dir = "./data"
	}
	if c.Cache.RootDir == "" {
		c.Cache.RootDir = filepath.Join(c.Data.Dir, "cache")
	}
	if c.Data.HKNameCache == "" {
		c.Data.HKNameCache = filepath.Join(c.Data.Dir, "hk_stock_cache.json")
	}
	if c.Data.ActivityDir == "" {
		c.Data.ActivityDir = filepath.Join(c.Data.Dir, "logs", "user_activities")
	}
	if c.Data.OperationDir == "" {
		c.Data.OperationDir = filepath.Join(c.Data.Dir, "operation_logs")
	}
	if c.Data.SessionDir == "" {
		c.Data.SessionDir = filepath.Join(c.Data.Dir, "sessions")
	}
	if c.Data.RetentionDays <= 0 {
		c.Data.RetentionDays = 90
	}

	if c.Redis.Port <= 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.PoolSize <= 0 {
		c.Redis.PoolSize = 10
	}
	if c.MongoDB.Database == "" {
		c.MongoDB.Database = "tradingagents"
	}

	cn, err := normalizeSources("providers.cn_preference", c.Providers.CNPreference, SourceAkshare, SourceTushare, SourceTongdaxin)
	if err != nil {
		return err
	}
	c.Providers.CNPreference = cn
	us, err := normalizeSources("providers.us_preference", c.Providers.USPreference, SourceYFinance, SourceFinnhub)
	if err != nil {
		return err
	}
	c.Providers.USPreference = us

	for name, rl := range c.Providers.RateLimits {
		if rl.negative() {
			return &dataerr.ConfigError{Key: "providers.rate_limits." + name, Reason: "限流参数不能为负数"}
		}
	}

	for i, s := range c.News.PaidSources {
		c.News.PaidSources[i] = strings.ToLower(strings.TrimSpace(s))
	}

	switch strings.ToLower(c.Session.Backend) {
	case "", BackendFile:
		c.Session.Backend = BackendFile
	case BackendRedis:
		c.Session.Backend = BackendRedis
	default:
		return &dataerr.ConfigError{Key: "session.backend", Reason: fmt.Sprintf("未知的会话后端 %q", c.Session.Backend)}
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = 24 * 3600
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	if c.Logging.Handlers.File.Directory == "" {
		c.Logging.Handlers.File.Directory = "./logs"
	}
	if c.Logging.Handlers.Database.Path == "" {
		c.Logging.Handlers.Database.Path = filepath.Join(c.Data.Dir, "logs.db")
	}
	return nil
}

// normalizeSources 统一小写、去重，并校验数据源名称
func normalizeSources(key string, list []string, allowed ...string) ([]string, error) {
	if len(list) == 0 {
		return append([]string(nil), allowed...), nil
	}
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, s := range list {
		s = strings.ToLower(strings.TrimSpace(s))
		ok := false
		for _, a := range allowed {
			if s == a {
				ok = true
				break
			}
		}
		if !ok {
			return nil, &dataerr.ConfigError{Key: key, Reason: fmt.Sprintf("未知的数据源 %q", s)}
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, nil
}

// RateLimitFor 获取数据源的限流参数，未配置的字段使用内置默认值
func (c *Config) RateLimitFor(name string) RateLimit {
	rl, ok := defaultRateLimits[name]
	if !ok {
		rl = RateLimit{MinInterval: 1.0, Timeout: 30, MaxRetries: 3, RateLimitWait: 60}
	}
	o, ok := c.Providers.RateLimits[name]
	if !ok {
		return rl
	}
	if o.MinInterval != nil {
		rl.MinInterval = *o.MinInterval
	}
	if o.Timeout != nil {
		rl.Timeout = *o.Timeout
	}
	if o.MaxRetries != nil {
		rl.MaxRetries = *o.MaxRetries
	}
	if o.RateLimitWait != nil {
		rl.RateLimitWait = *o.RateLimitWait
	}
	return rl
}

// 按市场区分的默认过期时间
var marketTTLDefaults = map[string]map[string]time.Duration{
	"US": {
		"bars": 2 * time.Hour, "info": 24 * time.Hour, "news": 6 * time.Hour,
		"fundamentals": 24 * time.Hour, "realtime": time.Minute, "sentiment": 6 * time.Hour,
	},
	"CN_A": {
		"bars": time.Hour, "info": 24 * time.Hour, "news": 4 * time.Hour,
		"fundamentals": 12 * time.Hour, "realtime": time.Minute, "sentiment": 6 * time.Hour,
	},
	"HK": {
		"bars": 2 * time.Hour, "info": 24 * time.Hour, "news": 6 * time.Hour,
		"fundamentals": 24 * time.Hour, "realtime": time.Minute, "sentiment": 6 * time.Hour,
	},
}

// TTLFor 计算缓存过期时间：显式配置优先，其次按市场默认值
func (c *Config) TTLFor(kind, market string) time.Duration {
	var sec int
	switch kind {
	case "bars":
		sec = c.Cache.TTL.Bars
	case "info":
		sec = c.Cache.TTL.Info
	case "news":
		sec = c.Cache.TTL.News
	case "fundamentals":
		sec = c.Cache.TTL.Fundamentals
	case "realtime":
		sec = c.Cache.TTL.Realtime
	case "sentiment":
		sec = c.Cache.TTL.Sentiment
	}
	if sec > 0 {
		return time.Duration(sec) * time.Second
	}
	if byKind, ok := marketTTLDefaults[market]; ok {
		if ttl, ok := byKind[kind]; ok {
			return ttl
		}
	}
	return time.Hour
}

// SchemaVersion 获取某类缓存的结构版本（默认 1）
func (c *Config) SchemaVersion(kind string) int {
	if v, ok := c.Cache.SchemaVersions[kind]; ok && v > 0 {
		return v
	}
	return 1
}

// BackendOpTimeout 后端单次操作超时
func (c *Config) BackendOpTimeout() time.Duration {
	return time.Duration(c.Cache.BackendOpTimeout * float64(time.Second))
}

// LoggerOptions 转换为日志初始化参数
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:         c.Logging.Level,
		ConsoleFormat: c.Logging.Format.Console,
		FileFormat:    c.Logging.Format.File,
		FileEnabled:   c.Logging.Handlers.File.Enabled,
		Directory:     c.Logging.Handlers.File.Directory,
		MaxSize:       c.Logging.Handlers.File.MaxSize,
		BackupCount:   c.Logging.Handlers.File.BackupCount,
	}
}

// Clone 深度复制配置
func (c *Config) Clone() *Config {
	cp := *c
	cp.Cache.SchemaVersions = make(map[string]int, len(c.Cache.SchemaVersions))
	for k, v := range c.Cache.SchemaVersions {
		cp.Cache.SchemaVersions[k] = v
	}
	cp.Providers.CNPreference = append([]string(nil), c.Providers.CNPreference...)
	cp.Providers.USPreference = append([]string(nil), c.Providers.USPreference...)
	cp.Providers.TDXServers = append([]string(nil), c.Providers.TDXServers...)
	cp.Providers.RateLimits = make(map[string]RateLimitOverride, len(c.Providers.RateLimits))
	for k, v := range c.Providers.RateLimits {
		cp.Providers.RateLimits[k] = v.clone()
	}
	cp.News.PaidSources = append([]string(nil), c.News.PaidSources...)
	return &cp
}
