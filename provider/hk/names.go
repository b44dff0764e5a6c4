package hk

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tradingagents/logger"
	"tradingagents/provider"
)

// 名称来源
const (
	NameSourceBuiltin = "builtin"
	NameSourceNetwork = "network"
	NameSourceDefault = provider.SourcePlaceholder
)

// NameTTL 名称缓存有效期
const NameTTL = 24 * time.Hour

// 内置港股名称（5 位代码），无需网络即可解析
var builtinNames = map[string]string{
	"00001": "长和",
	"00002": "中电控股",
	"00003": "香港中华煤气",
	"00005": "汇丰控股",
	"00016": "新鸿基地产",
	"00291": "华润啤酒",
	"00322": "康师傅控股",
	"00347": "鞍钢股份",
	"00386": "中国石油化工股份",
	"00388": "香港交易所",
	"00670": "中国东方航空股份",
	"00700": "腾讯控股",
	"00728": "中国电信",
	"00753": "中国国航",
	"00762": "中国联通",
	"00857": "中国石油股份",
	"00867": "康哲药业",
	"00883": "中国海洋石油",
	"00902": "华能国际电力股份",
	"00939": "建设银行",
	"00941": "中国移动",
	"00981": "中芯国际",
	"00991": "大唐发电",
	"00992": "联想集团",
	"01024": "快手",
	"01093": "石药集团",
	"01109": "华润置地",
	"01211": "比亚迪股份",
	"01299": "友邦保险",
	"01398": "工商银行",
	"01810": "小米集团",
	"01876": "百威亚太",
	"01997": "九龙仓置业",
	"02015": "理想汽车",
	"02020": "安踏体育",
	"02238": "广汽集团",
	"02269": "药明生物",
	"02318": "中国平安",
	"02331": "李宁",
	"02382": "舜宇光学科技",
	"02628": "中国人寿",
	"03690": "美团",
	"03968": "招商银行",
	"03988": "中国银行",
	"09618": "京东集团",
	"09626": "哔哩哔哩",
	"09633": "农夫山泉",
	"09866": "蔚来",
	"09868": "小鹏汽车",
	"09888": "百度集团",
	"09961": "携程集团",
	"09988": "阿里巴巴",
	"09999": "网易",
}

// BuiltinName 查询内置名称，code 为 5 位代码
func BuiltinName(code string) (string, bool) {
	name, ok := builtinNames[code]
	return name, ok
}

// DefaultName 无法解析时的占位名称
func DefaultName(code string) string {
	return "港股" + code
}

// NameEntry 名称缓存条目
type NameEntry struct {
	Data      string    `json:"data"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}

// NameCache 以规范化代码（00700.HK）为键的本地 JSON 名称缓存
type NameCache struct {
	path    string
	mu      sync.RWMutex
	entries map[string]NameEntry
	now     func() time.Time
}

// NewNameCache 加载名称缓存，文件损坏时从空缓存开始
func NewNameCache(path string, now func() time.Time) *NameCache {
	if now == nil {
		now = time.Now
	}
	c := &NameCache{path: path, entries: make(map[string]NameEntry), now: now}
	if path == "" {
		return c
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("⚠️ [港股缓存] 读取名称缓存失败: %v", err)
		}
		return c
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		logger.Warn("⚠️ [港股缓存] 名称缓存格式错误，已忽略: %v", err)
		c.entries = make(map[string]NameEntry)
	}
	return c
}

// Get 返回未过期的条目
func (c *NameCache) Get(symbol string) (NameEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[symbol]
	if !ok || c.now().Sub(e.FetchedAt) >= NameTTL {
		return NameEntry{}, false
	}
	return e, true
}

// Put 写入条目并持久化，持久化失败只记录日志
func (c *NameCache) Put(symbol, name, source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[symbol] = NameEntry{Data: name, Source: source, FetchedAt: c.now()}
	if c.path == "" {
		return
	}

	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		logger.Warn("⚠️ [港股缓存] 序列化名称缓存失败: %v", err)
		return
	}
	if err := writeFileAtomic(c.path, data); err != nil {
		logger.Warn("⚠️ [港股缓存] 保存名称缓存失败: %v", err)
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".hk-names-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
