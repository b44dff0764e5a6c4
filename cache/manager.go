package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tradingagents/dataerr"
	"tradingagents/event"
	"tradingagents/logger"
	"tradingagents/metrics"
)

// DefaultPreference 默认后端优先级
var DefaultPreference = []string{BackendRedis, BackendMongoDB, BackendFile}

// Options 缓存管理器选项
type Options struct {
	// Preference 后端优先级，file 总会被追加到末尾作为兜底
	Preference []string
	// FallbackEnabled 运行期失败时是否降级
	FallbackEnabled bool
	// OpTimeout 单次后端操作超时
	OpTimeout time.Duration
	// MirrorToFile 主后端写入成功后同步镜像到文件后端
	MirrorToFile bool
	// SchemaVersion 数据类型的当前 schema 版本
	SchemaVersion func(Kind) int
	// DefaultTTL 调用方未指定 TTL 时使用
	DefaultTTL func(Kind) time.Duration
	// Bus 降级事件发布到该总线
	Bus *event.EventBus
	// Now 时钟（测试用）
	Now func() time.Time
}

// Manager 自适应缓存管理器
type Manager struct {
	file     *FileBackend
	backends map[string]Backend
	order    []string

	fallbackEnabled bool
	mirror          bool
	opTimeout       time.Duration
	schemaVersion   func(Kind) int
	defaultTTL      func(Kind) time.Duration
	bus             *event.EventBus
	now             func() time.Time
	pm              *metrics.PrometheusMetrics

	mu        sync.RWMutex
	preferred string
	current   string
	health    map[string]BackendHealth
}

// NewManager 创建缓存管理器并并发探测所有后端，选出主后端
func NewManager(ctx context.Context, file *FileBackend, others []Backend, opts Options) *Manager {
	m := &Manager{
		file:            file,
		backends:        map[string]Backend{BackendFile: file},
		fallbackEnabled: opts.FallbackEnabled,
		mirror:          opts.MirrorToFile,
		opTimeout:       opts.OpTimeout,
		schemaVersion:   opts.SchemaVersion,
		defaultTTL:      opts.DefaultTTL,
		bus:             opts.Bus,
		now:             opts.Now,
		pm:              metrics.GetPrometheusMetrics(),
		health:          make(map[string]BackendHealth),
	}
	if m.opTimeout <= 0 {
		m.opTimeout = 5 * time.Second
	}
	if m.schemaVersion == nil {
		m.schemaVersion = func(Kind) int { return 1 }
	}
	if m.defaultTTL == nil {
		m.defaultTTL = func(Kind) time.Duration { return time.Hour }
	}
	if m.now == nil {
		m.now = time.Now
	}
	for _, b := range others {
		if b != nil && b.Name() != BackendFile {
			m.backends[b.Name()] = b
		}
	}

	preference := opts.Preference
	if len(preference) == 0 {
		preference = DefaultPreference
	}
	seen := make(map[string]bool)
	for _, name := range preference {
		if _, ok := m.backends[name]; ok && !seen[name] {
			seen[name] = true
			m.order = append(m.order, name)
		}
	}
	if !seen[BackendFile] {
		m.order = append(m.order, BackendFile)
	}

	m.probeAll(ctx)
	m.mu.Lock()
	m.preferred = m.selectLocked()
	m.current = m.preferred
	m.mu.Unlock()

	if m.preferred != m.order[0] {
		logger.Warn("⚠️ 首选缓存后端 %s 不可用，使用 %s", m.order[0], m.preferred)
	}
	logger.Info("✅ 缓存管理器已启动，主后端: %s (优先级: %v)", m.preferred, m.order)
	return m
}

// probeAll 并发探测所有后端
func (m *Manager) probeAll(ctx context.Context) {
	var g errgroup.Group
	for _, name := range m.order {
		name := name
		g.Go(func() error {
			m.probe(ctx, name)
			return nil
		})
	}
	g.Wait()
}

// probe 探测单个后端并更新健康状态，从不返回错误
func (m *Manager) probe(ctx context.Context, name string) BackendHealth {
	b := m.backends[name]
	probeCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	latency, err := b.Probe(probeCtx)
	h := BackendHealth{
		Backend:     name,
		Available:   err == nil,
		LastProbeAt: m.now(),
		LatencyMs:   float64(latency.Microseconds()) / 1000,
	}
	if err != nil {
		h.Error = err.Error()
		logger.Debug("🔍 缓存后端 %s 探测失败: %v", name, err)
	}
	// file 是兜底后端，始终视为可用
	if name == BackendFile {
		h.Available = true
	}

	m.mu.Lock()
	m.health[name] = h
	m.mu.Unlock()
	m.pm.SetBackendHealth(name, h.Available, latency)
	return h
}

// selectLocked 按优先级选出第一个可用的后端
func (m *Manager) selectLocked() string {
	for _, name := range m.order {
		if m.health[name].Available {
			return name
		}
	}
	return BackendFile
}

// primary 当前主后端
func (m *Manager) primary() Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backends[m.current]
}

// Backend 当前主后端名称
func (m *Manager) Backend() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Fingerprint 计算指纹，使用该数据类型当前的 schema 版本
func (m *Manager) Fingerprint(kind Kind, symbol, start, end, source string) string {
	return Key{
		Kind:          kind,
		Symbol:        symbol,
		Start:         start,
		End:           end,
		Source:        source,
		SchemaVersion: m.schemaVersion(kind),
	}.Fingerprint()
}

// Save 写入主后端；失败时（允许降级）重新探测、必要时降级并重试一次
func (m *Manager) Save(ctx context.Context, kind Kind, symbol, start, end, source string, payload []byte, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL(kind)
	}
	fp := m.Fingerprint(kind, symbol, start, end, source)
	entry := &Entry{
		Fingerprint:   fp,
		Kind:          kind,
		Symbol:        symbol,
		Start:         start,
		End:           end,
		Source:        source,
		SchemaVersion: m.schemaVersion(kind),
		Payload:       payload,
		CreatedAt:     m.now(),
		TTL:           ttl,
		SizeBytes:     len(payload),
	}

	b := m.primary()
	err := m.put(ctx, b, entry)
	if err == nil {
		m.afterWrite(ctx, b, entry)
		return fp, nil
	}
	logger.Warn("⚠️ 缓存写入失败 [%s] %s %s: %v", b.Name(), kind, symbol, err)

	if !m.fallbackEnabled || ctx.Err() != nil {
		return "", m.writeFailed(fp, err)
	}

	next := m.recheck(ctx, b.Name(), err)
	err = m.put(ctx, next, entry)
	if err == nil {
		m.afterWrite(ctx, next, entry)
		return fp, nil
	}
	logger.Warn("⚠️ 缓存重试写入失败 [%s] %s %s: %v", next.Name(), kind, symbol, err)
	if next.Name() == BackendFile || ctx.Err() != nil {
		return "", m.writeFailed(fp, err)
	}

	// 后端探测正常但写入失败（如 OOM、只读），本次写入落到文件后端，不做粘性降级
	if ferr := m.put(ctx, m.file, entry); ferr != nil {
		logger.Error("❌ 文件后端兜底写入失败 %s %s: %v", kind, symbol, ferr)
		return "", m.writeFailed(fp, fmt.Errorf("%v; 文件后端: %w", err, ferr))
	}
	logger.Info("💾 已写入文件后端兜底 %s %s", kind, symbol)
	return fp, nil
}

func (m *Manager) put(ctx context.Context, b Backend, entry *Entry) error {
	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	err := b.Put(opCtx, entry)
	m.pm.RecordCacheWrite(b.Name(), err == nil)
	return err
}

func (m *Manager) afterWrite(ctx context.Context, b Backend, entry *Entry) {
	logger.Debug("💾 已缓存 [%s] %s %s (%d bytes)", b.Name(), entry.Kind, entry.Symbol, entry.SizeBytes)
	if !m.mirror || b.Name() == BackendFile {
		return
	}
	if err := m.put(ctx, m.file, entry); err != nil {
		logger.Warn("⚠️ 缓存镜像写入失败 %s: %v", entry.Fingerprint, err)
	}
}

func (m *Manager) writeFailed(fp string, err error) error {
	m.bus.Publish(&event.Event{
		Type: event.EventTypeCacheWriteFailed,
		Data: map[string]interface{}{"fingerprint": fp, "error": err.Error()},
	})
	return &dataerr.CacheWriteError{Fingerprint: fp, Err: err}
}

// recheck 在 failed 出错后重新探测：仍健康则继续使用，否则降级到下一个可用后端
func (m *Manager) recheck(ctx context.Context, failed string, cause error) Backend {
	if failed == BackendFile {
		return m.file
	}
	if m.probe(ctx, failed).Available {
		return m.backends[failed]
	}
	return m.degrade(ctx, failed, cause)
}

// degrade 粘性降级，同一后端的降级只发生并告警一次
func (m *Manager) degrade(ctx context.Context, failed string, cause error) Backend {
	m.mu.RLock()
	current := m.current
	m.mu.RUnlock()
	if current != failed {
		// 已被其他调用降级
		return m.primary()
	}

	target := BackendFile
	passed := false
	for _, name := range m.order {
		if name == failed {
			passed = true
			continue
		}
		if !passed || name == BackendFile {
			continue
		}
		if m.probe(ctx, name).Available {
			target = name
			break
		}
	}

	m.mu.Lock()
	if m.current != failed {
		m.mu.Unlock()
		return m.primary()
	}
	m.current = target
	m.mu.Unlock()

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	logger.Warn("⚠️ CacheBackendDegraded: 缓存后端降级 %s -> %s，原因: %s", failed, target, reason)
	m.pm.RecordDegradation(failed, target)
	m.bus.Publish(&event.Event{
		Type: event.EventTypeCacheBackendDegraded,
		Data: map[string]interface{}{"from": failed, "to": target, "reason": reason},
	})
	return m.backends[target]
}

// Load 从主后端读取；未命中、过期、schema 不符或读取出错都返回 miss，从不报错
func (m *Manager) Load(ctx context.Context, fingerprint string) ([]byte, bool) {
	b := m.primary()
	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	entry, err := b.Get(opCtx, fingerprint)
	cancel()

	if err != nil {
		m.pm.RecordCacheMiss(b.Name())
		if errors.Is(err, ErrNotFound) {
			return nil, false
		}
		logger.Warn("⚠️ 缓存读取失败 [%s] %s: %v", b.Name(), fingerprint, err)
		if m.fallbackEnabled && ctx.Err() == nil {
			m.recheck(ctx, b.Name(), err)
		}
		return nil, false
	}

	if entry.Expired(m.now()) || entry.SchemaVersion != m.schemaVersion(entry.Kind) {
		m.pm.RecordCacheMiss(b.Name())
		delCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
		defer cancel()
		if err := b.Delete(delCtx, fingerprint); err != nil {
			logger.Debug("🔍 删除失效缓存失败 %s: %v", fingerprint, err)
		}
		return nil, false
	}

	m.pm.RecordCacheHit(b.Name())
	return entry.Payload, true
}

// Find 通过重建指纹查找，只读取当前主后端的索引，已过期的条目视为不存在
func (m *Manager) Find(ctx context.Context, kind Kind, symbol, start, end, source string) (string, bool) {
	fp := m.Fingerprint(kind, symbol, start, end, source)
	b := m.primary()
	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	var ok bool
	var err error
	if idx, isIdx := b.(expiryIndex); isIdx {
		ok, err = idx.ExistsAt(opCtx, fp, m.now())
	} else {
		ok, err = b.Exists(opCtx, fp)
	}
	if err != nil || !ok {
		return "", false
	}
	return fp, true
}

// Evict 尽力删除，条目不存在不视为错误
func (m *Manager) Evict(ctx context.Context, fingerprint string) {
	b := m.primary()
	targets := []Backend{b}
	if m.mirror && b.Name() != BackendFile {
		targets = append(targets, m.file)
	}
	for _, t := range targets {
		opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
		if err := t.Delete(opCtx, fingerprint); err != nil {
			logger.Warn("⚠️ 删除缓存失败 [%s] %s: %v", t.Name(), fingerprint, err)
		}
		cancel()
	}
}

// Stats 当前主后端统计
func (m *Manager) Stats(ctx context.Context) Stats {
	m.mu.RLock()
	current := m.current
	h := m.health[current]
	m.mu.RUnlock()

	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	count, err := m.backends[current].Count(opCtx)
	if err != nil {
		logger.Warn("⚠️ 统计缓存条目失败 [%s]: %v", current, err)
	}
	return Stats{
		Backend:          current,
		EntryCount:       count,
		PrimaryLatencyMs: h.LatencyMs,
		FallbackActive:   current != m.order[0],
	}
}

// Health 所有后端的健康快照
func (m *Manager) Health() []BackendHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BackendHealth, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.health[name])
	}
	return out
}

// Refresh 重新探测所有后端并按优先级重新选择主后端，解除粘性降级
func (m *Manager) Refresh(ctx context.Context) string {
	m.probeAll(ctx)
	m.mu.Lock()
	prev := m.current
	m.preferred = m.selectLocked()
	m.current = m.preferred
	m.mu.Unlock()

	if prev != m.preferred {
		logger.Info("🔄 缓存主后端已刷新: %s -> %s", prev, m.preferred)
	}
	m.bus.Publish(&event.Event{
		Type: event.EventTypeCacheBackendRefreshed,
		Data: map[string]interface{}{"backend": m.preferred},
	})
	return m.preferred
}

// Cleanup 清理所有可用后端中的过期条目
func (m *Manager) Cleanup(ctx context.Context) (int64, error) {
	now := m.now()
	var total int64
	var errs []error
	for _, h := range m.Health() {
		if !h.Available {
			continue
		}
		n, err := m.backends[h.Backend].Cleanup(ctx, now)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.Backend, err))
		}
	}
	return total, errors.Join(errs...)
}

// Close 关闭所有后端
func (m *Manager) Close() error {
	var errs []error
	for _, name := range m.order {
		if err := m.backends[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
