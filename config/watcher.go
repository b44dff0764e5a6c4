package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tradingagents/logger"
)

// WatcherOption 配置监控器选项
type WatcherOption func(*ConfigWatcher)

// WithDebounce 文件事件合并窗口
func WithDebounce(d time.Duration) WatcherOption {
	return func(cw *ConfigWatcher) { cw.debounce = d }
}

// WithPollInterval 内容摘要轮询间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(cw *ConfigWatcher) { cw.poll = d }
}

// ConfigWatcher 监听配置文件，内容变化时经 Resolver 重新解析并交给 HotReloader
type ConfigWatcher struct {
	path     string
	fs       *fsnotify.Watcher
	reloader *HotReloader
	resolver *Resolver
	debounce time.Duration
	poll     time.Duration

	mu       sync.Mutex
	running  bool
	lastSum  []byte
	restarts chan []ConfigChange
	errs     chan error
}

// NewConfigWatcher 创建配置监控器，resolver 为 nil 时直接读取文件（不叠加环境变量）
func NewConfigWatcher(path string, reloader *HotReloader, resolver *Resolver, opts ...WatcherOption) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析配置路径失败: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}
	cw := &ConfigWatcher{
		path:     abs,
		fs:       fw,
		reloader: reloader,
		resolver: resolver,
		debounce: 200 * time.Millisecond,
		poll:     5 * time.Second,
		restarts: make(chan []ConfigChange, 1),
		errs:     make(chan error, 10),
	}
	for _, opt := range opts {
		opt(cw)
	}
	cw.lastSum, _ = fileSum(abs)
	return cw, nil
}

func fileSum(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// Start 监听配置文件所在目录
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.running {
		return fmt.Errorf("配置监控器已经在运行")
	}
	if err := cw.fs.Add(filepath.Dir(cw.path)); err != nil {
		return fmt.Errorf("添加监控目录失败: %w", err)
	}
	cw.running = true
	go cw.loop(ctx)
	logger.Debug("👀 开始监听配置文件: %s", cw.path)
	return nil
}

// Stop 停止监控
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if !cw.running {
		return nil
	}
	cw.running = false
	return cw.fs.Close()
}

func (cw *ConfigWatcher) loop(ctx context.Context) {
	poll := time.NewTicker(cw.poll)
	defer poll.Stop()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-cw.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != cw.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(cw.debounce)
			}
		case err, ok := <-cw.fs.Errors:
			if !ok {
				return
			}
			cw.report(err)
		case <-pending:
			pending = nil
			if err := cw.Reload(); err != nil {
				cw.report(err)
			}
		case <-poll.C:
			if err := cw.Reload(); err != nil {
				cw.report(err)
			}
		}
	}
}

func (cw *ConfigWatcher) report(err error) {
	select {
	case cw.errs <- err:
	default:
		logger.Warn("⚠️ 配置监控错误: %v", err)
	}
}

// Reload 文件内容变化时重新加载；内容未变返回 nil
func (cw *ConfigWatcher) Reload() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	sum, err := fileSum(cw.path)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}
	if bytes.Equal(sum, cw.lastSum) {
		return nil
	}

	var next *Config
	if cw.resolver != nil {
		next, err = cw.resolver.Load()
	} else {
		next, err = LoadConfig(cw.path)
	}
	if err != nil {
		return fmt.Errorf("重新加载配置失败: %w", err)
	}
	cw.lastSum = sum

	diff, err := cw.reloader.UpdateConfig(next)
	if err != nil {
		return fmt.Errorf("配置热更新失败: %w", err)
	}
	if !diff.RequiresRestart {
		return nil
	}

	var pendingChanges []ConfigChange
	for _, c := range diff.Changes {
		if c.RequiresRestart {
			pendingChanges = append(pendingChanges, c)
			logger.Warn("⚠️ 配置项 %s 已修改，重启后生效", c.Path)
		}
	}
	select {
	case cw.restarts <- pendingChanges:
	default:
	}
	return nil
}

// GetUpdateChan 需要重启才能生效的变更
func (cw *ConfigWatcher) GetUpdateChan() <-chan []ConfigChange {
	return cw.restarts
}

// GetErrorChan 监控与重载错误
func (cw *ConfigWatcher) GetErrorChan() <-chan error {
	return cw.errs
}
