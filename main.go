package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"tradingagents/cache"
	"tradingagents/config"
	"tradingagents/event"
	"tradingagents/lock"
	"tradingagents/logger"
	"tradingagents/market"
	"tradingagents/metrics"
	"tradingagents/news"
	"tradingagents/notify"
	"tradingagents/provider"
	"tradingagents/provider/cn"
	"tradingagents/provider/hk"
	"tradingagents/provider/us"
	"tradingagents/provider/yahoo"
	"tradingagents/ratelimit"
	"tradingagents/router"
	"tradingagents/scheduler"
	"tradingagents/session"
	"tradingagents/storage"
	"tradingagents/utils"
)

// Version 版本号
var Version = "0.4.0"

type app struct {
	cfg      *config.Config
	reloader *config.HotReloader
	bus      *event.EventBus
	center   *event.EventCenter
	logStore *storage.LogStorage
	notifier *notify.NotificationService
	cache    *cache.Manager
	paid     *news.PaidRegistry
	router   *router.Router
	sessions *session.Store
	states   *session.StateStore
	rdb      *redis.Client
	sched    *scheduler.Scheduler
	dlock    lock.DistributedLock
}

func main() {
	var (
		configPath  = flag.String("config", "config.toml", "配置文件路径 (.toml/.yaml)")
		showVersion = flag.Bool("version", false, "打印版本号")
		kind        = flag.String("kind", "bars", "请求类型: bars|info|news|fundamentals|realtime|stats|activity")
		start       = flag.String("start", "", "开始日期 YYYY-MM-DD")
		end         = flag.String("end", "", "结束日期 YYYY-MM-DD")
		limit       = flag.Int("limit", 10, "新闻条数")
		user        = flag.String("user", "", "记录活动日志使用的用户名")
		timeout     = flag.Duration("timeout", 2*time.Minute, "单个代码的请求超时")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("TradingAgents data core\n")
		fmt.Printf("Version: %s\n", Version)
		os.Exit(0)
	}

	resolver := config.NewResolver(*configPath)
	cfg, err := resolver.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ 加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Setup(cfg.LoggerOptions()); err != nil {
		fmt.Fprintf(os.Stderr, "❌ 初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()
	if err := utils.SetLocation(cfg.System.Timezone); err != nil {
		logger.Warn("⚠️ 时区 %s 无效，使用 UTC: %v", cfg.System.Timezone, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		logger.Fatalf("❌ 初始化失败: %v", err)
	}
	defer a.close()

	go metrics.NewRuntimeCollector(15 * time.Second).Run(ctx)

	tickers := flag.Args()
	if len(tickers) > 0 {
		code := 0
		for _, ticker := range tickers {
			if err := a.fetch(ctx, *kind, ticker, *start, *end, *limit, *user, *timeout); err != nil {
				logger.Error("❌ %s: %v", ticker, err)
				code = 1
			}
		}
		a.close()
		logger.Close()
		os.Exit(code)
	}

	// 常驻模式：定时任务 + 配置热更新
	if err := a.startJobs(); err != nil {
		logger.Fatalf("❌ 注册定时任务失败: %v", err)
	}
	watcher := a.watchConfig(ctx, resolver, *configPath)

	a.center.PublishEvent(event.EventTypeSystemStart, map[string]interface{}{
		"version": Version,
		"backend": a.cache.Backend(),
	})
	logger.Info("✅ 数据核心已启动，缓存后端: %s", a.cache.Backend())
	logger.Info("💡 按 Ctrl+C 退出程序")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("🛑 收到退出信号，开始优雅关闭...")
	a.center.PublishEvent(event.EventTypeSystemStop, map[string]interface{}{"reason": "收到退出信号"})
	if watcher != nil {
		_ = watcher.Stop()
	}
	cancel()
	a.close()
	logger.Info("✅ 系统已安全退出")
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, reloader: config.NewHotReloader(cfg), bus: event.NewEventBus(1000)}
	a.center = event.NewEventCenter(a.bus)

	if cfg.Logging.Handlers.Database.Enabled {
		ls, err := storage.NewLogStorage(cfg.Logging.Handlers.Database.Path)
		if err != nil {
			logger.Warn("⚠️ 初始化日志存储失败: %v，将继续运行但不保存日志到数据库", err)
		} else {
			a.logStore = ls
			logger.InitLogStorage(ls.WriteLog)
			a.center.Register(ls)
			logger.Info("✅ 日志存储已初始化: %s", cfg.Logging.Handlers.Database.Path)
		}
	}
	if ns := notify.NewNotificationService(cfg); ns != nil {
		a.notifier = ns
		a.center.Register(ns)
	}
	a.center.Start()

	cm, err := cache.NewManagerFromConfig(ctx, cfg, a.bus)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存失败: %w", err)
	}
	a.cache = cm

	limits := ratelimit.NewRegistry(cfg, ratelimit.WithEventBus(a.bus))
	a.paid = news.NewPaidRegistry(cfg.News.PaidSources)

	yahooSrc := yahoo.NewNativeSource()
	newsClient := yahoo.NewNewsClient("", nil)
	names := hk.NewNameCache(cfg.Data.HKNameCache, nil)

	chains := map[market.Market][]provider.Provider{
		market.US: us.Chain(us.Deps{
			Config: cfg,
			Limits: limits,
			Paid:   a.paid,
			Yahoo:  yahooSrc,
			News:   newsClient,
		}),
		market.ChinaA: cn.Chain(cn.Deps{Config: cfg, Limits: limits, Paid: a.paid}),
		market.HK: {
			hk.NewWithYahoo(yahooSrc, newsClient, limits.Get("hk"), a.paid, names),
		},
	}
	a.router = router.New(chains, router.Options{
		Cache: cm,
		TTL: func(kind, m string) time.Duration {
			return a.reloader.GetCurrentConfig().TTLFor(kind, m)
		},
		Bus: a.bus,
	})
	for _, m := range []market.Market{market.US, market.ChinaA, market.HK} {
		logger.Info("📡 %s 数据源: %s", m, strings.Join(a.router.Chain(m), " → "))
	}

	a.sessions, err = session.NewStore(cfg.Data.ActivityDir, cfg.Data.OperationDir)
	if err != nil {
		return nil, err
	}

	a.rdb = a.sessionRedis()
	a.states, err = session.NewStateStore(a.rdb, cfg.Data.SessionDir, time.Duration(cfg.Session.TTL)*time.Second)
	if err != nil {
		return nil, err
	}
	logger.Info("✅ 会话状态存储: %s", a.states.Backend())
	return a, nil
}

func (a *app) sessionRedis() *redis.Client {
	if a.cfg.Session.Backend != config.BackendRedis || !a.cfg.Redis.Configured() {
		return nil
	}
	client, err := lock.NewRedisClient(a.cfg.Redis)
	if err != nil {
		logger.Warn("⚠️ 会话 Redis 不可用，改用文件存储: %v", err)
		return nil
	}
	return client
}

func (a *app) startJobs() error {
	a.dlock = lock.NewDistributedLock(context.Background(), a.cfg.Redis)
	a.sched = scheduler.New(a.dlock)

	if err := a.sched.AddJob(a.cfg.Cache.CleanupSchedule, cache.NewCleanupJob(a.cache)); err != nil {
		return err
	}
	if err := a.sched.AddJob("@daily", session.NewRetentionJob(a.sessions, a.cfg.Data.RetentionDays)); err != nil {
		return err
	}
	if a.logStore != nil {
		if err := a.sched.AddJob("0 2 * * *", storage.NewCleanupJob(a.logStore, 0)); err != nil {
			return err
		}
	}
	a.sched.Start()
	return nil
}

// watchConfig 监听配置文件，日志级别、付费新闻源与缓存 TTL 可热更新
func (a *app) watchConfig(ctx context.Context, resolver *config.Resolver, path string) *config.ConfigWatcher {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	a.reloader.RegisterCallback(func(oldCfg, newCfg *config.Config, changes []config.ConfigChange) error {
		if oldCfg.Logging.Format != newCfg.Logging.Format {
			if err := logger.Setup(newCfg.LoggerOptions()); err != nil {
				return err
			}
		} else if oldCfg.Logging.Level != newCfg.Logging.Level {
			logger.SetLevel(logger.ParseLogLevel(newCfg.Logging.Level))
		}
		a.paid.Set(newCfg.News.PaidSources)
		a.bus.Publish(&event.Event{Type: event.EventTypeConfigReloaded, Data: map[string]interface{}{"changes": len(changes)}})
		logger.Info("🔄 配置已热更新，%d 项变更", len(changes))
		return nil
	})

	watcher, err := config.NewConfigWatcher(path, a.reloader, resolver)
	if err != nil {
		logger.Warn("⚠️ 创建配置监控失败: %v", err)
		return nil
	}
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("⚠️ 启动配置监控失败: %v", err)
		return nil
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-watcher.GetErrorChan():
				if !ok {
					return
				}
				logger.Warn("⚠️ 配置重载失败: %v", err)
			}
		}
	}()
	return watcher
}

func (a *app) fetch(parent context.Context, kind, ticker, start, end string, limit int, user string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	switch kind {
	case "stats":
		return printJSON(map[string]interface{}{
			"stats":  a.cache.Stats(ctx),
			"health": a.cache.Health(),
		})
	case "activity":
		return printJSON(a.sessions.Query(session.QueryOptions{Username: ticker}))
	}

	info := market.Classify(ticker)
	state := &session.AnalysisState{
		Status:      "running",
		StockSymbol: info.NormalizedSymbol,
		MarketType:  string(info.Market),
		FormConfig:  map[string]interface{}{"kind": kind, "start": start, "end": end},
	}
	if err := a.states.Save(ctx, state); err != nil {
		logger.Warn("⚠️ 保存会话状态失败: %v", err)
	}

	began := time.Now()
	var (
		result interface{}
		err    error
	)
	switch provider.Kind(kind) {
	case provider.KindBars:
		result, err = a.router.Bars(ctx, ticker, start, end)
	case provider.KindInfo:
		result, err = a.router.Info(ctx, ticker)
	case provider.KindNews:
		result, err = a.router.News(ctx, ticker, limit)
	case provider.KindFundamentals:
		result, err = a.router.Fundamentals(ctx, ticker)
	case provider.KindRealtime:
		result, err = a.router.Realtime(ctx, ticker)
	default:
		err = fmt.Errorf("未知的请求类型: %s", kind)
	}
	a.sessions.Activities.LogAnalysisRequest(user, state.SessionID, ticker, kind, time.Since(began), err)

	state.Status = "completed"
	if err != nil {
		state.Status = "failed"
	}
	if serr := a.states.Save(ctx, state); serr != nil {
		logger.Warn("⚠️ 保存会话状态失败: %v", serr)
	}
	if err != nil {
		return err
	}
	return printJSON(result)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func (a *app) close() {
	if a.sched != nil {
		a.sched.Stop()
		a.sched = nil
	}
	if a.dlock != nil {
		_ = a.dlock.Close()
		a.dlock = nil
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			logger.Warn("⚠️ 关闭缓存失败: %v", err)
		}
		a.cache = nil
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
		a.rdb = nil
	}
	if a.center != nil {
		a.center.Stop()
		a.center = nil
	}
	if a.notifier != nil {
		a.notifier.Wait()
	}
	if a.logStore != nil {
		logger.InitLogStorage(nil)
		_ = a.logStore.Close()
		a.logStore = nil
	}
}
