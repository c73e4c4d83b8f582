package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/John-Robertt/epwatch/internal/app/watch"
	"github.com/John-Robertt/epwatch/internal/config"
	"github.com/John-Robertt/epwatch/internal/history"
	"github.com/John-Robertt/epwatch/internal/infra/cache"
	"github.com/John-Robertt/epwatch/internal/infra/httpx"
	"github.com/John-Robertt/epwatch/internal/logging"
	"github.com/John-Robertt/epwatch/internal/metrics"
	"github.com/John-Robertt/epwatch/internal/platform"
	"github.com/John-Robertt/epwatch/internal/platform/gdrive"
	"github.com/John-Robertt/epwatch/internal/platform/mega"
	"github.com/John-Robertt/epwatch/internal/platform/pixeldrain"
	"github.com/John-Robertt/epwatch/internal/retry"
	"github.com/John-Robertt/epwatch/internal/state"
)

const configFileName = config.FileName

// commandContext 在各子命令之间共享配置加载结果（只加载一次）。
type commandContext struct {
	configFlag *string

	once    sync.Once
	cfg     config.Config
	cfgPath string
	cfgErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) config() (config.Config, error) {
	c.once.Do(func() {
		cwd, err := os.Getwd()
		if err != nil {
			c.cfgErr = fmt.Errorf("读取当前目录失败：%w", err)
			return
		}
		path := ""
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		c.cfg, c.cfgPath, c.cfgErr = config.Load(cwd, path)
	})
	return c.cfg, c.cfgErr
}

// app 是一次命令执行所需的全部运行时对象。
type app struct {
	cfg      config.Config
	log      *slog.Logger
	store    *state.Store
	registry platform.Registry
	queue    *retry.Queue
	history  *history.DB
	metrics  *metrics.Collector
	orch     *watch.Orchestrator

	closers []func() error
}

// openApp 按配置装配运行时；writable=false 时以只读方式打开状态文档（不加锁）。
func (c *commandContext) openApp(writable bool) (*app, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}

	log, closeLog, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败：%w", err)
	}
	a := &app{cfg: cfg, log: log, closers: []func() error{closeLog}}

	if writable {
		a.store, err = state.Open(cfg.StatePath)
	} else {
		a.store, err = state.OpenReadOnly(cfg.StatePath)
	}
	if err != nil {
		a.Close()
		if errors.Is(err, state.ErrLocked) {
			return nil, fmt.Errorf("%w（%s）", err, cfg.StatePath)
		}
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	a.registry, err = buildRegistry(cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	if writable && cfg.HistoryPath != "" {
		a.history, err = history.Open(cfg.HistoryPath)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, a.history.Close)
	}

	a.metrics = metrics.New()
	a.queue = &retry.Queue{
		Store:    a.store,
		Registry: a.registry,
		Policy: retry.Policy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			QuotaBackoff: cfg.Retry.QuotaBackoff.D(),
			ErrorBackoff: cfg.Retry.ErrorBackoff.D(),
		},
		Observer: a.metrics,
		Logger:   logging.NewComponentLogger(log, "retry"),
	}
	a.orch = &watch.Orchestrator{
		Store:    a.store,
		Registry: a.registry,
		Queue:    a.queue,
		Observer: a.metrics,
		Logger:   logging.NewComponentLogger(log, "watch"),
	}
	if a.history != nil {
		a.orch.History = a.history
	}
	return a, nil
}

// attachProgress 在交互终端下把进度输出接到 metrics 旁边。
func (a *app) attachProgress(ui *progressUI) {
	obs := watch.Multi(a.metrics, ui)
	a.orch.Observer = obs
	a.queue.Observer = obs
}

// Close 逆序释放资源。
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

// buildRegistry 装配所有平台下载器。
// 页面/API 请求与二进制下载使用不同的 client：前者有总超时且透明解码，后者只受 ctx 与响应头超时约束。
func buildRegistry(cfg config.Config, log *slog.Logger) (platform.Registry, error) {
	base := httpx.Options{
		ProxyURL:          cfg.HTTP.ProxyURL,
		HeaderTimeout:     cfg.HTTP.HeaderTimeout.D(),
		RetryMax:          cfg.HTTP.RetryMax,
		RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
	}

	pageOpts := base
	pageOpts.Timeout = cfg.HTTP.Timeout.D()
	pageOpts.Decompress = true
	pageClient, err := httpx.NewClient(pageOpts)
	if err != nil {
		return platform.Registry{}, fmt.Errorf("http.proxy_url 无效：%w", err)
	}

	fileOpts := base
	fileOpts.Timeout = -1
	fileClient, err := httpx.NewClient(fileOpts)
	if err != nil {
		return platform.Registry{}, fmt.Errorf("http.proxy_url 无效：%w", err)
	}

	return platform.NewRegistry(
		mega.Downloader{
			Binary:  cfg.Mega.Binary,
			Timeout: cfg.Mega.Timeout.D(),
			Logger:  logging.NewComponentLogger(log, mega.Name),
		},
		pixeldrain.Downloader{
			Client:     pageClient,
			FileClient: fileClient,
			BaseURL:    cfg.Pixeldrain.BaseURL,
			MaxAge:     cfg.Folder.MaxAge.D(),
			ChunkSize:  cfg.Folder.ChunkSize,
			Pages:      cache.New(cfg.CacheDir, false),
			Logger:     logging.NewComponentLogger(log, pixeldrain.Name),
		},
		gdrive.Downloader{
			Client:     fileClient,
			BaseURL:    cfg.GDrive.BaseURL,
			ContentURL: cfg.GDrive.ContentURL,
			ChunkSize:  cfg.Folder.ChunkSize,
			Logger:     logging.NewComponentLogger(log, gdrive.Name),
		},
	)
}
