// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/c4fun/tell-stories-webui/internal/api"
	"github.com/c4fun/tell-stories-webui/internal/config"
	"github.com/c4fun/tell-stories-webui/internal/di"
	"github.com/c4fun/tell-stories-webui/internal/llm"
	"github.com/c4fun/tell-stories-webui/internal/services"
	"github.com/c4fun/tell-stories-webui/internal/storage"
	"github.com/c4fun/tell-stories-webui/internal/utils"

	// 注册模型后端
	_ "github.com/c4fun/tell-stories-webui/internal/llm/providers/deepseek"
	_ "github.com/c4fun/tell-stories-webui/internal/llm/providers/gemini"
	_ "github.com/c4fun/tell-stories-webui/internal/llm/providers/openrouter"
	_ "github.com/c4fun/tell-stories-webui/internal/llm/providers/qwen"
)

// 维护任务间隔
const (
	cacheCleanupInterval   = 10 * time.Minute
	trackerCleanupInterval = 5 * time.Minute
	lockCleanupInterval    = 10 * time.Minute
	wsCleanupInterval      = 30 * time.Second
	voiceReloadInterval    = 15 * time.Minute
)

// App 应用程序结构
type App struct {
	config     *config.Config
	container  *di.Container
	store      storage.ArtifactStore
	gateway    *llm.Gateway
	scripts    *services.ScriptService
	voices     *services.VoiceCatalog
	locks      *services.LockManager
	router     *api.Server
	scheduler  *Scheduler
	httpServer *http.Server
	stopChan   chan struct{}
	stopOnce   sync.Once
	logger     *utils.Logger
}

var (
	instance     *App
	instanceLock sync.Mutex
)

// GetApp 获取应用实例（单例）
func GetApp() *App {
	instanceLock.Lock()
	defer instanceLock.Unlock()

	if instance == nil {
		instance = &App{
			container: di.GetContainer(),
			stopChan:  make(chan struct{}),
			logger:    utils.GetLogger(),
		}
	}
	return instance
}

// InitServices 按当前配置初始化全局应用
func InitServices() error {
	return GetApp().Initialize(config.GetCurrentConfig())
}

// Initialize 按依赖顺序创建存储、网关、服务、路由和定时任务
func (a *App) Initialize(cfg *config.Config) error {
	a.config = cfg

	if err := a.initLogger(); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}

	store, err := newStore(cfg)
	if err != nil {
		return err
	}
	a.store = store

	metrics := utils.NewPipelineMetrics()

	// 模型网关：初始化失败的后端只记录原因，调用时跳过
	order := append([]string{cfg.PrimaryModel}, cfg.FallbackOrder...)
	backends, initErrors := llm.BuildBackends(order, cfg.ProviderSettings())
	for name, initErr := range initErrors {
		a.logger.Warn("模型后端初始化失败", map[string]interface{}{
			"backend": name,
			"error":   initErr.Error(),
		})
	}
	a.gateway = llm.NewGateway(llm.GatewayConfig{
		Primary:       cfg.PrimaryModel,
		FallbackOrder: cfg.FallbackOrder,
		MaxAttempts:   cfg.LLMMaxAttempts,
		RetryDelay:    cfg.LLMRetryDelay,
	}, backends, llm.WithMetrics(metrics), llm.WithInitErrors(initErrors))

	a.locks = services.NewLockManager()
	progress := services.NewProgressService()
	runner := services.NewJobRunner(metrics)
	a.voices = services.NewVoiceCatalog(cfg.VADirs...)
	books := services.NewBookService(store, a.locks)

	a.scripts = services.NewScriptService(services.ScriptDeps{
		Store:     store,
		Completer: a.gateway,
		Books:     books,
		Voices:    a.voices,
		Progress:  progress,
		Runner:    runner,
		Locks:     a.locks,
		Metrics:   metrics,
		Config: services.ScriptConfig{
			Workers:         cfg.Workers,
			PartTokenBudget: cfg.PartTokenBudget,
			Segmenter: services.SegmenterConfig{
				BatchSize:    cfg.SplitBatchSize,
				TargetLength: cfg.SplitTargetLength,
				MaxDeclines:  cfg.SplitMaxDeclines,
			},
		},
	})

	handler := api.NewHandler(a.scripts, books, a.gateway, metrics, store)
	routerOpts := api.DefaultRouterOptions()
	routerOpts.DebugMode = cfg.DebugMode
	a.router = api.SetupRouter(handler, routerOpts)
	a.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           a.router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.scheduler = NewScheduler()
	if err := a.registerMaintenanceJobs(); err != nil {
		return err
	}

	a.container.Register(di.Config, cfg)
	a.container.Register(di.Storage, store)
	a.container.Register(di.Gateway, a.gateway)
	a.container.Register(di.Metrics, metrics)
	a.container.Register(di.Locks, a.locks)
	a.container.Register(di.Progress, progress)
	a.container.Register(di.Runner, runner)
	a.container.Register(di.Voices, a.voices)
	a.container.Register(di.Books, books)
	a.container.Register(di.Scripts, a.scripts)
	a.container.Register(di.Scheduler, a.scheduler)

	a.logger.Info("服务初始化完成", map[string]interface{}{
		"storage":  cfg.StorageBackend,
		"backends": a.gateway.Candidates(),
		"voices":   len(a.voices.Entries()),
	})
	return nil
}

func (a *App) initLogger() error {
	opts := utils.DefaultLogOptions()
	if a.config.LogLevel != "" {
		opts.Level = a.config.LogLevel
	}
	if a.config.LogFormat != "" {
		opts.Format = a.config.LogFormat
	}
	if a.config.LogOutput != "" {
		opts.Output = a.config.LogOutput
	}
	opts.FilePath = filepath.Join(a.config.LogDir, "app.log")

	if err := utils.InitLogger(opts); err != nil {
		return err
	}
	a.logger = utils.GetLogger()
	return nil
}

// newStore 按配置选择产物存储
func newStore(cfg *config.Config) (storage.ArtifactStore, error) {
	if cfg.StorageBackend == "redis" {
		store, err := storage.NewRedisStorage(storage.RedisOptions{
			URL:      cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化Redis存储失败: %w", err)
		}
		return store, nil
	}

	store, err := storage.NewFileStorage(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("初始化文件存储失败: %w", err)
	}
	return store, nil
}

// maintenanceJob 返回本次清理的数量
type maintenanceJob struct {
	id    string
	every time.Duration
	task  func() int
}

// registerMaintenanceJobs 注册缓存、跟踪器、锁和连接的定期清理
func (a *App) registerMaintenanceJobs() error {
	retention := a.config.ProgressRetention
	if retention <= 0 {
		retention = time.Hour
	}

	jobs := []maintenanceJob{
		{"progress_cleanup", trackerCleanupInterval, func() int {
			return a.scripts.Progress().CleanupCompletedTasks(retention)
		}},
		{"lock_cleanup", lockCleanupInterval, a.locks.CleanupUnusedLocks},
		{"websocket_cleanup", wsCleanupInterval, a.router.Handler.WS.CleanupExpiredConnections},
		{"rate_limit_cleanup", lockCleanupInterval, a.router.Limiter.Cleanup},
		{"voice_reload", voiceReloadInterval, a.voices.Reload},
	}
	if cleaner, ok := a.store.(storage.CacheCleaner); ok {
		jobs = append(jobs, maintenanceJob{"cache_cleanup", cacheCleanupInterval, cleaner.CleanupCache})
	}

	for _, job := range jobs {
		id, task := job.id, job.task
		if err := a.scheduler.AddJob(id, job.every, func() {
			if removed := task(); removed > 0 {
				a.logger.Debug("定时清理完成", map[string]interface{}{"job_id": id, "count": removed})
			}
		}); err != nil {
			return err
		}
	}
	return nil
}

// Run 启动调度器和 HTTP 服务，阻塞直到 Shutdown 或服务出错
func (a *App) Run() error {
	if a.httpServer == nil {
		return errors.New("应用尚未初始化")
	}

	a.scheduler.Start()

	errChan := make(chan error, 1)
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("启动服务器失败: %w", err)
	case <-a.stopChan:
		return nil
	}
}

// Shutdown 停止接收请求，取消后台任务并释放资源
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("关闭HTTP服务失败: %w", err))
		}
	}
	if a.router != nil {
		a.router.Handler.WS.Shutdown()
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.scripts != nil {
		if err := a.scripts.Runner().Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("等待后台任务失败: %w", err))
		}
	}
	if a.gateway != nil {
		if err := a.gateway.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭模型后端失败: %w", err))
		}
	}
	if closer, ok := a.store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭存储失败: %w", err))
		}
	}

	a.stopOnce.Do(func() { close(a.stopChan) })
	utils.CloseLogger()
	return errors.Join(errs...)
}

// Router 返回 HTTP 路由
func (a *App) Router() *api.Server {
	return a.router
}

// GetConfig 返回应用配置
func (a *App) GetConfig() *config.Config {
	return a.config
}

// GetDIContainer 返回依赖容器
func (a *App) GetDIContainer() *di.Container {
	return a.container
}

// Scheduler 返回定时任务调度器
func (a *App) Scheduler() *Scheduler {
	return a.scheduler
}

// IsDebugMode 是否为调试模式
func (a *App) IsDebugMode() bool {
	return a.config != nil && a.config.DebugMode
}
