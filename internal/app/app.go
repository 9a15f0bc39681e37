// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Corphon/ChapterForgeMCP/internal/api"
	"github.com/Corphon/ChapterForgeMCP/internal/config"
	"github.com/Corphon/ChapterForgeMCP/internal/di"
	"github.com/Corphon/ChapterForgeMCP/internal/services"
	"github.com/Corphon/ChapterForgeMCP/internal/storage"
	"github.com/Corphon/ChapterForgeMCP/internal/utils"
)

// HTTPServer 抽象http.Server，测试时可替换
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// App 应用实例，聚合配置、路由与生命周期控制
type App struct {
	config   *config.AppConfig
	router   http.Handler
	server   HTTPServer
	stopChan chan os.Signal
}

// 全局应用实例
var instance *App

// GetApp 获取应用单例
func GetApp() *App {
	if instance == nil {
		instance = &App{
			stopChan: make(chan os.Signal, 1),
		}
	}
	return instance
}

// GetConfig 返回应用配置
func (a *App) GetConfig() *config.AppConfig {
	return a.config
}

// GetDIContainer 获取依赖注入容器
func GetDIContainer() *di.Container {
	return di.GetContainer()
}

// IsDebugMode 检查应用是否处于调试模式
func IsDebugMode() bool {
	if instance == nil || instance.config == nil {
		return false
	}
	return instance.config.DebugMode
}

// Initialize 按顺序完成配置、日志、服务与路由的初始化
func Initialize(dataDir string) error {
	// 初始化配置系统
	if err := config.InitConfig(dataDir); err != nil {
		return fmt.Errorf("初始化配置失败: %w", err)
	}

	cfg := config.GetCurrentConfig()
	GetApp().config = cfg

	// 初始化日志系统
	if err := initLogger(cfg.LogDir); err != nil {
		return fmt.Errorf("初始化日志系统失败: %w", err)
	}

	// 初始化服务
	if err := InitServices(); err != nil {
		return fmt.Errorf("初始化服务失败: %w", err)
	}

	// 设置路由
	router, err := api.SetupRouter()
	if err != nil {
		return fmt.Errorf("设置路由失败: %w", err)
	}
	GetApp().router = router

	return nil
}

// initLogger 初始化按天滚动的日志文件
func initLogger(logDir string) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}

	logFile := filepath.Join(logDir, fmt.Sprintf("chapterforge_%s.log", time.Now().Format("2006-01-02")))
	return utils.InitLogger(logFile)
}

// InitServices 按依赖顺序初始化所有服务并注册到DI容器。
// 顺序不能乱：故事服务写路径要失效上下文缓存，创作服务要拿故事服务做校验
func InitServices() error {
	container := di.GetContainer()
	cfg := config.GetCurrentConfig()

	dataDir := "data"
	if cfg != nil && cfg.DataDir != "" {
		dataDir = cfg.DataDir
	}

	// 基础设施层：文件存储与锁管理
	fileStorage, err := storage.NewFileStorage(dataDir)
	if err != nil {
		return fmt.Errorf("初始化文件存储失败: %w", err)
	}
	container.Register("fileStorage", fileStorage)

	lockManager := services.NewLockManager()
	container.Register("locks", lockManager)

	// 上下文服务先于故事服务创建，故事服务的写路径依赖它做缓存失效
	contextService, err := services.NewContextService()
	if err != nil {
		return fmt.Errorf("初始化上下文服务失败: %w", err)
	}
	container.Register("context", contextService)

	// LLM服务自降级：配置缺失时进入待命模式而不是让启动失败
	llmService, err := services.NewLLMService()
	if err != nil {
		log.Printf("⚠️ LLM服务初始化失败，使用待命模式: %v", err)
		llmService = services.NewEmptyLLMService()
	}
	container.Register("llm", llmService)

	storyService := services.NewStoryService(fileStorage, lockManager, contextService)
	container.Register("story", storyService)

	conversationService := services.NewConversationService(fileStorage, lockManager)
	container.Register("conversation", conversationService)

	composeService := services.NewComposeService(storyService, lockManager)
	container.Register("compose", composeService)

	converterService := services.NewRequestConverterService()
	container.Register("converter", converterService)

	progressService := services.NewProgressService()
	container.Register("progress", progressService)

	generationService := services.NewGenerationService(
		llmService,
		storyService,
		contextService,
		converterService,
		composeService,
		conversationService,
		progressService,
	)
	container.Register("generation", generationService)

	statsService := services.NewStatsService()
	container.Register("stats", statsService)

	exportService := services.NewExportService(storyService)
	container.Register("export", exportService)

	configService := services.NewConfigService(llmService)
	container.Register("config", configService)

	return nil
}

// ReinitializeLLMService 配置变更后就地刷新LLM提供商。
// 其他服务持有的是同一个实例指针，只能原地更新，不能换新对象
func ReinitializeLLMService() error {
	container := di.GetContainer()
	llmService, ok := container.Get("llm").(*services.LLMService)
	if !ok || llmService == nil {
		return fmt.Errorf("LLM服务未注册")
	}

	cfg := config.GetCurrentConfig()
	if cfg == nil || cfg.LLMProvider == "" {
		return fmt.Errorf("LLM提供商未配置")
	}

	return llmService.UpdateProvider(cfg.LLMProvider, cfg.LLMConfig)
}

// Run 启动HTTP服务器并等待停止信号
func Run() error {
	app := GetApp()

	if app.server == nil {
		port := "8080"
		if app.config != nil && app.config.Port != "" {
			port = app.config.Port
		}
		app.server = &http.Server{
			Addr:    ":" + port,
			Handler: app.router,
		}
	}

	signal.Notify(app.stopChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ 启动服务器失败: %v", err)
		}
	}()

	// 等待停止信号
	<-app.stopChan
	log.Println("🛑 正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("服务器关闭失败: %w", err)
	}

	app.cleanup()
	log.Println("✅ 服务器优雅关闭完成")
	return nil
}

// Cleanup 释放全部后台资源，进程退出前调用
func Cleanup() {
	GetApp().cleanup()
}

// cleanup 释放后台协程与缓存资源。
// 服务可能没有全部注册，逐个判空后再关
func (a *App) cleanup() {
	log.Println("🧹 清理应用资源...")
	container := di.GetContainer()

	if svc, ok := container.Get("compose").(*services.ComposeService); ok && svc != nil {
		svc.Close()
	}

	if svc, ok := container.Get("context").(*services.ContextService); ok && svc != nil {
		svc.Close()
	}

	if svc, ok := container.Get("stats").(*services.StatsService); ok && svc != nil {
		if err := svc.Close(); err != nil {
			log.Printf("⚠️ 统计服务关闭失败: %v", err)
		}
	}

	if lm, ok := container.Get("locks").(*services.LockManager); ok && lm != nil {
		lm.Stop()
	}

	if fs, ok := container.Get("fileStorage").(*storage.FileStorage); ok && fs != nil {
		fs.StopCacheCleanup()
	}

	api.ShutdownWebSocketManager()

	log.Println("✅ 资源清理完成")
}
