// internal/api/router.go
package api

import (
	"fmt"
	"net/http"

	"github.com/Corphon/ChapterForgeMCP/internal/config"
	"github.com/Corphon/ChapterForgeMCP/internal/di"
	"github.com/Corphon/ChapterForgeMCP/internal/services"
	"github.com/gin-gonic/gin"
)

// SetupRouter 配置HTTP路由
func SetupRouter() (*gin.Engine, error) {
	// 获取配置
	cfg := config.GetCurrentConfig()

	// 获取依赖注入容器
	container := di.GetContainer()

	// ✅ 只从容器获取服务，不再创建新实例
	storyService, ok := container.Get("story").(*services.StoryService)
	if !ok {
		return nil, fmt.Errorf("故事服务未正确初始化")
	}

	composeService, ok := container.Get("compose").(*services.ComposeService)
	if !ok {
		return nil, fmt.Errorf("章节创作服务未正确初始化")
	}

	conversationService, ok := container.Get("conversation").(*services.ConversationService)
	if !ok {
		return nil, fmt.Errorf("会话服务未正确初始化")
	}

	contextService, ok := container.Get("context").(*services.ContextService)
	if !ok {
		return nil, fmt.Errorf("上下文服务未正确初始化")
	}

	generationService, ok := container.Get("generation").(*services.GenerationService)
	if !ok {
		return nil, fmt.Errorf("生成服务未正确初始化")
	}

	progressService, ok := container.Get("progress").(*services.ProgressService)
	if !ok {
		return nil, fmt.Errorf("进度服务未正确初始化")
	}

	configService, ok := container.Get("config").(*services.ConfigService)
	if !ok {
		return nil, fmt.Errorf("配置服务未正确初始化")
	}

	statsService, ok := container.Get("stats").(*services.StatsService)
	if !ok {
		return nil, fmt.Errorf("统计服务未正确初始化")
	}

	exportService, ok := container.Get("export").(*services.ExportService)
	if !ok {
		return nil, fmt.Errorf("导出服务未正确初始化")
	}

	// ✅ 创建API处理器 - 只传递从容器获取的服务
	handler := NewHandler(
		storyService,
		composeService,
		conversationService,
		contextService,
		generationService,
		progressService,
		configService,
		statsService,
		exportService,
	)

	// 创建路由
	r := gin.Default()

	// 启用CORS
	r.Use(corsMiddleware())

	// 每个请求分配request_id
	r.Use(RequestIDMiddleware())

	// HTTPS重定向（生产环境）
	if !cfg.DebugMode {
		r.Use(func(c *gin.Context) {
			if c.Request.Header.Get("X-Forwarded-Proto") != "https" {
				c.Redirect(http.StatusPermanentRedirect,
					"https://"+c.Request.Host+c.Request.URL.Path)
				return
			}
			c.Next()
		})
	}

	// 健康检查
	r.GET("/health", handler.HealthCheck)

	// WebSocket 支持
	r.GET("/ws/stories/:id", handler.StoryWebSocket)

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api")
	api.Use(DefaultRateLimit())
	{
		// ===============================
		// 故事相关路由
		// ===============================
		storiesGroup := api.Group("/stories")
		{
			storiesGroup.GET("", handler.ListStories)
			storiesGroup.POST("", handler.CreateStory)
			storiesGroup.GET("/:id", handler.GetStory)
			storiesGroup.PUT("/:id", handler.UpdateStory)
			storiesGroup.DELETE("/:id", handler.DeleteStory)
			storiesGroup.GET("/:id/export", ExportRateLimit(), handler.ExportStory)
			storiesGroup.POST("/:id/finalize", handler.FinalizeChapter)

			// 角色管理
			storiesGroup.POST("/:id/characters", handler.AddCharacter)
			storiesGroup.PUT("/:id/characters/:char_id", handler.UpdateCharacter)
			storiesGroup.DELETE("/:id/characters/:char_id", handler.DeleteCharacter)

			// 评审人管理
			storiesGroup.POST("/:id/raters", handler.AddRater)
			storiesGroup.DELETE("/:id/raters/:rater_id", handler.DeleteRater)

			// 读者反馈
			storiesGroup.POST("/:id/feedback", handler.AppendFeedback)
			storiesGroup.DELETE("/:id/feedback", handler.ClearFeedback)

			// ===============================
			// 章节创作路由
			// ===============================
			composeGroup := storiesGroup.Group("/:id/compose")
			{
				composeGroup.POST("", handler.InitializeCompose)
				composeGroup.GET("", handler.GetCompose)
				composeGroup.POST("/advance", handler.AdvancePhase)
				composeGroup.POST("/revert", handler.RevertPhase)
				composeGroup.PUT("/progress", handler.UpdatePhaseProgress)
				composeGroup.GET("/context", handler.GetComposeContext)
				composeGroup.PUT("/context", handler.SetSharedContext)

				// 大纲条目
				composeGroup.POST("/outline/items", handler.AddOutlineItem)
				composeGroup.PUT("/outline/items/:item_id", handler.UpdateOutlineItem)
				composeGroup.DELETE("/outline/items/:item_id", handler.RemoveOutlineItem)
				composeGroup.PUT("/outline/summary", handler.SetDraftSummary)

				// 章节草稿
				composeGroup.PUT("/draft", handler.UpdateDraftContent)
				composeGroup.POST("/draft/versions", handler.SaveDraftVersion)
				composeGroup.DELETE("/draft/versions/:version_id", handler.DeleteDraftVersion)
				composeGroup.POST("/draft/versions/:version_id/restore", handler.RestoreDraftVersion)

				// 终稿与评审
				composeGroup.PUT("/final", handler.SetFinalContent)
				composeGroup.POST("/review/items", handler.AddReviewItem)
				composeGroup.PUT("/review/items/:review_id", handler.ResolveReviewItem)
			}

			// ===============================
			// 会话相关路由
			// ===============================
			conversationsGroup := storiesGroup.Group("/:id/conversations")
			{
				conversationsGroup.GET("", handler.ListThreads)
				conversationsGroup.POST("", handler.CreateThread)
				conversationsGroup.GET("/:thread_id", handler.GetThread)
				conversationsGroup.DELETE("/:thread_id", handler.DeleteThread)
				conversationsGroup.GET("/:thread_id/messages", handler.GetThreadMessages)
				conversationsGroup.POST("/:thread_id/messages", handler.AddMessage)
				conversationsGroup.POST("/:thread_id/branches", handler.CreateBranch)
				conversationsGroup.POST("/:thread_id/branches/:branch_id/switch", handler.SwitchBranch)
				conversationsGroup.DELETE("/:thread_id/branches/:branch_id", handler.DeleteBranch)
				conversationsGroup.GET("/:thread_id/excerpt", handler.GetThreadExcerpt)
			}
		}

		// ===============================
		// 生成相关路由
		// ===============================
		generateGroup := api.Group("/generate")
		generateGroup.Use(GenerationRateLimit())
		{
			generateGroup.POST("/outline", handler.GenerateOutline)
			generateGroup.POST("/chapter", handler.GenerateChapter)
			generateGroup.POST("/modify", handler.GenerateModification)
			generateGroup.POST("/feedback/characters", handler.GenerateCharacterFeedback)
			generateGroup.POST("/feedback/rater", handler.GenerateRaterFeedback)
			generateGroup.POST("/review", handler.GenerateReview)
		}

		// ===============================
		// 进度相关
		// ===============================
		api.GET("/progress/:taskID", handler.SubscribeProgress)
		api.POST("/cancel/:taskID", handler.CancelTask)

		// ===============================
		// 设置相关路由
		// ===============================
		settingsGroup := api.Group("/settings")
		{
			settingsGroup.GET("", handler.GetSettings)
			settingsGroup.PUT("", handler.UpdateSettings)
			settingsGroup.GET("/history", handler.GetSettingsHistory)
			settingsGroup.PUT("/debug", handler.SetDebugMode)
		}

		// ===============================
		// LLM配置相关路由
		// ===============================
		llmGroup := api.Group("/llm")
		{
			llmGroup.GET("/status", handler.GetLLMStatus)
			llmGroup.GET("/providers", handler.GetLLMProviders)
		}

		// ===============================
		// 配置健康
		// ===============================
		configGroup := api.Group("/config")
		{
			configGroup.GET("/health", handler.GetConfigHealth)
		}

		// ===============================
		// 统计
		// ===============================
		api.GET("/stats", handler.GetStats)

		// ===============================
		// 归档与存储
		// ===============================
		api.GET("/archive", handler.ExportArchive)
		api.POST("/archive/import", handler.ImportArchive)
		api.GET("/storage/quota", handler.GetStorageQuota)

		// WebSocket 管理路由
		wsGroup := api.Group("/ws")
		{
			wsGroup.GET("/status", handler.GetWebSocketStatus)
			wsGroup.POST("/cleanup", handler.CleanupWebSocketConnections)
		}
	}

	return r, nil
}

// corsMiddleware 实现跨域资源共享
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
