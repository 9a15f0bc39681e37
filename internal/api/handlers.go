// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Corphon/ChapterForgeMCP/internal/config"
	"github.com/Corphon/ChapterForgeMCP/internal/di"
	"github.com/Corphon/ChapterForgeMCP/internal/llm"
	"github.com/Corphon/ChapterForgeMCP/internal/models"
	"github.com/Corphon/ChapterForgeMCP/internal/services"
	"github.com/gin-gonic/gin"
)

// Handler 处理API请求
type Handler struct {
	// 核心服务
	StoryService        *services.StoryService        // 故事服务
	ComposeService      *services.ComposeService      // 章节创作服务
	ConversationService *services.ConversationService // 会话服务
	ContextService      *services.ContextService      // 上下文服务
	GenerationService   *services.GenerationService   // 生成网关
	ProgressService     *services.ProgressService     // 进度跟踪服务
	ConfigService       *services.ConfigService       // 配置服务
	StatsService        *services.StatsService        // 统计服务
	ExportService       *services.ExportService       // 导出服务
	WebSocketHandler    *WebSocketHandler             // WebSocket 处理器
	Response            *ResponseHelper               // 响应助手
}

// GenerateRequest 生成类接口的统一请求结构。
// request字段原样透传给请求转换器，由它识别线格式
type GenerateRequest struct {
	StoryID      string          `json:"story_id" binding:"required"`
	Request      json.RawMessage `json:"request" binding:"required"`
	Instructions string          `json:"instructions,omitempty"`
}

// APIResponse 标准API响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"` // 用于调试和追踪
}

// APIError 标准错误格式
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// PaginationMeta 分页元数据
type PaginationMeta struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// PaginatedResponse 带分页的响应
type PaginatedResponse struct {
	*APIResponse
	Meta *PaginationMeta `json:"meta,omitempty"`
}

// ---------------------------------------------------------
// NewHandler 创建API处理器
func NewHandler(
	storyService *services.StoryService,
	composeService *services.ComposeService,
	conversationService *services.ConversationService,
	contextService *services.ContextService,
	generationService *services.GenerationService,
	progressService *services.ProgressService,
	configService *services.ConfigService,
	statsService *services.StatsService,
	exportService *services.ExportService) *Handler {

	return &Handler{
		StoryService:        storyService,
		ComposeService:      composeService,
		ConversationService: conversationService,
		ContextService:      contextService,
		GenerationService:   generationService,
		ProgressService:     progressService,
		ConfigService:       configService,
		StatsService:        statsService,
		ExportService:       exportService,
		WebSocketHandler:    NewWebSocketHandler(),
		Response:            NewResponseHelper(),
	}
}

// respondError 统一把服务层错误翻译成HTTP响应。
// 哨兵错误先于AppError判断，服务层两种风格都会出现
func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrStoryNotFound):
		h.Response.Error(c, http.StatusNotFound, ErrorStoryNotFound, "故事不存在", err.Error())
	case errors.Is(err, services.ErrThreadNotFound):
		h.Response.Error(c, http.StatusNotFound, ErrorThreadNotFound, "会话线程不存在", err.Error())
	case errors.Is(err, services.ErrBranchNotFound):
		h.Response.Error(c, http.StatusNotFound, ErrorBranchNotFound, "会话分支不存在", err.Error())
	case errors.Is(err, services.ErrGenerationInFlight):
		h.Response.Error(c, http.StatusConflict, ErrorGenerationInFlight, "同类生成请求正在进行中", err.Error())
	case errors.Is(err, services.ErrLLMNotReady):
		h.Response.Error(c, http.StatusServiceUnavailable, ErrorLLMServiceUnavailable, "LLM服务未就绪", err.Error())
	case errors.Is(err, services.ErrUnknownRequestFormat):
		h.Response.Error(c, http.StatusBadRequest, ErrorRequestConversionFailed, "无法识别的请求格式", err.Error())
	default:
		h.Response.AppError(c, err)
	}
}

// ------------------------------------------------
// StoryWebSocket 处理故事创作 WebSocket 连接
func (h *Handler) StoryWebSocket(c *gin.Context) {
	h.WebSocketHandler.StoryWebSocket(c)
}

// BroadcastToStory 提供外部调用的广播方法
func (h *Handler) BroadcastToStory(storyID string, message map[string]interface{}) {
	wsManager.BroadcastToStory(storyID, message)
}

// GetWebSocketStatus 获取 WebSocket 连接状态（调试用）
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	status := wsManager.GetStatus()
	status["ping_timeout_seconds"] = int(wsManager.pingTimeout.Seconds())
	status["timestamp"] = time.Now().Format(time.RFC3339)

	c.JSON(http.StatusOK, status)
}

// 添加管理器控制API
func (h *Handler) CleanupWebSocketConnections(c *gin.Context) {
	wsManager.cleanupExpiredConnections()
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "连接清理已执行",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// HealthCheck 健康检查端点
func (h *Handler) HealthCheck(c *gin.Context) {
	cfg := config.GetCurrentConfig()

	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"service":    "ChapterForgeMCP",
		"debug_mode": cfg != nil && cfg.DebugMode,
		"timestamp":  time.Now().Format(time.RFC3339),
	})
}

// ========================================
// 故事管理处理器
// ========================================

// ListStories 获取故事索引列表
func (h *Handler) ListStories(c *gin.Context) {
	entries, err := h.StoryService.ListStories()
	if err != nil {
		h.respondError(c, err)
		return
	}

	// 需要分页时按页返回
	if c.Query("paginated") == "true" {
		page, perPage := parsePagination(c)
		total := len(entries)

		start := (page - 1) * perPage
		if start > total {
			start = total
		}
		end := start + perPage
		if end > total {
			end = total
		}

		meta := &PaginationMeta{
			Page:       page,
			PerPage:    perPage,
			Total:      total,
			TotalPages: (total + perPage - 1) / perPage,
		}
		h.Response.PaginatedSuccess(c, entries[start:end], meta, "故事列表获取成功")
		return
	}

	h.Response.Success(c, entries, "故事列表获取成功")
}

// GetStory 获取指定故事详情
func (h *Handler) GetStory(c *gin.Context) {
	storyID := c.Param("id")
	story, err := h.StoryService.LoadStoryContent(storyID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, story, "故事数据获取成功")
}

// CreateStory 创建新故事
func (h *Handler) CreateStory(c *gin.Context) {
	var req struct {
		Title  string             `json:"title" binding:"required"`
		Config models.StoryConfig `json:"config"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	story, err := h.StoryService.CreateStory(req.Title, req.Config)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Created(c, story, "故事创建成功")
}

// UpdateStory 更新故事标题或全局配置
func (h *Handler) UpdateStory(c *gin.Context) {
	storyID := c.Param("id")

	var req struct {
		Title  string              `json:"title"`
		Config *models.StoryConfig `json:"config"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	story, err := h.StoryService.UpdateStory(storyID, req.Title, req.Config)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, story, "故事更新成功")
}

// DeleteStory 删除故事及其全部关联数据
func (h *Handler) DeleteStory(c *gin.Context) {
	storyID := c.Param("id")

	if err := h.StoryService.DeleteStory(storyID); err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, nil, "故事删除成功")
}

// FinalizeChapter 把当前创作内容定稿为新章节
func (h *Handler) FinalizeChapter(c *gin.Context) {
	storyID := c.Param("id")

	var req struct {
		Title string `json:"title"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	chapter, err := h.StoryService.FinalizeChapter(storyID, req.Title)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Created(c, chapter, "章节定稿成功")
}

// ExportStory 导出故事文档
func (h *Handler) ExportStory(c *gin.Context) {
	storyID := c.Param("id")
	format := c.DefaultQuery("format", "json")

	// 创建带超时的上下文
	ctx, cancel := context.WithTimeout(c.Request.Context(), 45*time.Second)
	defer cancel()

	result, err := h.ExportService.ExportStoryAsDocument(ctx, storyID, format)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			h.Response.Error(c, http.StatusRequestTimeout, ErrorExportFailed,
				"导出操作超时", "故事文档较大，请稍后重试")
			return
		}
		h.respondError(c, err)
		return
	}

	// 检查导出结果
	if result == nil || result.Content == "" {
		h.Response.Error(c, http.StatusNotFound, ErrorExportDataEmpty,
			"导出结果为空", "没有找到可导出的故事数据")
		return
	}

	// 使用专用的导出响应方法
	h.Response.ExportResponse(c, result, format)
}

// ========================================
// 角色与评审人管理
// ========================================

// AddCharacter 向故事添加角色
func (h *Handler) AddCharacter(c *gin.Context) {
	storyID := c.Param("id")

	var character models.Character
	if err := c.ShouldBindJSON(&character); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	created, err := h.StoryService.AddCharacter(storyID, character)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Created(c, created, "角色添加成功")
}

// UpdateCharacter 更新角色设定
func (h *Handler) UpdateCharacter(c *gin.Context) {
	storyID := c.Param("id")
	characterID := c.Param("char_id")

	var patch models.Character
	if err := c.ShouldBindJSON(&patch); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	updated, err := h.StoryService.UpdateCharacter(storyID, characterID, patch)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, updated, "角色更新成功")
}

// DeleteCharacter 删除角色
func (h *Handler) DeleteCharacter(c *gin.Context) {
	storyID := c.Param("id")
	characterID := c.Param("char_id")

	if err := h.StoryService.DeleteCharacter(storyID, characterID); err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, nil, "角色删除成功")
}

// AddRater 向故事添加评审人
func (h *Handler) AddRater(c *gin.Context) {
	storyID := c.Param("id")

	var rater models.Rater
	if err := c.ShouldBindJSON(&rater); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	created, err := h.StoryService.AddRater(storyID, rater)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Created(c, created, "评审人添加成功")
}

// DeleteRater 删除评审人
func (h *Handler) DeleteRater(c *gin.Context) {
	storyID := c.Param("id")
	raterID := c.Param("rater_id")

	if err := h.StoryService.DeleteRater(storyID, raterID); err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, nil, "评审人删除成功")
}

// AppendFeedback 追加读者反馈
func (h *Handler) AppendFeedback(c *gin.Context) {
	storyID := c.Param("id")

	var req struct {
		Items []models.FeedbackItem `json:"items" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	if err := h.StoryService.AppendFeedback(storyID, req.Items); err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, nil, "反馈追加成功")
}

// ClearFeedback 清空当前章节反馈
func (h *Handler) ClearFeedback(c *gin.Context) {
	storyID := c.Param("id")

	if err := h.StoryService.ClearFeedback(storyID); err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, nil, "反馈已清空")
}

// ========================================
// 章节创作处理器
// ========================================

// InitializeCompose 初始化三阶段章节创作
func (h *Handler) InitializeCompose(c *gin.Context) {
	storyID := c.Param("id")

	var req struct {
		ChapterNumber int `json:"chapter_number"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	state, err := h.ComposeService.InitializeCompose(c.Request.Context(), storyID, req.ChapterNumber)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Created(c, state, "章节创作已初始化")
}

// GetCompose 获取当前章节创作状态
func (h *Handler) GetCompose(c *gin.Context) {
	storyID := c.Param("id")

	state, err := h.ComposeService.GetCompose(c.Request.Context(), storyID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, state, "创作状态获取成功")
}

// AdvancePhase 推进到下一创作阶段
func (h *Handler) AdvancePhase(c *gin.Context) {
	storyID := c.Param("id")

	result, err := h.ComposeService.AdvanceToNext(c.Request.Context(), storyID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if !result.Success {
		h.Response.Error(c, http.StatusConflict, ErrorPhaseTransitionRejected,
			"阶段推进被拒绝", strings.Join(result.ValidationErrors, "; "))
		return
	}

	h.Response.Success(c, result, "阶段推进成功")
}

// RevertPhase 回退到上一创作阶段
func (h *Handler) RevertPhase(c *gin.Context) {
	storyID := c.Param("id")

	result, err := h.ComposeService.RevertToPrevious(c.Request.Context(), storyID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if !result.Success {
		h.Response.Error(c, http.StatusConflict, ErrorPhaseTransitionRejected,
			"阶段回退被拒绝", strings.Join(result.ValidationErrors, "; "))
		return
	}

	h.Response.Success(c, result, "阶段回退成功")
}

// UpdatePhaseProgress 更新某阶段的进度备注
func (h *Handler) UpdatePhaseProgress(c *gin.Context) {
	storyID := c.Param("id")

	var req struct {
		Phase    string               `json:"phase" binding:"required"`
		Progress models.PhaseProgress `json:"progress"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	phase := models.ComposePhase(req.Phase)
	if !models.IsValidPhase(phase) {
		h.Response.BadRequest(c, "无效的创作阶段", "阶段必须是 plot_outline、chapter_detail 或 final_edit")
		return
	}

	state, err := h.ComposeService.UpdatePhaseProgress(c.Request.Context(), storyID, phase, req.Progress)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, state, "进度更新成功")
}

// SetSharedContext 设置跨阶段共享的创作参数
func (h *Handler) SetSharedContext(c *gin.Context) {
	storyID := c.Param("id")

	var shared models.SharedContext
	if err := c.ShouldBindJSON(&shared); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	state, err := h.ComposeService.SetSharedContext(c.Request.Context(), storyID, shared)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, state, "共享上下文更新成功")
}

// GetComposeContext 构建章节生成用的组合上下文。
// 结果信封自带success与errors字段，部分失败也会返回已构建的片段
func (h *Handler) GetComposeContext(c *gin.Context) {
	storyID := c.Param("id")

	story, err := h.StoryService.LoadStoryContent(storyID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	opts := services.DefaultBuildOptions()
	if c.Query("use_cache") == "false" {
		opts.UseCache = false
	}
	if maxAge := c.Query("max_age_seconds"); maxAge != "" {
		if seconds, err := strconv.Atoi(maxAge); err == nil && seconds > 0 {
			opts.MaxCacheAge = time.Duration(seconds) * time.Second
		}
	}

	// 可选携带会话线程，给提示词补充对话上下文
	var thread *models.ConversationThread
	if threadID := c.Query("thread_id"); threadID != "" {
		thread, err = h.ConversationService.GetThread(storyID, threadID)
		if err != nil {
			h.respondError(c, err)
			return
		}
	}

	result := h.ContextService.BuildChapterGenerationContext(
		story, c.Query("plot_point"), story.Feedback, thread, opts)

	h.Response.Success(c, result, "上下文构建完成")
}

// AddOutlineItem 添加大纲条目
func (h *Handler) AddOutlineItem(c *gin.Context) {
	storyID := c.Param("id")

	var req struct {
		Title       string `json:"title" binding:"required"`
		Description string `json:"description"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	item, err := h.ComposeService.AddOutlineItem(c.Request.Context(), storyID, req.Title, req.Description, models.OriginUser)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Created(c, item, "大纲条目添加成功")
}

// UpdateOutlineItem 更新大纲条目
func (h *Handler) UpdateOutlineItem(c *gin.Context) {
	storyID := c.Param("id")
	itemID := c.Param("item_id")

	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Status      string `json:"status"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	item, err := h.ComposeService.UpdateOutlineItem(c.Request.Context(), storyID, itemID,
		req.Title, req.Description, models.OutlineItemStatus(req.Status))
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, item, "大纲条目更新成功")
}

// RemoveOutlineItem 删除大纲条目
func (h *Handler) RemoveOutlineItem(c *gin.Context) {
	storyID := c.Param("id")
	itemID := c.Param("item_id")

	state, err := h.ComposeService.RemoveOutlineItem(c.Request.Context(), storyID, itemID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, state, "大纲条目删除成功")
}

// SetDraftSummary 设置大纲阶段的草稿摘要
func (h *Handler) SetDraftSummary(c *gin.Context) {
	storyID := c.Param("id")

	var req struct {
		Summary string `json:"summary"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	state, err := h.ComposeService.SetDraftSummary(c.Request.Context(), storyID, req.Summary)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, state, "草稿摘要更新成功")
}

// UpdateDraftContent 更新章节草稿正文
func (h *Handler) UpdateDraftContent(c *gin.Context) {
	storyID := c.Param("id")

	var req struct {
		Content string `json:"content"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	state, err := h.ComposeService.UpdateDraftContent(c.Request.Context(), storyID, req.Content, models.OriginUser)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, state, "草稿更新成功")
}

// SaveDraftVersion 保存当前草稿为命名版本
func (h *Handler) SaveDraftVersion(c *gin.Context) {
	storyID := c.Param("id")

	var req struct {
		Note string `json:"note"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	version, err := h.ComposeService.SaveDraftVersion(c.Request.Context(), storyID, req.Note, models.OriginUser)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Created(c, version, "草稿版本保存成功")
}

// DeleteDraftVersion 删除一个历史草稿版本
func (h *Handler) DeleteDraftVersion(c *gin.Context) {
	storyID := c.Param("id")
	versionID := c.Param("version_id")

	state, err := h.ComposeService.DeleteDraftVersion(c.Request.Context(), storyID, versionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, state, "草稿版本删除成功")
}

// RestoreDraftVersion 把历史版本恢复为当前草稿
func (h *Handler) RestoreDraftVersion(c *gin.Context) {
	storyID := c.Param("id")
	versionID := c.Param("version_id")

	state, err := h.ComposeService.RestoreDraftVersion(c.Request.Context(), storyID, versionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, state, "草稿版本恢复成功")
}

// SetFinalContent 设置润色阶段的终稿内容
func (h *Handler) SetFinalContent(c *gin.Context) {
	storyID := c.Param("id")

	var req struct {
		Content string `json:"content"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	state, err := h.ComposeService.SetFinalContent(c.Request.Context(), storyID, req.Content, models.OriginUser)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, state, "终稿内容更新成功")
}

// AddReviewItem 添加审校意见
func (h *Handler) AddReviewItem(c *gin.Context) {
	storyID := c.Param("id")

	var req struct {
		Excerpt    string `json:"excerpt"`
		Suggestion string `json:"suggestion" binding:"required"`
		Reason     string `json:"reason"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	item, err := h.ComposeService.AddReviewItem(c.Request.Context(), storyID,
		req.Excerpt, req.Suggestion, req.Reason, models.OriginUser)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Created(c, item, "审校意见添加成功")
}

// ResolveReviewItem 处理审校意见：接受、拒绝或改写
func (h *Handler) ResolveReviewItem(c *gin.Context) {
	storyID := c.Param("id")
	itemID := c.Param("review_id")

	var req struct {
		Resolution   string `json:"resolution" binding:"required"`
		ModifiedText string `json:"modified_text"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	item, err := h.ComposeService.ResolveReviewItem(c.Request.Context(), storyID, itemID,
		models.ReviewItemStatus(req.Resolution), req.ModifiedText)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, item, "审校意见处理成功")
}

// ========================================
// 会话处理器
// ========================================

// ListThreads 列出故事的所有会话线程
func (h *Handler) ListThreads(c *gin.Context) {
	storyID := c.Param("id")

	threads, err := h.ConversationService.ListThreads(storyID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, threads, "会话列表获取成功")
}

// CreateThread 创建会话线程
func (h *Handler) CreateThread(c *gin.Context) {
	storyID := c.Param("id")

	var req struct {
		Phase string `json:"phase"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	thread, err := h.ConversationService.CreateThread(storyID, models.ComposePhase(req.Phase))
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Created(c, thread, "会话线程创建成功")
}

// GetThread 获取会话线程详情
func (h *Handler) GetThread(c *gin.Context) {
	storyID := c.Param("id")
	threadID := c.Param("thread_id")

	thread, err := h.ConversationService.GetThread(storyID, threadID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, thread, "会话线程获取成功")
}

// DeleteThread 删除会话线程
func (h *Handler) DeleteThread(c *gin.Context) {
	storyID := c.Param("id")
	threadID := c.Param("thread_id")

	if err := h.ConversationService.DeleteThread(storyID, threadID); err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, nil, "会话线程删除成功")
}

// GetThreadMessages 获取某分支的消息序列。
// 不带branch_id时返回当前分支
func (h *Handler) GetThreadMessages(c *gin.Context) {
	storyID := c.Param("id")
	threadID := c.Param("thread_id")

	branchID := c.Query("branch_id")
	if branchID == "" {
		thread, err := h.ConversationService.GetThread(storyID, threadID)
		if err != nil {
			h.respondError(c, err)
			return
		}
		branchID = thread.CurrentBranchID
	}

	messages, err := h.ConversationService.BranchMessages(storyID, threadID, branchID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, gin.H{
		"branch_id": branchID,
		"messages":  messages,
		"count":     len(messages),
	}, "消息列表获取成功")
}

// AddMessage 向线程当前分支追加消息
func (h *Handler) AddMessage(c *gin.Context) {
	storyID := c.Param("id")
	threadID := c.Param("thread_id")

	var req struct {
		Role     string                 `json:"role" binding:"required"`
		Content  string                 `json:"content" binding:"required"`
		Metadata map[string]interface{} `json:"metadata"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	message, err := h.ConversationService.AddMessage(storyID, threadID,
		models.MessageRole(req.Role), req.Content, req.Metadata)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Created(c, message, "消息追加成功")
}

// CreateBranch 从指定消息分叉出新分支
func (h *Handler) CreateBranch(c *gin.Context) {
	storyID := c.Param("id")
	threadID := c.Param("thread_id")

	var req struct {
		Name          string `json:"name"`
		FromMessageID string `json:"from_message_id"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	branch, err := h.ConversationService.CreateBranch(storyID, threadID, req.Name, req.FromMessageID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Created(c, branch, "会话分支创建成功")
}

// SwitchBranch 切换线程的当前分支
func (h *Handler) SwitchBranch(c *gin.Context) {
	storyID := c.Param("id")
	threadID := c.Param("thread_id")
	branchID := c.Param("branch_id")

	if err := h.ConversationService.SwitchBranch(storyID, threadID, branchID); err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, gin.H{"current_branch_id": branchID}, "分支切换成功")
}

// DeleteBranch 删除会话分支
func (h *Handler) DeleteBranch(c *gin.Context) {
	storyID := c.Param("id")
	threadID := c.Param("thread_id")
	branchID := c.Param("branch_id")

	if err := h.ConversationService.DeleteBranch(storyID, threadID, branchID); err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, nil, "会话分支删除成功")
}

// GetThreadExcerpt 获取线程当前分支的末尾摘录，供提示词拼装
func (h *Handler) GetThreadExcerpt(c *gin.Context) {
	storyID := c.Param("id")
	threadID := c.Param("thread_id")

	maxMessages := 10
	if raw := c.Query("max_messages"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxMessages = parsed
		}
	}

	excerpt, err := h.ConversationService.ThreadExcerpt(storyID, threadID, maxMessages)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, excerpt, "会话摘录获取成功")
}

// ========================================
// 生成处理器
// ========================================

// GenerateOutline 生成章节大纲
func (h *Handler) GenerateOutline(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 120*time.Second)
	defer cancel()

	result, taskID, err := h.GenerationService.GenerateOutline(ctx, req.StoryID, req.Request)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.recordGenerationUsage(result)
	h.Response.Success(c, gin.H{"task_id": taskID, "result": result}, "大纲生成成功")
}

// GenerateChapter 生成章节正文
func (h *Handler) GenerateChapter(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	// 正文生成耗时最长，超时放宽
	ctx, cancel := context.WithTimeout(c.Request.Context(), 180*time.Second)
	defer cancel()

	result, taskID, err := h.GenerationService.GenerateChapter(ctx, req.StoryID, req.Request)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.recordGenerationUsage(result)
	h.Response.Success(c, gin.H{"task_id": taskID, "result": result}, "章节生成成功")
}

// GenerateModification 按指示修改当前草稿
func (h *Handler) GenerateModification(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 180*time.Second)
	defer cancel()

	result, taskID, err := h.GenerationService.ModifyChapter(ctx, req.StoryID, req.Request, req.Instructions)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.recordGenerationUsage(result)
	h.Response.Success(c, gin.H{"task_id": taskID, "result": result}, "章节修改成功")
}

// GenerateCharacterFeedback 以角色视角生成草稿反馈
func (h *Handler) GenerateCharacterFeedback(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 120*time.Second)
	defer cancel()

	result, taskID, err := h.GenerationService.RequestCharacterFeedback(ctx, req.StoryID, req.Request)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.recordGenerationUsage(result)
	h.Response.Success(c, gin.H{"task_id": taskID, "result": result}, "角色反馈生成成功")
}

// GenerateRaterFeedback 以评审人设定生成打分反馈
func (h *Handler) GenerateRaterFeedback(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 120*time.Second)
	defer cancel()

	result, taskID, err := h.GenerationService.RequestRaterFeedback(ctx, req.StoryID, req.Request)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.recordGenerationUsage(result)
	h.Response.Success(c, gin.H{"task_id": taskID, "result": result}, "评审反馈生成成功")
}

// GenerateReview 生成编辑审校意见
func (h *Handler) GenerateReview(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 120*time.Second)
	defer cancel()

	result, taskID, err := h.GenerationService.RequestEditorReview(ctx, req.StoryID, req.Request)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.recordGenerationUsage(result)
	h.Response.Success(c, gin.H{"task_id": taskID, "result": result}, "审校意见生成成功")
}

// recordGenerationUsage 记录生成接口的用量。
// 结构化输出拿不到精确token数，按字符数粗估
func (h *Handler) recordGenerationUsage(result interface{}) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}

	tokens := len(data) / 4
	if tokens == 0 {
		tokens = 1
	}

	if err := h.StatsService.RecordAPIRequest(tokens); err != nil {
		log.Printf("⚠️ 记录生成用量失败: %v", err)
	}
}

// ========================================
// 进度处理器
// ========================================

// SubscribeProgress 订阅任务进度的SSE端点
func (h *Handler) SubscribeProgress(c *gin.Context) {
	taskID := c.Param("taskID")

	// 获取进度跟踪器
	tracker, exists := h.ProgressService.GetTracker(taskID)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
		return
	}

	// 设置SSE响应头
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Transfer-Encoding", "chunked")

	// 获取客户端连接
	clientGone := c.Request.Context().Done()

	// 订阅进度更新
	updateChan := tracker.Subscribe()
	defer tracker.Unsubscribe(updateChan)

	// 发送心跳和更新
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	// 发送初始事件保持连接打开
	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"message\":\"连接已建立\"}\n\n")
	c.Writer.Flush()

	for {
		select {
		case <-clientGone:
			// 客户端断开连接
			return
		case update, ok := <-updateChan:
			if !ok {
				// 通道已关闭
				return
			}
			// 发送进度更新
			data, _ := json.Marshal(update)
			fmt.Fprintf(c.Writer, "event: progress\ndata: %s\n\n", string(data))
			c.Writer.Flush()

			// 如果任务已完成或失败，结束连接
			if update.Status == services.TaskStatusCompleted || update.Status == services.TaskStatusFailed {
				return
			}
		case <-ticker.C:
			// 发送心跳以保持连接
			fmt.Fprintf(c.Writer, "event: heartbeat\ndata: {\"time\":%d}\n\n", time.Now().Unix())
			c.Writer.Flush()
		}
	}
}

// CancelTask 取消正在进行的任务
func (h *Handler) CancelTask(c *gin.Context) {
	taskID := c.Param("taskID")

	// 获取进度跟踪器
	tracker, exists := h.ProgressService.GetTracker(taskID)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
		return
	}

	// 标记任务为失败
	tracker.Fail("用户取消了任务")

	c.JSON(http.StatusOK, gin.H{"message": "任务已取消"})
}

// ========================================
// 设置与配置处理器
// ========================================

// GetSettings 获取当前运行设置
func (h *Handler) GetSettings(c *gin.Context) {
	view := h.ConfigService.GetSettings()
	h.Response.Success(c, view, "设置获取成功")
}

// UpdateSettings 更新LLM提供商设置
func (h *Handler) UpdateSettings(c *gin.Context) {
	var req struct {
		Provider string            `json:"provider" binding:"required"`
		Settings map[string]string `json:"settings" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求数据", err.Error())
		return
	}

	if err := h.ConfigService.UpdateLLMSettings(req.Provider, req.Settings, "web_api"); err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, h.ConfigService.GetSettings(), "设置保存成功")
}

// GetSettingsHistory 获取配置变更历史
func (h *Handler) GetSettingsHistory(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	history := h.ConfigService.GetChangeHistory(limit)
	h.Response.Success(c, history, "变更历史获取成功")
}

// SetDebugMode 切换调试模式
func (h *Handler) SetDebugMode(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求数据", err.Error())
		return
	}

	if err := h.ConfigService.SetDebugMode(*req.Enabled); err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, gin.H{"debug_mode": *req.Enabled}, "调试模式更新成功")
}

// GetLLMStatus 获取LLM服务状态
func (h *Handler) GetLLMStatus(c *gin.Context) {
	// 获取LLM服务实例
	container := di.GetContainer()
	llmService, ok := container.Get("llm").(*services.LLMService)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "无法获取LLM服务实例",
		})
		return
	}

	// 获取当前配置
	cfg := config.GetCurrentConfig()

	// 获取更详细的状态信息
	status := map[string]interface{}{
		"ready":    llmService.IsReady(),
		"status":   llmService.GetReadyState(),
		"provider": llmService.GetProviderName(),
		"config": map[string]interface{}{
			"provider":    cfg.LLMProvider,
			"has_api_key": cfg.LLMConfig != nil && cfg.LLMConfig["api_key"] != "",
		},
	}

	// 添加模型信息
	if cfg.LLMConfig != nil {
		if model, ok := cfg.LLMConfig["default_model"]; ok {
			status["config"].(map[string]interface{})["model"] = model
		}
	}

	c.JSON(http.StatusOK, status)
}

// GetLLMProviders 列出所有已注册的LLM提供商
func (h *Handler) GetLLMProviders(c *gin.Context) {
	providers := llm.ListProviders()
	sort.Strings(providers)

	c.JSON(http.StatusOK, gin.H{
		"providers": providers,
		"count":     len(providers),
	})
}

// GetConfigHealth 获取配置健康状态
func (h *Handler) GetConfigHealth(c *gin.Context) {
	healthCheck := services.NewConfigHealthCheck(h.ConfigService)
	health := healthCheck.CheckHealth()

	// 根据健康状态返回不同的HTTP状态码
	if health["status"] == "healthy" {
		h.Response.Success(c, health, "配置健康状态正常")
	} else {
		h.Response.Error(c, http.StatusServiceUnavailable, ErrorConfigUnhealthy,
			"配置健康状态异常", "请检查配置详情")
	}
}

// GetStats 获取使用统计与运行指标
func (h *Handler) GetStats(c *gin.Context) {
	overview := h.StatsService.GetOverview()
	h.Response.Success(c, overview, "统计数据获取成功")
}

// ========================================
// 归档与存储处理器
// ========================================

// ExportArchive 导出全部故事数据为归档
func (h *Handler) ExportArchive(c *gin.Context) {
	archive, err := h.StoryService.ExportAll()
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, archive, "归档导出成功")
}

// ImportArchive 导入归档。
// 请求体即归档JSON，overwrite=true时覆盖同ID故事
func (h *Handler) ImportArchive(c *gin.Context) {
	var archive models.StoryArchive
	if err := c.ShouldBindJSON(&archive); err != nil {
		h.Response.BadRequest(c, "无效的归档数据", err.Error())
		return
	}

	overwrite := c.Query("overwrite") == "true"

	result, err := h.StoryService.ImportArchive(&archive, overwrite)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, result, "归档导入完成")
}

// GetStorageQuota 获取存储配额观测值
func (h *Handler) GetStorageQuota(c *gin.Context) {
	quota, err := h.StoryService.GetQuota()
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, quota, "存储配额获取成功")
}

// ---------------------------------------------------------
// parsePagination 解析分页参数，非法值回落到默认
func parsePagination(c *gin.Context) (page, perPage int) {
	page = 1
	perPage = 20

	if raw := c.Query("page"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			page = parsed
		}
	}
	if raw := c.Query("per_page"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			perPage = parsed
		}
	}

	return page, perPage
}
