// internal/services/context_service.go
package services

import (
	"crypto/md5"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Corphon/ChapterForgeMCP/internal/models"
	"github.com/Corphon/ChapterForgeMCP/internal/storage"
	"github.com/Corphon/ChapterForgeMCP/internal/utils"
)

// 尺寸预警阈值，超过只告警不截断
const (
	worldbuildingWordLimit   = 50000
	chapterCountLimit        = 100
	feedbackCountLimit       = 200
	conversationMessageLimit = 500
	defaultRecentMessages    = 20
)

// ContextResult 上下文构建结果信封。
// Success=false 只表示结构性失败（story为nil、内部panic），
// 语义校验失败通过 Errors 和片段的 IsValid=false 传达，片段仍然返回。
type ContextResult[T any] struct {
	Success   bool     `json:"success"`
	Data      T        `json:"data,omitempty"`
	Errors    []string `json:"errors,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	FromCache bool     `json:"from_cache"`
	CacheAge  float64  `json:"cache_age,omitempty"` // 秒
}

// BuildOptions 控制单次构建的缓存行为
type BuildOptions struct {
	UseCache    bool
	MaxCacheAge time.Duration // 0 表示在缓存有效期内不限制
}

// DefaultBuildOptions 默认读写缓存且不限制命中年龄
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{UseCache: true}
}

// 缓存的不只是片段本身，校验结论也要一起回放
type cachedFragment struct {
	data     interface{}
	errors   []string
	warnings []string
}

// ContextService 把故事数据装配成生成请求所需的上下文片段
type ContextService struct {
	fragments *storage.FragmentCache
}

// NewContextService 创建上下文服务
func NewContextService() (*ContextService, error) {
	cache, err := storage.NewFragmentCache(512, 5*time.Minute)
	if err != nil {
		return nil, err
	}

	return &ContextService{fragments: cache}, nil
}

// Close 停止片段缓存的后台清理
func (s *ContextService) Close() {
	if s.fragments != nil {
		s.fragments.Close()
	}
}

// ClearCache 清空全部片段缓存
func (s *ContextService) ClearCache() {
	if s.fragments != nil {
		s.fragments.ClearAll()
	}
}

// ClearStoryCache 清除指定故事的全部片段，返回清除数量
func (s *ContextService) ClearStoryCache(storyID string) int {
	if s.fragments == nil {
		return 0
	}
	return s.fragments.ClearPrefix(storyID + ":")
}

func buildFailure[T any](msg string) ContextResult[T] {
	return ContextResult[T]{
		Success: false,
		Errors:  []string{msg},
	}
}

// fragmentFromCache 尝试用缓存回放一次构建结果
func fragmentFromCache[T any](s *ContextService, key string, kind models.ContextKind, opts BuildOptions) (ContextResult[T], bool) {
	if !opts.UseCache || s.fragments == nil {
		return ContextResult[T]{}, false
	}

	entry, ok := s.fragments.Get(key, opts.MaxCacheAge)
	if !ok {
		utils.GetAPIMetrics().RecordContextCacheAccess(string(kind), false)
		return ContextResult[T]{}, false
	}

	frag, okType := entry.Value.(*cachedFragment)
	if !okType {
		return ContextResult[T]{}, false
	}

	data, okData := frag.data.(T)
	if !okData {
		return ContextResult[T]{}, false
	}

	utils.GetAPIMetrics().RecordContextCacheAccess(string(kind), true)
	return ContextResult[T]{
		Success:   true,
		Data:      data,
		Errors:    frag.errors,
		Warnings:  frag.warnings,
		FromCache: true,
		CacheAge:  entry.Age().Seconds(),
	}, true
}

func (s *ContextService) storeFragment(key string, data interface{}, errs, warnings []string, opts BuildOptions) {
	if !opts.UseCache || s.fragments == nil {
		return
	}
	s.fragments.Put(key, &cachedFragment{
		data:     data,
		errors:   errs,
		warnings: warnings,
	})
}

// BuildSystemPromptsContext 构建系统提示词片段
func (s *ContextService) BuildSystemPromptsContext(story *models.Story, opts BuildOptions) ContextResult[*models.SystemPromptsContext] {
	if story == nil {
		return buildFailure[*models.SystemPromptsContext]("Failed to build system_prompts context: story is nil")
	}

	key := storage.CacheKey(story.ID, string(models.ContextSystemPrompts))
	if cached, ok := fragmentFromCache[*models.SystemPromptsContext](s, key, models.ContextSystemPrompts, opts); ok {
		return cached
	}

	sp := story.Config.SystemPrompts
	fragment := &models.SystemPromptsContext{
		AssistantPrompt: sp.Assistant,
		OutlinePrompt:   sp.Outline,
		FeedbackPrompt:  sp.Feedback,
		EditorPrompt:    sp.Editor,
		WordCount:       utils.CountWords(sp.Assistant + " " + sp.Outline + " " + sp.Feedback + " " + sp.Editor),
		IsValid:         strings.TrimSpace(sp.Assistant) != "",
	}

	var errs []string
	if !fragment.IsValid {
		errs = append(errs, "assistant system prompt is empty")
	}

	s.storeFragment(key, fragment, errs, nil, opts)
	return ContextResult[*models.SystemPromptsContext]{
		Success: true,
		Data:    fragment,
		Errors:  errs,
	}
}

// BuildWorldbuildingContext 构建世界观设定片段
func (s *ContextService) BuildWorldbuildingContext(story *models.Story, opts BuildOptions) ContextResult[*models.WorldbuildingContext] {
	if story == nil {
		return buildFailure[*models.WorldbuildingContext]("Failed to build worldbuilding context: story is nil")
	}

	key := storage.CacheKey(story.ID, string(models.ContextWorldbuilding))
	if cached, ok := fragmentFromCache[*models.WorldbuildingContext](s, key, models.ContextWorldbuilding, opts); ok {
		return cached
	}

	content := story.Config.Worldbuilding
	wordCount := utils.CountWords(content)
	fragment := &models.WorldbuildingContext{
		Content:      content,
		WordCount:    wordCount,
		LastModified: story.UpdatedAt,
		IsValid:      strings.TrimSpace(content) != "",
	}

	var warnings []string
	if !fragment.IsValid {
		warnings = append(warnings, "worldbuilding is empty")
	}
	if wordCount > worldbuildingWordLimit {
		warnings = append(warnings, fmt.Sprintf("worldbuilding is very large (%d words), consider trimming", wordCount))
	}

	s.storeFragment(key, fragment, nil, warnings, opts)
	return ContextResult[*models.WorldbuildingContext]{
		Success:  true,
		Data:     fragment,
		Warnings: warnings,
	}
}

// BuildStorySummaryContext 构建故事梗概片段
func (s *ContextService) BuildStorySummaryContext(story *models.Story, opts BuildOptions) ContextResult[*models.StorySummaryContext] {
	if story == nil {
		return buildFailure[*models.StorySummaryContext]("Failed to build story_summary context: story is nil")
	}

	key := storage.CacheKey(story.ID, string(models.ContextStorySummary))
	if cached, ok := fragmentFromCache[*models.StorySummaryContext](s, key, models.ContextStorySummary, opts); ok {
		return cached
	}

	summary := story.Config.Summary
	fragment := &models.StorySummaryContext{
		Summary:   summary,
		WordCount: utils.CountWords(summary),
		IsValid:   strings.TrimSpace(summary) != "",
	}

	var errs []string
	if !fragment.IsValid {
		errs = append(errs, "story summary is empty")
	}

	s.storeFragment(key, fragment, errs, nil, opts)
	return ContextResult[*models.StorySummaryContext]{
		Success: true,
		Data:    fragment,
		Errors:  errs,
	}
}

// BuildCharacterContext 构建角色花名册片段
func (s *ContextService) BuildCharacterContext(story *models.Story, opts BuildOptions) ContextResult[*models.CharacterContext] {
	if story == nil {
		return buildFailure[*models.CharacterContext]("Failed to build characters context: story is nil")
	}

	key := storage.CacheKey(story.ID, string(models.ContextCharacters))
	if cached, ok := fragmentFromCache[*models.CharacterContext](s, key, models.ContextCharacters, opts); ok {
		return cached
	}

	briefs := make([]models.CharacterBrief, 0, len(story.Characters))
	wordCount := 0
	for _, c := range story.Characters {
		briefs = append(briefs, models.CharacterBrief{
			ID:          c.ID,
			Name:        c.Name,
			Description: c.Description,
			Traits:      c.Traits,
			VoiceNotes:  c.VoiceNotes,
		})
		wordCount += utils.CountWords(c.Description) + utils.CountWords(c.VoiceNotes)
	}

	// map遍历顺序不稳定，按名称排序保证提示词可复现
	sort.Slice(briefs, func(i, j int) bool {
		return briefs[i].Name < briefs[j].Name
	})

	fragment := &models.CharacterContext{
		Characters: briefs,
		Count:      len(briefs),
		WordCount:  wordCount,
		IsValid:    len(briefs) > 0,
	}

	var warnings []string
	if !fragment.IsValid {
		warnings = append(warnings, "no characters defined")
	}

	s.storeFragment(key, fragment, nil, warnings, opts)
	return ContextResult[*models.CharacterContext]{
		Success:  true,
		Data:     fragment,
		Warnings: warnings,
	}
}

// BuildChapterContext 构建章节历史片段
func (s *ContextService) BuildChapterContext(story *models.Story, opts BuildOptions) ContextResult[*models.ChapterContext] {
	if story == nil {
		return buildFailure[*models.ChapterContext]("Failed to build chapters context: story is nil")
	}

	key := storage.CacheKey(story.ID, string(models.ContextChapters))
	if cached, ok := fragmentFromCache[*models.ChapterContext](s, key, models.ContextChapters, opts); ok {
		return cached
	}

	briefs := make([]models.ChapterBrief, 0, len(story.Chapters))
	totalWords := 0
	for _, ch := range story.Chapters {
		wc := ch.WordCount
		if wc == 0 {
			wc = utils.CountWords(ch.Content)
		}
		briefs = append(briefs, models.ChapterBrief{
			Number:    ch.Number,
			Title:     ch.Title,
			Summary:   ch.Summary,
			WordCount: wc,
		})
		totalWords += wc
	}

	sort.Slice(briefs, func(i, j int) bool {
		return briefs[i].Number < briefs[j].Number
	})

	fragment := &models.ChapterContext{
		Chapters:       briefs,
		Count:          len(briefs),
		TotalWordCount: totalWords,
		IsValid:        len(briefs) > 0,
	}

	var warnings []string
	if !fragment.IsValid {
		warnings = append(warnings, "no completed chapters")
	}
	if len(briefs) > chapterCountLimit {
		warnings = append(warnings, fmt.Sprintf("story has %d chapters, context assembly may be slow", len(briefs)))
	}

	s.storeFragment(key, fragment, nil, warnings, opts)
	return ContextResult[*models.ChapterContext]{
		Success:  true,
		Data:     fragment,
		Warnings: warnings,
	}
}

// BuildPlotContext 构建情节点片段。
// plotPoint 来自本次请求，大纲条目与草稿摘要取自创作状态。
func (s *ContextService) BuildPlotContext(story *models.Story, plotPoint string, opts BuildOptions) ContextResult[*models.PlotContext] {
	if story == nil {
		return buildFailure[*models.PlotContext]("Failed to build plot context: story is nil")
	}

	// 情节点参与缓存键，不同情节点不能互相命中
	plotHash := fmt.Sprintf("%x", md5.Sum([]byte(plotPoint)))[:8]
	key := storage.CacheKey(story.ID, string(models.ContextPlot), plotHash)
	if cached, ok := fragmentFromCache[*models.PlotContext](s, key, models.ContextPlot, opts); ok {
		return cached
	}

	fragment := &models.PlotContext{
		PlotPoint: plotPoint,
		IsValid:   strings.TrimSpace(plotPoint) != "",
	}

	if compose := story.ChapterCompose; compose != nil {
		for _, item := range compose.Phases.PlotOutline.OutlineItems {
			entry := item.Title
			if item.Description != "" {
				entry = item.Title + ": " + item.Description
			}
			fragment.OutlineItems = append(fragment.OutlineItems, entry)
		}
		fragment.DraftSummary = compose.Phases.PlotOutline.DraftSummary
	}

	words := utils.CountWords(plotPoint) + utils.CountWords(fragment.DraftSummary)
	for _, item := range fragment.OutlineItems {
		words += utils.CountWords(item)
	}
	fragment.WordCount = words

	var errs []string
	if !fragment.IsValid {
		errs = append(errs, "plot point is empty")
	}

	s.storeFragment(key, fragment, errs, nil, opts)
	return ContextResult[*models.PlotContext]{
		Success: true,
		Data:    fragment,
		Errors:  errs,
	}
}

// BuildFeedbackContext 构建反馈片段。
// 反馈随时在变，不走缓存。
func (s *ContextService) BuildFeedbackContext(story *models.Story, feedback []models.FeedbackItem) ContextResult[*models.FeedbackContext] {
	if story == nil {
		return buildFailure[*models.FeedbackContext]("Failed to build feedback context: story is nil")
	}

	fragment := &models.FeedbackContext{
		Items:   feedback,
		Count:   len(feedback),
		IsValid: len(feedback) > 0,
	}

	var warnings []string
	if !fragment.IsValid {
		warnings = append(warnings, "no feedback available")
	}
	if len(feedback) > feedbackCountLimit {
		warnings = append(warnings, fmt.Sprintf("feedback list has %d items, older entries dilute the prompt", len(feedback)))
	}

	return ContextResult[*models.FeedbackContext]{
		Success:  true,
		Data:     fragment,
		Warnings: warnings,
	}
}

// BuildConversationContext 构建会话摘录片段。
// 只取当前分支的消息，同样不走缓存。
func (s *ContextService) BuildConversationContext(thread *models.ConversationThread, maxRecent int) ContextResult[*models.ConversationContext] {
	if maxRecent <= 0 {
		maxRecent = defaultRecentMessages
	}

	fragment := &models.ConversationContext{}
	var warnings []string

	if thread == nil {
		warnings = append(warnings, "no conversation thread")
		return ContextResult[*models.ConversationContext]{
			Success:  true,
			Data:     fragment,
			Warnings: warnings,
		}
	}

	messages := thread.BranchMessages(thread.CurrentBranchID)
	fragment.Messages = messages
	fragment.TotalCount = len(messages)
	fragment.IsValid = len(messages) > 0

	if len(messages) > maxRecent {
		fragment.RecentMessages = messages[len(messages)-maxRecent:]
	} else {
		fragment.RecentMessages = messages
	}

	if !fragment.IsValid {
		warnings = append(warnings, "conversation thread is empty")
	}
	if fragment.TotalCount > conversationMessageLimit {
		warnings = append(warnings, fmt.Sprintf("conversation has %d messages, consider starting a new thread", fragment.TotalCount))
	}

	return ContextResult[*models.ConversationContext]{
		Success:  true,
		Data:     fragment,
		Warnings: warnings,
	}
}

// BuildChapterGenerationContext 装配章节生成的复合上下文。
// 单个片段构建panic不会拖垮整体，错误带片段前缀汇总。
func (s *ContextService) BuildChapterGenerationContext(
	story *models.Story,
	plotPoint string,
	feedback []models.FeedbackItem,
	thread *models.ConversationThread,
	opts BuildOptions,
) ContextResult[*models.ChapterGenerationContext] {
	if story == nil {
		return buildFailure[*models.ChapterGenerationContext]("Failed to build chapter generation context: story is nil")
	}

	composite := &models.ChapterGenerationContext{}
	result := ContextResult[*models.ChapterGenerationContext]{
		Success: true,
		Data:    composite,
	}

	// FromCache表示所有可缓存片段均来自缓存；
	// 反馈与会话永远现算，不参与判定
	allCached := true
	maxAge := 0.0

	merge := func(kind string, success bool, errs, warnings []string) {
		if !success {
			result.Success = false
		}
		for _, e := range errs {
			result.Errors = append(result.Errors, kind+": "+e)
		}
		for _, w := range warnings {
			result.Warnings = append(result.Warnings, kind+": "+w)
		}
	}

	trackCache := func(fromCache bool, age float64) {
		if !fromCache {
			allCached = false
		} else if age > maxAge {
			maxAge = age
		}
	}

	runBuild(string(models.ContextSystemPrompts), &result, func() {
		r := s.BuildSystemPromptsContext(story, opts)
		composite.SystemPrompts = r.Data
		merge(string(models.ContextSystemPrompts), r.Success, r.Errors, r.Warnings)
		trackCache(r.FromCache, r.CacheAge)
	})

	runBuild(string(models.ContextWorldbuilding), &result, func() {
		r := s.BuildWorldbuildingContext(story, opts)
		composite.Worldbuilding = r.Data
		merge(string(models.ContextWorldbuilding), r.Success, r.Errors, r.Warnings)
		trackCache(r.FromCache, r.CacheAge)
	})

	runBuild(string(models.ContextStorySummary), &result, func() {
		r := s.BuildStorySummaryContext(story, opts)
		composite.StorySummary = r.Data
		merge(string(models.ContextStorySummary), r.Success, r.Errors, r.Warnings)
		trackCache(r.FromCache, r.CacheAge)
	})

	runBuild(string(models.ContextCharacters), &result, func() {
		r := s.BuildCharacterContext(story, opts)
		composite.Characters = r.Data
		merge(string(models.ContextCharacters), r.Success, r.Errors, r.Warnings)
		trackCache(r.FromCache, r.CacheAge)
	})

	runBuild(string(models.ContextChapters), &result, func() {
		r := s.BuildChapterContext(story, opts)
		composite.Chapters = r.Data
		merge(string(models.ContextChapters), r.Success, r.Errors, r.Warnings)
		trackCache(r.FromCache, r.CacheAge)
	})

	runBuild(string(models.ContextPlot), &result, func() {
		r := s.BuildPlotContext(story, plotPoint, opts)
		composite.Plot = r.Data
		merge(string(models.ContextPlot), r.Success, r.Errors, r.Warnings)
		trackCache(r.FromCache, r.CacheAge)
	})

	runBuild(string(models.ContextFeedback), &result, func() {
		r := s.BuildFeedbackContext(story, feedback)
		composite.Feedback = r.Data
		merge(string(models.ContextFeedback), r.Success, r.Errors, r.Warnings)
	})

	runBuild(string(models.ContextConversation), &result, func() {
		r := s.BuildConversationContext(thread, defaultRecentMessages)
		composite.Conversation = r.Data
		merge(string(models.ContextConversation), r.Success, r.Errors, r.Warnings)
	})

	if allCached {
		result.FromCache = true
		result.CacheAge = maxAge
	}

	return result
}

// runBuild 执行单个片段构建并拦截panic
func runBuild[T any](kind string, result *ContextResult[T], fn func()) {
	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Errors = append(result.Errors, fmt.Sprintf("Failed to build %s context: panic: %v", kind, r))
			utils.GetLogger().Error("上下文片段构建panic", map[string]interface{}{
				"fragment": kind,
				"panic":    fmt.Sprintf("%v", r),
			})
		}
	}()
	fn()
}
