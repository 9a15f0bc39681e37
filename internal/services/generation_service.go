// internal/services/generation_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Corphon/ChapterForgeMCP/internal/errors"
	"github.com/Corphon/ChapterForgeMCP/internal/models"
	"github.com/Corphon/ChapterForgeMCP/internal/utils"
)

// ErrGenerationInFlight 同一故事同一操作已有未完成的生成请求
var ErrGenerationInFlight = errors.New("generation request already in flight")

// 生成操作标识，进行中标记按 (storyID, operation) 记账
const (
	opGenerateOutline   = "generate_outline"
	opGenerateChapter   = "generate_chapter"
	opModifyChapter     = "modify_chapter"
	opCharacterFeedback = "character_feedback"
	opRaterFeedback     = "rater_feedback"
	opEditorReview      = "editor_review"
)

// 提示词中草稿正文的截断上限（字符）
const promptDraftRunes = 20000

// GenerationService 生成网关：装配上下文、归一化请求、调用模型、
// 把结果并入创作状态。每个操作按 (storyID, operation) 做进行中防抖，
// 响应只有在请求ID仍然有效时才会被应用，过期响应直接丢弃。
type GenerationService struct {
	LLM           *LLMService
	Story         *StoryService
	Context       *ContextService
	Converter     *RequestConverterService
	Compose       *ComposeService
	Conversations *ConversationService
	Progress      *ProgressService

	mu       sync.Mutex
	inflight map[string]string // storyID|operation -> requestID
}

// NewGenerationService 创建生成网关
func NewGenerationService(
	llmService *LLMService,
	storyService *StoryService,
	contextService *ContextService,
	converter *RequestConverterService,
	compose *ComposeService,
	conversations *ConversationService,
	progress *ProgressService,
) *GenerationService {
	return &GenerationService{
		LLM:           llmService,
		Story:         storyService,
		Context:       contextService,
		Converter:     converter,
		Compose:       compose,
		Conversations: conversations,
		Progress:      progress,
		inflight:      make(map[string]string),
	}
}

// generationJob 单次生成的工作上下文
type generationJob struct {
	storyID   string
	operation string
	requestID string
	story     *models.Story
	compose   *models.ChapterComposeState
	request   *models.StructuredRequest
	meta      *models.ConversionMeta
	draft     string
	english   bool
	tracker   *ProgressTracker
}

// ----------------------------------------------------------------
// 公开操作
// ----------------------------------------------------------------

// GenerateOutline 生成本章大纲，结果并入大纲阶段。
// 返回的任务ID可用于进度订阅。
func (s *GenerationService) GenerateOutline(ctx context.Context, storyID string, rawReq json.RawMessage) (*GenerateOutlineResponse, string, error) {
	var resp GenerateOutlineResponse
	taskID, err := s.run(ctx, storyID, opGenerateOutline, rawReq, false, func(job *generationJob) error {
		system, prompt := s.buildOutlinePrompt(job)
		if err := s.complete(ctx, job, prompt, system, &resp); err != nil {
			return err
		}
		if err := s.guardCurrent(job); err != nil {
			return err
		}

		items := make([]GeneratedOutlineItem, 0, len(resp.OutlineItems))
		for _, item := range resp.OutlineItems {
			items = append(items, GeneratedOutlineItem{Title: item.Title, Description: item.Description})
		}
		if _, err := s.Compose.ApplyGeneratedOutline(ctx, storyID, items, resp.DraftSummary); err != nil {
			return err
		}
		job.tracker.UpdateProgress(95, "结果已并入大纲阶段")
		return nil
	})
	if err != nil {
		return nil, taskID, err
	}
	return &resp, taskID, nil
}

// GenerateChapter 生成章节正文，结果存为新的草稿版本
func (s *GenerationService) GenerateChapter(ctx context.Context, storyID string, rawReq json.RawMessage) (*GenerateChapterResponse, string, error) {
	var resp GenerateChapterResponse
	taskID, err := s.run(ctx, storyID, opGenerateChapter, rawReq, false, func(job *generationJob) error {
		system, prompt := s.buildChapterPrompt(job)
		if err := s.complete(ctx, job, prompt, system, &resp); err != nil {
			return err
		}
		if strings.TrimSpace(resp.ChapterText) == "" {
			return apperrors.NewLLMError("模型返回了空的章节正文", nil)
		}
		if err := s.guardCurrent(job); err != nil {
			return err
		}

		note := "模型生成"
		if resp.TitleSuggestion != "" {
			note = fmt.Sprintf("模型生成（建议标题：%s）", resp.TitleSuggestion)
		}
		if _, err := s.Compose.ApplyGeneratedDraft(ctx, storyID, resp.ChapterText, note); err != nil {
			return err
		}
		job.tracker.UpdateProgress(95, "结果已存为新草稿版本")
		return nil
	})
	if err != nil {
		return nil, taskID, err
	}
	return &resp, taskID, nil
}

// ModifyChapter 按修改要求重写当前草稿。
// 结果不自动覆盖草稿，由调用方确认后再写回。
func (s *GenerationService) ModifyChapter(ctx context.Context, storyID string, rawReq json.RawMessage, instructions string) (*ModifyChapterResponse, string, error) {
	var resp ModifyChapterResponse
	taskID, err := s.run(ctx, storyID, opModifyChapter, rawReq, true, func(job *generationJob) error {
		directives := collectModifyDirectives(job, instructions)
		if len(directives) == 0 {
			return apperrors.NewValidationError("缺少修改要求，无法重写章节", nil)
		}

		system, prompt := s.buildModifyPrompt(job, directives)
		if err := s.complete(ctx, job, prompt, system, &resp); err != nil {
			return err
		}
		if strings.TrimSpace(resp.ModifiedChapter) == "" {
			return apperrors.NewLLMError("模型返回了空的修改结果", nil)
		}
		if resp.WordCount == 0 {
			resp.WordCount = utils.CountWords(resp.ModifiedChapter)
		}
		return s.guardCurrent(job)
	})
	if err != nil {
		return nil, taskID, err
	}
	return &resp, taskID, nil
}

// RequestCharacterFeedback 请求角色视角反馈，结果追加到故事反馈集合
func (s *GenerationService) RequestCharacterFeedback(ctx context.Context, storyID string, rawReq json.RawMessage) (*CharacterFeedbackResponse, string, error) {
	var resp CharacterFeedbackResponse
	taskID, err := s.run(ctx, storyID, opCharacterFeedback, rawReq, true, func(job *generationJob) error {
		if len(job.request.Characters) == 0 {
			return apperrors.NewValidationError("故事还没有角色，无法生成角色反馈", nil)
		}

		system, prompt := s.buildCharacterFeedbackPrompt(job)
		if err := s.complete(ctx, job, prompt, system, &resp); err != nil {
			return err
		}
		if err := s.guardCurrent(job); err != nil {
			return err
		}

		items := make([]models.FeedbackItem, 0, len(resp.Feedback))
		for _, fb := range resp.Feedback {
			if strings.TrimSpace(fb.Reaction) == "" {
				continue
			}
			items = append(items, models.FeedbackItem{
				Source:  "character",
				Author:  fb.CharacterName,
				Content: formatCharacterFeedback(fb.Reaction, fb.Concerns, fb.InVoiceQuote),
			})
		}
		if len(items) > 0 {
			if err := s.Story.AppendFeedback(storyID, items); err != nil {
				return err
			}
		}
		job.tracker.UpdateProgress(95, "反馈已记录")
		return nil
	})
	if err != nil {
		return nil, taskID, err
	}
	return &resp, taskID, nil
}

// RequestRaterFeedback 请求评审人打分反馈，结果追加到故事反馈集合
func (s *GenerationService) RequestRaterFeedback(ctx context.Context, storyID string, rawReq json.RawMessage) (*RaterFeedbackResponse, string, error) {
	var resp RaterFeedbackResponse
	taskID, err := s.run(ctx, storyID, opRaterFeedback, rawReq, true, func(job *generationJob) error {
		system, prompt := s.buildRaterFeedbackPrompt(job)
		if err := s.complete(ctx, job, prompt, system, &resp); err != nil {
			return err
		}
		if err := s.guardCurrent(job); err != nil {
			return err
		}

		author := resp.RaterName
		if author == "" {
			author = "评审人"
			if job.english {
				author = "Rater"
			}
		}
		item := models.FeedbackItem{
			Source:  "rater",
			Author:  author,
			Content: formatRaterFeedback(&resp),
			Score:   resp.OverallScore,
		}
		if err := s.Story.AppendFeedback(storyID, []models.FeedbackItem{item}); err != nil {
			return err
		}
		job.tracker.UpdateProgress(95, "评分已记录")
		return nil
	})
	if err != nil {
		return nil, taskID, err
	}
	return &resp, taskID, nil
}

// RequestEditorReview 请求编辑审校，建议并入润色阶段
func (s *GenerationService) RequestEditorReview(ctx context.Context, storyID string, rawReq json.RawMessage) (*EditorReviewResponse, string, error) {
	var resp EditorReviewResponse
	taskID, err := s.run(ctx, storyID, opEditorReview, rawReq, true, func(job *generationJob) error {
		system, prompt := s.buildEditorReviewPrompt(job)
		if err := s.complete(ctx, job, prompt, system, &resp); err != nil {
			return err
		}
		if err := s.guardCurrent(job); err != nil {
			return err
		}

		suggestions := make([]GeneratedReviewSuggestion, 0, len(resp.Suggestions))
		for _, sg := range resp.Suggestions {
			if strings.TrimSpace(sg.Suggestion) == "" {
				continue
			}
			suggestions = append(suggestions, GeneratedReviewSuggestion{
				Excerpt:    sg.Excerpt,
				Suggestion: sg.Suggestion,
				Reason:     sg.Reason,
			})
		}
		if _, err := s.Compose.ApplyEditorReview(ctx, storyID, resp.OverallAssessment, suggestions); err != nil {
			return err
		}
		job.tracker.UpdateProgress(95, "审校建议已并入润色阶段")
		return nil
	})
	if err != nil {
		return nil, taskID, err
	}
	return &resp, taskID, nil
}

// ----------------------------------------------------------------
// 流水线骨架
// ----------------------------------------------------------------

// run 生成操作的统一骨架：防抖、进度、上下文装配、执行。
// 无论成败，进行中标记在返回前一定被释放。
func (s *GenerationService) run(ctx context.Context, storyID, operation string, rawReq json.RawMessage, needDraft bool, exec func(job *generationJob) error) (string, error) {
	requestID, release, err := s.beginRequest(storyID, operation)
	if err != nil {
		return "", err
	}
	defer release()

	tracker := s.Progress.CreateTracker(requestID)
	job, err := s.prepareJob(storyID, operation, requestID, rawReq, tracker)
	if err != nil {
		tracker.Fail(err.Error())
		return requestID, err
	}

	if needDraft && strings.TrimSpace(job.draft) == "" {
		err := apperrors.NewValidationError("当前没有可用的章节草稿", nil)
		tracker.Fail(err.Error())
		return requestID, err
	}

	if err := exec(job); err != nil {
		tracker.Fail(err.Error())
		return requestID, err
	}

	tracker.Complete("生成完成")
	return requestID, nil
}

// beginRequest 登记进行中标记并分配请求ID。
// 同一故事同一操作只允许一个未完成请求，重复点击直接拒绝。
func (s *GenerationService) beginRequest(storyID, operation string) (string, func(), error) {
	key := storyID + "|" + operation

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.inflight[key]; ok {
		return "", nil, apperrors.NewConflictError(
			fmt.Sprintf("已有一个 %s 请求在进行中", operation),
			fmt.Errorf("%w: %s", ErrGenerationInFlight, existing))
	}

	requestID := fmt.Sprintf("req_%d", time.Now().UnixNano())
	s.inflight[key] = requestID

	release := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.inflight[key] == requestID {
			delete(s.inflight, key)
		}
	}
	return requestID, release, nil
}

// stillCurrent 请求ID是否仍是该操作的当前进行中请求
func (s *GenerationService) stillCurrent(storyID, operation, requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[storyID+"|"+operation] == requestID
}

// guardCurrent 应用结果前的最后一道闸：请求ID已被取代则丢弃结果
func (s *GenerationService) guardCurrent(job *generationJob) error {
	if s.stillCurrent(job.storyID, job.operation, job.requestID) {
		return nil
	}
	utils.GetLogger().Warn("丢弃过期的生成结果", map[string]interface{}{
		"story_id":   job.storyID,
		"operation":  job.operation,
		"request_id": job.requestID,
	})
	return apperrors.NewConflictError("生成结果已过期，被更新的请求取代", nil)
}

// prepareJob 加载故事、归一化客户端请求并用库存数据补全上下文
func (s *GenerationService) prepareJob(storyID, operation, requestID string, rawReq json.RawMessage, tracker *ProgressTracker) (*generationJob, error) {
	tracker.UpdateProgress(5, "加载故事数据")
	story, err := s.Story.LoadStoryContent(storyID)
	if err != nil {
		return nil, err
	}

	job := &generationJob{
		storyID:   storyID,
		operation: operation,
		requestID: requestID,
		story:     story,
		compose:   story.ChapterCompose,
		tracker:   tracker,
	}
	if job.compose != nil {
		job.draft = job.compose.Phases.ChapterDetail.Draft.Content
	}

	if len(rawReq) > 0 {
		opts := DefaultConvertOptions()
		opts.Limits = DefaultOptimizeLimits()
		structured, meta, err := s.Converter.ConvertToStructured(rawReq, opts)
		if err != nil {
			return nil, err
		}
		job.request = structured
		job.meta = meta
	} else {
		job.request = &models.StructuredRequest{}
	}

	tracker.UpdateProgress(15, "装配生成上下文")
	s.mergeStoryContext(job)

	// 语言跟随故事配置，缺省按内容判断
	switch story.Config.Language {
	case "en":
		job.english = true
	case "zh":
		job.english = false
	default:
		sample := story.Config.Worldbuilding + story.Config.Summary
		if job.request.Worldbuilding != nil {
			sample += job.request.Worldbuilding.Content
		}
		job.english = isEnglishText(sample)
	}

	if errs, warnings := s.Converter.ValidateRequest(job.request); len(errs) > 0 {
		return nil, apperrors.NewValidationError("生成请求校验未通过: "+strings.Join(errs, "; "), nil)
	} else if len(warnings) > 0 {
		utils.GetLogger().Debug("生成请求校验告警", map[string]interface{}{
			"story_id": storyID,
			"warnings": strings.Join(warnings, "; "),
		})
	}
	return job, nil
}

// mergeStoryContext 用上下文构建器的结果补全请求中缺失的片段。
// 客户端显式提供的字段优先，库存数据只填空位。
func (s *GenerationService) mergeStoryContext(job *generationJob) {
	var thread *models.ConversationThread
	if job.request.Conversation == nil && job.compose != nil && s.Conversations != nil {
		if threadID := currentPhaseThreadID(job.compose); threadID != "" {
			if t, err := s.Conversations.GetThread(job.storyID, threadID); err == nil {
				thread = t
			}
		}
	}

	plotPoint := ""
	if job.request.PlotContext != nil {
		plotPoint = job.request.PlotContext.PlotPoint
	}

	result := s.Context.BuildChapterGenerationContext(job.story, plotPoint, job.story.Feedback, thread, DefaultBuildOptions())
	comp := result.Data
	if comp == nil {
		return
	}

	req := job.request
	if req.SystemPrompts == nil && comp.SystemPrompts != nil {
		req.SystemPrompts = &models.SystemPromptsPayload{
			Assistant: comp.SystemPrompts.AssistantPrompt,
			Outline:   comp.SystemPrompts.OutlinePrompt,
			Feedback:  comp.SystemPrompts.FeedbackPrompt,
			Editor:    comp.SystemPrompts.EditorPrompt,
		}
	}
	if req.Worldbuilding == nil && comp.Worldbuilding != nil && comp.Worldbuilding.Content != "" {
		req.Worldbuilding = &models.WorldbuildingPayload{
			Content:      comp.Worldbuilding.Content,
			WordCount:    comp.Worldbuilding.WordCount,
			LastModified: comp.Worldbuilding.LastModified,
		}
	}
	if req.StorySummary == nil && comp.StorySummary != nil && comp.StorySummary.Summary != "" {
		req.StorySummary = &models.StorySummaryPayload{
			Content:   comp.StorySummary.Summary,
			WordCount: comp.StorySummary.WordCount,
		}
	}
	if len(req.Characters) == 0 && comp.Characters != nil {
		for _, c := range comp.Characters.Characters {
			req.Characters = append(req.Characters, models.CharacterPayload{
				ID:          c.ID,
				Name:        c.Name,
				Description: c.Description,
				Traits:      c.Traits,
				VoiceNotes:  c.VoiceNotes,
			})
		}
	}
	if len(req.Chapters) == 0 && comp.Chapters != nil {
		// 历史章节只带摘要，不带全文
		for _, ch := range comp.Chapters.Chapters {
			req.Chapters = append(req.Chapters, models.ChapterPayload{
				Number:    ch.Number,
				Title:     ch.Title,
				Content:   ch.Summary,
				WordCount: ch.WordCount,
			})
		}
	}
	if req.PlotContext == nil && comp.Plot != nil {
		req.PlotContext = &models.PlotPayload{
			PlotPoint:    comp.Plot.PlotPoint,
			OutlineItems: comp.Plot.OutlineItems,
			DraftSummary: comp.Plot.DraftSummary,
		}
	}
	if len(req.Feedback) == 0 && comp.Feedback != nil {
		for _, fb := range comp.Feedback.Items {
			req.Feedback = append(req.Feedback, models.FeedbackPayload{
				Source:  fb.Source,
				Author:  fb.Author,
				Content: fb.Content,
			})
		}
	}
	if req.Conversation == nil && comp.Conversation != nil && len(comp.Conversation.RecentMessages) > 0 {
		payload := &models.ConversationPayload{TotalCount: comp.Conversation.TotalCount}
		for _, msg := range comp.Conversation.RecentMessages {
			payload.Messages = append(payload.Messages, models.MessagePayload{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
		req.Conversation = payload
	}
	if job.compose != nil {
		if req.Phase == "" {
			req.Phase = job.compose.CurrentPhase
		}
		if req.SharedContext == nil {
			shared := job.compose.SharedContext
			req.SharedContext = &shared
		}
	}

	if len(result.Warnings) > 0 {
		utils.GetLogger().Debug("上下文构建告警", map[string]interface{}{
			"story_id": job.storyID,
			"warnings": strings.Join(result.Warnings, "; "),
		})
	}
}

// complete 调用模型并解析结构化输出，附带进度与指标上报
func (s *GenerationService) complete(ctx context.Context, job *generationJob, prompt, systemPrompt string, out interface{}) error {
	job.tracker.UpdateProgress(30, "请求模型生成")

	start := time.Now()
	err := s.LLM.CreateStructuredCompletion(ctx, prompt, systemPrompt, out)
	utils.GetAPIMetrics().RecordLLMRequest(s.LLM.GetProviderName(), s.LLM.GetDefaultModel(), 0, time.Since(start))
	if err != nil {
		utils.GetAPIMetrics().RecordError("llm", "generation_service")
		return apperrors.NewLLMError("模型生成失败", err)
	}

	job.tracker.UpdateProgress(80, "解析生成结果")
	return nil
}

// currentPhaseThreadID 当前阶段挂接的会话线程ID
func currentPhaseThreadID(state *models.ChapterComposeState) string {
	switch state.CurrentPhase {
	case models.PhasePlotOutline:
		return state.Phases.PlotOutline.ThreadID
	case models.PhaseChapterDetail:
		return state.Phases.ChapterDetail.ThreadID
	case models.PhaseFinalEdit:
		return state.Phases.FinalEdit.ThreadID
	}
	return ""
}

// collectModifyDirectives 汇总修改要求：显式指令优先，其次取请求中的反馈
func collectModifyDirectives(job *generationJob, instructions string) []string {
	var directives []string
	if strings.TrimSpace(instructions) != "" {
		directives = append(directives, strings.TrimSpace(instructions))
	}
	for _, fb := range job.request.Feedback {
		if strings.TrimSpace(fb.Content) != "" {
			directives = append(directives, fb.Content)
		}
	}
	return directives
}

func formatCharacterFeedback(reaction string, concerns []string, quote string) string {
	var b strings.Builder
	b.WriteString(reaction)
	if len(concerns) > 0 {
		b.WriteString("\n顾虑：")
		b.WriteString(strings.Join(concerns, "；"))
	}
	if quote != "" {
		b.WriteString("\n「")
		b.WriteString(quote)
		b.WriteString("」")
	}
	return b.String()
}

func formatRaterFeedback(resp *RaterFeedbackResponse) string {
	var b strings.Builder
	b.WriteString(resp.Summary)
	for _, score := range resp.Scores {
		b.WriteString(fmt.Sprintf("\n%s: %d", score.Dimension, score.Score))
		if score.Comment != "" {
			b.WriteString(" - " + score.Comment)
		}
	}
	if len(resp.Strengths) > 0 {
		b.WriteString("\n亮点：" + strings.Join(resp.Strengths, "；"))
	}
	if len(resp.Weaknesses) > 0 {
		b.WriteString("\n不足：" + strings.Join(resp.Weaknesses, "；"))
	}
	return b.String()
}

// ----------------------------------------------------------------
// 提示词渲染
// ----------------------------------------------------------------

// systemPromptFor 按用途取系统提示词，逐级回退到助手提示词和内置默认
func systemPromptFor(job *generationJob, pick func(*models.SystemPromptsPayload) string) string {
	if job.request.SystemPrompts != nil {
		if p := pick(job.request.SystemPrompts); p != "" {
			return p
		}
		if job.request.SystemPrompts.Assistant != "" {
			return job.request.SystemPrompts.Assistant
		}
	}
	if job.english {
		return "You are an experienced novel-writing assistant."
	}
	return "你是一位经验丰富的小说创作助手。"
}

// renderContextSections 把结构化请求渲染成提示词的公共背景部分
func renderContextSections(req *models.StructuredRequest, english bool) string {
	var b strings.Builder

	section := func(zh, en, content string) {
		if strings.TrimSpace(content) == "" {
			return
		}
		if english {
			b.WriteString("## " + en + "\n")
		} else {
			b.WriteString("## " + zh + "\n")
		}
		b.WriteString(content)
		b.WriteString("\n\n")
	}

	if req.Worldbuilding != nil {
		section("世界观设定", "Worldbuilding", req.Worldbuilding.Content)
	}
	if req.StorySummary != nil {
		section("故事梗概", "Story summary", req.StorySummary.Content)
	}

	if len(req.Characters) > 0 {
		var cb strings.Builder
		for _, c := range req.Characters {
			cb.WriteString("- " + c.Name)
			if c.Description != "" {
				cb.WriteString("：" + c.Description)
			}
			if len(c.Traits) > 0 {
				if english {
					cb.WriteString(" (traits: " + strings.Join(c.Traits, ", ") + ")")
				} else {
					cb.WriteString("（特质：" + strings.Join(c.Traits, "、") + "）")
				}
			}
			if c.VoiceNotes != "" {
				if english {
					cb.WriteString(" [voice: " + c.VoiceNotes + "]")
				} else {
					cb.WriteString("【语气：" + c.VoiceNotes + "】")
				}
			}
			cb.WriteString("\n")
		}
		section("角色", "Characters", cb.String())
	}

	if len(req.Chapters) > 0 {
		var cb strings.Builder
		for _, ch := range req.Chapters {
			if english {
				cb.WriteString(fmt.Sprintf("Chapter %d %s (%d words): %s\n", ch.Number, ch.Title, ch.WordCount, ch.Content))
			} else {
				cb.WriteString(fmt.Sprintf("第%d章 %s（%d字）：%s\n", ch.Number, ch.Title, ch.WordCount, ch.Content))
			}
		}
		section("已有章节", "Previous chapters", cb.String())
	}

	if req.PlotContext != nil {
		var pb strings.Builder
		if req.PlotContext.PlotPoint != "" {
			pb.WriteString(req.PlotContext.PlotPoint + "\n")
		}
		for i, item := range req.PlotContext.OutlineItems {
			pb.WriteString(fmt.Sprintf("%d. %s\n", i+1, item))
		}
		if req.PlotContext.DraftSummary != "" {
			if english {
				pb.WriteString("Chapter summary: " + req.PlotContext.DraftSummary + "\n")
			} else {
				pb.WriteString("本章梗概：" + req.PlotContext.DraftSummary + "\n")
			}
		}
		section("情节走向", "Plot direction", pb.String())
	}

	if len(req.Feedback) > 0 {
		var fb strings.Builder
		for _, item := range req.Feedback {
			fb.WriteString(fmt.Sprintf("- [%s] %s: %s\n", item.Source, item.Author, item.Content))
		}
		section("近期反馈", "Recent feedback", fb.String())
	}

	if req.Conversation != nil && len(req.Conversation.Messages) > 0 {
		var cb strings.Builder
		for _, msg := range req.Conversation.Messages {
			cb.WriteString(msg.Role + ": " + msg.Content + "\n")
		}
		section("最近对话", "Recent conversation", cb.String())
	}

	return b.String()
}

func (s *GenerationService) buildOutlinePrompt(job *generationJob) (string, string) {
	system := systemPromptFor(job, func(p *models.SystemPromptsPayload) string { return p.Outline })
	background := renderContextSections(job.request, job.english)

	var prompt string
	if job.english {
		prompt = fmt.Sprintf(`Design the plot outline for the next chapter of this novel.

%s
Requirements:
1. Provide 3 to 6 outline items, each with a title and a concrete description
2. Summarize the chapter in one paragraph as draft_summary
3. Keep the item order as the narrative order, consistent with previous chapters and the worldbuilding

Return JSON in this exact shape:
{
  "outline_items": [{"title": "item title", "description": "item description"}],
  "draft_summary": "chapter summary",
  "themes": ["theme"]
}`, background)
	} else {
		prompt = fmt.Sprintf(`请为这部小说的下一章设计情节大纲。

%s
要求：
1. 给出3到6个大纲条目，每条包含标题和一段具体描述
2. 用一段话概括本章梗概，填入 draft_summary
3. 条目顺序即叙事顺序，与已有章节和世界观保持一致

按以下JSON格式返回：
{
  "outline_items": [{"title": "条目标题", "description": "条目描述"}],
  "draft_summary": "本章梗概",
  "themes": ["主题"]
}`, background)
	}
	return system, prompt
}

func (s *GenerationService) buildChapterPrompt(job *generationJob) (string, string) {
	system := systemPromptFor(job, func(p *models.SystemPromptsPayload) string { return p.Assistant })
	background := renderContextSections(job.request, job.english)

	target := defaultTargetWordCount
	if job.request.SharedContext != nil && job.request.SharedContext.TargetWordCount > 0 {
		target = job.request.SharedContext.TargetWordCount
	}

	var prompt string
	if job.english {
		prompt = fmt.Sprintf(`Write the full text of this chapter following the outline.

%s
Requirements:
1. Target length around %d words
2. Follow the outline items in order and keep every character's voice consistent
3. Prose only in chapter_text, no commentary

Return JSON in this exact shape:
{"chapter_text": "the chapter text", "title_suggestion": "a suggested chapter title"}`, background, target)
	} else {
		prompt = fmt.Sprintf(`请按照大纲撰写本章正文。

%s
要求：
1. 目标字数约%d字
2. 按大纲条目顺序推进情节，保持每个角色的声音一致
3. chapter_text 只放正文，不要任何解释

按以下JSON格式返回：
{"chapter_text": "章节正文", "title_suggestion": "章节标题建议"}`, background, target)
	}
	return system, prompt
}

func (s *GenerationService) buildModifyPrompt(job *generationJob, directives []string) (string, string) {
	system := systemPromptFor(job, func(p *models.SystemPromptsPayload) string { return p.Assistant })
	draft := utils.Excerpt(job.draft, promptDraftRunes)

	var db strings.Builder
	for i, d := range directives {
		db.WriteString(fmt.Sprintf("%d. %s\n", i+1, d))
	}

	var prompt string
	if job.english {
		prompt = fmt.Sprintf(`Revise the chapter draft below according to the change requests.

## Current draft
%s

## Change requests
%s
Requirements:
1. Apply every change request while preserving everything that was not asked to change
2. Summarize what you changed in changes_summary

Return JSON in this exact shape:
{"modified_chapter": "the revised chapter", "word_count": 0, "changes_summary": "what changed"}`, draft, db.String())
	} else {
		prompt = fmt.Sprintf(`请按照修改要求重写下面的章节草稿。

## 当前草稿
%s

## 修改要求
%s
要求：
1. 逐条落实修改要求，未要求修改的内容保持原样
2. 在 changes_summary 里概括做了哪些修改

按以下JSON格式返回：
{"modified_chapter": "修改后的正文", "word_count": 0, "changes_summary": "修改说明"}`, draft, db.String())
	}
	return system, prompt
}

func (s *GenerationService) buildCharacterFeedbackPrompt(job *generationJob) (string, string) {
	system := systemPromptFor(job, func(p *models.SystemPromptsPayload) string { return p.Feedback })
	draft := utils.Excerpt(job.draft, promptDraftRunes)

	var cb strings.Builder
	for _, c := range job.request.Characters {
		cb.WriteString("- " + c.Name)
		if c.Description != "" {
			cb.WriteString("：" + c.Description)
		}
		if c.VoiceNotes != "" {
			cb.WriteString("（语气：" + c.VoiceNotes + "）")
		}
		cb.WriteString("\n")
	}

	var prompt string
	if job.english {
		prompt = fmt.Sprintf(`Each character below reads the chapter draft and reacts in their own voice.

## Characters
%s
## Chapter draft
%s

For every character give their in-character reaction, their concerns about how they are portrayed, and one line they might say about it.

Return JSON in this exact shape:
{"feedback": [{"character_name": "name", "reaction": "in-character reaction", "concerns": ["concern"], "in_voice_quote": "one line in their voice"}]}`, cb.String(), draft)
	} else {
		prompt = fmt.Sprintf(`下面每个角色读完本章草稿后，以自己的口吻做出反应。

## 角色
%s
## 章节草稿
%s

为每个角色给出符合其性格的读后反应、对自身刻画的顾虑，以及一句他们可能说出的话。

按以下JSON格式返回：
{"feedback": [{"character_name": "角色名", "reaction": "角色口吻的反应", "concerns": ["顾虑"], "in_voice_quote": "一句原话"}]}`, cb.String(), draft)
	}
	return system, prompt
}

func (s *GenerationService) buildRaterFeedbackPrompt(job *generationJob) (string, string) {
	system := systemPromptFor(job, func(p *models.SystemPromptsPayload) string { return p.Feedback })
	draft := utils.Excerpt(job.draft, promptDraftRunes)

	// 评审人按名字排序，保证提示词稳定可缓存
	var rb strings.Builder
	raters := make([]models.Rater, 0, len(job.story.Raters))
	for _, r := range job.story.Raters {
		raters = append(raters, r)
	}
	sort.Slice(raters, func(i, j int) bool { return raters[i].Name < raters[j].Name })
	for _, r := range raters {
		rb.WriteString("- " + r.Name + "：" + r.Persona)
		if len(r.Focus) > 0 {
			rb.WriteString("（关注：" + strings.Join(r.Focus, "、") + "）")
		}
		if r.Strictness > 0 {
			rb.WriteString(fmt.Sprintf("（严格度：%d/10）", r.Strictness))
		}
		rb.WriteString("\n")
	}
	if rb.Len() == 0 {
		if job.english {
			rb.WriteString("- A demanding professional fiction editor\n")
		} else {
			rb.WriteString("- 一位要求严格的职业小说编辑\n")
		}
	}

	var prompt string
	if job.english {
		prompt = fmt.Sprintf(`Review the chapter draft as the rater described below and score it.

## Rater
%s
## Chapter draft
%s

Score the chapter from 1 to 10 overall and per dimension (pacing, characters, prose), list strengths and weaknesses, then summarize.

Return JSON in this exact shape:
{"rater_name": "name", "overall_score": 7, "scores": [{"dimension": "pacing", "score": 7, "comment": "..."}], "strengths": ["..."], "weaknesses": ["..."], "summary": "overall verdict"}`, rb.String(), draft)
	} else {
		prompt = fmt.Sprintf(`请以下面评审人的身份审读本章草稿并打分。

## 评审人
%s
## 章节草稿
%s

总分与各维度（节奏、人物、文笔）按1到10打分，列出亮点与不足，最后给出总评。

按以下JSON格式返回：
{"rater_name": "评审人名", "overall_score": 7, "scores": [{"dimension": "节奏", "score": 7, "comment": "说明"}], "strengths": ["亮点"], "weaknesses": ["不足"], "summary": "总评"}`, rb.String(), draft)
	}
	return system, prompt
}

func (s *GenerationService) buildEditorReviewPrompt(job *generationJob) (string, string) {
	system := systemPromptFor(job, func(p *models.SystemPromptsPayload) string { return p.Editor })
	draft := utils.Excerpt(job.draft, promptDraftRunes)
	background := renderContextSections(job.request, job.english)

	var prompt string
	if job.english {
		prompt = fmt.Sprintf(`Copy-edit the chapter draft below as a professional fiction editor.

%s
## Chapter draft
%s

Give an overall assessment, then concrete line-level suggestions. For each suggestion quote the excerpt it applies to and explain the reason.

Return JSON in this exact shape:
{"overall_assessment": "overall assessment", "suggestions": [{"excerpt": "quoted text", "suggestion": "proposed change", "reason": "why"}]}`, background, draft)
	} else {
		prompt = fmt.Sprintf(`请以职业小说编辑的身份审校下面的章节草稿。

%s
## 章节草稿
%s

先给出整体评价，再给出具体到句子的修改建议。每条建议引用对应原文片段并说明理由。

按以下JSON格式返回：
{"overall_assessment": "整体评价", "suggestions": [{"excerpt": "原文片段", "suggestion": "修改建议", "reason": "理由"}]}`, background, draft)
	}
	return system, prompt
}
