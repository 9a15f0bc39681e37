// internal/services/request_converter.go
package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/Corphon/ChapterForgeMCP/internal/errors"
	"github.com/Corphon/ChapterForgeMCP/internal/models"
	"github.com/Corphon/ChapterForgeMCP/internal/utils"
)

// ErrUnknownRequestFormat 请求形状不属于任何已知线格式。
// 这是接线层的编码缺陷信号，调用方应当用 errors.Is 识别并响亮失败。
var ErrUnknownRequestFormat = errors.New("unknown request format")

// RequestConverterService 在三种历史并存的线格式之间转换请求：
// 旧版扁平(legacy)、阶段增强(enhanced)、结构化(structured)。
// 内部模型统一使用结构化格式，转换只发生在边界处。
// 服务本身无状态，所有方法都不修改输入。
type RequestConverterService struct{}

// NewRequestConverterService 创建请求转换服务
func NewRequestConverterService() *RequestConverterService {
	return &RequestConverterService{}
}

// ConvertOptions 控制一次转换的附加行为
type ConvertOptions struct {
	Validate bool            // 转换后立即校验，结果计入 ConversionMeta
	Limits   *OptimizeLimits // 非nil时转换后立即压缩负载
}

// DefaultConvertOptions 返回默认转换选项：校验开启、不压缩
func DefaultConvertOptions() ConvertOptions {
	return ConvertOptions{Validate: true}
}

// OptimizeLimits 负载压缩的尺寸上限。
// 字段为0表示该维度不做裁剪。
type OptimizeLimits struct {
	MaxChapters             int // 保留最近N章
	MaxFeedback             int // 保留最近N条反馈
	MaxConversationMessages int // 会话摘录最多N条消息
	MaxWorldbuildingRunes   int // 世界观文本的字符上限
	MaxChapterRunes         int // 单章正文的字符上限
}

// DefaultOptimizeLimits 返回默认压缩上限
func DefaultOptimizeLimits() OptimizeLimits {
	return OptimizeLimits{
		MaxChapters:             8,
		MaxFeedback:             60,
		MaxConversationMessages: 50,
		MaxWorldbuildingRunes:   40000,
		MaxChapterRunes:         24000,
	}
}

// shapeMarker 单个结构特征：命中则累计权重
type shapeMarker struct {
	name   string
	weight int
	match  func(shape map[string]interface{}) bool
}

// 旧版扁平格式的特征：裸字符串与字符串数组字段
var legacyMarkers = []shapeMarker{
	{"assistant_prompt", 1, func(m map[string]interface{}) bool { return isNonEmptyString(m["assistant_prompt"]) }},
	{"outline_prompt", 1, func(m map[string]interface{}) bool { return isNonEmptyString(m["outline_prompt"]) }},
	{"worldbuilding:string", 1, func(m map[string]interface{}) bool { return isNonEmptyString(m["worldbuilding"]) }},
	{"story_summary:string", 1, func(m map[string]interface{}) bool { return isNonEmptyString(m["story_summary"]) }},
	{"character_name", 1, func(m map[string]interface{}) bool { return isNonEmptyString(m["character_name"]) }},
	{"character_description", 1, func(m map[string]interface{}) bool { return isNonEmptyString(m["character_description"]) }},
	{"character_traits", 1, func(m map[string]interface{}) bool { return isArray(m["character_traits"]) }},
	{"plot_point", 1, func(m map[string]interface{}) bool { return isNonEmptyString(m["plot_point"]) }},
	{"chapter_texts", 1, func(m map[string]interface{}) bool { return isArray(m["chapter_texts"]) }},
	{"feedback_texts", 1, func(m map[string]interface{}) bool { return isArray(m["feedback_texts"]) }},
}

// 阶段增强格式在扁平字段之上叠加的特征
var enhancedMarkers = []shapeMarker{
	{"phase", 2, func(m map[string]interface{}) bool { return isNonEmptyString(m["phase"]) }},
	{"outline_items", 1, func(m map[string]interface{}) bool { return isArray(m["outline_items"]) }},
	{"draft_summary", 1, func(m map[string]interface{}) bool { return isNonEmptyString(m["draft_summary"]) }},
	{"target_word_count", 1, func(m map[string]interface{}) bool { return isPositiveNumber(m["target_word_count"]) }},
}

// 结构化格式的特征：嵌套类型化对象。
// worldbuilding/story_summary 的键名与旧格式相同，靠值的类型区分。
var structuredMarkers = []shapeMarker{
	{"system_prompts:object", 2, func(m map[string]interface{}) bool { return isObject(m["system_prompts"]) }},
	{"worldbuilding:object", 2, func(m map[string]interface{}) bool { return isObject(m["worldbuilding"]) }},
	{"story_summary:object", 2, func(m map[string]interface{}) bool { return isObject(m["story_summary"]) }},
	{"plot_context", 2, func(m map[string]interface{}) bool { return isObject(m["plot_context"]) }},
	{"characters:array", 1, func(m map[string]interface{}) bool { return isObjectArray(m["characters"]) }},
	{"chapters:array", 1, func(m map[string]interface{}) bool { return isObjectArray(m["chapters"]) }},
	{"feedback:array", 1, func(m map[string]interface{}) bool { return isObjectArray(m["feedback"]) }},
	{"conversation", 1, func(m map[string]interface{}) bool { return isObject(m["conversation"]) }},
	{"shared_context", 1, func(m map[string]interface{}) bool { return isObject(m["shared_context"]) }},
}

func isNonEmptyString(v interface{}) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) != ""
}

func isArray(v interface{}) bool {
	_, ok := v.([]interface{})
	return ok
}

func isObject(v interface{}) bool {
	_, ok := v.(map[string]interface{})
	return ok
}

// isObjectArray 数组且首元素是对象；空数组也算命中，
// 因为这些键名只在结构化格式中出现
func isObjectArray(v interface{}) bool {
	arr, ok := v.([]interface{})
	if !ok {
		return false
	}
	if len(arr) == 0 {
		return true
	}
	return isObject(arr[0])
}

func isPositiveNumber(v interface{}) bool {
	// JSON数字解码为float64
	n, ok := v.(float64)
	return ok && n > 0
}

func matchMarkers(markers []shapeMarker, shape map[string]interface{}) (int, []string) {
	score := 0
	features := []string{}
	for _, marker := range markers {
		if marker.match(shape) {
			score += marker.weight
			features = append(features, marker.name)
		}
	}
	return score, features
}

// rawJSON 把任意请求表示归一为JSON字节。
// 已是字节/字符串的输入视为JSON原文，其余走一次序列化。
func rawJSON(src interface{}) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, fmt.Errorf("请求为空")
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(src)
	}
}

// requestShape 把请求归一为键值表用于形状探测
func requestShape(raw interface{}) (map[string]interface{}, bool) {
	if m, ok := raw.(map[string]interface{}); ok {
		return m, true
	}
	data, err := rawJSON(raw)
	if err != nil {
		return nil, false
	}
	var shape map[string]interface{}
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, false
	}
	return shape, true
}

// decodeInto 把任意请求表示解码到目标结构。
// 结构体输入也走JSON往返，顺便得到一份深拷贝，保证不修改输入。
func decodeInto(src interface{}, dst interface{}) error {
	data, err := rawJSON(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// DetectRequestFormat 探测请求属于哪种线格式。
// Confidence 是命中特征的权重和，不是概率；三种格式得分相同时
// 更丰富的形状获胜（structured > enhanced > legacy）。
func (s *RequestConverterService) DetectRequestFormat(raw interface{}) models.FormatDetection {
	shape, ok := requestShape(raw)
	if !ok || len(shape) == 0 {
		return models.FormatDetection{Format: models.FormatUnknown, DetectedFeatures: []string{}}
	}

	legacyScore, legacyFeatures := matchMarkers(legacyMarkers, shape)
	enhancedScore, enhancedFeatures := matchMarkers(enhancedMarkers, shape)
	structScore, structFeatures := matchMarkers(structuredMarkers, shape)

	switch {
	case structScore > 0 && structScore >= legacyScore+enhancedScore:
		return models.FormatDetection{
			Format:           models.FormatStructured,
			Confidence:       structScore,
			DetectedFeatures: structFeatures,
		}
	case enhancedScore > 0:
		// 增强格式内嵌全部扁平字段，得分合并计算
		return models.FormatDetection{
			Format:           models.FormatEnhanced,
			Confidence:       legacyScore + enhancedScore,
			DetectedFeatures: append(legacyFeatures, enhancedFeatures...),
		}
	case legacyScore > 0:
		return models.FormatDetection{
			Format:           models.FormatLegacy,
			Confidence:       legacyScore,
			DetectedFeatures: legacyFeatures,
		}
	default:
		return models.FormatDetection{Format: models.FormatUnknown, DetectedFeatures: []string{}}
	}
}

// ConvertToStructured 把任意已知格式的请求转换为规范的结构化模型。
// 输入永远不被修改；无法识别的形状返回包装了 ErrUnknownRequestFormat 的错误。
func (s *RequestConverterService) ConvertToStructured(raw interface{}, opts ConvertOptions) (*models.StructuredRequest, *models.ConversionMeta, error) {
	start := time.Now()
	detection := s.DetectRequestFormat(raw)

	meta := &models.ConversionMeta{
		SourceFormat: detection.Format,
		AppliedSteps: []string{},
	}

	var structured *models.StructuredRequest
	switch detection.Format {
	case models.FormatLegacy:
		var legacy models.LegacyRequest
		if err := decodeInto(raw, &legacy); err != nil {
			return nil, nil, apperrors.NewConversionError("旧版请求解码失败", err)
		}
		structured = legacyToStructured(&legacy, meta)

	case models.FormatEnhanced:
		var enhanced models.EnhancedRequest
		if err := decodeInto(raw, &enhanced); err != nil {
			return nil, nil, apperrors.NewConversionError("增强请求解码失败", err)
		}
		structured = legacyToStructured(&enhanced.LegacyRequest, meta)
		mergeEnhancedFields(structured, &enhanced, meta)

	case models.FormatStructured:
		structured = &models.StructuredRequest{}
		if err := decodeInto(raw, structured); err != nil {
			return nil, nil, apperrors.NewConversionError("结构化请求解码失败", err)
		}
		meta.AppliedSteps = append(meta.AppliedSteps, "clone_structured")
		if backfillWordCounts(structured) {
			meta.AppliedSteps = append(meta.AppliedSteps, "backfill_word_counts")
		}

	default:
		return nil, nil, apperrors.NewConversionError("请求格式转换失败",
			fmt.Errorf("%w: 未命中任何结构特征", ErrUnknownRequestFormat))
	}

	if opts.Limits != nil {
		result, err := s.OptimizeRequest(structured, *opts.Limits)
		if err != nil {
			return nil, nil, err
		}
		structured = result.Request
		meta.AppliedSteps = append(meta.AppliedSteps, result.Applied...)
	}

	if opts.Validate {
		validationErrors, validationWarnings := s.ValidateRequest(structured)
		meta.Validated = true
		meta.AppliedSteps = append(meta.AppliedSteps,
			fmt.Sprintf("validated: %d errors, %d warnings", len(validationErrors), len(validationWarnings)))
	}

	meta.Elapsed = time.Since(start)
	return structured, meta, nil
}

// legacyToStructured 把扁平字段映射为嵌套等价物。
// 空字段不生成载荷段，保证往返转换逐字段精确还原。
func legacyToStructured(legacy *models.LegacyRequest, meta *models.ConversionMeta) *models.StructuredRequest {
	structured := &models.StructuredRequest{}
	meta.AppliedSteps = append(meta.AppliedSteps, "map_flat_fields")

	if legacy.AssistantPrompt != "" || legacy.OutlinePrompt != "" {
		structured.SystemPrompts = &models.SystemPromptsPayload{
			Assistant: legacy.AssistantPrompt,
			Outline:   legacy.OutlinePrompt,
		}
	}
	if legacy.Worldbuilding != "" {
		structured.Worldbuilding = &models.WorldbuildingPayload{
			Content:   legacy.Worldbuilding,
			WordCount: utils.CountWords(legacy.Worldbuilding),
		}
	}
	if legacy.StorySummary != "" {
		structured.StorySummary = &models.StorySummaryPayload{
			Content:   legacy.StorySummary,
			WordCount: utils.CountWords(legacy.StorySummary),
		}
	}
	if legacy.CharacterName != "" || legacy.CharacterDescription != "" || len(legacy.CharacterTraits) > 0 {
		structured.Characters = []models.CharacterPayload{{
			Name:        legacy.CharacterName,
			Description: legacy.CharacterDescription,
			Traits:      append([]string(nil), legacy.CharacterTraits...),
		}}
		meta.AppliedSteps = append(meta.AppliedSteps, "wrap_character")
	}
	if legacy.PlotPoint != "" {
		structured.PlotContext = &models.PlotPayload{PlotPoint: legacy.PlotPoint}
	}
	if len(legacy.ChapterTexts) > 0 {
		structured.Chapters = make([]models.ChapterPayload, 0, len(legacy.ChapterTexts))
		for i, text := range legacy.ChapterTexts {
			structured.Chapters = append(structured.Chapters, models.ChapterPayload{
				Number:    i + 1,
				Content:   text,
				WordCount: utils.CountWords(text),
			})
		}
		meta.AppliedSteps = append(meta.AppliedSteps, "index_chapters")
	}
	if len(legacy.FeedbackTexts) > 0 {
		structured.Feedback = make([]models.FeedbackPayload, 0, len(legacy.FeedbackTexts))
		for _, text := range legacy.FeedbackTexts {
			structured.Feedback = append(structured.Feedback, models.FeedbackPayload{Content: text})
		}
		meta.AppliedSteps = append(meta.AppliedSteps, "collect_feedback")
	}
	if structured.Worldbuilding != nil || structured.StorySummary != nil || len(structured.Chapters) > 0 {
		meta.AppliedSteps = append(meta.AppliedSteps, "derive_word_counts")
	}
	return structured
}

// mergeEnhancedFields 把增强格式独有的阶段信息并入结构化请求
func mergeEnhancedFields(structured *models.StructuredRequest, enhanced *models.EnhancedRequest, meta *models.ConversionMeta) {
	merged := false
	if enhanced.Phase != "" {
		structured.Phase = enhanced.Phase
		merged = true
	}
	if len(enhanced.OutlineItems) > 0 || enhanced.DraftSummary != "" {
		if structured.PlotContext == nil {
			structured.PlotContext = &models.PlotPayload{}
		}
		structured.PlotContext.OutlineItems = append([]string(nil), enhanced.OutlineItems...)
		structured.PlotContext.DraftSummary = enhanced.DraftSummary
		merged = true
	}
	if enhanced.TargetWordCount > 0 {
		structured.SharedContext = &models.SharedContext{TargetWordCount: enhanced.TargetWordCount}
		merged = true
	}
	if merged {
		meta.AppliedSteps = append(meta.AppliedSteps, "merge_phase_context")
	}
}

// backfillWordCounts 为内容非空但字数为0的段补算字数
func backfillWordCounts(structured *models.StructuredRequest) bool {
	changed := false
	if structured.Worldbuilding != nil && structured.Worldbuilding.WordCount == 0 && structured.Worldbuilding.Content != "" {
		structured.Worldbuilding.WordCount = utils.CountWords(structured.Worldbuilding.Content)
		changed = true
	}
	if structured.StorySummary != nil && structured.StorySummary.WordCount == 0 && structured.StorySummary.Content != "" {
		structured.StorySummary.WordCount = utils.CountWords(structured.StorySummary.Content)
		changed = true
	}
	for i := range structured.Chapters {
		if structured.Chapters[i].WordCount == 0 && structured.Chapters[i].Content != "" {
			structured.Chapters[i].WordCount = utils.CountWords(structured.Chapters[i].Content)
			changed = true
		}
	}
	return changed
}

// ConvertToTraditional 把结构化请求展开为旧版扁平形状，
// 供仍然只接受旧契约的后端端点使用。阶段信息在扁平形状中没有
// 对应字段，展开时丢弃；多余角色同理，只保留第一个。
func (s *RequestConverterService) ConvertToTraditional(structured *models.StructuredRequest) (*models.LegacyRequest, error) {
	if structured == nil {
		return nil, apperrors.NewConversionError("空的结构化请求无法展开", nil)
	}

	legacy := &models.LegacyRequest{}
	if structured.SystemPrompts != nil {
		legacy.AssistantPrompt = structured.SystemPrompts.Assistant
		legacy.OutlinePrompt = structured.SystemPrompts.Outline
	}
	if structured.Worldbuilding != nil {
		legacy.Worldbuilding = structured.Worldbuilding.Content
	}
	if structured.StorySummary != nil {
		legacy.StorySummary = structured.StorySummary.Content
	}
	if len(structured.Characters) > 0 {
		first := structured.Characters[0]
		legacy.CharacterName = first.Name
		legacy.CharacterDescription = first.Description
		legacy.CharacterTraits = append([]string(nil), first.Traits...)
	}
	if structured.PlotContext != nil {
		legacy.PlotPoint = structured.PlotContext.PlotPoint
	}
	if len(structured.Chapters) > 0 {
		legacy.ChapterTexts = make([]string, 0, len(structured.Chapters))
		for _, chapter := range structured.Chapters {
			legacy.ChapterTexts = append(legacy.ChapterTexts, chapter.Content)
		}
	}
	if len(structured.Feedback) > 0 {
		legacy.FeedbackTexts = make([]string, 0, len(structured.Feedback))
		for _, feedback := range structured.Feedback {
			legacy.FeedbackTexts = append(legacy.FeedbackTexts, feedback.Content)
		}
	}
	return legacy, nil
}

// ValidateRequest 校验结构化请求的内容完整性。
// 内容问题永远不返回Go错误：必填缺失进errors，可选缺失进warnings。
func (s *RequestConverterService) ValidateRequest(structured *models.StructuredRequest) ([]string, []string) {
	if structured == nil {
		return []string{"request is nil"}, nil
	}

	var validationErrors []string
	var warnings []string

	if structured.SystemPrompts == nil || strings.TrimSpace(structured.SystemPrompts.Assistant) == "" {
		validationErrors = append(validationErrors, "system_prompts.assistant is required")
	}
	if structured.Worldbuilding == nil || strings.TrimSpace(structured.Worldbuilding.Content) == "" {
		validationErrors = append(validationErrors, "worldbuilding.content is required")
	}
	if structured.StorySummary == nil || strings.TrimSpace(structured.StorySummary.Content) == "" {
		validationErrors = append(validationErrors, "story_summary.content is required")
	}

	for i, chapter := range structured.Chapters {
		if strings.TrimSpace(chapter.Content) == "" {
			validationErrors = append(validationErrors, fmt.Sprintf("chapters[%d].content is empty", i))
			continue
		}
		if chapter.WordCount == 0 {
			warnings = append(warnings, fmt.Sprintf("chapters[%d].word_count is zero", i))
		}
		if chapter.Number <= 0 {
			warnings = append(warnings, fmt.Sprintf("chapters[%d].number is not set", i))
		}
	}

	if structured.Phase != "" && !models.IsValidPhase(structured.Phase) {
		validationErrors = append(validationErrors, fmt.Sprintf("phase %q is not recognized", structured.Phase))
	}

	if len(structured.Characters) == 0 {
		warnings = append(warnings, "no characters provided")
	} else {
		for i, character := range structured.Characters {
			if strings.TrimSpace(character.Name) == "" {
				warnings = append(warnings, fmt.Sprintf("characters[%d].name is empty", i))
			}
		}
	}
	if structured.PlotContext == nil || strings.TrimSpace(structured.PlotContext.PlotPoint) == "" {
		warnings = append(warnings, "no plot point provided")
	}
	if len(structured.Feedback) == 0 {
		warnings = append(warnings, "no feedback provided")
	}

	return validationErrors, warnings
}

// OptimizeRequest 压缩结构化请求以适配远端尺寸约束。
// 在深拷贝上裁剪，返回压缩结果与所做操作的清单，
// 调用方据此提示"上下文已被裁剪"。
func (s *RequestConverterService) OptimizeRequest(structured *models.StructuredRequest, limits OptimizeLimits) (*models.OptimizationResult, error) {
	if structured == nil {
		return nil, apperrors.NewConversionError("空请求无法压缩", nil)
	}

	before, err := json.Marshal(structured)
	if err != nil {
		return nil, apperrors.NewConversionError("请求序列化失败", err)
	}
	optimized := &models.StructuredRequest{}
	if err := json.Unmarshal(before, optimized); err != nil {
		return nil, apperrors.NewConversionError("请求深拷贝失败", err)
	}

	applied := []string{}

	if limits.MaxChapters > 0 && len(optimized.Chapters) > limits.MaxChapters {
		total := len(optimized.Chapters)
		optimized.Chapters = optimized.Chapters[total-limits.MaxChapters:]
		applied = append(applied, fmt.Sprintf("chapters: kept most recent %d of %d", limits.MaxChapters, total))
	}
	if limits.MaxChapterRunes > 0 {
		for i := range optimized.Chapters {
			content := optimized.Chapters[i].Content
			if utf8.RuneCountInString(content) <= limits.MaxChapterRunes {
				continue
			}
			optimized.Chapters[i].Content = utils.Excerpt(content, limits.MaxChapterRunes)
			optimized.Chapters[i].WordCount = utils.CountWords(optimized.Chapters[i].Content)
			number := optimized.Chapters[i].Number
			if number <= 0 {
				number = i + 1
			}
			applied = append(applied, fmt.Sprintf("chapter %d: content truncated to %d chars", number, limits.MaxChapterRunes))
		}
	}
	if limits.MaxFeedback > 0 && len(optimized.Feedback) > limits.MaxFeedback {
		total := len(optimized.Feedback)
		optimized.Feedback = optimized.Feedback[total-limits.MaxFeedback:]
		applied = append(applied, fmt.Sprintf("feedback: kept most recent %d of %d", limits.MaxFeedback, total))
	}
	if limits.MaxConversationMessages > 0 && optimized.Conversation != nil && len(optimized.Conversation.Messages) > limits.MaxConversationMessages {
		total := len(optimized.Conversation.Messages)
		optimized.Conversation.Messages = optimized.Conversation.Messages[total-limits.MaxConversationMessages:]
		if optimized.Conversation.TotalCount == 0 {
			optimized.Conversation.TotalCount = total
		}
		applied = append(applied, fmt.Sprintf("conversation: kept most recent %d of %d messages", limits.MaxConversationMessages, total))
	}
	if limits.MaxWorldbuildingRunes > 0 && optimized.Worldbuilding != nil {
		content := optimized.Worldbuilding.Content
		if utf8.RuneCountInString(content) > limits.MaxWorldbuildingRunes {
			optimized.Worldbuilding.Content = utils.Excerpt(content, limits.MaxWorldbuildingRunes)
			optimized.Worldbuilding.WordCount = utils.CountWords(optimized.Worldbuilding.Content)
			applied = append(applied, fmt.Sprintf("worldbuilding: truncated to %d chars", limits.MaxWorldbuildingRunes))
		}
	}

	savedBytes := 0
	if len(applied) > 0 {
		after, err := json.Marshal(optimized)
		if err == nil && len(before) > len(after) {
			savedBytes = len(before) - len(after)
		}
	}

	return &models.OptimizationResult{
		Request:    optimized,
		Applied:    applied,
		SavedBytes: savedBytes,
	}, nil
}
