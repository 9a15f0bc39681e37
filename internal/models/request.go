// internal/models/request.go
package models

import (
	"time"
)

// RequestFormat 历史上并存的三种请求线格式
type RequestFormat string

const (
	FormatLegacy     RequestFormat = "legacy"     // 扁平字符串字段
	FormatEnhanced   RequestFormat = "enhanced"   // 扁平字段 + 阶段信息
	FormatStructured RequestFormat = "structured" // 嵌套类型化结构
	FormatUnknown    RequestFormat = "unknown"
)

// LegacyRequest 旧版扁平请求。所有上下文都是裸字符串，
// 角色信息拆成独立字段。仅为兼容旧后端契约保留。
type LegacyRequest struct {
	AssistantPrompt      string   `json:"assistant_prompt,omitempty"`
	OutlinePrompt        string   `json:"outline_prompt,omitempty"`
	Worldbuilding        string   `json:"worldbuilding,omitempty"`
	StorySummary         string   `json:"story_summary,omitempty"`
	CharacterName        string   `json:"character_name,omitempty"`
	CharacterDescription string   `json:"character_description,omitempty"`
	CharacterTraits      []string `json:"character_traits,omitempty"`
	PlotPoint            string   `json:"plot_point,omitempty"`
	ChapterTexts         []string `json:"chapter_texts,omitempty"`
	FeedbackTexts        []string `json:"feedback_texts,omitempty"`
}

// EnhancedRequest 过渡期格式：扁平字段之上叠加阶段信息
type EnhancedRequest struct {
	LegacyRequest
	Phase           ComposePhase `json:"phase,omitempty"`
	OutlineItems    []string     `json:"outline_items,omitempty"`
	DraftSummary    string       `json:"draft_summary,omitempty"`
	TargetWordCount int          `json:"target_word_count,omitempty"`
}

// StructuredRequest 规范的内部模型：所有上下文都是嵌套类型化对象。
// 转换层只在边界处和旧格式互转，调用方一律使用本结构。
type StructuredRequest struct {
	SystemPrompts *SystemPromptsPayload `json:"system_prompts,omitempty"`
	Worldbuilding *WorldbuildingPayload `json:"worldbuilding,omitempty"`
	StorySummary  *StorySummaryPayload  `json:"story_summary,omitempty"`
	Characters    []CharacterPayload    `json:"characters,omitempty"`
	Chapters      []ChapterPayload      `json:"chapters,omitempty"`
	PlotContext   *PlotPayload          `json:"plot_context,omitempty"`
	Feedback      []FeedbackPayload     `json:"feedback,omitempty"`
	Conversation  *ConversationPayload  `json:"conversation,omitempty"`
	Phase         ComposePhase          `json:"phase,omitempty"`
	SharedContext *SharedContext        `json:"shared_context,omitempty"`
}

// SystemPromptsPayload 结构化请求中的提示词段
type SystemPromptsPayload struct {
	Assistant string `json:"assistant,omitempty"`
	Outline   string `json:"outline,omitempty"`
	Feedback  string `json:"feedback,omitempty"`
	Editor    string `json:"editor,omitempty"`
}

// WorldbuildingPayload 结构化请求中的世界观段
type WorldbuildingPayload struct {
	Content      string    `json:"content"`
	WordCount    int       `json:"word_count"`
	LastModified time.Time `json:"last_modified,omitempty"`
}

// StorySummaryPayload 结构化请求中的梗概段
type StorySummaryPayload struct {
	Content   string `json:"content"`
	WordCount int    `json:"word_count"`
}

// CharacterPayload 结构化请求中的单个角色
type CharacterPayload struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Traits      []string `json:"traits,omitempty"`
	VoiceNotes  string   `json:"voice_notes,omitempty"`
}

// ChapterPayload 结构化请求中的单个章节
type ChapterPayload struct {
	Number    int    `json:"number,omitempty"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content"`
	WordCount int    `json:"word_count"`
}

// PlotPayload 结构化请求中的情节段
type PlotPayload struct {
	PlotPoint    string   `json:"plot_point"`
	OutlineItems []string `json:"outline_items,omitempty"`
	DraftSummary string   `json:"draft_summary,omitempty"`
}

// FeedbackPayload 结构化请求中的单条反馈
type FeedbackPayload struct {
	Source  string `json:"source,omitempty"`
	Author  string `json:"author,omitempty"`
	Content string `json:"content"`
}

// ConversationPayload 结构化请求中的会话摘录
type ConversationPayload struct {
	Messages   []MessagePayload `json:"messages"`
	TotalCount int              `json:"total_count,omitempty"`
}

// MessagePayload 会话摘录中的单条消息
type MessagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FormatDetection 格式探测结果。
// Confidence 是结构特征的累计得分，不是概率。
type FormatDetection struct {
	Format           RequestFormat `json:"format"`
	Confidence       int           `json:"confidence"`
	DetectedFeatures []string      `json:"detected_features"`
}

// ConversionMeta 一次格式转换的附加信息
type ConversionMeta struct {
	SourceFormat RequestFormat `json:"source_format"`
	Elapsed      time.Duration `json:"elapsed"`
	AppliedSteps []string      `json:"applied_steps,omitempty"`
	Validated    bool          `json:"validated"`
}

// OptimizationResult 负载压缩的结果：压缩后的请求与所做的裁剪清单，
// 调用方据此提示"上下文已被裁剪"。
type OptimizationResult struct {
	Request    *StructuredRequest `json:"request"`
	Applied    []string           `json:"applied,omitempty"`
	SavedBytes int                `json:"saved_bytes,omitempty"`
}
