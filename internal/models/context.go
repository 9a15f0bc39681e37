// internal/models/context.go
package models

import (
	"time"
)

// ContextKind 上下文片段类型，用作缓存键的一部分
type ContextKind string

const (
	ContextSystemPrompts ContextKind = "system_prompts"
	ContextWorldbuilding ContextKind = "worldbuilding"
	ContextStorySummary  ContextKind = "story_summary"
	ContextCharacters    ContextKind = "characters"
	ContextChapters      ContextKind = "chapters"
	ContextPlot          ContextKind = "plot"
	ContextFeedback      ContextKind = "feedback"
	ContextConversation  ContextKind = "conversation"
)

// 上下文片段是构建时生成的不可变值对象。
// IsValid=false 表示缺少语义必填内容，但片段仍会返回，由调用方决定是否继续。

// SystemPromptsContext 系统提示词片段。AssistantPrompt 为必填。
type SystemPromptsContext struct {
	AssistantPrompt string `json:"assistant_prompt"`
	OutlinePrompt   string `json:"outline_prompt,omitempty"`
	FeedbackPrompt  string `json:"feedback_prompt,omitempty"`
	EditorPrompt    string `json:"editor_prompt,omitempty"`
	WordCount       int    `json:"word_count"`
	IsValid         bool   `json:"is_valid"`
}

// WorldbuildingContext 世界观设定片段
type WorldbuildingContext struct {
	Content      string    `json:"content"`
	WordCount    int       `json:"word_count"`
	LastModified time.Time `json:"last_modified,omitempty"`
	IsValid      bool      `json:"is_valid"`
}

// StorySummaryContext 故事梗概片段。Summary 为必填。
type StorySummaryContext struct {
	Summary   string `json:"summary"`
	WordCount int    `json:"word_count"`
	IsValid   bool   `json:"is_valid"`
}

// CharacterBrief 供生成请求使用的角色摘要
type CharacterBrief struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Traits      []string `json:"traits,omitempty"`
	VoiceNotes  string   `json:"voice_notes,omitempty"`
}

// CharacterContext 角色花名册片段
type CharacterContext struct {
	Characters []CharacterBrief `json:"characters"`
	Count      int              `json:"count"`
	WordCount  int              `json:"word_count"`
	IsValid    bool             `json:"is_valid"`
}

// ChapterBrief 已定稿章节的摘要视图
type ChapterBrief struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	Summary   string `json:"summary,omitempty"`
	WordCount int    `json:"word_count"`
}

// ChapterContext 章节历史片段
type ChapterContext struct {
	Chapters       []ChapterBrief `json:"chapters"`
	Count          int            `json:"count"`
	TotalWordCount int            `json:"total_word_count"`
	IsValid        bool           `json:"is_valid"`
}

// PlotContext 情节点与大纲片段。PlotPoint 为必填。
type PlotContext struct {
	PlotPoint    string   `json:"plot_point"`
	OutlineItems []string `json:"outline_items,omitempty"`
	DraftSummary string   `json:"draft_summary,omitempty"`
	WordCount    int      `json:"word_count"`
	IsValid      bool     `json:"is_valid"`
}

// FeedbackContext 反馈集合片段
type FeedbackContext struct {
	Items   []FeedbackItem `json:"items"`
	Count   int            `json:"count"`
	IsValid bool           `json:"is_valid"`
}

// ConversationContext 会话摘录片段。
// Messages 为全量，RecentMessages 最多保留调用方指定的条数。
type ConversationContext struct {
	Messages       []ChatMessage `json:"messages"`
	RecentMessages []ChatMessage `json:"recent_messages"`
	TotalCount     int           `json:"total_count"`
	IsValid        bool          `json:"is_valid"`
}

// ChapterGenerationContext 章节生成的复合上下文，
// 由各单项构建器的结果汇总而成。
type ChapterGenerationContext struct {
	SystemPrompts *SystemPromptsContext `json:"system_prompts,omitempty"`
	Worldbuilding *WorldbuildingContext `json:"worldbuilding,omitempty"`
	StorySummary  *StorySummaryContext  `json:"story_summary,omitempty"`
	Characters    *CharacterContext     `json:"characters,omitempty"`
	Chapters      *ChapterContext       `json:"chapters,omitempty"`
	Plot          *PlotContext          `json:"plot,omitempty"`
	Feedback      *FeedbackContext      `json:"feedback,omitempty"`
	Conversation  *ConversationContext  `json:"conversation,omitempty"`
}
