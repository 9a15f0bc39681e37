// internal/models/story.go
package models

import (
	"time"
)

// Story 故事根聚合：全局配置、角色与评审人花名册、
// 已定稿章节，以及可选的章节创作状态。
// 只能通过创作编排与持久化操作修改。
type Story struct {
	ID              string               `json:"id"`
	Title           string               `json:"title"`
	Config          StoryConfig          `json:"config"`
	Characters      map[string]Character `json:"characters"`
	Raters          map[string]Rater     `json:"raters"`
	Chapters        []Chapter            `json:"chapters"`
	Feedback        []FeedbackItem       `json:"feedback,omitempty"` // 针对当前创作中章节的反馈
	ChapterCreation *ChapterCreation     `json:"chapter_creation,omitempty"` // 旧版单阶段流程
	ChapterCompose  *ChapterComposeState `json:"chapter_compose,omitempty"`  // 三阶段创作状态
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// StoryConfig 故事级生成配置
type StoryConfig struct {
	SystemPrompts SystemPrompts `json:"system_prompts"`
	Worldbuilding string        `json:"worldbuilding"`
	Summary       string        `json:"summary"`
	Language      string        `json:"language,omitempty"` // zh / en，留空自动检测
}

// SystemPrompts 各用途的系统提示词。Assistant 为必填项。
type SystemPrompts struct {
	Assistant string `json:"assistant"`
	Outline   string `json:"outline,omitempty"`
	Feedback  string `json:"feedback,omitempty"`
	Editor    string `json:"editor,omitempty"`
}

// Character 故事角色
type Character struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Background  string            `json:"background,omitempty"`
	Traits      []string          `json:"traits,omitempty"`
	Relations   map[string]string `json:"relations,omitempty"` // 角色ID -> 关系描述
	VoiceNotes  string            `json:"voice_notes,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Rater 评审人设定，用于生成评分反馈
type Rater struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Persona    string   `json:"persona"`
	Focus      []string `json:"focus,omitempty"`      // 关注维度：节奏、人物、文风等
	Strictness int      `json:"strictness,omitempty"` // 1-10
}

// Chapter 已定稿的章节
type Chapter struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	WordCount int       `json:"word_count"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ChapterCreation 旧版单阶段创作流程的残留结构，
// 仅为兼容旧存档保留，新流程一律走 ChapterCompose。
type ChapterCreation struct {
	PlotPoint    string    `json:"plot_point"`
	DraftContent string    `json:"draft_content"`
	Status       string    `json:"status,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// FeedbackItem 一条针对草稿的反馈
type FeedbackItem struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"` // character / rater / editor
	AuthorID  string    `json:"author_id,omitempty"`
	Author    string    `json:"author,omitempty"`
	Content   string    `json:"content"`
	Score     int       `json:"score,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
