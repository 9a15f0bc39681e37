// internal/services/structs.go
package services

// 生成网关向模型请求的结构化输出模式。
// 字段名即返回JSON的约定，提示词里会把模式原样给到模型。

// GenerateOutlineResponse 大纲生成结果
type GenerateOutlineResponse struct {
	OutlineItems []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"outline_items"`

	DraftSummary string `json:"draft_summary"`

	Themes []string `json:"themes,omitempty"`
}

// GenerateChapterResponse 章节正文生成结果
type GenerateChapterResponse struct {
	ChapterText     string `json:"chapter_text"`
	TitleSuggestion string `json:"title_suggestion,omitempty"`
}

// ModifyChapterResponse 章节修改结果
type ModifyChapterResponse struct {
	ModifiedChapter string `json:"modified_chapter"`
	WordCount       int    `json:"word_count,omitempty"`
	ChangesSummary  string `json:"changes_summary"`
}

// CharacterFeedbackResponse 角色视角反馈结果，
// 每个角色以自己的口吻评论当前草稿
type CharacterFeedbackResponse struct {
	Feedback []struct {
		CharacterName string   `json:"character_name"`
		Reaction      string   `json:"reaction"`
		Concerns      []string `json:"concerns,omitempty"`
		InVoiceQuote  string   `json:"in_voice_quote,omitempty"`
	} `json:"feedback"`
}

// RaterFeedbackResponse 评审人打分反馈结果
type RaterFeedbackResponse struct {
	RaterName    string `json:"rater_name,omitempty"`
	OverallScore int    `json:"overall_score"`

	Scores []struct {
		Dimension string `json:"dimension"`
		Score     int    `json:"score"`
		Comment   string `json:"comment,omitempty"`
	} `json:"scores,omitempty"`

	Strengths  []string `json:"strengths,omitempty"`
	Weaknesses []string `json:"weaknesses,omitempty"`
	Summary    string   `json:"summary"`
}

// EditorReviewResponse 编辑审校结果
type EditorReviewResponse struct {
	OverallAssessment string `json:"overall_assessment"`

	Suggestions []struct {
		Excerpt    string `json:"excerpt,omitempty"`
		Suggestion string `json:"suggestion"`
		Reason     string `json:"reason,omitempty"`
	} `json:"suggestions"`
}
