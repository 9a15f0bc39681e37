// internal/models/compose.go
package models

import (
	"time"
)

// ComposeSchemaVersion 当前章节创作状态的结构版本号
const ComposeSchemaVersion = 2

// ComposePhase 章节创作阶段
type ComposePhase string

const (
	PhasePlotOutline   ComposePhase = "plot_outline"   // 情节大纲
	PhaseChapterDetail ComposePhase = "chapter_detail" // 章节正文
	PhaseFinalEdit     ComposePhase = "final_edit"     // 最终润色
)

// phaseOrder 阶段的固定顺序，不允许跳跃前进
var phaseOrder = []ComposePhase{PhasePlotOutline, PhaseChapterDetail, PhaseFinalEdit}

// NextPhase 返回下一个阶段，最后一个阶段返回空串
func NextPhase(p ComposePhase) ComposePhase {
	for i, phase := range phaseOrder {
		if phase == p && i+1 < len(phaseOrder) {
			return phaseOrder[i+1]
		}
	}
	return ""
}

// PreviousPhase 返回上一个阶段，第一个阶段返回空串
func PreviousPhase(p ComposePhase) ComposePhase {
	for i, phase := range phaseOrder {
		if phase == p && i > 0 {
			return phaseOrder[i-1]
		}
	}
	return ""
}

// IsValidPhase 检查阶段标识是否合法
func IsValidPhase(p ComposePhase) bool {
	for _, phase := range phaseOrder {
		if phase == p {
			return true
		}
	}
	return false
}

// PhaseStatus 阶段生命周期状态
type PhaseStatus string

const (
	PhaseStatusPaused    PhaseStatus = "paused"    // 尚未到达
	PhaseStatusActive    PhaseStatus = "active"    // 进行中
	PhaseStatusCompleted PhaseStatus = "completed" // 已完成
)

// OutlineItemStatus 大纲条目状态
type OutlineItemStatus string

const (
	OutlineItemDraft    OutlineItemStatus = "draft"
	OutlineItemReviewed OutlineItemStatus = "reviewed"
	OutlineItemApproved OutlineItemStatus = "approved"
)

// DraftStatus 章节草稿状态
type DraftStatus string

const (
	DraftStatusDrafting  DraftStatus = "drafting"
	DraftStatusReviewing DraftStatus = "reviewing"
	DraftStatusCompleted DraftStatus = "completed"
)

// ReviewItemStatus 审校建议状态
type ReviewItemStatus string

const (
	ReviewItemPending  ReviewItemStatus = "pending"
	ReviewItemAccepted ReviewItemStatus = "accepted"
	ReviewItemRejected ReviewItemStatus = "rejected"
	ReviewItemModified ReviewItemStatus = "modified"
)

// ContentOrigin 内容来源
type ContentOrigin string

const (
	OriginUser ContentOrigin = "user"
	OriginAI   ContentOrigin = "ai"
)

// ChapterComposeState 单个章节三阶段创作的聚合状态。
// CurrentPhase 是"用户在哪里"的唯一事实来源，
// 必须始终等于 Navigation.PhaseHistory 的最后一个元素。
type ChapterComposeState struct {
	StoryID         string            `json:"story_id"`
	ChapterNumber   int               `json:"chapter_number"`
	CurrentPhase    ComposePhase      `json:"current_phase"`
	Phases          ComposePhases     `json:"phases"`
	SharedContext   SharedContext     `json:"shared_context"`
	Navigation      ComposeNavigation `json:"navigation"`
	OverallProgress OverallProgress   `json:"overall_progress"`
	Metadata        ComposeMetadata   `json:"metadata"`
}

// ComposePhases 三个阶段子状态的固定记录
type ComposePhases struct {
	PlotOutline   PlotOutlinePhase   `json:"plot_outline"`
	ChapterDetail ChapterDetailPhase `json:"chapter_detail"`
	FinalEdit     FinalEditPhase     `json:"final_edit"`
}

// SharedContext 跨阶段共享的创作参数，所有阶段只读
type SharedContext struct {
	TargetWordCount int    `json:"target_word_count"`
	Genre           string `json:"genre,omitempty"`
	Tone            string `json:"tone,omitempty"`
	PointOfView     string `json:"point_of_view,omitempty"`
}

// ComposeNavigation 阶段历史栈与分支导航子状态
type ComposeNavigation struct {
	PhaseHistory      []ComposePhase `json:"phase_history"`
	CurrentBranchID   string         `json:"current_branch_id,omitempty"`
	AvailableBranches []string       `json:"available_branches,omitempty"`
	BranchHistory     []string       `json:"branch_history,omitempty"`
	CanGoForward      bool           `json:"can_go_forward"`
	CanGoBack         bool           `json:"can_go_back"`
}

// OverallProgress 各阶段完成百分比与总步数
type OverallProgress struct {
	PlotOutline   int `json:"plot_outline"`
	ChapterDetail int `json:"chapter_detail"`
	FinalEdit     int `json:"final_edit"`
	CurrentStep   int `json:"current_step"`
	TotalSteps    int `json:"total_steps"`
}

// ComposeMetadata 创建/修改时间与结构版本
type ComposeMetadata struct {
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	SchemaVersion int       `json:"schema_version"`
}

// PhaseProgress 阶段内部进度计数。
// 每次内容变更后由内容重新推导，不单独累加。
type PhaseProgress struct {
	TotalItems     int       `json:"total_items"`
	CompletedItems int       `json:"completed_items"`
	Percent        int       `json:"percent"`
	LastActivity   time.Time `json:"last_activity,omitempty"`
	Note           string    `json:"note,omitempty"`
}

// PlotOutlinePhase 大纲阶段子状态
type PlotOutlinePhase struct {
	Status       PhaseStatus   `json:"status"`
	ThreadID     string        `json:"thread_id,omitempty"`
	OutlineItems []OutlineItem `json:"outline_items"`
	DraftSummary string        `json:"draft_summary"`
	Progress     PhaseProgress `json:"progress"`
}

// OutlineItem 大纲中的一个结构单元（场景或情节点）
type OutlineItem struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Order       int               `json:"order"`
	Status      OutlineItemStatus `json:"status"`
	CreatedBy   ContentOrigin     `json:"created_by"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ChapterDetailPhase 正文阶段子状态
type ChapterDetailPhase struct {
	Status   PhaseStatus   `json:"status"`
	ThreadID string        `json:"thread_id,omitempty"`
	Draft    ChapterDraft  `json:"draft"`
	Progress PhaseProgress `json:"progress"`
}

// ChapterDraft 章节草稿及其版本集合
type ChapterDraft struct {
	Content         string         `json:"content"`
	WordCount       int            `json:"word_count"`
	Status          DraftStatus    `json:"status"`
	Versions        []DraftVersion `json:"versions"`
	ActiveVersionID string         `json:"active_version_id,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at,omitempty"`
}

// DraftVersion 草稿的一个历史版本
type DraftVersion struct {
	ID        string        `json:"id"`
	Content   string        `json:"content"`
	WordCount int           `json:"word_count"`
	Source    ContentOrigin `json:"source"`
	Note      string        `json:"note,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// FinalEditPhase 润色阶段子状态
type FinalEditPhase struct {
	Status            PhaseStatus   `json:"status"`
	ThreadID          string        `json:"thread_id,omitempty"`
	FinalContent      string        `json:"final_content"`
	ReviewItems       []ReviewItem  `json:"review_items"`
	OverallAssessment string        `json:"overall_assessment,omitempty"`
	Progress          PhaseProgress `json:"progress"`
}

// ReviewItem 润色阶段的一条修改建议
type ReviewItem struct {
	ID           string           `json:"id"`
	Excerpt      string           `json:"excerpt,omitempty"`
	Suggestion   string           `json:"suggestion"`
	Reason       string           `json:"reason,omitempty"`
	Order        int              `json:"order"`
	Status       ReviewItemStatus `json:"status"`
	ModifiedText string           `json:"modified_text,omitempty"`
	Source       ContentOrigin    `json:"source"`
	CreatedAt    time.Time        `json:"created_at"`
	ResolvedAt   time.Time        `json:"resolved_at,omitempty"`
}

// TransitionResult 阶段切换的结果。
// 校验失败不是 error：Success=false 且 ValidationErrors 列出全部未满足项。
type TransitionResult struct {
	Success          bool         `json:"success"`
	FromPhase        ComposePhase `json:"from_phase"`
	ToPhase          ComposePhase `json:"to_phase,omitempty"`
	ValidationErrors []string     `json:"validation_errors,omitempty"`
}

// ComposeUpdate 推送给订阅者的状态快照
type ComposeUpdate struct {
	StoryID   string               `json:"story_id"`
	Event     string               `json:"event"`
	State     *ChapterComposeState `json:"state"`
	Timestamp time.Time            `json:"timestamp"`
}
