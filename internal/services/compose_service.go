// internal/services/compose_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Corphon/ChapterForgeMCP/internal/errors"
	"github.com/Corphon/ChapterForgeMCP/internal/models"
	"github.com/Corphon/ChapterForgeMCP/internal/utils"
)

// minimumDraftWords 进入润色阶段的草稿字数门槛
const minimumDraftWords = 500

// defaultTargetWordCount 未设定目标字数时的默认值
const defaultTargetWordCount = 3000

// subscriberBuffer 订阅通道缓冲区大小，满了直接丢弃更新
const subscriberBuffer = 10

// ComposeService 章节三阶段创作的状态机：
// 大纲(plot_outline) → 正文(chapter_detail) → 润色(final_edit)。
// 聚合状态只通过本服务的方法变更；每次变更都在故事锁内完成
// 加载-校验-变更-落盘，然后把快照推送给订阅者。
type ComposeService struct {
	Story *StoryService
	Locks *LockManager

	subMutex    sync.RWMutex
	subscribers map[string]map[chan models.ComposeUpdate]struct{}
	closed      bool
}

// NewComposeService 创建章节创作服务
func NewComposeService(story *StoryService, locks *LockManager) *ComposeService {
	return &ComposeService{
		Story:       story,
		Locks:       locks,
		subscribers: make(map[string]map[chan models.ComposeUpdate]struct{}),
	}
}

// ----------------------------------------------------------------
// 状态生命周期
// ----------------------------------------------------------------

// InitializeCompose 为指定章节建立全新的创作状态并持久化。
// 三个阶段一次性建全：第一个阶段 active，其余 paused。
// 已存在的状态会被覆盖，是否允许覆盖由调用方把关。
func (s *ComposeService) InitializeCompose(ctx context.Context, storyID string, chapterNumber int) (*models.ChapterComposeState, error) {
	if strings.TrimSpace(storyID) == "" {
		return nil, apperrors.NewValidationError("故事ID不能为空", nil)
	}
	if chapterNumber < 1 {
		return nil, apperrors.NewValidationError("章节编号必须从1开始", nil)
	}

	var state *models.ChapterComposeState
	err := s.Locks.ExecuteWithStoryLock(storyID, func() error {
		story, err := s.Story.LoadStoryContent(storyID)
		if err != nil {
			return err
		}

		now := time.Now()
		state = &models.ChapterComposeState{
			StoryID:       storyID,
			ChapterNumber: chapterNumber,
			CurrentPhase:  models.PhasePlotOutline,
			Phases: models.ComposePhases{
				PlotOutline: models.PlotOutlinePhase{
					Status:       models.PhaseStatusActive,
					OutlineItems: []models.OutlineItem{},
					Progress:     models.PhaseProgress{LastActivity: now},
				},
				ChapterDetail: models.ChapterDetailPhase{
					Status: models.PhaseStatusPaused,
					Draft: models.ChapterDraft{
						Status:   models.DraftStatusDrafting,
						Versions: []models.DraftVersion{},
					},
				},
				FinalEdit: models.FinalEditPhase{
					Status:      models.PhaseStatusPaused,
					ReviewItems: []models.ReviewItem{},
				},
			},
			SharedContext: models.SharedContext{TargetWordCount: defaultTargetWordCount},
			Navigation: models.ComposeNavigation{
				PhaseHistory: []models.ComposePhase{models.PhasePlotOutline},
			},
			Metadata: models.ComposeMetadata{
				CreatedAt:     now,
				UpdatedAt:     now,
				SchemaVersion: models.ComposeSchemaVersion,
			},
		}
		recomputeProgress(state)
		updateNavigation(state)

		story.ChapterCompose = state
		return s.Story.SaveStoryContent(story)
	})
	if err != nil {
		return nil, err
	}

	s.publish(storyID, "compose_initialized", state)
	return state, nil
}

// GetCompose 返回当前创作状态
func (s *ComposeService) GetCompose(ctx context.Context, storyID string) (*models.ChapterComposeState, error) {
	story, err := s.Story.LoadStoryContent(storyID)
	if err != nil {
		return nil, err
	}
	if story.ChapterCompose == nil {
		return nil, apperrors.NewNotFoundError("章节创作尚未初始化", nil)
	}
	state := story.ChapterCompose
	normalizeComposeState(state)
	return state, nil
}

// SetSharedContext 更新跨阶段共享的创作参数
func (s *ComposeService) SetSharedContext(ctx context.Context, storyID string, shared models.SharedContext) (*models.ChapterComposeState, error) {
	if shared.TargetWordCount < 0 {
		return nil, apperrors.NewValidationError("目标字数不能为负", nil)
	}
	return s.mutateCompose(storyID, "shared_context_updated", func(state *models.ChapterComposeState) error {
		if shared.TargetWordCount == 0 {
			shared.TargetWordCount = state.SharedContext.TargetWordCount
		}
		state.SharedContext = shared
		return nil
	})
}

// SetPhaseThread 把会话线程挂到阶段子状态上
func (s *ComposeService) SetPhaseThread(ctx context.Context, storyID string, phase models.ComposePhase, threadID string) (*models.ChapterComposeState, error) {
	if !models.IsValidPhase(phase) {
		return nil, apperrors.NewValidationError(fmt.Sprintf("未知的创作阶段: %s", phase), nil)
	}
	return s.mutateCompose(storyID, "thread_attached", func(state *models.ChapterComposeState) error {
		switch phase {
		case models.PhasePlotOutline:
			state.Phases.PlotOutline.ThreadID = threadID
		case models.PhaseChapterDetail:
			state.Phases.ChapterDetail.ThreadID = threadID
		case models.PhaseFinalEdit:
			state.Phases.FinalEdit.ThreadID = threadID
		}
		return nil
	})
}

// UpdateBranchNavigation 同步当前阶段线程的分支导航信息
func (s *ComposeService) UpdateBranchNavigation(ctx context.Context, storyID, currentBranchID string, available []string) (*models.ChapterComposeState, error) {
	return s.mutateCompose(storyID, "branch_navigation_updated", func(state *models.ChapterComposeState) error {
		nav := &state.Navigation
		if currentBranchID != "" && currentBranchID != nav.CurrentBranchID {
			nav.BranchHistory = append(nav.BranchHistory, currentBranchID)
		}
		nav.CurrentBranchID = currentBranchID
		nav.AvailableBranches = append([]string(nil), available...)
		return nil
	})
}

// ----------------------------------------------------------------
// 阶段切换
// ----------------------------------------------------------------

// CanAdvance 当前阶段是否满足前进条件。纯函数，不触盘。
func (s *ComposeService) CanAdvance(state *models.ChapterComposeState) bool {
	if state == nil {
		return false
	}
	next := models.NextPhase(state.CurrentPhase)
	if next == "" {
		return false
	}
	return len(validatePhaseTransition(state, next)) == 0
}

// CanRevert 是否可以退回上一阶段：存在上一阶段且历史栈深度大于1
func (s *ComposeService) CanRevert(state *models.ChapterComposeState) bool {
	if state == nil {
		return false
	}
	return models.PreviousPhase(state.CurrentPhase) != "" && len(state.Navigation.PhaseHistory) > 1
}

// AdvanceToNext 推进到下一阶段。
// 校验失败返回失败结果且状态分毫不动；已在最后阶段属于调用方缺陷，
// 返回Go错误。成功时当前阶段标记完成、目标阶段激活、历史入栈。
func (s *ComposeService) AdvanceToNext(ctx context.Context, storyID string) (*models.TransitionResult, error) {
	var result *models.TransitionResult
	var published *models.ChapterComposeState

	err := s.Locks.ExecuteWithStoryLock(storyID, func() error {
		story, err := s.Story.LoadStoryContent(storyID)
		if err != nil {
			return err
		}
		if story.ChapterCompose == nil {
			return apperrors.NewNotFoundError("章节创作尚未初始化", nil)
		}
		state := story.ChapterCompose
		normalizeComposeState(state)

		from := state.CurrentPhase
		next := models.NextPhase(from)
		if next == "" {
			return apperrors.NewConflictError(fmt.Sprintf("阶段 %s 之后没有下一阶段", from), nil)
		}

		problems := validatePhaseTransition(state, next)
		if len(problems) > 0 {
			utils.GetAPIMetrics().RecordPhaseTransition(string(from), string(next), false)
			result = &models.TransitionResult{
				Success:          false,
				FromPhase:        from,
				ToPhase:          next,
				ValidationErrors: problems,
			}
			return nil
		}

		now := time.Now()
		setPhaseStatus(state, from, models.PhaseStatusCompleted)
		setPhaseStatus(state, next, models.PhaseStatusActive)
		state.CurrentPhase = next
		state.Navigation.PhaseHistory = append(state.Navigation.PhaseHistory, next)
		touchPhase(state, next, now)
		recomputeProgress(state)
		updateNavigation(state)
		state.Metadata.UpdatedAt = now

		if err := s.Story.SaveStoryContent(story); err != nil {
			return err
		}
		utils.GetAPIMetrics().RecordPhaseTransition(string(from), string(next), true)

		result = &models.TransitionResult{Success: true, FromPhase: from, ToPhase: next}
		published = state
		return nil
	})
	if err != nil {
		return nil, err
	}

	if published != nil {
		s.publish(storyID, "phase_advanced", published)
	}
	return result, nil
}

// RevertToPrevious 退回上一阶段。退回不重新校验目标阶段的前进条件；
// 目标阶段从 completed 重置为 active，被放弃的阶段回到 paused，
// 历史栈弹出。第一阶段无处可退，返回Go错误。
func (s *ComposeService) RevertToPrevious(ctx context.Context, storyID string) (*models.TransitionResult, error) {
	var result *models.TransitionResult
	var published *models.ChapterComposeState

	err := s.Locks.ExecuteWithStoryLock(storyID, func() error {
		story, err := s.Story.LoadStoryContent(storyID)
		if err != nil {
			return err
		}
		if story.ChapterCompose == nil {
			return apperrors.NewNotFoundError("章节创作尚未初始化", nil)
		}
		state := story.ChapterCompose
		normalizeComposeState(state)

		from := state.CurrentPhase
		prev := models.PreviousPhase(from)
		if prev == "" || len(state.Navigation.PhaseHistory) <= 1 {
			return apperrors.NewConflictError(fmt.Sprintf("阶段 %s 之前没有上一阶段", from), nil)
		}

		now := time.Now()
		setPhaseStatus(state, from, models.PhaseStatusPaused)
		setPhaseStatus(state, prev, models.PhaseStatusActive)
		state.CurrentPhase = prev
		history := state.Navigation.PhaseHistory
		state.Navigation.PhaseHistory = history[:len(history)-1]
		touchPhase(state, prev, now)
		recomputeProgress(state)
		updateNavigation(state)
		state.Metadata.UpdatedAt = now

		if err := s.Story.SaveStoryContent(story); err != nil {
			return err
		}
		utils.GetAPIMetrics().RecordPhaseTransition(string(from), string(prev), true)

		result = &models.TransitionResult{Success: true, FromPhase: from, ToPhase: prev}
		published = state
		return nil
	})
	if err != nil {
		return nil, err
	}

	if published != nil {
		s.publish(storyID, "phase_reverted", published)
	}
	return result, nil
}

// UpdatePhaseProgress 把补丁并入阶段进度记录。
// 只合并非零字段；内容类操作随后的重算会覆盖数值，
// 这里主要用于生成过程中的临时进度标注。
func (s *ComposeService) UpdatePhaseProgress(ctx context.Context, storyID string, phase models.ComposePhase, patch models.PhaseProgress) (*models.ChapterComposeState, error) {
	if !models.IsValidPhase(phase) {
		return nil, apperrors.NewValidationError(fmt.Sprintf("未知的创作阶段: %s", phase), nil)
	}
	return s.mutateComposeRaw(storyID, "progress_updated", func(state *models.ChapterComposeState) error {
		progress := phaseProgress(state, phase)
		if patch.TotalItems > 0 {
			progress.TotalItems = patch.TotalItems
		}
		if patch.CompletedItems > 0 {
			progress.CompletedItems = patch.CompletedItems
		}
		if patch.Percent > 0 {
			if patch.Percent > 100 {
				patch.Percent = 100
			}
			progress.Percent = patch.Percent
		}
		if patch.Note != "" {
			progress.Note = patch.Note
		}
		progress.LastActivity = time.Now()
		return nil
	})
}

// ----------------------------------------------------------------
// 大纲阶段内容操作
// ----------------------------------------------------------------

// AddOutlineItem 追加一个大纲条目
func (s *ComposeService) AddOutlineItem(ctx context.Context, storyID, title, description string, createdBy models.ContentOrigin) (*models.OutlineItem, error) {
	if strings.TrimSpace(title) == "" {
		return nil, apperrors.NewValidationError("大纲条目标题不能为空", nil)
	}
	if createdBy == "" {
		createdBy = models.OriginUser
	}

	var created *models.OutlineItem
	_, err := s.mutateCompose(storyID, "outline_item_added", func(state *models.ChapterComposeState) error {
		now := time.Now()
		item := models.OutlineItem{
			ID:          "outline_" + uuid.NewString(),
			Title:       title,
			Description: description,
			Order:       len(state.Phases.PlotOutline.OutlineItems) + 1,
			Status:      models.OutlineItemDraft,
			CreatedBy:   createdBy,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		state.Phases.PlotOutline.OutlineItems = append(state.Phases.PlotOutline.OutlineItems, item)
		touchPhase(state, models.PhasePlotOutline, now)
		created = &item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateOutlineItem 修改大纲条目。空字段保持原值。
func (s *ComposeService) UpdateOutlineItem(ctx context.Context, storyID, itemID, title, description string, status models.OutlineItemStatus) (*models.OutlineItem, error) {
	if status != "" {
		switch status {
		case models.OutlineItemDraft, models.OutlineItemReviewed, models.OutlineItemApproved:
		default:
			return nil, apperrors.NewValidationError(fmt.Sprintf("未知的大纲条目状态: %s", status), nil)
		}
	}

	var updated *models.OutlineItem
	_, err := s.mutateCompose(storyID, "outline_item_updated", func(state *models.ChapterComposeState) error {
		items := state.Phases.PlotOutline.OutlineItems
		for i := range items {
			if items[i].ID != itemID {
				continue
			}
			if title != "" {
				items[i].Title = title
			}
			if description != "" {
				items[i].Description = description
			}
			if status != "" {
				items[i].Status = status
			}
			now := time.Now()
			items[i].UpdatedAt = now
			touchPhase(state, models.PhasePlotOutline, now)
			updated = &items[i]
			return nil
		}
		return apperrors.NewNotFoundError(fmt.Sprintf("大纲条目不存在: %s", itemID), nil)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RemoveOutlineItem 删除大纲条目并重排剩余条目的序号
func (s *ComposeService) RemoveOutlineItem(ctx context.Context, storyID, itemID string) (*models.ChapterComposeState, error) {
	return s.mutateCompose(storyID, "outline_item_removed", func(state *models.ChapterComposeState) error {
		items := state.Phases.PlotOutline.OutlineItems
		index := -1
		for i := range items {
			if items[i].ID == itemID {
				index = i
				break
			}
		}
		if index < 0 {
			return apperrors.NewNotFoundError(fmt.Sprintf("大纲条目不存在: %s", itemID), nil)
		}

		items = append(items[:index], items[index+1:]...)
		for i := range items {
			items[i].Order = i + 1
		}
		state.Phases.PlotOutline.OutlineItems = items
		touchPhase(state, models.PhasePlotOutline, time.Now())
		return nil
	})
}

// SetDraftSummary 设置大纲阶段的章节梗概
func (s *ComposeService) SetDraftSummary(ctx context.Context, storyID, summary string) (*models.ChapterComposeState, error) {
	return s.mutateCompose(storyID, "draft_summary_set", func(state *models.ChapterComposeState) error {
		state.Phases.PlotOutline.DraftSummary = summary
		touchPhase(state, models.PhasePlotOutline, time.Now())
		return nil
	})
}

// ----------------------------------------------------------------
// 正文阶段内容操作
// ----------------------------------------------------------------

// UpdateDraftContent 更新章节草稿正文，字数随内容重算
func (s *ComposeService) UpdateDraftContent(ctx context.Context, storyID, content string, source models.ContentOrigin) (*models.ChapterComposeState, error) {
	if source == "" {
		source = models.OriginUser
	}
	return s.mutateCompose(storyID, "draft_updated", func(state *models.ChapterComposeState) error {
		now := time.Now()
		draft := &state.Phases.ChapterDetail.Draft
		draft.Content = content
		draft.WordCount = utils.CountWords(content)
		draft.UpdatedAt = now
		if draft.Status == "" {
			draft.Status = models.DraftStatusDrafting
		}
		touchPhase(state, models.PhaseChapterDetail, now)
		return nil
	})
}

// SaveDraftVersion 把当前草稿内容存为一个历史版本并设为活动版本
func (s *ComposeService) SaveDraftVersion(ctx context.Context, storyID, note string, source models.ContentOrigin) (*models.DraftVersion, error) {
	if source == "" {
		source = models.OriginUser
	}

	var created *models.DraftVersion
	_, err := s.mutateCompose(storyID, "draft_version_saved", func(state *models.ChapterComposeState) error {
		draft := &state.Phases.ChapterDetail.Draft
		if strings.TrimSpace(draft.Content) == "" {
			return apperrors.NewValidationError("草稿内容为空，无法保存版本", nil)
		}

		now := time.Now()
		version := models.DraftVersion{
			ID:        "version_" + uuid.NewString(),
			Content:   draft.Content,
			WordCount: draft.WordCount,
			Source:    source,
			Note:      note,
			CreatedAt: now,
		}
		draft.Versions = append(draft.Versions, version)
		draft.ActiveVersionID = version.ID
		touchPhase(state, models.PhaseChapterDetail, now)
		created = &version
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// DeleteDraftVersion 删除一个草稿版本。
// 仅剩一个版本时拒绝删除；删除活动版本后活动指针移到最新版本。
func (s *ComposeService) DeleteDraftVersion(ctx context.Context, storyID, versionID string) (*models.ChapterComposeState, error) {
	return s.mutateCompose(storyID, "draft_version_deleted", func(state *models.ChapterComposeState) error {
		draft := &state.Phases.ChapterDetail.Draft
		index := -1
		for i := range draft.Versions {
			if draft.Versions[i].ID == versionID {
				index = i
				break
			}
		}
		if index < 0 {
			return apperrors.NewNotFoundError(fmt.Sprintf("草稿版本不存在: %s", versionID), nil)
		}
		if len(draft.Versions) == 1 {
			return apperrors.NewConflictError("cannot delete the only remaining version", nil)
		}

		draft.Versions = append(draft.Versions[:index], draft.Versions[index+1:]...)
		if draft.ActiveVersionID == versionID {
			draft.ActiveVersionID = draft.Versions[len(draft.Versions)-1].ID
		}
		touchPhase(state, models.PhaseChapterDetail, time.Now())
		return nil
	})
}

// RestoreDraftVersion 把历史版本的内容恢复为当前草稿
func (s *ComposeService) RestoreDraftVersion(ctx context.Context, storyID, versionID string) (*models.ChapterComposeState, error) {
	return s.mutateCompose(storyID, "draft_version_restored", func(state *models.ChapterComposeState) error {
		draft := &state.Phases.ChapterDetail.Draft
		for i := range draft.Versions {
			if draft.Versions[i].ID != versionID {
				continue
			}
			now := time.Now()
			draft.Content = draft.Versions[i].Content
			draft.WordCount = draft.Versions[i].WordCount
			draft.ActiveVersionID = versionID
			draft.UpdatedAt = now
			touchPhase(state, models.PhaseChapterDetail, now)
			return nil
		}
		return apperrors.NewNotFoundError(fmt.Sprintf("草稿版本不存在: %s", versionID), nil)
	})
}

// ----------------------------------------------------------------
// 润色阶段内容操作
// ----------------------------------------------------------------

// SetFinalContent 设置润色阶段的定稿文本
func (s *ComposeService) SetFinalContent(ctx context.Context, storyID, content string, source models.ContentOrigin) (*models.ChapterComposeState, error) {
	if source == "" {
		source = models.OriginUser
	}
	return s.mutateCompose(storyID, "final_content_set", func(state *models.ChapterComposeState) error {
		state.Phases.FinalEdit.FinalContent = content
		touchPhase(state, models.PhaseFinalEdit, time.Now())
		return nil
	})
}

// AddReviewItem 追加一条润色建议
func (s *ComposeService) AddReviewItem(ctx context.Context, storyID, excerpt, suggestion, reason string, source models.ContentOrigin) (*models.ReviewItem, error) {
	if strings.TrimSpace(suggestion) == "" {
		return nil, apperrors.NewValidationError("润色建议内容不能为空", nil)
	}
	if source == "" {
		source = models.OriginAI
	}

	var created *models.ReviewItem
	_, err := s.mutateCompose(storyID, "review_item_added", func(state *models.ChapterComposeState) error {
		now := time.Now()
		item := models.ReviewItem{
			ID:         "review_" + uuid.NewString(),
			Excerpt:    excerpt,
			Suggestion: suggestion,
			Reason:     reason,
			Order:      len(state.Phases.FinalEdit.ReviewItems) + 1,
			Status:     models.ReviewItemPending,
			Source:     source,
			CreatedAt:  now,
		}
		state.Phases.FinalEdit.ReviewItems = append(state.Phases.FinalEdit.ReviewItems, item)
		touchPhase(state, models.PhaseFinalEdit, now)
		created = &item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ResolveReviewItem 处理一条润色建议：接受、拒绝或改写。
// 改写时必须给出改写后的文本。
func (s *ComposeService) ResolveReviewItem(ctx context.Context, storyID, itemID string, resolution models.ReviewItemStatus, modifiedText string) (*models.ReviewItem, error) {
	switch resolution {
	case models.ReviewItemAccepted, models.ReviewItemRejected:
	case models.ReviewItemModified:
		if strings.TrimSpace(modifiedText) == "" {
			return nil, apperrors.NewValidationError("改写处理必须提供改写后的文本", nil)
		}
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("未知的处理方式: %s", resolution), nil)
	}

	var resolved *models.ReviewItem
	_, err := s.mutateCompose(storyID, "review_item_resolved", func(state *models.ChapterComposeState) error {
		items := state.Phases.FinalEdit.ReviewItems
		for i := range items {
			if items[i].ID != itemID {
				continue
			}
			now := time.Now()
			items[i].Status = resolution
			items[i].ModifiedText = modifiedText
			items[i].ResolvedAt = now
			touchPhase(state, models.PhaseFinalEdit, now)
			resolved = &items[i]
			return nil
		}
		return apperrors.NewNotFoundError(fmt.Sprintf("润色建议不存在: %s", itemID), nil)
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// ----------------------------------------------------------------
// 生成结果并入
// ----------------------------------------------------------------

// GeneratedOutlineItem 生成网关产出的大纲条目
type GeneratedOutlineItem struct {
	Title       string
	Description string
}

// GeneratedReviewSuggestion 生成网关产出的审校建议
type GeneratedReviewSuggestion struct {
	Excerpt    string
	Suggestion string
	Reason     string
}

// ApplyGeneratedOutline 把生成的大纲条目与梗概一次性并入大纲阶段。
// 条目追加在现有条目之后，空标题的条目丢弃；梗概非空时覆盖。
func (s *ComposeService) ApplyGeneratedOutline(ctx context.Context, storyID string, items []GeneratedOutlineItem, summary string) (*models.ChapterComposeState, error) {
	return s.mutateCompose(storyID, "outline_generated", func(state *models.ChapterComposeState) error {
		now := time.Now()
		outline := &state.Phases.PlotOutline
		for _, gen := range items {
			if strings.TrimSpace(gen.Title) == "" {
				continue
			}
			outline.OutlineItems = append(outline.OutlineItems, models.OutlineItem{
				ID:          "outline_" + uuid.NewString(),
				Title:       gen.Title,
				Description: gen.Description,
				Order:       len(outline.OutlineItems) + 1,
				Status:      models.OutlineItemDraft,
				CreatedBy:   models.OriginAI,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		}
		if strings.TrimSpace(summary) != "" {
			outline.DraftSummary = summary
		}
		touchPhase(state, models.PhasePlotOutline, now)
		return nil
	})
}

// ApplyGeneratedDraft 把生成的正文写入草稿并立即存为新版本
func (s *ComposeService) ApplyGeneratedDraft(ctx context.Context, storyID, content, note string) (*models.ChapterComposeState, error) {
	if strings.TrimSpace(content) == "" {
		return nil, apperrors.NewValidationError("生成的正文为空，无法写入草稿", nil)
	}
	return s.mutateCompose(storyID, "draft_generated", func(state *models.ChapterComposeState) error {
		now := time.Now()
		draft := &state.Phases.ChapterDetail.Draft
		draft.Content = content
		draft.WordCount = utils.CountWords(content)
		draft.UpdatedAt = now
		if draft.Status == "" {
			draft.Status = models.DraftStatusDrafting
		}

		version := models.DraftVersion{
			ID:        "version_" + uuid.NewString(),
			Content:   draft.Content,
			WordCount: draft.WordCount,
			Source:    models.OriginAI,
			Note:      note,
			CreatedAt: now,
		}
		draft.Versions = append(draft.Versions, version)
		draft.ActiveVersionID = version.ID
		touchPhase(state, models.PhaseChapterDetail, now)
		return nil
	})
}

// ApplyEditorReview 把编辑审校结果并入润色阶段：
// 总评非空时覆盖，建议追加为待处理状态
func (s *ComposeService) ApplyEditorReview(ctx context.Context, storyID, assessment string, suggestions []GeneratedReviewSuggestion) (*models.ChapterComposeState, error) {
	return s.mutateCompose(storyID, "editor_review_applied", func(state *models.ChapterComposeState) error {
		now := time.Now()
		final := &state.Phases.FinalEdit
		if strings.TrimSpace(assessment) != "" {
			final.OverallAssessment = assessment
		}
		for _, gen := range suggestions {
			if strings.TrimSpace(gen.Suggestion) == "" {
				continue
			}
			final.ReviewItems = append(final.ReviewItems, models.ReviewItem{
				ID:         "review_" + uuid.NewString(),
				Excerpt:    gen.Excerpt,
				Suggestion: gen.Suggestion,
				Reason:     gen.Reason,
				Order:      len(final.ReviewItems) + 1,
				Status:     models.ReviewItemPending,
				Source:     models.OriginAI,
				CreatedAt:  now,
			})
		}
		touchPhase(state, models.PhaseFinalEdit, now)
		return nil
	})
}

// ----------------------------------------------------------------
// 订阅
// ----------------------------------------------------------------

// Subscribe 订阅一个故事的创作状态更新。
// 返回的取消函数必须在不再消费时调用，否则通道不会被关闭；
// 取消函数可以安全地重复调用。
func (s *ComposeService) Subscribe(storyID string) (<-chan models.ComposeUpdate, func()) {
	ch := make(chan models.ComposeUpdate, subscriberBuffer)

	s.subMutex.Lock()
	if s.closed {
		// 服务已关闭，返回已关闭的通道让消费方立即退出
		s.subMutex.Unlock()
		close(ch)
		return ch, func() {}
	}
	if s.subscribers[storyID] == nil {
		s.subscribers[storyID] = make(map[chan models.ComposeUpdate]struct{})
	}
	s.subscribers[storyID][ch] = struct{}{}
	s.subMutex.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.subMutex.Lock()
			defer s.subMutex.Unlock()
			if set, ok := s.subscribers[storyID]; ok {
				if _, subscribed := set[ch]; subscribed {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(s.subscribers, storyID)
				}
			}
		})
	}
	return ch, unsubscribe
}

// publish 把状态快照推给故事的所有订阅者。
// 非阻塞发送：慢消费者丢更新，绝不卡住状态机。
func (s *ComposeService) publish(storyID, event string, state *models.ChapterComposeState) {
	update := models.ComposeUpdate{
		StoryID:   storyID,
		Event:     event,
		State:     state,
		Timestamp: time.Now(),
	}

	s.subMutex.RLock()
	defer s.subMutex.RUnlock()
	for ch := range s.subscribers[storyID] {
		select {
		case ch <- update:
		default:
		}
	}
}

// Close 关闭所有订阅通道，服务不再可用
func (s *ComposeService) Close() {
	s.subMutex.Lock()
	defer s.subMutex.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for storyID, set := range s.subscribers {
		for ch := range set {
			close(ch)
		}
		delete(s.subscribers, storyID)
	}
}

// ----------------------------------------------------------------
// 内部工具
// ----------------------------------------------------------------

// mutateCompose 内容变更的统一骨架：锁内加载-变更-重算-落盘，
// 锁外推送。变更回调返回错误时状态不落盘。
func (s *ComposeService) mutateCompose(storyID, event string, fn func(state *models.ChapterComposeState) error) (*models.ChapterComposeState, error) {
	var result *models.ChapterComposeState
	err := s.Locks.ExecuteWithStoryLock(storyID, func() error {
		story, err := s.Story.LoadStoryContent(storyID)
		if err != nil {
			return err
		}
		if story.ChapterCompose == nil {
			return apperrors.NewNotFoundError("章节创作尚未初始化", nil)
		}
		state := story.ChapterCompose
		normalizeComposeState(state)

		if err := fn(state); err != nil {
			return err
		}

		recomputeProgress(state)
		updateNavigation(state)
		state.Metadata.UpdatedAt = time.Now()

		if err := s.Story.SaveStoryContent(story); err != nil {
			return err
		}
		result = state
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(storyID, event, result)
	return result, nil
}

// mutateComposeRaw 同 mutateCompose，但跳过进度重算，
// 供 UpdatePhaseProgress 这类直接写进度的操作使用
func (s *ComposeService) mutateComposeRaw(storyID, event string, fn func(state *models.ChapterComposeState) error) (*models.ChapterComposeState, error) {
	var result *models.ChapterComposeState
	err := s.Locks.ExecuteWithStoryLock(storyID, func() error {
		story, err := s.Story.LoadStoryContent(storyID)
		if err != nil {
			return err
		}
		if story.ChapterCompose == nil {
			return apperrors.NewNotFoundError("章节创作尚未初始化", nil)
		}
		state := story.ChapterCompose
		normalizeComposeState(state)

		if err := fn(state); err != nil {
			return err
		}

		updateNavigation(state)
		state.Metadata.UpdatedAt = time.Now()

		if err := s.Story.SaveStoryContent(story); err != nil {
			return err
		}
		result = state
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(storyID, event, result)
	return result, nil
}

// validatePhaseTransition 校验一次阶段切换。
// 所有未满足项独立上报，不短路。纯函数。
func validatePhaseTransition(state *models.ChapterComposeState, target models.ComposePhase) []string {
	var problems []string

	switch {
	case state.CurrentPhase == models.PhasePlotOutline && target == models.PhaseChapterDetail:
		if len(state.Phases.PlotOutline.OutlineItems) == 0 {
			problems = append(problems, "plot outline needs at least one item")
		}
		if strings.TrimSpace(state.Phases.PlotOutline.DraftSummary) == "" {
			problems = append(problems, "draft summary is empty")
		}
	case state.CurrentPhase == models.PhaseChapterDetail && target == models.PhaseFinalEdit:
		draft := state.Phases.ChapterDetail.Draft
		if strings.TrimSpace(draft.Content) == "" {
			problems = append(problems, "chapter draft is empty")
		}
		words := draft.WordCount
		if words == 0 && draft.Content != "" {
			words = utils.CountWords(draft.Content)
		}
		if words < minimumDraftWords {
			problems = append(problems, fmt.Sprintf("chapter draft has %d words, needs at least 500 words", words))
		}
	default:
		if models.NextPhase(state.CurrentPhase) != target {
			problems = append(problems, fmt.Sprintf("cannot transition from %s to %s", state.CurrentPhase, target))
		}
	}
	return problems
}

// setPhaseStatus 设置指定阶段的生命周期状态
func setPhaseStatus(state *models.ChapterComposeState, phase models.ComposePhase, status models.PhaseStatus) {
	switch phase {
	case models.PhasePlotOutline:
		state.Phases.PlotOutline.Status = status
	case models.PhaseChapterDetail:
		state.Phases.ChapterDetail.Status = status
	case models.PhaseFinalEdit:
		state.Phases.FinalEdit.Status = status
	}
}

// phaseProgress 返回指定阶段的进度记录指针
func phaseProgress(state *models.ChapterComposeState, phase models.ComposePhase) *models.PhaseProgress {
	switch phase {
	case models.PhaseChapterDetail:
		return &state.Phases.ChapterDetail.Progress
	case models.PhaseFinalEdit:
		return &state.Phases.FinalEdit.Progress
	default:
		return &state.Phases.PlotOutline.Progress
	}
}

// touchPhase 更新阶段的最近活动时间
func touchPhase(state *models.ChapterComposeState, phase models.ComposePhase, at time.Time) {
	phaseProgress(state, phase).LastActivity = at
}

// recomputeProgress 由内容重新推导全部进度计数。纯函数，
// 连续调用两次结果相同：
//   - 大纲阶段：已批准条目占80分，梗概就位占20分
//   - 正文阶段：字数对目标的比例（封顶100），条目数记版本数
//   - 润色阶段：已处理建议 / 全部建议
func recomputeProgress(state *models.ChapterComposeState) {
	outline := &state.Phases.PlotOutline
	totalItems := len(outline.OutlineItems)
	approved := 0
	for i := range outline.OutlineItems {
		if outline.OutlineItems[i].Status == models.OutlineItemApproved {
			approved++
		}
	}
	percent := 0
	if totalItems > 0 {
		percent = approved * 80 / totalItems
	}
	if strings.TrimSpace(outline.DraftSummary) != "" {
		percent += 20
	}
	outline.Progress.TotalItems = totalItems
	outline.Progress.CompletedItems = approved
	outline.Progress.Percent = percent

	detail := &state.Phases.ChapterDetail
	target := state.SharedContext.TargetWordCount
	if target <= 0 {
		target = defaultTargetWordCount
	}
	ratio := detail.Draft.WordCount * 100 / target
	if ratio > 100 {
		ratio = 100
	}
	versions := len(detail.Draft.Versions)
	detail.Progress.TotalItems = versions
	detail.Progress.CompletedItems = versions
	detail.Progress.Percent = ratio

	final := &state.Phases.FinalEdit
	totalReviews := len(final.ReviewItems)
	resolvedReviews := 0
	for i := range final.ReviewItems {
		if final.ReviewItems[i].Status != models.ReviewItemPending {
			resolvedReviews++
		}
	}
	finalPercent := 0
	if totalReviews > 0 {
		finalPercent = resolvedReviews * 100 / totalReviews
	}
	final.Progress.TotalItems = totalReviews
	final.Progress.CompletedItems = resolvedReviews
	final.Progress.Percent = finalPercent

	currentStep := 1
	switch state.CurrentPhase {
	case models.PhaseChapterDetail:
		currentStep = 2
	case models.PhaseFinalEdit:
		currentStep = 3
	}
	state.OverallProgress = models.OverallProgress{
		PlotOutline:   outline.Progress.Percent,
		ChapterDetail: detail.Progress.Percent,
		FinalEdit:     final.Progress.Percent,
		CurrentStep:   currentStep,
		TotalSteps:    3,
	}
}

// updateNavigation 重算前进/后退可用标志
func updateNavigation(state *models.ChapterComposeState) {
	nav := &state.Navigation
	nav.CanGoBack = models.PreviousPhase(state.CurrentPhase) != "" && len(nav.PhaseHistory) > 1
	next := models.NextPhase(state.CurrentPhase)
	nav.CanGoForward = next != "" && len(validatePhaseTransition(state, next)) == 0
}

// normalizeComposeState 反序列化后的一次性整形：
// 补齐缺失的集合字段，修复历史栈与当前阶段的不一致。
// 持久化形状问题只在这个边界处理一次。
func normalizeComposeState(state *models.ChapterComposeState) {
	if state.Phases.PlotOutline.OutlineItems == nil {
		state.Phases.PlotOutline.OutlineItems = []models.OutlineItem{}
	}
	if state.Phases.ChapterDetail.Draft.Versions == nil {
		state.Phases.ChapterDetail.Draft.Versions = []models.DraftVersion{}
	}
	if state.Phases.FinalEdit.ReviewItems == nil {
		state.Phases.FinalEdit.ReviewItems = []models.ReviewItem{}
	}
	if !models.IsValidPhase(state.CurrentPhase) {
		state.CurrentPhase = models.PhasePlotOutline
	}
	if len(state.Navigation.PhaseHistory) == 0 {
		state.Navigation.PhaseHistory = []models.ComposePhase{state.CurrentPhase}
	}
	// 历史栈顶必须等于当前阶段
	last := state.Navigation.PhaseHistory[len(state.Navigation.PhaseHistory)-1]
	if last != state.CurrentPhase {
		utils.GetLogger().Warn("创作状态历史栈与当前阶段不一致，以历史栈为准", map[string]interface{}{
			"story_id":      state.StoryID,
			"current_phase": state.CurrentPhase,
			"history_top":   last,
		})
		state.CurrentPhase = last
	}
	if state.Metadata.SchemaVersion == 0 {
		state.Metadata.SchemaVersion = models.ComposeSchemaVersion
	}
}
