// internal/services/story_service.go
package services

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Corphon/ChapterForgeMCP/internal/config"
	apperrors "github.com/Corphon/ChapterForgeMCP/internal/errors"
	"github.com/Corphon/ChapterForgeMCP/internal/models"
	"github.com/Corphon/ChapterForgeMCP/internal/storage"
	"github.com/Corphon/ChapterForgeMCP/internal/utils"
)

// ErrStoryNotFound 故事不存在
var ErrStoryNotFound = errors.New("story not found")

// storyFileName 故事聚合的存储文件名，每个故事一个目录
const storyFileName = "story.json"

// StoryService 故事聚合的持久化与增删改查。
// 磁盘布局：<数据根>/<storyID>/story.json，会话线程在同目录的
// conversations/ 下。聚合的读-改-写序列由故事锁隔离。
type StoryService struct {
	FileStorage *storage.FileStorage
	Locks       *LockManager
	Context     *ContextService
}

// NewStoryService 创建故事服务
func NewStoryService(fileStorage *storage.FileStorage, locks *LockManager, contextService *ContextService) *StoryService {
	return &StoryService{
		FileStorage: fileStorage,
		Locks:       locks,
		Context:     contextService,
	}
}

// ----------------------------------------------------------------
// 基础读写
// ----------------------------------------------------------------

// LoadStoryContent 读取故事聚合
func (s *StoryService) LoadStoryContent(storyID string) (*models.Story, error) {
	if strings.TrimSpace(storyID) == "" {
		return nil, apperrors.NewValidationError("故事ID不能为空", nil)
	}

	var story models.Story
	err := s.FileStorage.LoadJSONFile(storyID, storyFileName, &story)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrStoryNotFound, storyID)
		}
		return nil, apperrors.NewStorageError("读取故事失败", err)
	}

	normalizeStory(&story)
	return &story, nil
}

// SaveStoryContent 写回故事聚合并使其上下文缓存失效。
// 写盘本身由文件锁保证原子；读-改-写序列的隔离由调用方的故事锁负责，
// 本方法自己不加锁，否则持锁调用会死锁。
func (s *StoryService) SaveStoryContent(story *models.Story) error {
	if story == nil || strings.TrimSpace(story.ID) == "" {
		return apperrors.NewValidationError("故事数据不完整，无法保存", nil)
	}

	story.UpdatedAt = time.Now()
	if err := s.FileStorage.SaveJSONFile(story.ID, storyFileName, story); err != nil {
		return apperrors.NewStorageError("保存故事失败", err)
	}

	if s.Context != nil {
		s.Context.ClearStoryCache(story.ID)
	}
	return nil
}

// CreateStory 创建新故事
func (s *StoryService) CreateStory(title string, storyConfig models.StoryConfig) (*models.Story, error) {
	if strings.TrimSpace(title) == "" {
		return nil, apperrors.NewValidationError("故事标题不能为空", nil)
	}

	now := time.Now()
	story := &models.Story{
		ID:         "story_" + uuid.NewString(),
		Title:      title,
		Config:     storyConfig,
		Characters: make(map[string]models.Character),
		Raters:     make(map[string]models.Rater),
		Chapters:   []models.Chapter{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := s.Locks.ExecuteWithStoryLock(story.ID, func() error {
		return s.SaveStoryContent(story)
	})
	if err != nil {
		return nil, err
	}

	utils.GetLogger().Info("创建故事", map[string]interface{}{
		"story_id": story.ID,
		"title":    story.Title,
	})
	return story, nil
}

// UpdateStory 更新标题与配置。空标题保持原值，config为nil时不动配置。
func (s *StoryService) UpdateStory(storyID, title string, storyConfig *models.StoryConfig) (*models.Story, error) {
	var updated *models.Story
	err := s.Locks.ExecuteWithStoryLock(storyID, func() error {
		story, err := s.LoadStoryContent(storyID)
		if err != nil {
			return err
		}

		if strings.TrimSpace(title) != "" {
			story.Title = title
		}
		if storyConfig != nil {
			mergeStoryConfig(&story.Config, storyConfig)
		}

		if err := s.SaveStoryContent(story); err != nil {
			return err
		}
		updated = story
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteStory 删除故事及其全部附属文件
func (s *StoryService) DeleteStory(storyID string) error {
	if strings.TrimSpace(storyID) == "" {
		return apperrors.NewValidationError("故事ID不能为空", nil)
	}

	return s.Locks.ExecuteWithStoryLock(storyID, func() error {
		if !s.FileStorage.FileExists(storyID, storyFileName) {
			return fmt.Errorf("%w: %s", ErrStoryNotFound, storyID)
		}
		if err := s.FileStorage.DeleteDir(storyID); err != nil {
			return apperrors.NewStorageError("删除故事失败", err)
		}
		if s.Context != nil {
			s.Context.ClearStoryCache(storyID)
		}

		utils.GetLogger().Info("删除故事", map[string]interface{}{"story_id": storyID})
		return nil
	})
}

// ListStories 扫描存储目录派生故事索引，按更新时间倒序。
// 索引不单独落盘，story.json 是唯一事实来源。
func (s *StoryService) ListStories() ([]models.StoryIndexEntry, error) {
	dirs, err := s.FileStorage.ListDirs("")
	if err != nil {
		return nil, apperrors.NewStorageError("扫描故事目录失败", err)
	}

	entries := make([]models.StoryIndexEntry, 0, len(dirs))
	for _, dir := range dirs {
		// 数据根下可能有导出目录等非故事目录
		if !s.FileStorage.FileExists(dir, storyFileName) {
			continue
		}

		var story models.Story
		if err := s.FileStorage.LoadJSONFile(dir, storyFileName, &story); err != nil {
			utils.GetLogger().Warn("跳过无法读取的故事", map[string]interface{}{
				"dir":   dir,
				"error": err.Error(),
			})
			continue
		}

		entry := models.StoryIndexEntry{
			ID:           story.ID,
			Title:        story.Title,
			UpdatedAt:    story.UpdatedAt,
			ChapterCount: len(story.Chapters),
		}
		for _, ch := range story.Chapters {
			entry.WordCount += ch.WordCount
		}
		if story.ChapterCompose != nil {
			entry.CurrentPhase = story.ChapterCompose.CurrentPhase
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
	})
	return entries, nil
}

// ----------------------------------------------------------------
// 反馈集合
// ----------------------------------------------------------------

// AppendFeedback 追加反馈条目，缺失的ID与时间戳补齐
func (s *StoryService) AppendFeedback(storyID string, items []models.FeedbackItem) error {
	if len(items) == 0 {
		return nil
	}

	return s.Locks.ExecuteWithStoryLock(storyID, func() error {
		story, err := s.LoadStoryContent(storyID)
		if err != nil {
			return err
		}

		now := time.Now()
		for _, item := range items {
			if item.ID == "" {
				item.ID = "feedback_" + uuid.NewString()
			}
			if item.CreatedAt.IsZero() {
				item.CreatedAt = now
			}
			story.Feedback = append(story.Feedback, item)
		}
		return s.SaveStoryContent(story)
	})
}

// ClearFeedback 清空当前章节的反馈集合
func (s *StoryService) ClearFeedback(storyID string) error {
	return s.Locks.ExecuteWithStoryLock(storyID, func() error {
		story, err := s.LoadStoryContent(storyID)
		if err != nil {
			return err
		}
		story.Feedback = nil
		return s.SaveStoryContent(story)
	})
}

// ----------------------------------------------------------------
// 角色与评审人花名册
// ----------------------------------------------------------------

// AddCharacter 添加角色
func (s *StoryService) AddCharacter(storyID string, character models.Character) (*models.Character, error) {
	if strings.TrimSpace(character.Name) == "" {
		return nil, apperrors.NewValidationError("角色名不能为空", nil)
	}

	var created *models.Character
	err := s.Locks.ExecuteWithStoryLock(storyID, func() error {
		story, err := s.LoadStoryContent(storyID)
		if err != nil {
			return err
		}

		now := time.Now()
		character.ID = "char_" + uuid.NewString()
		character.CreatedAt = now
		character.UpdatedAt = now
		story.Characters[character.ID] = character

		if err := s.SaveStoryContent(story); err != nil {
			return err
		}
		created = &character
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateCharacter 更新角色，空字段保持原值
func (s *StoryService) UpdateCharacter(storyID, characterID string, patch models.Character) (*models.Character, error) {
	var updated *models.Character
	err := s.Locks.ExecuteWithStoryLock(storyID, func() error {
		story, err := s.LoadStoryContent(storyID)
		if err != nil {
			return err
		}

		character, ok := story.Characters[characterID]
		if !ok {
			return apperrors.NewNotFoundError(fmt.Sprintf("角色不存在: %s", characterID), nil)
		}

		if patch.Name != "" {
			character.Name = patch.Name
		}
		if patch.Description != "" {
			character.Description = patch.Description
		}
		if patch.Background != "" {
			character.Background = patch.Background
		}
		if patch.VoiceNotes != "" {
			character.VoiceNotes = patch.VoiceNotes
		}
		if patch.Traits != nil {
			character.Traits = patch.Traits
		}
		if patch.Relations != nil {
			character.Relations = patch.Relations
		}
		character.UpdatedAt = time.Now()
		story.Characters[characterID] = character

		if err := s.SaveStoryContent(story); err != nil {
			return err
		}
		updated = &character
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteCharacter 删除角色
func (s *StoryService) DeleteCharacter(storyID, characterID string) error {
	return s.Locks.ExecuteWithStoryLock(storyID, func() error {
		story, err := s.LoadStoryContent(storyID)
		if err != nil {
			return err
		}
		if _, ok := story.Characters[characterID]; !ok {
			return apperrors.NewNotFoundError(fmt.Sprintf("角色不存在: %s", characterID), nil)
		}
		delete(story.Characters, characterID)
		return s.SaveStoryContent(story)
	})
}

// AddRater 添加评审人
func (s *StoryService) AddRater(storyID string, rater models.Rater) (*models.Rater, error) {
	if strings.TrimSpace(rater.Name) == "" {
		return nil, apperrors.NewValidationError("评审人名不能为空", nil)
	}
	if rater.Strictness < 0 || rater.Strictness > 10 {
		return nil, apperrors.NewValidationError("严格度必须在0到10之间", nil)
	}

	var created *models.Rater
	err := s.Locks.ExecuteWithStoryLock(storyID, func() error {
		story, err := s.LoadStoryContent(storyID)
		if err != nil {
			return err
		}

		rater.ID = "rater_" + uuid.NewString()
		story.Raters[rater.ID] = rater

		if err := s.SaveStoryContent(story); err != nil {
			return err
		}
		created = &rater
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// DeleteRater 删除评审人
func (s *StoryService) DeleteRater(storyID, raterID string) error {
	return s.Locks.ExecuteWithStoryLock(storyID, func() error {
		story, err := s.LoadStoryContent(storyID)
		if err != nil {
			return err
		}
		if _, ok := story.Raters[raterID]; !ok {
			return apperrors.NewNotFoundError(fmt.Sprintf("评审人不存在: %s", raterID), nil)
		}
		delete(story.Raters, raterID)
		return s.SaveStoryContent(story)
	})
}

// ----------------------------------------------------------------
// 章节定稿
// ----------------------------------------------------------------

// FinalizeChapter 把润色阶段的定稿文本收进章节列表，
// 清掉本轮创作状态与反馈，为下一章腾位。
// 只有处于润色阶段的章节才能定稿。
func (s *StoryService) FinalizeChapter(storyID, title string) (*models.Chapter, error) {
	var finalized *models.Chapter
	err := s.Locks.ExecuteWithStoryLock(storyID, func() error {
		story, err := s.LoadStoryContent(storyID)
		if err != nil {
			return err
		}
		compose := story.ChapterCompose
		if compose == nil {
			return apperrors.NewNotFoundError("章节创作尚未初始化", nil)
		}
		if compose.CurrentPhase != models.PhaseFinalEdit {
			return apperrors.NewValidationError("只有处于润色阶段的章节才能定稿", nil)
		}

		content := compose.Phases.FinalEdit.FinalContent
		if strings.TrimSpace(content) == "" {
			content = compose.Phases.ChapterDetail.Draft.Content
		}
		if strings.TrimSpace(content) == "" {
			return apperrors.NewValidationError("没有可定稿的章节内容", nil)
		}

		for _, ch := range story.Chapters {
			if ch.Number == compose.ChapterNumber {
				return apperrors.NewConflictError(fmt.Sprintf("第%d章已定稿", compose.ChapterNumber), nil)
			}
		}

		if strings.TrimSpace(title) == "" {
			title = fmt.Sprintf("第%d章", compose.ChapterNumber)
		}
		chapter := models.Chapter{
			Number:    compose.ChapterNumber,
			Title:     title,
			Content:   content,
			WordCount: utils.CountWords(content),
			Summary:   compose.Phases.PlotOutline.DraftSummary,
			CreatedAt: time.Now(),
		}
		story.Chapters = append(story.Chapters, chapter)
		sort.Slice(story.Chapters, func(i, j int) bool {
			return story.Chapters[i].Number < story.Chapters[j].Number
		})

		// 本轮创作结束，状态与反馈一并清掉
		story.ChapterCompose = nil
		story.Feedback = nil

		if err := s.SaveStoryContent(story); err != nil {
			return err
		}
		finalized = &chapter
		return nil
	})
	if err != nil {
		return nil, err
	}

	utils.GetLogger().Info("章节定稿", map[string]interface{}{
		"story_id": storyID,
		"chapter":  finalized.Number,
		"words":    finalized.WordCount,
	})
	return finalized, nil
}

// ----------------------------------------------------------------
// 全量导出 / 导入 / 配额
// ----------------------------------------------------------------

// ExportAll 打包全部故事与会话线程为单一JSON存档。
// 生成设置只带提供商与模型名，密钥不出库。
func (s *StoryService) ExportAll() (*models.StoryArchive, error) {
	dirs, err := s.FileStorage.ListDirs("")
	if err != nil {
		return nil, apperrors.NewStorageError("扫描故事目录失败", err)
	}

	archive := &models.StoryArchive{
		Version:    models.ArchiveVersion,
		ExportedAt: time.Now(),
		Stories:    []models.Story{},
	}

	for _, dir := range dirs {
		if !s.FileStorage.FileExists(dir, storyFileName) {
			continue
		}

		var story models.Story
		if err := s.FileStorage.LoadJSONFile(dir, storyFileName, &story); err != nil {
			utils.GetLogger().Warn("导出时跳过无法读取的故事", map[string]interface{}{
				"dir":   dir,
				"error": err.Error(),
			})
			continue
		}
		normalizeStory(&story)
		archive.Stories = append(archive.Stories, story)

		threadFiles, err := s.FileStorage.ListFiles(conversationsDir(story.ID), ".json")
		if err != nil {
			continue
		}
		for _, file := range threadFiles {
			var thread models.ConversationThread
			if err := s.FileStorage.LoadJSONFile(conversationsDir(story.ID), file, &thread); err != nil {
				utils.GetLogger().Warn("导出时跳过无法读取的会话线程", map[string]interface{}{
					"story_id": story.ID,
					"file":     file,
					"error":    err.Error(),
				})
				continue
			}
			archive.Threads = append(archive.Threads, thread)
		}
	}

	cfg := config.GetCurrentConfig()
	archive.Settings = map[string]string{
		"llm_provider":  cfg.LLMProvider,
		"default_model": cfg.LLMConfig["default_model"],
	}

	sort.Slice(archive.Stories, func(i, j int) bool {
		return archive.Stories[i].ID < archive.Stories[j].ID
	})
	return archive, nil
}

// ImportArchive 导入存档。overwrite=false时已存在的故事跳过，
// 否则整体覆盖。存档里的生成设置只作参考，不会应用。
func (s *StoryService) ImportArchive(archive *models.StoryArchive, overwrite bool) (*models.ImportResult, error) {
	if archive == nil {
		return nil, apperrors.NewValidationError("存档为空", nil)
	}
	if archive.Version > models.ArchiveVersion {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("存档版本 %d 高于当前支持的 %d", archive.Version, models.ArchiveVersion), nil)
	}

	result := &models.ImportResult{}
	imported := make(map[string]bool)

	for i := range archive.Stories {
		story := archive.Stories[i]
		if strings.TrimSpace(story.ID) == "" || strings.TrimSpace(story.Title) == "" {
			result.Warnings = append(result.Warnings, "跳过缺少ID或标题的故事")
			continue
		}

		err := s.Locks.ExecuteWithStoryLock(story.ID, func() error {
			exists := s.FileStorage.FileExists(story.ID, storyFileName)
			if exists && !overwrite {
				result.Skipped++
				result.Warnings = append(result.Warnings, fmt.Sprintf("故事 %s 已存在，未覆盖", story.ID))
				return nil
			}

			normalizeStory(&story)
			if err := s.SaveStoryContent(&story); err != nil {
				return err
			}

			imported[story.ID] = true
			if exists {
				result.Overwrote++
			} else {
				result.Imported++
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	for i := range archive.Threads {
		thread := archive.Threads[i]
		if thread.ID == "" || thread.StoryID == "" {
			result.Warnings = append(result.Warnings, "跳过缺少ID的会话线程")
			continue
		}
		if !imported[thread.StoryID] && !s.FileStorage.FileExists(thread.StoryID, storyFileName) {
			result.Warnings = append(result.Warnings, fmt.Sprintf("线程 %s 找不到所属故事，已跳过", thread.ID))
			continue
		}

		err := s.Locks.ExecuteWithStoryLock(thread.StoryID, func() error {
			if s.FileStorage.FileExists(conversationsDir(thread.StoryID), thread.ID+".json") && !overwrite {
				result.Skipped++
				return nil
			}
			if err := s.FileStorage.SaveJSONFile(conversationsDir(thread.StoryID), thread.ID+".json", &thread); err != nil {
				return apperrors.NewStorageError("导入会话线程失败", err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	utils.GetLogger().Info("导入存档完成", map[string]interface{}{
		"imported":  result.Imported,
		"overwrote": result.Overwrote,
		"skipped":   result.Skipped,
	})
	return result, nil
}

// GetQuota 统计存储占用并对照配置的软上限
func (s *StoryService) GetQuota() (*models.StorageQuota, error) {
	used, err := s.FileStorage.DirSize("")
	if err != nil {
		return nil, apperrors.NewStorageError("统计存储占用失败", err)
	}

	limit := int64(config.GetCurrentConfig().StorageLimitMB) * 1024 * 1024
	quota := &models.StorageQuota{UsedBytes: used}
	if limit > 0 {
		quota.AvailableBytes = limit - used
		if quota.AvailableBytes < 0 {
			quota.AvailableBytes = 0
		}
		quota.Percent = float64(used) / float64(limit) * 100
	}

	dirs, err := s.FileStorage.ListDirs("")
	if err == nil {
		for _, dir := range dirs {
			if s.FileStorage.FileExists(dir, storyFileName) {
				quota.StoryCount++
			}
		}
	}
	return quota, nil
}

// ----------------------------------------------------------------
// 内部工具
// ----------------------------------------------------------------

// normalizeStory 反序列化后的一次性整形，补齐缺失的集合字段
func normalizeStory(story *models.Story) {
	if story.Characters == nil {
		story.Characters = make(map[string]models.Character)
	}
	if story.Raters == nil {
		story.Raters = make(map[string]models.Rater)
	}
	if story.Chapters == nil {
		story.Chapters = []models.Chapter{}
	}
}

// mergeStoryConfig 非空字段覆盖，空字段保持原值
func mergeStoryConfig(dst *models.StoryConfig, src *models.StoryConfig) {
	if src.SystemPrompts.Assistant != "" {
		dst.SystemPrompts.Assistant = src.SystemPrompts.Assistant
	}
	if src.SystemPrompts.Outline != "" {
		dst.SystemPrompts.Outline = src.SystemPrompts.Outline
	}
	if src.SystemPrompts.Feedback != "" {
		dst.SystemPrompts.Feedback = src.SystemPrompts.Feedback
	}
	if src.SystemPrompts.Editor != "" {
		dst.SystemPrompts.Editor = src.SystemPrompts.Editor
	}
	if src.Worldbuilding != "" {
		dst.Worldbuilding = src.Worldbuilding
	}
	if src.Summary != "" {
		dst.Summary = src.Summary
	}
	if src.Language != "" {
		dst.Language = src.Language
	}
}
