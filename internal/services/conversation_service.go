// internal/services/conversation_service.go
package services

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Corphon/ChapterForgeMCP/internal/errors"
	"github.com/Corphon/ChapterForgeMCP/internal/models"
	"github.com/Corphon/ChapterForgeMCP/internal/storage"
	"github.com/Corphon/ChapterForgeMCP/internal/utils"
)

var (
	ErrThreadNotFound = errors.New("conversation thread not found")
	ErrBranchNotFound = errors.New("conversation branch not found")
)

// excerptMessageLimit 摘录端点默认返回的消息条数
const excerptMessageLimit = 20

// excerptContentRunes 摘录中单条消息内容的字符上限
const excerptContentRunes = 200

// ConversationService 管理按阶段划分的会话线程。
// 线程是只追加的消息日志加命名分支集合；所有变更在故事锁内
// 执行并立即落盘，没有内存态。
type ConversationService struct {
	FileStorage *storage.FileStorage
	Locks       *LockManager
}

// NewConversationService 创建会话服务
func NewConversationService(fileStorage *storage.FileStorage, locks *LockManager) *ConversationService {
	return &ConversationService{
		FileStorage: fileStorage,
		Locks:       locks,
	}
}

// conversationsDir 返回线程文件所在目录（相对存储根）
func conversationsDir(storyID string) string {
	return filepath.Join(storyID, "conversations")
}

// CreateThread 为指定阶段创建新线程，主分支随线程一起建立
func (s *ConversationService) CreateThread(storyID string, phase models.ComposePhase) (*models.ConversationThread, error) {
	if strings.TrimSpace(storyID) == "" {
		return nil, apperrors.NewValidationError("故事ID不能为空", nil)
	}
	if phase != "" && !models.IsValidPhase(phase) {
		return nil, apperrors.NewValidationError(fmt.Sprintf("未知的创作阶段: %s", phase), nil)
	}

	now := time.Now()
	thread := &models.ConversationThread{
		ID:      "thread_" + uuid.NewString(),
		StoryID: storyID,
		Phase:   phase,
		Branches: map[string]models.ConversationBranch{
			models.MainBranchID: {
				ID:         models.MainBranchID,
				Name:       "main",
				MessageIDs: []string{},
				CreatedAt:  now,
				UpdatedAt:  now,
			},
		},
		CurrentBranchID: models.MainBranchID,
		Messages:        []models.ChatMessage{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var err error
	lockErr := s.Locks.ExecuteWithStoryLock(storyID, func() error {
		err = s.saveThread(thread)
		return err
	})
	if lockErr != nil {
		return nil, lockErr
	}
	return thread, nil
}

// GetThread 加载线程。反序列化边界在这里做一次性整形，
// 其余读取点不再防御损坏数据。
func (s *ConversationService) GetThread(storyID, threadID string) (*models.ConversationThread, error) {
	var thread models.ConversationThread
	err := s.FileStorage.LoadJSONFile(conversationsDir(storyID), threadID+".json", &thread)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
		}
		return nil, apperrors.NewStorageError("读取会话线程失败", err)
	}
	normalizeThread(&thread)
	return &thread, nil
}

// ListThreads 列出故事的全部线程，按创建时间排序
func (s *ConversationService) ListThreads(storyID string) ([]*models.ConversationThread, error) {
	files, err := s.FileStorage.ListFiles(conversationsDir(storyID), ".json")
	if err != nil {
		return nil, apperrors.NewStorageError("列出会话线程失败", err)
	}

	threads := make([]*models.ConversationThread, 0, len(files))
	for _, name := range files {
		threadID := strings.TrimSuffix(name, ".json")
		thread, err := s.GetThread(storyID, threadID)
		if err != nil {
			utils.GetLogger().Warn("跳过无法读取的会话线程", map[string]interface{}{
				"story_id":  storyID,
				"thread_id": threadID,
				"err":       err.Error(),
			})
			continue
		}
		threads = append(threads, thread)
	}
	sort.Slice(threads, func(i, j int) bool {
		return threads[i].CreatedAt.Before(threads[j].CreatedAt)
	})
	return threads, nil
}

// DeleteThread 删除线程文件
func (s *ConversationService) DeleteThread(storyID, threadID string) error {
	return s.Locks.ExecuteWithStoryLock(storyID, func() error {
		if !s.FileStorage.FileExists(conversationsDir(storyID), threadID+".json") {
			return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
		}
		if err := s.FileStorage.DeleteFile(conversationsDir(storyID), threadID+".json"); err != nil {
			return apperrors.NewStorageError("删除会话线程失败", err)
		}
		return nil
	})
}

// AddMessage 向当前分支追加一条消息并落盘
func (s *ConversationService) AddMessage(storyID, threadID string, role models.MessageRole, content string, metadata map[string]interface{}) (*models.ChatMessage, error) {
	switch role {
	case models.MessageRoleUser, models.MessageRoleAssistant, models.MessageRoleSystem:
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("未知的消息角色: %s", role), nil)
	}
	if strings.TrimSpace(content) == "" {
		return nil, apperrors.NewValidationError("消息内容不能为空", nil)
	}

	var message *models.ChatMessage
	err := s.Locks.ExecuteWithStoryLock(storyID, func() error {
		thread, err := s.GetThread(storyID, threadID)
		if err != nil {
			return err
		}

		now := time.Now()
		message = &models.ChatMessage{
			ID:        "msg_" + uuid.NewString(),
			ThreadID:  thread.ID,
			BranchID:  thread.CurrentBranchID,
			Role:      role,
			Content:   content,
			Phase:     thread.Phase,
			CreatedAt: now,
			Metadata:  metadata,
		}
		thread.Messages = append(thread.Messages, *message)

		branch := thread.Branches[thread.CurrentBranchID]
		branch.MessageIDs = append(branch.MessageIDs, message.ID)
		branch.UpdatedAt = now
		thread.Branches[thread.CurrentBranchID] = branch

		return s.saveThread(thread)
	})
	if err != nil {
		return nil, err
	}
	return message, nil
}

// CreateBranch 从指定消息处分叉出新分支并切换过去。
// 新分支只记录之后产生的消息，分叉点之前的记录通过祖先链继承。
func (s *ConversationService) CreateBranch(storyID, threadID, name, fromMessageID string) (*models.ConversationBranch, error) {
	var created *models.ConversationBranch
	err := s.Locks.ExecuteWithStoryLock(storyID, func() error {
		thread, err := s.GetThread(storyID, threadID)
		if err != nil {
			return err
		}

		forkMessage := thread.MessageByID(fromMessageID)
		if forkMessage == nil {
			return apperrors.NewNotFoundError(fmt.Sprintf("分叉点消息不存在: %s", fromMessageID), nil)
		}

		if strings.TrimSpace(name) == "" {
			name = fmt.Sprintf("branch-%d", len(thread.Branches))
		}

		now := time.Now()
		branch := models.ConversationBranch{
			ID:              "branch_" + uuid.NewString(),
			Name:            name,
			ParentMessageID: fromMessageID,
			MessageIDs:      []string{},
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		thread.Branches[branch.ID] = branch
		thread.CurrentBranchID = branch.ID

		created = &branch
		return s.saveThread(thread)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// SwitchBranch 切换当前分支
func (s *ConversationService) SwitchBranch(storyID, threadID, branchID string) error {
	return s.Locks.ExecuteWithStoryLock(storyID, func() error {
		thread, err := s.GetThread(storyID, threadID)
		if err != nil {
			return err
		}
		if _, ok := thread.Branches[branchID]; !ok {
			return fmt.Errorf("%w: %s", ErrBranchNotFound, branchID)
		}
		if thread.CurrentBranchID == branchID {
			return nil
		}
		thread.CurrentBranchID = branchID
		return s.saveThread(thread)
	})
}

// DeleteBranch 删除分支。分支上的消息并回主分支，绝不静默丢失；
// 主分支本身不可删除。删除当前分支时当前指针回到主分支。
func (s *ConversationService) DeleteBranch(storyID, threadID, branchID string) error {
	if branchID == models.MainBranchID {
		return apperrors.NewValidationError("主分支不能删除", nil)
	}
	return s.Locks.ExecuteWithStoryLock(storyID, func() error {
		thread, err := s.GetThread(storyID, threadID)
		if err != nil {
			return err
		}
		branch, ok := thread.Branches[branchID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrBranchNotFound, branchID)
		}

		now := time.Now()
		if len(branch.MessageIDs) > 0 {
			main := thread.Branches[models.MainBranchID]
			main.MessageIDs = append(main.MessageIDs, branch.MessageIDs...)
			main.UpdatedAt = now
			thread.Branches[models.MainBranchID] = main

			for i := range thread.Messages {
				if thread.Messages[i].BranchID == branchID {
					thread.Messages[i].BranchID = models.MainBranchID
				}
			}
		}

		delete(thread.Branches, branchID)
		if thread.CurrentBranchID == branchID {
			thread.CurrentBranchID = models.MainBranchID
		}
		return s.saveThread(thread)
	})
}

// BranchMessages 返回指定分支的完整对话记录
func (s *ConversationService) BranchMessages(storyID, threadID, branchID string) ([]models.ChatMessage, error) {
	thread, err := s.GetThread(storyID, threadID)
	if err != nil {
		return nil, err
	}
	if _, ok := thread.Branches[branchID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrBranchNotFound, branchID)
	}
	return thread.BranchMessages(branchID), nil
}

// ThreadExcerpt 返回当前分支的消息摘录：最近若干条，
// 内容截断到固定长度，用于提示词拼装和前端预览。
func (s *ConversationService) ThreadExcerpt(storyID, threadID string, maxMessages int) (*models.ConversationPayload, error) {
	thread, err := s.GetThread(storyID, threadID)
	if err != nil {
		return nil, err
	}
	if maxMessages <= 0 {
		maxMessages = excerptMessageLimit
	}

	messages := thread.BranchMessages(thread.CurrentBranchID)
	total := len(messages)
	if total > maxMessages {
		messages = messages[total-maxMessages:]
	}

	payload := &models.ConversationPayload{
		Messages:   make([]models.MessagePayload, 0, len(messages)),
		TotalCount: total,
	}
	for _, msg := range messages {
		payload.Messages = append(payload.Messages, models.MessagePayload{
			Role:    string(msg.Role),
			Content: utils.Excerpt(msg.Content, excerptContentRunes),
		})
	}
	return payload, nil
}

// saveThread 落盘线程，调用方必须已持有故事锁
func (s *ConversationService) saveThread(thread *models.ConversationThread) error {
	thread.UpdatedAt = time.Now()
	if err := s.FileStorage.SaveJSONFile(conversationsDir(thread.StoryID), thread.ID+".json", thread); err != nil {
		return apperrors.NewStorageError("保存会话线程失败", err)
	}
	return nil
}

// normalizeThread 反序列化后的一次性整形：补齐缺失的分支表、
// 主分支和当前分支指针。持久化形状问题只在这里处理一次。
func normalizeThread(thread *models.ConversationThread) {
	if thread.Branches == nil {
		thread.Branches = make(map[string]models.ConversationBranch)
	}
	if _, ok := thread.Branches[models.MainBranchID]; !ok {
		ids := make([]string, 0, len(thread.Messages))
		for i := range thread.Messages {
			if thread.Messages[i].BranchID == "" || thread.Messages[i].BranchID == models.MainBranchID {
				thread.Messages[i].BranchID = models.MainBranchID
				ids = append(ids, thread.Messages[i].ID)
			}
		}
		thread.Branches[models.MainBranchID] = models.ConversationBranch{
			ID:         models.MainBranchID,
			Name:       "main",
			MessageIDs: ids,
			CreatedAt:  thread.CreatedAt,
			UpdatedAt:  time.Now(),
		}
	}
	if _, ok := thread.Branches[thread.CurrentBranchID]; !ok || thread.CurrentBranchID == "" {
		thread.CurrentBranchID = models.MainBranchID
	}
}
