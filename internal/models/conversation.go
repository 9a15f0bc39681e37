// internal/models/conversation.go
package models

import (
	"time"
)

// MainBranchID 主分支的固定标识
const MainBranchID = "main"

// MessageRole 消息角色
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// ChatMessage 会话中的一条消息。
// 每条消息恰好属于一个分支。
type ChatMessage struct {
	ID        string                 `json:"id"`
	ThreadID  string                 `json:"thread_id"`
	BranchID  string                 `json:"branch_id"`
	Role      MessageRole            `json:"role"`
	Content   string                 `json:"content"`
	Phase     ComposePhase           `json:"phase,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ConversationBranch 会话中的一条分支。
// ParentMessageID 记录分叉点，MessageIDs 按顺序记录属于该分支的消息。
type ConversationBranch struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	ParentMessageID string    `json:"parent_message_id,omitempty"`
	MessageIDs      []string  `json:"message_ids"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ConversationThread 一个阶段的会话线程：
// 只追加的消息日志加上命名分支集合，任一时刻恰有一个当前分支。
type ConversationThread struct {
	ID              string                        `json:"id"`
	StoryID         string                        `json:"story_id"`
	Phase           ComposePhase                  `json:"phase,omitempty"`
	Messages        []ChatMessage                 `json:"messages"`
	Branches        map[string]ConversationBranch `json:"branches"`
	CurrentBranchID string                        `json:"current_branch_id"`
	CreatedAt       time.Time                     `json:"created_at"`
	UpdatedAt       time.Time                     `json:"updated_at"`
}

// MessageByID 按ID查找消息，找不到返回 nil
func (t *ConversationThread) MessageByID(id string) *ChatMessage {
	for i := range t.Messages {
		if t.Messages[i].ID == id {
			return &t.Messages[i]
		}
	}
	return nil
}

// CurrentBranch 返回当前分支，线程损坏时返回 nil
func (t *ConversationThread) CurrentBranch() *ConversationBranch {
	if t.Branches == nil {
		return nil
	}
	if b, ok := t.Branches[t.CurrentBranchID]; ok {
		return &b
	}
	return nil
}

// BranchMessages 拼出该分支的完整对话记录：沿分叉点逆推祖先分支，
// 取每个祖先在分叉点之前（含分叉点）的消息，再接上本分支自己的消息。
// 每条消息只属于一个分支，MessageIDs 只记录在该分支上产生的消息。
func (t *ConversationThread) BranchMessages(branchID string) []ChatMessage {
	branch, ok := t.Branches[branchID]
	if !ok {
		return nil
	}

	byID := make(map[string]*ChatMessage, len(t.Messages))
	for i := range t.Messages {
		byID[t.Messages[i].ID] = &t.Messages[i]
	}

	// segment 祖先链上的一段：某个分支截至分叉点的消息
	type segment struct {
		branch ConversationBranch
		cutoff string // 空串表示取整段
	}

	segments := []segment{{branch: branch}}
	current := branch
	// 访问计数防御损坏数据中的環
	for steps := 0; current.ParentMessageID != "" && steps < len(t.Branches)+1; steps++ {
		forkMessage, ok := byID[current.ParentMessageID]
		if !ok {
			break
		}
		parent, ok := t.Branches[forkMessage.BranchID]
		if !ok {
			break
		}
		segments = append([]segment{{branch: parent, cutoff: forkMessage.ID}}, segments...)
		current = parent
	}

	var messages []ChatMessage
	for _, seg := range segments {
		for _, id := range seg.branch.MessageIDs {
			msg, ok := byID[id]
			if !ok {
				continue
			}
			messages = append(messages, *msg)
			if seg.cutoff != "" && id == seg.cutoff {
				break
			}
		}
	}
	return messages
}
